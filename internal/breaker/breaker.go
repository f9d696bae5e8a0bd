package breaker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker position for one capability.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Policy configures failure threshold and recovery behavior.
type Policy struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// MaxRecoveryTimeout caps the exponential reopen backoff. Zero means
	// 10x the base recovery timeout.
	MaxRecoveryTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 5
	}
	if p.RecoveryTimeout <= 0 {
		p.RecoveryTimeout = 30 * time.Second
	}
	if p.MaxRecoveryTimeout <= 0 {
		p.MaxRecoveryTimeout = 10 * p.RecoveryTimeout
	}
	return p
}

// Event records one state transition for observability.
type Event struct {
	Capability string
	From       State
	To         State
	At         time.Time
}

// Breaker guards calls to one remote capability. The zero value is not
// usable; construct with New.
type Breaker struct {
	mu sync.Mutex

	capability string
	policy     Policy
	onChange   func(Event)
	clock      func() time.Time

	state               State
	consecutiveFailures int
	openedAt            time.Time
	lastTransition      time.Time
	currentTimeout      time.Duration
	trialInFlight       bool
}

// New builds a CLOSED breaker. onChange may be nil; when set it is invoked
// after every transition, outside the breaker lock.
func New(capability string, policy Policy, onChange func(Event)) *Breaker {
	policy = policy.withDefaults()
	return &Breaker{
		capability:     capability,
		policy:         policy,
		onChange:       onChange,
		clock:          time.Now,
		state:          StateClosed,
		lastTransition: time.Now(),
		currentTimeout: policy.RecoveryTimeout,
	}
}

// Execute runs op under the breaker contract. While OPEN it fails fast with
// ErrCircuitOpen and op is never invoked; while HALF_OPEN exactly one trial
// is admitted.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	trial, ev, err := b.admit()
	b.emit(ev)
	if err != nil {
		return err
	}

	opErr := op(ctx)
	ev = b.record(trial, opErr)
	b.emit(ev)
	return opErr
}

// admit decides whether a call may proceed and whether it is the half-open
// trial. It performs the OPEN -> HALF_OPEN transition when the recovery
// timeout has elapsed.
func (b *Breaker) admit() (trial bool, ev *Event, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	switch b.state {
	case StateClosed:
		return false, nil, nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.currentTimeout {
			return false, nil, ErrCircuitOpen
		}
		ev = b.transition(StateHalfOpen, now)
		b.trialInFlight = true
		return true, ev, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, nil, ErrCircuitOpen
		}
		b.trialInFlight = true
		return true, nil, nil
	}
	return false, nil, ErrCircuitOpen
}

func (b *Breaker) record(trial bool, opErr error) *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if trial {
		b.trialInFlight = false
		if opErr == nil {
			b.consecutiveFailures = 0
			b.currentTimeout = b.policy.RecoveryTimeout
			return b.transition(StateClosed, now)
		}
		// Failed probe: reopen with exponential backoff plus jitter so a
		// herd of gateways does not re-probe in lockstep.
		b.openedAt = now
		b.currentTimeout = nextTimeout(b.currentTimeout, b.policy.MaxRecoveryTimeout)
		return b.transition(StateOpen, now)
	}

	if b.state != StateClosed {
		return nil
	}
	if opErr == nil {
		b.consecutiveFailures = 0
		return nil
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.policy.FailureThreshold {
		b.openedAt = now
		b.currentTimeout = b.policy.RecoveryTimeout
		return b.transition(StateOpen, now)
	}
	return nil
}

// transition mutates state and returns the event; caller holds the lock.
func (b *Breaker) transition(to State, now time.Time) *Event {
	from := b.state
	b.state = to
	b.lastTransition = now
	return &Event{Capability: b.capability, From: from, To: to, At: now}
}

func (b *Breaker) emit(ev *Event) {
	if ev != nil && b.onChange != nil {
		b.onChange(*ev)
	}
}

func nextTimeout(current, max time.Duration) time.Duration {
	next := 2 * current
	next += time.Duration(rand.Int63n(int64(current)/4 + 1))
	if next > max {
		next = max
	}
	return next
}

// Snapshot is the health read model for one breaker.
type Snapshot struct {
	Capability          string    `json:"capability"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransitionAt    time.Time `json:"last_transition_at"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Capability:          b.capability,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastTransitionAt:    b.lastTransition,
	}
}

// Reset forces the breaker back to CLOSED with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.currentTimeout = b.policy.RecoveryTimeout
	b.lastTransition = b.clock()
}
