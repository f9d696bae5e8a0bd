package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(policy Policy, onChange func(Event)) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New("database", policy, onChange)
	b.clock = clk.Now
	return b, clk
}

var errRemote = errors.New("remote down")

func failOp(ctx context.Context) error { return errRemote }
func okOp(ctx context.Context) error   { return nil }

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Policy{FailureThreshold: 3, RecoveryTimeout: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), failOp)
		require.ErrorIs(t, err, errRemote)
		assert.Equal(t, StateClosed, b.Snapshot().State, "must stay closed before threshold")
	}

	require.ErrorIs(t, b.Execute(context.Background(), failOp), errRemote)
	assert.Equal(t, StateOpen, b.Snapshot().State)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Policy{FailureThreshold: 3, RecoveryTimeout: time.Minute}, nil)

	require.Error(t, b.Execute(context.Background(), failOp))
	require.Error(t, b.Execute(context.Background(), failOp))
	require.NoError(t, b.Execute(context.Background(), okOp))

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b, clk := newTestBreaker(Policy{FailureThreshold: 1, RecoveryTimeout: time.Minute}, nil)
	require.Error(t, b.Execute(context.Background(), failOp))

	calls := 0
	clk.Advance(30 * time.Second)
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls, "operation must not run while open")
}

func TestBreakerRecoveryScenario(t *testing.T) {
	var events []Event
	b, clk := newTestBreaker(Policy{FailureThreshold: 3, RecoveryTimeout: time.Minute}, func(ev Event) {
		events = append(events, ev)
	})

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), failOp), errRemote)
	}
	assert.Equal(t, StateOpen, b.Snapshot().State)

	// Immediate fourth call fails fast.
	require.ErrorIs(t, b.Execute(context.Background(), failOp), ErrCircuitOpen)

	// After the recovery timeout the next call is the half-open trial.
	clk.Advance(61 * time.Second)
	require.NoError(t, b.Execute(context.Background(), okOp))

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)

	require.Len(t, events, 3)
	assert.Equal(t, StateClosed, events[0].From)
	assert.Equal(t, StateOpen, events[0].To)
	assert.Equal(t, StateHalfOpen, events[1].To)
	assert.Equal(t, StateClosed, events[2].To)
}

func TestBreakerSingleHalfOpenTrial(t *testing.T) {
	b, clk := newTestBreaker(Policy{FailureThreshold: 1, RecoveryTimeout: time.Second}, nil)
	require.Error(t, b.Execute(context.Background(), failOp))
	clk.Advance(2 * time.Second)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	// Second call while the trial is in flight is rejected without running.
	err := b.Execute(context.Background(), okOp)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreakerFailedTrialReopensWithBackoff(t *testing.T) {
	b, clk := newTestBreaker(Policy{FailureThreshold: 1, RecoveryTimeout: time.Second}, nil)
	require.Error(t, b.Execute(context.Background(), failOp))

	clk.Advance(1100 * time.Millisecond)
	require.ErrorIs(t, b.Execute(context.Background(), failOp), errRemote)
	assert.Equal(t, StateOpen, b.Snapshot().State)

	// The reopened window is at least doubled, so the base timeout no
	// longer admits a probe.
	clk.Advance(1100 * time.Millisecond)
	assert.ErrorIs(t, b.Execute(context.Background(), okOp), ErrCircuitOpen)
}

func TestSetHealthSortedPerCapability(t *testing.T) {
	set := NewSet(nil)
	set.GetOrCreate("search", Policy{})
	set.GetOrCreate("database", Policy{})

	again := set.GetOrCreate("search", Policy{})
	b, ok := set.Get("search")
	require.True(t, ok)
	assert.Same(t, again, b)

	health := set.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "database", health[0].Capability)
	assert.Equal(t, "search", health[1].Capability)
	assert.Equal(t, StateClosed, health[0].State)
}
