// Package correlator assembles asynchronous partial results, keyed by trace
// id, into one synthesized outcome per workflow.
package correlator

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/meshgate/internal/coordinator"
	"github.com/your-org/meshgate/internal/metrics"
	"github.com/your-org/meshgate/pkg/envelope"
)

const (
	sweepLeaseKey = "correlator-sweep"

	// traceLeaseTTL bounds how long a crashed instance can hold a trace's
	// mutation lease.
	traceLeaseTTL = 10 * time.Second
)

func traceLeaseKey(traceID string) string {
	return "correlator-trace:" + traceID
}

// Options tunes correlation lifetimes. Zero values get safe defaults.
type Options struct {
	// DefaultDeadline bounds implicitly created correlations.
	DefaultDeadline time.Duration
	// ConsumedGrace keeps a consumed record around so duplicate resolves
	// still succeed.
	ConsumedGrace time.Duration
	// Retention bounds how long an unconsumed terminal record survives.
	Retention time.Duration
	// SweepInterval paces the background deadline/retention sweeps.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultDeadline <= 0 {
		o.DefaultDeadline = 2 * time.Minute
	}
	if o.ConsumedGrace <= 0 {
		o.ConsumedGrace = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	return o
}

// Correlator owns the trace_id -> PendingCorrelation map. Mutations are
// exclusive per trace id via sharded locks; unrelated workflows never
// serialize on one another.
type Correlator struct {
	store    Store
	coord    coordinator.Coordinator
	opts     Options
	logger   *slog.Logger
	recorder metrics.Recorder
	clock    func() time.Time

	shards [64]sync.Mutex

	mu        sync.Mutex
	combiners map[string]Combiner
}

func New(store Store, coord coordinator.Coordinator, opts Options, logger *slog.Logger, recorder metrics.Recorder) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if coord == nil {
		coord = coordinator.NewMemoryCoordinator()
	}
	return &Correlator{
		store:     store,
		coord:     coord,
		opts:      opts.withDefaults(),
		logger:    logger,
		recorder:  recorder,
		clock:     time.Now,
		combiners: make(map[string]Combiner),
	}
}

// lockTrace serializes mutations of one trace: the shard mutex covers this
// process, the coordinator lease covers every instance sharing the store.
// Unrelated workflows never serialize on one another.
func (c *Correlator) lockTrace(ctx context.Context, traceID string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(traceID))
	m := &c.shards[h.Sum32()%uint32(len(c.shards))]
	m.Lock()

	lease, err := c.coord.Acquire(ctx, traceLeaseKey(traceID), traceLeaseTTL)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	return func() {
		_ = lease.Release(context.Background())
		m.Unlock()
	}, nil
}

// RegisterExpectation declares which sources must contribute to traceID and
// by when. Registering over an implicit record upgrades it: payloads that
// already arrived are kept and their sources join the expectation set.
func (c *Correlator) RegisterExpectation(ctx context.Context, traceID string, sources []string, deadline time.Time, combiner Combiner) error {
	if traceID == "" {
		return errors.New("trace id is empty")
	}
	if len(sources) == 0 {
		return errors.New("expected sources are empty")
	}

	unlock, err := c.lockTrace(ctx, traceID)
	if err != nil {
		return err
	}
	defer unlock()

	now := c.clock()
	if deadline.IsZero() {
		deadline = now.Add(c.opts.DefaultDeadline)
	}

	rec, err := c.store.Get(ctx, traceID)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{
			TraceID:   traceID,
			Expected:  make(map[string]bool, len(sources)),
			Received:  make(map[string]envelope.Payload),
			CreatedAt: now,
			Deadline:  deadline,
			Status:    StatusWaiting,
		}
	case err != nil:
		return err
	case !rec.Implicit:
		return ErrAlreadyRegistered
	default:
		// Upgrade: callbacks raced ahead of registration.
		rec.Implicit = false
		rec.Deadline = deadline
	}

	for _, s := range sources {
		rec.Expected[s] = true
	}
	for s := range rec.Received {
		rec.Expected[s] = true
	}
	if rec.allReceived() {
		rec.Status = StatusComplete
		c.recorder.ObserveCorrelation("complete")
	}

	if combiner != nil {
		c.mu.Lock()
		c.combiners[traceID] = combiner
		c.mu.Unlock()
	}
	return c.store.Save(ctx, rec)
}

// Ingest merges one source's partial payload. It is idempotent: the same
// source overwrites its own slot (last write wins), and callbacks arriving
// after a terminal transition leave the record untouched.
func (c *Correlator) Ingest(ctx context.Context, traceID string, source string, payload envelope.Payload) (Status, error) {
	if traceID == "" || source == "" {
		return "", errors.New("trace id and source are required")
	}

	unlock, err := c.lockTrace(ctx, traceID)
	if err != nil {
		return "", err
	}
	defer unlock()

	now := c.clock()
	rec, err := c.store.Get(ctx, traceID)
	if errors.Is(err, ErrNotFound) {
		rec = Record{
			TraceID:   traceID,
			Expected:  map[string]bool{source: true},
			Received:  make(map[string]envelope.Payload),
			Implicit:  true,
			CreatedAt: now,
			Deadline:  now.Add(c.opts.DefaultDeadline),
			Status:    StatusWaiting,
		}
	} else if err != nil {
		return "", err
	}

	if rec.Status != StatusWaiting {
		return rec.Status, nil
	}

	if !rec.Expected[source] {
		if !rec.Implicit {
			return rec.Status, ErrUnexpectedSource
		}
		rec.Expected[source] = true
	}
	rec.Received[source] = payload

	// Implicit expectation sets can never be known complete; they resolve
	// by timeout or by a later explicit registration.
	if !rec.Implicit && rec.allReceived() {
		rec.Status = StatusComplete
		c.recorder.ObserveCorrelation("complete")
		c.logger.Info("correlation complete", "trace_id", traceID, "sources", len(rec.Received))
	}

	if err := c.store.Save(ctx, rec); err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Resolve returns the synthesized result once the correlation reached a
// terminal status. The first successful resolve marks the record for
// retention eviction; duplicates within the grace window still succeed.
func (c *Correlator) Resolve(ctx context.Context, traceID string) (Result, error) {
	unlock, err := c.lockTrace(ctx, traceID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	rec, err := c.store.Get(ctx, traceID)
	if err != nil {
		return Result{}, err
	}
	if rec.Status == StatusWaiting {
		return Result{}, ErrStillWaiting
	}

	if rec.ConsumedAt.IsZero() {
		rec.ConsumedAt = c.clock()
		if err := c.store.Save(ctx, rec); err != nil {
			return Result{}, err
		}
	}
	return c.synthesize(rec), nil
}

// Await polls until the correlation terminates or ctx expires. Ingestion and
// sweeps proceed independently while the caller waits.
func (c *Correlator) Await(ctx context.Context, traceID string) (Result, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := c.Resolve(ctx, traceID)
		if err == nil || !errors.Is(err, ErrStillWaiting) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Correlator) synthesize(rec Record) Result {
	c.mu.Lock()
	combiner, ok := c.combiners[rec.TraceID]
	c.mu.Unlock()
	if !ok {
		combiner = DefaultCombiner
	}
	return Result{
		TraceID: rec.TraceID,
		Partial: rec.Status == StatusTimedOut,
		Sources: rec.receivedSources(),
		Data:    combiner(rec.TraceID, rec.Received),
	}
}

// Run drives the background sweeps until ctx is cancelled. The deadline
// sweep runs under a coordinator lease so only one instance per deployment
// emits timeout transitions.
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepUnderLease(ctx)
		}
	}
}

func (c *Correlator) sweepUnderLease(ctx context.Context) {
	leaseCtx, cancel := context.WithTimeout(ctx, c.opts.SweepInterval)
	defer cancel()
	lease, err := c.coord.Acquire(leaseCtx, sweepLeaseKey, 2*c.opts.SweepInterval)
	if err != nil {
		return
	}
	defer func() { _ = lease.Release(ctx) }()

	if err := c.SweepOnce(ctx, c.clock()); err != nil {
		c.logger.Warn("correlation sweep failed", "error", err)
	}
}

// SweepOnce applies deadline timeouts and retention eviction as of now.
func (c *Correlator) SweepOnce(ctx context.Context, now time.Time) error {
	ids, err := c.store.TraceIDs(ctx)
	if err != nil {
		return err
	}
	for _, traceID := range ids {
		c.sweepOne(ctx, traceID, now)
	}
	return nil
}

func (c *Correlator) sweepOne(ctx context.Context, traceID string, now time.Time) {
	unlock, err := c.lockTrace(ctx, traceID)
	if err != nil {
		return
	}
	defer unlock()

	rec, err := c.store.Get(ctx, traceID)
	if err != nil {
		return
	}

	if rec.Status == StatusWaiting && now.After(rec.Deadline) {
		rec.Status = StatusTimedOut
		c.recorder.ObserveCorrelation("timed_out")
		c.logger.Warn("correlation timed out",
			"trace_id", traceID,
			"received", len(rec.Received),
			"expected", len(rec.Expected))
		if err := c.store.Save(ctx, rec); err != nil {
			c.logger.Warn("save timed out correlation", "trace_id", traceID, "error", err)
		}
		return
	}

	if c.evictable(rec, now) {
		if err := c.store.Delete(ctx, traceID); err != nil {
			c.logger.Warn("evict correlation", "trace_id", traceID, "error", err)
			return
		}
		c.mu.Lock()
		delete(c.combiners, traceID)
		c.mu.Unlock()
	}
}

// evictable applies the two retention bounds: consumed records go after the
// grace window, unconsumed terminal records after the retention window.
func (c *Correlator) evictable(rec Record, now time.Time) bool {
	if rec.Status == StatusWaiting {
		return false
	}
	if !rec.ConsumedAt.IsZero() {
		return now.After(rec.ConsumedAt.Add(c.opts.ConsumedGrace))
	}
	return now.After(rec.Deadline.Add(c.opts.Retention))
}
