// Package worker drives sync cycles: it claims a batch from the outbox,
// dispatches it through a bounded pool to the transport adapter and writes
// every outcome back, so no claimed operation is ever left in limbo.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"offsync/internal/conflict"
	"offsync/internal/events"
	"offsync/internal/metrics"
	"offsync/internal/models"
	"offsync/internal/transport"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Outbox is the slice of the operation log the worker needs.
type Outbox interface {
	ClaimBatch(ctx context.Context, limit int) ([]models.Operation, error)
	MarkSynced(ctx context.Context, operationID string) error
	MarkFailed(ctx context.Context, operationID, reason string, nonRetryable bool) error
	Supersede(ctx context.Context, oldID string, resolvedPayload []byte) (string, error)
	SetEntityStatus(ctx context.Context, entityTable, entityID string, status models.EntityStatus) error
	SetServerID(ctx context.Context, entityTable, entityID, serverID string) error
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Resolver reconciles a local operation with a diverging remote record.
type Resolver interface {
	Name() string
	Resolve(local models.Operation, remote conflict.RemoteState) (json.RawMessage, error)
}

// Online reports whether the remote is currently reachable.
type Online interface {
	IsOnline() bool
}

// Config tunes the worker.
type Config struct {
	BatchSize      int
	PoolSize       int
	RequestTimeout time.Duration
	Interval       time.Duration
	// BatchedMode sends the whole claimed set in one transport call when the
	// adapter supports it, instead of per-item pool dispatch.
	BatchedMode    bool
	RateLimitRPS   float64
	RateLimitBurst int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	Claimed   int
	Synced    int
	Failed    int
	Conflicts int
}

// Worker pulls batches from the outbox and reconciles dispatch outcomes.
// State lives in the outbox; the worker re-reads it every cycle and survives
// restarts with nothing in memory.
type Worker struct {
	outbox    Outbox
	transport transport.Adapter
	resolver  Resolver
	online    Online
	bus       *events.EventBus
	logger    zerolog.Logger
	cfg       Config
	limiter   *rate.Limiter

	// cycleMu is the reentrancy guard: exactly one cycle at a time. Timer
	// triggers drop when it is held; force-sync waits.
	cycleMu sync.Mutex
	nudge   chan struct{}
}

// New builds a worker with sane defaults.
func New(outbox Outbox, adapter transport.Adapter, resolver Resolver, online Online, bus *events.EventBus, cfg Config, logger *zerolog.Logger) *Worker {
	cfg.applyDefaults()

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "sync-worker").Logger()
	} else {
		log = zerolog.Nop()
	}

	return &Worker{
		outbox:    outbox,
		transport: adapter,
		resolver:  resolver,
		online:    online,
		bus:       bus,
		logger:    log,
		cfg:       cfg,
		limiter:   limiter,
		nudge:     make(chan struct{}, 1),
	}
}

// Start runs the periodic trigger loop until ctx is done. Timer and nudge
// triggers funnel into the same guard; a trigger arriving mid-cycle is
// dropped, never queued.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Dur("interval", w.cfg.Interval).Msg("sync worker started")
	defer w.logger.Info().Msg("sync worker stopped")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.nudge:
		}

		if w.online != nil && !w.online.IsOnline() {
			continue
		}
		if _, ok, err := w.TryRunCycle(ctx); err != nil && ok {
			// Timer-path failures only surface as events; Start never panics
			// or exits on them.
			w.logger.Error().Err(err).Msg("sync cycle failed")
		}
	}
}

// Nudge requests a cycle soon. Non-blocking; used after appends and on
// reconnect.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// RunCycle runs one cycle with force semantics: if a cycle is already
// active it waits for it to finish, then runs its own.
func (w *Worker) RunCycle(ctx context.Context) (CycleResult, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()
	return w.runCycle(ctx)
}

// TryRunCycle runs one cycle with timer semantics: if a cycle is already
// active the trigger is dropped and ok is false.
func (w *Worker) TryRunCycle(ctx context.Context) (CycleResult, bool, error) {
	if !w.cycleMu.TryLock() {
		return CycleResult{}, false, nil
	}
	defer w.cycleMu.Unlock()

	res, err := w.runCycle(ctx)
	return res, true, err
}

// WaitIdle blocks until no cycle is active.
func (w *Worker) WaitIdle() {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()
}

// runCycle is the Claiming -> Dispatching -> Reconciling state machine.
// Callers hold cycleMu.
func (w *Worker) runCycle(ctx context.Context) (CycleResult, error) {
	started := time.Now()
	_ = w.bus.PublishJSON(events.EventSyncStarted, events.CyclePayload{})

	ops, err := w.outbox.ClaimBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		wrapped := models.NewSyncError(models.ErrStorage, fmt.Errorf("claim batch: %w", err))
		metrics.IncCycle("failed")
		_ = w.bus.PublishJSON(events.EventSyncCompleted, events.CyclePayload{Error: wrapped.Error()})
		return CycleResult{}, wrapped
	}

	if len(ops) == 0 {
		metrics.IncCycle("empty")
		_ = w.bus.PublishJSON(events.EventSyncCompleted, events.CyclePayload{})
		return CycleResult{}, nil
	}

	w.logger.Debug().Int("claimed", len(ops)).Msg("cycle claimed batch")

	outcomes := w.dispatch(ctx, ops)

	result := CycleResult{Claimed: len(ops)}
	var errs []error
	for i := range ops {
		if err := w.reconcile(ctx, &ops[i], outcomes[i], &result); err != nil {
			errs = append(errs, err)
		}
	}

	w.observeQueueDepth(ctx)

	cycleErr := errors.Join(errs...)
	if cycleErr != nil {
		metrics.IncCycle("failed")
	} else {
		metrics.IncCycle("completed")
	}

	payload := events.CyclePayload{
		Claimed:   result.Claimed,
		Synced:    result.Synced,
		Failed:    result.Failed,
		Conflicts: result.Conflicts,
	}
	if cycleErr != nil {
		payload.Error = cycleErr.Error()
	}
	_ = w.bus.PublishJSON(events.EventSyncCompleted, payload)

	w.logger.Info().
		Int("claimed", result.Claimed).
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Int("conflicts", result.Conflicts).
		Dur("took", time.Since(started)).
		Msg("sync cycle completed")

	return result, cycleErr
}

// reconcile applies exactly one terminal transition to a claimed operation.
func (w *Worker) reconcile(ctx context.Context, op *models.Operation, out transport.Outcome, result *CycleResult) error {
	item := events.ItemPayload{
		OperationID: op.ID,
		EntityTable: op.EntityTable,
		EntityID:    op.EntityID,
		Kind:        string(op.Kind),
		RetryCount:  op.RetryCount,
	}

	switch out.Result {
	case transport.ResultSuccess:
		if err := w.outbox.MarkSynced(ctx, op.ID); err != nil {
			return models.NewSyncError(models.ErrStorage, fmt.Errorf("mark synced %s: %w", op.ID, err))
		}
		if op.Kind == models.KindCreate && out.ServerID != "" {
			if err := w.outbox.SetServerID(ctx, op.EntityTable, op.EntityID, out.ServerID); err != nil {
				return models.NewSyncError(models.ErrStorage, fmt.Errorf("set server id %s: %w", op.ID, err))
			}
		}
		result.Synced++
		metrics.IncOperation("synced")
		_ = w.bus.PublishJSON(events.EventItemSynced, item)
		return nil

	case transport.ResultConflict:
		result.Conflicts++
		metrics.IncOperation("conflict")
		_ = w.bus.PublishJSON(events.EventConflictDetected, item)
		return w.resolveConflict(ctx, op, out)

	case transport.ResultNonRetryable:
		if err := w.outbox.MarkFailed(ctx, op.ID, out.Message, true); err != nil {
			return models.NewSyncError(models.ErrStorage, fmt.Errorf("mark failed %s: %w", op.ID, err))
		}
		result.Failed++
		metrics.IncOperation("rejected")
		item.RetryCount = op.RetryCount + 1
		item.Error = out.Message
		_ = w.bus.PublishJSON(events.EventItemFailed, item)
		return nil

	default: // transient
		if err := w.outbox.MarkFailed(ctx, op.ID, out.Message, false); err != nil {
			return models.NewSyncError(models.ErrStorage, fmt.Errorf("mark failed %s: %w", op.ID, err))
		}
		result.Failed++
		metrics.IncOperation("failed")
		item.RetryCount = op.RetryCount + 1
		item.Error = out.Message
		_ = w.bus.PublishJSON(events.EventItemFailed, item)
		return nil
	}
}

// resolveConflict routes a conflict outcome through the resolver. A
// successful resolution atomically supersedes the operation with a pending
// one carrying the resolved payload; a refused resolution (manual strategy)
// parks the entity in conflict and is never retried automatically.
func (w *Worker) resolveConflict(ctx context.Context, op *models.Operation, out transport.Outcome) error {
	remote := conflict.RemoteState{Exists: out.RemoteExists, Payload: out.RemotePayload}

	resolved, err := w.resolver.Resolve(*op, remote)
	if err != nil {
		// The operation leaves syncing with its retry budget exhausted; it
		// comes back only through explicit resolution or retry-all.
		reason := fmt.Sprintf("conflict unresolved (%s): %v", w.resolver.Name(), err)
		if markErr := w.outbox.MarkFailed(ctx, op.ID, reason, true); markErr != nil {
			return models.NewSyncError(models.ErrStorage, fmt.Errorf("mark conflicted %s: %w", op.ID, markErr))
		}
		// Written after MarkFailed: exhausting the budget stamps the entity
		// failed, and the entity must end this path in conflict.
		if metaErr := w.outbox.SetEntityStatus(ctx, op.EntityTable, op.EntityID, models.EntityConflict); metaErr != nil {
			return models.NewSyncError(models.ErrStorage, fmt.Errorf("park entity in conflict %s: %w", op.ID, metaErr))
		}
		if errors.Is(err, models.ErrManualResolutionRequired) {
			w.logger.Info().Str("operation", op.ID).Msg("conflict awaiting manual resolution")
			return nil
		}
		return models.NewSyncError(models.ErrConflict, err)
	}

	newID, err := w.outbox.Supersede(ctx, op.ID, resolved)
	if err != nil {
		return models.NewSyncError(models.ErrStorage, fmt.Errorf("supersede %s: %w", op.ID, err))
	}

	w.logger.Debug().
		Str("old", op.ID).
		Str("new", newID).
		Str("strategy", w.resolver.Name()).
		Msg("conflict resolved, operation re-enqueued")
	return nil
}

func (w *Worker) observeQueueDepth(ctx context.Context) {
	stats, err := w.outbox.Stats(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("queue depth unavailable")
		return
	}
	metrics.SetQueueDepth("pending", stats.Pending)
	metrics.SetQueueDepth("syncing", stats.Syncing)
	metrics.SetQueueDepth("synced", stats.Synced)
	metrics.SetQueueDepth("failed", stats.Failed)
}
