// Package syncer is the public face of the sync engine: lifecycle, enqueueing,
// status reads and event fan-out over the outbox, worker and connectivity
// collaborators.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"offsync/internal/connectivity"
	"offsync/internal/events"
	"offsync/internal/models"
	"offsync/internal/outbox"
	"offsync/internal/statuscache"
	"offsync/internal/worker"

	"github.com/rs/zerolog"
)

// State is the engine lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateActive
	StateInactive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ErrDestroyed is returned by every method once Destroy has run.
var ErrDestroyed = errors.New("sync engine destroyed")

// Deps are the collaborators the engine coordinates. Store and Worker are
// required; Monitor, Cache and Logger fall back to safe defaults.
type Deps struct {
	Store   *outbox.Store
	Worker  *worker.Worker
	Monitor connectivity.Monitor
	Cache   statuscache.Cache
	Bus     *events.EventBus
	Logger  *zerolog.Logger

	// StatusTTL bounds how stale a cached GetStatus answer may be. Zero
	// means one sync interval worth of staleness.
	StatusTTL time.Duration
}

// Engine owns the sync lifecycle. All methods are safe for concurrent use;
// mutating methods on an uninitialized engine initialize it first instead of
// erroring.
type Engine struct {
	store   *outbox.Store
	worker  *worker.Worker
	monitor connectivity.Monitor
	cache   statuscache.Cache
	bus     *events.EventBus
	logger  zerolog.Logger

	state atomic.Int32

	mu          sync.Mutex
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	loopCancel  context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New wires an engine from its collaborators. Nothing runs until Initialize
// or the first mutating call.
func New(deps Deps) *Engine {
	bus := deps.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}
	cache := deps.Cache
	if cache == nil {
		ttl := deps.StatusTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		cache = statuscache.NewMemory(ttl)
	}

	var log zerolog.Logger
	if deps.Logger != nil {
		log = deps.Logger.With().Str("component", "sync-engine").Logger()
	} else {
		log = zerolog.Nop()
	}

	return &Engine{
		store:   deps.Store,
		worker:  deps.Worker,
		monitor: deps.Monitor,
		cache:   cache,
		bus:     bus,
		logger:  log,
	}
}

// State reports the current lifecycle position.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Events exposes the bus for subscribers.
func (e *Engine) Events() *events.EventBus {
	return e.bus
}

// Subscribe registers a handler for one event type.
func (e *Engine) Subscribe(eventType string, handler events.EventHandler) {
	e.bus.Subscribe(eventType, handler)
}

// Initialize releases stuck claims from a previous run and starts the
// connectivity monitor. Idempotent; fails only after Destroy.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initializeLocked(ctx)
}

func (e *Engine) initializeLocked(ctx context.Context) error {
	switch State(e.state.Load()) {
	case StateDestroyed:
		return ErrDestroyed
	case StateUninitialized:
	default:
		return nil
	}

	released, err := e.store.ReleaseStuck(ctx, 0)
	if err != nil {
		return fmt.Errorf("release stuck operations: %w", err)
	}
	if released > 0 {
		e.logger.Warn().Int("released", released).Msg("reclaimed operations stuck in syncing")
	}

	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	if e.monitor != nil {
		e.unsubscribe = e.monitor.Subscribe(func(online bool) {
			_ = e.bus.PublishJSON(events.EventConnectionChanged, events.ConnectionPayload{Online: online})
			if online && e.State() == StateActive {
				e.worker.Nudge()
			}
		})
		if prober, ok := e.monitor.(*connectivity.Prober); ok {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				prober.Start(e.baseCtx)
			}()
		}
	}

	e.state.Store(int32(StateInitialized))
	e.logger.Info().Msg("sync engine initialized")
	return nil
}

// ensureReady auto-initializes, matching the rule that mutating calls on a
// fresh engine just work.
func (e *Engine) ensureReady(ctx context.Context) error {
	if State(e.state.Load()) == StateDestroyed {
		return ErrDestroyed
	}
	if State(e.state.Load()) != StateUninitialized {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initializeLocked(ctx)
}

// Start arms the periodic worker loop and, when online, kicks an immediate
// cycle. Idempotent while active.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ensureReady(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch State(e.state.Load()) {
	case StateDestroyed:
		return ErrDestroyed
	case StateActive:
		return nil
	}

	loopCtx, cancel := context.WithCancel(e.baseCtx)
	e.loopCancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.worker.Start(loopCtx)
	}()

	e.state.Store(int32(StateActive))
	e.logger.Info().Msg("sync engine started")

	if e.monitor == nil || e.monitor.IsOnline() {
		e.worker.Nudge()
	}
	return nil
}

// Stop disarms the periodic loop without closing storage. A stopped engine
// still accepts appends and explicit ForceSync calls.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch State(e.state.Load()) {
	case StateDestroyed:
		return ErrDestroyed
	case StateActive:
	default:
		return nil
	}

	e.loopCancel()
	e.loopCancel = nil
	e.worker.WaitIdle()

	e.state.Store(int32(StateInactive))
	e.logger.Info().Msg("sync engine stopped")
	return nil
}

// Destroy cancels in-flight work, releases collaborators and closes storage.
// Terminal: no method works afterwards.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := State(e.state.Load())
	if state == StateDestroyed {
		return nil
	}
	e.state.Store(int32(StateDestroyed))

	if state == StateUninitialized {
		return e.store.Close()
	}

	if e.baseCancel != nil {
		e.baseCancel()
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.wg.Wait()
	e.worker.WaitIdle()

	err := e.store.Close()
	e.logger.Info().Msg("sync engine destroyed")
	return err
}

// Enqueue appends one mutation to the outbox and nudges the worker when the
// engine is active and online.
func (e *Engine) Enqueue(ctx context.Context, entityTable, entityID string, kind models.OperationKind, payload []byte) (string, error) {
	if err := e.ensureReady(ctx); err != nil {
		return "", err
	}

	id, err := e.store.Append(ctx, entityTable, entityID, kind, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", entityTable, entityID, err)
	}

	e.invalidateStatus(ctx)
	_ = e.bus.PublishJSON(events.EventItemQueued, events.ItemPayload{
		OperationID: id,
		EntityTable: entityTable,
		EntityID:    entityID,
		Kind:        string(kind),
	})

	if e.State() == StateActive && (e.monitor == nil || e.monitor.IsOnline()) {
		e.worker.Nudge()
	}
	return id, nil
}

// ForceSync runs one cycle with wait semantics: an active cycle finishes
// first, then this one runs. Unlike timer cycles the error comes back to the
// caller.
func (e *Engine) ForceSync(ctx context.Context) (worker.CycleResult, error) {
	if err := e.ensureReady(ctx); err != nil {
		return worker.CycleResult{}, err
	}

	res, err := e.worker.RunCycle(ctx)
	e.invalidateStatus(ctx)
	return res, err
}

// WaitIdle blocks until no sync cycle is active.
func (e *Engine) WaitIdle() {
	e.worker.WaitIdle()
}

// GetStatus returns queue counts, served from the status cache while fresh.
// The cache is never authoritative: any mutation invalidates it.
func (e *Engine) GetStatus(ctx context.Context) (models.QueueStats, error) {
	if err := e.ensureReady(ctx); err != nil {
		return models.QueueStats{}, err
	}

	if cached, err := e.cache.Get(ctx); err == nil && cached != nil {
		return *cached, nil
	}

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	if err := e.cache.Set(ctx, stats); err != nil {
		e.logger.Warn().Err(err).Msg("status cache write failed")
	}
	return stats, nil
}

// GetQueuedItems lists operations awaiting dispatch, oldest first.
func (e *Engine) GetQueuedItems(ctx context.Context, limit int) ([]models.Operation, error) {
	if err := e.ensureReady(ctx); err != nil {
		return nil, err
	}
	return e.store.ListByStatus(ctx, models.StatusPending, limit)
}

// GetFailedItems lists operations whose delivery failed, oldest first.
func (e *Engine) GetFailedItems(ctx context.Context, limit int) ([]models.Operation, error) {
	if err := e.ensureReady(ctx); err != nil {
		return nil, err
	}
	return e.store.ListByStatus(ctx, models.StatusFailed, limit)
}

// ClearSyncedItems reclaims space held by delivered operations older than the
// given age.
func (e *Engine) ClearSyncedItems(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := e.ensureReady(ctx); err != nil {
		return 0, err
	}

	n, err := e.store.CleanupSynced(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup synced: %w", err)
	}
	e.invalidateStatus(ctx)
	return n, nil
}

// RetryFailedItems moves every failed operation back to pending with a fresh
// retry budget, then nudges the worker.
func (e *Engine) RetryFailedItems(ctx context.Context) (int, error) {
	if err := e.ensureReady(ctx); err != nil {
		return 0, err
	}

	n, err := e.store.ResetFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}

	e.invalidateStatus(ctx)
	if n > 0 && e.State() == StateActive && (e.monitor == nil || e.monitor.IsOnline()) {
		e.worker.Nudge()
	}
	return n, nil
}

// IsOnline reports the effective connectivity signal.
func (e *Engine) IsOnline() bool {
	if e.monitor == nil {
		return true
	}
	return e.monitor.IsOnline()
}

func (e *Engine) invalidateStatus(ctx context.Context) {
	if err := e.cache.Invalidate(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("status cache invalidate failed")
	}
}
