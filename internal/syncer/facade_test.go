package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"offsync/internal/conflict"
	"offsync/internal/events"
	"offsync/internal/models"
	"offsync/internal/outbox"
	"offsync/internal/retry"
	"offsync/internal/statuscache"
	"offsync/internal/transport"
	"offsync/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type scriptedAdapter struct {
	outcome transport.Outcome
	err     error
}

func (s *scriptedAdapter) do() (transport.Outcome, error) {
	if s.err != nil {
		return transport.Outcome{}, s.err
	}
	return s.outcome, nil
}

func (s *scriptedAdapter) Create(ctx context.Context, table, id string, payload json.RawMessage) (transport.Outcome, error) {
	return s.do()
}

func (s *scriptedAdapter) Update(ctx context.Context, table, id string, payload json.RawMessage) (transport.Outcome, error) {
	return s.do()
}

func (s *scriptedAdapter) Delete(ctx context.Context, table, id string, payload json.RawMessage) (transport.Outcome, error) {
	return s.do()
}

func (s *scriptedAdapter) FetchUpdates(ctx context.Context, table string, since time.Time) ([]transport.RemoteRecord, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, adapter transport.Adapter, cache statuscache.Cache) *Engine {
	t.Helper()

	store, err := outbox.New(filepath.Join(t.TempDir(), "outbox.db"), outbox.Options{
		Policy: retry.Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, MaxRetries: 3},
	})
	require.NoError(t, err)

	resolver, err := conflict.NewResolver(conflict.StrategyClientWins)
	require.NoError(t, err)

	bus := events.NewEventBus()
	w := worker.New(store, adapter, resolver, nil, bus, worker.Config{
		BatchSize: 10,
		Interval:  time.Hour, // cycles only run when explicitly forced
	}, nil)

	engine := New(Deps{Store: store, Worker: w, Cache: cache, Bus: bus})
	t.Cleanup(func() { _ = engine.Destroy() })
	return engine
}

func TestLifecycleTransitions(t *testing.T) {
	engine := newTestEngine(t, &scriptedAdapter{outcome: transport.Outcome{Result: transport.ResultSuccess}}, nil)
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, engine.State())

	require.NoError(t, engine.Initialize(ctx))
	assert.Equal(t, StateInitialized, engine.State())

	require.NoError(t, engine.Start(ctx))
	assert.Equal(t, StateActive, engine.State())

	// Start is idempotent while active.
	require.NoError(t, engine.Start(ctx))
	assert.Equal(t, StateActive, engine.State())

	require.NoError(t, engine.Stop())
	assert.Equal(t, StateInactive, engine.State())

	require.NoError(t, engine.Start(ctx))
	assert.Equal(t, StateActive, engine.State())

	require.NoError(t, engine.Destroy())
	assert.Equal(t, StateDestroyed, engine.State())

	// Destroy is terminal and idempotent.
	require.NoError(t, engine.Destroy())
	assert.ErrorIs(t, engine.Start(ctx), ErrDestroyed)
	_, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestEnqueueAutoInitializes(t *testing.T) {
	engine := newTestEngine(t, &scriptedAdapter{outcome: transport.Outcome{Result: transport.ResultSuccess}}, nil)
	ctx := context.Background()

	var queued int
	engine.Subscribe(events.EventItemQueued, func(*events.Event) error { queued++; return nil })

	id, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindCreate, []byte(`{"title":"x"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StateInitialized, engine.State(), "mutating call initializes a fresh engine")
	assert.Equal(t, 1, queued)

	stats, err := engine.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestForceSyncDrainsQueue(t *testing.T) {
	engine := newTestEngine(t, &scriptedAdapter{outcome: transport.Outcome{Result: transport.ResultSuccess}}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
		require.NoError(t, err)
	}

	res, err := engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)

	stats, err := engine.GetStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, 3, stats.Synced)
}

type countingCache struct {
	inner statuscache.Cache
	gets  int
	sets  int
}

func (c *countingCache) Get(ctx context.Context) (*models.QueueStats, error) {
	c.gets++
	return c.inner.Get(ctx)
}

func (c *countingCache) Set(ctx context.Context, stats models.QueueStats) error {
	c.sets++
	return c.inner.Set(ctx, stats)
}

func (c *countingCache) Invalidate(ctx context.Context) error { return c.inner.Invalidate(ctx) }

func TestGetStatusServedFromCache(t *testing.T) {
	cache := &countingCache{inner: statuscache.NewMemory(time.Minute)}
	engine := newTestEngine(t, &scriptedAdapter{outcome: transport.Outcome{Result: transport.ResultSuccess}}, cache)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)

	first, err := engine.GetStatus(ctx)
	require.NoError(t, err)
	second, err := engine.GetStatus(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.sets, "only the first read hits storage")

	// A mutation invalidates; the next read recomputes.
	_, err = engine.Enqueue(ctx, "todos", "todo-2", models.KindCreate, []byte(`{}`))
	require.NoError(t, err)

	stats, err := engine.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 2, cache.sets)
}

func TestRetryFailedItemsRequeues(t *testing.T) {
	engine := newTestEngine(t, &scriptedAdapter{err: errors.New("remote down")}, nil)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)

	res, err := engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	failed, err := engine.GetFailedItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)

	n, err := engine.RetryFailedItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := engine.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending, "retry-all moves failed back to pending")

	queued, err := engine.GetQueuedItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Zero(t, queued[0].RetryCount, "retry-all clears the retry budget")
}

func TestClearSyncedItems(t *testing.T) {
	engine := newTestEngine(t, &scriptedAdapter{outcome: transport.Outcome{Result: transport.ResultSuccess}}, nil)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)
	_, err = engine.ForceSync(ctx)
	require.NoError(t, err)

	n, err := engine.ClearSyncedItems(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := engine.GetStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestGetQueuedItemsOrder(t *testing.T) {
	engine := newTestEngine(t, &scriptedAdapter{outcome: transport.Outcome{Result: transport.ResultSuccess}}, nil)
	ctx := context.Background()

	first, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindCreate, []byte(`{}`))
	require.NoError(t, err)
	second, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)

	ops, err := engine.GetQueuedItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first, ops[0].ID)
	assert.Equal(t, second, ops[1].ID)
}

func TestExportFailedReport(t *testing.T) {
	engine := newTestEngine(t, &scriptedAdapter{outcome: transport.Outcome{
		Result:  transport.ResultNonRetryable,
		Message: "schema rejected",
	}}, nil)
	ctx := context.Background()

	id, err := engine.Enqueue(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)
	_, err = engine.ForceSync(ctx)
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := engine.ExportFailedReport(ctx, dir)
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.GetCellValue(reportSheet, "A2")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	errCell, err := f.GetCellValue(reportSheet, "H2")
	require.NoError(t, err)
	assert.Contains(t, errCell, "schema rejected")
}
