package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"offsync/internal/models"
	"offsync/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "outbox.db"), Options{
		Policy: retry.Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, MaxRetries: 3},
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndClaimOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{"n":`+string(rune('0'+i))+`}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ops, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	for i, op := range ops {
		assert.Equal(t, ids[i], op.ID, "operations come back in creation order")
		assert.Equal(t, models.StatusSyncing, op.Status)
		require.NotNil(t, op.ClaimedAt)
	}

	// Claimed rows are invisible to a second claimer.
	again, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimBatchLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
		require.NoError(t, err)
	}

	ops, err := store.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 2, stats.Syncing)
}

func TestConcurrentClaimersNeverShareOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		_, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
		require.NoError(t, err)
	}

	results := make(chan []models.Operation, 4)
	for i := 0; i < 4; i++ {
		go func() {
			var claimed []models.Operation
			for {
				ops, err := store.ClaimBatch(ctx, 5)
				if err != nil || len(ops) == 0 {
					break
				}
				claimed = append(claimed, ops...)
			}
			results <- claimed
		}()
	}

	seen := make(map[string]bool)
	count := 0
	for i := 0; i < 4; i++ {
		for _, op := range <-results {
			assert.False(t, seen[op.ID], "operation %s claimed twice", op.ID)
			seen[op.ID] = true
			count++
		}
	}
	assert.Equal(t, total, count)
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "todos", "todo-1", models.KindCreate, []byte(`{}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, store.MarkSynced(ctx, id))
	require.NoError(t, store.MarkSynced(ctx, id), "second call is a no-op")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 1, stats.Total())
}

func TestAppendThenRemoveLeavesStatsUnchanged(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "todos", "keep", models.KindCreate, []byte(`{}`))
	require.NoError(t, err)

	before, err := store.Stats(ctx)
	require.NoError(t, err)

	id, err := store.Append(ctx, "todos", "gone", models.KindCreate, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, id))

	after, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, id, "network unreachable", false))

	op, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	require.NotNil(t, op.NextRetryAt)
	assert.True(t, op.NextRetryAt.After(time.Now()), "backoff pushes next attempt into the future")
	require.NotNil(t, op.ErrorMessage)
	assert.Equal(t, "network unreachable", *op.ErrorMessage)

	// Not yet claimable: the backoff has not elapsed.
	ops, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestFailedOperationClaimableAfterBackoff(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, id, "boom", false))

	// Move the store clock past the scheduled retry.
	store.now = func() time.Time { return time.Now().Add(time.Hour) }

	ops, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)
}

func TestRetriesExhaustedStaysFailedUntilReset(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		store.now = func() time.Time { return time.Now().Add(time.Duration(attempt) * time.Hour) }
		ops, err := store.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, ops, 1, "attempt %d", attempt)
		require.NoError(t, store.MarkFailed(ctx, id, "still down", false))
	}

	op, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	assert.Equal(t, 3, op.RetryCount)
	assert.Nil(t, op.NextRetryAt, "exhausted operations are never rescheduled")

	store.now = func() time.Time { return time.Now().Add(100 * time.Hour) }
	ops, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ops, "exhausted operation must not be claimed")

	n, err := store.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)
	assert.Nil(t, op.NextRetryAt)
}

func TestMarkFailedNonRetryableExhaustsImmediately(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, id, "validation rejected", true))

	op, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, op.Status)
	assert.Equal(t, op.MaxRetries, op.RetryCount)
	assert.Nil(t, op.NextRetryAt)
}

func TestReleaseStuckReclaimsOldSyncing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	// Fresh claims are left alone.
	n, err := store.ReleaseStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A claim older than the timeout is treated as a crashed worker.
	store.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	n, err = store.ReleaseStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Nil(t, op.ClaimedAt)
}

func TestClaimBatchReclaimsStuckInline(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	ops, err := store.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)
}

func TestSupersedeSwapsOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	oldID, err := store.Append(ctx, "todos", "todo-1", models.KindUpdate, []byte(`{"title":"local"}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	newID, err := store.Supersede(ctx, oldID, []byte(`{"title":"resolved"}`))
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	_, err = store.Get(ctx, oldID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	op, err := store.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)
	assert.JSONEq(t, `{"title":"resolved"}`, string(op.Payload))

	meta, err := store.GetEntityMeta(ctx, "todos", "todo-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntityPending, meta.Status)
}

func TestCleanupSynced(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "todos", "todo-1", models.KindCreate, []byte(`{}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, id))

	n, err := store.CleanupSynced(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "recent rows survive cleanup")

	store.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err = store.CleanupSynced(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestRemoveMissingOperation(t *testing.T) {
	store := setupTestStore(t)
	err := store.Remove(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAppendValidation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "", "todo-1", models.KindCreate, []byte(`{}`))
	require.Error(t, err)

	_, err = store.Append(ctx, "todos", "todo-1", "upsert", []byte(`{}`))
	require.Error(t, err)
}
