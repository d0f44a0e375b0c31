package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"offsync/internal/models"
	"offsync/internal/retry"

	"github.com/google/uuid"
)

const operationColumns = `id, entity_table, entity_id, kind, payload, status, retry_count, max_retries, next_retry_at, error_message, claimed_at, created_at, updated_at`

// Append durably records a mutation and bumps the entity's sync metadata to
// pending in the same transaction. Duplicate appends create distinct
// operations by design; de-duplication is the caller's concern.
func (s *Store) Append(ctx context.Context, entityTable, entityID string, kind models.OperationKind, payload []byte) (string, error) {
	if entityTable == "" || entityID == "" {
		return "", errors.New("entity table and id are required")
	}
	if !kind.IsValid() {
		return "", fmt.Errorf("unknown operation kind %q", kind)
	}

	id := uuid.NewString()
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO operations (id, entity_table, entity_id, kind, payload, status, retry_count, max_retries, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, entityTable, entityID, string(kind), payload, string(models.StatusPending), s.policy.MaxRetries, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert operation: %w", err)
	}

	// Every local mutation bumps the entity version; optimistic conflict
	// detection relies on it.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity_meta (entity_table, entity_id, status, version, updated_at)
         VALUES (?, ?, ?, 1, ?)
         ON CONFLICT(entity_table, entity_id)
         DO UPDATE SET status = excluded.status, version = entity_meta.version + 1, updated_at = excluded.updated_at`,
		entityTable, entityID, string(models.EntityPending), now,
	)
	if err != nil {
		return "", fmt.Errorf("upsert entity meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit append: %w", err)
	}
	return id, nil
}

// ClaimBatch atomically selects up to limit dispatchable operations, flips
// them to syncing and returns them in creation order. Rows stuck in syncing
// longer than the claim timeout are reclaimed first, so a crash mid-cycle
// only delays redelivery (at-least-once semantics).
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]models.Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	stale := now.Add(-s.claimTimeout)
	if _, err := tx.ExecContext(ctx,
		`UPDATE operations SET status = ?, claimed_at = NULL, updated_at = ?
         WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		string(models.StatusPending), now, string(models.StatusSyncing), stale,
	); err != nil {
		return nil, fmt.Errorf("release stuck operations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations
         WHERE status = ?
            OR (status = ? AND retry_count < max_retries AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
         ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		string(models.StatusPending), string(models.StatusFailed), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select claimable operations: %w", err)
	}

	ops, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]interface{}, 0, len(ops)+2)
	ids = append(ids, string(models.StatusSyncing), now, now)
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ops)), ",")
	if _, err := tx.ExecContext(ctx,
		`UPDATE operations SET status = ?, claimed_at = ?, updated_at = ? WHERE id IN (`+placeholders+`)`,
		ids...,
	); err != nil {
		return nil, fmt.Errorf("mark operations syncing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	for i := range ops {
		ops[i].Status = models.StatusSyncing
		claimed := now
		ops[i].ClaimedAt = &claimed
	}
	return ops, nil
}

// MarkSynced records a confirmed delivery. Calling it again for an already
// synced operation is a no-op.
func (s *Store) MarkSynced(ctx context.Context, operationID string) error {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark synced tx: %w", err)
	}
	defer tx.Rollback()

	op, err := getOperationTx(ctx, tx, operationID)
	if err != nil {
		return err
	}
	if op.Status == models.StatusSynced {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE operations SET status = ?, claimed_at = NULL, next_retry_at = NULL, error_message = NULL, updated_at = ? WHERE id = ?`,
		string(models.StatusSynced), now, operationID,
	); err != nil {
		return fmt.Errorf("mark operation synced: %w", err)
	}

	// The entity only becomes synced once nothing else is queued for it.
	var remaining int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations
         WHERE entity_table = ? AND entity_id = ? AND id != ? AND status IN (?, ?, ?)`,
		op.EntityTable, op.EntityID, op.ID,
		string(models.StatusPending), string(models.StatusSyncing), string(models.StatusFailed),
	).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("count outstanding operations: %w", err)
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entity_meta SET status = ?, updated_at = ? WHERE entity_table = ? AND entity_id = ?`,
			string(models.EntitySynced), now, op.EntityTable, op.EntityID,
		); err != nil {
			return fmt.Errorf("mark entity synced: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark synced: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt: the retry counter goes up and the
// retry policy schedules the next attempt. Non-retryable failures exhaust the
// budget immediately so the policy never re-attempts them.
func (s *Store) MarkFailed(ctx context.Context, operationID, reason string, nonRetryable bool) error {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark failed tx: %w", err)
	}
	defer tx.Rollback()

	op, err := getOperationTx(ctx, tx, operationID)
	if err != nil {
		return err
	}

	attempt := op.RetryCount + 1
	if nonRetryable {
		attempt = op.MaxRetries
		if attempt < 1 {
			attempt = 1
		}
	}

	exhausted := nonRetryable || attempt >= op.MaxRetries
	var nextRetryAt interface{}
	if !exhausted {
		next := now.Add(s.policy.WithJitter(attempt, retry.DefaultJitterFactor))
		nextRetryAt = next
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE operations SET status = ?, retry_count = ?, next_retry_at = ?, error_message = ?, claimed_at = NULL, updated_at = ? WHERE id = ?`,
		string(models.StatusFailed), attempt, nextRetryAt, reason, now, operationID,
	); err != nil {
		return fmt.Errorf("mark operation failed: %w", err)
	}

	if exhausted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entity_meta SET status = ?, updated_at = ? WHERE entity_table = ? AND entity_id = ?`,
			string(models.EntityFailed), now, op.EntityTable, op.EntityID,
		); err != nil {
			return fmt.Errorf("mark entity failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark failed: %w", err)
	}
	return nil
}

// Supersede atomically removes the old operation and appends a fresh pending
// one carrying the resolved payload, keeping the entity in the pending state.
// Used after conflict resolution so no window exists where neither operation
// is durable.
func (s *Store) Supersede(ctx context.Context, oldID string, resolvedPayload []byte) (string, error) {
	now := s.now()
	newID := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin supersede tx: %w", err)
	}
	defer tx.Rollback()

	op, err := getOperationTx(ctx, tx, oldID)
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, oldID); err != nil {
		return "", fmt.Errorf("remove superseded operation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO operations (id, entity_table, entity_id, kind, payload, status, retry_count, max_retries, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		newID, op.EntityTable, op.EntityID, string(op.Kind), resolvedPayload, string(models.StatusPending), op.MaxRetries, now, now,
	); err != nil {
		return "", fmt.Errorf("insert resolved operation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entity_meta SET status = ?, updated_at = ? WHERE entity_table = ? AND entity_id = ?`,
		string(models.EntityPending), now, op.EntityTable, op.EntityID,
	); err != nil {
		return "", fmt.Errorf("reset entity to pending: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit supersede: %w", err)
	}
	return newID, nil
}

// Remove deletes an operation outright.
func (s *Store) Remove(ctx context.Context, operationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, operationID)
	if err != nil {
		return fmt.Errorf("remove operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Get returns a single operation by id.
func (s *Store) Get(ctx context.Context, operationID string) (*models.Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, operationID)
	op, err := scanOperation(row)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ListByStatus returns operations in a status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status models.OperationStatus, limit int) ([]models.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return scanOperations(rows)
}

// Stats returns a consistent snapshot of counts by status.
func (s *Store) Stats(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.QueueStats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch models.OperationStatus(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusSyncing:
			stats.Syncing = count
		case models.StatusSynced:
			stats.Synced = count
		case models.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return models.QueueStats{}, fmt.Errorf("iterate stats rows: %w", err)
	}
	return stats, nil
}

// ResetFailed moves every failed operation back to pending with a cleared
// retry budget. Backs the manual "retry all" action.
func (s *Store) ResetFailed(ctx context.Context) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, retry_count = 0, next_retry_at = NULL, error_message = NULL, updated_at = ? WHERE status = ?`,
		string(models.StatusPending), now, string(models.StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count reset operations: %w", err)
	}
	return int(n), nil
}

// ReleaseStuck requeues syncing rows older than timeout back to pending and
// returns how many were recovered. ClaimBatch already does this inline; the
// method exists for explicit crash-recovery sweeps.
func (s *Store) ReleaseStuck(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = s.claimTimeout
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, claimed_at = NULL, updated_at = ?
         WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		string(models.StatusPending), now, string(models.StatusSyncing), now.Add(-timeout),
	)
	if err != nil {
		return 0, fmt.Errorf("release stuck operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count released operations: %w", err)
	}
	return int(n), nil
}

// CleanupSynced deletes synced operations older than the given age. Purely
// advisory space reclamation.
func (s *Store) CleanupSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE status = ? AND updated_at <= ?`,
		string(models.StatusSynced), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup synced operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cleaned operations: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var op models.Operation
	var kind, status string
	var nextRetryAt, claimedAt sql.NullTime
	var errorMessage sql.NullString

	err := row.Scan(
		&op.ID, &op.EntityTable, &op.EntityID, &kind, &op.Payload, &status,
		&op.RetryCount, &op.MaxRetries, &nextRetryAt, &errorMessage, &claimedAt,
		&op.CreatedAt, &op.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}

	op.Kind = models.OperationKind(kind)
	op.Status = models.OperationStatus(status)
	if nextRetryAt.Valid {
		op.NextRetryAt = &nextRetryAt.Time
	}
	if claimedAt.Valid {
		op.ClaimedAt = &claimedAt.Time
	}
	if errorMessage.Valid {
		op.ErrorMessage = &errorMessage.String
	}
	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]models.Operation, error) {
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

func getOperationTx(ctx context.Context, tx *sql.Tx, operationID string) (*models.Operation, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, operationID)
	return scanOperation(row)
}
