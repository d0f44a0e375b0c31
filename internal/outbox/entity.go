package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"offsync/internal/models"
)

// GetEntityMeta returns the sync metadata for one record.
func (s *Store) GetEntityMeta(ctx context.Context, entityTable, entityID string) (*models.EntityMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_table, entity_id, status, server_id, version, deleted_at, updated_at
         FROM entity_meta WHERE entity_table = ? AND entity_id = ?`,
		entityTable, entityID,
	)

	var meta models.EntityMeta
	var status string
	var serverID sql.NullString
	var deletedAt sql.NullTime

	err := row.Scan(&meta.EntityTable, &meta.EntityID, &status, &serverID, &meta.Version, &deletedAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity meta: %w", err)
	}

	meta.Status = models.EntityStatus(status)
	if serverID.Valid {
		meta.ServerID = &serverID.String
	}
	if deletedAt.Valid {
		meta.DeletedAt = &deletedAt.Time
	}
	return &meta, nil
}

// SetEntityStatus moves a record to the given lifecycle state.
func (s *Store) SetEntityStatus(ctx context.Context, entityTable, entityID string, status models.EntityStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entity_meta SET status = ?, updated_at = ? WHERE entity_table = ? AND entity_id = ?`,
		string(status), s.now(), entityTable, entityID,
	)
	if err != nil {
		return fmt.Errorf("set entity status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetServerID records the remote identifier assigned after the first
// successful create.
func (s *Store) SetServerID(ctx context.Context, entityTable, entityID, serverID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entity_meta SET server_id = ?, updated_at = ? WHERE entity_table = ? AND entity_id = ?`,
		serverID, s.now(), entityTable, entityID,
	)
	if err != nil {
		return fmt.Errorf("set server id: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MarkEntityDeleted stamps the soft-delete marker; the record body stays put
// until the delete is confirmed remotely.
func (s *Store) MarkEntityDeleted(ctx context.Context, entityTable, entityID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE entity_meta SET deleted_at = ?, updated_at = ? WHERE entity_table = ? AND entity_id = ?`,
		now, now, entityTable, entityID,
	)
	if err != nil {
		return fmt.Errorf("mark entity deleted: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// BumpEntityVersion increments the version only if it still matches expected,
// reporting whether the swap happened. Used for optimistic concurrency when a
// caller mutates a record outside Append.
func (s *Store) BumpEntityVersion(ctx context.Context, entityTable, entityID string, expected int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entity_meta SET version = version + 1, updated_at = ?
         WHERE entity_table = ? AND entity_id = ? AND version = ?`,
		s.now(), entityTable, entityID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("bump entity version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count bumped rows: %w", err)
	}
	return n == 1, nil
}
