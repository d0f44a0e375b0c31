package models

import "time"

// EntityStatus tracks where a local record sits in the sync lifecycle.
type EntityStatus string

const (
	EntityNew      EntityStatus = "new"
	EntityPending  EntityStatus = "pending"
	EntitySyncing  EntityStatus = "syncing"
	EntitySynced   EntityStatus = "synced"
	EntityConflict EntityStatus = "conflict"
	EntityFailed   EntityStatus = "failed"
)

// EntityMeta carries per-record sync metadata. The record body itself lives in
// the application's own tables; the engine only maintains this sidecar row.
type EntityMeta struct {
	EntityTable string       `json:"entity_table"`
	EntityID    string       `json:"entity_id"`
	Status      EntityStatus `json:"status"`
	ServerID    *string      `json:"server_id,omitempty"`
	Version     int64        `json:"version"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
