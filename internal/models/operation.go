package models

import (
	"encoding/json"
	"time"
)

// OperationKind identifies the mutation type carried by an operation.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// IsValid returns true if the kind is recognized.
func (k OperationKind) IsValid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	default:
		return false
	}
}

// OperationStatus is the outbox lifecycle state of an operation.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusSyncing OperationStatus = "syncing"
	StatusSynced  OperationStatus = "synced"
	StatusFailed  OperationStatus = "failed"
)

// Operation is one row in the outbox: a single pending mutation awaiting
// transmission to the remote store.
type Operation struct {
	ID           string          `json:"id"`
	EntityTable  string          `json:"entity_table"`
	EntityID     string          `json:"entity_id"`
	Kind         OperationKind   `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Status       OperationStatus `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// QueueStats is an aggregate snapshot of outbox counts by status.
type QueueStats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// Total returns the number of operations across all statuses.
func (s QueueStats) Total() int {
	return s.Pending + s.Syncing + s.Synced + s.Failed
}
