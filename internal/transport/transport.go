// Package transport defines the boundary between the sync engine and a
// concrete remote backend.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Result is the semantic outcome class of a dispatched mutation.
type Result int

const (
	// ResultSuccess means the remote accepted the mutation.
	ResultSuccess Result = iota
	// ResultTransient means delivery failed but is worth retrying.
	ResultTransient
	// ResultNonRetryable means the remote rejected the mutation permanently.
	ResultNonRetryable
	// ResultConflict means the remote holds a diverging version of the record.
	ResultConflict
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultTransient:
		return "transient"
	case ResultNonRetryable:
		return "non_retryable"
	case ResultConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Outcome is what one dispatch attempt produced. Conflict outcomes carry the
// remote's view of the record so the resolver can reconcile against it;
// RemoteExists is false when the record was deleted remotely.
type Outcome struct {
	Result        Result
	ServerID      string
	RemotePayload json.RawMessage
	RemoteExists  bool
	Message       string
}

// RemoteRecord is one record hydrated from the remote store.
type RemoteRecord struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
}

// Adapter translates logical mutations into calls against a specific remote
// backend. A returned error means the call itself could not complete
// (treated as transient); semantic rejections come back inside the Outcome.
type Adapter interface {
	Create(ctx context.Context, table, id string, payload json.RawMessage) (Outcome, error)
	Update(ctx context.Context, table, id string, payload json.RawMessage) (Outcome, error)
	Delete(ctx context.Context, table, id string, payload json.RawMessage) (Outcome, error)
	FetchUpdates(ctx context.Context, table string, since time.Time) ([]RemoteRecord, error)
}
