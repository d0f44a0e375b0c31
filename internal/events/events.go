package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSyncStarted       = "sync_started"
	EventSyncCompleted     = "sync_completed"
	EventItemQueued        = "item_queued"
	EventItemSynced        = "item_synced"
	EventItemFailed        = "item_failed"
	EventConnectionChanged = "connection_changed"
	EventConflictDetected  = "conflict_detected"
)

// CyclePayload summarizes one worker cycle for event consumers.
type CyclePayload struct {
	Claimed   int    `json:"claimed"`
	Synced    int    `json:"synced"`
	Failed    int    `json:"failed"`
	Conflicts int    `json:"conflicts"`
	Error     string `json:"error,omitempty"`
}

// ItemPayload describes a single operation outcome. Inert data only: no
// callbacks or handles, so listeners stay decoupled from worker internals.
type ItemPayload struct {
	OperationID string `json:"operation_id"`
	EntityTable string `json:"entity_table"`
	EntityID    string `json:"entity_id"`
	Kind        string `json:"kind"`
	RetryCount  int    `json:"retry_count,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ConnectionPayload reports an online/offline transition.
type ConnectionPayload struct {
	Online bool `json:"online"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. A handler error or panic
// never aborts dispatch to the remaining handlers.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		dispatch(handler, event)
	}
}

func dispatch(handler EventHandler, event *Event) {
	defer func() {
		_ = recover()
	}()
	_ = handler(event)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
