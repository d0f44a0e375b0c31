package events

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventItemSynced, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventItemSynced, ItemPayload{OperationID: "op-1", EntityTable: "todos"})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventItemSynced {
		t.Errorf("expected type %s, got %s", EventItemSynced, received.Type)
	}

	var decoded ItemPayload
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.OperationID != "op-1" {
		t.Errorf("expected op-1, got %s", decoded.OperationID)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe(EventSyncStarted, func(_ *Event) error { count1++; return nil })
	bus.Subscribe(EventSyncStarted, func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: EventSyncStarted})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusHandlerFailureDoesNotAbortDispatch(t *testing.T) {
	bus := NewEventBus()
	var called bool

	bus.Subscribe(EventItemFailed, func(_ *Event) error { return errors.New("boom") })
	bus.Subscribe(EventItemFailed, func(_ *Event) error { panic("worse") })
	bus.Subscribe(EventItemFailed, func(_ *Event) error { called = true; return nil })

	bus.Publish(&Event{Type: EventItemFailed})

	if !called {
		t.Fatal("expected last handler to run despite earlier error and panic")
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Publishing with no subscribers must not panic.
	bus.Publish(&Event{Type: EventSyncCompleted})
}
