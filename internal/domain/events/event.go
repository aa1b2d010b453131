// internal/domain/events/event.go
package events

import (
	"context"
	"sync"
	"time"
)

// Type identifies a notification event
type Type string

const (
	TypeOrderCreated       Type = "order_created"
	TypeOrderStatusChanged Type = "order_status_changed"
	TypeStockLow           Type = "stock_low"
)

// Event is an observation emitted by the core. Subscribers never mutate core state.
type Event struct {
	Type       Type           `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	UserID     int64          `json:"user_id,omitempty"`
	OrderID    uint           `json:"order_id,omitempty"`
	ItemID     uint           `json:"item_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Sink receives events. Publish must not block the caller on delivery.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// NoopSink discards every event
type NoopSink struct{}

func (NoopSink) Publish(context.Context, Event) {}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
