// Package events carries domain events out of the core: task transitions,
// ledger mutations, and timer activity. Handlers run synchronously on the
// publishing goroutine, so they must not block; the websocket hub satisfies
// this by dropping messages to slow clients.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TaskCreated    Type = "task_created"
	TaskRequested  Type = "task_requested"
	TaskApproved   Type = "task_approved"
	TaskDenied     Type = "task_denied"
	LedgerCredited Type = "ledger_credited"
	LedgerGranted  Type = "ledger_granted"
	LedgerRevoked  Type = "ledger_revoked"
	LedgerReset    Type = "ledger_reset"
	LimitsUpdated  Type = "limits_updated"
	TimerStarted   Type = "timer_started"
	TimerStopped   Type = "timer_stopped"
	TimerExhausted Type = "timer_exhausted"
)

// Event is the envelope published for every observable state change. ID is a
// fresh UUID so downstream consumers (audit, notifications) can deduplicate
// retried deliveries.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	ChildID    int64     `json:"child_id,omitempty"`
	TaskID     int64     `json:"task_id,omitempty"`
	Seconds    int       `json:"seconds,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New constructs an Event with a generated ID.
func New(typ Type, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: at,
	}
}

type Handler func(Event)

// Bus fans events out to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
