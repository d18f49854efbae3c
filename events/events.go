// Package events publishes PIN lifecycle notifications (enrollment, failed
// attempts, lockouts) so other services can react to them.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type names a PIN lifecycle event.
type Type string

const (
	PinEnrolled      Type = "pin.enrolled"
	PinAuthenticated Type = "pin.authenticated"
	PinFailed        Type = "pin.failed"
	PinLocked        Type = "pin.locked"
	PinLockoutClear  Type = "pin.lockout_cleared"
)

// Event is a single PIN lifecycle notification. It never carries the PIN,
// its salt or its hash.
type Event struct {
	ID                string     `cbor:"id" json:"id"`
	Type              Type       `cbor:"type" json:"type"`
	Namespace         string     `cbor:"namespace" json:"namespace"`
	TotalAttempts     int        `cbor:"total_attempts" json:"total_attempts"`
	RemainingAttempts int        `cbor:"remaining_attempts" json:"remaining_attempts"`
	LockoutEndsAt     *time.Time `cbor:"lockout_ends_at,omitempty" json:"lockout_ends_at,omitempty"`
	OccurredAt        time.Time  `cbor:"occurred_at" json:"occurred_at"`
}

// New stamps an event with a fresh ID.
func New(t Type, namespace string, at time.Time) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		Namespace:  namespace,
		OccurredAt: at.UTC(),
	}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(_ context.Context, e Event) error {
	ev := s.Logger.Info().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("namespace", e.Namespace).
		Int("total_attempts", e.TotalAttempts).
		Int("remaining_attempts", e.RemainingAttempts)
	if e.LockoutEndsAt != nil {
		ev = ev.Time("lockout_ends_at", *e.LockoutEndsAt)
	}
	ev.Msg("PIN event")
	return nil
}

// Multi fans an event out to several sinks, returning the first error after
// trying all of them.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
