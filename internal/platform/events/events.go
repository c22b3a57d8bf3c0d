// Package events defines the appointment event stream published after each
// committed intake mutation, and the sinks it fans out to.
package events

import (
	"context"
	"errors"
	"time"
)

// Type names a kind of appointment event.
type Type string

const (
	IntakeCreated        Type = "intake.created"
	IntakeEnrichment     Type = "intake.enrichment"
	IntakeAnnotated      Type = "intake.annotated"
	IntakeDeleted        Type = "intake.deleted"
	AppointmentScheduled Type = "appointment.scheduled"
	AppointmentCompleted Type = "appointment.completed"
	AppointmentCancelled Type = "appointment.cancelled"
)

// Event is one committed change to an intake record.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	RecordID   string    `json:"record_id"`
	OwnerID    string    `json:"owner_id"`
	Status     string    `json:"status,omitempty"`
	Day        string    `json:"day,omitempty"`
	Slot       string    `json:"slot,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
