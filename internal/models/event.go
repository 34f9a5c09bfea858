package models

import (
	"slices"
	"time"
)

// StatusKind is the lifecycle state of an event.
type StatusKind string

const (
	StatusActive      StatusKind = "active"
	StatusRemoved     StatusKind = "removed"
	StatusRescheduled StatusKind = "rescheduled"
)

// EventStatus is a tagged status: Reason is set for removed events and
// ReplacedBy for rescheduled ones.
type EventStatus struct {
	Kind       StatusKind `json:"kind" validate:"required,oneof=active removed rescheduled"`
	Reason     string     `json:"reason,omitempty"`
	ReplacedBy string     `json:"replacedBy,omitempty"`
}

// Event is one appointment. Its start time is never edited in place; see Reschedule.
type Event struct {
	ID              string      `json:"id" validate:"required"`
	BookID          string      `json:"bookId" validate:"required"`
	RecordID        string      `json:"recordId" validate:"required"`
	RecordNumber    string      `json:"recordNumber"`
	Title           string      `json:"title"`
	EventTypes      []string    `json:"eventTypes" validate:"required,min=1,dive,required"`
	StartTime       time.Time   `json:"startTime" validate:"required"`
	EndTime         *time.Time  `json:"endTime,omitempty"`
	Status          EventStatus `json:"status"`
	OriginalEventID string      `json:"originalEventId,omitempty"`
	Checked         bool        `json:"checked"`
	HasNote         bool        `json:"hasNote"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

func (e Event) EntityType() EntityType { return EntityEvent }
func (e Event) EntityID() string       { return e.ID }

// Normalize sorts and de-duplicates the event types and defaults the status.
func (e *Event) Normalize() {
	types := make([]string, 0, len(e.EventTypes))
	for _, t := range e.EventTypes {
		if t != "" {
			types = append(types, t)
		}
	}
	slices.Sort(types)
	e.EventTypes = slices.Compact(types)
	if e.Status.Kind == "" {
		e.Status.Kind = StatusActive
	}
}

// Active reports whether the event is neither removed nor replaced.
func (e Event) Active() bool {
	return e.Status.Kind == "" || e.Status.Kind == StatusActive
}

// OpenEnded reports whether the event has no end time.
func (e Event) OpenEnded() bool { return e.EndTime == nil }

// Remove soft-removes the event. The tile stays visible, struck through.
func (e *Event) Remove(reason string, now time.Time) {
	e.Status = EventStatus{Kind: StatusRemoved, Reason: reason}
	e.UpdatedAt = now
}

// Reschedule forks the event: the returned old copy is marked rescheduled
// and points at newID, fresh is a new active event at the new time that
// points back at the original.
func (e Event) Reschedule(newID string, start time.Time, end *time.Time, now time.Time) (old, fresh Event) {
	old = e
	old.Status = EventStatus{Kind: StatusRescheduled, ReplacedBy: newID}
	old.UpdatedAt = now

	fresh = e
	fresh.ID = newID
	fresh.StartTime = start
	fresh.EndTime = end
	fresh.Status = EventStatus{Kind: StatusActive}
	fresh.OriginalEventID = e.ID
	fresh.Checked = false
	fresh.EventTypes = slices.Clone(e.EventTypes)
	fresh.CreatedAt = now
	fresh.UpdatedAt = now
	return old, fresh
}
