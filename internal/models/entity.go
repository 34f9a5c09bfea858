// Package models defines the versioned, syncable entities shared by the
// client and the server together with the Envelope that carries them across
// storage and transport boundaries.
package models

import (
	"fmt"
	"time"
)

// EntityType classifies a syncable entity.
type EntityType string

const (
	EntityBook            EntityType = "book"
	EntityRecord          EntityType = "record"
	EntityEvent           EntityType = "event"
	EntityNote            EntityType = "note"
	EntityChargeItem      EntityType = "charge_item"
	EntityScheduleDrawing EntityType = "schedule_drawing"
)

// AllEntityTypes lists every syncable type in dependency order.
var AllEntityTypes = []EntityType{
	EntityBook,
	EntityRecord,
	EntityEvent,
	EntityNote,
	EntityChargeItem,
	EntityScheduleDrawing,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, k := range AllEntityTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Mergeable reports whether conflicting writes of this type are merged
// instead of resolved by taking the server copy.
func (t EntityType) Mergeable() bool {
	return t == EntityNote
}

// Key identifies one entity row.
type Key struct {
	Type EntityType
	ID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

// Entity is implemented by every syncable domain type.
type Entity interface {
	EntityType() EntityType
	EntityID() string
}

// Book is a named container of events.
type Book struct {
	ID         string     `json:"id" validate:"required"`
	Name       string     `json:"name" validate:"required"`
	CreatedAt  time.Time  `json:"createdAt"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

func (b Book) EntityType() EntityType { return EntityBook }
func (b Book) EntityID() string       { return b.ID }

// Archived reports whether the book is excluded from active sync.
func (b Book) Archived() bool { return b.ArchivedAt != nil }

// Record is the global patient/case identity. An empty RecordNumber marks a
// walk-in record that is never merged by key.
type Record struct {
	ID           string    `json:"id" validate:"required"`
	RecordNumber string    `json:"recordNumber"`
	Name         string    `json:"name" validate:"required"`
	Phone        string    `json:"phone,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (r Record) EntityType() EntityType { return EntityRecord }
func (r Record) EntityID() string       { return r.ID }

// WalkIn reports whether the record has no record number yet.
func (r Record) WalkIn() bool { return r.RecordNumber == "" }

// ChargeItem is a billing line scoped to a record and optionally to one event.
type ChargeItem struct {
	ID          string    `json:"id" validate:"required"`
	RecordID    string    `json:"recordId" validate:"required"`
	EventID     string    `json:"eventId,omitempty"`
	Description string    `json:"description" validate:"required"`
	AmountCents int64     `json:"amountCents" validate:"gte=0"`
	Paid        bool      `json:"paid"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (c ChargeItem) EntityType() EntityType { return EntityChargeItem }
func (c ChargeItem) EntityID() string       { return c.ID }

// ScheduleDrawing is an overlay drawn on one book's schedule for one date and view.
type ScheduleDrawing struct {
	ID        string    `json:"id" validate:"required"`
	BookID    string    `json:"bookId" validate:"required"`
	Date      string    `json:"date" validate:"required,datetime=2006-01-02"`
	ViewMode  string    `json:"viewMode" validate:"required,oneof=day week month"`
	Strokes   []Stroke  `json:"strokes" validate:"dive"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (d ScheduleDrawing) EntityType() EntityType { return EntityScheduleDrawing }
func (d ScheduleDrawing) EntityID() string       { return d.ID }
