package models

import (
	"encoding/binary"
	"encoding/json"
	"slices"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Point is one sampled position of a stroke.
type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"p,omitempty"`
}

// Stroke is an immutable unit of handwriting tagged with the event that drew it.
type Stroke struct {
	ID        string    `json:"id" validate:"required"`
	EventID   string    `json:"eventId"`
	Points    []Point   `json:"points"`
	Color     string    `json:"color,omitempty"`
	Width     float64   `json:"width,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Page struct {
	Strokes []Stroke `json:"strokes" validate:"dive"`
}

// StrokeIDs returns the stroke identities of the page in order.
func (p Page) StrokeIDs() []string {
	ids := make([]string, len(p.Strokes))
	for i, s := range p.Strokes {
		ids[i] = s.ID
	}
	return ids
}

// Note is the handwriting document of one record. Its entity ID is the record ID.
//
// Erased maps an event ID to the stroke IDs erased from that event's view.
// Strokes are never physically removed.
type Note struct {
	RecordID  string              `json:"recordId" validate:"required"`
	Pages     []Page              `json:"pages" validate:"dive"`
	Erased    map[string][]string `json:"erased,omitempty"`
	LockedBy  string              `json:"lockedByDeviceId,omitempty"`
	LockedAt  *time.Time          `json:"lockedAt,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func (n Note) EntityType() EntityType { return EntityNote }
func (n Note) EntityID() string       { return n.RecordID }

// Normalize guarantees at least one page.
func (n *Note) Normalize() {
	if len(n.Pages) == 0 {
		n.Pages = []Page{{Strokes: []Stroke{}}}
	}
}

// AddStroke appends s to the given page, growing the page list as needed.
func (n *Note) AddStroke(page int, s Stroke) {
	for len(n.Pages) <= page {
		n.Pages = append(n.Pages, Page{Strokes: []Stroke{}})
	}
	n.Pages[page].Strokes = append(n.Pages[page].Strokes, s)
}

// Erase records that strokeID is erased from eventID's view.
func (n *Note) Erase(eventID, strokeID string) {
	if n.Erased == nil {
		n.Erased = map[string][]string{}
	}
	ids := n.Erased[eventID]
	if i, found := slices.BinarySearch(ids, strokeID); !found {
		n.Erased[eventID] = slices.Insert(ids, i, strokeID)
	}
}

// ErasedFor reports whether strokeID is erased in any of the given events' views.
func (n Note) ErasedFor(strokeID string, lineage ...string) bool {
	for _, ev := range lineage {
		if slices.Contains(n.Erased[ev], strokeID) {
			return true
		}
	}
	return false
}

// HasContentFor reports whether the note holds a visible stroke authored by
// one of the events in lineage. A record note shared with other events does
// not count for an event that never drew on it.
func (n Note) HasContentFor(lineage ...string) bool {
	if len(lineage) == 0 {
		return false
	}
	for _, p := range n.Pages {
		for _, s := range p.Strokes {
			if slices.Contains(lineage, s.EventID) && !n.ErasedFor(s.ID, lineage...) {
				return true
			}
		}
	}
	return false
}

// Empty reports whether the note has no strokes on any page.
func (n Note) Empty() bool {
	for _, p := range n.Pages {
		if len(p.Strokes) > 0 {
			return false
		}
	}
	return true
}

// ContentHash fingerprints pages and erasures. Lock fields and timestamps are
// not part of the content.
func (n Note) ContentHash() [32]byte {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	for _, p := range n.Pages {
		binary.BigEndian.PutUint64(buf[:], uint64(len(p.Strokes)))
		h.Write(buf[:])
		for _, s := range p.Strokes {
			b, _ := json.Marshal(s)
			h.Write(b)
		}
	}
	events := make([]string, 0, len(n.Erased))
	for ev := range n.Erased {
		if len(n.Erased[ev]) > 0 {
			events = append(events, ev)
		}
	}
	sort.Strings(events)
	for _, ev := range events {
		h.Write([]byte(ev))
		h.Write([]byte{0})
		ids := slices.Clone(n.Erased[ev])
		sort.Strings(ids)
		for _, id := range ids {
			h.Write([]byte(id))
			h.Write([]byte{0})
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
