// Package notemerge unions two divergent copies of a record's handwriting
// note so that neither device loses strokes.
//
// Pages are merged by index and the longer page list wins structurally.
// Within a page strokes are unioned by ID and ordered by (CreatedAt, ID).
// Erasures are unioned per event. The result does not depend on argument
// order and merging a result with either input again changes nothing.
package notemerge

import (
	"slices"
	"strings"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/models"
)

// Merge returns the union of a and b.
func Merge(a, b models.Note) models.Note {
	a.Normalize()
	b.Normalize()

	out := models.Note{
		RecordID:  a.RecordID,
		Pages:     make([]models.Page, max(len(a.Pages), len(b.Pages))),
		Erased:    mergeErased(a.Erased, b.Erased),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	out.RecordID = minNonEmpty(a.RecordID, b.RecordID)
	if out.CreatedAt.IsZero() || (!b.CreatedAt.IsZero() && b.CreatedAt.Before(out.CreatedAt)) {
		out.CreatedAt = b.CreatedAt
	}
	if b.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = b.UpdatedAt
	}
	out.LockedBy, out.LockedAt = mergeLock(a, b)

	for i := range out.Pages {
		var pa, pb []models.Stroke
		if i < len(a.Pages) {
			pa = a.Pages[i].Strokes
		}
		if i < len(b.Pages) {
			pb = b.Pages[i].Strokes
		}
		out.Pages[i] = models.Page{Strokes: mergeStrokes(pa, pb)}
	}
	return out
}

func mergeStrokes(a, b []models.Stroke) []models.Stroke {
	byID := make(map[string]models.Stroke, len(a)+len(b))
	for _, s := range slices.Concat(a, b) {
		if cur, ok := byID[s.ID]; !ok || preferStroke(s, cur) {
			byID[s.ID] = s
		}
	}

	out := make([]models.Stroke, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	slices.SortFunc(out, func(x, y models.Stroke) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return out
}

// preferStroke picks between two copies of the same stroke ID. Strokes are
// immutable so copies normally agree; the rule only has to be deterministic.
func preferStroke(s, cur models.Stroke) bool {
	if len(s.Points) != len(cur.Points) {
		return len(s.Points) > len(cur.Points)
	}
	if !s.CreatedAt.Equal(cur.CreatedAt) {
		return s.CreatedAt.Before(cur.CreatedAt)
	}
	return s.EventID < cur.EventID
}

func mergeErased(a, b map[string][]string) map[string][]string {
	out := make(map[string][]string, len(a)+len(b))
	for _, m := range []map[string][]string{a, b} {
		for ev, ids := range m {
			out[ev] = append(out[ev], ids...)
		}
	}
	for ev, ids := range out {
		slices.Sort(ids)
		ids = slices.Compact(ids)
		if len(ids) == 0 {
			delete(out, ev)
			continue
		}
		out[ev] = ids
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// mergeLock keeps the most recent advisory lock.
func mergeLock(a, b models.Note) (string, *time.Time) {
	switch {
	case a.LockedAt == nil && b.LockedAt == nil:
		return minNonEmpty(a.LockedBy, b.LockedBy), nil
	case a.LockedAt == nil:
		return b.LockedBy, b.LockedAt
	case b.LockedAt == nil:
		return a.LockedBy, a.LockedAt
	case a.LockedAt.After(*b.LockedAt):
		return a.LockedBy, a.LockedAt
	case b.LockedAt.After(*a.LockedAt):
		return b.LockedBy, b.LockedAt
	case a.LockedBy <= b.LockedBy:
		return a.LockedBy, a.LockedAt
	default:
		return b.LockedBy, b.LockedAt
	}
}

func minNonEmpty(x, y string) string {
	if x == "" || (y != "" && y < x) {
		return y
	}
	return x
}
