package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/validation"
)

const maxLineageDepth = 64

// lineage returns ev.ID followed by the IDs of the events it was rescheduled
// from, nearest first. Links missing from the local store end the chain.
func (o *Orchestrator) lineage(ctx context.Context, ev models.Event) []string {
	ids := []string{ev.ID}
	seen := map[string]bool{ev.ID: true}

	next := ev.OriginalEventID
	for next != "" && !seen[next] && len(ids) < maxLineageDepth {
		ids = append(ids, next)
		seen[next] = true

		row, err := o.store.Get(ctx, models.Key{Type: models.EntityEvent, ID: next})
		if err != nil {
			break
		}
		prev, err := models.Decode[models.Event](row.Envelope)
		if err != nil {
			break
		}
		next = prev.OriginalEventID
	}
	return ids
}

// hasNoteFor reports whether the record note carries visible strokes drawn
// by ev or one of its predecessors.
func (o *Orchestrator) hasNoteFor(ctx context.Context, ev models.Event) bool {
	row, err := o.store.Get(ctx, models.Key{Type: models.EntityNote, ID: ev.RecordID})
	if err != nil || row.Deleted {
		return false
	}
	note, err := models.Decode[models.Note](row.Envelope)
	if err != nil {
		return false
	}
	return note.HasContentFor(o.lineage(ctx, ev)...)
}

// refreshHasNote recomputes HasNote of every event of recordID and saves the
// ones whose flag changed.
func (o *Orchestrator) refreshHasNote(ctx context.Context, recordID string) {
	rows, err := o.store.ListByRef(ctx, models.EntityEvent, "recordId", recordID)
	if err != nil {
		o.logger.Warn(ctx, "list events of record", "record_id", recordID, "error", err)
		return
	}

	for _, row := range rows {
		ev, err := models.Decode[models.Event](row.Envelope)
		if err != nil {
			continue
		}
		if o.hasNoteFor(ctx, ev) == ev.HasNote {
			continue
		}
		if _, err := o.Save(ctx, ev); err != nil {
			o.logger.Warn(ctx, "refresh hasNote", "event_id", ev.ID, "error", err)
		}
	}
}

// RescheduleEvent moves an active event to a new time. The original stays as
// a rescheduled tile pointing at a fresh event, and both are committed in one
// local transaction before being pushed.
func (o *Orchestrator) RescheduleEvent(ctx context.Context, eventID string, start time.Time, end *time.Time) (old, fresh store.Row, err error) {
	key := models.Key{Type: models.EntityEvent, ID: eventID}
	row, err := o.store.Get(ctx, key)
	if err != nil {
		return store.Row{}, store.Row{}, err
	}
	if row.Deleted {
		return store.Row{}, store.Row{}, common.ErrorNotFound
	}
	ev, err := models.Decode[models.Event](row.Envelope)
	if err != nil {
		return store.Row{}, store.Row{}, err
	}
	if !ev.Active() {
		return store.Row{}, store.Row{}, &common.ValidationError{Field: "Event.status", Reason: "only active events can be rescheduled"}
	}
	if end != nil && end.Before(start) {
		return store.Row{}, store.Row{}, &common.ValidationError{Field: "Event.endTime", Reason: "must not be before startTime"}
	}

	oldEv, freshEv := ev.Reschedule(uuid.NewString(), start, end, o.now().UTC())
	freshEv.Normalize()
	freshEv.HasNote = o.hasNoteFor(ctx, freshEv)

	for _, e := range []models.Event{oldEv, freshEv} {
		if err := validation.Validate(e); err != nil {
			return store.Row{}, store.Row{}, err
		}
	}

	oldEnv, err := models.Wrap(oldEv, 0)
	if err != nil {
		return store.Row{}, store.Row{}, err
	}
	freshEnv, err := models.Wrap(freshEv, 0)
	if err != nil {
		return store.Row{}, store.Row{}, err
	}

	err = o.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		if old, err = tx.Stage(ctx, oldEnv); err != nil {
			return err
		}
		fresh, err = tx.Stage(ctx, freshEnv)
		return err
	})
	if err != nil {
		return store.Row{}, store.Row{}, err
	}

	for _, r := range []store.Row{old, fresh} {
		o.emit(Update{Key: r.Key(), Entity: r.Envelope, State: r.State})
		o.schedule(r.Key())
	}
	return old, fresh, nil
}

// RemoveEvent soft-removes an event; it stays visible as a struck-through tile.
func (o *Orchestrator) RemoveEvent(ctx context.Context, eventID, reason string) (store.Row, error) {
	row, err := o.store.Get(ctx, models.Key{Type: models.EntityEvent, ID: eventID})
	if err != nil {
		return store.Row{}, err
	}
	if row.Deleted {
		return store.Row{}, common.ErrorNotFound
	}
	ev, err := models.Decode[models.Event](row.Envelope)
	if err != nil {
		return store.Row{}, err
	}
	if ev.Status.Kind == models.StatusRemoved {
		return row, nil
	}
	ev.Remove(reason, o.now().UTC())
	return o.Save(ctx, ev)
}
