package orchestrator

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/client/notemerge"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
	"github.com/dmitrijs2005/apptsync/internal/validation"
)

// relinkPlan is the set of writes that moves a walk-in record onto its key.
type relinkPlan struct {
	writes   []rpc.Write
	deletes  []models.Key
	adopt    *models.Envelope
	survivor string
}

func (p *relinkPlan) write(e models.Entity, version int64) error {
	if err := validation.Validate(e); err != nil {
		return err
	}
	env, err := models.Wrap(e, version)
	if err != nil {
		return err
	}
	p.writes = append(p.writes, rpc.Write{Entity: env, ExpectedVersion: version})
	return nil
}

// retire tombstones a row the server knows and drops a row it never saw.
// A retired record is flagged so the server refuses it while anything live
// still points at it.
func (p *relinkPlan) retire(row store.Row) {
	if row.Version == 0 {
		p.deletes = append(p.deletes, row.Key())
		return
	}
	p.writes = append(p.writes, rpc.Write{
		Entity:          row.Envelope.Tombstone(),
		ExpectedVersion: row.Version,
		Retire:          row.Type == models.EntityRecord,
	})
}

// relinkAttempts bounds how often a relink is re-planned after the server
// reported dependents this device had not pulled yet.
const relinkAttempts = 2

// ReconcileRecordKey assigns recordNumber to the walk-in record recordID.
// When another record already owns the number, that record survives: the
// events, charge items and note of recordID move onto it and recordID is
// deleted. The server applies the whole change as one batch before anything
// is written locally; on failure a *common.ReconcileError is returned and
// nothing has changed. When the server still holds dependents of recordID
// that were never pulled, the delta is pulled and the relink planned again.
// Requires connectivity.
func (o *Orchestrator) ReconcileRecordKey(ctx context.Context, recordID, recordNumber string) (store.Row, error) {
	if recordNumber == "" {
		return store.Row{}, &common.ValidationError{Field: "Record.recordNumber", Reason: "is required"}
	}

	fail := func(err error) (store.Row, error) {
		return store.Row{}, &common.ReconcileError{RecordID: recordID, Key: recordNumber, Err: err}
	}

	for attempt := 1; ; attempt++ {
		row, rec, err := o.walkInRecord(ctx, recordID)
		if err != nil {
			return store.Row{}, err
		}
		if rec.RecordNumber == recordNumber {
			return row, nil
		}
		if !rec.WalkIn() {
			return store.Row{}, &common.ValidationError{Field: "Record.recordNumber", Reason: "record already has a record number"}
		}

		plan, err := o.planRelink(ctx, row, rec, recordNumber)
		if err != nil {
			return fail(err)
		}

		var results []models.Envelope
		if len(plan.writes) > 0 {
			results, err = o.transport.ApplyBatch(ctx, plan.writes)
		}
		if errors.Is(err, common.ErrRecordInUse) && attempt < relinkAttempts {
			o.logger.Info(ctx, "record has unseen dependents, pulling before relink", "record_id", recordID, "error", err)
			if err := o.PullDelta(ctx); err != nil {
				return fail(err)
			}
			continue
		}
		if err != nil {
			return fail(err)
		}
		if err := o.applyRelink(ctx, recordID, plan, results); err != nil {
			return fail(err)
		}
		return o.store.Get(ctx, models.Key{Type: models.EntityRecord, ID: plan.survivor})
	}
}

func (o *Orchestrator) walkInRecord(ctx context.Context, recordID string) (store.Row, models.Record, error) {
	row, err := o.store.Get(ctx, models.Key{Type: models.EntityRecord, ID: recordID})
	if err != nil {
		return store.Row{}, models.Record{}, err
	}
	if row.Deleted {
		return store.Row{}, models.Record{}, common.ErrorNotFound
	}
	rec, err := models.Decode[models.Record](row.Envelope)
	if err != nil {
		return store.Row{}, models.Record{}, err
	}
	return row, rec, nil
}

// applyRelink mirrors the batch the server accepted into the local store.
func (o *Orchestrator) applyRelink(ctx context.Context, recordID string, plan *relinkPlan, results []models.Envelope) error {
	err := o.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		for _, env := range results {
			if err := tx.Put(ctx, env); err != nil {
				return err
			}
		}
		for _, k := range plan.deletes {
			if err := tx.Delete(ctx, k); err != nil {
				return err
			}
		}
		if plan.adopt != nil {
			if _, err := tx.Adopt(ctx, *plan.adopt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, "reconcile applied on server but not locally", "record_id", recordID, "error", err)
		return err
	}

	for _, env := range results {
		o.debouncer.Cancel(env.Key())
		o.emit(Update{Key: env.Key(), Entity: env, State: store.StateSynced})
	}
	for _, k := range plan.deletes {
		o.debouncer.Cancel(k)
		o.emit(Update{Key: k, Entity: models.Envelope{Type: k.Type, ID: k.ID, Deleted: true}, State: store.StateSynced})
	}

	o.logger.Info(ctx, "record key reconciled", "record_id", recordID, "survivor", plan.survivor, "writes", len(plan.writes))
	return nil
}

// owner finds the record other than recordID that owns number: the server
// copy first, else a local record the server has not seen yet.
func (o *Orchestrator) owner(ctx context.Context, recordID, number string) (*models.Envelope, bool, error) {
	env, err := o.transport.FindRecord(ctx, number)
	if err != nil {
		return nil, false, err
	}
	if env != nil && env.ID != recordID {
		return env, false, nil
	}

	local, err := o.store.FindRecordByNumber(ctx, number)
	if err != nil {
		return nil, false, err
	}
	if local != nil && local.ID != recordID && local.Version == 0 {
		return &local.Envelope, true, nil
	}
	return nil, false, nil
}

func (o *Orchestrator) planRelink(ctx context.Context, row store.Row, rec models.Record, number string) (*relinkPlan, error) {
	now := o.now().UTC()
	plan := &relinkPlan{survivor: rec.ID}

	events, err := o.store.ListByRef(ctx, models.EntityEvent, "recordId", rec.ID)
	if err != nil {
		return nil, err
	}

	ownerEnv, localOnly, err := o.owner(ctx, rec.ID, number)
	if err != nil {
		return nil, err
	}

	if ownerEnv == nil {
		rec.RecordNumber = number
		rec.UpdatedAt = now
		if err := plan.write(rec, row.Version); err != nil {
			return nil, err
		}
		for _, evRow := range events {
			ev, err := models.Decode[models.Event](evRow.Envelope)
			if err != nil {
				return nil, err
			}
			ev.RecordNumber = number
			ev.UpdatedAt = now
			if err := plan.write(ev, evRow.Version); err != nil {
				return nil, err
			}
		}
		return plan, nil
	}

	survivor, err := models.Decode[models.Record](*ownerEnv)
	if err != nil {
		return nil, err
	}
	plan.survivor = survivor.ID
	if localOnly {
		if err := plan.write(survivor, 0); err != nil {
			return nil, err
		}
	} else {
		plan.adopt = ownerEnv
	}

	note, noteVersion, hasNote, err := o.survivorNote(ctx, rec.ID, survivor.ID)
	if err != nil {
		return nil, err
	}
	if hasNote {
		if err := plan.write(note, noteVersion); err != nil {
			return nil, err
		}
	}

	for _, evRow := range events {
		ev, err := models.Decode[models.Event](evRow.Envelope)
		if err != nil {
			return nil, err
		}
		ev.RecordID = survivor.ID
		ev.RecordNumber = survivor.RecordNumber
		ev.HasNote = hasNote && note.HasContentFor(o.lineage(ctx, ev)...)
		ev.UpdatedAt = now
		if err := plan.write(ev, evRow.Version); err != nil {
			return nil, err
		}
	}

	charges, err := o.store.ListByRef(ctx, models.EntityChargeItem, "recordId", rec.ID)
	if err != nil {
		return nil, err
	}
	for _, chRow := range charges {
		ch, err := models.Decode[models.ChargeItem](chRow.Envelope)
		if err != nil {
			return nil, err
		}
		ch.RecordID = survivor.ID
		ch.UpdatedAt = now
		if err := plan.write(ch, chRow.Version); err != nil {
			return nil, err
		}
	}

	oldNote, err := o.store.Get(ctx, models.Key{Type: models.EntityNote, ID: rec.ID})
	switch {
	case err == nil && !oldNote.Deleted:
		plan.retire(oldNote)
	case err != nil && !errors.Is(err, common.ErrorNotFound):
		return nil, err
	}
	plan.retire(row)

	return plan, nil
}

// survivorNote merges the note of the moved record into the survivor's note.
// It returns the merged note, the server version it is based on, and whether
// there is any note to write at all.
func (o *Orchestrator) survivorNote(ctx context.Context, movedID, survivorID string) (models.Note, int64, bool, error) {
	var (
		merged  models.Note
		version int64
		found   bool
	)
	add := func(n models.Note) {
		n.RecordID = survivorID
		n.Normalize()
		if !found {
			merged, found = n, true
			return
		}
		merged = notemerge.Merge(merged, n)
	}

	srv, err := o.transport.FetchEntity(ctx, models.EntityNote, survivorID)
	switch {
	case err == nil:
		version = srv.Version
		if !srv.Deleted {
			n, err := models.Decode[models.Note](srv)
			if err != nil {
				return models.Note{}, 0, false, err
			}
			add(n)
		}
	case !errors.Is(err, common.ErrorNotFound):
		return models.Note{}, 0, false, err
	}

	for _, id := range []string{movedID, survivorID} {
		row, err := o.store.Get(ctx, models.Key{Type: models.EntityNote, ID: id})
		if errors.Is(err, common.ErrorNotFound) {
			continue
		}
		if err != nil {
			return models.Note{}, 0, false, err
		}
		if row.Deleted || (id == survivorID && !row.Dirty) {
			continue
		}
		n, err := models.Decode[models.Note](row.Envelope)
		if err != nil {
			return models.Note{}, 0, false, err
		}
		add(n)
	}

	if found {
		merged.LockedBy, merged.LockedAt = "", nil
	}
	return merged, version, found, nil
}
