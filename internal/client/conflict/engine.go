// Package conflict pushes dirty local rows to the server and resolves
// version conflicts: whole-record types take the server copy, notes are
// merged and retried.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/apptsync/internal/client/notemerge"
	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/client/transport"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/models"
)

// Outcome is the result class of one Resolve call.
type Outcome int

const (
	Applied Outcome = iota
	ConflictDiscarded
	Merged
	MergedPendingRetry
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case ConflictDiscarded:
		return "conflictDiscarded"
	case Merged:
		return "merged"
	case MergedPendingRetry:
		return "mergedPendingRetry"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DefaultMergeRetries is how many merge-and-retry rounds follow the first
// conflicting push of a note.
const DefaultMergeRetries = 2

// Result describes what Resolve left in the local store.
type Result struct {
	Outcome Outcome
	Entity  models.Envelope
	State   store.SyncState
	// Pushes counts the write attempts sent to the server.
	Pushes int
}

type Engine struct {
	transport    transport.Transport
	store        store.Store
	mergeRetries int
	logger       logging.Logger
}

func NewEngine(t transport.Transport, s store.Store, l logging.Logger) *Engine {
	return &Engine{
		transport:    t,
		store:        s,
		mergeRetries: DefaultMergeRetries,
		logger:       l.With("module", "conflict_engine"),
	}
}

func (e *Engine) push(ctx context.Context, env models.Envelope, expected int64) (models.Envelope, error) {
	if expected == 0 {
		return e.transport.CreateEntity(ctx, env)
	}
	return e.transport.UpdateEntity(ctx, env, expected)
}

// Resolve pushes row with expectedVersion = row.Version and settles the
// outcome in the local store. A transport failure leaves the row dirty and
// returns Deferred with a nil error.
func (e *Engine) Resolve(ctx context.Context, row store.Row) (Result, error) {
	key := row.Key()

	if row.Deleted && row.Version == 0 {
		// Never reached the server: nothing to tell it.
		if err := e.store.Delete(ctx, key); err != nil {
			return Result{Outcome: Deferred, Entity: row.Envelope, State: store.StateDirty}, err
		}
		return Result{Outcome: Applied, Entity: row.Envelope, State: store.StateSynced}, nil
	}

	out, err := e.push(ctx, row.Envelope, row.Version)
	if err == nil {
		return e.applied(ctx, Applied, row.Revision, out, 1)
	}

	ce, ok := common.AsConflict(err)
	if !ok {
		return e.deferred(ctx, row, 1, err)
	}

	if !key.Type.Mergeable() || row.Deleted {
		return e.discard(ctx, row, ce, 1)
	}
	return e.mergeNote(ctx, row, ce)
}

func (e *Engine) applied(ctx context.Context, o Outcome, revision int64, out models.Envelope, pushes int) (Result, error) {
	confirmed, err := e.store.Confirm(ctx, revision, out)
	if err != nil {
		return Result{Outcome: o, Entity: out, State: store.StateDirty, Pushes: pushes}, err
	}
	state := store.StateSynced
	if !confirmed {
		state = store.StateDirty
	}
	return Result{Outcome: o, Entity: out, State: state, Pushes: pushes}, nil
}

func (e *Engine) deferred(ctx context.Context, row store.Row, pushes int, cause error) (Result, error) {
	res := Result{Outcome: Deferred, Entity: row.Envelope, State: store.StateDirty, Pushes: pushes}
	if err := e.store.MarkDirty(ctx, row.Key(), store.StateDirty); err != nil && !errors.Is(err, common.ErrorNotFound) {
		return res, err
	}
	if common.IsNetwork(cause) {
		e.logger.Debug(ctx, "push deferred", "key", row.Key().String(), "error", cause)
		return res, nil
	}
	return res, cause
}

// snapshot returns the server copy carried by the conflict, fetching it when
// the server did not send one.
func (e *Engine) snapshot(ctx context.Context, ce *common.ConflictError, key models.Key) (models.Envelope, error) {
	if ce.Snapshot != nil {
		return *ce.Snapshot, nil
	}
	return e.transport.FetchEntity(ctx, key.Type, key.ID)
}

// discard adopts the server copy. The caller must re-derive its intent from it.
func (e *Engine) discard(ctx context.Context, row store.Row, ce *common.ConflictError, pushes int) (Result, error) {
	snap, err := e.snapshot(ctx, ce, row.Key())
	if err != nil {
		return e.deferred(ctx, row, pushes, err)
	}
	e.logger.Info(ctx, "local change discarded by conflict", "key", row.Key().String(), "server_version", snap.Version)
	return e.applied(ctx, ConflictDiscarded, row.Revision, snap, pushes)
}

func (e *Engine) mergeNote(ctx context.Context, row store.Row, ce *common.ConflictError) (Result, error) {
	key := row.Key()
	pushes := 1

	for round := 0; round < e.mergeRetries; round++ {
		snap, err := e.snapshot(ctx, ce, key)
		if err != nil {
			return e.deferred(ctx, row, pushes, err)
		}
		if snap.Deleted {
			return e.applied(ctx, ConflictDiscarded, row.Revision, snap, pushes)
		}

		merged, err := e.rebase(ctx, key, snap)
		if errors.Is(err, errDeletedLocally) {
			// The tombstone is pushed on its own schedule.
			e.logger.Info(ctx, "note deleted during merge, merge dropped", "key", key.String())
			return Result{Outcome: Deferred, Entity: merged.Envelope, State: merged.State, Pushes: pushes}, nil
		}
		if err != nil {
			return Result{Outcome: Deferred, Entity: row.Envelope, State: store.StateDirty, Pushes: pushes}, err
		}
		row = merged

		out, err := e.push(ctx, row.Envelope, snap.Version)
		pushes++
		if err == nil {
			e.logger.Info(ctx, "note merged", "key", key.String(), "version", out.Version, "rounds", round+1)
			return e.applied(ctx, Merged, row.Revision, out, pushes)
		}

		next, ok := common.AsConflict(err)
		if !ok {
			return e.deferred(ctx, row, pushes, err)
		}
		ce = next
	}

	// Out of retries: keep the merged document dirty, never drop strokes.
	if err := e.store.MarkDirty(ctx, key, store.StateConflictPendingRetry); err != nil {
		return Result{Outcome: MergedPendingRetry, Entity: row.Envelope, State: store.StateConflictPendingRetry, Pushes: pushes}, err
	}
	e.logger.Warn(ctx, "note merge retries exhausted", "key", key.String(), "server_version", ce.ServerVersion)
	return Result{Outcome: MergedPendingRetry, Entity: row.Envelope, State: store.StateConflictPendingRetry, Pushes: pushes}, nil
}

var errDeletedLocally = errors.New("note deleted locally")

// rebase merges the latest local note with snap and stores the result at the
// server's version. It re-reads the row if a local edit lands in between.
// A row that became a tombstone is returned untouched with errDeletedLocally.
func (e *Engine) rebase(ctx context.Context, key models.Key, snap models.Envelope) (store.Row, error) {
	remote, err := models.Decode[models.Note](snap)
	if err != nil {
		return store.Row{}, err
	}

	for {
		cur, err := e.store.Get(ctx, key)
		if err != nil {
			return store.Row{}, err
		}
		if cur.Deleted {
			return cur, errDeletedLocally
		}
		local, err := models.Decode[models.Note](cur.Envelope)
		if err != nil {
			return store.Row{}, err
		}

		env, err := models.Wrap(notemerge.Merge(local, remote), snap.Version)
		if err != nil {
			return store.Row{}, err
		}
		ok, err := e.store.Rebase(ctx, cur.Revision, env)
		if err != nil {
			return store.Row{}, err
		}
		if ok {
			cur.Envelope = env
			cur.Dirty = true
			cur.State = store.StateDirty
			return cur, nil
		}
		if err := ctx.Err(); err != nil {
			return store.Row{}, err
		}
	}
}
