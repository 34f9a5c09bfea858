// Package orchestrator is the single entry point for reading and writing
// syncable entities on a device. Reads are cache-first, writes commit locally
// and are pushed in the background through the conflict engine.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/client/conflict"
	"github.com/dmitrijs2005/apptsync/internal/client/notemerge"
	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/client/transport"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/validation"
)

// Options configure an Orchestrator.
type Options struct {
	// Debounce is the quiet window before a local edit is pushed.
	Debounce time.Duration
	// PreloadConcurrency bounds parallel fetches of one Preload call.
	PreloadConcurrency int
}

// Update is delivered to observers whenever an entity changes locally,
// arrives from the server or finishes a push.
type Update struct {
	Key    models.Key
	Entity models.Envelope
	State  store.SyncState
	// Pushed is set when the update reports a push result in Outcome.
	Pushed  bool
	Outcome conflict.Outcome
	Err     error
}

type slot struct {
	inflight bool
	pending  bool
}

type Orchestrator struct {
	store     store.Store
	transport transport.Transport
	engine    *conflict.Engine
	logger    logging.Logger
	opts      Options
	debouncer *debouncer
	now       func() time.Time

	pullMu sync.Mutex

	mu           sync.Mutex
	slots        map[models.Key]*slot
	generations  map[models.Key]uint64
	observers    map[int]func(Update)
	nextObserver int
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(s store.Store, t transport.Transport, l logging.Logger, opts Options) *Orchestrator {
	if opts.PreloadConcurrency <= 0 {
		opts.PreloadConcurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       s,
		transport:   t,
		engine:      conflict.NewEngine(t, s, l),
		logger:      l.With("module", "orchestrator"),
		opts:        opts,
		debouncer:   newDebouncer(opts.Debounce),
		now:         time.Now,
		slots:       make(map[models.Key]*slot),
		generations: make(map[models.Key]uint64),
		observers:   make(map[int]func(Update)),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Observe registers cb for every Update. The returned func unregisters it.
// Callbacks run on the goroutine that produced the update and must not block.
func (o *Orchestrator) Observe(cb func(Update)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextObserver
	o.nextObserver++
	o.observers[id] = cb
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.observers, id)
	}
}

func (o *Orchestrator) emit(u Update) {
	o.mu.Lock()
	cbs := make([]func(Update), 0, len(o.observers))
	for _, cb := range o.observers {
		cbs = append(cbs, cb)
	}
	o.mu.Unlock()

	for _, cb := range cbs {
		cb(u)
	}
}

// Close cancels pending pushes and waits for in-flight ones to finish.
// Dirty rows stay dirty and are retried by the next RetryDirty.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.debouncer.Clear()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) generation(key models.Key) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generations[key]
}

func (o *Orchestrator) bumpGeneration(key models.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.generations[key]++
}

func visible(row store.Row) (store.Row, error) {
	if row.Deleted {
		return store.Row{}, common.ErrorNotFound
	}
	return row, nil
}

// Get returns the local copy of key unless forceRefresh is set or there is
// none, in which case the server copy is fetched and stored first. A dirty
// local row is never replaced by the fetched copy. Offline, a forced refresh
// falls back to the local copy.
func (o *Orchestrator) Get(ctx context.Context, key models.Key, forceRefresh bool) (store.Row, error) {
	row, err := o.store.Get(ctx, key)
	found := err == nil
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return store.Row{}, err
	}
	if found && !forceRefresh {
		return visible(row)
	}

	gen := o.generation(key)
	env, err := o.transport.FetchEntity(ctx, key.Type, key.ID)
	if err != nil {
		if found && (common.IsNetwork(err) || errors.Is(err, common.ErrorNotFound)) {
			o.logger.Debug(ctx, "refresh failed, serving local copy", "key", key.String(), "error", err)
			return visible(row)
		}
		return store.Row{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Row{}, err
	}
	if o.generation(key) != gen {
		return store.Row{}, common.ErrorNotFound
	}

	if _, err := o.store.Adopt(ctx, env); err != nil {
		return store.Row{}, err
	}
	row, err = o.store.Get(ctx, key)
	if err != nil {
		return store.Row{}, err
	}
	o.remoteApplied(ctx, row)
	return visible(row)
}

// remoteApplied announces a row that changed because of a server copy.
// Event hasNote flags are left alone: the device that wrote the note pushes
// them, and they arrive through the same delta.
func (o *Orchestrator) remoteApplied(_ context.Context, row store.Row) {
	o.emit(Update{Key: row.Key(), Entity: row.Envelope, State: row.State})
}

// Save commits e locally and schedules a push. It returns as soon as the
// local commit is durable; the server result arrives through Observe.
func (o *Orchestrator) Save(ctx context.Context, e models.Entity) (store.Row, error) {
	key := models.Key{Type: e.EntityType(), ID: e.EntityID()}

	cur, err := o.store.Get(ctx, key)
	exists := err == nil
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return store.Row{}, err
	}

	switch v := e.(type) {
	case models.Event:
		v.Normalize()
		if exists && !cur.Deleted {
			if stored, err := models.Decode[models.Event](cur.Envelope); err == nil && !stored.StartTime.Equal(v.StartTime) {
				return store.Row{}, &common.ValidationError{Field: "Event.startTime", Reason: "time changes go through RescheduleEvent"}
			}
		}
		v.HasNote = o.hasNoteFor(ctx, v)
		e = v
	case models.Record:
		if exists && !cur.Deleted {
			if stored, err := models.Decode[models.Record](cur.Envelope); err == nil && stored.RecordNumber != v.RecordNumber {
				return store.Row{}, &common.ValidationError{Field: "Record.recordNumber", Reason: "changes go through record key reconciliation"}
			}
		}
	case models.Note:
		v.Normalize()
		if exists && !cur.Deleted {
			stored, err := models.Decode[models.Note](cur.Envelope)
			if err == nil {
				merged := notemerge.Merge(stored, v)
				merged.LockedBy, merged.LockedAt = v.LockedBy, v.LockedAt
				if sameNote(merged, stored) {
					return cur, nil
				}
				v = merged
			}
		}
		e = v
	}

	if err := validation.Validate(e); err != nil {
		return store.Row{}, err
	}

	env, err := models.Wrap(e, 0)
	if err != nil {
		return store.Row{}, err
	}
	row, err := o.store.Stage(ctx, env)
	if err != nil {
		return store.Row{}, err
	}

	o.emit(Update{Key: key, Entity: row.Envelope, State: row.State})
	o.schedule(key)

	if key.Type == models.EntityNote {
		o.refreshHasNote(ctx, key.ID)
	}
	return row, nil
}

func sameNote(a, b models.Note) bool {
	if a.ContentHash() != b.ContentHash() || a.LockedBy != b.LockedBy {
		return false
	}
	if a.LockedAt == nil || b.LockedAt == nil {
		return a.LockedAt == b.LockedAt
	}
	return a.LockedAt.Equal(*b.LockedAt)
}

// Delete removes key. A row the server never saw is dropped locally, any
// other row becomes a tombstone pushed through the normal versioned path.
// Pending preloads of key are discarded.
func (o *Orchestrator) Delete(ctx context.Context, key models.Key) error {
	o.bumpGeneration(key)

	row, err := o.store.Get(ctx, key)
	if errors.Is(err, common.ErrorNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if row.Version == 0 {
		o.debouncer.Cancel(key)
		if err := o.store.Delete(ctx, key); err != nil {
			return err
		}
		o.emit(Update{Key: key, Entity: row.Envelope.Tombstone(), State: store.StateSynced})
		return nil
	}

	staged, err := o.store.Stage(ctx, row.Envelope.Tombstone())
	if err != nil {
		return err
	}
	o.emit(Update{Key: key, Entity: staged.Envelope, State: staged.State})
	o.schedule(key)
	return nil
}

func (o *Orchestrator) schedule(key models.Key) {
	o.debouncer.Debounce(key, func() {
		_, _, _ = o.push(key)
	})
}

// push resolves the dirty row of key. Only one push per key is in flight;
// a request arriving meanwhile is folded into a follow-up push of the latest
// revision. ran is false when the request was folded.
func (o *Orchestrator) push(key models.Key) (res conflict.Result, ran bool, err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return conflict.Result{}, false, nil
	}
	sl := o.slots[key]
	if sl == nil {
		sl = &slot{}
		o.slots[key] = sl
	}
	if sl.inflight {
		sl.pending = true
		o.mu.Unlock()
		return conflict.Result{}, false, nil
	}
	sl.inflight = true
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	for {
		res, err = o.pushOnce(key)

		o.mu.Lock()
		if !sl.pending || o.closed {
			sl.inflight = false
			delete(o.slots, key)
			o.mu.Unlock()
			return res, true, err
		}
		sl.pending = false
		o.mu.Unlock()
	}
}

func (o *Orchestrator) pushOnce(key models.Key) (conflict.Result, error) {
	ctx := logging.ContextWith(o.ctx, "key", key.String())

	row, err := o.store.Get(ctx, key)
	if errors.Is(err, common.ErrorNotFound) {
		return conflict.Result{Outcome: conflict.Applied, State: store.StateSynced}, nil
	}
	if err != nil {
		o.logger.Error(ctx, "load row for push", "error", err)
		return conflict.Result{Outcome: conflict.Deferred, State: store.StateDirty}, err
	}
	if !row.Dirty {
		return conflict.Result{Outcome: conflict.Applied, Entity: row.Envelope, State: row.State}, nil
	}

	res, err := o.engine.Resolve(ctx, row)
	if err != nil {
		o.logger.Warn(ctx, "push failed", "outcome", res.Outcome.String(), "error", err)
	}
	o.emit(Update{Key: key, Entity: res.Entity, State: res.State, Pushed: true, Outcome: res.Outcome, Err: err})

	if key.Type == models.EntityNote && res.Outcome != conflict.Applied && res.Outcome != conflict.Deferred {
		o.refreshHasNote(ctx, key.ID)
	}
	return res, err
}
