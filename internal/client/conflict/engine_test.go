package conflict

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/client/transport"
	"github.com/dmitrijs2005/apptsync/internal/client/transport/transporttest"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, tr transport.Transport) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewEngine(tr, s, logging.Discard()), s
}

func wrap(t *testing.T, e models.Entity, version int64) models.Envelope {
	t.Helper()
	env, err := models.Wrap(e, version)
	require.NoError(t, err)
	return env
}

func noteWith(strokes ...string) models.Note {
	n := models.Note{RecordID: "r1", Pages: []models.Page{{Strokes: []models.Stroke{}}}}
	for i, id := range strokes {
		n.AddStroke(0, models.Stroke{ID: id, EventID: "e1", CreatedAt: t0.Add(time.Duration(i) * time.Minute)})
	}
	return n
}

func TestResolve_CreateApplied(t *testing.T) {
	srv := transporttest.NewServer()
	e, s := setup(t, srv.Device("dev-a"))
	ctx := context.Background()

	row, err := s.Stage(ctx, wrap(t, models.Record{ID: "r1", Name: "Ann"}, 0))
	require.NoError(t, err)

	res, err := e.Resolve(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, store.StateSynced, res.State)
	assert.Equal(t, int64(1), res.Entity.Version)

	got, err := s.Get(ctx, row.Key())
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.Equal(t, int64(1), got.Version)
}

func TestResolve_VersionMonotonicity(t *testing.T) {
	srv := transporttest.NewServer()
	e, s := setup(t, srv.Device("dev-a"))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		row, err := s.Stage(ctx, wrap(t, models.Record{ID: "r1", Name: "Ann", Phone: string(rune('0' + i))}, 0))
		require.NoError(t, err)
		res, err := e.Resolve(ctx, row)
		require.NoError(t, err)
		require.Equal(t, Applied, res.Outcome)
		assert.Equal(t, int64(i), res.Entity.Version)
	}
}

func TestResolve_OfflineDefers(t *testing.T) {
	srv := transporttest.NewServer()
	srv.Seed(wrap(t, models.Record{ID: "r1", Name: "Ann"}, 1))
	e, s := setup(t, srv.Device("dev-a"))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, wrap(t, models.Record{ID: "r1", Name: "Ann"}, 1)))
	row, err := s.Stage(ctx, wrap(t, models.Record{ID: "r1", Name: "Anna"}, 1))
	require.NoError(t, err)

	srv.SetOffline(true)
	res, err := e.Resolve(ctx, row)
	require.NoError(t, err, "network failures are not surfaced")
	assert.Equal(t, Deferred, res.Outcome)

	got, err := s.Get(ctx, row.Key())
	require.NoError(t, err)
	assert.True(t, got.Dirty)
	assert.Equal(t, int64(1), got.Version)
}

func TestResolve_WholeRecordConflictTakesServerCopy(t *testing.T) {
	srv := transporttest.NewServer()
	srv.Seed(wrap(t, models.Record{ID: "r1", Name: "Server"}, 2))
	e, s := setup(t, srv.Device("dev-a"))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, wrap(t, models.Record{ID: "r1", Name: "Old"}, 1)))
	row, err := s.Stage(ctx, wrap(t, models.Record{ID: "r1", Name: "Mine"}, 1))
	require.NoError(t, err)

	res, err := e.Resolve(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, ConflictDiscarded, res.Outcome)
	assert.Equal(t, 1, res.Pushes, "whole-record conflicts are not retried")

	got, err := s.Get(ctx, row.Key())
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.Equal(t, int64(2), got.Version)
	rec, err := models.Decode[models.Record](got.Envelope)
	require.NoError(t, err)
	assert.Equal(t, "Server", rec.Name)

	onServer, _ := srv.Get(row.Key())
	assert.Equal(t, int64(2), onServer.Version, "a stale write never overwrites the server")
}

func TestResolve_NoteConflictMergesAndRetries(t *testing.T) {
	srv := transporttest.NewServer()
	srv.Seed(wrap(t, noteWith(), 1))
	devA := srv.Device("dev-a")
	ctx := context.Background()

	_, err := devA.UpdateEntity(ctx, wrap(t, noteWith("sA"), 1), 1)
	require.NoError(t, err)

	e, s := setup(t, srv.Device("dev-b"))
	require.NoError(t, s.Put(ctx, wrap(t, noteWith(), 1)))

	local := noteWith()
	local.AddStroke(0, models.Stroke{ID: "sB", EventID: "e1", CreatedAt: t0.Add(time.Hour)})
	row, err := s.Stage(ctx, wrap(t, local, 1))
	require.NoError(t, err)

	res, err := e.Resolve(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, Merged, res.Outcome)
	assert.Equal(t, 2, res.Pushes)
	assert.Equal(t, int64(3), res.Entity.Version)

	got, err := s.Get(ctx, row.Key())
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	n, err := models.Decode[models.Note](got.Envelope)
	require.NoError(t, err)
	assert.Equal(t, []string{"sA", "sB"}, n.Pages[0].StrokeIDs())
}

// racingTransport answers every note update with a conflict at a newer version.
type racingTransport struct {
	transport.Transport
	version int64
	updates int
}

func (r *racingTransport) UpdateEntity(_ context.Context, env models.Envelope, _ int64) (models.Envelope, error) {
	r.updates++
	r.version++
	snap := env
	snap.Version = r.version
	return models.Envelope{}, &common.ConflictError{EntityType: env.Type, EntityID: env.ID, ServerVersion: r.version, Snapshot: &snap}
}

func TestResolve_NoteRetriesExhausted(t *testing.T) {
	rt := &racingTransport{version: 1}
	e, s := setup(t, rt)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, wrap(t, noteWith(), 1)))
	row, err := s.Stage(ctx, wrap(t, noteWith("sB"), 1))
	require.NoError(t, err)

	res, err := e.Resolve(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, MergedPendingRetry, res.Outcome)
	assert.Equal(t, 1+DefaultMergeRetries, rt.updates)

	got, err := s.Get(ctx, row.Key())
	require.NoError(t, err)
	assert.True(t, got.Dirty)
	assert.Equal(t, store.StateConflictPendingRetry, got.State)
	n, err := models.Decode[models.Note](got.Envelope)
	require.NoError(t, err)
	assert.Equal(t, []string{"sB"}, n.Pages[0].StrokeIDs(), "local strokes survive")
}

// deletingTransport deletes the note locally while its first update is in flight.
type deletingTransport struct {
	transport.Transport
	store   *store.SQLiteStore
	updates int
}

func (d *deletingTransport) UpdateEntity(ctx context.Context, env models.Envelope, expected int64) (models.Envelope, error) {
	d.updates++
	if d.updates == 1 {
		cur, err := d.store.Get(ctx, env.Key())
		if err != nil {
			return models.Envelope{}, err
		}
		if _, err := d.store.Stage(ctx, cur.Envelope.Tombstone()); err != nil {
			return models.Envelope{}, err
		}
	}
	return d.Transport.UpdateEntity(ctx, env, expected)
}

func TestResolve_NoteDeletedDuringMergeStaysDeleted(t *testing.T) {
	srv := transporttest.NewServer()
	srv.Seed(wrap(t, noteWith(), 1))
	ctx := context.Background()
	_, err := srv.Device("dev-a").UpdateEntity(ctx, wrap(t, noteWith("sA"), 1), 1)
	require.NoError(t, err)

	dt := &deletingTransport{Transport: srv.Device("dev-b")}
	e, s := setup(t, dt)
	dt.store = s

	require.NoError(t, s.Put(ctx, wrap(t, noteWith(), 1)))
	row, err := s.Stage(ctx, wrap(t, noteWith("sB"), 1))
	require.NoError(t, err)

	res, err := e.Resolve(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, Deferred, res.Outcome)
	assert.Equal(t, 1, dt.updates, "no merged write follows the delete")

	got, err := s.Get(ctx, row.Key())
	require.NoError(t, err)
	assert.True(t, got.Deleted, "the tombstone is not overwritten by the merge")
	assert.True(t, got.Dirty)
	assert.Equal(t, int64(1), got.Version)

	onServer, _ := srv.Get(row.Key())
	assert.False(t, onServer.Deleted)
	assert.Equal(t, int64(2), onServer.Version)
}

func TestResolve_UnsyncedTombstoneIsDroppedLocally(t *testing.T) {
	srv := transporttest.NewServer()
	e, s := setup(t, srv.Device("dev-a"))
	ctx := context.Background()

	row, err := s.Stage(ctx, wrap(t, models.Record{ID: "r1", Name: "Ann"}, 0).Tombstone())
	require.NoError(t, err)

	res, err := e.Resolve(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	assert.Zero(t, srv.Calls("CreateEntity"))

	_, err = s.Get(ctx, row.Key())
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestResolve_ServerRejectionIsReturned(t *testing.T) {
	srv := transporttest.NewServer()
	srv.Seed(wrap(t, models.Record{ID: "r0", RecordNumber: "A-1", Name: "Owner"}, 1))
	e, s := setup(t, srv.Device("dev-a"))
	ctx := context.Background()

	row, err := s.Stage(ctx, wrap(t, models.Record{ID: "r1", RecordNumber: "A-1", Name: "Dup"}, 0))
	require.NoError(t, err)

	res, err := e.Resolve(ctx, row)
	require.ErrorIs(t, err, common.ErrRecordNumberTaken)
	assert.Equal(t, Deferred, res.Outcome)

	got, err := s.Get(ctx, row.Key())
	require.NoError(t, err)
	assert.True(t, got.Dirty)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "merged", Merged.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
