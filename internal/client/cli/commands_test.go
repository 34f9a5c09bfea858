package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/apptsync/internal/client/conflict"
	"github.com/dmitrijs2005/apptsync/internal/client/orchestrator"
	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/client/transport/transporttest"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/models"
)

func newTestApp(t *testing.T, srv *transporttest.Server, input string) *App {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)

	orch := orchestrator.New(st, srv.Device("dev-a"), logging.Discard(), orchestrator.Options{Debounce: time.Hour})
	a := &App{
		deviceID: "dev-a",
		store:    st,
		orch:     orch,
		logger:   logging.Discard(),
		reader:   rdr(input),
		out:      &bytes.Buffer{},
		now:      func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) },
	}
	t.Cleanup(a.Close)
	return a
}

func onlyRow(t *testing.T, st *store.SQLiteStore, typ models.EntityType) store.Row {
	t.Helper()
	rows, err := st.ListDirty(context.Background(), typ)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestApp_AddRecordAndEvent(t *testing.T) {
	captureOutput(t)
	srv := transporttest.NewServer()
	a := newTestApp(t, srv, "Ann\n555-0101\n\n")
	ctx := context.Background()

	require.NoError(t, a.AddRecord(ctx))
	recRow := onlyRow(t, a.store, models.EntityRecord)
	rec, err := models.Decode[models.Record](recRow.Envelope)
	require.NoError(t, err)
	assert.Equal(t, "Ann", rec.Name)
	assert.True(t, rec.WalkIn())

	a.reader = rdr(strings.Join([]string{"b1", rec.ID, "Checkup", "xray, checkup", "2025-03-02 10:00", ""}, "\n") + "\n")
	require.NoError(t, a.AddEvent(ctx))

	ev, err := models.Decode[models.Event](onlyRow(t, a.store, models.EntityEvent).Envelope)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, ev.RecordID)
	assert.Equal(t, []string{"checkup", "xray"}, ev.EventTypes)
	assert.Nil(t, ev.EndTime)

	require.NoError(t, a.Sync(ctx))
	_, ok := srv.Get(models.Key{Type: models.EntityEvent, ID: ev.ID})
	assert.True(t, ok)
}

func TestApp_AddEventUnknownRecord(t *testing.T) {
	captureOutput(t)
	srv := transporttest.NewServer()
	a := newTestApp(t, srv, "b1\nnope\n")

	err := a.AddEvent(context.Background())
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestApp_ShowDeleteAndUsage(t *testing.T) {
	out := captureOutput(t)
	srv := transporttest.NewServer()
	a := newTestApp(t, srv, "")
	ctx := context.Background()

	_, err := a.orch.Save(ctx, models.Record{ID: "r1", Name: "Ann"})
	require.NoError(t, err)

	require.NoError(t, a.Show(ctx, []string{"record", "r1"}))
	assert.Contains(t, *out, "record/r1 v0 dirty")

	assert.ErrorIs(t, a.Show(ctx, []string{"record"}), errUsage)
	assert.Error(t, a.Show(ctx, []string{"patient", "r1"}))
	assert.ErrorIs(t, a.Reconcile(ctx, []string{"r1"}), errUsage)
	assert.ErrorIs(t, a.Reschedule(ctx, nil), errUsage)
	assert.ErrorIs(t, a.Remove(ctx, nil), errUsage)

	require.NoError(t, a.Delete(ctx, []string{"record", "r1"}))
	assert.ErrorIs(t, a.Show(ctx, []string{"record", "r1"}), common.ErrorNotFound)
}

func TestApp_RescheduleRemoveReconcile(t *testing.T) {
	out := captureOutput(t)
	srv := transporttest.NewServer()
	a := newTestApp(t, srv, "")
	ctx := context.Background()

	_, err := a.orch.Save(ctx, models.Record{ID: "r1", Name: "Ann"})
	require.NoError(t, err)
	_, err = a.orch.Save(ctx, models.Event{ID: "e1", BookID: "b1", RecordID: "r1", EventTypes: []string{"checkup"}, StartTime: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	_, err = a.orch.Save(ctx, models.Event{ID: "e2", BookID: "b1", RecordID: "r1", EventTypes: []string{"checkup"}, StartTime: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	a.reader = rdr("2025-03-05 09:00\n2025-03-05 09:30\n")
	require.NoError(t, a.Reschedule(ctx, []string{"e1"}))

	require.NoError(t, a.Remove(ctx, []string{"e2", "no", "show"}))
	row, err := a.orch.Get(ctx, models.Key{Type: models.EntityEvent, ID: "e2"}, false)
	require.NoError(t, err)
	ev, err := models.Decode[models.Event](row.Envelope)
	require.NoError(t, err)
	assert.Equal(t, "no show", ev.Status.Reason)

	require.NoError(t, a.Sync(ctx))
	require.NoError(t, a.Reconcile(ctx, []string{"r1", "K-9"}))
	assert.Contains(t, *out, "record r1 is now K-9")
}

func TestApp_ReportsConflicts(t *testing.T) {
	out := captureOutput(t)
	a := &App{}

	a.report(orchestrator.Update{Key: models.Key{Type: models.EntityRecord, ID: "r1"}})
	assert.Empty(t, *out)

	a.report(orchestrator.Update{
		Key:     models.Key{Type: models.EntityRecord, ID: "r1"},
		Entity:  models.Envelope{Version: 4},
		Pushed:  true,
		Outcome: conflict.ConflictDiscarded,
	})
	require.Len(t, *out, 1)
	assert.Contains(t, (*out)[0], "record/r1 changed on another device")

	a.report(orchestrator.Update{Key: models.Key{Type: models.EntityNote, ID: "r1"}, Pushed: true, Outcome: conflict.Applied})
	assert.Len(t, *out, 1)
}

func TestApp_StatusWithoutWatcher(t *testing.T) {
	assert.Empty(t, (&App{}).status())
}
