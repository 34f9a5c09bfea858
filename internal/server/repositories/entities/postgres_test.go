package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
	sm "github.com/dmitrijs2005/apptsync/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock, db
}

var cols = []string{"entity_type", "id", "version", "deleted", "payload", "seq", "device_id", "updated_at"}

func noteRow(version, seq int64) *sm.StoredEntity {
	return &sm.StoredEntity{
		Envelope: models.Envelope{Type: models.EntityNote, ID: "r1", Version: version, Payload: []byte(`{"recordId":"r1"}`)},
		Seq:      seq,
		DeviceID: "dev-a",
	}
}

func TestGet_Found(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM entities WHERE entity_type = \$1 AND id = \$2$`).
		WithArgs("note", "r1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("note", "r1", int64(2), false, []byte(`{"recordId":"r1"}`), int64(7), "dev-a", now))

	e, err := repo.Get(context.Background(), models.EntityNote, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.EntityNote, e.Type)
	assert.EqualValues(t, 2, e.Version)
	assert.EqualValues(t, 7, e.Seq)
	assert.JSONEq(t, `{"recordId":"r1"}`, string(e.Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM entities`).
		WithArgs("note", "nope").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := repo.Get(context.Background(), models.EntityNote, "nope")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetForUpdate_LocksRow(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT .* FROM entities WHERE .* FOR UPDATE`).
		WithArgs("event", "e1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("event", "e1", int64(1), false, []byte(`{}`), int64(1), "", time.Now()))

	_, err := repo.GetForUpdate(context.Background(), models.EntityEvent, "e1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_SetsVersionOne(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO entities`) + `.*ON CONFLICT \(entity_type, id\) DO NOTHING.*RETURNING version, seq, updated_at`).
		WithArgs("note", "r1", false, []byte(`{"recordId":"r1"}`), "dev-a").
		WillReturnRows(sqlmock.NewRows([]string{"version", "seq", "updated_at"}).AddRow(int64(1), int64(10), now))

	e := noteRow(0, 0)
	require.NoError(t, repo.Insert(context.Background(), e))
	assert.EqualValues(t, 1, e.Version)
	assert.EqualValues(t, 10, e.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_ExistingRowIsConflict(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`INSERT INTO entities`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "seq", "updated_at"}))

	err := repo.Insert(context.Background(), noteRow(0, 0))
	require.ErrorIs(t, err, common.ErrVersionConflict)
}

func TestInsert_RecordNumberTaken(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`INSERT INTO entities`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "entities_record_number_uidx"})

	err := repo.Insert(context.Background(), noteRow(0, 0))
	require.ErrorIs(t, err, common.ErrRecordNumberTaken)
}

func TestUpdate_Success(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE entities SET.*version = version \+ 1.*WHERE entity_type = \$1 AND id = \$2 AND version = \$3`).
		WithArgs("note", "r1", int64(2), false, []byte(`{"recordId":"r1"}`), "dev-a").
		WillReturnRows(sqlmock.NewRows([]string{"version", "seq", "updated_at"}).AddRow(int64(3), int64(11), now))

	e := noteRow(2, 0)
	require.NoError(t, repo.Update(context.Background(), e, 2))
	assert.EqualValues(t, 3, e.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_StaleVersionIsConflict(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`UPDATE entities SET`).
		WithArgs("note", "r1", int64(1), false, []byte(`{"recordId":"r1"}`), "dev-a").
		WillReturnRows(sqlmock.NewRows([]string{"version", "seq", "updated_at"}))

	err := repo.Update(context.Background(), noteRow(1, 0), 1)
	require.ErrorIs(t, err, common.ErrVersionConflict)
}

func TestUpdate_DBError(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`UPDATE entities SET`).WillReturnError(errors.New("boom"))

	err := repo.Update(context.Background(), noteRow(1, 0), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrVersionConflict)
	assert.Contains(t, err.Error(), "db error")
}

func TestSelectUpdated(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM entities\s+WHERE seq > \$1.*ORDER BY seq\s+LIMIT \$3`).
		WithArgs(int64(5), false, int64(100)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("record", "r1", int64(1), false, []byte(`{}`), int64(6), "dev-a", now).
			AddRow("event", "e1", int64(3), true, []byte(`{}`), int64(9), "dev-b", now))

	got, err := repo.SelectUpdated(context.Background(), 5, 100, false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 6, got[0].Seq)
	assert.True(t, got[1].Deleted)
	assert.Equal(t, "dev-b", got[1].Change().DeviceID)
}

func TestSelectUpdated_QueryError(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("down"))

	_, err := repo.SelectUpdated(context.Background(), 0, 10, true)
	require.Error(t, err)
}

func TestFindRecordByNumber(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	_, err := repo.FindRecordByNumber(context.Background(), "")
	require.ErrorIs(t, err, common.ErrorNotFound)

	mock.ExpectQuery(`entity_type = 'record' AND NOT deleted AND payload->>'recordNumber' = \$1`).
		WithArgs("A-100").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("record", "r2", int64(4), false, []byte(`{"recordNumber":"A-100"}`), int64(3), "", time.Now()))

	e, err := repo.FindRecordByNumber(context.Background(), "A-100")
	require.NoError(t, err)
	assert.Equal(t, "r2", e.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsTransient(fmt.Errorf("n/r1: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsTransient(errors.New("boom")))
}

func TestLockChangeLog(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(changeLogLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.LockChangeLog(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockChangeLog_Error(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnError(errors.New("canceled"))

	err := repo.LockChangeLog(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock change log")
}

func TestLiveDependents(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT entity_type, id FROM entities\s+WHERE NOT deleted.*payload->>'recordId' = \$1.*entity_type = 'note' AND id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "id"}).
			AddRow("event", "e2").
			AddRow("note", "r1"))

	got, err := repo.LiveDependents(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []models.Key{
		{Type: models.EntityEvent, ID: "e2"},
		{Type: models.EntityNote, ID: "r1"},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLiveDependents_None(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)
	mock.ExpectQuery(`SELECT entity_type, id FROM entities`).
		WithArgs("r9").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "id"}))

	got, err := repo.LiveDependents(context.Background(), "r9")
	require.NoError(t, err)
	assert.Empty(t, got)
}
