package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/apptsync/internal/server/repositories/entities"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func stubGoose(t *testing.T, fn func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error) {
	t.Helper()
	orig := gooseUpContext
	gooseUpContext = fn
	t.Cleanup(func() { gooseUpContext = orig })
}

func TestEntities_BindsToHandle(t *testing.T) {
	db := newDB(t)

	m, err := NewPostgresRepositoryManager(db)
	require.NoError(t, err)

	repo := m.Entities(db)
	require.NotNil(t, repo)
	assert.IsType(t, &entities.PostgresRepository{}, repo)
}

func TestRunMigrations_UsesEmbeddedRoot(t *testing.T) {
	db := newDB(t)

	var gotDir string
	stubGoose(t, func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	})

	m := &PostgresRepositoryManager{}
	require.NoError(t, m.RunMigrations(context.Background(), db))
	assert.Equal(t, ".", gotDir)
}

func TestRunMigrations_WrapsFailure(t *testing.T) {
	db := newDB(t)
	boom := errors.New("boom")
	stubGoose(t, func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error { return boom })

	m := &PostgresRepositoryManager{}
	err := m.RunMigrations(context.Background(), db)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "run migrations")
}

func TestOpen_UnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := Open(ctx, "postgres://u:p@127.0.0.1:1/apptsync?sslmode=disable&connect_timeout=1")
	require.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "ping database")
}
