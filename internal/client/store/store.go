// Package store is the device's durable cache and offline working set: every
// entity the client has seen, plus the dirty flags that drive retries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/client/migrations"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

// SyncState is the per-row sync status reported to callers.
type SyncState string

const (
	StateSynced               SyncState = "synced"
	StateDirty                SyncState = "dirty"
	StateConflictPendingRetry SyncState = "conflictPendingRetry"
)

// Row is a stored entity. Version is the last server version the local copy
// is based on; Revision counts local commits and guards ClearDirty/Confirm
// against edits made while a push was in flight.
type Row struct {
	models.Envelope
	Dirty     bool
	State     SyncState
	Revision  int64
	UpdatedAt time.Time
}

// Store is the local store used by the orchestrator and the conflict engine.
type Store interface {
	Get(ctx context.Context, key models.Key) (Row, error)
	// Put writes a server copy unconditionally and marks it synced.
	Put(ctx context.Context, env models.Envelope) error
	// Adopt writes a server copy unless the local row is dirty or newer.
	Adopt(ctx context.Context, env models.Envelope) (bool, error)
	// Stage commits a local edit: payload replaced, dirty, revision+1.
	// The stored version is kept for existing rows.
	Stage(ctx context.Context, env models.Envelope) (Row, error)
	MarkDirty(ctx context.Context, key models.Key, state SyncState) error
	ClearDirty(ctx context.Context, key models.Key, revision int64) (bool, error)
	// Confirm stores the server result of a push made from revision. If the
	// row changed since, only the version is advanced and the row stays dirty.
	Confirm(ctx context.Context, revision int64, env models.Envelope) (bool, error)
	// Rebase replaces payload and version of a dirty row still at revision.
	Rebase(ctx context.Context, revision int64, env models.Envelope) (bool, error)
	ListDirty(ctx context.Context, t models.EntityType) ([]Row, error)
	FindRecordByNumber(ctx context.Context, recordNumber string) (*Row, error)
	ListByRef(ctx context.Context, t models.EntityType, field, value string) ([]Row, error)
	Delete(ctx context.Context, key models.Key) error
	Cursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, cursor int64) error
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if needed) the SQLite database at dsn and migrates it.
// A single connection serializes physical writes.
func Open(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewSQLiteStore(db), nil
}
