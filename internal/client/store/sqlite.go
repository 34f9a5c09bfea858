package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/dbx"
	"github.com/dmitrijs2005/apptsync/internal/models"
)

const (
	cursorKey   = "delta_cursor"
	deviceIDKey = "device_id"
)

const selectColumns = `SELECT entity_type, id, version, deleted, payload, dirty, sync_state, revision, updated_at FROM entities`

// SQLiteStore implements Store. A store bound to a transaction has a nil sqldb.
type SQLiteStore struct {
	db    dbx.DBTX
	sqldb *sql.DB
	now   func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, sqldb: db, now: time.Now}
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.sqldb == nil {
		return nil
	}
	return s.sqldb.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		r       Row
		typ     string
		payload sql.NullString
		state   string
		updated int64
	)
	if err := sc.Scan(&typ, &r.ID, &r.Version, &r.Deleted, &payload, &r.Dirty, &state, &r.Revision, &updated); err != nil {
		return Row{}, err
	}
	r.Type = models.EntityType(typ)
	if payload.Valid {
		r.Payload = []byte(payload.String)
	}
	r.State = SyncState(state)
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	var result []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) Get(ctx context.Context, key models.Key) (Row, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE entity_type = ? AND id = ?`, string(key.Type), key.ID)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, common.ErrorNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return r, nil
}

func (s *SQLiteStore) Put(ctx context.Context, env models.Envelope) error {
	query := `INSERT INTO entities (entity_type, id, version, deleted, payload, dirty, sync_state, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 'synced', 0, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			version = excluded.version,
			deleted = excluded.deleted,
			payload = excluded.payload,
			dirty = 0,
			sync_state = 'synced',
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, string(env.Type), env.ID, env.Version, b2i(env.Deleted), string(env.Payload), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", env.Key(), err)
	}
	return nil
}

func (s *SQLiteStore) Adopt(ctx context.Context, env models.Envelope) (bool, error) {
	query := `INSERT INTO entities (entity_type, id, version, deleted, payload, dirty, sync_state, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 'synced', 0, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			version = excluded.version,
			deleted = excluded.deleted,
			payload = excluded.payload,
			sync_state = 'synced',
			updated_at = excluded.updated_at
		WHERE entities.dirty = 0 AND entities.version <= excluded.version`

	res, err := s.db.ExecContext(ctx, query, string(env.Type), env.ID, env.Version, b2i(env.Deleted), string(env.Payload), s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to adopt %s: %w", env.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Stage(ctx context.Context, env models.Envelope) (Row, error) {
	query := `INSERT INTO entities (entity_type, id, version, deleted, payload, dirty, sync_state, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, 'dirty', 1, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			deleted = excluded.deleted,
			payload = excluded.payload,
			dirty = 1,
			sync_state = 'dirty',
			revision = entities.revision + 1,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, string(env.Type), env.ID, env.Version, b2i(env.Deleted), string(env.Payload), s.now().UnixMilli())
	if err != nil {
		return Row{}, fmt.Errorf("failed to stage %s: %w", env.Key(), err)
	}
	return s.Get(ctx, env.Key())
}

func (s *SQLiteStore) MarkDirty(ctx context.Context, key models.Key, state SyncState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET dirty = 1, sync_state = ? WHERE entity_type = ? AND id = ?`,
		string(state), string(key.Type), key.ID)
	if err != nil {
		return fmt.Errorf("failed to mark %s dirty: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (s *SQLiteStore) ClearDirty(ctx context.Context, key models.Key, revision int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET dirty = 0, sync_state = 'synced' WHERE entity_type = ? AND id = ? AND revision = ?`,
		string(key.Type), key.ID, revision)
	if err != nil {
		return false, fmt.Errorf("failed to clear %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Confirm(ctx context.Context, revision int64, env models.Envelope) (bool, error) {
	query := `UPDATE entities SET version = ?, deleted = ?, payload = ?, dirty = 0, sync_state = 'synced', updated_at = ?
		WHERE entity_type = ? AND id = ? AND revision = ?`

	res, err := s.db.ExecContext(ctx, query, env.Version, b2i(env.Deleted), string(env.Payload), s.now().UnixMilli(),
		string(env.Type), env.ID, revision)
	if err != nil {
		return false, fmt.Errorf("failed to confirm %s: %w", env.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// A newer local edit exists. It will be pushed against the new version.
	_, err = s.db.ExecContext(ctx, `UPDATE entities SET version = ? WHERE entity_type = ? AND id = ? AND version < ?`,
		env.Version, string(env.Type), env.ID, env.Version)
	if err != nil {
		return false, fmt.Errorf("failed to advance %s: %w", env.Key(), err)
	}
	return false, nil
}

func (s *SQLiteStore) Rebase(ctx context.Context, revision int64, env models.Envelope) (bool, error) {
	query := `UPDATE entities SET version = ?, deleted = ?, payload = ?, dirty = 1, sync_state = 'dirty', updated_at = ?
		WHERE entity_type = ? AND id = ? AND revision = ?`

	res, err := s.db.ExecContext(ctx, query, env.Version, b2i(env.Deleted), string(env.Payload), s.now().UnixMilli(),
		string(env.Type), env.ID, revision)
	if err != nil {
		return false, fmt.Errorf("failed to rebase %s: %w", env.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListDirty(ctx context.Context, t models.EntityType) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE dirty = 1 AND entity_type = ? ORDER BY updated_at, id`, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty %s: %w", t, err)
	}
	return scanRows(rows)
}

func (s *SQLiteStore) FindRecordByNumber(ctx context.Context, recordNumber string) (*Row, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE entity_type = 'record' AND deleted = 0 AND json_extract(payload, '$.recordNumber') = ?
		ORDER BY version DESC, id LIMIT 1`, recordNumber)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record %q: %w", recordNumber, err)
	}
	return &r, nil
}

// ListByRef returns live rows of type t whose payload field equals value.
func (s *SQLiteStore) ListByRef(ctx context.Context, t models.EntityType, field, value string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE entity_type = ? AND deleted = 0 AND json_extract(payload, ?) = ? ORDER BY id`,
		string(t), "$."+field, value)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s by %s: %w", t, field, err)
	}
	return scanRows(rows)
}

func (s *SQLiteStore) Delete(ctx context.Context, key models.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ? AND id = ?`, string(key.Type), key.ID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Meta returns the metadata value stored under key, or "" when unset.
func (s *SQLiteStore) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Cursor(ctx context.Context) (int64, error) {
	value, err := s.Meta(ctx, cursorKey)
	if err != nil || value == "" {
		return 0, err
	}
	cursor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad metadata[%s]: %w", cursorKey, err)
	}
	return cursor, nil
}

func (s *SQLiteStore) SetCursor(ctx context.Context, cursor int64) error {
	return s.SetMeta(ctx, cursorKey, strconv.FormatInt(cursor, 10))
}

// DeviceID returns the identity of this installation, generating and
// persisting one on first use.
func (s *SQLiteStore) DeviceID(ctx context.Context) (string, error) {
	id, err := s.Meta(ctx, deviceIDKey)
	if err != nil || id != "" {
		return id, err
	}
	id = uuid.NewString()
	if err := s.SetMeta(ctx, deviceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// WithTx runs fn against a store bound to one transaction. Nested calls reuse
// the outer transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.sqldb == nil {
		return fn(ctx, s)
	}
	return dbx.WithTx(ctx, s.sqldb, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, &SQLiteStore{db: tx, now: s.now})
	})
}
