// Package entities provides the PostgreSQL-backed store of versioned
// entities and the ordered change log derived from it.
package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/dbx"
	"github.com/dmitrijs2005/apptsync/internal/models"
	sm "github.com/dmitrijs2005/apptsync/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation        = "23505"
	serializationFailure   = "40001"
	deadlockDetected       = "40P01"
	recordNumberConstraint = "entities_record_number_uidx"

	// changeLogLockKey is the transaction advisory lock taken before any
	// change-log seq is drawn.
	changeLogLockKey int64 = 0x61707074
)

// PostgresRepository implements entity storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectColumns = `entity_type, id, version, deleted, payload, seq, device_id, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*sm.StoredEntity, error) {
	var e sm.StoredEntity
	var t string
	var payload []byte
	if err := row.Scan(&t, &e.ID, &e.Version, &e.Deleted, &payload, &e.Seq, &e.DeviceID, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Type = models.EntityType(t)
	e.Payload = payload
	return &e, nil
}

func (r *PostgresRepository) get(ctx context.Context, query string, t models.EntityType, id string) (*sm.StoredEntity, error) {
	e, err := scanEntity(r.db.QueryRowContext(ctx, query, string(t), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", t, id, err)
	}
	return e, nil
}

// Get returns the current row, tombstones included.
func (r *PostgresRepository) Get(ctx context.Context, t models.EntityType, id string) (*sm.StoredEntity, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM entities WHERE entity_type = $1 AND id = $2`, t, id)
}

// GetForUpdate is Get with a row lock held until the surrounding transaction ends.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, t models.EntityType, id string) (*sm.StoredEntity, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM entities WHERE entity_type = $1 AND id = $2 FOR UPDATE`, t, id)
}

// Insert stores e at version 1. An existing row yields ErrVersionConflict.
func (r *PostgresRepository) Insert(ctx context.Context, e *sm.StoredEntity) error {
	query := `
		INSERT INTO entities (entity_type, id, version, deleted, payload, device_id)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (entity_type, id) DO NOTHING
		RETURNING version, seq, updated_at
	`
	err := r.db.QueryRowContext(ctx, query, string(e.Type), e.ID, e.Deleted, []byte(e.Payload), e.DeviceID).
		Scan(&e.Version, &e.Seq, &e.UpdatedAt)
	return mapWriteError(err)
}

// Update replaces the row if its version still equals expectedVersion and
// bumps the version by exactly one. Otherwise ErrVersionConflict is returned.
func (r *PostgresRepository) Update(ctx context.Context, e *sm.StoredEntity, expectedVersion int64) error {
	query := `
		UPDATE entities SET
			version = version + 1,
			deleted = $4,
			payload = $5,
			device_id = $6,
			seq = nextval(pg_get_serial_sequence('entities', 'seq')),
			updated_at = now()
		WHERE entity_type = $1 AND id = $2 AND version = $3
		RETURNING version, seq, updated_at
	`
	err := r.db.QueryRowContext(ctx, query, string(e.Type), e.ID, expectedVersion, e.Deleted, []byte(e.Payload), e.DeviceID).
		Scan(&e.Version, &e.Seq, &e.UpdatedAt)
	return mapWriteError(err)
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrVersionConflict
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == recordNumberConstraint {
		return common.ErrRecordNumberTaken
	}
	return fmt.Errorf("db error: %w", err)
}

// IsTransient reports whether err is a PostgreSQL failure that a fresh
// attempt of the same transaction can clear.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
}

// SelectUpdated returns up to limit rows with seq > since in seq order.
// Archived books are skipped unless includeArchived is set.
func (r *PostgresRepository) SelectUpdated(ctx context.Context, since int64, limit int, includeArchived bool) ([]*sm.StoredEntity, error) {
	query := `SELECT ` + selectColumns + ` FROM entities
		WHERE seq > $1
		  AND ($2 OR entity_type <> 'book' OR payload->>'archivedAt' IS NULL)
		ORDER BY seq
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, since, includeArchived, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select entities: %w", err)
	}
	defer rows.Close()

	var result []*sm.StoredEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// FindRecordByNumber returns the live record owning recordNumber.
func (r *PostgresRepository) FindRecordByNumber(ctx context.Context, recordNumber string) (*sm.StoredEntity, error) {
	if recordNumber == "" {
		return nil, common.ErrorNotFound
	}
	query := `SELECT ` + selectColumns + ` FROM entities
		WHERE entity_type = 'record' AND NOT deleted AND payload->>'recordNumber' = $1`
	e, err := scanEntity(r.db.QueryRowContext(ctx, query, recordNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find record %q: %w", recordNumber, err)
	}
	return e, nil
}

// LockChangeLog takes the change-log advisory lock for the rest of the
// transaction. Writers holding it draw seq values in commit order, so a
// delta reader never sees seq N+1 committed while N is still pending.
func (r *PostgresRepository) LockChangeLog(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, changeLogLockKey); err != nil {
		return fmt.Errorf("lock change log: %w", err)
	}
	return nil
}

// LiveDependents returns the live events, charge items and note that still
// reference recordID.
func (r *PostgresRepository) LiveDependents(ctx context.Context, recordID string) ([]models.Key, error) {
	query := `SELECT entity_type, id FROM entities
		WHERE NOT deleted
		  AND ((entity_type IN ('event', 'charge_item') AND payload->>'recordId' = $1)
		    OR (entity_type = 'note' AND id = $1))
		ORDER BY entity_type, id`
	rows, err := r.db.QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("select dependents of %s: %w", recordID, err)
	}
	defer rows.Close()

	var keys []models.Key
	for rows.Next() {
		var k models.Key
		var t string
		if err := rows.Scan(&t, &k.ID); err != nil {
			return nil, err
		}
		k.Type = models.EntityType(t)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
