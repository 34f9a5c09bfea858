// Package services implements the server-side sync operations on top of the
// repositories: versioned writes, atomic batches and the change-log delta.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/dbx"
	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/server/archive"
	sm "github.com/dmitrijs2005/apptsync/internal/server/models"
	"github.com/dmitrijs2005/apptsync/internal/server/repositories/entities"
	"github.com/dmitrijs2005/apptsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/apptsync/internal/validation"
)

// Notifier is told about committed changes. origin is the writing device.
type Notifier interface {
	Publish(ctx context.Context, origin string, changes []models.Change)
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string, []models.Change) {}

// Write is one versioned write. ExpectedVersion 0 creates the entity.
// Retire is only valid on a record tombstone: the batch fails with
// ErrRecordInUse if anything live still points at the record afterwards.
type Write struct {
	Entity          models.Envelope
	ExpectedVersion int64
	Retire          bool
}

// txRetry reruns a batch that PostgreSQL aborted with a serialization
// failure or a deadlock.
var txRetry = dbx.RetryPolicy{Attempts: 3, Base: 20 * time.Millisecond, Retryable: entities.IsTransient}

type SyncService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	archiver    archive.Archiver
	notifier    Notifier
	deltaLimit  int
	logger      logging.Logger
}

func NewSyncService(db *sql.DB, rm repomanager.RepositoryManager, a archive.Archiver, n Notifier, deltaLimit int, l logging.Logger) *SyncService {
	if a == nil {
		a = archive.NopArchiver{}
	}
	if n == nil {
		n = nopNotifier{}
	}
	if deltaLimit <= 0 {
		deltaLimit = 500
	}
	return &SyncService{
		db:          db,
		repomanager: rm,
		archiver:    a,
		notifier:    n,
		deltaLimit:  deltaLimit,
		logger:      l.With("module", "sync_service"),
	}
}

// Fetch returns the current server copy. Tombstones are returned with Deleted set.
func (s *SyncService) Fetch(ctx context.Context, t models.EntityType, id string) (models.Envelope, error) {
	if !t.Valid() {
		return models.Envelope{}, &common.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown entity type %q", t)}
	}
	e, err := s.repomanager.Entities(s.db).Get(ctx, t, id)
	if err != nil {
		return models.Envelope{}, err
	}
	return e.Envelope, nil
}

// Create stores a new entity at version 1.
func (s *SyncService) Create(ctx context.Context, deviceID string, env models.Envelope) (models.Envelope, error) {
	out, err := s.ApplyBatch(ctx, deviceID, []Write{{Entity: env}})
	if err != nil {
		return models.Envelope{}, err
	}
	return out[0], nil
}

// Update replaces an entity whose stored version equals expected.
func (s *SyncService) Update(ctx context.Context, deviceID string, env models.Envelope, expected int64) (models.Envelope, error) {
	if expected < 1 {
		return models.Envelope{}, &common.ValidationError{Field: "expectedVersion", Reason: "must be at least 1"}
	}
	out, err := s.ApplyBatch(ctx, deviceID, []Write{{Entity: env, ExpectedVersion: expected}})
	if err != nil {
		return models.Envelope{}, err
	}
	return out[0], nil
}

// ApplyBatch applies all writes in one transaction. The first failing write
// aborts the whole batch and nothing is stored.
func (s *SyncService) ApplyBatch(ctx context.Context, deviceID string, writes []Write) ([]models.Envelope, error) {
	if len(writes) == 0 {
		return nil, &common.ValidationError{Field: "writes", Reason: "empty batch"}
	}
	for i := range writes {
		if err := checkWrite(writes[i]); err != nil {
			return nil, err
		}
	}

	var (
		stored     []*sm.StoredEntity
		superseded []models.Envelope
	)

	err := dbx.WithTxRetry(ctx, s.db, nil, txRetry, func(ctx context.Context, tx dbx.DBTX) error {
		stored, superseded = make([]*sm.StoredEntity, 0, len(writes)), nil
		repo := s.repomanager.Entities(tx)
		if err := repo.LockChangeLog(ctx); err != nil {
			return err
		}
		for _, w := range writes {
			row := &sm.StoredEntity{Envelope: w.Entity, DeviceID: deviceID}

			if w.ExpectedVersion == 0 {
				if err := repo.Insert(ctx, row); err != nil {
					return conflictOr(ctx, repo, w.Entity, err)
				}
				stored = append(stored, row)
				continue
			}

			cur, err := repo.GetForUpdate(ctx, w.Entity.Type, w.Entity.ID)
			if err != nil {
				return fmt.Errorf("%s: %w", w.Entity.Key(), err)
			}
			if cur.Version != w.ExpectedVersion {
				return conflictFrom(cur)
			}
			if err := repo.Update(ctx, row, w.ExpectedVersion); err != nil {
				return conflictOr(ctx, repo, w.Entity, err)
			}
			if archivable(cur.Type) && !cur.Deleted {
				superseded = append(superseded, cur.Envelope)
			}
			stored = append(stored, row)
		}
		return checkRetired(ctx, repo, writes)
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Envelope, len(stored))
	changes := make([]models.Change, len(stored))
	for i, row := range stored {
		out[i] = row.Envelope
		changes[i] = row.Change()
		s.logger.Debug(ctx, "write accepted", "key", row.Key().String(), "version", row.Version, "device", deviceID)
	}

	for _, snap := range superseded {
		if err := s.archiver.Archive(ctx, snap); err != nil {
			s.logger.Warn(ctx, "archive superseded snapshot", "key", snap.Key().String(), "version", snap.Version, "error", err)
		}
	}
	s.notifier.Publish(ctx, deviceID, changes)

	return out, nil
}

// Delta returns up to limit changes after since, the new cursor, and whether
// more changes are waiting.
func (s *SyncService) Delta(ctx context.Context, since int64, limit int, includeArchived bool) ([]models.Change, int64, bool, error) {
	if limit <= 0 || limit > s.deltaLimit {
		limit = s.deltaLimit
	}
	rows, err := s.repomanager.Entities(s.db).SelectUpdated(ctx, since, limit+1, includeArchived)
	if err != nil {
		return nil, since, false, err
	}

	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}
	cursor := since
	changes := make([]models.Change, 0, len(rows))
	for _, r := range rows {
		changes = append(changes, r.Change())
		cursor = max(cursor, r.Seq)
	}
	return changes, cursor, more, nil
}

// FindRecordByNumber returns the live record owning recordNumber, or nil.
func (s *SyncService) FindRecordByNumber(ctx context.Context, recordNumber string) (*models.Envelope, error) {
	e, err := s.repomanager.Entities(s.db).FindRecordByNumber(ctx, recordNumber)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e.Envelope, nil
}

func checkWrite(w Write) error {
	env := w.Entity
	if !env.Type.Valid() {
		return &common.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown entity type %q", env.Type)}
	}
	if env.ID == "" {
		return &common.ValidationError{Field: "id", Reason: "is required"}
	}
	if w.ExpectedVersion < 0 {
		return &common.ValidationError{Field: "expectedVersion", Reason: "must not be negative"}
	}
	if w.Retire && (env.Type != models.EntityRecord || !env.Deleted) {
		return &common.ValidationError{Field: "retire", Reason: "only a record tombstone can be retired"}
	}
	if env.Deleted {
		return nil
	}
	e, err := models.DecodeEntity(env)
	if err != nil {
		return &common.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if e.EntityID() != env.ID {
		return &common.ValidationError{Field: "id", Reason: "does not match payload"}
	}
	return validation.Validate(e)
}

// checkRetired runs after every write of the batch is staged, so dependents
// relinked by the same batch no longer count.
func checkRetired(ctx context.Context, repo entities.Repository, writes []Write) error {
	for _, w := range writes {
		if !w.Retire {
			continue
		}
		deps, err := repo.LiveDependents(ctx, w.Entity.ID)
		if err != nil {
			return err
		}
		if len(deps) > 0 {
			return fmt.Errorf("%s: %d live dependents, first %s: %w", w.Entity.Key(), len(deps), deps[0], common.ErrRecordInUse)
		}
	}
	return nil
}

func archivable(t models.EntityType) bool {
	return t == models.EntityNote || t == models.EntityScheduleDrawing
}

func conflictFrom(cur *sm.StoredEntity) error {
	snap := cur.Envelope
	return &common.ConflictError{
		EntityType:    cur.Type,
		EntityID:      cur.ID,
		ServerVersion: cur.Version,
		Snapshot:      &snap,
	}
}

// conflictOr turns a version conflict reported by the repository into a
// ConflictError carrying the current row.
func conflictOr(ctx context.Context, repo entities.Repository, env models.Envelope, err error) error {
	if !errors.Is(err, common.ErrVersionConflict) {
		return fmt.Errorf("%s: %w", env.Key(), err)
	}
	cur, gerr := repo.Get(ctx, env.Type, env.ID)
	if gerr != nil {
		return fmt.Errorf("%s: %w", env.Key(), err)
	}
	return conflictFrom(cur)
}
