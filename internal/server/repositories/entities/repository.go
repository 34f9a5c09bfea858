package entities

import (
	"context"

	"github.com/dmitrijs2005/apptsync/internal/models"
	sm "github.com/dmitrijs2005/apptsync/internal/server/models"
)

type Repository interface {
	Get(ctx context.Context, t models.EntityType, id string) (*sm.StoredEntity, error)
	GetForUpdate(ctx context.Context, t models.EntityType, id string) (*sm.StoredEntity, error)
	Insert(ctx context.Context, e *sm.StoredEntity) error
	Update(ctx context.Context, e *sm.StoredEntity, expectedVersion int64) error
	SelectUpdated(ctx context.Context, since int64, limit int, includeArchived bool) ([]*sm.StoredEntity, error)
	FindRecordByNumber(ctx context.Context, recordNumber string) (*sm.StoredEntity, error)
	LiveDependents(ctx context.Context, recordID string) ([]models.Key, error)
	LockChangeLog(ctx context.Context) error
}
