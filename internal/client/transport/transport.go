// Package transport is the client side of the sync service: typed calls with
// a bounded timeout, automatic device sessions and error mapping into the
// common error taxonomy.
package transport

import (
	"context"

	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
)

// Transport is what the orchestrator and the conflict engine need from the
// server. Failures are *common.ConflictError, *common.NetworkError,
// common.ErrorNotFound or *common.ValidationError.
type Transport interface {
	FetchEntity(ctx context.Context, t models.EntityType, id string) (models.Envelope, error)
	CreateEntity(ctx context.Context, env models.Envelope) (models.Envelope, error)
	UpdateEntity(ctx context.Context, env models.Envelope, expectedVersion int64) (models.Envelope, error)
	ApplyBatch(ctx context.Context, writes []rpc.Write) ([]models.Envelope, error)
	FetchDelta(ctx context.Context, since int64, limit int) (*rpc.FetchDeltaResponse, error)
	FindRecord(ctx context.Context, recordNumber string) (*models.Envelope, error)
	Ping(ctx context.Context) error
}
