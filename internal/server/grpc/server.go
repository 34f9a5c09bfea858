// Package grpc exposes the sync service over gRPC.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
	"github.com/dmitrijs2005/apptsync/internal/server/services"
	"google.golang.org/grpc"
)

// SyncService is the subset of services.SyncService the transport needs.
type SyncService interface {
	Fetch(ctx context.Context, t models.EntityType, id string) (models.Envelope, error)
	Create(ctx context.Context, deviceID string, env models.Envelope) (models.Envelope, error)
	Update(ctx context.Context, deviceID string, env models.Envelope, expected int64) (models.Envelope, error)
	ApplyBatch(ctx context.Context, deviceID string, writes []services.Write) ([]models.Envelope, error)
	Delta(ctx context.Context, since int64, limit int, includeArchived bool) ([]models.Change, int64, bool, error)
	FindRecordByNumber(ctx context.Context, recordNumber string) (*models.Envelope, error)
}

type GRPCServer struct {
	address    string
	sync       SyncService
	logger     logging.Logger
	jwtSecret  []byte
	sessionTTL time.Duration
}

var _ rpc.SyncServer = (*GRPCServer)(nil)

func NewGRPCServer(a string, l logging.Logger, ss SyncService, secretKey string, sessionTTL time.Duration) *GRPCServer {
	return &GRPCServer{
		address:    a,
		logger:     l.With("module", "grpc_server"),
		sync:       ss,
		jwtSecret:  []byte(secretKey),
		sessionTTL: sessionTTL,
	}
}

// NewServer builds a grpc.Server with the session interceptor and the sync
// service registered.
func (s *GRPCServer) NewServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.sessionInterceptor))
	rpc.RegisterSyncServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.NewServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	return nil
}
