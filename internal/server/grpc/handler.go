package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
	"github.com/dmitrijs2005/apptsync/internal/server/auth"
	"github.com/dmitrijs2005/apptsync/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps service errors onto gRPC status codes.
func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	if ce, ok := common.AsConflict(err); ok {
		return rpc.ConflictStatus(ce)
	}
	switch {
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, common.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrRecordNumberTaken):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, common.ErrVersionConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, common.ErrRecordInUse):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		s.logger.Error(ctx, "internal error", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func (s *GRPCServer) OpenSession(ctx context.Context, req *rpc.OpenSessionRequest) (*rpc.OpenSessionResponse, error) {
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device id is required")
	}
	token, exp, err := auth.GenerateToken(req.DeviceID, s.jwtSecret, s.sessionTTL)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	s.logger.Info(ctx, "session opened", "device", req.DeviceID)
	return &rpc.OpenSessionResponse{Token: token, ExpiresAt: exp}, nil
}

func (s *GRPCServer) Ping(ctx context.Context, req *rpc.PingRequest) (*rpc.PingResponse, error) {
	return &rpc.PingResponse{Status: "OK"}, nil
}

func (s *GRPCServer) FetchEntity(ctx context.Context, req *rpc.FetchEntityRequest) (*rpc.EntityResponse, error) {
	env, err := s.sync.Fetch(ctx, req.Type, req.ID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.EntityResponse{Entity: env}, nil
}

func (s *GRPCServer) CreateEntity(ctx context.Context, req *rpc.CreateEntityRequest) (*rpc.EntityResponse, error) {
	deviceID, _ := DeviceIDFromContext(ctx)
	env, err := s.sync.Create(ctx, deviceID, req.Entity)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.EntityResponse{Entity: env}, nil
}

func (s *GRPCServer) UpdateEntity(ctx context.Context, req *rpc.UpdateEntityRequest) (*rpc.EntityResponse, error) {
	deviceID, _ := DeviceIDFromContext(ctx)
	env, err := s.sync.Update(ctx, deviceID, req.Entity, req.ExpectedVersion)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.EntityResponse{Entity: env}, nil
}

func (s *GRPCServer) ApplyBatch(ctx context.Context, req *rpc.ApplyBatchRequest) (*rpc.ApplyBatchResponse, error) {
	deviceID, _ := DeviceIDFromContext(ctx)
	writes := make([]services.Write, len(req.Writes))
	for i, w := range req.Writes {
		writes[i] = services.Write{Entity: w.Entity, ExpectedVersion: w.ExpectedVersion, Retire: w.Retire}
	}
	out, err := s.sync.ApplyBatch(ctx, deviceID, writes)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.ApplyBatchResponse{Entities: out}, nil
}

func (s *GRPCServer) FetchDelta(ctx context.Context, req *rpc.FetchDeltaRequest) (*rpc.FetchDeltaResponse, error) {
	changes, cursor, more, err := s.sync.Delta(ctx, req.Since, req.Limit, req.IncludeArchived)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.FetchDeltaResponse{Changes: changes, Cursor: cursor, More: more}, nil
}

func (s *GRPCServer) FindRecord(ctx context.Context, req *rpc.FindRecordRequest) (*rpc.FindRecordResponse, error) {
	env, err := s.sync.FindRecordByNumber(ctx, req.RecordNumber)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.FindRecordResponse{Entity: env}, nil
}
