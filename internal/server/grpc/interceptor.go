package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/logging"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
	"github.com/dmitrijs2005/apptsync/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const deviceIDKey ctxKey = "deviceID"

// publicMethods do not require a session.
var publicMethods = map[string]bool{
	rpc.MethodOpenSession: true,
	rpc.MethodPing:        true,
}

func DeviceIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(deviceIDKey).(string)
	return v, ok && v != ""
}

func (s *GRPCServer) sessionInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if publicMethods[info.FullMethod] {
		return handler(ctx, req)
	}

	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 {
			token = values[0]
		}
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	deviceID, err := auth.GetDeviceIDFromToken(token, s.jwtSecret)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
		}
		return nil, status.Error(codes.Unauthenticated, common.ErrInvalidToken.Error())
	}

	ctx = logging.ContextWith(context.WithValue(ctx, deviceIDKey, deviceID), "device", deviceID)
	return handler(ctx, req)
}

func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug(ctx, "rpc failed", "method", info.FullMethod, "code", status.Code(err).String(), "took", time.Since(start))
	} else {
		s.logger.Debug(ctx, "rpc", "method", info.FullMethod, "took", time.Since(start))
	}
	return resp, err
}
