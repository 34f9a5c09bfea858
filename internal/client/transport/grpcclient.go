package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/dmitrijs2005/apptsync/internal/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type GRPCClient struct {
	endpointURL string
	deviceID    string
	timeout     time.Duration
	conn        *grpc.ClientConn
	client      rpc.SyncClient

	mu    sync.Mutex
	token string
}

var _ Transport = (*GRPCClient)(nil)

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Token returns the device session token, opening a session if there is none.
func (s *GRPCClient) Token(ctx context.Context) (string, error) {
	if t := s.currentToken(); t != "" {
		return t, nil
	}
	if err := s.openSession(ctx); err != nil {
		return "", err
	}
	return s.currentToken(), nil
}

func (s *GRPCClient) openSession(ctx context.Context) error {
	resp, err := s.client.OpenSession(ctx, &rpc.OpenSessionRequest{DeviceID: s.deviceID})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = resp.Token
	s.mu.Unlock()
	return nil
}

func sessionExpired(err error) bool {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated {
		return false
	}
	return st.Message() == common.ErrTokenExpired.Error() || st.Message() == common.ErrInvalidToken.Error()
}

// sessionInterceptor attaches the session token and re-opens the session once
// when the server reports it expired.
func (s *GRPCClient) sessionInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if method == rpc.MethodOpenSession || method == rpc.MethodPing {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	if s.currentToken() == "" {
		if err := s.openSession(ctx); err != nil {
			return err
		}
	}

	err := invoker(withAccessToken(ctx, s.currentToken()), method, req, reply, cc, opts...)
	if err == nil || !sessionExpired(err) {
		return err
	}

	if err := s.openSession(ctx); err != nil {
		return err
	}

	// Session re-opened, retrying with the new token.
	return invoker(withAccessToken(ctx, s.currentToken()), method, req, reply, cc, opts...)
}

// NewGRPCClient creates a lazily connecting client. No network traffic happens
// until the first call. Extra dial options are appended to the defaults.
func NewGRPCClient(endpointURL, deviceID string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL, deviceID: deviceID, timeout: timeout}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.sessionInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(c.endpointURL, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.client = rpc.NewSyncClient(conn)
	return c, nil
}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

func (s *GRPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *GRPCClient) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.Ping(ctx, &rpc.PingRequest{})
	if err != nil {
		return mapError("ping", err)
	}
	if resp.Status != "OK" {
		return &common.NetworkError{Op: "ping", Err: fmt.Errorf("unexpected status %q", resp.Status)}
	}
	return nil
}

func (s *GRPCClient) FetchEntity(ctx context.Context, t models.EntityType, id string) (models.Envelope, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.FetchEntity(ctx, &rpc.FetchEntityRequest{Type: t, ID: id})
	if err != nil {
		return models.Envelope{}, mapError("fetch entity", err)
	}
	return resp.Entity, nil
}

func (s *GRPCClient) CreateEntity(ctx context.Context, env models.Envelope) (models.Envelope, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.CreateEntity(ctx, &rpc.CreateEntityRequest{Entity: env})
	if err != nil {
		return models.Envelope{}, mapError("create entity", err)
	}
	return resp.Entity, nil
}

func (s *GRPCClient) UpdateEntity(ctx context.Context, env models.Envelope, expectedVersion int64) (models.Envelope, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.UpdateEntity(ctx, &rpc.UpdateEntityRequest{Entity: env, ExpectedVersion: expectedVersion})
	if err != nil {
		return models.Envelope{}, mapError("update entity", err)
	}
	return resp.Entity, nil
}

func (s *GRPCClient) ApplyBatch(ctx context.Context, writes []rpc.Write) ([]models.Envelope, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.ApplyBatch(ctx, &rpc.ApplyBatchRequest{Writes: writes})
	if err != nil {
		return nil, mapError("apply batch", err)
	}
	return resp.Entities, nil
}

func (s *GRPCClient) FetchDelta(ctx context.Context, since int64, limit int) (*rpc.FetchDeltaResponse, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.FetchDelta(ctx, &rpc.FetchDeltaRequest{Since: since, Limit: limit})
	if err != nil {
		return nil, mapError("fetch delta", err)
	}
	return resp, nil
}

func (s *GRPCClient) FindRecord(ctx context.Context, recordNumber string) (*models.Envelope, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resp, err := s.client.FindRecord(ctx, &rpc.FindRecordRequest{RecordNumber: recordNumber})
	if err != nil {
		return nil, mapError("find record", err)
	}
	return resp.Entity, nil
}

// mapError translates a gRPC failure into the common error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := rpc.ConflictFromStatus(err); ok {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &common.NetworkError{Op: op, Err: err}
	}

	st, ok := status.FromError(err)
	if !ok {
		return &common.NetworkError{Op: op, Err: err}
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, common.ErrorNotFound)
	case codes.InvalidArgument:
		return &common.ValidationError{Reason: st.Message()}
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", op, common.ErrRecordNumberTaken)
	case codes.Aborted:
		return fmt.Errorf("%s: %w", op, common.ErrVersionConflict)
	case codes.FailedPrecondition:
		return fmt.Errorf("%s: %s: %w", op, st.Message(), common.ErrRecordInUse)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%s: %w", op, common.ErrorUnauthorized)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return &common.NetworkError{Op: op, Err: err}
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
