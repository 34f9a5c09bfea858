package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "apptsync.v1.SyncService"

const (
	MethodOpenSession  = "/" + ServiceName + "/OpenSession"
	MethodPing         = "/" + ServiceName + "/Ping"
	MethodFetchEntity  = "/" + ServiceName + "/FetchEntity"
	MethodCreateEntity = "/" + ServiceName + "/CreateEntity"
	MethodUpdateEntity = "/" + ServiceName + "/UpdateEntity"
	MethodApplyBatch   = "/" + ServiceName + "/ApplyBatch"
	MethodFetchDelta   = "/" + ServiceName + "/FetchDelta"
	MethodFindRecord   = "/" + ServiceName + "/FindRecord"
)

// SyncServer is implemented by the server side of the sync service.
type SyncServer interface {
	OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	FetchEntity(context.Context, *FetchEntityRequest) (*EntityResponse, error)
	CreateEntity(context.Context, *CreateEntityRequest) (*EntityResponse, error)
	UpdateEntity(context.Context, *UpdateEntityRequest) (*EntityResponse, error)
	ApplyBatch(context.Context, *ApplyBatchRequest) (*ApplyBatchResponse, error)
	FetchDelta(context.Context, *FetchDeltaRequest) (*FetchDeltaResponse, error)
	FindRecord(context.Context, *FindRecordRequest) (*FindRecordResponse, error)
}

func unary[Req, Resp any](method string, call func(SyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SyncServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SyncServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the sync service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenSession", Handler: unary(MethodOpenSession, SyncServer.OpenSession)},
		{MethodName: "Ping", Handler: unary(MethodPing, SyncServer.Ping)},
		{MethodName: "FetchEntity", Handler: unary(MethodFetchEntity, SyncServer.FetchEntity)},
		{MethodName: "CreateEntity", Handler: unary(MethodCreateEntity, SyncServer.CreateEntity)},
		{MethodName: "UpdateEntity", Handler: unary(MethodUpdateEntity, SyncServer.UpdateEntity)},
		{MethodName: "ApplyBatch", Handler: unary(MethodApplyBatch, SyncServer.ApplyBatch)},
		{MethodName: "FetchDelta", Handler: unary(MethodFetchDelta, SyncServer.FetchDelta)},
		{MethodName: "FindRecord", Handler: unary(MethodFindRecord, SyncServer.FindRecord)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "apptsync/v1/sync.json",
}

func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// SyncClient is the client side of the sync service.
type SyncClient interface {
	OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error)
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
	FetchEntity(ctx context.Context, in *FetchEntityRequest, opts ...grpc.CallOption) (*EntityResponse, error)
	CreateEntity(ctx context.Context, in *CreateEntityRequest, opts ...grpc.CallOption) (*EntityResponse, error)
	UpdateEntity(ctx context.Context, in *UpdateEntityRequest, opts ...grpc.CallOption) (*EntityResponse, error)
	ApplyBatch(ctx context.Context, in *ApplyBatchRequest, opts ...grpc.CallOption) (*ApplyBatchResponse, error)
	FetchDelta(ctx context.Context, in *FetchDeltaRequest, opts ...grpc.CallOption) (*FetchDeltaResponse, error)
	FindRecord(ctx context.Context, in *FindRecordRequest, opts ...grpc.CallOption) (*FindRecordResponse, error)
}

type syncClient struct {
	cc grpc.ClientConnInterface
}

// NewSyncClient returns a client that encodes every call with the JSON codec.
func NewSyncClient(cc grpc.ClientConnInterface) SyncClient {
	return &syncClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncClient) OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error) {
	return invoke[OpenSessionResponse](ctx, c.cc, MethodOpenSession, in, opts)
}

func (c *syncClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	return invoke[PingResponse](ctx, c.cc, MethodPing, in, opts)
}

func (c *syncClient) FetchEntity(ctx context.Context, in *FetchEntityRequest, opts ...grpc.CallOption) (*EntityResponse, error) {
	return invoke[EntityResponse](ctx, c.cc, MethodFetchEntity, in, opts)
}

func (c *syncClient) CreateEntity(ctx context.Context, in *CreateEntityRequest, opts ...grpc.CallOption) (*EntityResponse, error) {
	return invoke[EntityResponse](ctx, c.cc, MethodCreateEntity, in, opts)
}

func (c *syncClient) UpdateEntity(ctx context.Context, in *UpdateEntityRequest, opts ...grpc.CallOption) (*EntityResponse, error) {
	return invoke[EntityResponse](ctx, c.cc, MethodUpdateEntity, in, opts)
}

func (c *syncClient) ApplyBatch(ctx context.Context, in *ApplyBatchRequest, opts ...grpc.CallOption) (*ApplyBatchResponse, error) {
	return invoke[ApplyBatchResponse](ctx, c.cc, MethodApplyBatch, in, opts)
}

func (c *syncClient) FetchDelta(ctx context.Context, in *FetchDeltaRequest, opts ...grpc.CallOption) (*FetchDeltaResponse, error) {
	return invoke[FetchDeltaResponse](ctx, c.cc, MethodFetchDelta, in, opts)
}

func (c *syncClient) FindRecord(ctx context.Context, in *FindRecordRequest, opts ...grpc.CallOption) (*FindRecordResponse, error) {
	return invoke[FindRecordResponse](ctx, c.cc, MethodFindRecord, in, opts)
}
