package admin

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	mirrorsync "github.com/fluxmq/mirrorsync"
)

// CancelSyncMirrorsRequest carries the operator-supplied reason a
// synchronous cancel requires.
type CancelSyncMirrorsRequest struct {
	Reason string
}

type CancelSyncMirrorsResponse struct{}

// SetMaximumSinceUseRequest carries the new file-handle cache age, in
// milliseconds (protobuf's well-known Duration isn't available without
// protoc, and JSON has no native duration type).
type SetMaximumSinceUseRequest struct {
	AgeMillis int64
}

type SetMaximumSinceUseResponse struct{}

// Server is the interface ServiceDesc dispatches to; Service
// below is its only real implementation.
type Server interface {
	CancelSyncMirrors(context.Context, *CancelSyncMirrorsRequest) (*CancelSyncMirrorsResponse, error)
	SetMaximumSinceUse(context.Context, *SetMaximumSinceUseRequest) (*SetMaximumSinceUseResponse, error)
}

// Service implements Server directly against a Master, translating
// cancel_sync_mirrors and set_maximum_since_use's synchronous,
// blocking semantics into gRPC status codes.
type Service struct {
	Master *mirrorsync.Master
}

var _ Server = (*Service)(nil)

// CancelSyncMirrors blocks until the round in flight, if any, has been
// stopped -- Master.Cancel is itself synchronous, so this handler adds
// nothing but the boundary translation.
func (s *Service) CancelSyncMirrors(ctx context.Context, req *CancelSyncMirrorsRequest) (*CancelSyncMirrorsResponse, error) {
	if req.Reason == "" {
		return nil, status.Error(codes.InvalidArgument, "reason is required")
	}
	s.Master.Cancel(req.Reason)
	return &CancelSyncMirrorsResponse{}, nil
}

func (s *Service) SetMaximumSinceUse(ctx context.Context, req *SetMaximumSinceUseRequest) (*SetMaximumSinceUseResponse, error) {
	if req.AgeMillis < 0 {
		return nil, status.Error(codes.InvalidArgument, "age must be non-negative")
	}
	s.Master.SetMaximumSinceUse(time.Duration(req.AgeMillis) * time.Millisecond)
	return &SetMaximumSinceUseResponse{}, nil
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from an admin.proto describing Server. Kept by hand since
// no protoc toolchain is assumed to be available in this module's
// build.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "mirrorsync.Admin",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CancelSyncMirrors", Handler: cancelSyncMirrorsHandler},
		{MethodName: "SetMaximumSinceUse", Handler: setMaximumSinceUseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirrorsync/admin/service.go",
}

func cancelSyncMirrorsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in = new(CancelSyncMirrorsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).CancelSyncMirrors(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mirrorsync.Admin/CancelSyncMirrors"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).CancelSyncMirrors(ctx, req.(*CancelSyncMirrorsRequest))
	})
}

func setMaximumSinceUseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var in = new(SetMaximumSinceUseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).SetMaximumSinceUse(ctx, in)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mirrorsync.Admin/SetMaximumSinceUse"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).SetMaximumSinceUse(ctx, req.(*SetMaximumSinceUseRequest))
	})
}
