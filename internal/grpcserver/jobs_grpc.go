package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages on deshaker.v1.Jobs are google.protobuf.Struct values so the
// service needs no generated code:
//
//	service Jobs {
//	  rpc Submit(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Get(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
const (
	ServiceName      = "deshaker.v1.Jobs"
	submitFullMethod = "/" + ServiceName + "/Submit"
	getFullMethod    = "/" + ServiceName + "/Get"
)

// JobsServer is the server API for the Jobs service.
type JobsServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterJobsServer registers srv on s.
func RegisterJobsServer(s grpc.ServiceRegistrar, srv JobsServer) {
	s.RegisterService(&JobsServiceDesc, srv)
}

// JobsServiceDesc describes the Jobs service for grpc.Server.RegisterService.
var JobsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: jobsSubmitHandler},
		{MethodName: "Get", Handler: jobsGetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "deshaker/v1/jobs.proto",
}

func jobsSubmitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobsServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobsServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func jobsGetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobsServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobsServer).Get(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// JobsClient calls the Jobs service.
type JobsClient struct {
	cc grpc.ClientConnInterface
}

// NewJobsClient wraps cc.
func NewJobsClient(cc grpc.ClientConnInterface) *JobsClient {
	return &JobsClient{cc: cc}
}

func (c *JobsClient) Submit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobsClient) Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
