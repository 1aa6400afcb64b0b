package grpc_control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "gateway.Control"

// ControlServer is the server API for the gateway.Control service. Messages
// are protobuf well-known types so any gRPC client can call it.
type ControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListSubscribers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	DisconnectSubscriber(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Exchange(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// -----------------------------------------------------------------------------
// Service descriptor
// -----------------------------------------------------------------------------

var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler: unary(func(srv ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return srv.GetStatus(ctx, in)
			}, "GetStatus"),
		},
		{
			MethodName: "ListSubscribers",
			Handler: unary(func(srv ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return srv.ListSubscribers(ctx, in)
			}, "ListSubscribers"),
		},
		{
			MethodName: "DisconnectSubscriber",
			Handler: unary(func(srv ControlServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return srv.DisconnectSubscriber(ctx, in)
			}, "DisconnectSubscriber"),
		},
		{
			MethodName: "Exchange",
			Handler: unary(func(srv ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return srv.Exchange(ctx, in)
			}, "Exchange"),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gateway/control.proto",
}

// unary adapts a typed method to grpc.MethodHandler, honoring interceptors.
func unary[Req any](call func(ControlServer, context.Context, *Req) (any, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// ControlClient calls gateway.Control and decodes the Struct payloads.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func (c *ControlClient) invoke(ctx context.Context, method string, in any, result any, opts ...grpc.CallOption) error {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return err
	}
	return fromStruct(out, result)
}

func (c *ControlClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, "GetStatus", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) ListSubscribers(ctx context.Context, opts ...grpc.CallOption) (*ListSubscribersResponse, error) {
	out := new(ListSubscribersResponse)
	if err := c.invoke(ctx, "ListSubscribers", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) DisconnectSubscriber(ctx context.Context, id string, opts ...grpc.CallOption) (*DisconnectSubscriberResponse, error) {
	out := new(DisconnectSubscriberResponse)
	if err := c.invoke(ctx, "DisconnectSubscriber", wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) Exchange(ctx context.Context, in *ExchangeRequest, opts ...grpc.CallOption) (*ExchangeResponse, error) {
	req, err := toStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(ExchangeResponse)
	if err := c.invoke(ctx, "Exchange", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
