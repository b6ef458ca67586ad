// Package api defines the calculator actor's gRPC service: the demo actor
// every node serves on its listen and proxy endpoints.
//
// The service uses the well-known protobuf wrapper messages, so it needs no
// generated code. The actor a call addresses is named by the x-actor-id
// request header; calls without one address the nil-UUID actor.
package api

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName    = "fabrichost.Calculator"
	ActorKeyHeader = "x-actor-id"
)

// DefaultActor is the actor addressed when a call names none.
var DefaultActor = uuid.Nil.String()

// CalculatorServer is the server API for the calculator service.
type CalculatorServer interface {
	Get(context.Context, *emptypb.Empty) (*wrapperspb.DoubleValue, error)
	Set(context.Context, *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error)
	Add(context.Context, *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error)
	Subtract(context.Context, *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error)
	Multiply(context.Context, *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error)
	Divide(context.Context, *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error)
}

type operandCall func(CalculatorServer, context.Context, *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error)

// CalculatorServiceDesc describes the calculator service for grpc.Server.
var CalculatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CalculatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Set", Handler: operandHandler("Set", CalculatorServer.Set)},
		{MethodName: "Add", Handler: operandHandler("Add", CalculatorServer.Add)},
		{MethodName: "Subtract", Handler: operandHandler("Subtract", CalculatorServer.Subtract)},
		{MethodName: "Multiply", Handler: operandHandler("Multiply", CalculatorServer.Multiply)},
		{MethodName: "Divide", Handler: operandHandler("Divide", CalculatorServer.Divide)},
	},
	Metadata: "fabrichost/calculator",
}

// RegisterCalculatorServer registers srv on s.
func RegisterCalculatorServer(s grpc.ServiceRegistrar, srv CalculatorServer) {
	s.RegisterService(&CalculatorServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CalculatorServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("Get")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CalculatorServer).Get(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func operandHandler(method string, call operandCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.DoubleValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CalculatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CalculatorServer), ctx, req.(*wrapperspb.DoubleValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// CalculatorClient calls one calculator actor.
type CalculatorClient struct {
	cc    grpc.ClientConnInterface
	actor string
}

// NewCalculatorClient returns a client for actor over cc. An empty actor
// addresses DefaultActor.
func NewCalculatorClient(cc grpc.ClientConnInterface, actor string) *CalculatorClient {
	if actor == "" {
		actor = DefaultActor
	}
	return &CalculatorClient{cc: cc, actor: actor}
}

func (c *CalculatorClient) Get(ctx context.Context, opts ...grpc.CallOption) (float64, error) {
	out := new(wrapperspb.DoubleValue)
	if err := c.cc.Invoke(c.outgoing(ctx), fullMethod("Get"), &emptypb.Empty{}, out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *CalculatorClient) Set(ctx context.Context, v float64, opts ...grpc.CallOption) (float64, error) {
	return c.call(ctx, "Set", v, opts)
}

func (c *CalculatorClient) Add(ctx context.Context, v float64, opts ...grpc.CallOption) (float64, error) {
	return c.call(ctx, "Add", v, opts)
}

func (c *CalculatorClient) Subtract(ctx context.Context, v float64, opts ...grpc.CallOption) (float64, error) {
	return c.call(ctx, "Subtract", v, opts)
}

func (c *CalculatorClient) Multiply(ctx context.Context, v float64, opts ...grpc.CallOption) (float64, error) {
	return c.call(ctx, "Multiply", v, opts)
}

func (c *CalculatorClient) Divide(ctx context.Context, v float64, opts ...grpc.CallOption) (float64, error) {
	return c.call(ctx, "Divide", v, opts)
}

func (c *CalculatorClient) call(ctx context.Context, method string, v float64, opts []grpc.CallOption) (float64, error) {
	out := new(wrapperspb.DoubleValue)
	if err := c.cc.Invoke(c.outgoing(ctx), fullMethod(method), wrapperspb.Double(v), out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *CalculatorClient) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, ActorKeyHeader, c.actor)
}

// ActorFromContext returns the actor named by an incoming call.
func ActorFromContext(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(ActorKeyHeader); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return DefaultActor
}
