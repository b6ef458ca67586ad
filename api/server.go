package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Calculator is the in-memory calculator actor. Each actor key holds one
// running value, starting at zero.
type Calculator struct {
	mu     sync.Mutex
	values map[string]float64
}

var _ CalculatorServer = (*Calculator)(nil)

func NewCalculator() *Calculator {
	return &Calculator{values: make(map[string]float64)}
}

func (c *Calculator) Get(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.DoubleValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wrapperspb.Double(c.values[ActorFromContext(ctx)]), nil
}

func (c *Calculator) Set(ctx context.Context, in *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error) {
	return c.apply(ctx, func(float64) (float64, error) { return in.GetValue(), nil })
}

func (c *Calculator) Add(ctx context.Context, in *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error) {
	return c.apply(ctx, func(v float64) (float64, error) { return v + in.GetValue(), nil })
}

func (c *Calculator) Subtract(ctx context.Context, in *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error) {
	return c.apply(ctx, func(v float64) (float64, error) { return v - in.GetValue(), nil })
}

func (c *Calculator) Multiply(ctx context.Context, in *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error) {
	return c.apply(ctx, func(v float64) (float64, error) { return v * in.GetValue(), nil })
}

func (c *Calculator) Divide(ctx context.Context, in *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error) {
	return c.apply(ctx, func(v float64) (float64, error) {
		if in.GetValue() == 0 {
			return 0, status.Error(codes.InvalidArgument, "division by zero")
		}
		return v / in.GetValue(), nil
	})
}

func (c *Calculator) apply(ctx context.Context, op func(float64) (float64, error)) (*wrapperspb.DoubleValue, error) {
	actor := ActorFromContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := op(c.values[actor])
	if err != nil {
		return nil, err
	}
	c.values[actor] = v
	return wrapperspb.Double(v), nil
}

// NewServer returns a traced gRPC server serving calc.
func NewServer(calc CalculatorServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterCalculatorServer(srv, calc)
	return srv
}

// Serve serves srv on ln and blocks until ctx is cancelled or serving fails.
// Cancellation stops the server gracefully and returns nil.
func Serve(ctx context.Context, srv *grpc.Server, ln net.Listener) error {
	stop := context.AfterFunc(ctx, srv.GracefulStop)
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	}
	return nil
}
