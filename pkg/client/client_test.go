package client

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fabrichost"
	"fabrichost/api"
	"fabrichost/config"
	"fabrichost/infra/membership"

	"github.com/cenkalti/backoff/v4"
)

type fakeSource struct {
	mu       sync.Mutex
	gateways []netip.AddrPort
	err      error
	calls    []string
}

func (f *fakeSource) Gateways(_ context.Context, deploymentID string) ([]netip.AddrPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deploymentID)
	return f.gateways, f.err
}

func startGateway(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := api.NewServer(api.NewCalculator())
	done := make(chan error, 1)
	go func() { done <- api.Serve(ctx, srv, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().(*net.TCPAddr).AddrPort()
}

func noRetries() func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	}
}

func TestInitialize_CallsThroughGateway(t *testing.T) {
	t.Parallel()

	src := &fakeSource{gateways: []netip.AddrPort{startGateway(t)}}
	c, err := Initialize(context.Background(), "fabric:/App/Silo",
		WithConfig(&config.Client{}),
		WithGatewaySource(src),
		WithBackOff(noRetries()),
	)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer c.Close()

	if c.DeploymentID() != "App_Silo" {
		t.Errorf("DeploymentID() = %q, want App_Silo", c.DeploymentID())
	}
	if src.calls[0] != "App_Silo" {
		t.Errorf("gateway lookup for %q, want App_Silo", src.calls[0])
	}

	calc := c.Calculator("")
	ctx := context.Background()
	if _, err := calc.Set(ctx, 6); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := calc.Multiply(ctx, 7)
	if err != nil {
		t.Fatalf("Multiply() error = %v", err)
	}
	if got != 42 {
		t.Errorf("Multiply() = %v, want 42", got)
	}
}

func TestInitialize_PartitionedDeployment(t *testing.T) {
	t.Parallel()

	src := &fakeSource{gateways: []netip.AddrPort{startGateway(t)}}
	cfg := &config.Client{}
	c, err := Initialize(context.Background(), "fabric:/App/Silo",
		WithPartition(fabrichost.Named{Name: "shardA"}),
		WithConfig(cfg),
		WithGatewaySource(src),
		WithBackOff(noRetries()),
	)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer c.Close()

	if c.DeploymentID() != "App_Silo@shardA" || cfg.DeploymentID != "App_Silo@shardA" {
		t.Errorf("deployment = %q, config = %q; want App_Silo@shardA", c.DeploymentID(), cfg.DeploymentID)
	}
}

func TestInitialize_NoGateways(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	_, err := Initialize(context.Background(), "fabric:/App/Silo",
		WithConfig(&config.Client{}),
		WithGatewaySource(src),
		WithBackOff(func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }),
	)
	if !errors.Is(err, ErrNoGateways) {
		t.Fatalf("Initialize() error = %v, want ErrNoGateways", err)
	}
	if len(src.calls) != 3 {
		t.Errorf("gateway lookups = %d, want 3", len(src.calls))
	}
}

func TestInitialize_InvalidLocator(t *testing.T) {
	t.Parallel()

	_, err := Initialize(context.Background(), "fabric:",
		WithConfig(&config.Client{}),
		WithGatewaySource(&fakeSource{}),
	)
	if !errors.Is(err, fabrichost.ErrInvalidLocator) {
		t.Errorf("Initialize() error = %v, want ErrInvalidLocator", err)
	}
}

func TestInitialize_RequiresConnectionString(t *testing.T) {
	t.Parallel()

	_, err := Initialize(context.Background(), "fabric:/App/Silo", WithConfig(&config.Client{}))
	if !errors.Is(err, config.ErrNoConnectionString) {
		t.Errorf("Initialize() error = %v, want ErrNoConnectionString", err)
	}
}

func TestInitialize_GatewaysFromMembership(t *testing.T) {
	t.Parallel()

	conn := "sqlite://" + filepath.Join(t.TempDir(), "members.db")
	store, err := membership.Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("membership.Open() error = %v", err)
	}
	defer store.Close()

	gw := startGateway(t)
	rec := fabrichost.MemberRecord{
		DeploymentID: "App_Silo",
		Name:         "App_Silo_1",
		Endpoints:    fabrichost.EndpointPair{Listen: netip.MustParseAddrPort("127.0.0.1:1"), Proxy: gw},
		Generation:   1,
		Status:       fabrichost.MemberActive,
		UpdatedAt:    time.Now(),
	}
	if err := store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	cfg := &config.Client{SystemStore: config.SystemStore{DataConnectionString: conn}}
	c, err := Initialize(context.Background(), "fabric:/App/Silo", WithConfig(cfg), WithBackOff(noRetries()))
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer c.Close()

	if got := c.Gateways(); len(got) != 1 || got[0] != gw {
		t.Errorf("Gateways() = %v, want [%s]", got, gw)
	}
	if _, err := c.Calculator("").Get(context.Background()); err != nil {
		t.Errorf("Get() error = %v", err)
	}
}
