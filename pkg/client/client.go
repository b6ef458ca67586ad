// Package client connects to the calculator actor hosted by a service's
// nodes. It derives the service's deployment identity the same way the
// nodes do, discovers active gateways from the membership table and
// balances calls across them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"slices"
	"sync"
	"time"

	"fabrichost"
	"fabrichost/api"
	"fabrichost/config"
	"fabrichost/infra/membership"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/resolver/manual"
)

const (
	resolverScheme = "fabrichost"
	serviceConfig  = `{"loadBalancingConfig":[{"round_robin":{}}]}`
)

// ErrNoGateways is returned when no active node accepts clients.
var ErrNoGateways = errors.New("no active gateways")

// GatewaySource lists the proxy endpoints of a deployment's active nodes.
type GatewaySource interface {
	Gateways(ctx context.Context, deploymentID string) ([]netip.AddrPort, error)
}

// Option configures Initialize.
type Option func(*options)

type options struct {
	partition  fabrichost.Partition
	cfg        *config.Client
	source     GatewaySource
	newBackOff func() backoff.BackOff
}

// WithPartition addresses one partition of a partitioned service.
func WithPartition(p fabrichost.Partition) Option {
	return func(o *options) { o.partition = p }
}

// WithConfig uses cfg instead of reading the client configuration file
// next to the executable.
func WithConfig(cfg *config.Client) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithGatewaySource replaces the membership store as the gateway source.
func WithGatewaySource(src GatewaySource) Option {
	return func(o *options) { o.source = src }
}

// WithBackOff sets the retry policy for the initial gateway lookup.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(o *options) { o.newBackOff = newBackOff }
}

// Client is a connection to one service deployment.
type Client struct {
	deploymentID string
	cfg          *config.Client
	source       GatewaySource
	resolver     *manual.Resolver
	conn         *grpc.ClientConn
	closeSource  func() error

	mu       sync.Mutex
	gateways []netip.AddrPort

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Initialize connects to the service named by serviceName, a locator such as
// fabric:/App/Silo. It fails when no gateway is active within the retry
// policy.
func Initialize(ctx context.Context, serviceName string, opts ...Option) (*Client, error) {
	o := options{
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxElapsedTime(30*time.Second),
			)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	locator, err := url.Parse(serviceName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fabrichost.ErrInvalidLocator, err)
	}
	deploymentID, err := fabrichost.DeriveDeploymentIdentity(locator, o.partition)
	if err != nil {
		return nil, err
	}

	cfg := o.cfg
	if cfg == nil {
		if cfg, err = config.LoadDefaultClient(); err != nil {
			return nil, err
		}
	}
	cfg.DeploymentID = deploymentID

	c := &Client{deploymentID: deploymentID, cfg: cfg, source: o.source}
	if c.source == nil {
		store, err := membership.Open(ctx, cfg.SystemStore.DataConnectionString)
		if err != nil {
			return nil, fmt.Errorf("open membership store: %w", err)
		}
		c.source, c.closeSource = store, store.Close
	}

	gateways, err := c.initialGateways(ctx, o.newBackOff())
	if err != nil {
		c.closeStore()
		return nil, err
	}

	c.resolver = manual.NewBuilderWithScheme(resolverScheme)
	c.resolver.InitialState(resolverState(gateways))
	c.conn, err = grpc.NewClient(resolverScheme+":///"+deploymentID,
		grpc.WithResolvers(c.resolver),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultServiceConfig(serviceConfig),
	)
	if err != nil {
		c.closeStore()
		return nil, fmt.Errorf("create gateway connection: %w", err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Go(func() { c.refresh(refreshCtx) })

	slog.Debug("Client initialized.", "deployment", deploymentID, "gateways", len(gateways))
	return c, nil
}

// DeploymentID returns the deployment identity the client connects to.
func (c *Client) DeploymentID() string { return c.deploymentID }

// Gateways returns the gateways currently in use.
func (c *Client) Gateways() []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.gateways)
}

// Calculator returns a client for one calculator actor. An empty actor
// addresses api.DefaultActor.
func (c *Client) Calculator(actor string) *api.CalculatorClient {
	return api.NewCalculatorClient(c.conn, actor)
}

// Close stops gateway refresh and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	err := c.conn.Close()
	c.closeStore()
	return err
}

func (c *Client) closeStore() {
	if c.closeSource != nil {
		_ = c.closeSource()
	}
}

func (c *Client) initialGateways(ctx context.Context, b backoff.BackOff) ([]netip.AddrPort, error) {
	var gateways []netip.AddrPort
	err := backoff.Retry(func() error {
		var err error
		gateways, err = c.source.Gateways(ctx, c.deploymentID)
		if err != nil {
			return err
		}
		if len(gateways) == 0 {
			return fmt.Errorf("%w for %s", ErrNoGateways, c.deploymentID)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	c.setGateways(gateways)
	return gateways, nil
}

// refresh re-reads the gateway list on the configured interval. An empty or
// failed read keeps the previous list.
func (c *Client) refresh(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		gateways, err := c.source.Gateways(ctx, c.deploymentID)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Failed to refresh gateways.", "deployment", c.deploymentID, "err", err)
			}
			continue
		}
		if len(gateways) == 0 || slices.Equal(gateways, c.Gateways()) {
			continue
		}
		c.setGateways(gateways)
		c.resolver.UpdateState(resolverState(gateways))
		slog.Debug("Gateways refreshed.", "deployment", c.deploymentID, "gateways", len(gateways))
	}
}

func (c *Client) setGateways(gateways []netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateways = gateways
}

func resolverState(gateways []netip.AddrPort) resolver.State {
	addrs := make([]resolver.Address, len(gateways))
	for i, g := range gateways {
		addrs[i] = resolver.Address{Addr: g.String()}
	}
	return resolver.State{Addresses: addrs}
}
