// Package runtime is the node runtime a silo hosts: it serves the calculator
// actor on the node's listen and proxy endpoints and publishes the node in
// the membership table while it serves.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"fabrichost"
	"fabrichost/api"
	"fabrichost/config"
	"fabrichost/infra/membership"
	"fabrichost/internal/logging"
	"fabrichost/silo"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	readyTimeout           = 10 * time.Second
	readyProbeActor        = "readiness"
)

// Host serves one node. It implements silo.Host.
type Host struct {
	name            string
	shutdownTimeout time.Duration
	calc            api.CalculatorServer
	openStore       func(ctx context.Context, conn string) (*membership.Store, error)
	log             *slog.Logger

	mu        sync.Mutex
	opts      silo.HostOptions
	store     *membership.Store
	listeners []net.Listener
	servers   []*grpc.Server
	endpoints fabrichost.EndpointPair
	cancel    context.CancelFunc
	serving   chan struct{}

	started  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

var _ silo.Host = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithStoreOpener replaces how the membership store is opened.
func WithStoreOpener(open func(ctx context.Context, conn string) (*membership.Store, error)) Option {
	return func(h *Host) { h.openStore = open }
}

// New returns a host for the node name. cfg may be nil. The configured
// default trace level raises the floor of the node's logger.
func New(name string, cfg *config.Cluster, opts ...Option) (*Host, error) {
	if name == "" {
		return nil, errors.New("node name is required")
	}
	timeout := defaultShutdownTimeout
	if cfg != nil && cfg.Defaults.Limits.ShutdownTimeout != "" {
		d, err := time.ParseDuration(cfg.Defaults.Limits.ShutdownTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse shutdown timeout: %w", err)
		}
		timeout = d
	}
	handler := slog.Default().Handler()
	if cfg != nil && cfg.Defaults.Tracing.DefaultTraceLevel != "" {
		level, err := logging.ParseLevel(cfg.Defaults.Tracing.DefaultTraceLevel)
		if err != nil {
			return nil, fmt.Errorf("parse default trace level: %w", err)
		}
		handler = logging.WithMinLevel(handler, level)
	}
	h := &Host{
		name:            name,
		shutdownTimeout: timeout,
		calc:            api.NewCalculator(),
		openStore:       membership.Open,
		log:             slog.New(handler).With("node", name),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Factory returns a silo.HostFactory building hosts with opts.
func Factory(opts ...Option) silo.HostFactory {
	return func(name string, cfg *config.Cluster) (silo.Host, error) {
		h, err := New(name, cfg, opts...)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

func (h *Host) Name() string { return h.name }

// Endpoints returns the bound endpoints once initialized. A zero port in the
// configured endpoints is replaced by the port the listener got.
func (h *Host) Endpoints() fabrichost.EndpointPair {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints
}

func (h *Host) Configure(opts silo.HostOptions) error {
	var errs []error
	if opts.DeploymentID == "" {
		errs = append(errs, errors.New("deployment id is required"))
	}
	if opts.DataConnectionString == "" {
		errs = append(errs, config.ErrNoConnectionString)
	}
	if !opts.Endpoints.Listen.IsValid() {
		errs = append(errs, errors.New("listen endpoint is required"))
	}
	if !opts.Endpoints.Proxy.IsValid() {
		errs = append(errs, errors.New("proxy endpoint is required"))
	}
	// Membership and reminders both live in the SQL membership store.
	if p := opts.LivenessProvider; p != "" && p != config.ProviderSQLTable {
		errs = append(errs, fmt.Errorf("liveness %w %q", config.ErrUnsupportedProvider, p))
	}
	if p := opts.ReminderProvider; p != "" && p != config.ProviderSQLTable {
		errs = append(errs, fmt.Errorf("reminder %w %q", config.ErrUnsupportedProvider, p))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.opts = opts
	h.endpoints = opts.Endpoints
	return nil
}

// Initialize opens the membership store, binds both endpoints and records
// the node as joining.
func (h *Host) Initialize(ctx context.Context) error {
	h.mu.Lock()
	opts := h.opts
	h.mu.Unlock()
	if opts.DeploymentID == "" {
		return errors.New("host is not configured")
	}

	store, err := h.openStore(ctx, opts.DataConnectionString)
	if err != nil {
		return fmt.Errorf("open membership store: %w", err)
	}

	listen, err := bind(opts.Endpoints.Listen)
	if err != nil {
		_ = store.Close()
		return err
	}
	proxy, err := bind(opts.Endpoints.Proxy)
	if err != nil {
		_ = listen.Close()
		_ = store.Close()
		return err
	}
	endpoints := fabrichost.EndpointPair{Listen: boundAddr(listen), Proxy: boundAddr(proxy)}

	h.mu.Lock()
	h.store = store
	h.listeners = []net.Listener{listen, proxy}
	h.endpoints = endpoints
	h.mu.Unlock()

	if err := store.Join(ctx, h.record(fabrichost.MemberJoining)); err != nil {
		return fmt.Errorf("join membership: %w", err)
	}
	h.log.Debug("Node initialized.",
		"listen", endpoints.Listen.String(),
		"proxy", endpoints.Proxy.String(),
		"generation", opts.Generation)
	return nil
}

// Start serves both endpoints and marks the node active once it answers on
// its listen endpoint. It returns false without serving when a newer
// generation of this node already owns the listen address.
func (h *Host) Start(ctx context.Context) (bool, error) {
	h.mu.Lock()
	store, listeners, opts := h.store, h.listeners, h.opts
	h.mu.Unlock()
	if store == nil || len(listeners) != 2 {
		return false, errors.New("host is not initialized")
	}

	superseded, err := h.superseded(ctx)
	if err != nil {
		return false, err
	}
	if superseded {
		h.log.Warn("Newer generation owns the listen address, declining to start.")
		return false, nil
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(serveCtx)
	servers := make([]*grpc.Server, len(listeners))
	for i, ln := range listeners {
		srv := api.NewServer(h.calc)
		servers[i] = srv
		g.Go(func() error { return api.Serve(gctx, srv, ln) })
	}
	serving := make(chan struct{})
	go func() {
		defer close(serving)
		err := g.Wait()
		if err != nil {
			h.log.Error("Node stopped serving.", "err", err)
		}
		h.finish(err)
	}()

	h.mu.Lock()
	h.servers, h.cancel, h.serving = servers, cancel, serving
	h.mu.Unlock()

	if err := h.waitReady(ctx); err != nil {
		return false, fmt.Errorf("wait for node readiness: %w", err)
	}
	if err := store.SetStatus(ctx, opts.DeploymentID, h.Endpoints().Listen, opts.Generation, fabrichost.MemberActive); err != nil {
		return false, fmt.Errorf("activate membership: %w", err)
	}
	h.started.Store(true)
	h.log.Info("Node started.", "listen", h.Endpoints().Listen.String())
	return true, nil
}

func (h *Host) IsStarted() bool { return h.started.Load() }

// WaitForShutdown blocks until the node stops serving. It returns the
// serving error when the node stopped on its own.
func (h *Host) WaitForShutdown() error {
	<-h.done
	return h.err
}

// Stop marks the node shutting down, drains both servers within ctx or the
// configured shutdown timeout, and marks it dead.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	store, servers, cancel, serving := h.store, h.servers, h.cancel, h.serving
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, h.shutdownTimeout)
		defer c()
	}

	var errs []error
	if err := h.setStatus(ctx, store, fabrichost.MemberShuttingDown); err != nil {
		errs = append(errs, err)
	}

	cancel()
	select {
	case <-serving:
	case <-ctx.Done():
		h.log.Warn("Graceful shutdown timed out, stopping servers.")
		for _, srv := range servers {
			srv.Stop()
		}
		<-serving
	}
	h.started.Store(false)

	if err := h.setStatus(ctx, store, fabrichost.MemberDead); err != nil {
		errs = append(errs, err)
	}
	h.log.Info("Node stopped.")
	return errors.Join(errs...)
}

// Uninitialize releases listeners that were never served and marks the
// record dead.
func (h *Host) Uninitialize(ctx context.Context) error {
	h.mu.Lock()
	store, listeners, served := h.store, h.listeners, h.cancel != nil
	h.listeners = nil
	h.mu.Unlock()

	var errs []error
	if !served {
		for _, ln := range listeners {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	if store != nil {
		if err := h.setStatus(ctx, store, fabrichost.MemberDead); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the membership store and unblocks WaitForShutdown.
func (h *Host) Close() error {
	h.mu.Lock()
	store, cancel := h.store, h.cancel
	h.store = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.finish(nil)
	if store == nil {
		return nil
	}
	return store.Close()
}

func (h *Host) finish(err error) {
	h.doneOnce.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *Host) record(status fabrichost.MemberStatus) fabrichost.MemberRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fabrichost.MemberRecord{
		DeploymentID: h.opts.DeploymentID,
		Name:         h.name,
		Endpoints:    h.endpoints,
		Generation:   h.opts.Generation,
		Status:       status,
		UpdatedAt:    time.Now(),
	}
}

func (h *Host) setStatus(ctx context.Context, store *membership.Store, status fabrichost.MemberStatus) error {
	if store == nil {
		return nil
	}
	rec := h.record(status)
	if err := store.SetStatus(ctx, rec.DeploymentID, rec.Endpoints.Listen, rec.Generation, status); err != nil {
		return fmt.Errorf("set membership status %s: %w", status, err)
	}
	return nil
}

func (h *Host) superseded(ctx context.Context) (bool, error) {
	rec := h.record(fabrichost.MemberJoining)
	h.mu.Lock()
	store := h.store
	h.mu.Unlock()

	members, err := store.List(ctx, rec.DeploymentID)
	if err != nil {
		return false, fmt.Errorf("list members: %w", err)
	}
	for _, m := range members {
		if m.Endpoints.Listen == rec.Endpoints.Listen && m.Generation > rec.Generation && m.Status != fabrichost.MemberDead {
			return true, nil
		}
	}
	return false, nil
}

// waitReady calls the node's own listen endpoint until it answers.
func (h *Host) waitReady(ctx context.Context) error {
	conn, err := grpc.NewClient(h.Endpoints().Listen.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return err
	}
	defer conn.Close()
	calc := api.NewCalculatorClient(conn, readyProbeActor)

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(readyTimeout),
	)
	return backoff.Retry(func() error {
		select {
		case <-h.done:
			return backoff.Permanent(errors.New("node stopped serving"))
		default:
		}
		_, err := calc.Get(ctx)
		return err
	}, backoff.WithContext(b, ctx))
}

func bind(addr netip.AddrPort) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func boundAddr(ln net.Listener) netip.AddrPort {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}
