package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"fabrichost"
	"fabrichost/config"
	"fabrichost/fabric"
	"fabrichost/internal/completion"
	"fabrichost/internal/metrics"
	"fabrichost/internal/telemetry"
	"fabrichost/silo"

	"go.opentelemetry.io/otel/attribute"
)

const abortStopTimeout = 30 * time.Second

// errClosed is returned by Open once Close or Abort has run.
var errClosed = errors.New("open instance: instance closed")

var openPlan = telemetry.Plan{Steps: []telemetry.PlannedStep{
	{ID: "node.resolve", Title: "resolving node host"},
	{ID: "address.select", Title: "selecting advertised address"},
	{ID: "endpoints.read", Title: "reading endpoints"},
	{ID: "config.load", Title: "loading cluster configuration"},
	{ID: "storage.emulator", Title: "starting storage emulator"},
	{ID: "silo.start", Title: "starting node"},
}}

// Instance hosts one node for one placement. The platform drives it through
// Initialize, Open, then Close or Abort.
type Instance struct {
	opts options

	mu     sync.Mutex
	params fabric.InitParams
	ctx    context.Context
	cancel context.CancelFunc
	node   *silo.Silo
	closed bool
	log    *slog.Logger

	stopped *completion.Cell
}

var _ fabric.StatelessInstance = (*Instance)(nil)

// NewInstance returns an uninitialized instance.
func NewInstance(opts ...Option) *Instance {
	return &Instance{
		opts:    newOptions(opts),
		log:     slog.Default(),
		stopped: completion.New(),
	}
}

// Stopped completes when the instance's node has ended, with the node's
// outcome.
func (i *Instance) Stopped() *completion.Cell {
	return i.stopped
}

// Initialize records the placement. It does no I/O.
func (i *Instance) Initialize(params fabric.InitParams) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.params = params
	i.ctx, i.cancel = context.WithCancel(context.Background())
	i.log = slog.Default().With("service", locatorString(params), "instance", params.InstanceID)
}

// Open starts the node and returns its listen address.
//
// Open fails when any setup step fails, and also when the node host declines
// to start. In the latter case a transient fault is reported on partition so
// the platform places the instance again. Either way the lifecycle signal is
// completed with the error before Open returns.
func (i *Instance) Open(ctx context.Context, partition fabric.PartitionHandle) (address string, err error) {
	i.mu.Lock()
	params, life, log, closed := i.params, i.ctx, i.log, i.closed
	i.mu.Unlock()
	if closed {
		return "", errClosed
	}
	if life == nil || params.Locator == nil {
		return "", errors.New("open instance: not initialized")
	}
	if partition == nil {
		return "", errors.New("open instance: no partition")
	}

	// Close or Abort while opening cancels the remaining steps.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(life, cancel)()

	started := time.Now()
	op, err := telemetry.EmitPlan(ctx, i.opts.tracer, "instance.open", openPlan,
		attribute.String("service", params.Locator.String()),
		attribute.Int64("instance", params.InstanceID),
	)
	if err != nil {
		return "", err
	}
	ctx = op.Context()

	var node *silo.Silo
	defer func() {
		op.End(err)
		result := "opened"
		if err != nil {
			result = "failed"
			i.stopped.TryFail(err)
			if node != nil {
				node.Abort()
			}
		}
		metrics.OpenDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
	}()

	var (
		host      string
		addr      netip.Addr
		endpoints fabrichost.EndpointPair
		cfg       *config.Cluster
		connStr   string
	)

	if err := op.RunStep(ctx, "node.resolve", func(context.Context) error {
		if params.Node == nil {
			return errors.New("no node context")
		}
		host = params.Node.HostName()
		if host == "" {
			return fmt.Errorf("node %q has no host name", params.Node.NodeName())
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("resolve node: %w", err)
	}

	if err := op.RunStep(ctx, "address.select", func(ctx context.Context) error {
		var err error
		addr, err = SelectAdvertisableAddress(ctx, i.opts.resolver, host)
		return err
	}); err != nil {
		return "", err
	}

	if err := op.RunStep(ctx, "endpoints.read", func(context.Context) error {
		var err error
		endpoints, err = readEndpoints(params.Activation, addr)
		return err
	}); err != nil {
		return "", fmt.Errorf("read endpoints: %w", err)
	}

	if err := op.RunStep(ctx, "config.load", func(context.Context) error {
		var err error
		cfg, err = i.loadConfig(params.Activation)
		if err != nil {
			return err
		}
		connStr = cfg.DataConnectionString()
		return nil
	}); err != nil {
		return "", fmt.Errorf("load configuration: %w", err)
	}
	log.Debug("Cluster configuration.", "config", cfg.String())

	if err := op.RunStep(ctx, "storage.emulator", func(ctx context.Context) error {
		if connStr != config.DevelopmentStorage || i.opts.emulator == nil {
			return nil
		}
		log.Info("Starting storage emulator for development storage.")
		return i.opts.emulator.EnsureStarted(ctx)
	}); err != nil {
		return "", fmt.Errorf("start storage emulator: %w", err)
	}

	var ok bool
	if err := op.RunStep(ctx, "silo.start", func(ctx context.Context) error {
		siloOpts := append([]silo.Option{
			silo.WithPartition(partition.Info().Partition),
			silo.WithHostFactory(i.opts.hostFactory),
		}, i.opts.siloOpts...)
		n, err := silo.New(params.Locator, params.InstanceID, endpoints, connStr, siloOpts...)
		if err != nil {
			return err
		}
		// A node stored here is stopped by Close or Abort. Once either has
		// run, nothing would stop it, so it is never started.
		i.mu.Lock()
		closed := i.closed
		if !closed {
			i.node = n
		}
		i.mu.Unlock()
		if closed {
			return errClosed
		}
		node = n

		ok, err = node.Start(ctx, cfg)
		return err
	}); err != nil {
		return "", err
	}
	op.SetAttributes(attribute.String("node", node.Name()), attribute.Bool("started", ok))

	if !ok {
		i.reportFault(partition, fabric.FaultTransient)
		// The rejected node keeps its host until the platform aborts us.
		node = nil
		return "", fmt.Errorf("%w: node %s", fabrichost.ErrStartupRejected, i.nodeName())
	}

	i.monitor(partition)
	log.Info("Instance opened.", "node", i.nodeName(), "address", endpoints.Listen.String())
	return endpoints.Listen.String(), nil
}

// monitor forwards the node's outcome to the instance. A faulted node is
// reported to the platform as transient so the instance is placed again.
func (i *Instance) monitor(partition fabric.PartitionHandle) {
	i.mu.Lock()
	node := i.node
	i.mu.Unlock()

	node.Stopped().Then(func(o completion.Outcome, err error) {
		switch o {
		case completion.Faulted:
			i.reportFault(partition, fabric.FaultTransient)
			i.stopped.TryFail(err)
		case completion.Canceled:
			i.stopped.TryCancel()
		default:
			i.stopped.TrySucceed()
		}
	})
}

func (i *Instance) reportFault(partition fabric.PartitionHandle, fault fabric.FaultType) {
	metrics.FaultsReportedTotal.WithLabelValues(fault.String()).Inc()
	if err := partition.ReportFault(fault); err != nil {
		i.logger().Warn("Failed to report fault.", "fault", fault.String(), "err", err)
		return
	}
	i.logger().Warn("Reported fault.", "fault", fault.String())
}

// Close stops the node and waits for its outcome or ctx. It returns nil when
// the node stopped cleanly, context.Canceled when it was cancelled, and the
// fault otherwise.
func (i *Instance) Close(ctx context.Context) error {
	node := i.shutdown()
	if node == nil {
		i.stopped.TrySucceed()
		return nil
	}

	i.logger().Info("Closing instance.", "node", node.Name())
	node.Stop(ctx)

	o, err := node.Stopped().Wait(ctx)
	switch o {
	case completion.Success:
		return nil
	case completion.Canceled:
		return context.Canceled
	case completion.Faulted:
		return err
	default:
		return fmt.Errorf("close instance: %w", err)
	}
}

// Abort cancels the instance and stops its node without waiting for the
// outcome.
func (i *Instance) Abort() {
	node := i.shutdown()
	if node == nil {
		return
	}
	i.logger().Warn("Aborting instance.", "node", node.Name())

	ctx, cancel := context.WithTimeout(context.Background(), abortStopTimeout)
	defer cancel()
	node.Stop(ctx)
}

// shutdown marks the instance closed, cancels its context and returns its
// node, if any.
func (i *Instance) shutdown() *silo.Silo {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	if i.cancel != nil {
		i.cancel()
	}
	return i.node
}

func (i *Instance) nodeName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.node == nil {
		return ""
	}
	return i.node.Name()
}

func (i *Instance) logger() *slog.Logger {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.log
}

// loadConfig reads the cluster configuration, honouring the path and
// connection string overrides from the Config package.
func (i *Instance) loadConfig(activation fabric.ActivationContext) (*config.Cluster, error) {
	var pkg fabric.ConfigPackage
	if activation != nil {
		p, err := activation.ConfigPackage(ConfigPackageName)
		switch {
		case err == nil:
			pkg = p
		case !errors.Is(err, fabric.ErrUnknownConfigPackage):
			return nil, err
		}
	}

	path := config.DefaultPath(config.ClusterFileName)
	if v, ok := pkg.Setting(SettingsSection, ConfigurationFileSetting); ok && v != "" {
		path = v
	}
	cfg, err := i.opts.loadCluster(path)
	if err != nil {
		return nil, err
	}
	if v, ok := pkg.Setting(SettingsSection, DataConnectionStringSetting); ok && v != "" {
		cfg.Globals.SystemStore.DataConnectionString = v
	}
	if cfg.DataConnectionString() == "" {
		return nil, config.ErrNoConnectionString
	}
	return cfg, nil
}

func readEndpoints(activation fabric.ActivationContext, addr netip.Addr) (fabrichost.EndpointPair, error) {
	if activation == nil {
		return fabrichost.EndpointPair{}, errors.New("no activation context")
	}
	listen, err := activation.EndpointPort(ListenEndpointName)
	if err != nil {
		return fabrichost.EndpointPair{}, err
	}
	proxy, err := activation.EndpointPort(ProxyEndpointName)
	if err != nil {
		return fabrichost.EndpointPair{}, err
	}
	return fabrichost.EndpointPair{
		Listen: netip.AddrPortFrom(addr, listen),
		Proxy:  netip.AddrPortFrom(addr, proxy),
	}, nil
}

func locatorString(p fabric.InitParams) string {
	if p.Locator == nil {
		return ""
	}
	return p.Locator.String()
}
