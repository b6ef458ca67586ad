package silo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fabrichost"
	"fabrichost/config"
	"fabrichost/internal/metrics"
)

const (
	clockCheckTimeout = 3 * time.Second
	maxClockSkew      = time.Second
)

// Start builds, configures and starts the host. A nil cfg loads the
// configuration from its default location.
//
// Start has two failure channels. An error during setup is recorded on
// Stopped(), the host is aborted, and the error is returned wrapped in
// fabrichost.ErrSetupFailure. A host that declines to start returns
// (false, nil); the monitor then records fabrichost.ErrStartupRejected on
// Stopped(). Start must be called at most once.
func (s *Silo) Start(ctx context.Context, cfg *config.Cluster) (started bool, err error) {
	s.mu.Lock()
	if s.phase != PhaseCreated {
		phase := s.phase
		s.mu.Unlock()
		return false, fmt.Errorf("node already %s", phase)
	}
	s.phase = s.phase.Transition(PhaseStarting)
	s.mu.Unlock()

	defer func() {
		if err == nil {
			return
		}
		err = fmt.Errorf("%w: %w", fabrichost.ErrSetupFailure, err)
		s.stopped.TryFail(err)
		s.advance(PhaseFaulted)
		s.Abort()
		metrics.NodeStartsTotal.WithLabelValues(s.deploymentID, "failed").Inc()
		s.log.Error("Node setup failed.", "err", err)
	}()

	s.log.Info("Starting node.", "listen", s.endpoints.Listen.String(), "proxy", s.endpoints.Proxy.String())

	if cfg == nil {
		s.log.Info("Loading configuration from default location.")
		if cfg, err = s.loadConfig(); err != nil {
			return false, fmt.Errorf("load configuration: %w", err)
		}
	} else {
		s.log.Info("Using provided configuration.")
	}

	host, err := s.newHost(s.name, cfg)
	if err != nil {
		return false, fmt.Errorf("create host: %w", err)
	}
	s.mu.Lock()
	s.host = host
	s.mu.Unlock()

	s.checkClock(ctx)
	store := cfg.Globals.SystemStore
	opts := HostOptions{
		Role:                 RoleSecondary,
		DeploymentID:         s.deploymentID,
		DataConnectionString: s.connectionString,
		LivenessProvider:     store.Liveness(),
		ReminderProvider:     store.Reminders(),
		Endpoints:            s.endpoints,
		Generation:           s.generations.Next(),
	}
	if err := host.Configure(opts); err != nil {
		return false, fmt.Errorf("configure host: %w", err)
	}

	if err := host.Initialize(ctx); err != nil {
		return false, fmt.Errorf("initialize host: %w", err)
	}
	s.log.Info("Node initialized.", "role", opts.Role.String(), "generation", opts.Generation)

	ok, err := host.Start(ctx)
	if err != nil {
		return false, fmt.Errorf("start host: %w", err)
	}
	if ok {
		s.advance(PhaseRunning)
		metrics.NodeStartsTotal.WithLabelValues(s.deploymentID, "started").Inc()
		s.log.Info("Node started.", "role", opts.Role.String())
	} else {
		metrics.NodeStartsTotal.WithLabelValues(s.deploymentID, "rejected").Inc()
		s.log.Warn("Node failed to start.", "role", opts.Role.String())
	}

	s.monitor(host)
	return ok, nil
}

// monitor converts the host's termination into the node's outcome. A host
// that never started is a fault: Start reports that case only as false, so
// it is recorded here before Start returns. Otherwise a goroutine waits for
// the host to shut down.
func (s *Silo) monitor(host Host) {
	if !host.IsStarted() {
		s.fault(fmt.Errorf("%w: node %q did not start correctly, aborting", fabrichost.ErrStartupRejected, s.name))
		return
	}
	go s.watch(host)
}

func (s *Silo) watch(host Host) {
	s.log.Info("Monitoring node for shutdown.")
	if err := host.WaitForShutdown(); err != nil {
		s.fault(fmt.Errorf("%w: %w", fabrichost.ErrRuntimeFault, err))
		return
	}
	if s.stopped.TrySucceed() {
		metrics.NodeOutcomesTotal.WithLabelValues(s.deploymentID, "success").Inc()
	}
	s.advance(PhaseStopped)
	s.log.Info("Node shut down.")
}

func (s *Silo) fault(err error) {
	if s.stopped.TryFail(err) {
		metrics.NodeOutcomesTotal.WithLabelValues(s.deploymentID, "faulted").Inc()
		s.log.Error("Node faulted.", "err", err)
	}
	s.advance(PhaseFaulted)
}

// Stop shuts the host down gracefully and releases it. It never returns an
// error: it runs on fault paths where a second failure would hide the first.
// Stop without a host is a no-op.
func (s *Silo) Stop(ctx context.Context) {
	s.mu.Lock()
	host := s.host
	s.host = nil
	s.mu.Unlock()

	if host == nil {
		s.log.Debug("Stop called without a host.")
		return
	}

	s.log.Info("Stopping node.")
	var errs []error
	if host.IsStarted() {
		if err := host.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop host: %w", err))
		}
	}
	if err := host.Uninitialize(ctx); err != nil {
		errs = append(errs, fmt.Errorf("uninitialize host: %w", err))
	}
	if err := host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close host: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("Error stopping node.", "err", err)
	}

	if s.stopped.TrySucceed() {
		metrics.NodeOutcomesTotal.WithLabelValues(s.deploymentID, "success").Inc()
	}
	s.advance(PhaseStopped)
	s.log.Info("Node stopped.", "host", host.Name())
}

// Abort tears the host down without a graceful shutdown. It does not
// record an outcome.
func (s *Silo) Abort() {
	s.mu.Lock()
	host := s.host
	s.host = nil
	s.mu.Unlock()

	if host == nil {
		return
	}

	if err := host.Uninitialize(context.Background()); err != nil {
		s.log.Warn("Abort: uninitialize host.", "err", err)
	}
	if err := host.Close(); err != nil {
		s.log.Warn("Abort: close host.", "err", err)
	}
	s.advance(PhaseStopped)
	s.log.Info("Node aborted.")
}

// checkClock warns when the local clock is far enough off that generation
// numbers may collide with a previous incarnation. It never fails Start.
func (s *Silo) checkClock(ctx context.Context) {
	if s.skew == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, clockCheckTimeout)
	defer cancel()

	offset, err := s.skew.Offset(ctx)
	if err != nil {
		s.log.Debug("Clock skew check failed.", "err", err)
		return
	}
	if offset.Abs() >= maxClockSkew {
		s.log.Warn("Local clock is skewed; node generation may repeat.", "offset", offset)
	}
}
