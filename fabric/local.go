package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fabrichost/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	defaultOpenTimeout  = 2 * time.Minute
	defaultCloseTimeout = 30 * time.Second
)

// ErrPermanentFault is returned by Run when an instance reports a permanent
// fault.
var ErrPermanentFault = errors.New("instance reported a permanent fault")

// Local is a single-node orchestration platform driven by a Manifest. It
// places one instance of every service, re-places an instance that reports
// a transient fault or fails to open, and closes everything on shutdown.
type Local struct {
	manifest     *Manifest
	newBackOff   func() backoff.BackOff
	openTimeout  time.Duration
	closeTimeout time.Duration

	mu        sync.Mutex
	factories map[string]InstanceFactory
	status    map[string]PlacementStatus

	nextInstance atomic.Int64
}

// LocalOption configures a Local platform.
type LocalOption func(*Local)

// WithBackOff replaces the re-placement policy derived from the manifest.
func WithBackOff(f func() backoff.BackOff) LocalOption {
	return func(l *Local) { l.newBackOff = f }
}

// WithOpenTimeout bounds each instance Open call.
func WithOpenTimeout(d time.Duration) LocalOption {
	return func(l *Local) { l.openTimeout = d }
}

// WithCloseTimeout bounds each instance Close call during shutdown.
func WithCloseTimeout(d time.Duration) LocalOption {
	return func(l *Local) { l.closeTimeout = d }
}

// PlacementStatus is the platform's view of one service.
type PlacementStatus struct {
	Service    string
	InstanceID int64
	Address    string
	Attempts   int
	Phase      string
	LastError  string
	UpdatedAt  time.Time
}

// NewLocal returns a platform for m.
func NewLocal(m *Manifest, opts ...LocalOption) *Local {
	l := &Local{
		manifest:     m,
		openTimeout:  defaultOpenTimeout,
		closeTimeout: defaultCloseTimeout,
		factories:    make(map[string]InstanceFactory),
		status:       make(map[string]PlacementStatus),
	}
	l.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(m.Retry.InitialInterval),
			backoff.WithMaxInterval(m.Retry.MaxInterval),
			backoff.WithMaxElapsedTime(0),
		)
		return backoff.WithMaxRetries(b, uint64(m.Retry.MaxAttempts))
	}
	for _, opt := range opts {
		opt(l)
	}
	// Instance ids only need to be unique per platform run.
	l.nextInstance.Store(time.Now().UnixMicro())
	return l
}

// RegisterServiceType makes f responsible for creating instances of typeName.
func (l *Local) RegisterServiceType(typeName string, f InstanceFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[typeName] = f
}

// Status returns the placement state of every service, sorted by name.
func (l *Local) Status() []PlacementStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PlacementStatus, 0, len(l.status))
	for _, st := range l.status {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b PlacementStatus) int { return strings.Compare(a.Service, b.Service) })
	return out
}

// Run places every service in the manifest and keeps them placed until ctx
// is cancelled. It returns nil after a clean shutdown, or the first service
// error: a permanent fault or exhausted re-placement attempts.
func (l *Local) Run(ctx context.Context) error {
	for _, svc := range l.manifest.Services {
		if _, err := l.factory(svc.Type); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range l.manifest.Services {
		g.Go(func() error { return l.runService(ctx, svc) })
	}
	return g.Wait()
}

func (l *Local) factory(typeName string) (InstanceFactory, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServiceType, typeName)
	}
	return f, nil
}

func (l *Local) runService(ctx context.Context, svc ServiceSpec) error {
	log := slog.With("service", svc.Name)
	b := backoff.WithContext(l.newBackOff(), ctx)
	attempts := 0

	for {
		attempts++
		p, err := l.place(ctx, svc)
		if err != nil {
			metrics.PlacementsTotal.WithLabelValues(svc.Name, "failed").Inc()
			l.record(svc.Name, 0, "", attempts, "failed", err)
			log.Warn("Placement failed.", "attempt", attempts, "err", err)
		} else {
			metrics.PlacementsTotal.WithLabelValues(svc.Name, "placed").Inc()
			l.record(svc.Name, p.instanceID, p.address, attempts, "running", nil)
			log.Info("Instance placed.", "instance", p.instanceID, "address", p.address)

			select {
			case <-ctx.Done():
				l.closeInstance(ctx, svc.Name, p)
				return nil
			case fault := <-p.faults:
				p.instance.Abort()
				l.record(svc.Name, p.instanceID, "", attempts, "faulted", fmt.Errorf("%s fault", fault))
				if fault == FaultPermanent {
					log.Error("Instance reported a permanent fault.", "instance", p.instanceID)
					return fmt.Errorf("service %s: %w", svc.Name, ErrPermanentFault)
				}
				log.Warn("Instance reported a transient fault, re-placing.", "instance", p.instanceID)
				// A placement that opened successfully starts a fresh retry budget.
				b.Reset()
			}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("service %s: giving up after %d placement attempts", svc.Name, attempts)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// place creates, initializes and opens one instance. A failed Open aborts
// the instance.
func (l *Local) place(ctx context.Context, svc ServiceSpec) (*placement, error) {
	f, err := l.factory(svc.Type)
	if err != nil {
		return nil, err
	}
	part, err := svc.Partition.Value()
	if err != nil {
		return nil, err
	}

	p := &placement{
		info:       PartitionInfo{ID: l.manifest.PartitionID(svc), Partition: part},
		instanceID: l.nextInstance.Add(1),
		faults:     make(chan FaultType, 1),
	}
	locator := l.manifest.Locator(svc)
	initData := []byte(svc.InitData)

	inst, err := f.CreateInstance(svc.Type, locator, initData, p.info.ID, p.instanceID)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	p.instance = inst

	inst.Initialize(InitParams{
		ServiceTypeName: svc.Type,
		Locator:         locator,
		InitData:        initData,
		PartitionID:     p.info.ID,
		InstanceID:      p.instanceID,
		Activation:      activation{svc: svc},
		Node:            node{spec: l.manifest.Node},
	})

	openCtx, cancel := context.WithTimeout(ctx, l.openTimeout)
	defer cancel()
	addr, err := inst.Open(openCtx, p)
	if err != nil {
		inst.Abort()
		return nil, fmt.Errorf("open instance %d: %w", p.instanceID, err)
	}
	p.address = addr
	return p, nil
}

func (l *Local) closeInstance(ctx context.Context, service string, p *placement) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.closeTimeout)
	defer cancel()

	if err := p.instance.Close(closeCtx); err != nil {
		slog.Warn("Instance closed with error.", "service", service, "instance", p.instanceID, "err", err)
		p.instance.Abort()
		l.record(service, p.instanceID, "", 0, "closed", err)
		return
	}
	l.record(service, p.instanceID, "", 0, "closed", nil)
	slog.Info("Instance closed.", "service", service, "instance", p.instanceID)
}

func (l *Local) record(service string, instanceID int64, address string, attempts int, phase string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.status[service]
	st.Service = service
	if instanceID != 0 {
		st.InstanceID = instanceID
	}
	st.Address = address
	if attempts > 0 {
		st.Attempts = attempts
	}
	st.Phase = phase
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	st.UpdatedAt = time.Now()
	l.status[service] = st
}

// placement is the platform side of one opened instance. It is the
// PartitionHandle handed to the instance.
type placement struct {
	info       PartitionInfo
	instanceID int64
	instance   StatelessInstance
	address    string
	faults     chan FaultType
	faulted    atomic.Bool
}

func (p *placement) Info() PartitionInfo { return p.info }

// ReportFault queues the fault for the service loop. Only the first fault of
// a placement is acted on; later reports fail with ErrFaultAlreadyReported.
func (p *placement) ReportFault(fault FaultType) error {
	if fault != FaultTransient && fault != FaultPermanent {
		return fmt.Errorf("report fault: invalid fault type %d", fault)
	}
	if !p.faulted.CompareAndSwap(false, true) {
		return fmt.Errorf("report %s fault: %w", fault, ErrFaultAlreadyReported)
	}
	p.faults <- fault
	return nil
}

type activation struct {
	svc ServiceSpec
}

func (a activation) EndpointPort(name string) (uint16, error) {
	port, ok := a.svc.Endpoints[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}
	return port, nil
}

func (a activation) ConfigPackage(name string) (ConfigPackage, error) {
	sections, ok := a.svc.Config[name]
	if !ok {
		return ConfigPackage{}, fmt.Errorf("%w: %q", ErrUnknownConfigPackage, name)
	}
	return ConfigPackage{Name: name, Sections: sections}, nil
}

type node struct {
	spec NodeSpec
}

func (n node) NodeName() string { return n.spec.Name }
func (n node) HostName() string { return n.spec.Host }
