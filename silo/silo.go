// Package silo owns the lifecycle of one cluster node hosted in this process.
//
// A Silo wraps a runtime Host: it derives the node identity, configures the
// host as a secondary cluster member, starts it, and watches it from a
// background monitor. The outcome of the node's life is published once on
// Stopped(); whichever of Start, the monitor or Stop records it first wins.
package silo

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"fabrichost"
	"fabrichost/config"
	"fabrichost/internal/completion"
)

// Silo is one node. It is a concrete struct; tests construct a real Silo
// with a fake Host injected through WithHostFactory.
type Silo struct {
	partition        fabrichost.Partition
	deploymentID     string
	name             string
	endpoints        fabrichost.EndpointPair
	connectionString string

	newHost     HostFactory
	loadConfig  func() (*config.Cluster, error)
	generations *Generations
	skew        ClockSkew
	log         *slog.Logger

	mu    sync.Mutex
	phase Phase
	host  Host

	stopped *completion.Cell
}

// Option configures a Silo.
type Option func(*Silo)

// WithPartition scopes the deployment identity to a partition.
// Applied by New before the identity is derived.
func WithPartition(p fabrichost.Partition) Option {
	return func(s *Silo) { s.partition = p }
}

// WithHostFactory sets how the runtime host is built.
func WithHostFactory(f HostFactory) Option {
	return func(s *Silo) { s.newHost = f }
}

// WithConfigLoader replaces the default-location configuration loader used
// when Start is called without a configuration.
func WithConfigLoader(load func() (*config.Cluster, error)) Option {
	return func(s *Silo) { s.loadConfig = load }
}

// WithGenerations sets the generation allocator.
func WithGenerations(g *Generations) Option {
	return func(s *Silo) { s.generations = g }
}

// WithClockSkew enables a clock offset check before a generation is allocated.
func WithClockSkew(c ClockSkew) Option {
	return func(s *Silo) { s.skew = c }
}

// New creates a node for one instance of the service at locator. The
// deployment identity and node name are fixed here.
func New(
	locator *url.URL,
	instanceID int64,
	endpoints fabrichost.EndpointPair,
	connectionString string,
	opts ...Option,
) (*Silo, error) {
	s := &Silo{
		endpoints:        endpoints,
		connectionString: connectionString,
		loadConfig:       config.LoadDefaultCluster,
		generations:      processGenerations,
		stopped:          completion.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newHost == nil {
		return nil, fmt.Errorf("new node: no host factory configured")
	}

	id, err := fabrichost.DeriveDeploymentIdentity(locator, s.partition)
	if err != nil {
		return nil, fmt.Errorf("new node: %w", err)
	}
	s.deploymentID = id
	s.name = fabrichost.NodeName(id, instanceID)
	s.log = slog.Default().With("node", s.name, "deployment", s.deploymentID)
	return s, nil
}

// Name returns the node identity.
func (s *Silo) Name() string {
	return s.name
}

// DeploymentID returns the cluster grouping key the node joins under.
func (s *Silo) DeploymentID() string {
	return s.deploymentID
}

// Endpoints returns the listen and proxy endpoints.
func (s *Silo) Endpoints() fabrichost.EndpointPair {
	return s.endpoints
}

// Phase returns the current lifecycle phase.
func (s *Silo) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Stopped returns the node's lifecycle signal.
func (s *Silo) Stopped() *completion.Cell {
	return s.stopped
}

// advance moves to the given phase when allowed. The monitor and Stop race
// to record the end of the node's life, so a late illegal move is dropped.
func (s *Silo) advance(to Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == to || !s.phase.CanTransition(to) {
		return
	}
	s.phase = s.phase.Transition(to)
}
