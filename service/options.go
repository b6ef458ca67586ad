// Package service adapts a cluster node to the orchestration platform's
// stateless-instance protocol. The platform creates instances through a
// Factory; each Instance hosts one node for as long as the placement lives.
package service

import (
	"context"
	"net"

	"fabrichost/config"
	"fabrichost/infra/emulator"
	"fabrichost/internal/telemetry"
	"fabrichost/silo"

	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceTypeName is the service type the factory creates instances of.
	ServiceTypeName = "SiloHostType"

	// ListenEndpointName and ProxyEndpointName are the activation context
	// endpoints the node binds.
	ListenEndpointName = "SiloEndpoint"
	ProxyEndpointName  = "ProxyEndpoint"

	// ConfigPackageName is the configuration package read at open.
	ConfigPackageName = "Config"
	// SettingsSection is the section of ConfigPackageName holding node settings.
	SettingsSection = "Silo"
	// ConfigurationFileSetting overrides the cluster configuration path.
	ConfigurationFileSetting = "ConfigurationFile"
	// DataConnectionStringSetting overrides the configured data connection string.
	DataConnectionStringSetting = "DataConnectionString"
)

// StorageEmulator starts the local storage emulator on demand.
type StorageEmulator interface {
	EnsureStarted(ctx context.Context) error
}

// Option configures instances created by a Factory or NewInstance.
type Option func(*options)

type options struct {
	resolver    Resolver
	hostFactory silo.HostFactory
	emulator    StorageEmulator
	tracer      trace.Tracer
	loadCluster func(path string) (*config.Cluster, error)
	siloOpts    []silo.Option
}

func newOptions(opts []Option) options {
	o := options{
		resolver:    net.DefaultResolver,
		emulator:    emulator.New(),
		tracer:      telemetry.Tracer(),
		loadCluster: config.LoadCluster,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithResolver sets the resolver used to find the node's address.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithHostFactory sets how each node builds its runtime host. Required.
func WithHostFactory(f silo.HostFactory) Option {
	return func(o *options) { o.hostFactory = f }
}

// WithStorageEmulator replaces the storage emulator started for development
// storage.
func WithStorageEmulator(e StorageEmulator) Option {
	return func(o *options) { o.emulator = e }
}

// WithTracer sets the tracer for open spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClusterLoader replaces reading the cluster configuration file.
func WithClusterLoader(load func(path string) (*config.Cluster, error)) Option {
	return func(o *options) { o.loadCluster = load }
}

// WithSiloOptions passes options through to every node.
func WithSiloOptions(opts ...silo.Option) Option {
	return func(o *options) { o.siloOpts = append(o.siloOpts, opts...) }
}
