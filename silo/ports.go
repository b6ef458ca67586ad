package silo

import (
	"context"
	"time"

	"fabrichost"
	"fabrichost/config"
)

// Role is the membership role a node joins the cluster with.
type Role uint8

const (
	RolePrimary Role = iota + 1
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// HostOptions is everything the node configures on its host before
// initializing it.
type HostOptions struct {
	Role                 Role
	DeploymentID         string
	DataConnectionString string
	LivenessProvider     string
	ReminderProvider     string
	Endpoints            fabrichost.EndpointPair
	Generation           int64
}

// Host is the cluster runtime serving one node. It is owned by exactly one
// Silo. In production it is internal/runtime.Host; tests use fakes.
//
// Start reports false when the runtime declines to start without an error.
// WaitForShutdown blocks until the runtime has stopped serving for any
// reason; a non-nil error means it stopped abnormally.
type Host interface {
	Name() string
	Configure(opts HostOptions) error
	Initialize(ctx context.Context) error
	Start(ctx context.Context) (bool, error)
	IsStarted() bool
	WaitForShutdown() error
	Stop(ctx context.Context) error
	Uninitialize(ctx context.Context) error
	Close() error
}

// HostFactory builds the host for a node named name.
type HostFactory func(name string, cfg *config.Cluster) (Host, error)

// ClockSkew reports the local clock's offset from a reference clock.
type ClockSkew interface {
	Offset(ctx context.Context) (time.Duration, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock with the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
