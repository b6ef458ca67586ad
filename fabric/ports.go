// Package fabric defines the contract between the orchestration platform and
// the services it hosts, and a local standalone implementation of the
// platform side.
//
// The platform places stateless instances: it asks an InstanceFactory for an
// instance, initializes it with the placement's context, opens it against a
// partition, and closes or aborts it when the placement ends.
package fabric

import (
	"context"
	"errors"
	"net/url"

	"fabrichost"

	"github.com/google/uuid"
)

var (
	// ErrUnknownEndpoint indicates the activation context has no endpoint
	// with the requested name.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrUnknownConfigPackage indicates the activation context has no
	// configuration package with the requested name.
	ErrUnknownConfigPackage = errors.New("unknown configuration package")
	// ErrUnknownServiceType indicates no factory is registered for a type.
	ErrUnknownServiceType = errors.New("unknown service type")
	// ErrFaultAlreadyReported indicates the placement already reported a
	// fault and is being replaced.
	ErrFaultAlreadyReported = errors.New("fault already reported")
)

// FaultType classifies a fault an instance reports on its partition.
type FaultType uint8

const (
	// FaultTransient asks the platform to restart the instance, possibly on
	// the same node.
	FaultTransient FaultType = iota + 1
	// FaultPermanent asks the platform to give up on the instance.
	FaultPermanent
)

func (f FaultType) String() string {
	switch f {
	case FaultTransient:
		return "transient"
	case FaultPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ConfigPackage is a named group of settings sections delivered with the
// service.
type ConfigPackage struct {
	Name     string
	Sections map[string]map[string]string
}

// Setting returns the value of key in section.
func (p ConfigPackage) Setting(section, key string) (string, bool) {
	s, ok := p.Sections[section]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}

// ActivationContext describes the code and resources the platform activated
// for a service.
type ActivationContext interface {
	// EndpointPort returns the port the platform allocated for a named
	// endpoint.
	EndpointPort(name string) (uint16, error)
	// ConfigPackage returns a named configuration package.
	ConfigPackage(name string) (ConfigPackage, error)
}

// NodeContext describes the platform node the instance was placed on.
type NodeContext interface {
	NodeName() string
	// HostName is the address or resolvable name of the node's machine.
	HostName() string
}

// PartitionInfo identifies the partition an instance serves.
type PartitionInfo struct {
	ID        uuid.UUID
	Partition fabrichost.Partition
}

// PartitionHandle is the instance's channel back to the platform.
type PartitionHandle interface {
	Info() PartitionInfo
	ReportFault(fault FaultType) error
}

// InitParams is what the platform knows about a placement before it opens
// the instance.
type InitParams struct {
	ServiceTypeName string
	Locator         *url.URL
	InitData        []byte
	PartitionID     uuid.UUID
	InstanceID      int64
	Activation      ActivationContext
	Node            NodeContext
}

// StatelessInstance is one placement of a stateless service.
//
// The platform calls Initialize once, then Open. Open returns the address the
// instance publishes. Close shuts the instance down gracefully; Abort tears
// it down without waiting.
type StatelessInstance interface {
	Initialize(params InitParams)
	Open(ctx context.Context, partition PartitionHandle) (string, error)
	Close(ctx context.Context) error
	Abort()
}

// InstanceFactory creates instances of the service types it was registered
// for.
type InstanceFactory interface {
	CreateInstance(
		typeName string,
		locator *url.URL,
		initData []byte,
		partitionID uuid.UUID,
		instanceID int64,
	) (StatelessInstance, error)
}
