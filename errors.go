package fabrichost

import "errors"

var (
	// ErrSetupFailure wraps any error raised while building, configuring or
	// starting a node host. It is returned to the caller of Start/Open and
	// also recorded in the node's lifecycle signal.
	ErrSetupFailure = errors.New("node setup failed")

	// ErrStartupRejected indicates the node host declined to start without
	// raising an error.
	ErrStartupRejected = errors.New("node failed to start")

	// ErrRuntimeFault indicates the node host terminated abnormally after it
	// had started.
	ErrRuntimeFault = errors.New("node runtime fault")

	// ErrNoAddressAvailable indicates the host name resolved to no address
	// that can be advertised to the cluster.
	ErrNoAddressAvailable = errors.New("could not determine own network address")

	// ErrInvalidPartitionKind indicates an unrecognized partition tag.
	ErrInvalidPartitionKind = errors.New("invalid partition kind")

	// ErrInvalidLocator indicates a missing or pathless service locator.
	ErrInvalidLocator = errors.New("invalid service locator")
)
