package service

import (
	"fmt"
	"log/slog"
	"net/url"

	"fabrichost"
	"fabrichost/fabric"
	"fabrichost/internal/completion"
	"fabrichost/internal/metrics"

	"github.com/google/uuid"
)

// Factory creates node-hosting instances for the platform and aggregates
// their lifecycle signals into one process-wide signal: the first instance
// to end decides the outcome.
type Factory struct {
	opts    []Option
	stopped *completion.Cell
}

var _ fabric.InstanceFactory = (*Factory)(nil)

// NewFactory returns a factory whose instances are built with opts.
func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts, stopped: completion.New()}
}

// Stopped completes with the outcome of the first instance to end.
func (f *Factory) Stopped() *completion.Cell {
	return f.stopped
}

// CreateInstance returns a new uninitialized instance. Only ServiceTypeName
// is supported.
func (f *Factory) CreateInstance(
	typeName string,
	locator *url.URL,
	_ []byte,
	partitionID uuid.UUID,
	instanceID int64,
) (fabric.StatelessInstance, error) {
	if locator == nil {
		return nil, fmt.Errorf("create instance: %w", fabrichost.ErrInvalidLocator)
	}
	if typeName != ServiceTypeName {
		return nil, fmt.Errorf("%w: %q", fabric.ErrUnknownServiceType, typeName)
	}

	inst := NewInstance(f.opts...)
	inst.Stopped().Forward(f.stopped)

	metrics.InstancesCreatedTotal.WithLabelValues(typeName).Inc()
	slog.Info("Instance created.", "type", typeName, "service", locator.String(),
		"partition", partitionID.String(), "instance", instanceID)
	return inst, nil
}
