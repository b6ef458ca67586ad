// Package telemetry traces multi-step operations such as opening a service
// instance. An operation is a root span carrying its planned steps; each step
// runs in a child span that records its error.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlanEventName      = "fabrichost.plan"
	PlanVersion        = "1"
	PlanVersionKey     = "fabrichost.plan.version"
	PlanJSONKey        = "fabrichost.plan.json"
	StepTitleKey       = "fabrichost.step.title"
	StepDurationKey    = "fabrichost.step.duration_ms"
	defaultOperationID = "operation"
)

type PlannedStep struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Title    string `json:"title"`
}

type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Operation is a traced operation. A nil *Operation runs steps untraced.
type Operation struct {
	name   string
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
	titles map[string]string
}

// EmitPlan starts the operation's root span and records the plan on it.
func EmitPlan(ctx context.Context, tracer trace.Tracer, operation string, plan Plan, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("emit telemetry plan: tracer is required")
	}
	titles, err := validatePlan(plan)
	if err != nil {
		return nil, fmt.Errorf("emit telemetry plan: %w", err)
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = defaultOperationID
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("emit telemetry plan: marshal plan: %w", err)
	}

	planAttrs := []attribute.KeyValue{
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	}
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(append(planAttrs, attrs...)...))
	span.AddEvent(PlanEventName, trace.WithAttributes(planAttrs...))

	return &Operation{name: operation, ctx: spanCtx, tracer: tracer, span: span, titles: titles}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn in a child span named id. The step must be in the plan.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}

	stepID := strings.TrimSpace(id)
	if stepID == "" {
		return fmt.Errorf("run telemetry step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	title, planned := o.titles[stepID]
	if !planned {
		return fmt.Errorf("run telemetry step: %q is not in the %s plan", stepID, o.name)
	}

	if ctx == nil {
		ctx = o.ctx
	}

	start := time.Now()
	stepCtx, span := o.tracer.Start(ctx, stepID, trace.WithAttributes(attribute.String(StepTitleKey, title)))
	defer span.End()

	err := fn(stepCtx)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64(StepDurationKey, elapsed.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		slog.Debug("Step failed.", "operation", o.name, "step", stepID, "elapsed", elapsed, "err", err)
		return err
	}
	slog.Debug("Step completed.", "operation", o.name, "step", stepID, "elapsed", elapsed)
	return nil
}

// SetAttributes annotates the root span.
func (o *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}

// validatePlan checks step ids are present and unique and that parents
// exist. It returns the step titles by id.
func validatePlan(plan Plan) (map[string]string, error) {
	titles := make(map[string]string, len(plan.Steps))
	for i, step := range plan.Steps {
		stepID := strings.TrimSpace(step.ID)
		if stepID == "" {
			return nil, fmt.Errorf("step %d has empty id", i)
		}
		if _, exists := titles[stepID]; exists {
			return nil, fmt.Errorf("duplicate step id %q", stepID)
		}
		titles[stepID] = step.Title
	}
	for i, step := range plan.Steps {
		parentID := strings.TrimSpace(step.ParentID)
		if parentID == "" {
			continue
		}
		if _, exists := titles[parentID]; !exists {
			return nil, fmt.Errorf("step %d parent %q not found in plan", i, parentID)
		}
	}
	return titles, nil
}
