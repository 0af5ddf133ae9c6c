package connect

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/posthog/duckconnect/engine"
	"github.com/posthog/duckconnect/sessions"
)

var tracer = otel.Tracer("github.com/posthog/duckconnect/connect")

// PlannerConfig tunes the physical planner. Zero values keep the planner's
// defaults.
type PlannerConfig struct {
	DefaultParallelism     int
	TargetRowsPerPartition int64
}

// Executor runs ExecutePlan requests against per-session execution contexts.
type Executor struct {
	registry  *sessions.Registry
	collector *Collector
	planning  PlannerConfig
}

func NewExecutor(registry *sessions.Registry, collector *Collector, planning PlannerConfig) *Executor {
	return &Executor{registry: registry, collector: collector, planning: planning}
}

// Execute runs req and sends its responses. Commands produce no responses;
// queries produce batches followed by a metrics trailer. Plans that are
// neither fail before any work is done.
func (e *Executor) Execute(ctx context.Context, req *ExecutePlanRequest, send ResponseSender) error {
	key, err := sessionKey(req.UserContext, req.SessionID)
	if err != nil {
		return err
	}
	kind := req.Plan.Kind()
	if kind == engine.PlanUnsupported {
		return engine.Unsupportedf("unsupported plan: expected exactly one of root or command")
	}

	operationID := req.OperationID
	if operationID == "" {
		operationID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "ExecutePlan", trace.WithAttributes(
		attribute.String("duckconnect.user_id", key.UserID),
		attribute.String("duckconnect.session_id", key.SessionID),
		attribute.String("duckconnect.operation_id", operationID),
	))
	defer span.End()

	ec, err := e.registry.Acquire(key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer ec.Release()

	switch kind {
	case engine.PlanCommand:
		err = engine.RunCommand(ctx, ec, req.Plan.Command)
	default:
		err = e.executeQuery(ctx, ec, req, operationID, send)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Executor) executeQuery(ctx context.Context, ec *engine.ExecutionContext, req *ExecutePlanRequest, operationID string, send ResponseSender) error {
	start := time.Now()
	exec, err := e.plan(ctx, ec, req.Plan.Root)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("duckconnect.partitions", exec.Root.NumPartitions()))

	if err := e.collector.Collect(ctx, ec, exec, req.ClientID, operationID, send); err != nil {
		return err
	}
	queryDurationHistogram.Observe(time.Since(start).Seconds())
	slog.Debug("Query completed.", "session", ec.Key.String(), "operation_id", operationID, "duration", time.Since(start))
	return nil
}

func (e *Executor) plan(ctx context.Context, ec *engine.ExecutionContext, rel *engine.Relation) (*engine.Executable, error) {
	p := engine.NewPlanner(ec)
	if e.planning.DefaultParallelism > 0 {
		p.DefaultParallelism = e.planning.DefaultParallelism
	}
	if e.planning.TargetRowsPerPartition > 0 {
		p.TargetRowsPerPartition = e.planning.TargetRowsPerPartition
	}
	return p.Plan(ctx, rel)
}
