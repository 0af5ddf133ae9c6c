package connect

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/posthog/duckconnect/engine"
)

// Analyze plans req's query without running it and describes the result.
// The explain mode is checked before the session is touched.
func (e *Executor) Analyze(ctx context.Context, req *AnalyzePlanRequest) (*AnalyzePlanResponse, error) {
	key, err := sessionKey(req.UserContext, req.SessionID)
	if err != nil {
		return nil, err
	}
	mode, err := engine.ParseExplainMode(req.ExplainMode)
	if err != nil {
		return nil, err
	}
	if req.Plan.Kind() != engine.PlanQuery {
		return nil, engine.Unsupportedf("only query plans can be analyzed")
	}

	ctx, span := tracer.Start(ctx, "AnalyzePlan", trace.WithAttributes(
		attribute.String("duckconnect.session_id", key.SessionID),
		attribute.String("duckconnect.explain_mode", string(mode)),
	))
	defer span.End()

	ec, err := e.registry.Acquire(key)
	if err != nil {
		return nil, err
	}
	defer ec.Release()

	exec, err := e.plan(ctx, ec, req.Plan.Root)
	if err != nil {
		return nil, err
	}
	explain, err := engine.Explain(ctx, exec, mode)
	if err != nil {
		return nil, err
	}
	return &AnalyzePlanResponse{
		ClientID:      req.ClientID,
		Schema:        flight.SerializeSchema(exec.Schema, memory.DefaultAllocator),
		ExplainString: explain,
		TreeString:    engine.SchemaTreeString(exec.Schema),
		IsLocal:       engine.IsLocal(exec),
		IsStreaming:   false,
		InputFiles:    engine.InputFiles(exec),
	}, nil
}
