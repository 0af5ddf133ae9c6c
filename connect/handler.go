package connect

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/posthog/duckconnect/engine"
	"github.com/posthog/duckconnect/sessions"
)

var actionTypes = []struct {
	typ, description string
}{
	{ActionExecutePlan, "Execute a plan and stream Arrow batches followed by a metrics trailer."},
	{ActionAnalyzePlan, "Plan a query without running it and describe its schema and plan."},
	{ActionReleaseSession, "Drop the execution context of a session."},
	{ActionHealthCheck, "Report server health."},
}

// Handler serves the plan execution protocol as Arrow Flight actions.
// Requests and responses are JSON documents in action and result bodies.
type Handler struct {
	flight.BaseFlightServer

	executor            *Executor
	registry            *sessions.Registry
	maxErrorMessageSize int
	startTime           time.Time
}

func NewHandler(executor *Executor, registry *sessions.Registry, maxErrorMessageSize int) *Handler {
	return &Handler{
		executor:            executor,
		registry:            registry,
		maxErrorMessageSize: maxErrorMessageSize,
		startTime:           time.Now(),
	}
}

// DoAction dispatches a Flight action. Failures end the stream with a
// translated status.
func (h *Handler) DoAction(cmd *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch cmd.Type {
	case ActionExecutePlan:
		return guard(cmd.Type, h.maxErrorMessageSize, func() error { return h.doExecutePlan(stream.Context(), cmd.Body, stream) })
	case ActionAnalyzePlan:
		return guard(cmd.Type, h.maxErrorMessageSize, func() error { return h.doAnalyzePlan(stream.Context(), cmd.Body, stream) })
	case ActionReleaseSession:
		return guard(cmd.Type, h.maxErrorMessageSize, func() error { return h.doReleaseSession(cmd.Body, stream) })
	case ActionHealthCheck:
		return guard(cmd.Type, h.maxErrorMessageSize, func() error { return h.doHealthCheck(stream) })
	default:
		return status.Errorf(codes.Unimplemented, "unknown action type: %s", cmd.Type)
	}
}

func (h *Handler) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for _, a := range actionTypes {
		if err := stream.Send(&flight.ActionType{Type: a.typ, Description: a.description}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) doExecutePlan(ctx context.Context, body []byte, stream flight.FlightService_DoActionServer) error {
	var req ExecutePlanRequest
	if err := decodeRequest(ActionExecutePlan, body, &req); err != nil {
		return err
	}
	return h.executor.Execute(ctx, &req, resultSender{stream: stream})
}

func (h *Handler) doAnalyzePlan(ctx context.Context, body []byte, stream flight.FlightService_DoActionServer) error {
	var req AnalyzePlanRequest
	if err := decodeRequest(ActionAnalyzePlan, body, &req); err != nil {
		return err
	}
	resp, err := h.executor.Analyze(ctx, &req)
	if err != nil {
		return err
	}
	return sendJSON(stream, resp)
}

func (h *Handler) doReleaseSession(body []byte, stream flight.FlightService_DoActionServer) error {
	var req ReleaseSessionRequest
	if err := decodeRequest(ActionReleaseSession, body, &req); err != nil {
		return err
	}
	key, err := sessionKey(req.UserContext, req.SessionID)
	if err != nil {
		return err
	}
	released := h.registry.Remove(key)
	return sendJSON(stream, &ReleaseSessionResponse{SessionID: req.SessionID, Released: released})
}

func (h *Handler) doHealthCheck(stream flight.FlightService_DoActionServer) error {
	return sendJSON(stream, &HealthCheckResponse{
		Healthy:  true,
		Contexts: h.registry.Len(),
		UptimeNs: time.Since(h.startTime).Nanoseconds(),
	})
}

func decodeRequest(action string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return engine.IllegalArgumentf("invalid %s request: %v", action, err)
	}
	return nil
}

type resultSender struct {
	stream flight.FlightService_DoActionServer
}

func (s resultSender) Send(resp *ExecutePlanResponse) error {
	return sendJSON(s.stream, resp)
}

func sendJSON(stream flight.FlightService_DoActionServer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return engine.Internalf("encode response: %v", err)
	}
	return stream.Send(&flight.Result{Body: body})
}
