package connect

import "github.com/posthog/duckconnect/engine"

// Flight action types served by Handler.
const (
	ActionExecutePlan    = "ExecutePlan"
	ActionAnalyzePlan    = "AnalyzePlan"
	ActionReleaseSession = "ReleaseSession"
	ActionHealthCheck    = "HealthCheck"
)

// UserContext identifies the principal a request runs as.
type UserContext struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// ExecutePlanRequest is the body of an ExecutePlan action.
type ExecutePlanRequest struct {
	SessionID   string       `json:"session_id"`
	UserContext UserContext  `json:"user_context"`
	ClientID    string       `json:"client_id,omitempty"`
	OperationID string       `json:"operation_id,omitempty"`
	ClientType  string       `json:"client_type,omitempty"`
	Plan        *engine.Plan `json:"plan"`
}

// ExecutePlanResponse is one streamed result. Exactly one of ArrowBatch and
// Metrics is set.
type ExecutePlanResponse struct {
	ClientID    string      `json:"client_id"`
	OperationID string      `json:"operation_id,omitempty"`
	ArrowBatch  *ArrowBatch `json:"arrow_batch,omitempty"`
	Metrics     *Metrics    `json:"metrics,omitempty"`
}

// ArrowBatch carries an Arrow IPC stream with the schema and one record batch.
type ArrowBatch struct {
	RowCount int64  `json:"row_count"`
	Data     []byte `json:"data"`
}

// Metrics is the trailer sent after the last batch of a query.
type Metrics struct {
	Metrics []MetricObject `json:"metrics"`
}

// MetricObject holds the metrics of one physical operator. PlanID and Parent
// let clients rebuild the operator tree; Parent is RootParentID for the root.
type MetricObject struct {
	Name             string                 `json:"name"`
	PlanID           int64                  `json:"plan_id"`
	Parent           int64                  `json:"parent"`
	ExecutionMetrics map[string]MetricValue `json:"execution_metrics"`
}

type MetricValue struct {
	Name       string `json:"name"`
	Value      int64  `json:"value"`
	MetricType string `json:"metric_type"`
}

// AnalyzePlanRequest is the body of an AnalyzePlan action. Only query plans
// can be analyzed.
type AnalyzePlanRequest struct {
	SessionID   string       `json:"session_id"`
	UserContext UserContext  `json:"user_context"`
	ClientID    string       `json:"client_id,omitempty"`
	Plan        *engine.Plan `json:"plan"`
	ExplainMode string       `json:"explain_mode,omitempty"`
}

type AnalyzePlanResponse struct {
	ClientID string `json:"client_id"`
	// Schema is the output schema serialized as an Arrow IPC schema message.
	Schema        []byte   `json:"schema"`
	ExplainString string   `json:"explain_string"`
	TreeString    string   `json:"tree_string"`
	IsLocal       bool     `json:"is_local"`
	IsStreaming   bool     `json:"is_streaming"`
	InputFiles    []string `json:"input_files"`
}

type ReleaseSessionRequest struct {
	SessionID   string      `json:"session_id"`
	UserContext UserContext `json:"user_context"`
}

type ReleaseSessionResponse struct {
	SessionID string `json:"session_id"`
	Released  bool   `json:"released"`
}

type HealthCheckResponse struct {
	Healthy  bool  `json:"healthy"`
	Contexts int   `json:"contexts"`
	UptimeNs int64 `json:"uptime_ns"`
}

func sessionKey(user UserContext, sessionID string) (engine.SessionKey, error) {
	if user.UserID == "" {
		return engine.SessionKey{}, engine.IllegalArgumentf("user_context.user_id is required")
	}
	if sessionID == "" {
		return engine.SessionKey{}, engine.IllegalArgumentf("session_id is required")
	}
	return engine.SessionKey{UserID: user.UserID, SessionID: sessionID}, nil
}
