// Package client talks to a duckconnect server over Arrow Flight.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/posthog/duckconnect/connect"
	"github.com/posthog/duckconnect/engine"
)

// DefaultMaxMessageSize matches the server's default inbound limit.
const DefaultMaxMessageSize = connect.DefaultMaxInboundMessageSize

type options struct {
	bearerToken    string
	tlsConfig      *tls.Config
	maxMessageSize int
	userID         string
}

type Option func(*options)

func WithBearerToken(token string) Option {
	return func(o *options) { o.bearerToken = token }
}

func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

func WithMaxMessageSize(n int) Option {
	return func(o *options) { o.maxMessageSize = n }
}

// WithUserID sets the user requests run as. Defaults to "anonymous".
func WithUserID(id string) Option {
	return func(o *options) { o.userID = id }
}

// Client is a session-scoped connection. Every request it sends carries the
// same user and session id, so they share one execution context on the server.
type Client struct {
	flight    flight.Client
	alloc     memory.Allocator
	userID    string
	sessionID string
}

// New connects to addr ("host:port" or "unix:///path") with a fresh session id.
func New(addr string, opts ...Option) (*Client, error) {
	o := options{maxMessageSize: DefaultMaxMessageSize, userID: "anonymous"}
	for _, opt := range opts {
		opt(&o)
	}

	var dialOpts []grpc.DialOption
	if o.tlsConfig != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(o.tlsConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts,
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(o.maxMessageSize),
			grpc.MaxCallSendMsgSize(o.maxMessageSize),
		),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if o.bearerToken != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(&bearerCreds{token: o.bearerToken, secure: o.tlsConfig != nil}))
	}

	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("flight client: %w", err)
	}
	return &Client{
		flight:    fc,
		alloc:     memory.DefaultAllocator,
		userID:    o.userID,
		sessionID: uuid.NewString(),
	}, nil
}

// SessionID returns the session every request of this client runs in.
func (c *Client) SessionID() string { return c.sessionID }

// Close releases the connection. It does not release the server session.
func (c *Client) Close() error {
	return c.flight.Close()
}

func (c *Client) user() connect.UserContext {
	return connect.UserContext{UserID: c.userID}
}

// Batch is one decoded arrow_batch response.
type Batch struct {
	RowCount int64
	Schema   *arrow.Schema
	Records  []arrow.RecordBatch
}

// Result is everything one ExecutePlan call returned.
type Result struct {
	OperationID string
	Batches     []Batch
	Metrics     []connect.MetricObject
}

// Release releases every record of r.
func (r *Result) Release() {
	for _, b := range r.Batches {
		for _, rec := range b.Records {
			rec.Release()
		}
	}
}

// NumRows returns the total row count of r's batches.
func (r *Result) NumRows() int64 {
	var n int64
	for _, b := range r.Batches {
		n += b.RowCount
	}
	return n
}

// ExecuteStream runs plan and calls fn with every response as it arrives.
// The returned error is the server's status error, if the stream ended with one.
func (c *Client) ExecuteStream(ctx context.Context, plan *engine.Plan, fn func(*connect.ExecutePlanResponse) error) error {
	req := &connect.ExecutePlanRequest{
		SessionID:   c.sessionID,
		UserContext: c.user(),
		ClientID:    uuid.NewString(),
		Plan:        plan,
	}
	return c.doAction(ctx, connect.ActionExecutePlan, req, func(body []byte) error {
		var resp connect.ExecutePlanResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode ExecutePlan response: %w", err)
		}
		return fn(&resp)
	})
}

// Execute runs plan and decodes the whole response stream. Responses
// received before a failure are returned alongside the error.
func (c *Client) Execute(ctx context.Context, plan *engine.Plan) (*Result, error) {
	res := &Result{}
	err := c.ExecuteStream(ctx, plan, func(resp *connect.ExecutePlanResponse) error {
		res.OperationID = resp.OperationID
		switch {
		case resp.ArrowBatch != nil:
			b, err := c.decodeBatch(resp.ArrowBatch)
			if err != nil {
				return err
			}
			res.Batches = append(res.Batches, b)
		case resp.Metrics != nil:
			res.Metrics = resp.Metrics.Metrics
		}
		return nil
	})
	return res, err
}

// SQL runs query as a root sql relation.
func (c *Client) SQL(ctx context.Context, query string) (*Result, error) {
	return c.Execute(ctx, &engine.Plan{Root: &engine.Relation{SQL: &engine.SQLRelation{Query: query}}})
}

// Command runs a side-effecting statement.
func (c *Client) Command(ctx context.Context, statement string) error {
	_, err := c.Execute(ctx, &engine.Plan{Command: &engine.Command{SQLCommand: &engine.SQLCommand{SQL: statement}}})
	return err
}

// SetConfig sets a session config value.
func (c *Client) SetConfig(ctx context.Context, key, value string) error {
	_, err := c.Execute(ctx, &engine.Plan{Command: &engine.Command{SetConfig: &engine.SetConfig{Key: key, Value: value}}})
	return err
}

func (c *Client) decodeBatch(b *connect.ArrowBatch) (Batch, error) {
	r, err := ipc.NewReader(bytes.NewReader(b.Data), ipc.WithAllocator(c.alloc))
	if err != nil {
		return Batch{}, fmt.Errorf("read arrow batch: %w", err)
	}
	defer r.Release()

	out := Batch{RowCount: b.RowCount, Schema: r.Schema()}
	for r.Next() {
		rec := r.RecordBatch()
		rec.Retain()
		out.Records = append(out.Records, rec)
	}
	if err := r.Err(); err != nil {
		for _, rec := range out.Records {
			rec.Release()
		}
		return Batch{}, fmt.Errorf("read arrow batch: %w", err)
	}
	return out, nil
}

// Analyze describes plan without running it.
func (c *Client) Analyze(ctx context.Context, plan *engine.Plan, mode string) (*connect.AnalyzePlanResponse, *arrow.Schema, error) {
	req := &connect.AnalyzePlanRequest{
		SessionID:   c.sessionID,
		UserContext: c.user(),
		ClientID:    uuid.NewString(),
		Plan:        plan,
		ExplainMode: mode,
	}
	var resp connect.AnalyzePlanResponse
	if err := c.doJSON(ctx, connect.ActionAnalyzePlan, req, &resp); err != nil {
		return nil, nil, err
	}
	schema, err := flight.DeserializeSchema(resp.Schema, c.alloc)
	if err != nil {
		return nil, nil, fmt.Errorf("decode schema: %w", err)
	}
	return &resp, schema, nil
}

// ReleaseSession drops the server-side execution context of this client.
func (c *Client) ReleaseSession(ctx context.Context) (bool, error) {
	req := &connect.ReleaseSessionRequest{SessionID: c.sessionID, UserContext: c.user()}
	var resp connect.ReleaseSessionResponse
	if err := c.doJSON(ctx, connect.ActionReleaseSession, req, &resp); err != nil {
		return false, err
	}
	return resp.Released, nil
}

func (c *Client) HealthCheck(ctx context.Context) (*connect.HealthCheckResponse, error) {
	var resp connect.HealthCheckResponse
	if err := c.doJSON(ctx, connect.ActionHealthCheck, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

var errNoResponse = errors.New("server sent no response")

func (c *Client) doJSON(ctx context.Context, action string, req, resp any) error {
	got := false
	err := c.doAction(ctx, action, req, func(body []byte) error {
		got = true
		return json.Unmarshal(body, resp)
	})
	if err != nil {
		return err
	}
	if !got {
		return errNoResponse
	}
	return nil
}

func (c *Client) doAction(ctx context.Context, action string, req any, fn func([]byte) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", action, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.flight.DoAction(ctx, &flight.Action{Type: action, Body: body})
	if err != nil {
		return err
	}
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(res.Body); err != nil {
			return err
		}
	}
}

// bearerCreds implements grpc.PerRPCCredentials for bearer token auth.
type bearerCreds struct {
	token  string
	secure bool
}

func (c *bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.token}, nil
}

func (c *bearerCreds) RequireTransportSecurity() bool {
	return c.secure
}
