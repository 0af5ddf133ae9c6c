package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/posthog/duckconnect/connect"
	"github.com/posthog/duckconnect/engine"
)

func startServer(t *testing.T, cfg connect.ServiceConfig) string {
	t.Helper()
	cfg.DuckDB = engine.DuckDBConfig{Threads: 1, MemoryLimit: "256MB", MaxConnections: 4}
	cfg.MaxConcurrentTasks = 4
	svc, err := connect.NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Serve(ln)
	}()
	t.Cleanup(func() {
		svc.Shutdown()
		<-done
	})
	return ln.Addr().String()
}

func newClient(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	c, err := New(addr, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSQLRoundTrip(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{}))
	ctx := testCtx(t)

	res, err := c.SQL(ctx, "SELECT 1 AS one, 'duck' AS name, DATE '2024-03-01' AS d, [1, 2] AS xs, NULL::INTEGER AS n")
	if err != nil {
		t.Fatalf("SQL: %v", err)
	}
	defer res.Release()

	if res.OperationID == "" {
		t.Error("no operation id")
	}
	rows := res.Rows()
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	row := rows[0]
	if row[0] != int32(1) || row[1] != "duck" {
		t.Fatalf("row = %v", row)
	}
	if d, ok := row[2].(time.Time); !ok || d.Format(time.DateOnly) != "2024-03-01" {
		t.Fatalf("date = %v", row[2])
	}
	if xs, ok := row[3].([]any); !ok || len(xs) != 2 || xs[1] != int32(2) {
		t.Fatalf("list = %#v", row[3])
	}
	if row[4] != nil {
		t.Fatalf("null = %v", row[4])
	}
	if len(res.Metrics) == 0 {
		t.Fatal("no metrics trailer")
	}
}

func TestRangeKeepsPartitionOrder(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{MaxRecordsPerBatch: 100}))
	ctx := testCtx(t)

	plan := &engine.Plan{Root: &engine.Relation{Range: &engine.Range{Start: 0, End: 5000, Step: 1, NumPartitions: 7}}}
	res, err := c.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer res.Release()

	if res.NumRows() != 5000 {
		t.Fatalf("got %d rows", res.NumRows())
	}
	for i, row := range res.Rows() {
		if row[0] != int64(i) {
			t.Fatalf("row %d = %v", i, row[0])
		}
	}
	for _, b := range res.Batches {
		if b.RowCount > 100 {
			t.Fatalf("batch of %d rows exceeds the configured cap", b.RowCount)
		}
	}
	var total int64
	for _, m := range res.Metrics {
		if m.Name == "Range" {
			total = m.ExecutionMetrics[engine.MetricNumOutputRows].Value
		}
	}
	if total != 5000 {
		t.Fatalf("Range numOutputRows = %d", total)
	}
}

func TestEmptyResultCarriesSchema(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{}))
	res, err := c.SQL(testCtx(t), "SELECT 1 AS x WHERE false")
	if err != nil {
		t.Fatalf("SQL: %v", err)
	}
	defer res.Release()
	if len(res.Batches) != 1 || res.Batches[0].RowCount != 0 {
		t.Fatalf("got %d batches", len(res.Batches))
	}
	if f := res.Batches[0].Schema.Field(0); f.Name != "x" || f.Type.ID() != arrow.INT32 {
		t.Fatalf("schema = %s", res.Batches[0].Schema)
	}
}

func TestCommandsAndConfigShareSession(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{}))
	ctx := testCtx(t)

	if err := c.Command(ctx, "CREATE TABLE events AS SELECT range AS id FROM range(250)"); err != nil {
		t.Fatalf("Command: %v", err)
	}
	if err := c.SetConfig(ctx, engine.ConfMaxRecordsPerBatch, "50"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	res, err := c.Execute(ctx, &engine.Plan{Root: &engine.Relation{Read: &engine.Read{Table: "events"}}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer res.Release()
	if res.NumRows() != 250 {
		t.Fatalf("got %d rows", res.NumRows())
	}
	for _, b := range res.Batches {
		if b.RowCount > 50 {
			t.Fatalf("session batch size ignored: batch of %d rows", b.RowCount)
		}
	}
}

func TestAnalyze(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{}))
	resp, schema, err := c.Analyze(testCtx(t), &engine.Plan{Root: &engine.Relation{Range: &engine.Range{Start: 0, End: 10, Step: 1}}}, "formatted")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if schema.NumFields() != 1 || schema.Field(0).Name != "id" {
		t.Fatalf("schema = %s", schema)
	}
	if !resp.IsLocal || resp.ExplainString == "" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestReleaseSession(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{}))
	ctx := testCtx(t)

	if err := c.Command(ctx, "CREATE TABLE gone (x INT)"); err != nil {
		t.Fatalf("Command: %v", err)
	}
	released, err := c.ReleaseSession(ctx)
	if err != nil || !released {
		t.Fatalf("ReleaseSession = %t, %v", released, err)
	}
	released, err = c.ReleaseSession(ctx)
	if err != nil || released {
		t.Fatalf("second ReleaseSession = %t, %v", released, err)
	}

	// The next request gets a fresh context without the table.
	_, err = c.SQL(ctx, "SELECT * FROM gone")
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{}))
	ctx := testCtx(t)
	if _, err := c.SQL(ctx, "SELECT 1"); err != nil {
		t.Fatalf("SQL: %v", err)
	}
	h, err := c.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !h.Healthy || h.Contexts != 1 || h.UptimeNs <= 0 {
		t.Fatalf("health = %+v", h)
	}
}

func TestBearerToken(t *testing.T) {
	addr := startServer(t, connect.ServiceConfig{BearerToken: "let-me-in"})
	ctx := testCtx(t)

	tests := []struct {
		name string
		opts []Option
		code codes.Code
	}{
		{"no token", nil, codes.Unauthenticated},
		{"wrong token", []Option{WithBearerToken("nope")}, codes.Unauthenticated},
		{"valid token", []Option{WithBearerToken("let-me-in")}, codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, addr, tt.opts...)
			_, err := c.HealthCheck(ctx)
			if got := status.Code(err); got != tt.code {
				t.Fatalf("code = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestErrorDetails(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{}))
	ctx := testCtx(t)

	tests := []struct {
		name   string
		run    func() error
		code   codes.Code
		reason string
	}{
		{
			name: "unsupported plan",
			run: func() error {
				_, err := c.Execute(ctx, &engine.Plan{})
				return err
			},
			code:   codes.Unimplemented,
			reason: "duckconnect.UnsupportedOperationError",
		},
		{
			name: "bad explain mode",
			run: func() error {
				_, _, err := c.Analyze(ctx, &engine.Plan{Root: &engine.Relation{SQL: &engine.SQLRelation{Query: "SELECT 1"}}}, "verbose")
				return err
			},
			code:   codes.InvalidArgument,
			reason: "duckconnect.IllegalArgumentError",
		},
		{
			name: "duckdb parser error",
			run: func() error {
				_, err := c.SQL(ctx, "SELEC 1")
				return err
			},
			code:   codes.InvalidArgument,
			reason: "duckdb.ParserError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			st, ok := status.FromError(err)
			if !ok {
				t.Fatalf("not a status error: %v", err)
			}
			if st.Code() != tt.code {
				t.Fatalf("code = %s, want %s (%s)", st.Code(), tt.code, st.Message())
			}
			info, ok := connect.ErrorInfo(st)
			if !ok || info.Domain != connect.ErrorDomain {
				t.Fatalf("ErrorInfo = %+v", info)
			}
			if info.Reason != tt.reason {
				t.Fatalf("reason = %s, want %s", info.Reason, tt.reason)
			}
		})
	}
}

func TestExecuteStreamStopsOnCallbackError(t *testing.T) {
	c := newClient(t, startServer(t, connect.ServiceConfig{MaxRecordsPerBatch: 10}))
	stop := errors.New("enough")
	seen := 0
	err := c.ExecuteStream(testCtx(t), &engine.Plan{Root: &engine.Relation{Range: &engine.Range{Start: 0, End: 1000, Step: 1}}}, func(*connect.ExecutePlanResponse) error {
		seen++
		if seen == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || seen != 3 {
		t.Fatalf("err = %v after %d responses", err, seen)
	}
}
