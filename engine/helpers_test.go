package engine

import (
	"context"
	"testing"
)

func newTestContext(t *testing.T) *ExecutionContext {
	t.Helper()
	factory := NewDuckDBFactory(DuckDBConfig{Threads: 1, MemoryLimit: "256MB", MaxConnections: 4})
	ec, err := factory(SessionKey{UserID: "alice", SessionID: t.Name()})
	if err != nil {
		t.Fatalf("failed to create execution context: %v", err)
	}
	t.Cleanup(func() { _ = ec.Close() })
	return ec
}

func mustExec(t *testing.T, ec *ExecutionContext, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		if _, err := ec.DB.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
}

// collectPartition reads every row of one partition, copying values.
func collectPartition(t *testing.T, op Operator, partition int) [][]any {
	t.Helper()
	it, err := op.Execute(context.Background(), partition)
	if err != nil {
		t.Fatalf("execute partition %d: %v", partition, err)
	}
	defer func() { _ = it.Close() }()
	var rows [][]any
	for it.Next() {
		rows = append(rows, append([]any(nil), it.Values()...))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate partition %d: %v", partition, err)
	}
	return rows
}

func collectAll(t *testing.T, op Operator) [][]any {
	t.Helper()
	var rows [][]any
	for p := range op.NumPartitions() {
		rows = append(rows, collectPartition(t, op, p)...)
	}
	return rows
}

func firstColumnInt64(t *testing.T, rows [][]any) []int64 {
	t.Helper()
	out := make([]int64, len(rows))
	for i, r := range rows {
		switch v := r[0].(type) {
		case int64:
			out[i] = v
		case int32:
			out[i] = int64(v)
		default:
			t.Fatalf("row %d: unexpected value %T(%v)", i, r[0], r[0])
		}
	}
	return out
}
