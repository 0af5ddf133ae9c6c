package engine

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestRangeExecPartitions(t *testing.T) {
	tests := []struct {
		name             string
		start, end, step int64
		partitions       int
		want             []int64
	}{
		{"even split", 0, 6, 1, 3, []int64{0, 1, 2, 3, 4, 5}},
		{"uneven split", 0, 7, 1, 3, []int64{0, 1, 2, 3, 4, 5, 6}},
		{"step", 0, 10, 3, 2, []int64{0, 3, 6, 9}},
		{"negative step", 5, 0, -2, 2, []int64{5, 3, 1}},
		{"more partitions than rows", 0, 2, 1, 4, []int64{0, 1}},
		{"empty", 3, 3, 1, 2, nil},
		{"wrong direction", 0, 10, -1, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRangeExec(0, tt.start, tt.end, tt.step, tt.partitions)
			if err != nil {
				t.Fatalf("NewRangeExec: %v", err)
			}
			got := firstColumnInt64(t, collectAll(t, r))
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if n := r.Metrics().Get(MetricNumOutputRows).Value(); n != int64(len(tt.want)) {
				t.Errorf("numOutputRows = %d, want %d", n, len(tt.want))
			}
		})
	}
}

func TestRangeExecLargeRanges(t *testing.T) {
	tests := []struct {
		name             string
		start, end, step int64
		partitions       int
		count            uint64
		// first two values of every partition
		heads [][2]int64
	}{
		{
			name: "end at max int64", start: 0, end: math.MaxInt64, step: 2, partitions: 1,
			count: 1 << 62,
			heads: [][2]int64{{0, 2}},
		},
		{
			name: "split of 2^62 rows", start: 0, end: 1 << 62, step: 1, partitions: 4,
			count: 1 << 62,
			heads: [][2]int64{{0, 1}, {1 << 60, 1<<60 + 1}, {2 << 60, 2<<60 + 1}, {3 << 60, 3<<60 + 1}},
		},
		{
			name: "full int64 domain", start: math.MinInt64, end: math.MaxInt64, step: 1, partitions: 2,
			count: math.MaxUint64,
			heads: [][2]int64{{math.MinInt64, math.MinInt64 + 1}, {-1, 0}},
		},
		{
			name: "full domain descending", start: math.MaxInt64, end: math.MinInt64, step: -1, partitions: 2,
			count: math.MaxUint64,
			heads: [][2]int64{{math.MaxInt64, math.MaxInt64 - 1}, {0, -1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRangeExec(0, tt.start, tt.end, tt.step, tt.partitions)
			if err != nil {
				t.Fatalf("NewRangeExec: %v", err)
			}
			if got := r.Count(); got != tt.count {
				t.Fatalf("Count = %d, want %d", got, tt.count)
			}
			for p, want := range tt.heads {
				it, err := r.Execute(context.Background(), p)
				if err != nil {
					t.Fatalf("Execute(%d): %v", p, err)
				}
				for i, w := range want {
					if !it.Next() {
						t.Fatalf("partition %d ended after %d rows", p, i)
					}
					if got := it.Values()[0]; got != w {
						t.Fatalf("partition %d row %d = %v, want %d", p, i, got, w)
					}
				}
				_ = it.Close()
			}
		})
	}
}

func TestPartitionBoundsCoverRange(t *testing.T) {
	tests := []struct {
		n     uint64
		parts int
	}{
		{0, 3},
		{7, 3},
		{1 << 62, 4},
		{math.MaxUint64, 7},
	}
	for _, tt := range tests {
		var next, total uint64
		for i := range tt.parts {
			lo, hi := partitionBounds(tt.n, i, tt.parts)
			if lo != next || hi < lo {
				t.Fatalf("n=%d part %d: bounds [%d, %d), want start %d", tt.n, i, lo, hi, next)
			}
			next = hi
			total += hi - lo
		}
		if total != tt.n {
			t.Fatalf("n=%d: partitions cover %d elements", tt.n, total)
		}
	}
}

func TestRangeExecRejectsZeroStep(t *testing.T) {
	_, err := NewRangeExec(0, 0, 10, 0, 1)
	if ClassOf(err) != ClassIllegalArgument {
		t.Fatalf("expected IllegalArgument, got %v", err)
	}
}

func TestRangeExecPartitionOutOfBounds(t *testing.T) {
	r, _ := NewRangeExec(0, 0, 10, 1, 2)
	_, err := r.Execute(context.Background(), 2)
	if ClassOf(err) != ClassInternal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestProjectExec(t *testing.T) {
	ec := newTestContext(t)
	const q = "SELECT 1 AS a, 'x' AS b, 2.5 AS c"
	schema, err := querySchema(context.Background(), ec.DB, q)
	if err != nil {
		t.Fatalf("querySchema: %v", err)
	}
	child := NewSQLScanExec(1, ec.DB, q, schema)

	p := NewProjectExec(0, child, []string{"c", "a"}, []int{2, 0})
	if got := fieldNames(p.Schema()); !reflect.DeepEqual(got, []string{"c", "a"}) {
		t.Fatalf("schema fields = %v", got)
	}
	rows := collectAll(t, p)
	if len(rows) != 1 || len(rows[0]) != 2 {
		t.Fatalf("unexpected rows %v", rows)
	}
	if rows[0][1] != int32(1) {
		t.Errorf("a = %T(%v), want int32(1)", rows[0][1], rows[0][1])
	}
	if p.Metrics().Get(MetricNumOutputRows).Value() != 1 {
		t.Errorf("project numOutputRows = %d", p.Metrics().Get(MetricNumOutputRows).Value())
	}
	if child.Metrics().Get(MetricNumOutputRows).Value() != 1 {
		t.Errorf("scan numOutputRows = %d", child.Metrics().Get(MetricNumOutputRows).Value())
	}
}

func TestCollectLimitExecStopsEarly(t *testing.T) {
	r, _ := NewRangeExec(2, 0, 100, 1, 4)
	c := NewCollectLimitExec(0, NewQueryStageExec(1, r), 30)
	if c.NumPartitions() != 1 {
		t.Fatalf("NumPartitions = %d, want 1", c.NumPartitions())
	}
	got := firstColumnInt64(t, collectAll(t, c))
	if len(got) != 30 {
		t.Fatalf("got %d rows, want 30", len(got))
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("row %d = %d", i, v)
		}
	}
	// Partitions 0 and 1 cover 0..49; later partitions must not be read.
	if n := r.Metrics().Get(MetricNumOutputRows).Value(); n > 50 {
		t.Errorf("range produced %d rows, expected at most 50", n)
	}
}

func TestCollectLimitExecZero(t *testing.T) {
	r, _ := NewRangeExec(1, 0, 10, 1, 1)
	c := NewCollectLimitExec(0, r, 0)
	if rows := collectAll(t, c); len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestAdaptiveExecPrepare(t *testing.T) {
	initial, _ := NewRangeExec(1, 0, 10, 1, 1)
	final, _ := NewRangeExec(1, 0, 10, 1, 5)
	calls := 0
	a := NewAdaptiveExec(0, initial, func(_ context.Context, in Operator) (Operator, error) {
		calls++
		if in != initial {
			t.Errorf("replan got %v, want the initial plan", in)
		}
		return final, nil
	})

	if a.IsFinal() || a.CurrentPlan() != initial {
		t.Fatal("expected the initial plan before Prepare")
	}
	for range 2 {
		if err := a.Prepare(context.Background()); err != nil {
			t.Fatalf("Prepare: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("replan called %d times, want 1", calls)
	}
	if a.CurrentPlan() != final || a.NumPartitions() != 5 {
		t.Errorf("expected the final plan after Prepare")
	}
	if len(a.Children()) != 1 || a.Children()[0] != initial {
		t.Errorf("Children should expose the initial plan")
	}
}

func TestAdaptiveExecPrepareError(t *testing.T) {
	initial, _ := NewRangeExec(1, 0, 10, 1, 1)
	boom := errors.New("boom")
	a := NewAdaptiveExec(0, initial, func(context.Context, Operator) (Operator, error) { return nil, boom })
	if err := a.Prepare(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Prepare error = %v", err)
	}
	if a.IsFinal() {
		t.Error("failed Prepare must leave the plan non-final")
	}
}

func TestSQLScanExecTagsDuckDBErrors(t *testing.T) {
	ec := newTestContext(t)
	s := NewSQLScanExec(0, ec.DB, "SELECT * FROM missing_table", rangeSchema)
	_, err := s.Execute(context.Background(), 0)
	var foreign *ForeignRuntimeError
	if !errors.As(err, &foreign) {
		t.Fatalf("expected ForeignRuntimeError, got %T: %v", err, err)
	}
	if !foreign.Class.IsA(ClassDuckDB) {
		t.Errorf("class %s is not a DuckDB class", foreign.Class.Name)
	}
}
