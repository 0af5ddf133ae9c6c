package engine

import (
	"context"
	"reflect"
	"testing"
)

func TestPlannerRange(t *testing.T) {
	p := NewPlanner(nil)
	exec, err := p.Plan(context.Background(), &Relation{Range: &Range{Start: 0, End: 10, Step: 1, NumPartitions: 3}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if _, ok := exec.Root.(*RangeExec); !ok {
		t.Fatalf("root = %T, want *RangeExec", exec.Root)
	}
	if exec.Root.NumPartitions() != 3 {
		t.Errorf("NumPartitions = %d, want 3", exec.Root.NumPartitions())
	}
	if !IsLocal(exec) {
		t.Error("range plans are local")
	}
}

func TestPlannerRejectsMalformedRelations(t *testing.T) {
	tests := []struct {
		name  string
		rel   *Relation
		class *ErrorClass
	}{
		{"nil", nil, ClassAnalysis},
		{"empty", &Relation{}, ClassAnalysis},
		{"two kinds", &Relation{SQL: &SQLRelation{Query: "SELECT 1"}, Range: &Range{End: 1, Step: 1}}, ClassAnalysis},
		{"zero step", &Relation{Range: &Range{End: 1}}, ClassIllegalArgument},
		{"negative limit", &Relation{Limit: &Limit{Input: &Relation{Range: &Range{End: 1, Step: 1}}, Limit: -1}}, ClassIllegalArgument},
		{"limit without input", &Relation{Limit: &Limit{Limit: 1}}, ClassAnalysis},
		{"project without columns", &Relation{Project: &Project{Input: &Relation{Range: &Range{End: 1, Step: 1}}}}, ClassAnalysis},
		{"unknown column", &Relation{Project: &Project{Input: &Relation{Range: &Range{End: 1, Step: 1}}, Columns: []string{"nope"}}}, ClassAnalysis},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanner(nil).Plan(context.Background(), tt.rel)
			if err == nil {
				t.Fatal("expected an error")
			}
			if c := ClassOf(err); c != tt.class {
				t.Errorf("class = %v, want %s (err: %v)", c, tt.class.Name, err)
			}
		})
	}
}

func TestPlannerTableScanIsAdaptive(t *testing.T) {
	ec := newTestContext(t)
	mustExec(t, ec,
		"CREATE TABLE t AS SELECT range AS id, range % 3 AS g FROM range(1000)",
	)
	p := NewPlanner(ec)
	p.TargetRowsPerPartition = 300

	rel := &Relation{Project: &Project{
		Input:   &Relation{Read: &Read{Table: "t"}},
		Columns: []string{"id"},
	}}
	exec, err := p.Plan(context.Background(), rel)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	adaptive, ok := exec.Root.(*AdaptiveExec)
	if !ok {
		t.Fatalf("root = %T, want *AdaptiveExec", exec.Root)
	}
	if !adaptive.IsFinal() {
		t.Fatal("adaptive plan should be final after planning")
	}
	project, ok := adaptive.CurrentPlan().(*ProjectExec)
	if !ok {
		t.Fatalf("current plan = %T, want *ProjectExec", adaptive.CurrentPlan())
	}
	scan := project.Children()[0].(*TableScanExec)
	if scan.NumPartitions() != 4 {
		t.Errorf("scan partitions = %d, want 4", scan.NumPartitions())
	}
	initialScan := adaptive.Children()[0].Children()[0].(*TableScanExec)
	if initialScan.ID() != scan.ID() {
		t.Errorf("final scan id %d differs from initial %d", scan.ID(), initialScan.ID())
	}

	got := firstColumnInt64(t, collectAll(t, exec.Root))
	if len(got) != 1000 {
		t.Fatalf("got %d rows, want 1000", len(got))
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("row %d = %d, partitions out of order", i, v)
		}
	}
	if IsLocal(exec) {
		t.Error("table scans are not local")
	}
}

func TestPlannerEmptyTableHasNoPartitions(t *testing.T) {
	ec := newTestContext(t)
	mustExec(t, ec, "CREATE TABLE empty_t (a INTEGER, b VARCHAR)")
	exec, err := NewPlanner(ec).Plan(context.Background(), &Relation{Read: &Read{Table: "empty_t"}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if n := exec.Root.NumPartitions(); n != 0 {
		t.Errorf("NumPartitions = %d, want 0", n)
	}
	if got := fieldNames(exec.Schema); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("schema = %v", got)
	}
}

func TestPlannerTableFilter(t *testing.T) {
	ec := newTestContext(t)
	mustExec(t, ec, "CREATE TABLE nums AS SELECT range AS n FROM range(20)")
	exec, err := NewPlanner(ec).Plan(context.Background(), &Relation{Read: &Read{Table: "nums", Filter: "n % 5 = 0", NumPartitions: 3}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	got := firstColumnInt64(t, collectAll(t, exec.Root))
	if !reflect.DeepEqual(got, []int64{0, 5, 10, 15}) {
		t.Errorf("got %v", got)
	}
}

func TestPlannerUnknownTable(t *testing.T) {
	ec := newTestContext(t)
	_, err := NewPlanner(ec).Plan(context.Background(), &Relation{Read: &Read{Table: "nope"}})
	if c := ClassOf(err); c == nil || !c.IsA(ClassDuckDB) {
		t.Fatalf("expected a DuckDB error, got %v", err)
	}
}

func TestPlannerLimitInsertsQueryStage(t *testing.T) {
	exec, err := NewPlanner(nil).Plan(context.Background(), &Relation{Limit: &Limit{
		Input: &Relation{Range: &Range{End: 100, Step: 1, NumPartitions: 4}},
		Limit: 5,
	}})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	limit, ok := exec.Root.(*CollectLimitExec)
	if !ok {
		t.Fatalf("root = %T", exec.Root)
	}
	stage, ok := limit.Children()[0].(*QueryStageExec)
	if !ok {
		t.Fatalf("limit child = %T, want *QueryStageExec", limit.Children()[0])
	}
	if _, ok := stage.Plan().(*RangeExec); !ok {
		t.Errorf("stage plan = %T", stage.Plan())
	}

	var ids []int
	Walk(exec.Root, func(op Operator) { ids = append(ids, op.ID()) })
	if !reflect.DeepEqual(ids, []int{0, 2, 1}) {
		t.Errorf("walk ids = %v", ids)
	}
}
