package engine

import (
	"context"
	"runtime"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Executable is a planned query: a physical operator tree with a fixed
// output schema.
type Executable struct {
	Relation *Relation
	Root     Operator
	Schema   *arrow.Schema
}

// Planner turns relations into physical plans against one execution context.
type Planner struct {
	ec *ExecutionContext

	// DefaultParallelism is the partition count of ranges that do not set one.
	DefaultParallelism int
	// TargetRowsPerPartition sizes table scans that do not set a partition count.
	TargetRowsPerPartition int64

	nextID int
}

func NewPlanner(ec *ExecutionContext) *Planner {
	return &Planner{
		ec:                     ec,
		DefaultParallelism:     runtime.NumCPU(),
		TargetRowsPerPartition: 100_000,
	}
}

// Plan resolves rel into an Executable. Plans containing table scans are
// wrapped in an AdaptiveExec that is prepared before Plan returns.
func (p *Planner) Plan(ctx context.Context, rel *Relation) (*Executable, error) {
	if rel == nil {
		return nil, Analysisf("plan has no root relation")
	}
	p.nextID = 0
	root, err := p.plan(ctx, rel)
	if err != nil {
		return nil, err
	}
	if containsTableScan(root) {
		adaptive := NewAdaptiveExec(p.allocID(), root, p.finalizeScans)
		if err := adaptive.Prepare(ctx); err != nil {
			return nil, err
		}
		root = adaptive
	}
	return &Executable{Relation: rel, Root: root, Schema: root.Schema()}, nil
}

func (p *Planner) allocID() int {
	id := p.nextID
	p.nextID++
	return id
}

func (p *Planner) plan(ctx context.Context, rel *Relation) (Operator, error) {
	kind, n := rel.kind()
	switch {
	case n == 0:
		return nil, Analysisf("empty relation")
	case n > 1:
		return nil, Analysisf("relation sets %d kinds, expected exactly one of sql, range, read, project, limit", n)
	}

	id := p.allocID()
	switch kind {
	case "sql":
		return p.planSQL(ctx, id, rel.SQL)
	case "range":
		r := rel.Range
		parts := r.NumPartitions
		if parts == 0 {
			parts = p.DefaultParallelism
		}
		return NewRangeExec(id, r.Start, r.End, r.Step, parts)
	case "read":
		return p.planRead(ctx, id, rel.Read)
	case "project":
		return p.planProject(ctx, id, rel.Project)
	default:
		return p.planLimit(ctx, id, rel.Limit)
	}
}

func (p *Planner) planSQL(ctx context.Context, id int, rel *SQLRelation) (Operator, error) {
	if strings.TrimSpace(rel.Query) == "" {
		return nil, Analysisf("sql relation has an empty query")
	}
	db, err := p.ec.requireDB()
	if err != nil {
		return nil, err
	}
	schema, err := querySchema(ctx, db, rel.Query)
	if err != nil {
		return nil, err
	}
	return NewSQLScanExec(id, db, rel.Query, schema), nil
}

func (p *Planner) planRead(ctx context.Context, id int, rel *Read) (Operator, error) {
	if (rel.Table == "") == (rel.DataSource == nil) {
		return nil, Analysisf("read must set exactly one of table or data_source")
	}
	if rel.NumPartitions < 0 {
		return nil, IllegalArgumentf("read num_partitions must not be negative, got %d", rel.NumPartitions)
	}
	db, err := p.ec.requireDB()
	if err != nil {
		return nil, err
	}

	if rel.Table != "" {
		schema, err := querySchema(ctx, db, tableScanQuery(rel.Table, rel.Filter))
		if err != nil {
			return nil, err
		}
		return NewTableScanExec(id, db, rel.Table, rel.Filter, rel.NumPartitions, schema), nil
	}

	ds := rel.DataSource
	if len(ds.Paths) == 0 {
		return nil, Analysisf("data_source has no paths")
	}
	q, err := fileScanQuery(ds.Format, ds.Paths, rel.Filter)
	if err != nil {
		return nil, err
	}
	schema, err := querySchema(ctx, db, q)
	if err != nil {
		return nil, err
	}
	return NewFileScanExec(id, db, strings.ToLower(ds.Format), ds.Paths, rel.Filter, schema), nil
}

func (p *Planner) planProject(ctx context.Context, id int, rel *Project) (Operator, error) {
	if rel.Input == nil {
		return nil, Analysisf("project has no input")
	}
	if len(rel.Columns) == 0 {
		return nil, Analysisf("project selects no columns")
	}
	child, err := p.plan(ctx, rel.Input)
	if err != nil {
		return nil, err
	}
	schema := child.Schema()
	indices := make([]int, len(rel.Columns))
	for i, col := range rel.Columns {
		found := schema.FieldIndices(col)
		if len(found) == 0 {
			return nil, Analysisf("cannot resolve column %q among [%s]", col, strings.Join(fieldNames(schema), ", "))
		}
		if len(found) > 1 {
			return nil, Analysisf("column reference %q is ambiguous", col)
		}
		indices[i] = found[0]
	}
	return NewProjectExec(id, child, rel.Columns, indices), nil
}

func (p *Planner) planLimit(ctx context.Context, id int, rel *Limit) (Operator, error) {
	if rel.Input == nil {
		return nil, Analysisf("limit has no input")
	}
	if rel.Limit < 0 {
		return nil, IllegalArgumentf("limit must not be negative, got %d", rel.Limit)
	}
	child, err := p.plan(ctx, rel.Input)
	if err != nil {
		return nil, err
	}
	return NewCollectLimitExec(id, NewQueryStageExec(p.allocID(), child), rel.Limit), nil
}

// finalizeScans sizes every table scan under initial from current row counts.
func (p *Planner) finalizeScans(ctx context.Context, initial Operator) (Operator, error) {
	return transformLeaves(initial, func(leaf Operator) (Operator, error) {
		scan, ok := leaf.(*TableScanExec)
		if !ok || scan.finalized {
			return leaf, nil
		}
		return scan.finalize(ctx, p.TargetRowsPerPartition)
	})
}

type rebuildable interface {
	withChildren(children []Operator) Operator
}

// transformLeaves rebuilds op bottom-up with fn applied to every leaf.
func transformLeaves(op Operator, fn func(Operator) (Operator, error)) (Operator, error) {
	var children []Operator
	switch n := op.(type) {
	case *QueryStageExec:
		children = []Operator{n.Plan()}
	case *AdaptiveExec:
		return op, nil
	default:
		children = op.Children()
	}
	if len(children) == 0 {
		return fn(op)
	}
	newChildren := make([]Operator, len(children))
	for i, c := range children {
		nc, err := transformLeaves(c, fn)
		if err != nil {
			return nil, err
		}
		newChildren[i] = nc
	}
	r, ok := op.(rebuildable)
	if !ok {
		return nil, Internalf("%s cannot be rebuilt", op.Name())
	}
	return r.withChildren(newChildren), nil
}

func containsTableScan(op Operator) bool {
	found := false
	Walk(op, func(o Operator) {
		if _, ok := o.(*TableScanExec); ok {
			found = true
		}
	})
	return found
}

// Walk visits op and everything below it in pre-order, following the current
// plan of adaptive and stage wrappers.
func Walk(op Operator, fn func(Operator)) {
	fn(op)
	switch n := op.(type) {
	case *AdaptiveExec:
		Walk(n.CurrentPlan(), fn)
	case *QueryStageExec:
		Walk(n.Plan(), fn)
	default:
		for _, c := range op.Children() {
			Walk(c, fn)
		}
	}
}

func fieldNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		names[i] = f.Name
	}
	return names
}
