package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// NodeKind tags the shape of a physical operator.
type NodeKind int

const (
	// KindLeaf operators read data and have no children.
	KindLeaf NodeKind = iota
	// KindStandard operators transform the output of their children.
	KindStandard
	// KindAdaptive operators wrap a plan that is replaced at prepare time.
	KindAdaptive
	// KindStage operators mark a materialization boundary around one plan.
	KindStage
)

// Operator is a node of a physical plan.
type Operator interface {
	ID() int
	Name() string
	Kind() NodeKind
	Schema() *arrow.Schema
	NumPartitions() int
	// Execute returns the rows of one partition. It may be called
	// concurrently for different partitions.
	Execute(ctx context.Context, partition int) (RowIterator, error)
	Children() []Operator
	Metrics() *MetricSet
	// Describe renders the operator's arguments on one line.
	Describe() string
}

type baseOp struct {
	id      int
	schema  *arrow.Schema
	metrics *MetricSet
}

func newBaseOp(id int, schema *arrow.Schema) baseOp {
	return baseOp{id: id, schema: schema, metrics: NewMetricSet()}
}

func (b *baseOp) ID() int               { return b.id }
func (b *baseOp) Schema() *arrow.Schema { return b.schema }
func (b *baseOp) Metrics() *MetricSet   { return b.metrics }

func checkPartition(op Operator, partition int) error {
	if partition < 0 || partition >= op.NumPartitions() {
		return Internalf("%s#%d has no partition %d (of %d)", op.Name(), op.ID(), partition, op.NumPartitions())
	}
	return nil
}

// RangeExec generates a single int64 column "id".
type RangeExec struct {
	baseOp
	start, end, step int64
	partitions       int
}

var rangeSchema = arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)

func NewRangeExec(id int, start, end, step int64, partitions int) (*RangeExec, error) {
	if step == 0 {
		return nil, IllegalArgumentf("range step must not be 0")
	}
	if partitions <= 0 {
		return nil, IllegalArgumentf("range num_partitions must be positive, got %d", partitions)
	}
	r := &RangeExec{baseOp: newBaseOp(id, rangeSchema), start: start, end: end, step: step, partitions: partitions}
	outputRowsMetric(r.metrics)
	return r, nil
}

func (r *RangeExec) Name() string         { return "Range" }
func (r *RangeExec) Kind() NodeKind       { return KindLeaf }
func (r *RangeExec) NumPartitions() int   { return r.partitions }
func (r *RangeExec) Children() []Operator { return nil }

func (r *RangeExec) Describe() string {
	return fmt.Sprintf("Range (%d, %d, step=%d, splits=%d)", r.start, r.end, r.step, r.partitions)
}

// Count returns the number of elements the range produces. It is unsigned
// because range(math.MinInt64, math.MaxInt64) has more elements than int64
// can hold.
func (r *RangeExec) Count() uint64 {
	var span, step uint64
	switch {
	case r.step > 0 && r.end > r.start:
		span, step = uint64(r.end)-uint64(r.start), uint64(r.step)
	case r.step < 0 && r.start > r.end:
		span, step = uint64(r.start)-uint64(r.end), -uint64(r.step)
	default:
		return 0
	}
	n := span / step
	if span%step != 0 {
		n++
	}
	return n
}

// partitionBounds splits n elements into parts contiguous slices and returns
// the half-open bounds of slice i. The product n*i is taken in 128 bits.
func partitionBounds(n uint64, i, parts int) (lo, hi uint64) {
	at := func(k int) uint64 {
		h, l := bits.Mul64(n, uint64(k))
		q, _ := bits.Div64(h, l, uint64(parts))
		return q
	}
	return at(i), at(i + 1)
}

func (r *RangeExec) Execute(_ context.Context, partition int) (RowIterator, error) {
	if err := checkPartition(r, partition); err != nil {
		return nil, err
	}
	lo, hi := partitionBounds(r.Count(), partition, r.partitions)
	// Two's complement wrap-around gives the exact start value since it lies
	// inside [start, end).
	first := int64(uint64(r.start) + lo*uint64(r.step))
	it := &rangeRows{next: first, step: r.step, remaining: hi - lo, values: make([]any, 1)}
	return counted(it, r.metrics), nil
}

// SQLScanExec evaluates a DuckDB query as a single partition.
type SQLScanExec struct {
	baseOp
	db       *sql.DB
	query    string
	scanTime *Metric
}

func NewSQLScanExec(id int, db *sql.DB, query string, schema *arrow.Schema) *SQLScanExec {
	s := &SQLScanExec{baseOp: newBaseOp(id, schema), db: db, query: query}
	outputRowsMetric(s.metrics)
	s.scanTime = s.metrics.Register(MetricScanTime, "scan time", MetricNsTiming)
	return s
}

func (s *SQLScanExec) Name() string         { return "SQLScan" }
func (s *SQLScanExec) Kind() NodeKind       { return KindLeaf }
func (s *SQLScanExec) NumPartitions() int   { return 1 }
func (s *SQLScanExec) Children() []Operator { return nil }
func (s *SQLScanExec) Query() string        { return s.query }

func (s *SQLScanExec) Describe() string {
	return fmt.Sprintf("SQLScan [%s]", oneLine(s.query))
}

func (s *SQLScanExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	if err := checkPartition(s, partition); err != nil {
		return nil, err
	}
	return runQuery(ctx, s.db, s.query, s.schema, s.metrics, s.scanTime)
}

// rowidRange is a half-open interval of DuckDB rowids.
type rowidRange struct {
	lo, hi int64
}

// TableScanExec reads a table of the session database split into rowid
// ranges. Its ranges are unknown until the enclosing AdaptiveExec prepares.
type TableScanExec struct {
	baseOp
	db        *sql.DB
	table     string
	filter    string
	requested int
	ranges    []rowidRange
	finalized bool
	scanTime  *Metric
}

func NewTableScanExec(id int, db *sql.DB, table, filter string, requested int, schema *arrow.Schema) *TableScanExec {
	t := &TableScanExec{baseOp: newBaseOp(id, schema), db: db, table: table, filter: filter, requested: requested}
	t.registerMetrics()
	return t
}

func (t *TableScanExec) registerMetrics() {
	outputRowsMetric(t.metrics)
	t.scanTime = t.metrics.Register(MetricScanTime, "scan time", MetricNsTiming)
	t.metrics.Register(MetricNumPartitions, "number of partitions", MetricSum)
}

func (t *TableScanExec) Name() string         { return "TableScan" }
func (t *TableScanExec) Kind() NodeKind       { return KindLeaf }
func (t *TableScanExec) Children() []Operator { return nil }
func (t *TableScanExec) Table() string        { return t.table }

func (t *TableScanExec) NumPartitions() int {
	if !t.finalized {
		return max(t.requested, 1)
	}
	return len(t.ranges)
}

func (t *TableScanExec) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "TableScan %s", t.table)
	if t.filter != "" {
		fmt.Fprintf(&b, " [filter: %s]", oneLine(t.filter))
	}
	if t.finalized {
		fmt.Fprintf(&b, " (partitions=%d)", len(t.ranges))
	}
	return b.String()
}

func tableScanQuery(table, filter string) string {
	q := "SELECT * FROM " + QuoteTableName(table)
	if filter != "" {
		q += " WHERE (" + filter + ")"
	}
	return q
}

func (t *TableScanExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	if !t.finalized {
		return nil, Internalf("TableScan#%d executed before its partitioning was finalized", t.id)
	}
	if err := checkPartition(t, partition); err != nil {
		return nil, err
	}
	r := t.ranges[partition]
	cond := fmt.Sprintf("rowid >= %d AND rowid < %d", r.lo, r.hi)
	if t.filter != "" {
		cond += " AND (" + t.filter + ")"
	}
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY rowid", QuoteTableName(t.table), cond)
	return runQuery(ctx, t.db, q, t.schema, t.metrics, t.scanTime)
}

// finalize returns a copy of t split into partitions sized from the table's
// current row count. An empty table yields zero partitions.
func (t *TableScanExec) finalize(ctx context.Context, targetRows int64) (*TableScanExec, error) {
	var count int64
	var lo, hi sql.NullInt64
	q := "SELECT count(*), min(rowid), max(rowid) FROM " + QuoteTableName(t.table)
	if err := t.db.QueryRowContext(ctx, q).Scan(&count, &lo, &hi); err != nil {
		return nil, FromDuckDB(err)
	}

	out := &TableScanExec{
		baseOp:    newBaseOp(t.id, t.schema),
		db:        t.db,
		table:     t.table,
		filter:    t.filter,
		requested: t.requested,
		finalized: true,
	}
	out.registerMetrics()
	if count == 0 || !lo.Valid || !hi.Valid {
		return out, nil
	}

	parts := int64(t.requested)
	if parts <= 0 {
		parts = (count + targetRows - 1) / targetRows
	}
	span := hi.Int64 - lo.Int64 + 1
	parts = min(max(parts, 1), span)
	for i := range parts {
		out.ranges = append(out.ranges, rowidRange{
			lo: lo.Int64 + span*i/parts,
			hi: lo.Int64 + span*(i+1)/parts,
		})
	}
	out.metrics.Get(MetricNumPartitions).Add(parts)
	return out, nil
}

// FileScanExec reads files through DuckDB table functions, one partition per
// path.
type FileScanExec struct {
	baseOp
	db       *sql.DB
	format   string
	paths    []string
	filter   string
	scanTime *Metric
	numFiles *Metric
}

func NewFileScanExec(id int, db *sql.DB, format string, paths []string, filter string, schema *arrow.Schema) *FileScanExec {
	f := &FileScanExec{baseOp: newBaseOp(id, schema), db: db, format: format, paths: paths, filter: filter}
	outputRowsMetric(f.metrics)
	f.scanTime = f.metrics.Register(MetricScanTime, "scan time", MetricNsTiming)
	f.numFiles = f.metrics.Register(MetricNumFiles, "number of files read", MetricSum)
	return f
}

func (f *FileScanExec) Name() string         { return "FileScan " + f.format }
func (f *FileScanExec) Kind() NodeKind       { return KindLeaf }
func (f *FileScanExec) NumPartitions() int   { return len(f.paths) }
func (f *FileScanExec) Children() []Operator { return nil }
func (f *FileScanExec) Paths() []string      { return f.paths }

func (f *FileScanExec) Describe() string {
	return fmt.Sprintf("FileScan %s [%s]", f.format, strings.Join(f.paths, ", "))
}

func (f *FileScanExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	if err := checkPartition(f, partition); err != nil {
		return nil, err
	}
	q, err := fileScanQuery(f.format, []string{f.paths[partition]}, f.filter)
	if err != nil {
		return nil, err
	}
	f.numFiles.Add(1)
	return runQuery(ctx, f.db, q, f.schema, f.metrics, f.scanTime)
}

var fileReaders = map[string]string{
	"parquet": "read_parquet",
	"csv":     "read_csv_auto",
	"json":    "read_json_auto",
}

func fileScanQuery(format string, paths []string, filter string) (string, error) {
	fn, ok := fileReaders[strings.ToLower(format)]
	if !ok {
		return "", Unsupportedf("unsupported data source format %q", format)
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = QuoteLiteral(p)
	}
	q := fmt.Sprintf("SELECT * FROM %s([%s])", fn, strings.Join(quoted, ", "))
	if filter != "" {
		q += " WHERE (" + filter + ")"
	}
	return q, nil
}

// ProjectExec keeps a subset of its child's columns.
type ProjectExec struct {
	baseOp
	child   Operator
	columns []string
	indices []int
}

func NewProjectExec(id int, child Operator, columns []string, indices []int) *ProjectExec {
	fields := make([]arrow.Field, len(indices))
	for i, idx := range indices {
		fields[i] = child.Schema().Field(idx)
	}
	p := &ProjectExec{baseOp: newBaseOp(id, arrow.NewSchema(fields, nil)), child: child, columns: columns, indices: indices}
	outputRowsMetric(p.metrics)
	return p
}

func (p *ProjectExec) Name() string         { return "Project" }
func (p *ProjectExec) Kind() NodeKind       { return KindStandard }
func (p *ProjectExec) NumPartitions() int   { return p.child.NumPartitions() }
func (p *ProjectExec) Children() []Operator { return []Operator{p.child} }

func (p *ProjectExec) Describe() string {
	return fmt.Sprintf("Project [%s]", strings.Join(p.columns, ", "))
}

func (p *ProjectExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	in, err := p.child.Execute(ctx, partition)
	if err != nil {
		return nil, err
	}
	return counted(&projectRows{in: in, indices: p.indices, values: make([]any, len(p.indices))}, p.metrics), nil
}

func (p *ProjectExec) withChildren(children []Operator) Operator {
	return NewProjectExec(p.id, children[0], p.columns, p.indices)
}

// CollectLimitExec returns the first limit rows of its child as one
// partition, reading child partitions in order until the limit is reached.
type CollectLimitExec struct {
	baseOp
	child Operator
	limit int64
}

func NewCollectLimitExec(id int, child Operator, limit int64) *CollectLimitExec {
	c := &CollectLimitExec{baseOp: newBaseOp(id, child.Schema()), child: child, limit: limit}
	outputRowsMetric(c.metrics)
	return c
}

func (c *CollectLimitExec) Name() string         { return "CollectLimit" }
func (c *CollectLimitExec) Kind() NodeKind       { return KindStandard }
func (c *CollectLimitExec) NumPartitions() int   { return 1 }
func (c *CollectLimitExec) Children() []Operator { return []Operator{c.child} }
func (c *CollectLimitExec) Describe() string     { return fmt.Sprintf("CollectLimit %d", c.limit) }

func (c *CollectLimitExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	if err := checkPartition(c, partition); err != nil {
		return nil, err
	}
	return counted(&limitRows{ctx: ctx, child: c.child, remaining: c.limit}, c.metrics), nil
}

func (c *CollectLimitExec) withChildren(children []Operator) Operator {
	return NewCollectLimitExec(c.id, children[0], c.limit)
}

type limitRows struct {
	ctx       context.Context
	child     Operator
	next      int
	cur       RowIterator
	remaining int64
	err       error
}

func (r *limitRows) Next() bool {
	for r.remaining > 0 && r.err == nil {
		if r.cur == nil {
			if r.next >= r.child.NumPartitions() {
				return false
			}
			r.cur, r.err = r.child.Execute(r.ctx, r.next)
			r.next++
			continue
		}
		if r.cur.Next() {
			r.remaining--
			return true
		}
		r.err = r.cur.Err()
		_ = r.cur.Close()
		r.cur = nil
	}
	return false
}

func (r *limitRows) Values() []any { return r.cur.Values() }
func (r *limitRows) Err() error    { return r.err }

func (r *limitRows) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}

// QueryStageExec is a materialization boundary. It reports no metrics of its
// own; readers look at Plan instead.
type QueryStageExec struct {
	baseOp
	plan Operator
}

func NewQueryStageExec(id int, plan Operator) *QueryStageExec {
	return &QueryStageExec{baseOp: newBaseOp(id, plan.Schema()), plan: plan}
}

func (q *QueryStageExec) Name() string         { return "QueryStage" }
func (q *QueryStageExec) Kind() NodeKind       { return KindStage }
func (q *QueryStageExec) NumPartitions() int   { return q.plan.NumPartitions() }
func (q *QueryStageExec) Children() []Operator { return nil }
func (q *QueryStageExec) Plan() Operator       { return q.plan }
func (q *QueryStageExec) Describe() string     { return fmt.Sprintf("QueryStage %d", q.id) }

func (q *QueryStageExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	return q.plan.Execute(ctx, partition)
}

func (q *QueryStageExec) withChildren(children []Operator) Operator {
	return NewQueryStageExec(q.id, children[0])
}

// ReplanFunc produces the final plan from the initial one.
type ReplanFunc func(ctx context.Context, initial Operator) (Operator, error)

// AdaptiveExec wraps a plan whose final shape depends on statistics gathered
// at prepare time. Until Prepare succeeds the current plan is the initial one.
type AdaptiveExec struct {
	baseOp
	initial Operator
	replan  ReplanFunc

	mu      sync.Mutex
	current Operator
}

func NewAdaptiveExec(id int, initial Operator, replan ReplanFunc) *AdaptiveExec {
	return &AdaptiveExec{baseOp: newBaseOp(id, initial.Schema()), initial: initial, replan: replan}
}

func (a *AdaptiveExec) Name() string   { return "AdaptivePlan" }
func (a *AdaptiveExec) Kind() NodeKind { return KindAdaptive }

// Children returns the initial plan. Use CurrentPlan to reach the executed one.
func (a *AdaptiveExec) Children() []Operator { return []Operator{a.initial} }

func (a *AdaptiveExec) Describe() string {
	return fmt.Sprintf("AdaptivePlan isFinalPlan=%t", a.IsFinal())
}

// Prepare runs the replanning step once.
func (a *AdaptiveExec) Prepare(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return nil
	}
	if a.replan == nil {
		a.current = a.initial
		return nil
	}
	final, err := a.replan(ctx, a.initial)
	if err != nil {
		return err
	}
	a.current = final
	return nil
}

// CurrentPlan returns the final plan once prepared, the initial one before.
func (a *AdaptiveExec) CurrentPlan() Operator {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return a.current
	}
	return a.initial
}

func (a *AdaptiveExec) IsFinal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

func (a *AdaptiveExec) NumPartitions() int { return a.CurrentPlan().NumPartitions() }

func (a *AdaptiveExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	return a.CurrentPlan().Execute(ctx, partition)
}

func runQuery(ctx context.Context, db *sql.DB, query string, schema *arrow.Schema, metrics *MetricSet, scanTime *Metric) (RowIterator, error) {
	if db == nil {
		return nil, Internalf("no database to run %q", query)
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, FromDuckDB(err)
	}
	return counted(newSQLRows(rows, schema.NumFields(), scanTime), metrics), nil
}

// QuoteTableName quotes each dot-separated part of a table name.
func QuoteTableName(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
