package engine

import (
	"database/sql"
	"time"
)

// RowIterator yields the rows of one partition. Values is only valid until the
// next call to Next.
type RowIterator interface {
	Next() bool
	Values() []any
	Err() error
	Close() error
}

// sqlRows adapts *sql.Rows, tagging driver errors as DuckDB failures.
type sqlRows struct {
	rows     *sql.Rows
	values   []any
	ptrs     []any
	err      error
	scanTime *Metric
}

func newSQLRows(rows *sql.Rows, numFields int, scanTime *Metric) *sqlRows {
	values := make([]any, numFields)
	ptrs := make([]any, numFields)
	for i := range values {
		ptrs[i] = &values[i]
	}
	return &sqlRows{rows: rows, values: values, ptrs: ptrs, scanTime: scanTime}
}

func (r *sqlRows) Next() bool {
	if r.err != nil {
		return false
	}
	start := time.Now()
	defer func() {
		if r.scanTime != nil {
			r.scanTime.AddSince(start)
		}
	}()
	if !r.rows.Next() {
		return false
	}
	for i := range r.values {
		r.values[i] = nil
	}
	if err := r.rows.Scan(r.ptrs...); err != nil {
		r.err = FromDuckDB(err)
		return false
	}
	return true
}

func (r *sqlRows) Values() []any { return r.values }

func (r *sqlRows) Err() error {
	if r.err != nil {
		return r.err
	}
	return FromDuckDB(r.rows.Err())
}

func (r *sqlRows) Close() error { return r.rows.Close() }

// rangeRows produces int64 values start, start+step, ... for count elements.
type rangeRows struct {
	next      int64
	step      int64
	remaining uint64
	values    []any
}

func (r *rangeRows) Next() bool {
	if r.remaining == 0 {
		return false
	}
	r.values[0] = r.next
	r.next += r.step
	r.remaining--
	return true
}

func (r *rangeRows) Values() []any { return r.values }
func (r *rangeRows) Err() error    { return nil }
func (r *rangeRows) Close() error  { return nil }

// projectRows keeps the given column indices of its input.
type projectRows struct {
	in      RowIterator
	indices []int
	values  []any
}

func (r *projectRows) Next() bool {
	if !r.in.Next() {
		return false
	}
	src := r.in.Values()
	for i, idx := range r.indices {
		r.values[i] = src[idx]
	}
	return true
}

func (r *projectRows) Values() []any { return r.values }
func (r *projectRows) Err() error    { return r.in.Err() }
func (r *projectRows) Close() error  { return r.in.Close() }

// countingRows adds one to rows for every row it passes through.
type countingRows struct {
	RowIterator
	rows *Metric
}

func (r *countingRows) Next() bool {
	if !r.RowIterator.Next() {
		return false
	}
	r.rows.Add(1)
	return true
}

func counted(it RowIterator, m *MetricSet) RowIterator {
	return &countingRows{RowIterator: it, rows: outputRowsMetric(m)}
}

// emptyRows has no rows.
type emptyRows struct{}

func (emptyRows) Next() bool    { return false }
func (emptyRows) Values() []any { return nil }
func (emptyRows) Err() error    { return nil }
func (emptyRows) Close() error  { return nil }
