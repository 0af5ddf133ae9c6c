// Package arrowbatch turns row iterators into size-bounded, self-describing
// Arrow IPC payloads.
package arrowbatch

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ErrConsumed is returned when a batch sequence is iterated a second time.
var ErrConsumed = errors.New("arrowbatch: batch sequence already consumed")

// Batch is one encoded payload: an Arrow IPC stream holding the schema and a
// single record batch of RowCount rows.
type Batch struct {
	Data     []byte
	RowCount int64
}

// Rows is the input of an Encoder. Values is only read until the next call
// to Next.
type Rows interface {
	Next() bool
	Values() []any
	Err() error
}

// Encoder splits rows into batches bounded by a row count and an estimated
// byte size, whichever is reached first. A batch always holds at least one
// row, so a single oversized row still makes progress.
type Encoder struct {
	schema   *arrow.Schema
	maxRows  int
	maxBytes int64
	alloc    memory.Allocator
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithAllocator sets the allocator used for record builders.
func WithAllocator(alloc memory.Allocator) Option {
	return func(e *Encoder) { e.alloc = alloc }
}

// NewEncoder returns an encoder for schema. maxRows or maxBytes <= 0 disable
// the corresponding limit. Timezone-aware timestamp fields are stamped with
// timezone so clients render them in the session's zone.
func NewEncoder(schema *arrow.Schema, maxRows int, maxBytes int64, timezone string, opts ...Option) *Encoder {
	e := &Encoder{
		schema:   WithTimezone(schema, timezone),
		maxRows:  maxRows,
		maxBytes: maxBytes,
		alloc:    memory.DefaultAllocator,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Schema returns the schema written into every payload.
func (e *Encoder) Schema() *arrow.Schema { return e.schema }

// Encode lazily converts rows into batches. The sequence may be ranged over
// once; later iterations yield ErrConsumed. Iteration stops at the first error.
func (e *Encoder) Encode(rows Rows) iter.Seq2[Batch, error] {
	consumed := false
	return func(yield func(Batch, error) bool) {
		if consumed {
			yield(Batch{}, ErrConsumed)
			return
		}
		consumed = true

		builder := array.NewRecordBuilder(e.alloc, e.schema)
		defer builder.Release()

		numFields := e.schema.NumFields()
		for {
			var count int
			var size int64
			for (e.maxRows <= 0 || count < e.maxRows) && (e.maxBytes <= 0 || size < e.maxBytes) {
				if !rows.Next() {
					break
				}
				values := rows.Values()
				if len(values) != numFields {
					yield(Batch{}, fmt.Errorf("row has %d values, schema has %d fields", len(values), numFields))
					return
				}
				for i, v := range values {
					AppendValue(builder.Field(i), v)
					size += EstimateSize(v)
				}
				count++
			}
			if err := rows.Err(); err != nil {
				yield(Batch{}, err)
				return
			}
			if count == 0 {
				return
			}

			rec := builder.NewRecordBatch()
			data, err := e.write(rec)
			rec.Release()
			if err != nil {
				yield(Batch{}, err)
				return
			}
			if !yield(Batch{Data: data, RowCount: int64(count)}, nil) {
				return
			}
		}
	}
}

// Empty returns a zero-row batch carrying the schema.
func (e *Encoder) Empty() (Batch, error) {
	builder := array.NewRecordBuilder(e.alloc, e.schema)
	defer builder.Release()
	rec := builder.NewRecordBatch()
	defer rec.Release()
	data, err := e.write(rec)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Data: data, RowCount: 0}, nil
}

func (e *Encoder) write(rec arrow.RecordBatch) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(e.schema), ipc.WithAllocator(e.alloc))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write arrow batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close arrow stream: %w", err)
	}
	return buf.Bytes(), nil
}

// WithTimezone returns schema with every timezone-aware timestamp field set
// to timezone. Naive timestamps are left alone.
func WithTimezone(schema *arrow.Schema, timezone string) *arrow.Schema {
	if timezone == "" {
		return schema
	}
	fields := schema.Fields()
	changed := false
	for i, f := range fields {
		ts, ok := f.Type.(*arrow.TimestampType)
		if !ok || ts.TimeZone == "" || ts.TimeZone == timezone {
			continue
		}
		fields[i].Type = &arrow.TimestampType{Unit: ts.Unit, TimeZone: timezone}
		changed = true
	}
	if !changed {
		return schema
	}
	md := schema.Metadata()
	return arrow.NewSchema(fields, &md)
}

// EstimateSize approximates the Arrow buffer bytes v occupies. It is only an
// estimate; callers leave headroom below hard limits.
func EstimateSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 1
	case bool, int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case string:
		return int64(len(x)) + 4
	case []byte:
		return int64(len(x)) + 4
	case []any:
		n := int64(4)
		for _, e := range x {
			n += EstimateSize(e)
		}
		return n
	case int, uint, int64, uint64, float64, time.Time:
		return 8
	default:
		return 16
	}
}
