package client

import (
	"math/big"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Rows converts every record of r into Go values, in stream order.
func (r *Result) Rows() [][]any {
	var rows [][]any
	for _, b := range r.Batches {
		for _, rec := range b.Records {
			rows = append(rows, RecordRows(rec)...)
		}
	}
	return rows
}

// RecordRows converts rec into one []any per row.
func RecordRows(rec arrow.RecordBatch) [][]any {
	rows := make([][]any, rec.NumRows())
	for i := range rows {
		row := make([]any, rec.NumCols())
		for j := range row {
			row[j] = Value(rec.Column(j), i)
		}
		rows[i] = row
	}
	return rows
}

// Value returns the Go value at row of col. Timestamps come back as UTC
// time.Time, decimals as *big.Float, intervals as
// arrow.MonthDayNanoInterval and lists as []any.
func Value(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}
	switch arr := col.(type) {
	case *array.Boolean:
		return arr.Value(row)
	case *array.Int8:
		return arr.Value(row)
	case *array.Int16:
		return arr.Value(row)
	case *array.Int32:
		return arr.Value(row)
	case *array.Int64:
		return arr.Value(row)
	case *array.Uint8:
		return arr.Value(row)
	case *array.Uint16:
		return arr.Value(row)
	case *array.Uint32:
		return arr.Value(row)
	case *array.Uint64:
		return arr.Value(row)
	case *array.Float32:
		return arr.Value(row)
	case *array.Float64:
		return arr.Value(row)
	case *array.String:
		return arr.Value(row)
	case *array.LargeString:
		return arr.Value(row)
	case *array.Binary:
		return arr.Value(row)
	case *array.Date32:
		return arr.Value(row).ToTime()
	case *array.Timestamp:
		unit := arr.DataType().(*arrow.TimestampType).Unit
		return arr.Value(row).ToTime(unit).UTC()
	case *array.Time64:
		unit := arr.DataType().(*arrow.Time64Type).Unit
		return arr.Value(row).ToTime(unit)
	case *array.Decimal128:
		scale := arr.DataType().(*arrow.Decimal128Type).Scale
		v := new(big.Float).SetInt(arr.Value(row).BigInt())
		return v.Quo(v, new(big.Float).SetFloat64(pow10(scale)))
	case *array.MonthDayNanoInterval:
		return arr.Value(row)
	case *array.List:
		start, end := arr.ValueOffsets(row)
		child := arr.ListValues()
		elems := make([]any, 0, end-start)
		for i := int(start); i < int(end); i++ {
			elems = append(elems, Value(child, i))
		}
		return elems
	default:
		return arr.ValueStr(row)
	}
}

func pow10(n int32) float64 {
	f := 1.0
	for range n {
		f *= 10
	}
	return f
}
