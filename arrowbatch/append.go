package arrowbatch

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	duckdb "github.com/duckdb/duckdb-go/v2"
)

// AppendValue appends a scanned database value to builder, coercing between
// numeric widths. Values that cannot be represented are appended as null.
func AppendValue(builder array.Builder, val any) {
	if val == nil {
		builder.AppendNull()
		return
	}
	if !appendValue(builder, val) {
		builder.AppendNull()
	}
}

func appendValue(builder array.Builder, val any) bool {
	switch b := builder.(type) {
	case *array.Int8Builder:
		return withInt(val, func(n int64) { b.Append(int8(n)) })
	case *array.Int16Builder:
		return withInt(val, func(n int64) { b.Append(int16(n)) })
	case *array.Int32Builder:
		return withInt(val, func(n int64) { b.Append(int32(n)) })
	case *array.Int64Builder:
		return withInt(val, b.Append)
	case *array.Uint8Builder:
		return withUint(val, func(n uint64) { b.Append(uint8(n)) })
	case *array.Uint16Builder:
		return withUint(val, func(n uint64) { b.Append(uint16(n)) })
	case *array.Uint32Builder:
		return withUint(val, func(n uint64) { b.Append(uint32(n)) })
	case *array.Uint64Builder:
		return withUint(val, b.Append)
	case *array.Float32Builder:
		return withFloat(val, func(f float64) { b.Append(float32(f)) })
	case *array.Float64Builder:
		return withFloat(val, b.Append)
	case *array.BooleanBuilder:
		v, ok := val.(bool)
		if ok {
			b.Append(v)
		}
		return ok
	case *array.Date32Builder:
		v, ok := val.(time.Time)
		if ok {
			b.Append(date32(v))
		}
		return ok
	case *array.TimestampBuilder:
		v, ok := val.(time.Time)
		if ok {
			b.AppendTime(v)
		}
		return ok
	case *array.Time64Builder:
		v, ok := val.(time.Time)
		if ok {
			h, m, s := v.Clock()
			b.Append(arrow.Time64(int64(h*3600+m*60+s)*1_000_000 + int64(v.Nanosecond())/1000))
		}
		return ok
	case *array.MonthDayNanoIntervalBuilder:
		v, ok := val.(duckdb.Interval)
		if ok {
			b.Append(arrow.MonthDayNanoInterval{Months: v.Months, Days: v.Days, Nanoseconds: v.Micros * 1000})
		}
		return ok
	case *array.Decimal128Builder:
		switch v := val.(type) {
		case duckdb.Decimal:
			b.Append(decimal128.FromBigInt(v.Value))
		case *big.Int:
			b.Append(decimal128.FromBigInt(v))
		default:
			return false
		}
		return true
	case *array.ListBuilder:
		v, ok := val.([]any)
		if ok {
			b.Append(true)
			for _, elem := range v {
				AppendValue(b.ValueBuilder(), elem)
			}
		}
		return ok
	case *array.StringBuilder:
		b.Append(stringValue(val))
		return true
	case *array.BinaryBuilder:
		switch v := val.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			return false
		}
		return true
	default:
		return false
	}
}

// date32 converts t to days since the epoch, rounding toward negative infinity.
func date32(t time.Time) arrow.Date32 {
	unix := t.Unix()
	days := unix / 86400
	if unix%86400 < 0 {
		days--
	}
	return arrow.Date32(days)
}

func stringValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case duckdb.UUID:
		return v.String()
	case []byte:
		// The driver scans UUID columns into any as raw 16-byte values.
		if len(v) == 16 && !utf8.Valid(v) {
			s := hex.EncodeToString(v)
			return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
		}
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func withInt(val any, fn func(int64)) bool {
	var n int64
	switch v := val.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	default:
		return false
	}
	fn(n)
	return true
}

func withUint(val any, fn func(uint64)) bool {
	var n uint64
	switch v := val.(type) {
	case uint:
		n = uint64(v)
	case uint8:
		n = uint64(v)
	case uint16:
		n = uint64(v)
	case uint32:
		n = uint64(v)
	case uint64:
		n = v
	default:
		return false
	}
	fn(n)
	return true
}

func withFloat(val any, fn func(float64)) bool {
	switch v := val.(type) {
	case float64:
		fn(v)
	case float32:
		fn(float64(v))
	default:
		return false
	}
	return true
}
