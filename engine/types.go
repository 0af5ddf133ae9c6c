package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

var duckDBScalarTypes = map[string]arrow.DataType{
	"TINYINT":      arrow.PrimitiveTypes.Int8,
	"SMALLINT":     arrow.PrimitiveTypes.Int16,
	"INTEGER":      arrow.PrimitiveTypes.Int32,
	"INT":          arrow.PrimitiveTypes.Int32,
	"BIGINT":       arrow.PrimitiveTypes.Int64,
	"UTINYINT":     arrow.PrimitiveTypes.Uint8,
	"USMALLINT":    arrow.PrimitiveTypes.Uint16,
	"UINTEGER":     arrow.PrimitiveTypes.Uint32,
	"UBIGINT":      arrow.PrimitiveTypes.Uint64,
	"HUGEINT":      &arrow.Decimal128Type{Precision: 38, Scale: 0},
	"UHUGEINT":     &arrow.Decimal128Type{Precision: 38, Scale: 0},
	"FLOAT":        arrow.PrimitiveTypes.Float32,
	"REAL":         arrow.PrimitiveTypes.Float32,
	"DOUBLE":       arrow.PrimitiveTypes.Float64,
	"BOOLEAN":      arrow.FixedWidthTypes.Boolean,
	"BOOL":         arrow.FixedWidthTypes.Boolean,
	"VARCHAR":      arrow.BinaryTypes.String,
	"BLOB":         arrow.BinaryTypes.Binary,
	"DATE":         arrow.FixedWidthTypes.Date32,
	"TIME":         arrow.FixedWidthTypes.Time64us,
	"TIMESTAMP":    &arrow.TimestampType{Unit: arrow.Microsecond},
	"TIMESTAMP_S":  &arrow.TimestampType{Unit: arrow.Second},
	"TIMESTAMP_MS": &arrow.TimestampType{Unit: arrow.Millisecond},
	"TIMESTAMP_NS": &arrow.TimestampType{Unit: arrow.Nanosecond},
	// The session timezone replaces UTC when batches are encoded.
	"TIMESTAMPTZ":  &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"},
	"INTERVAL":     arrow.FixedWidthTypes.MonthDayNanoInterval,
	"DECIMAL":      &arrow.Decimal128Type{Precision: 18, Scale: 3},
}

// DuckDBTypeToArrow maps a DuckDB type name to an Arrow DataType. Types with
// no direct Arrow counterpart (UUID, JSON, STRUCT, MAP, ENUM) travel as strings.
func DuckDBTypeToArrow(dbType string) arrow.DataType {
	name := strings.ToUpper(strings.TrimSpace(dbType))

	if strings.HasSuffix(name, "[]") {
		return arrow.ListOf(DuckDBTypeToArrow(name[:len(name)-2]))
	}
	if strings.HasPrefix(name, "DECIMAL(") || strings.HasPrefix(name, "NUMERIC(") {
		p, s := decimalParams(name)
		return &arrow.Decimal128Type{Precision: int32(p), Scale: int32(s)}
	}
	if name == "NUMERIC" {
		name = "DECIMAL"
	}
	if t, ok := duckDBScalarTypes[name]; ok {
		return t
	}
	return arrow.BinaryTypes.String
}

func decimalParams(typeName string) (precision, scale int) {
	open := strings.IndexByte(typeName, '(')
	end := strings.LastIndexByte(typeName, ')')
	if open < 0 || end <= open {
		return 18, 3
	}
	if _, err := fmt.Sscanf(strings.ReplaceAll(typeName[open+1:end], " ", ""), "%d,%d", &precision, &scale); err != nil {
		return 18, 3
	}
	return precision, scale
}

// querySchema runs query with LIMIT 0 to discover its result schema.
func querySchema(ctx context.Context, db *sql.DB, query string) (*arrow.Schema, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM ("+query+") LIMIT 0")
	if err != nil {
		return nil, FromDuckDB(err)
	}
	defer func() { _ = rows.Close() }()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, FromDuckDB(err)
	}
	fields := make([]arrow.Field, len(colTypes))
	for i, ct := range colTypes {
		fields[i] = arrow.Field{Name: ct.Name(), Type: DuckDBTypeToArrow(ct.DatabaseTypeName()), Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteLiteral quotes a SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
