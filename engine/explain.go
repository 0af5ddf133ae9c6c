package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// ExplainMode selects how much of a plan Explain renders.
type ExplainMode string

const (
	ExplainSimple    ExplainMode = "simple"
	ExplainExtended  ExplainMode = "extended"
	ExplainCodegen   ExplainMode = "codegen"
	ExplainCost      ExplainMode = "cost"
	ExplainFormatted ExplainMode = "formatted"
)

// ParseExplainMode accepts a mode name, case-insensitively. Empty means simple.
func ParseExplainMode(s string) (ExplainMode, error) {
	switch m := ExplainMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ExplainSimple, nil
	case ExplainSimple, ExplainExtended, ExplainCodegen, ExplainCost, ExplainFormatted:
		return m, nil
	default:
		return "", IllegalArgumentf("unsupported explain mode %q, expected one of simple, extended, codegen, cost, formatted", s)
	}
}

// Explain renders exec in the given mode. codegen asks DuckDB for the plans of
// the queries it will run.
func Explain(ctx context.Context, exec *Executable, mode ExplainMode) (string, error) {
	var b strings.Builder
	switch mode {
	case ExplainSimple:
		b.WriteString("== Physical Plan ==\n")
		b.WriteString(TreeString(exec.Root, false))
	case ExplainExtended:
		b.WriteString("== Logical Plan ==\n")
		writeRelation(&b, exec.Relation, 0)
		b.WriteString("\n== Physical Plan ==\n")
		b.WriteString(TreeString(exec.Root, false))
	case ExplainCost:
		b.WriteString("== Physical Plan ==\n")
		b.WriteString(TreeString(exec.Root, true))
	case ExplainFormatted:
		b.WriteString("== Physical Plan ==\n")
		b.WriteString(TreeString(exec.Root, false))
		b.WriteString("\n")
		writeFormatted(&b, exec.Root)
	case ExplainCodegen:
		b.WriteString("== Physical Plan ==\n")
		b.WriteString(TreeString(exec.Root, false))
		if err := writeDuckDBPlans(ctx, &b, exec.Root); err != nil {
			return "", err
		}
	default:
		return "", IllegalArgumentf("unsupported explain mode %q", mode)
	}
	return b.String(), nil
}

// TreeString renders the physical tree, one operator per line, indented by
// depth. Adaptive and stage wrappers show their current plan beneath them.
func TreeString(root Operator, withStats bool) string {
	var b strings.Builder
	var visit func(op Operator, depth int)
	visit = func(op Operator, depth int) {
		if depth > 0 {
			b.WriteString(strings.Repeat("   ", depth-1))
			b.WriteString("+- ")
		}
		b.WriteString(op.Describe())
		if withStats {
			b.WriteString(statsString(op))
		}
		b.WriteString("\n")
		switch n := op.(type) {
		case *AdaptiveExec:
			visit(n.CurrentPlan(), depth+1)
		case *QueryStageExec:
			visit(n.Plan(), depth+1)
		default:
			for _, c := range op.Children() {
				visit(c, depth+1)
			}
		}
	}
	visit(root, 0)
	return b.String()
}

func statsString(op Operator) string {
	switch n := op.(type) {
	case *RangeExec:
		return fmt.Sprintf(", Statistics(rowCount=%d)", n.Count())
	case *CollectLimitExec:
		return fmt.Sprintf(", Statistics(rowCount<=%d)", n.limit)
	default:
		return ", Statistics(rowCount=unknown)"
	}
}

func writeFormatted(b *strings.Builder, root Operator) {
	n := 0
	Walk(root, func(op Operator) {
		n++
		fmt.Fprintf(b, "(%d) %s [id=%d]\n", n, op.Name(), op.ID())
		fmt.Fprintf(b, "Output [%d]: [%s]\n", op.Schema().NumFields(), strings.Join(fieldNames(op.Schema()), ", "))
		fmt.Fprintf(b, "Arguments: %s\n\n", op.Describe())
	})
}

func writeDuckDBPlans(ctx context.Context, b *strings.Builder, root Operator) error {
	var firstErr error
	Walk(root, func(op Operator) {
		if firstErr != nil {
			return
		}
		var db *sql.DB
		var query string
		switch n := op.(type) {
		case *SQLScanExec:
			db, query = n.db, n.query
		case *TableScanExec:
			db, query = n.db, tableScanQuery(n.table, n.filter)
		case *FileScanExec:
			db = n.db
			query, firstErr = fileScanQuery(n.format, n.paths, n.filter)
		default:
			return
		}
		if firstErr != nil {
			return
		}
		plan, err := duckDBExplain(ctx, db, query)
		if err != nil {
			firstErr = err
			return
		}
		fmt.Fprintf(b, "\n== DuckDB Plan (%s#%d) ==\n%s\n", op.Name(), op.ID(), strings.TrimRight(plan, "\n"))
	})
	return firstErr
}

func duckDBExplain(ctx context.Context, db *sql.DB, query string) (string, error) {
	rows, err := db.QueryContext(ctx, "EXPLAIN "+query)
	if err != nil {
		return "", FromDuckDB(err)
	}
	defer func() { _ = rows.Close() }()

	var b strings.Builder
	for rows.Next() {
		var key, value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return "", FromDuckDB(err)
		}
		b.WriteString(value.String)
		b.WriteString("\n")
	}
	return b.String(), FromDuckDB(rows.Err())
}

func writeRelation(b *strings.Builder, rel *Relation, depth int) {
	if rel == nil {
		return
	}
	if depth > 0 {
		b.WriteString(strings.Repeat("   ", depth-1))
		b.WriteString("+- ")
	}
	switch {
	case rel.SQL != nil:
		fmt.Fprintf(b, "'SQL [%s]\n", oneLine(rel.SQL.Query))
	case rel.Range != nil:
		r := rel.Range
		fmt.Fprintf(b, "'Range (%d, %d, step=%d)\n", r.Start, r.End, r.Step)
	case rel.Read != nil:
		r := rel.Read
		if r.Table != "" {
			fmt.Fprintf(b, "'UnresolvedRelation [%s]\n", r.Table)
		} else if r.DataSource != nil {
			fmt.Fprintf(b, "'DataSource %s [%s]\n", r.DataSource.Format, strings.Join(r.DataSource.Paths, ", "))
		}
	case rel.Project != nil:
		fmt.Fprintf(b, "'Project [%s]\n", strings.Join(rel.Project.Columns, ", "))
		writeRelation(b, rel.Project.Input, depth+1)
	case rel.Limit != nil:
		fmt.Fprintf(b, "'Limit %d\n", rel.Limit.Limit)
		writeRelation(b, rel.Limit.Input, depth+1)
	}
}

// SchemaTreeString renders schema as an indented field tree.
func SchemaTreeString(schema *arrow.Schema) string {
	var b strings.Builder
	b.WriteString("root\n")
	for _, f := range schema.Fields() {
		writeField(&b, f, 1)
	}
	return b.String()
}

func writeField(b *strings.Builder, f arrow.Field, depth int) {
	fmt.Fprintf(b, "%s|-- %s: %s (nullable = %t)\n", strings.Repeat(" |   ", depth-1)+" ", f.Name, typeName(f.Type), f.Nullable)
	switch t := f.Type.(type) {
	case *arrow.ListType:
		writeField(b, arrow.Field{Name: "element", Type: t.Elem(), Nullable: t.ElemField().Nullable}, depth+1)
	case *arrow.StructType:
		for _, child := range t.Fields() {
			writeField(b, child, depth+1)
		}
	}
}

func typeName(t arrow.DataType) string {
	switch t := t.(type) {
	case *arrow.ListType:
		return "list"
	case *arrow.StructType:
		return "struct"
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return "timestamp[" + t.Unit.String() + ", tz=" + t.TimeZone + "]"
		}
		return "timestamp[" + t.Unit.String() + "]"
	default:
		return t.String()
	}
}

// IsLocal reports whether exec can run without the session database.
func IsLocal(exec *Executable) bool {
	local := true
	Walk(exec.Root, func(op Operator) {
		switch op.(type) {
		case *SQLScanExec, *TableScanExec, *FileScanExec:
			local = false
		}
	})
	return local
}

// InputFiles lists the file paths exec reads, in plan order, without duplicates.
func InputFiles(exec *Executable) []string {
	seen := make(map[string]bool)
	files := []string{}
	Walk(exec.Root, func(op Operator) {
		f, ok := op.(*FileScanExec)
		if !ok {
			return
		}
		for _, p := range f.paths {
			if !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
		}
	})
	return files
}
