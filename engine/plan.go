package engine

// Plan is the serialized unit of work a client submits. Exactly one of Root
// or Command is set; anything else is an unsupported plan kind.
type Plan struct {
	Root    *Relation `json:"root,omitempty"`
	Command *Command  `json:"command,omitempty"`
}

// Relation is a logical relational expression. Exactly one field is set.
type Relation struct {
	SQL     *SQLRelation `json:"sql,omitempty"`
	Range   *Range       `json:"range,omitempty"`
	Read    *Read        `json:"read,omitempty"`
	Project *Project     `json:"project,omitempty"`
	Limit   *Limit       `json:"limit,omitempty"`
}

// SQLRelation is a DuckDB query evaluated as a single partition.
type SQLRelation struct {
	Query string `json:"query"`
}

// Range produces a single int64 column "id" over [Start, End) by Step.
type Range struct {
	Start         int64 `json:"start"`
	End           int64 `json:"end"`
	Step          int64 `json:"step"`
	NumPartitions int   `json:"num_partitions,omitempty"`
}

// Read scans a table of the session database or a set of files.
type Read struct {
	Table         string      `json:"table,omitempty"`
	DataSource    *DataSource `json:"data_source,omitempty"`
	Filter        string      `json:"filter,omitempty"`
	NumPartitions int         `json:"num_partitions,omitempty"`
}

// DataSource names files readable by DuckDB table functions.
type DataSource struct {
	Format string   `json:"format"`
	Paths  []string `json:"paths"`
}

// Project keeps the named columns of its input, in the given order.
type Project struct {
	Input   *Relation `json:"input"`
	Columns []string  `json:"columns"`
}

// Limit returns at most Limit rows of its input, in partition order.
type Limit struct {
	Input *Relation `json:"input"`
	Limit int64     `json:"limit"`
}

// Command is a side-effecting plan. Exactly one field is set.
type Command struct {
	SQLCommand *SQLCommand `json:"sql_command,omitempty"`
	SetConfig  *SetConfig  `json:"set_config,omitempty"`
}

// SQLCommand executes DDL or DML against the session database.
type SQLCommand struct {
	SQL string `json:"sql"`
}

// SetConfig updates a session configuration value.
type SetConfig struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PlanKind classifies a Plan.
type PlanKind int

const (
	PlanUnsupported PlanKind = iota
	PlanQuery
	PlanCommand
)

// Kind reports whether p is a query, a command, or neither.
func (p *Plan) Kind() PlanKind {
	if p == nil {
		return PlanUnsupported
	}
	switch {
	case p.Root != nil && p.Command == nil:
		return PlanQuery
	case p.Command != nil && p.Root == nil:
		return PlanCommand
	default:
		return PlanUnsupported
	}
}

func (r *Relation) kind() (string, int) {
	kind, n := "", 0
	if r.SQL != nil {
		kind, n = "sql", n+1
	}
	if r.Range != nil {
		kind, n = "range", n+1
	}
	if r.Read != nil {
		kind, n = "read", n+1
	}
	if r.Project != nil {
		kind, n = "project", n+1
	}
	if r.Limit != nil {
		kind, n = "limit", n+1
	}
	return kind, n
}
