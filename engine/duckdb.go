package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckDBConfig controls how execution context databases are opened.
type DuckDBConfig struct {
	// Threads is DuckDB's worker thread count per context. 0 means NumCPU.
	Threads int

	// MemoryLimit is a DuckDB size string such as "4GB". Empty means derived
	// from system memory.
	MemoryLimit string

	// MaxConnections bounds concurrent partition queries against one context.
	// 0 means NumCPU.
	MaxConnections int

	// Timezone is the default session timezone.
	Timezone string

	// MaxRecordsPerBatch is the default session row cap per encoded batch.
	MaxRecordsPerBatch int
}

// ContextFactory builds the execution context for a key.
type ContextFactory func(key SessionKey) (*ExecutionContext, error)

// NewDuckDBFactory returns a ContextFactory opening one in-memory DuckDB per
// session.
func NewDuckDBFactory(cfg DuckDBConfig) ContextFactory {
	return func(key SessionKey) (*ExecutionContext, error) {
		db, err := openDuckDB(cfg)
		if err != nil {
			return nil, fmt.Errorf("open context %s: %w", key, err)
		}
		defaults := map[string]string{}
		if cfg.Timezone != "" {
			defaults[ConfTimezone] = cfg.Timezone
		}
		if cfg.MaxRecordsPerBatch > 0 {
			defaults[ConfMaxRecordsPerBatch] = strconv.Itoa(cfg.MaxRecordsPerBatch)
		}
		slog.Debug("Opened execution context.", "session", key.String())
		return NewExecutionContext(key, db, defaults), nil
	}
}

func openDuckDB(cfg DuckDBConfig) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	// Partitions of one query run on separate connections to the same database.
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = runtime.NumCPU()
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	threads := cfg.Threads
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	if _, err := db.Exec(fmt.Sprintf("SET threads = %d", threads)); err != nil {
		slog.Warn("Failed to set DuckDB threads.", "threads", threads, "error", err)
	}

	memLimit := cfg.MemoryLimit
	if memLimit == "" {
		memLimit = contextMemoryLimit()
	}
	if !ValidateMemoryLimit(memLimit) {
		_ = db.Close()
		return nil, fmt.Errorf("invalid memory_limit %q", memLimit)
	}
	if _, err := db.Exec(fmt.Sprintf("SET memory_limit = '%s'", memLimit)); err != nil {
		slog.Warn("Failed to set DuckDB memory_limit.", "memory_limit", memLimit, "error", err)
	}

	return db, nil
}
