package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Session configuration keys understood by the engine.
const (
	ConfTimezone           = "timezone"
	ConfMaxRecordsPerBatch = "max_records_per_batch"
)

// SessionKey identifies one isolated execution context.
type SessionKey struct {
	UserID    string
	SessionID string
}

func (k SessionKey) String() string {
	return k.UserID + "/" + k.SessionID
}

// ExecutionContext owns the engine state of one (user, session) pair: a
// DuckDB database plus the session's configuration.
//
// In-flight requests hold a reference (Retain/Release). An evicted context
// is closed by whichever comes last: the eviction or the final Release.
type ExecutionContext struct {
	Key       SessionKey
	DB        *sql.DB
	CreatedAt time.Time

	lastUsed atomic.Int64

	mu       sync.Mutex
	conf     map[string]string
	inFlight int
	evicted  bool
	closed   bool
}

// NewExecutionContext wraps db for key. defaults seeds the session config.
func NewExecutionContext(key SessionKey, db *sql.DB, defaults map[string]string) *ExecutionContext {
	conf := make(map[string]string, len(defaults))
	for k, v := range defaults {
		conf[k] = v
	}
	now := time.Now()
	ec := &ExecutionContext{
		Key:       key,
		DB:        db,
		CreatedAt: now,
		conf:      conf,
	}
	ec.lastUsed.Store(now.UnixNano())
	return ec
}

// Touch records an access.
func (c *ExecutionContext) Touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns the time of the most recent access.
func (c *ExecutionContext) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// Retain registers an in-flight request. It fails once the context has been
// evicted, so callers never start work on a context that is going away.
func (c *ExecutionContext) Retain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted || c.closed {
		return false
	}
	c.inFlight++
	c.Touch()
	return true
}

// Release ends an in-flight request started with Retain.
func (c *ExecutionContext) Release() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	closeNow := c.evicted && c.inFlight == 0 && !c.closed
	if closeNow {
		c.closed = true
	}
	c.mu.Unlock()
	c.Touch()

	if closeNow {
		c.closeDB()
	}
}

// InFlight returns the number of requests currently using the context.
func (c *ExecutionContext) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// MarkEvicted flags the context as no longer reachable from its registry.
// It reports whether the caller must close it now (no request holds it).
// The close itself is left to the caller so registries can do it outside
// their own locks.
func (c *ExecutionContext) MarkEvicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = true
	if c.inFlight == 0 && !c.closed {
		c.closed = true
		return true
	}
	return false
}

// Evicted reports whether MarkEvicted has been called.
func (c *ExecutionContext) Evicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// Close releases the underlying database. Only registries and tests call it
// directly; it is a no-op on a nil database.
func (c *ExecutionContext) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

func (c *ExecutionContext) closeDB() {
	if err := c.Close(); err != nil {
		slog.Warn("Failed to close execution context database.", "session", c.Key.String(), "error", err)
		return
	}
	slog.Debug("Closed execution context.", "session", c.Key.String())
}

// Conf returns a session config value.
func (c *ExecutionContext) Conf(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.conf[key]
	return v, ok
}

// SetConf validates and stores a session config value.
func (c *ExecutionContext) SetConf(key, value string) error {
	switch key {
	case ConfTimezone:
		if _, err := time.LoadLocation(value); err != nil {
			return IllegalArgumentf("invalid timezone %q", value)
		}
	case ConfMaxRecordsPerBatch:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return IllegalArgumentf("%s must be a positive integer, got %q", key, value)
		}
	default:
		return IllegalArgumentf("unknown session config %q", key)
	}
	c.mu.Lock()
	c.conf[key] = value
	c.mu.Unlock()
	return nil
}

// Timezone returns the session timezone id, UTC when unset.
func (c *ExecutionContext) Timezone() string {
	if tz, ok := c.Conf(ConfTimezone); ok && tz != "" {
		return tz
	}
	return "UTC"
}

// MaxRecordsPerBatch returns the session override, or fallback when unset.
func (c *ExecutionContext) MaxRecordsPerBatch(fallback int) int {
	v, ok := c.Conf(ConfMaxRecordsPerBatch)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (c *ExecutionContext) requireDB() (*sql.DB, error) {
	if c == nil || c.DB == nil {
		return nil, Internalf("execution context has no database")
	}
	return c.DB, nil
}

// String implements fmt.Stringer for log attributes.
func (c *ExecutionContext) String() string {
	return fmt.Sprintf("ExecutionContext(%s)", c.Key)
}
