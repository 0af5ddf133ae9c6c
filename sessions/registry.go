// Package sessions maps (user, session) keys to execution contexts.
package sessions

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/posthog/duckconnect/engine"
)

const (
	DefaultCapacity     = 100
	DefaultIdleTimeout  = 3600 * time.Second
	defaultReapInterval = 1 * time.Minute
)

// Eviction reasons reported through Hooks.OnContextsEvicted.
const (
	EvictionCapacity = "capacity"
	EvictionIdle     = "idle"
	EvictionRemoved  = "removed"
	EvictionShutdown = "shutdown"
)

type Config struct {
	// Capacity bounds the number of cached contexts; the least recently used
	// one is evicted beyond it.
	Capacity int
	// IdleTimeout evicts contexts unused for this long. 0 disables idle eviction.
	IdleTimeout time.Duration
	// ReapInterval is how often idle contexts are swept. Idle contexts are
	// also dropped when looked up, so this only bounds how long they linger.
	ReapInterval time.Duration
	Hooks        Hooks
}

type Hooks struct {
	OnContextCountChanged func(int)
	OnContextsEvicted     func(reason string, count int)
}

type eviction struct {
	ec     *engine.ExecutionContext
	reason string
	close  bool
}

// Registry is a bounded get-or-create store of execution contexts.
//
// Contexts are reference counted: eviction removes a context from the
// registry at once, and its database is closed when the last in-flight
// request releases it. A key never maps to more than one live context.
type Registry struct {
	cfg     Config
	factory engine.ContextFactory
	now     func() time.Time

	mu          sync.Mutex
	cache       *lru.Cache[engine.SessionKey, *engine.ExecutionContext]
	evictReason string
	evicted     []eviction

	creating singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New returns a registry building contexts with factory and starts its idle
// reaper. Call Close to stop it.
func New(cfg Config, factory engine.ContextFactory) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("sessions: nil context factory")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
		if cfg.IdleTimeout > 0 && cfg.IdleTimeout < cfg.ReapInterval {
			cfg.ReapInterval = cfg.IdleTimeout
		}
	}

	r := &Registry{
		cfg:         cfg,
		factory:     factory,
		now:         time.Now,
		evictReason: EvictionCapacity,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	cache, err := lru.NewWithEvict(cfg.Capacity, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("sessions: create cache: %w", err)
	}
	r.cache = cache
	go r.reapLoop()
	return r, nil
}

// onEvict runs under r.mu, from inside cache calls.
func (r *Registry) onEvict(_ engine.SessionKey, ec *engine.ExecutionContext) {
	r.evicted = append(r.evicted, eviction{ec: ec, reason: r.evictReason, close: ec.MarkEvicted()})
}

// GetOrCreate returns the context for key, creating it on first use. Concurrent
// first calls for one key construct a single context and all receive it.
func (r *Registry) GetOrCreate(key engine.SessionKey) (*engine.ExecutionContext, error) {
	return r.get(key, false)
}

// Acquire is GetOrCreate plus an in-flight reference, taken atomically with
// the lookup so the context cannot be closed underneath the caller. The caller
// must call Release on the returned context.
func (r *Registry) Acquire(key engine.SessionKey) (*engine.ExecutionContext, error) {
	return r.get(key, true)
}

func (r *Registry) get(key engine.SessionKey, retain bool) (*engine.ExecutionContext, error) {
	if ec, ok := r.lookup(key, retain); ok {
		return ec, nil
	}
	// Each caller gets its own reference, so retaining happens outside the
	// shared flight.
	v, err, _ := r.creating.Do(flightKey(key), func() (any, error) {
		if ec, ok := r.lookup(key, false); ok {
			return ec, nil
		}
		ec, err := r.factory(key)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache.Add(key, ec)
		r.mu.Unlock()
		r.finishEvictions()
		slog.Info("Execution context created.", "user", key.UserID, "session", key.SessionID)
		return ec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create execution context for %s: %w", key, err)
	}
	ec := v.(*engine.ExecutionContext)
	if !retain {
		return ec, nil
	}
	// Evicted between creation and now: take whatever is current.
	if ec, ok := r.lookup(key, true); ok {
		return ec, nil
	}
	return r.get(key, true)
}

func (r *Registry) lookup(key engine.SessionKey, retain bool) (*engine.ExecutionContext, bool) {
	r.mu.Lock()
	ec, ok := r.cache.Get(key)
	if ok && r.expiredLocked(ec, r.now()) {
		r.removeLocked(key, EvictionIdle)
		ok = false
	}
	if ok {
		if retain {
			// Cached contexts are never marked evicted, so this cannot fail.
			ok = ec.Retain()
		} else {
			ec.Touch()
		}
	}
	r.mu.Unlock()
	r.finishEvictions()
	return ec, ok
}

func (r *Registry) expiredLocked(ec *engine.ExecutionContext, now time.Time) bool {
	if r.cfg.IdleTimeout <= 0 || ec.InFlight() > 0 {
		return false
	}
	return now.Sub(ec.LastUsed()) >= r.cfg.IdleTimeout
}

func (r *Registry) removeLocked(key engine.SessionKey, reason string) bool {
	r.evictReason = reason
	removed := r.cache.Remove(key)
	r.evictReason = EvictionCapacity
	return removed
}

// finishEvictions closes evicted contexts and fires hooks, outside r.mu.
func (r *Registry) finishEvictions() {
	r.mu.Lock()
	evicted := r.evicted
	r.evicted = nil
	count := r.cache.Len()
	r.mu.Unlock()
	if len(evicted) == 0 {
		return
	}

	byReason := make(map[string]int)
	for _, e := range evicted {
		byReason[e.reason]++
		if e.close {
			if err := e.ec.Close(); err != nil {
				slog.Warn("Failed to close evicted execution context.", "session", e.ec.Key.String(), "error", err)
			}
		}
		slog.Debug("Execution context evicted.", "session", e.ec.Key.String(), "reason", e.reason, "in_flight", !e.close)
	}
	r.notifyCountChanged(count)
	for reason, n := range byReason {
		if r.cfg.Hooks.OnContextsEvicted != nil {
			r.cfg.Hooks.OnContextsEvicted(reason, n)
		}
	}
}

func (r *Registry) notifyCountChanged(count int) {
	if r.cfg.Hooks.OnContextCountChanged != nil {
		r.cfg.Hooks.OnContextCountChanged(count)
	}
}

// Remove evicts the context for key. It reports whether one was cached.
func (r *Registry) Remove(key engine.SessionKey) bool {
	r.mu.Lock()
	removed := r.removeLocked(key, EvictionRemoved)
	r.mu.Unlock()
	r.finishEvictions()
	return removed
}

// Len returns the number of cached contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// ReapIdleNow evicts every idle context and returns how many were evicted.
func (r *Registry) ReapIdleNow() int {
	return r.reapIdle(r.now())
}

func (r *Registry) reapIdle(now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	reaped := 0
	r.mu.Lock()
	for _, key := range r.cache.Keys() {
		ec, ok := r.cache.Peek(key)
		if !ok || !r.expiredLocked(ec, now) {
			continue
		}
		if r.removeLocked(key, EvictionIdle) {
			reaped++
		}
	}
	r.mu.Unlock()
	r.finishEvictions()
	return reaped
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if reaped := r.reapIdle(r.now()); reaped > 0 {
				slog.Info("Execution context idle reap completed.", "reaped_contexts", reaped)
			}
		}
	}
}

// Close stops the reaper and evicts every context. Contexts still in use are
// closed when their last request releases them.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh

		r.mu.Lock()
		r.evictReason = EvictionShutdown
		r.cache.Purge()
		r.evictReason = EvictionCapacity
		r.mu.Unlock()
		r.finishEvictions()
	})
}

func flightKey(key engine.SessionKey) string {
	return key.UserID + "\x00" + key.SessionID
}
