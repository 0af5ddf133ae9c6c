package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricType tells clients how to render a metric value.
type MetricType string

const (
	MetricSum      MetricType = "sum"
	MetricSize     MetricType = "size"
	MetricTiming   MetricType = "timing"
	MetricNsTiming MetricType = "nsTiming"
)

// Metric is an accumulator updated concurrently by partition tasks.
type Metric struct {
	Name string
	Type MetricType
	v    atomic.Int64
}

func (m *Metric) Add(n int64) { m.v.Add(n) }

func (m *Metric) Value() int64 { return m.v.Load() }

// AddSince accumulates the time elapsed since start in the metric's unit.
func (m *Metric) AddSince(start time.Time) {
	d := time.Since(start)
	if m.Type == MetricTiming {
		m.v.Add(d.Milliseconds())
		return
	}
	m.v.Add(d.Nanoseconds())
}

// MetricSet holds an operator's metrics in registration order.
type MetricSet struct {
	mu   sync.Mutex
	keys []string
	m    map[string]*Metric
}

func NewMetricSet() *MetricSet {
	return &MetricSet{m: make(map[string]*Metric)}
}

// Register adds a metric under key, or returns the existing one.
func (s *MetricSet) Register(key, display string, typ MetricType) *Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.m[key]; ok {
		return m
	}
	m := &Metric{Name: display, Type: typ}
	s.m[key] = m
	s.keys = append(s.keys, key)
	return m
}

// Get returns the metric registered under key, or nil.
func (s *MetricSet) Get(key string) *Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key]
}

// Each calls fn for every metric in registration order.
func (s *MetricSet) Each(fn func(key string, m *Metric)) {
	s.mu.Lock()
	keys := append([]string(nil), s.keys...)
	s.mu.Unlock()
	for _, k := range keys {
		fn(k, s.Get(k))
	}
}

// Len returns the number of registered metrics.
func (s *MetricSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Common metric keys.
const (
	MetricNumOutputRows = "numOutputRows"
	MetricScanTime      = "scanTime"
	MetricDataSize      = "dataSize"
	MetricNumFiles      = "numFiles"
	MetricNumPartitions = "numPartitions"
)

func outputRowsMetric(s *MetricSet) *Metric {
	return s.Register(MetricNumOutputRows, "number of output rows", MetricSum)
}
