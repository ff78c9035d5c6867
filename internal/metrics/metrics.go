// Package metrics provides metrics collection for portsweep. It offers a
// small in-process Registry of counters, gauges and histograms plus
// Prometheus collectors for the scan engine and API.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata.
type Metric struct {
	Name      string     `json:"name"`
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Count     uint64     `json:"count,omitempty"`
	Sum       float64    `json:"sum,omitempty"`
	Labels    Labels     `json:"labels,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Registry holds all metrics and provides collection functionality.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		enabled: true,
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	r.Add(name, 1, labels)
}

// Add increases a counter metric by delta.
func (r *Registry) Add(name string, delta float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value += delta
		metric.Timestamp = time.Now()
		return
	}
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeCounter,
		Value:     delta,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics[makeKey(name, labels)] = &Metric{
		Name:      name,
		Type:      TypeGauge,
		Value:     value,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Histogram records an observation. The registry keeps the last value
// together with the observation count and sum.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	metric, exists := r.metrics[key]
	if !exists {
		metric = &Metric{Name: name, Type: TypeHistogram, Labels: copyLabels(labels)}
		r.metrics[key] = metric
	}
	metric.Value = value
	metric.Count++
	metric.Sum += value
	metric.Timestamp = time.Now()
}

// GetMetrics returns a snapshot of all current metrics.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.metrics))
	for key, metric := range r.metrics {
		m := *metric
		m.Labels = copyLabels(metric.Labels)
		result[key] = &m
	}
	return result
}

// Reset clears all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Metric)
}

// makeKey creates a stable key for a metric based on name and sorted labels.
func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(":" + k + "=" + labels[k])
	}
	return b.String()
}

func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	result := make(Labels, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

// Timer measures execution time and records it into a registry.
type Timer struct {
	start    time.Time
	name     string
	labels   Labels
	registry MetricsRegistry
}

// NewTimer creates a new timer that records into registry when stopped.
func NewTimer(registry MetricsRegistry, name string, labels Labels) *Timer {
	return &Timer{
		start:    time.Now(),
		name:     name,
		labels:   labels,
		registry: registry,
	}
}

// Stop records the elapsed time as a histogram observation and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.registry != nil {
		t.registry.Histogram(t.name, d.Seconds(), t.labels)
	}
	return d
}

// Predefined metric names used with the Registry.
const (
	MetricDatabaseQueries  = "database_queries_total"
	MetricDatabaseDuration = "database_query_duration_seconds"
	MetricHTTPRequests     = "http_requests_total"
	MetricScansStarted     = "scans_started_total"
	MetricScansFinished    = "scans_finished_total"
)

// Common label keys.
const (
	LabelStatus    = "status"
	LabelOperation = "operation"
	LabelOutcome   = "outcome"
	LabelState     = "state"
	LabelMethod    = "method"
)

// RecordDatabaseQuery records a database query into registry.
func RecordDatabaseQuery(registry MetricsRegistry, operation string, duration time.Duration, success bool) {
	if registry == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	registry.Counter(MetricDatabaseQueries, Labels{LabelOperation: operation, LabelStatus: status})
	registry.Histogram(MetricDatabaseDuration, duration.Seconds(), Labels{LabelOperation: operation})
}
