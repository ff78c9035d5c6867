package metrics

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks github.com/anstrom/portsweep/internal/metrics MetricsRegistry

// MetricsRegistry defines the interface for metrics collection and management.
type MetricsRegistry interface {
	SetEnabled(enabled bool)
	IsEnabled() bool
	Counter(name string, labels Labels)
	Gauge(name string, value float64, labels Labels)
	Histogram(name string, value float64, labels Labels)
	GetMetrics() map[string]*Metric
	Reset()
}

var _ MetricsRegistry = (*Registry)(nil)
