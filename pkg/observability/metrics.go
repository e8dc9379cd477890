package observability

import (
	"sync"
	"time"
)

// MetricsOptions contains configuration for creating a metrics client
type MetricsOptions struct {
	Enabled bool
	Labels  map[string]string
}

// metricsClient is the default in-process metrics implementation. It keeps
// counters in memory so tests and the admin health surface can read them
// back; a Prometheus exporter can be layered on top without touching
// callers.
type metricsClient struct {
	enabled bool
	labels  map[string]string

	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates a new metrics client with default options
func NewMetricsClient() MetricsClient {
	return NewMetricsClientWithOptions(MetricsOptions{Enabled: true, Labels: map[string]string{}})
}

// NewMetricsClientWithOptions creates a new metrics client with specific options
func NewMetricsClientWithOptions(options MetricsOptions) MetricsClient {
	return &metricsClient{
		enabled:  options.Enabled,
		labels:   options.Labels,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (m *metricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

func (m *metricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[name+".sum"] += value
	m.counters[name+".count"]++
	m.mu.Unlock()
}

func (m *metricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, m.labels)
}

func (m *metricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	effective := m.labels
	if labels != nil {
		effective = labels
	}
	m.RecordCounter(name, value, effective)
}

func (m *metricsClient) RecordDuration(name string, duration time.Duration) {
	m.RecordTimer(name, duration, m.labels)
}

func (m *metricsClient) Close() error { return nil }

// NoopMetricsClient discards all metrics
type noopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient { return &noopMetricsClient{} }

func (n *noopMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (n *noopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *noopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *noopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (n *noopMetricsClient) IncrementCounter(name string, value float64) {}
func (n *noopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *noopMetricsClient) RecordDuration(name string, duration time.Duration) {}
func (n *noopMetricsClient) Close() error                                       { return nil }
