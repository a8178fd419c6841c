// Package metrics defines the observability interfaces of DittoBox and the
// HTTP server exposing them.
//
// Metrics are optional. Components receiving a nil BoxMetrics use the no-op
// implementation, so the server runs the same with or without collection.
//
// Usage:
//
//	metrics.InitRegistry()
//	m := prometheus.NewBoxMetrics() // pkg/metrics/prometheus
//	adapter := box.New(config, m)
//
//	adapter := box.New(config, nil) // no metrics
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry and read afterwards.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global Prometheus registry together with the Go
// runtime and process collectors. Subsequent calls are ignored.
//
// Until it is called GetRegistry returns nil and the Prometheus
// constructors fall back to no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = r
	})
}

// GetRegistry returns the global registry, or nil when metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
