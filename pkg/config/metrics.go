package config

import (
	"github.com/marmos91/dittobox/pkg/metrics"
	promMetrics "github.com/marmos91/dittobox/pkg/metrics/prometheus"
)

// MetricsResult contains the metrics components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// BoxMetrics is shared by the box adapter and the task pool (never nil)
	BoxMetrics metrics.BoxMetrics
}

// InitializeMetrics creates the metrics components.
//
// When metrics are disabled it returns a nil server and a no-op collector.
// Otherwise it initializes the global Prometheus registry and returns
// Prometheus-backed collectors plus the HTTP server exposing them.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			BoxMetrics: metrics.NewNoopBoxMetrics(),
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Server.Metrics.Port,
		}),
		BoxMetrics: promMetrics.NewBoxMetrics(),
	}
}
