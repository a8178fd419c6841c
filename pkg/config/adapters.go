package config

import (
	"fmt"

	"github.com/marmos91/dittobox/pkg/adapter"
	"github.com/marmos91/dittobox/pkg/adapter/box"
	"github.com/marmos91/dittobox/pkg/metrics"
)

// CreateAdapters creates all enabled protocol adapters from the
// configuration. boxMetrics may be nil.
func CreateAdapters(cfg *Config, boxMetrics metrics.BoxMetrics) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.Adapters.Box.Enabled {
		adapters = append(adapters, box.New(cfg.Adapters.Box, boxMetrics))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}
