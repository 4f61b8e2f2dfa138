package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/sfipc/internal/transport/bridge"
)

type config struct {
	Bridge      bridge.Config `toml:"bridge" envPrefix:"SFIPC_BRIDGE_"`
	MetricsAddr string        `toml:"metrics_addr" env:"SFIPC_METRICS_ADDR"`
	LogLevel    string        `toml:"log_level" env:"SFIPC_LOG_LEVEL"`
}

func defaultConfig() config {
	return config{Bridge: bridge.DefaultConfig()}
}

// loadConfig layers defaults, the optional TOML file at path and the
// SFIPC_* environment, in that order.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return config{}, fmt.Errorf("load sfctl config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return config{}, fmt.Errorf("load sfctl config: unknown keys %v", undecoded)
		}
		if meta.IsDefined("bridge", "address") {
			cfg.Bridge.Address = strings.TrimSpace(cfg.Bridge.Address)
		}
		if meta.IsDefined("metrics_addr") {
			cfg.MetricsAddr = strings.TrimSpace(cfg.MetricsAddr)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Bridge = cfg.Bridge.WithDefaults()
	return cfg, nil
}
