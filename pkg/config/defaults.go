package config

import "github.com/climbfuji/pario/pkg/flowctl"

// ApplyDefaults fills any zero-valued fields left after loading with
// sensible defaults. Explicit values from file or environment are always
// preserved.
func ApplyDefaults(cfg *Config) {
	applyTopologyDefaults(&cfg.Topology)
	applyRearrangerDefaults(&cfg.Rearranger)
	applyFlowControlDefaults(&cfg.FlowControl)
	applyBackendDefaults(&cfg.Backend)
	applyMetricsDefaults(&cfg.Metrics)
	applyLoggingDefaults(&cfg.Logging)
	if cfg.ErrorPolicy == "" {
		cfg.ErrorPolicy = "return"
	}
}

func applyTopologyDefaults(cfg *TopologyConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "intracomm"
	}
	if cfg.Mode == "intracomm" {
		if cfg.NumIOTasks <= 0 {
			cfg.NumIOTasks = 1
		}
		if cfg.Stride <= 0 {
			cfg.Stride = 1
		}
	}
}

func applyRearrangerDefaults(cfg *RearrangerConfig) {
	if cfg.Default == "" {
		cfg.Default = "box"
	}
	if cfg.MaxBufferedRecords <= 0 {
		cfg.MaxBufferedRecords = 1
	}
}

func applyFlowControlDefaults(cfg *FlowControlConfig) {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = flowctl.DefaultMaxPending
	}
}

func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Kind == "" {
		cfg.Kind = "classic_serial"
	}
	if cfg.Local.PathRoot == "" {
		cfg.Local.PathRoot = "."
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":9187"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// GetDefaultConfig returns a Config with every field set to its default,
// used when Load finds no config file on disk.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
