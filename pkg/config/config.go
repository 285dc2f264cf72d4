// Package config loads pario's process configuration: process-group
// topology, rearranger/flow-control defaults, backend selection, metrics,
// and logging. Adapted from this codebase's own config loader (viper +
// mapstructure decode hooks over a YAML file, DITTOFS_*-prefixed env
// overrides) for pario's own section set.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (PARIO_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/climbfuji/pario/internal/bytesize"
	"github.com/climbfuji/pario/internal/logger"
	"github.com/climbfuji/pario/pkg/pioerr"
)

// Config is the root configuration a pario process loads at startup --
// the settings cmd/pario's serve subcommand needs to bring up an
// IOSystem and open files against a chosen backend.
type Config struct {
	// Topology describes this process's place in the compute/IO split.
	Topology TopologyConfig `mapstructure:"topology" yaml:"topology"`

	// Rearranger selects the default rearranger and its tuning knobs.
	Rearranger RearrangerConfig `mapstructure:"rearranger" yaml:"rearranger"`

	// FlowControl bounds in-flight exchange requests.
	FlowControl FlowControlConfig `mapstructure:"flow_control" yaml:"flow_control"`

	// Backend selects the storage backend and its connection settings.
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ErrorPolicy names the global default pioerr.Policy ("return",
	// "broadcast", or "internal_abort") cmd/pario installs via
	// pario.SetErrorHandler(pioerr.ScopeGlobal, ...) at startup.
	ErrorPolicy string `mapstructure:"error_policy" yaml:"error_policy"`
}

// TopologyConfig describes how this process's world communicator splits
// into I/O and compute tasks. Exactly one of the Intracomm or Async shape
// is populated; Mode selects which.
type TopologyConfig struct {
	// Rank is this process's rank in Peers; Peers is the full
	// "host:port" address list every rank of the world communicator
	// dials, ordered by rank (see comm/tcpcomm.New).
	Rank  int      `mapstructure:"rank" yaml:"rank"`
	Peers []string `mapstructure:"peers" yaml:"peers"`

	// Mode is "intracomm" or "async".
	Mode string `mapstructure:"mode" yaml:"mode"`

	// NumIOTasks, Stride, Base parametrize the intracomm mode's
	// rank-subset selection (see iosystem.InitIntracomm).
	NumIOTasks int `mapstructure:"num_io_tasks" yaml:"num_io_tasks"`
	Stride     int `mapstructure:"stride" yaml:"stride"`
	Base       int `mapstructure:"base" yaml:"base"`

	// IOProcList and Components parametrize async mode: the union-rank
	// list dedicated to I/O, and one compute component per entry.
	IOProcList []int            `mapstructure:"io_proc_list" yaml:"io_proc_list"`
	Components []ComponentEntry `mapstructure:"components" yaml:"components"`
}

// ComponentEntry is one compute component's rank list in async topology.
type ComponentEntry struct {
	ProcList []int `mapstructure:"proc_list" yaml:"proc_list"`
}

// RearrangerConfig selects the default rearranger tag and its dispatch
// tuning.
type RearrangerConfig struct {
	// Default is "box" or "subset".
	Default string `mapstructure:"default" yaml:"default"`

	// MaxBufferedRecords caps how many records a File accumulates in a
	// multibuf.MultiBuffer before an implicit flush; 0 means the
	// built-in default (1, i.e. flush every record).
	MaxBufferedRecords int `mapstructure:"max_buffered_records" yaml:"max_buffered_records"`

	// MaxBufferedBytes caps the same buffer by byte budget (passed to
	// every File's multibuf.New as its maxBytes trigger, see
	// iosystem.IOSystem.MaxIOBufferSize); 0 disables the byte trigger,
	// leaving only MaxBufferedRecords in effect. Forced to 0 on async
	// IOSystems regardless of this setting, the same way
	// MaxBufferedRecords is forced to 1 there.
	MaxBufferedBytes bytesize.ByteSize `mapstructure:"max_buffered_bytes" yaml:"max_buffered_bytes"`

	// Blocksize is the box rearranger's distribution unit (see
	// pkg/rearrange/box.New); 0 keeps its default whole-array
	// proportional split. Ignored entirely by "subset".
	Blocksize int64 `mapstructure:"blocksize" yaml:"blocksize"`
}

// FlowControlConfig bounds the flowctl.Exchanger every rearranger builds.
type FlowControlConfig struct {
	MaxPending int `mapstructure:"max_pending" yaml:"max_pending"`
}

// BackendConfig selects a backend.Kind and carries the settings each
// concrete backend needs to open it.
type BackendConfig struct {
	// Kind is one of classic_serial, classic_parallel, hdf5_serial,
	// hdf5_parallel (backend.Kind.String() values).
	Kind string `mapstructure:"kind" yaml:"kind"`

	// Local configures backend/localfile.
	Local LocalBackendConfig `mapstructure:"local" yaml:"local"`

	// S3 configures backend/s3.
	S3 S3BackendConfig `mapstructure:"s3" yaml:"s3"`
}

// LocalBackendConfig roots relative file paths passed to FileCreate/
// FileOpen under a directory.
type LocalBackendConfig struct {
	PathRoot string `mapstructure:"path_root" yaml:"path_root"`
}

// S3BackendConfig names the bucket/prefix/region an s3.Backend writes
// objects under; credentials are resolved through the ambient
// aws-sdk-go-v2/config chain, not stored here.
type S3BackendConfig struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	Region string `mapstructure:"region" yaml:"region"`
}

// MetricsConfig configures pkg/metrics' Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig mirrors internal/logger.Config with the struct tags a
// file-backed Config needs; ToLoggerConfig converts it at startup.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ToLoggerConfig converts to the type internal/logger.Init expects.
func (l LoggingConfig) ToLoggerConfig() logger.Config {
	return logger.Config{Level: l.Level, Format: l.Format, Output: l.Output}
}

// ErrorPolicyFromString maps a config string to a pioerr.Policy, used by
// cmd/pario to set the global default error handler at startup.
func ErrorPolicyFromString(s string) (pioerr.Policy, error) {
	switch strings.ToLower(s) {
	case "", "return":
		return pioerr.PolicyReturn, nil
	case "broadcast":
		return pioerr.PolicyBroadcast, nil
	case "internal_abort", "internalabort":
		return pioerr.PolicyInternalAbort, nil
	default:
		return pioerr.PolicyReturn, fmt.Errorf("config: unknown error policy %q", s)
	}
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration, returning a user-facing error that names
// the expected config path when none is found.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"create one, or pass --config /path/to/config.yaml", GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML to path, creating parent directories as
// needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("PARIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks composes the custom mapstructure decode hooks pario's
// Config needs: bytesize.ByteSize and time.Duration fields.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pario")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "pario")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
