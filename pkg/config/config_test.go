package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/climbfuji/pario/internal/bytesize"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
topology:
  mode: intracomm
  num_io_tasks: 2

backend:
  kind: classic_serial
  local:
    path_root: "` + filepath.ToSlash(tmpDir) + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Rearranger.Default != "box" {
		t.Errorf("expected default rearranger 'box', got %q", cfg.Rearranger.Default)
	}
	if cfg.FlowControl.MaxPending <= 0 {
		t.Errorf("expected a positive default max_pending, got %d", cfg.FlowControl.MaxPending)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default logging format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Topology.NumIOTasks != 2 {
		t.Errorf("expected num_io_tasks 2 from file, got %d", cfg.Topology.NumIOTasks)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistent := filepath.Join(tmpDir, "missing.yaml")

	cfg, err := Load(nonExistent)
	if err != nil {
		t.Fatalf("load with no config file should fall back to defaults: %v", err)
	}
	if cfg.Topology.Mode != "intracomm" {
		t.Errorf("expected default topology mode 'intracomm', got %q", cfg.Topology.Mode)
	}
}

func TestLoad_InvalidTopologyMode(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := `
topology:
  mode: bogus
backend:
  kind: classic_serial
  local:
    path_root: "` + filepath.ToSlash(tmpDir) + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected validation error for unknown topology.mode")
	}
}

func TestByteSizeDecodeHook(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := `
topology:
  mode: intracomm
  num_io_tasks: 1
backend:
  kind: classic_serial
  local:
    path_root: "` + filepath.ToSlash(tmpDir) + `"
rearranger:
  max_buffered_bytes: "64Mi"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := bytesize.ByteSize(64 * 1024 * 1024)
	if cfg.Rearranger.MaxBufferedBytes != want {
		t.Errorf("expected max_buffered_bytes %d, got %d", want, cfg.Rearranger.MaxBufferedBytes)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test")
	want := filepath.Join("/tmp/xdg-test", "pario", "config.yaml")
	if got := GetDefaultConfigPath(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestValidate_RejectsUnknownBackendKind(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backend.Kind = "bogus"
	cfg.Backend.Local.PathRoot = "/tmp"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown backend kind")
	}
}

func TestValidate_AcceptsDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backend.Local.PathRoot = "/tmp"
	if err := Validate(cfg); err != nil {
		t.Errorf("expected default config to validate, got: %v", err)
	}
}
