package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	ws := t.TempDir()

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "localhost:3000" {
		t.Fatalf("Listen = %s, want localhost:3000", cfg.Listen)
	}
	if cfg.DataDir != filepath.Join(ws, ".beam") {
		t.Fatalf("DataDir = %s", cfg.DataDir)
	}
	if cfg.ModulesDir != filepath.Join(cfg.DataDir, "modules") {
		t.Fatalf("ModulesDir = %s", cfg.ModulesDir)
	}
	if cfg.DBPath() != filepath.Join(cfg.DataDir, "runs.db") {
		t.Fatalf("DBPath = %s", cfg.DBPath())
	}
	if cfg.EventRetention.MaxEvents != 1000 || cfg.EventRetention.MaxAge != 30*time.Minute {
		t.Fatalf("event retention = %+v", cfg.EventRetention)
	}
	if cfg.ElicitationTimeout != 5*time.Minute {
		t.Fatalf("ElicitationTimeout = %s", cfg.ElicitationTimeout)
	}
	if cfg.ReloadDebounce != 100*time.Millisecond {
		t.Fatalf("ReloadDebounce = %s", cfg.ReloadDebounce)
	}
	if cfg.SessionTimeout != 30*time.Minute {
		t.Fatalf("SessionTimeout = %s", cfg.SessionTimeout)
	}
	if cfg.RunRetention != 7*24*time.Hour {
		t.Fatalf("RunRetention = %s", cfg.RunRetention)
	}
}

func TestYAMLOverrides(t *testing.T) {
	ws := t.TempDir()
	yaml := `
listen: "127.0.0.1:4100"
modules_dir: "/opt/beam/modules"
elicitation_timeout: 1m
event_retention:
  max_events: 50
  max_age: 5m
`
	if err := os.WriteFile(filepath.Join(ws, "beam.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing beam.yaml: %v", err)
	}

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:4100" {
		t.Fatalf("Listen = %s", cfg.Listen)
	}
	if cfg.ModulesDir != "/opt/beam/modules" {
		t.Fatalf("ModulesDir = %s", cfg.ModulesDir)
	}
	if cfg.ElicitationTimeout != time.Minute {
		t.Fatalf("ElicitationTimeout = %s", cfg.ElicitationTimeout)
	}
	if cfg.EventRetention.MaxEvents != 50 || cfg.EventRetention.MaxAge != 5*time.Minute {
		t.Fatalf("event retention = %+v", cfg.EventRetention)
	}
	// Untouched keys keep their defaults.
	if cfg.SessionTimeout != 30*time.Minute {
		t.Fatalf("SessionTimeout = %s", cfg.SessionTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "beam.yaml"), []byte("listen: \"127.0.0.1:4100\"\n"), 0o644); err != nil {
		t.Fatalf("writing beam.yaml: %v", err)
	}
	t.Setenv("BEAM_LISTEN", "0.0.0.0:9000")

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Fatalf("Listen = %s, want the env value", cfg.Listen)
	}
}

func TestBadYAML(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "beam.yaml"), []byte("listen: [unclosed"), 0o644); err != nil {
		t.Fatalf("writing beam.yaml: %v", err)
	}
	if _, err := Load(ws); err == nil {
		t.Fatal("Load accepted malformed yaml")
	}
}
