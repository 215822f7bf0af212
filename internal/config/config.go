// Package config loads daemon settings from defaults, an optional beam.yaml
// in the workspace, and BEAM_* environment variables, in increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon settings.
type Config struct {
	// Listen is the HTTP listen address for the RPC and event endpoints.
	Listen string `mapstructure:"listen"`

	// DataDir holds the run database and, by default, the modules dir.
	DataDir string `mapstructure:"data_dir"`

	// ModulesDir is scanned for module manifests on startup.
	ModulesDir string `mapstructure:"modules_dir"`

	// EventRetention bounds the per-channel replay window.
	EventRetention struct {
		MaxEvents int           `mapstructure:"max_events"`
		MaxAge    time.Duration `mapstructure:"max_age"`
	} `mapstructure:"event_retention"`

	// ElicitationTimeout bounds how long an ask waits for a response.
	ElicitationTimeout time.Duration `mapstructure:"elicitation_timeout"`

	// ReloadDebounce coalesces rapid file edits into one reload.
	ReloadDebounce time.Duration `mapstructure:"reload_debounce"`

	// SessionTimeout bounds how long a disconnected session id survives.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`

	// InstanceIdleEviction bounds how long an untouched instance is kept.
	InstanceIdleEviction time.Duration `mapstructure:"instance_idle_eviction"`

	// RunRetention bounds how long terminal runs stay resumable/inspectable.
	RunRetention time.Duration `mapstructure:"run_retention"`
}

// Load reads configuration for the given workspace directory.
func Load(workspace string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", "localhost:3000")
	v.SetDefault("data_dir", filepath.Join(workspace, ".beam"))
	v.SetDefault("modules_dir", "")
	v.SetDefault("event_retention.max_events", 1000)
	v.SetDefault("event_retention.max_age", 30*time.Minute)
	v.SetDefault("elicitation_timeout", 5*time.Minute)
	v.SetDefault("reload_debounce", 100*time.Millisecond)
	v.SetDefault("session_timeout", 30*time.Minute)
	v.SetDefault("instance_idle_eviction", 24*time.Hour)
	v.SetDefault("run_retention", 7*24*time.Hour)

	v.SetEnvPrefix("BEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("beam")
	v.SetConfigType("yaml")
	v.AddConfigPath(workspace)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading beam.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if cfg.ModulesDir == "" {
		cfg.ModulesDir = filepath.Join(cfg.DataDir, "modules")
	}

	return &cfg, nil
}

// DBPath returns the run database location under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "runs.db")
}
