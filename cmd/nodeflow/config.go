package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all nodeflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath             string `json:"db_path"              validate:"required"`
	LogLevel           string `json:"log_level"            validate:"oneof=debug info warn error"`
	LogFormat          string `json:"log_format"           validate:"oneof=text json"`
	DefaultTimeoutMs   int    `json:"default_timeout_ms"   validate:"gte=0"`
	PoolSize           int    `json:"pool_size"            validate:"gte=1"`
	ListenAddr         string `json:"listen_addr"          validate:"hostname_port"`
	ScheduleIntervalMs int    `json:"schedule_interval_ms" validate:"gte=100"`
	VaultPassphrase    string `json:"vault_passphrase"`
	VaultSalt          string `json:"vault_salt"           validate:"required_with=VaultPassphrase"`
}

// DefaultTimeout is the per-node timeout applied when a node sets none.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

func defaultConfig() Config {
	return Config{
		DBPath:             filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel:           "info",
		LogFormat:          "text",
		DefaultTimeoutMs:   30000,
		PoolSize:           4,
		ListenAddr:         ":4100",
		ScheduleIntervalMs: 1000,
	}
}

// nodeflowDir is $NODEFLOW_HOME, or ~/.nodeflow.
func nodeflowDir() string {
	if dir := os.Getenv("NODEFLOW_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("NODEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NODEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NODEFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("NODEFLOW_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTimeoutMs = n
		}
	}
	if v := os.Getenv("NODEFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("NODEFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NODEFLOW_SCHEDULE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScheduleIntervalMs = n
		}
	}
	if v := os.Getenv("NODEFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("NODEFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", f.Field(), f.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
