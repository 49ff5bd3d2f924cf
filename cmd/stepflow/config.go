package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all stepflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string           `json:"listen_addr"`
	DBPath      string           `json:"db_path"`
	LogLevel    string           `json:"log_level"`
	LogJSON     bool             `json:"log_json"`
	PoolSize    int              `json:"pool_size"`
	WorkflowDir string           `json:"workflow_dir"`
	WaitTimeout Duration         `json:"wait_timeout"`
	Schedules   []ScheduleConfig `json:"schedules,omitempty"`
}

// ScheduleConfig is a cron schedule declared in settings. ID defaults to
// the trigger name.
type ScheduleConfig struct {
	ID      string          `json:"id,omitempty"`
	Cron    string          `json:"cron"`
	Trigger string          `json:"trigger"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Duration reads "30s"-style strings or plain seconds from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  ":4200",
		DBPath:      filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:    "info",
		PoolSize:    10,
		WorkflowDir: filepath.Join(stepflowDir(), "workflows"),
		WaitTimeout: Duration(20 * time.Second),
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

// loadConfig layers defaults, the settings file at path (settingsPath when
// empty) and STEPFLOW_* env vars. A missing settings file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = settingsPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := os.Getenv("STEPFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("STEPFLOW_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := os.Getenv("STEPFLOW_WORKFLOW_DIR"); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv("STEPFLOW_WAIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("STEPFLOW_WAIT_TIMEOUT: %w", err)
		}
		cfg.WaitTimeout = Duration(d)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be positive")
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.Trigger == "" {
			return fmt.Errorf("schedules[%d]: cron and trigger are required", i)
		}
	}
	return nil
}
