package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/rendis/mcpflow/internal/xjson"
)

// Config holds all mcpflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath                  string   `json:"db_path"`
	LogLevel                string   `json:"log_level"`
	ListenAddr              string   `json:"listen_addr"`
	GatewayURL              string   `json:"gateway_url"`
	DiscoveryURL            string   `json:"discovery_url"`
	KVDir                   string   `json:"kv_dir"`
	PoolSize                int      `json:"pool_size"`
	SchedulerInterval       Duration `json:"scheduler_interval"`
	CircuitFailureThreshold int      `json:"circuit_failure_threshold"`
	CircuitOpenTimeout      Duration `json:"circuit_open_timeout"`
}

// Duration reads either a Go duration string ("30s") or a number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := xjson.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := xjson.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return xjson.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		DBPath:                  filepath.Join(mcpflowDir(), "mcpflow.db"),
		LogLevel:                "info",
		ListenAddr:              ":4200",
		KVDir:                   filepath.Join(mcpflowDir(), "kv"),
		PoolSize:                10,
		SchedulerInterval:       Duration(30 * time.Second),
		CircuitFailureThreshold: 5,
		CircuitOpenTimeout:      Duration(30 * time.Second),
	}
}

func mcpflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcpflow"
	}
	return filepath.Join(home, ".mcpflow")
}

func settingsPath() string {
	return filepath.Join(mcpflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(mcpflowDir(), "mcpflow.pid")
}

// loadConfig layers the settings file at path (settingsPath() when empty) and
// MCPFLOW_* variables over the defaults. A missing default settings file is
// not an error; a missing explicit one is.
func loadConfig(path string) (Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := xjson.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := mergo.Merge(&cfg, defaultConfig()); err != nil {
		return Config{}, fmt.Errorf("apply defaults: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from MCPFLOW_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
		return nil
	}

	str("MCPFLOW_DB_PATH", &cfg.DBPath)
	str("MCPFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("MCPFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	str("MCPFLOW_GATEWAY_URL", &cfg.GatewayURL)
	str("MCPFLOW_DISCOVERY_URL", &cfg.DiscoveryURL)
	str("MCPFLOW_KV_DIR", &cfg.KVDir)
	return errors.Join(
		num("MCPFLOW_POOL_SIZE", &cfg.PoolSize),
		dur("MCPFLOW_SCHEDULER_INTERVAL", &cfg.SchedulerInterval),
		num("MCPFLOW_CIRCUIT_FAILURE_THRESHOLD", &cfg.CircuitFailureThreshold),
		dur("MCPFLOW_CIRCUIT_OPEN_TIMEOUT", &cfg.CircuitOpenTimeout),
	)
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged  bool
	DiscoveryChanged bool     // the API handler is rebuilt around a new discovery client
	RestartNeeded    []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DiscoveryURL != new.DiscoveryURL {
		d.DiscoveryChanged = true
	}
	if old.GatewayURL != new.GatewayURL {
		d.RestartNeeded = append(d.RestartNeeded, "gateway_url")
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.KVDir != new.KVDir {
		d.RestartNeeded = append(d.RestartNeeded, "kv_dir")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.SchedulerInterval != new.SchedulerInterval {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler_interval")
	}
	if old.CircuitFailureThreshold != new.CircuitFailureThreshold || old.CircuitOpenTimeout != new.CircuitOpenTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "circuit_breaker")
	}
	return d
}
