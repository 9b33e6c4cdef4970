// Package config loads AgentPulse's TOML configuration, mirroring the
// teacher's Config/ProfileConfig shape (github.com/BurntSushi/toml)
// generalized to the service's own knobs: relay URLs, tick intervals,
// and the queue/dedup/history limits the other components use.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is AgentPulse's full runtime configuration.
type Config struct {
	DataDir  string   `toml:"data_dir"`
	Relays   []string `toml:"relays"`
	LogLevel string   `toml:"log_level"`
	AgentName string  `toml:"agent_name"`
	Ephemeral bool    `toml:"-"`
	NodeEnv   string  `toml:"-"`

	CmdPollInterval      time.Duration `toml:"-"`
	CmdPollIntervalMS    int64         `toml:"cmd_poll_interval_ms"`
	HealthUpdateInterval time.Duration `toml:"-"`
	HealthUpdateIntervalMS int64       `toml:"health_update_interval_ms"`
	StartTimeout         time.Duration `toml:"-"`
	StartTimeoutMS       int64         `toml:"start_timeout_ms"`

	QueueMaxRetries   int           `toml:"queue_max_retries"`
	QueueBaseDelay    time.Duration `toml:"-"`
	QueueBaseDelayMS  int64         `toml:"queue_base_delay_ms"`
	QueueFactor       float64       `toml:"queue_factor"`
	QueueTTL          time.Duration `toml:"-"`
	QueueTTLHours     int64         `toml:"queue_ttl_hours"`
	QueueMaxSize      int           `toml:"queue_max_size"`

	StorageKeyRotationDays int `toml:"storage_key_rotation_days"`
}

// defaultConfig mirrors the teacher's defaultConfig: sane relay
// defaults plus AgentPulse's documented timer/limit defaults (spec.md
// §3 / §5).
func defaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		LogLevel:               "info",
		CmdPollIntervalMS:      500,
		HealthUpdateIntervalMS: 5000,
		StartTimeoutMS:         5000,
		QueueMaxRetries:        3,
		QueueBaseDelayMS:       1000,
		QueueFactor:            2,
		QueueTTLHours:          24,
		QueueMaxSize:           10000,
		StorageKeyRotationDays: 30,
	}
}

// configPath resolves the config file location: explicit flag path,
// then AGENTPULSE_CONFIG, then ~/.config/agentpulse/config.toml —
// mirroring the teacher's configPath precedence chain.
func configPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("AGENTPULSE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "agentpulse", "config.toml")
}

// Load reads and validates configuration from flagPath (or the default
// search path), applying environment variable overrides and defaults
// for any unset numeric knob.
func Load(flagPath string) (Config, error) {
	cfg := defaultConfig()

	path := configPath(flagPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	cfg.resolveDurations()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides lets the container-contract environment variables
// (LOG_LEVEL, AGENT_NAME, AGENT_PULSE_EPHEMERAL, NODE_ENV) win over file
// config, plus this project's own additional AGENTPULSE_* operational
// knobs (spec.md §6's environment-variable precedence note).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTPULSE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENT_NAME"); v != "" {
		cfg.AgentName = v
	}
	if v := os.Getenv("AGENT_PULSE_EPHEMERAL"); v != "" {
		cfg.Ephemeral = v == "true"
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.NodeEnv = v
	}
	if v := os.Getenv("AGENTPULSE_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxSize = n
		}
	}
}

func (c *Config) resolveDurations() {
	c.CmdPollInterval = time.Duration(c.CmdPollIntervalMS) * time.Millisecond
	c.HealthUpdateInterval = time.Duration(c.HealthUpdateIntervalMS) * time.Millisecond
	c.StartTimeout = time.Duration(c.StartTimeoutMS) * time.Millisecond
	c.QueueBaseDelay = time.Duration(c.QueueBaseDelayMS) * time.Millisecond
	c.QueueTTL = time.Duration(c.QueueTTLHours) * time.Hour
}

func (c *Config) applyDefaults() {
	d := defaultConfig()
	if len(c.Relays) == 0 {
		c.Relays = d.Relays
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.CmdPollInterval <= 0 {
		c.CmdPollInterval = time.Duration(d.CmdPollIntervalMS) * time.Millisecond
	}
	if c.HealthUpdateInterval <= 0 {
		c.HealthUpdateInterval = time.Duration(d.HealthUpdateIntervalMS) * time.Millisecond
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = time.Duration(d.StartTimeoutMS) * time.Millisecond
	}
	if c.QueueMaxRetries <= 0 {
		c.QueueMaxRetries = d.QueueMaxRetries
	}
	if c.QueueBaseDelay <= 0 {
		c.QueueBaseDelay = time.Duration(d.QueueBaseDelayMS) * time.Millisecond
	}
	if c.QueueFactor <= 0 {
		c.QueueFactor = d.QueueFactor
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = time.Duration(d.QueueTTLHours) * time.Hour
	}
	if c.QueueMaxSize <= 0 {
		c.QueueMaxSize = d.QueueMaxSize
	}
	if c.StorageKeyRotationDays <= 0 {
		c.StorageKeyRotationDays = d.StorageKeyRotationDays
	}
}
