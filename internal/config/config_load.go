package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads config from a YAML file, applies defaults, then overlays env vars.
// A missing file yields the defaults (model must then come from env).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// yaml.v3 drops unknown keys by default, which is the contract here.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays CLAWD_* env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CLAWD_PROVIDER", &c.Model.Provider)
	envStr("CLAWD_MODEL", &c.Model.Name)
	envStr("CLAWD_HOST", &c.Server.Host)
	if v := os.Getenv("CLAWD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	envStr("CLAWD_LOG_FILE", &c.Logging.File)
	envStr("CLAWD_LOG_LEVEL", &c.Logging.Level)

	// Tailscale (tsnet)
	envStr("CLAWD_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("CLAWD_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("CLAWD_TSNET_DIR", &c.Tailscale.StateDir)

	// Telemetry
	envStr("CLAWD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CLAWD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CLAWD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	// Allowed users from env (comma-separated)
	if v := os.Getenv("CLAWD_ALLOWED_USERS"); v != "" {
		c.Security.AllowedUsers = strings.Split(v, ",")
	}
}

// Snapshot returns a shallow copy safe for concurrent readers.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := Config{
		Model:        c.Model,
		Server:       c.Server,
		Tools:        c.Tools,
		Logging:      c.Logging,
		Retry:        c.Retry,
		Security:     c.Security,
		SystemPrompt: c.SystemPrompt,
		Compaction:   c.Compaction,
		Tailscale:    c.Tailscale,
		Telemetry:    c.Telemetry,
	}
	return cp
}
