package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config is the root agent configuration. YAML keys are snake_case;
// unknown keys are dropped by the loader.
type Config struct {
	Model        ModelConfig        `yaml:"model" json:"model"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Tools        ToolsConfig        `yaml:"tools" json:"tools"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Retry        RetryConfig        `yaml:"retry" json:"retry"`
	Security     SecurityConfig     `yaml:"security" json:"security"`
	SystemPrompt SystemPromptConfig `yaml:"system_prompt" json:"systemPrompt"`
	Compaction   CompactionConfig   `yaml:"compaction" json:"compaction"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" json:"tailscale"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" json:"telemetry"`

	mu sync.RWMutex `yaml:"-" json:"-"`
}

// ModelConfig selects the LLM provider and model. The only required block.
type ModelConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Name     string `yaml:"name" json:"name"`
}

type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// RateLimitRPM caps send_message frames per client per minute.
	// 0 disables rate limiting.
	RateLimitRPM   int      `yaml:"rate_limit_rpm" json:"rateLimitRpm"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowedOrigins"`
}

type ToolsConfig struct {
	MaxIterations int `yaml:"max_iterations" json:"maxIterations"`
	OutputLimit   int `yaml:"output_limit" json:"outputLimit"`
	Timeout       int `yaml:"timeout" json:"timeout"` // seconds
}

type LoggingConfig struct {
	File     string         `yaml:"file" json:"file"`
	Level    string         `yaml:"level" json:"level"`
	Stdout   bool           `yaml:"stdout" json:"stdout"`
	Rotation RotationConfig `yaml:"rotation" json:"rotation"`
}

type RotationConfig struct {
	MaxDays   int `yaml:"max_days" json:"maxDays"`
	MaxSizeMb int `yaml:"max_size_mb" json:"maxSizeMb"`
}

type RetryConfig struct {
	BaseDelayMs       int   `yaml:"base_delay_ms" json:"baseDelayMs"`
	MaxDelayMs        int   `yaml:"max_delay_ms" json:"maxDelayMs"`
	MaxRetries        int   `yaml:"max_retries" json:"maxRetries"`
	RetryableStatuses []int `yaml:"retryable_statuses" json:"retryableStatuses"`
}

type SecurityConfig struct {
	AllowedEnv      []string `yaml:"allowed_env" json:"allowedEnv"`
	AllowedPaths    []string `yaml:"allowed_paths" json:"allowedPaths"`
	AllowedUsers    []string `yaml:"allowed_users" json:"allowedUsers"`
	BlockedCommands []string `yaml:"blocked_commands" json:"blockedCommands"`
	DeniedPaths     []string `yaml:"denied_paths" json:"deniedPaths"`
}

type SystemPromptConfig struct {
	IdentityFile           string `yaml:"identity_file" json:"identityFile"`
	CustomInstructionsFile string `yaml:"custom_instructions_file" json:"customInstructionsFile"`
}

type CompactionConfig struct {
	Enabled          *bool `yaml:"enabled" json:"enabled"`
	KeepRecentTokens int   `yaml:"keep_recent_tokens" json:"keepRecentTokens"`
	ReserveTokens    int   `yaml:"reserve_tokens" json:"reserveTokens"`
}

// CompactionEnabled returns the effective enabled flag (default true).
func (c CompactionConfig) CompactionEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TailscaleConfig enables an additional tsnet listener on the tailnet.
type TailscaleConfig struct {
	Hostname string `yaml:"hostname" json:"hostname"`
	AuthKey  string `yaml:"auth_key" json:"authKey"`
	StateDir string `yaml:"state_dir" json:"stateDir"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Protocol    string `yaml:"protocol" json:"protocol"` // "http" or "grpc"
	ServiceName string `yaml:"service_name" json:"serviceName"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
}

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Tools: ToolsConfig{
			MaxIterations: 20,
			OutputLimit:   200_000,
			Timeout:       120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Stdout: true,
			Rotation: RotationConfig{
				MaxDays:   7,
				MaxSizeMb: 50,
			},
		},
		Retry: RetryConfig{
			BaseDelayMs:       1000,
			MaxDelayMs:        30000,
			MaxRetries:        3,
			RetryableStatuses: []int{429, 500, 502, 503, 529},
		},
		Compaction: CompactionConfig{
			KeepRecentTokens: 20000,
			ReserveTokens:    16384,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "clawd",
		},
	}
}

// Validate checks the invariants a loaded config must satisfy.
func (c *Config) Validate() error {
	if c.Model.Provider == "" || c.Model.Name == "" {
		return fmt.Errorf("config: model.provider and model.name are required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Tools.MaxIterations <= 0 {
		return fmt.Errorf("config: tools.max_iterations must be positive")
	}
	switch c.Telemetry.Protocol {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("config: telemetry.protocol %q not supported", c.Telemetry.Protocol)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	if len(path) == 1 {
		return home
	}
	return path
}
