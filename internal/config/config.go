package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Database  DatabaseConfig   `json:"database"`
	Queue     QueueConfig      `json:"queue"`
	Pool      PoolConfig       `json:"pool"`
	Sandbox   SandboxConfig    `json:"sandbox"`
	Providers []ProviderConfig `json:"providers"`
	Gateway   GatewayConfig    `json:"gateway"`
	Cron      []CronConfig     `json:"cron,omitempty"`
	Workflows WorkflowsConfig  `json:"workflows"`
}

type ServerConfig struct {
	Port        int    `json:"port"`
	LogLevel    string `json:"log_level"`
	ExternalURL string `json:"external_url"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

type QueueConfig struct {
	MaxRuntime     Duration `json:"max_runtime"`
	ReapInterval   Duration `json:"reap_interval"`
	FlushCount     int      `json:"flush_count"`
	FlushInterval  Duration `json:"flush_interval"`
	DispatcherName string   `json:"dispatcher_name"`
}

type PoolConfig struct {
	Min           int      `json:"min"`
	Max           int      `json:"max"`
	Target        int      `json:"target"`
	HeartbeatTTL  Duration `json:"heartbeat_ttl"`
	GCInterval    Duration `json:"gc_interval"`
	ScaleInterval Duration `json:"scale_interval"`
}

type SandboxConfig struct {
	Image           string   `json:"image"`
	RunnerCommand   []string `json:"runner_command"`
	RunAsUser       int      `json:"run_as_user"`
	CPUMillis       int      `json:"cpu_millis"`
	MemoryMB        int      `json:"memory_mb"`
	EphemeralMB     int      `json:"ephemeral_mb"`
	ActiveDeadline  Duration `json:"active_deadline"`
	EgressAllowlist []string `json:"egress_allowlist"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

type GatewayConfig struct {
	Slack    SlackGatewayConfig   `json:"slack"`
	Discord  DiscordGatewayConfig `json:"discord"`
	Bindings []BindingConfig      `json:"bindings,omitempty"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

// BindingConfig maps a chat channel to a repository for prompt routing.
type BindingConfig struct {
	Platform     string `json:"platform"`
	ChannelID    string `json:"channel_id"`
	RepositoryID string `json:"repository_id"`
}

type CronConfig struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repository_id"`
	Spec         string `json:"spec"`
}

type WorkflowsConfig struct {
	Dir string `json:"dir"`
}

// Duration decodes "30s" style strings in JSON config.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
