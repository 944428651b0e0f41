// Package config provides configuration management for Overmind.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Overmind.
type Config struct {
	Session   SessionConfig   `mapstructure:"session"`
	Store     StoreConfig     `mapstructure:"store"`
	Agent     AgentConfig     `mapstructure:"agent"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Roles     RolesConfig     `mapstructure:"roles"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SessionConfig identifies the session this orchestrator instance serves.
type SessionConfig struct {
	Dir     string `mapstructure:"dir"`     // session root; the task store lives in <dir>/tasks
	Actor   string `mapstructure:"actor"`   // audit field stamped on activity events
	TaskID  string `mapstructure:"taskId"`  // default task id for task-scoped verbs
	AgentID string `mapstructure:"agentId"` // attribution for complaints and lifecycle signals
	Role    string `mapstructure:"role"`    // drives the bash guard and tool allowlist
	Repo    string `mapstructure:"repo"`    // repository root for the completion verifier
}

// StoreConfig holds task store tuning.
type StoreConfig struct {
	ActivityCap    int `mapstructure:"activityCap"`    // max retained activity events
	ActivityLimit  int `mapstructure:"activityLimit"`  // default page size for activity reads
	AgentTTL       int `mapstructure:"agentTtl"`       // seconds without heartbeat before an agent issue is demoted to dead
	AgentCap       int `mapstructure:"agentCap"`       // max retained agent issues
	FlushDelay     int `mapstructure:"flushDelay"`     // deferred flush coalescing window, milliseconds
	MessageHistory int `mapstructure:"messageHistory"` // max messages served by read_message_history
}

// AgentConfig describes how agent processes are launched. The command
// receives the contract environment variables and a role argument.
type AgentConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// IPCConfig holds the line-JSON socket server configuration.
type IPCConfig struct {
	SocketPath  string `mapstructure:"socketPath"`
	WaitBound   int    `mapstructure:"waitBound"`   // wait_for_agent server-side bound, seconds
	StopTimeout int    `mapstructure:"stopTimeout"` // stop_agents_for_task waitForCompletion bound, seconds
}

// RegistryConfig holds agent registry tuning.
type RegistryConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds
	MaxEvents         int `mapstructure:"maxEvents"`         // per-agent event ring cap
}

// SchedulerConfig holds admission tuning.
type SchedulerConfig struct {
	MaxConcurrent int `mapstructure:"maxConcurrent"` // cap on simultaneously admitted tasks
}

// HTTPConfig holds the read-only status API configuration.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RolesConfig points at an optional role-definition override file.
type RolesConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TasksDir returns the directory holding per-issue JSON files.
func (s *SessionConfig) TasksDir() string {
	return filepath.Join(s.Dir, "tasks")
}

// AgentTTLDuration returns the agent heartbeat TTL as a time.Duration.
func (s *StoreConfig) AgentTTLDuration() time.Duration {
	return time.Duration(s.AgentTTL) * time.Second
}

// FlushDelayDuration returns the deferred flush window as a time.Duration.
func (s *StoreConfig) FlushDelayDuration() time.Duration {
	return time.Duration(s.FlushDelay) * time.Millisecond
}

// WaitBoundDuration returns the long-poll bound as a time.Duration.
func (i *IPCConfig) WaitBoundDuration() time.Duration {
	return time.Duration(i.WaitBound) * time.Second
}

// StopTimeoutDuration returns the stop wait bound as a time.Duration.
func (i *IPCConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(i.StopTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat tick as a time.Duration.
func (r *RegistryConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("session.dir", ".overmind")
	v.SetDefault("session.actor", "overmind")
	v.SetDefault("session.taskId", "")
	v.SetDefault("session.agentId", "")
	v.SetDefault("session.role", "")
	v.SetDefault("session.repo", ".")

	v.SetDefault("store.activityCap", 1000)
	v.SetDefault("store.activityLimit", 50)
	v.SetDefault("store.agentTtl", 900)
	v.SetDefault("store.agentCap", 200)
	v.SetDefault("store.flushDelay", 250)
	v.SetDefault("store.messageHistory", 50)

	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})

	v.SetDefault("ipc.socketPath", "")
	v.SetDefault("ipc.waitBound", 1800)
	v.SetDefault("ipc.stopTimeout", 30)

	v.SetDefault("registry.heartbeatInterval", 15)
	v.SetDefault("registry.maxEvents", 200)

	v.SetDefault("scheduler.maxConcurrent", 5)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 7357)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "overmind")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("roles.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix OVERMIND_ with snake_case
// naming. The config file is overmind.yaml in the current directory or
// /etc/overmind/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OVERMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the contract env vars agents export; the
	// config keys are camelCase so AutomaticEnv cannot derive these.
	_ = v.BindEnv("ipc.socketPath", "OVERMIND_SOCKET")
	_ = v.BindEnv("session.dir", "OVERMIND_SESSION_DIR")
	_ = v.BindEnv("session.taskId", "OVERMIND_TASK_ID")
	_ = v.BindEnv("session.agentId", "OVERMIND_AGENT_ID")
	_ = v.BindEnv("session.actor", "OVERMIND_ACTOR")
	_ = v.BindEnv("session.role", "OVERMIND_ROLE")

	v.SetConfigName("overmind")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/overmind/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Session.Dir == "" {
		errs = append(errs, "session.dir is required")
	}
	if cfg.IPC.SocketPath == "" {
		// Derive a session-scoped default rather than failing: agents
		// inherit the same value through OVERMIND_SOCKET.
		cfg.IPC.SocketPath = filepath.Join(cfg.Session.Dir, "overmind.sock")
	}
	if cfg.Store.ActivityCap <= 0 {
		errs = append(errs, "store.activityCap must be positive")
	}
	if cfg.Store.AgentCap <= 0 {
		errs = append(errs, "store.agentCap must be positive")
	}
	if cfg.Registry.MaxEvents <= 0 {
		errs = append(errs, "registry.maxEvents must be positive")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		errs = append(errs, "http.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
