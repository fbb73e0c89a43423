// Package config provides configuration management for agentd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentd.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Transcripts TranscriptsConfig `mapstructure:"transcripts"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the control-plane server configuration.
// The server is loopback-only: Bind must resolve to a local interface.
type ServerConfig struct {
	Bind              string `mapstructure:"bind"`
	Port              int    `mapstructure:"port"`
	Secret            string `mapstructure:"secret"`            // shared auth secret; empty = local-trust mode
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // seconds between pings
	ReadTimeout       int    `mapstructure:"readTimeout"`       // seconds
	WriteTimeout      int    `mapstructure:"writeTimeout"`      // seconds
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	// Binary is the agent CLI used for the subprocess fallback path.
	Binary string `mapstructure:"binary"`
	// Model is the default model for executions.
	Model string `mapstructure:"model"`
	// FallbackModel is used for the one-time retry after rate-limit detection.
	FallbackModel string `mapstructure:"fallbackModel"`
	// WorkDir is the working root for agent executions.
	WorkDir string `mapstructure:"workDir"`
	// AllowedDirs are the subdirectories under WorkDir that file-oriented
	// tool calls may touch.
	AllowedDirs []string `mapstructure:"allowedDirs"`
	// MaxConcurrent caps simultaneously running executions across sessions.
	MaxConcurrent int `mapstructure:"maxConcurrent"`
}

// SupervisorConfig holds the evaluation-loop configuration.
type SupervisorConfig struct {
	EvalInterval   int    `mapstructure:"evalInterval"`   // seconds between evaluations
	MaxTurns       int    `mapstructure:"maxTurns"`       // evaluation turns before forced stop
	Timeout        int    `mapstructure:"timeout"`        // wall-clock seconds per execution
	OutputTailSize int    `mapstructure:"outputTailSize"` // chars of output sent to the evaluator
	EvaluatorModel string `mapstructure:"evaluatorModel"` // secondary model for the evaluator
}

// TranscriptsConfig holds transcript store configuration.
type TranscriptsConfig struct {
	Dir string `mapstructure:"dir"`
}

// SessionsConfig holds the session metadata index configuration.
// An empty DBPath selects the in-memory repository.
type SessionsConfig struct {
	DBPath string `mapstructure:"dbPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (s *ServerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// EvalIntervalDuration returns the evaluation interval as a time.Duration.
func (s *SupervisorConfig) EvalIntervalDuration() time.Duration {
	return time.Duration(s.EvalInterval) * time.Second
}

// TimeoutDuration returns the execution timeout as a time.Duration.
func (s *SupervisorConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".agentd")

	// Server defaults: loopback only, local-trust auth unless a secret is set
	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.port", 8790)
	v.SetDefault("server.secret", "")
	v.SetDefault("server.heartbeatInterval", 15)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.fallbackModel", "")
	v.SetDefault("agent.workDir", base)
	v.SetDefault("agent.allowedDirs", []string{"workspace", "scratch"})
	v.SetDefault("agent.maxConcurrent", 5)

	// Supervisor defaults
	v.SetDefault("supervisor.evalInterval", 30)
	v.SetDefault("supervisor.maxTurns", 20)
	v.SetDefault("supervisor.timeout", 1800)
	v.SetDefault("supervisor.outputTailSize", 4000)
	v.SetDefault("supervisor.evaluatorModel", "")

	// Storage defaults
	v.SetDefault("transcripts.dir", filepath.Join(base, "transcripts"))
	v.SetDefault("sessions.dbPath", filepath.Join(base, "sessions.db"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentd")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.agentd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys whose env var naming differs
	_ = v.BindEnv("server.heartbeatInterval", "AGENTD_SERVER_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("agent.fallbackModel", "AGENTD_AGENT_FALLBACK_MODEL")
	_ = v.BindEnv("agent.allowedDirs", "AGENTD_AGENT_ALLOWED_DIRS")
	_ = v.BindEnv("supervisor.evalInterval", "AGENTD_SUPERVISOR_EVAL_INTERVAL")
	_ = v.BindEnv("supervisor.maxTurns", "AGENTD_SUPERVISOR_MAX_TURNS")
	_ = v.BindEnv("sessions.dbPath", "AGENTD_SESSIONS_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agentd"))
	}

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

// validate checks that configuration fields are coherent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !isLoopback(cfg.Server.Bind) {
		errs = append(errs, "server.bind must be a loopback address")
	}
	if cfg.Server.HeartbeatInterval <= 0 {
		errs = append(errs, "server.heartbeatInterval must be positive")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary must be set")
	}
	if cfg.Agent.WorkDir == "" {
		errs = append(errs, "agent.workDir must be set")
	}
	if len(cfg.Agent.AllowedDirs) == 0 {
		errs = append(errs, "agent.allowedDirs must not be empty")
	}
	if cfg.Agent.MaxConcurrent <= 0 {
		errs = append(errs, "agent.maxConcurrent must be positive")
	}

	if cfg.Supervisor.EvalInterval <= 0 {
		errs = append(errs, "supervisor.evalInterval must be positive")
	}
	if cfg.Supervisor.MaxTurns <= 0 {
		errs = append(errs, "supervisor.maxTurns must be positive")
	}
	if cfg.Supervisor.Timeout <= 0 {
		errs = append(errs, "supervisor.timeout must be positive")
	}
	if cfg.Supervisor.OutputTailSize <= 0 {
		errs = append(errs, "supervisor.outputTailSize must be positive")
	}

	if cfg.Transcripts.Dir == "" {
		errs = append(errs, "transcripts.dir must be set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// isLoopback reports whether bind names a loopback interface. The control
// plane refuses to listen on anything else.
func isLoopback(bind string) bool {
	switch bind {
	case "127.0.0.1", "::1", "localhost", "":
		return true
	}
	return strings.HasPrefix(bind, "127.")
}
