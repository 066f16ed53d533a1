// Package config loads the observer configuration from
// $OBSERVER_HOME/config.yaml with a .env overlay and applies defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GraphConfig names the graph endpoint and the two logical graphs.
type GraphConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	PrimaryName    string `yaml:"primary_name"`
	ThoughtLogName string `yaml:"thoughtlog_name"`
}

// Addr returns the host:port endpoint.
func (g GraphConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// CLIProviderConfig configures the process-spawning provider.
type CLIProviderConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// OpenAIProviderConfig configures the OpenAI-compatible HTTP provider.
type OpenAIProviderConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ProvidersConfig holds the switchboard routing table.
type ProvidersConfig struct {
	Order           []string             `yaml:"order"`
	CooldownSeconds int                  `yaml:"cooldown_seconds"`
	CLI             CLIProviderConfig    `yaml:"cli"`
	OpenAI          OpenAIProviderConfig `yaml:"openai"`
}

// GatekeeperConfig names the cheap local triage model. It is served through an
// OpenAI-compatible endpoint (Ollama style).
type GatekeeperConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// StreamConfig sizes one stage's worker pool and inbound queue.
type StreamConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// StreamsConfig sizes every stage.
type StreamsConfig struct {
	Scribe      StreamConfig `yaml:"scribe"`
	Gatekeeper  StreamConfig `yaml:"gatekeeper"`
	Thinker     StreamConfig `yaml:"thinker"`
	Analyst     StreamConfig `yaml:"analyst"`
	Coordinator StreamConfig `yaml:"coordinator"`
	Responder   StreamConfig `yaml:"responder"`
}

// ThinkerConfig tunes semantic analysis context.
type ThinkerConfig struct {
	HistoryK int `yaml:"history_k"`
}

// CoordinatorConfig tunes plan execution.
type CoordinatorConfig struct {
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
}

// PromptConfig tunes the prompt assembler cache.
type PromptConfig struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// AgentConfig is the process-wide agent identity.
type AgentConfig struct {
	TelegramID int64  `yaml:"telegram_id"`
	Name       string `yaml:"name"`
}

// TelegramConfig configures the transport adapter.
type TelegramConfig struct {
	TokenEnv   string  `yaml:"token_env"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// TelemetryConfig toggles OTel export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint string `yaml:"endpoint"`
}

// Config is the full observer configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	Graph       GraphConfig       `yaml:"graph"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Gatekeeper  GatekeeperConfig  `yaml:"gatekeeper"`
	Streams     StreamsConfig     `yaml:"streams"`
	Thinker     ThinkerConfig     `yaml:"thinker"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Prompt      PromptConfig      `yaml:"prompt"`
	Agent       AgentConfig       `yaml:"agent"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	LogLevel    string            `yaml:"log_level"`
}

// HomeDir resolves the observer home directory from $OBSERVER_HOME, falling
// back to ~/.observer.
func HomeDir() (string, error) {
	if dir := os.Getenv("OBSERVER_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".observer"), nil
}

// Load reads config.yaml under homeDir, applies the .env overlay, defaults,
// and validation. A missing config file yields the defaults.
func Load(homeDir string) (*Config, error) {
	LoadDotEnv(filepath.Join(homeDir, ".env"))

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Graph.Host == "" {
		c.Graph.Host = "127.0.0.1"
	}
	if c.Graph.Port == 0 {
		c.Graph.Port = 6379
	}
	if c.Graph.PrimaryName == "" {
		c.Graph.PrimaryName = "PrimaryMemory"
	}
	if c.Graph.ThoughtLogName == "" {
		c.Graph.ThoughtLogName = "ThoughtLog"
	}
	if len(c.Providers.Order) == 0 {
		c.Providers.Order = []string{"cli_gemini", "openai_compatible"}
	}
	if c.Providers.CooldownSeconds == 0 {
		c.Providers.CooldownSeconds = 30
	}
	if c.Providers.CLI.Command == "" {
		c.Providers.CLI.Command = "gemini"
	}
	if c.Providers.OpenAI.BaseURL == "" {
		c.Providers.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Providers.OpenAI.APIKeyEnv == "" {
		c.Providers.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Gatekeeper.Model == "" {
		c.Gatekeeper.Model = "gemma3:4b"
	}
	if c.Gatekeeper.BaseURL == "" {
		c.Gatekeeper.BaseURL = "http://127.0.0.1:11434/v1"
	}

	defStream := func(s *StreamConfig, workers, capacity int) {
		if s.Workers <= 0 {
			s.Workers = workers
		}
		if s.QueueCapacity <= 0 {
			s.QueueCapacity = capacity
		}
	}
	defStream(&c.Streams.Scribe, 1, 256)
	defStream(&c.Streams.Gatekeeper, 2, 128)
	defStream(&c.Streams.Thinker, 2, 128)
	defStream(&c.Streams.Analyst, 2, 128)
	defStream(&c.Streams.Coordinator, 8, 64)
	defStream(&c.Streams.Responder, 2, 64)

	if c.Thinker.HistoryK <= 0 {
		c.Thinker.HistoryK = 5
	}
	if c.Coordinator.TaskTimeoutSeconds <= 0 {
		c.Coordinator.TaskTimeoutSeconds = 30
	}
	if c.Prompt.CacheTTLSeconds <= 0 {
		c.Prompt.CacheTTLSeconds = 60
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "Bober"
	}
	if c.Telegram.TokenEnv == "" {
		c.Telegram.TokenEnv = "TELEGRAM_BOT_TOKEN"
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "stdout"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	known := map[string]bool{"cli_gemini": true, "openai_compatible": true}
	for _, name := range c.Providers.Order {
		if !known[name] {
			return fmt.Errorf("config: unknown provider %q in providers.order", name)
		}
	}
	if c.Agent.TelegramID == 0 {
		return fmt.Errorf("config: agent.telegram_id is required")
	}
	return nil
}

// TelegramToken resolves the bot token from the configured env var.
func (c *Config) TelegramToken() string {
	return os.Getenv(c.Telegram.TokenEnv)
}

// OpenAIAPIKey resolves the HTTP provider key from the configured env var.
func (c *Config) OpenAIAPIKey() string {
	return os.Getenv(c.Providers.OpenAI.APIKeyEnv)
}

// LoadDotEnv reads KEY=VALUE lines from path into the process environment.
// Existing variables win. Missing file is not an error.
func LoadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, value)
	}
}
