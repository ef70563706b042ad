package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/kestrel/internal/agent"
	"github.com/kestrelhq/kestrel/internal/scheduler"
)

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	// Name is "anthropic" or "openai".
	Name string `yaml:"name"`

	// APIKey for the provider. Usually set via ${ANTHROPIC_API_KEY} or
	// ${OPENAI_API_KEY} expansion.
	APIKey string `yaml:"api_key"`

	// Model overrides the provider default model.
	Model string `yaml:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// MaxTokens caps completions at the provider level.
	MaxTokens int `yaml:"max_tokens"`
}

// LoggingConfig controls diagnostic logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// WorkspaceConfig scopes the filesystem tools.
type WorkspaceConfig struct {
	// Root is the directory file tools operate within. Defaults to the
	// current directory.
	Root string `yaml:"root"`

	// MaxReadBytes caps read_file payloads. Zero keeps the tool default.
	MaxReadBytes int `yaml:"max_read_bytes"`
}

// Config is the root configuration tree for the kestrel runtime.
type Config struct {
	Provider  ProviderConfig   `yaml:"provider"`
	Agent     agent.Config     `yaml:"agent"`
	Workspace WorkspaceConfig  `yaml:"workspace"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Provider:  ProviderConfig{Name: "anthropic"},
		Agent:     agent.DefaultConfig(),
		Workspace: WorkspaceConfig{Root: "."},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Metrics:   MetricsConfig{Addr: ":9090"},
	}
}

// Load reads a YAML configuration file, expanding ${VAR} references from
// the environment before parsing. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes with env-var expansion.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "."
	}
	if cfg.Agent.MaxIterations <= 0 {
		cfg.Agent.MaxIterations = agent.DefaultConfig().MaxIterations
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider %s: missing api_key", c.Provider.Name)
	}
	switch c.Agent.Safety.ApprovalMode {
	case "", "safe", "cautious", "paranoid", "yolo":
	default:
		return fmt.Errorf("unknown approval mode %q", c.Agent.Safety.ApprovalMode)
	}
	return nil
}
