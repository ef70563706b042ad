package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
provider:
  name: anthropic
  api_key: ${KESTREL_TEST_KEY}
  model: claude-sonnet-4-20250514
agent:
  max_iterations: 10
  safety:
    approval_mode: cautious
  memory:
    window_size: 30
  budget:
    soft_limit: 0.5
    hard_limit: 2.0
    halt_on_exceed: true
scheduler:
  enabled: true
  triggers:
    - name: digest
      schedule: "0 9 * * *"
      task: summarize yesterday
logging:
  level: debug
metrics:
  enabled: true
`

func TestParseExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("KESTREL_TEST_KEY", "sk-test-value")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Provider.APIKey != "sk-test-value" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Provider.APIKey)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max_iterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.Safety.ApprovalMode != "cautious" {
		t.Errorf("approval_mode = %q", cfg.Agent.Safety.ApprovalMode)
	}
	if cfg.Agent.Memory.WindowSize != 30 {
		t.Errorf("window_size = %d", cfg.Agent.Memory.WindowSize)
	}
	if len(cfg.Scheduler.Triggers) != 1 || cfg.Scheduler.Triggers[0].Task != "summarize yesterday" {
		t.Errorf("triggers = %+v", cfg.Scheduler.Triggers)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("metrics addr default = %q", cfg.Metrics.Addr)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("logging format default = %q", cfg.Logging.Format)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte("provider:\n  name: openai\n  api_key: k\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Name != "openai" {
		t.Errorf("provider = %q", cfg.Provider.Name)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) { c.Provider.APIKey = "k" }, ""},
		{"bad provider", func(c *Config) { c.Provider.Name = "llamacloud"; c.Provider.APIKey = "k" }, "unknown provider"},
		{"missing key", func(c *Config) {}, "missing api_key"},
		{"bad approval mode", func(c *Config) {
			c.Provider.APIKey = "k"
			c.Agent.Safety.ApprovalMode = "reckless"
		}, "unknown approval mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
