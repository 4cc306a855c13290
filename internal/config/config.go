// Package config handles snapmark configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/snapmark/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/snapmark/config.yaml, /etc/snapmark/config.yaml.
func DefaultSearchPaths() []string {
	candidates := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "snapmark", "config.yaml"))
	}

	candidates = append(candidates, "/etc/snapmark/config.yaml")
	return candidates
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all snapmark configuration.
type Config struct {
	// DataDir holds the run ledger database. Empty disables the ledger.
	DataDir string `yaml:"data_dir"`

	// ExportDir is the export root; every generated workbook lives here.
	ExportDir string `yaml:"export_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	MCP     MCPConfig     `yaml:"mcp"`
	LLM     LLMConfig     `yaml:"llm"`
	Agent   AgentConfig   `yaml:"agent"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MCPConfig defines the tool servers snapmark may drive.
type MCPConfig struct {
	// Enabled gates all MCP processing. When false no server is loaded.
	Enabled bool `yaml:"enabled"`

	// Servers maps a unique server name to its launch configuration.
	Servers map[string]ServerConfig `yaml:"servers"`

	// CallTimeoutSec bounds each JSON-RPC request on a stdio session.
	// Defaults to 120; a negative value disables the bound.
	CallTimeoutSec int `yaml:"call_timeout_sec"`

	// CustomTimeoutSec bounds a custom-strategy subprocess run.
	CustomTimeoutSec int `yaml:"custom_timeout_sec"`

	// ExitGraceSec is how long a stdio server may take to exit after
	// its stdin closes before it is killed. Defaults to 5.
	ExitGraceSec int `yaml:"exit_grace_sec"`

	// DefaultInstruction is used by the CLI when --prompt is absent and
	// the user asked for instruction-driven processing.
	DefaultInstruction string `yaml:"default_instruction"`
}

// ServerConfig describes one spawnable MCP server.
type ServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// Strategy forces "stdio" or "custom" interaction. Empty means
	// detect from command and args.
	Strategy string `yaml:"strategy"`

	// Include and Exclude filter which tools the agent runtime sees.
	Include []string `yaml:"include_tools"`
	Exclude []string `yaml:"exclude_tools"`
}

// IsEnabled reports the effective enabled flag.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// LLMConfig selects the completion provider used by the planner and
// the agent runtime. An empty Provider means no completion capability.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // ollama, anthropic, openai
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature *float64 `yaml:"temperature"` // nil means 0.3
	MaxTokens   int     `yaml:"max_tokens"`
}

// AgentConfig controls the delegated agent runtime path.
type AgentConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxSteps int  `yaml:"max_steps"`
}

// MetricsConfig controls Prometheus metric export. snapmark is a
// short-lived CLI, so metrics are written in the node_exporter
// textfile format at the end of each run.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, then defaults are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with MCP disabled and no model.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ExportDir == "" {
		c.ExportDir = filepath.Join("SnapMarkData", "excel_exports")
	}
	if c.MCP.CallTimeoutSec == 0 {
		c.MCP.CallTimeoutSec = 120
	}
	if c.MCP.CustomTimeoutSec == 0 {
		c.MCP.CustomTimeoutSec = 30
	}
	if c.MCP.ExitGraceSec <= 0 {
		c.MCP.ExitGraceSec = 5
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 30
	}
	if c.LLM.Temperature == nil {
		t := 0.3
		c.LLM.Temperature = &t
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1000
	}
	paths.ExpandAll(&c.DataDir, &c.ExportDir, &c.Metrics.Textfile)
}

// Validate checks for inconsistencies that should stop startup.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LLM.Provider {
	case "", "ollama":
	case "anthropic", "openai":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unknown llm.provider %q (valid: ollama, anthropic, openai)", c.LLM.Provider)
	}
	if c.LLM.Provider != "" && c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required when llm.provider is set")
	}
	for _, name := range c.ServerNames() {
		s := c.MCP.Servers[name]
		if s.Command == "" {
			return fmt.Errorf("mcp.servers.%s: command is required", name)
		}
		switch s.Strategy {
		case "", "stdio", "custom":
		default:
			return fmt.Errorf("mcp.servers.%s: unknown strategy %q (valid: stdio, custom)", name, s.Strategy)
		}
	}
	if c.Agent.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps must be positive")
	}
	return nil
}

// ServerNames returns the configured server names in sorted order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.MCP.Servers))
	for name := range c.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTimeout returns the stdio per-request bound.
func (c *Config) CallTimeout() time.Duration {
	if c.MCP.CallTimeoutSec < 0 {
		return 0
	}
	return time.Duration(c.MCP.CallTimeoutSec) * time.Second
}

// CustomTimeout returns the custom-strategy subprocess bound.
func (c *Config) CustomTimeout() time.Duration {
	return time.Duration(c.MCP.CustomTimeoutSec) * time.Second
}

// ExitGrace returns how long a closing stdio server may take to exit.
func (c *Config) ExitGrace() time.Duration {
	return time.Duration(c.MCP.ExitGraceSec) * time.Second
}
