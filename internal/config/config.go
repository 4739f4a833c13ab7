package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the merged application configuration.
type Config struct {
	DefaultAgent        string                   `json:"default_agent,omitempty" yaml:"default_agent,omitempty"`
	AgentDiscoveryPaths []string                 `json:"agent_discovery_paths,omitempty" yaml:"agent_discovery_paths,omitempty"`
	PromptTimeout       string                   `json:"prompt_timeout,omitempty" yaml:"prompt_timeout,omitempty"`
	Log                 LogConfig                `json:"log,omitempty" yaml:"log,omitempty"`
	Server              ServerConfig             `json:"server,omitempty" yaml:"server,omitempty"`
	Commands            map[string]CommandConfig `json:"commands,omitempty" yaml:"commands,omitempty"`
	Agents              map[string]AgentConfig   `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

// ServerConfig configures the HTTP/SSE client.
type ServerConfig struct {
	Addr        string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// CommandConfig is seed data for a global command. A command with a
// Template is a user-defined command that expands into agent input.
type CommandConfig struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Template    string `json:"template,omitempty" yaml:"template,omitempty"`
}

// AgentConfig describes one agent available for /agent.
type AgentConfig struct {
	Type        string         `json:"type" yaml:"type"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Options     map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Model       *ModelConfig   `json:"model,omitempty" yaml:"model,omitempty"`
}

// ModelConfig selects the LLM used by a chat agent.
type ModelConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	Name        string   `json:"name" yaml:"name"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	System      string   `json:"system,omitempty" yaml:"system,omitempty"`
}

// Option returns the string value of an agent option, or def.
func (a AgentConfig) Option(key, def string) string {
	if v, ok := a.Options[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// PromptTimeoutDuration returns the parsed prompt timeout.
func (c *Config) PromptTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.PromptTimeout)
	if err != nil {
		return 0
	}
	return d
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultAgent:  "main",
		PromptTimeout: "2m",
		Log:           LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8765",
			CORSOrigins: []string{"*"},
		},
		Commands: map[string]CommandConfig{
			"help":   {Description: "Show available commands"},
			"agents": {Description: "List available agents"},
			"agent":  {Description: "Switch to another agent"},
			"exit":   {Description: "Exit the application"},
		},
		Agents: map[string]AgentConfig{
			"main": {
				Type:        "main",
				Description: "General purpose agent",
				Options:     map[string]any{"greet_name": "User"},
			},
			"tools": {
				Type:        "tools",
				Description: "Runs built-in tools (time, greet, calc, fetch)",
			},
		},
	}
}

var configNames = []string{"pocketcmd.yaml", "pocketcmd.yml", "pocketcmd.jsonc", "pocketcmd.json"}

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.config/pocketcmd/)
// 3. Project config (directory)
// 4. POCKETCMD_CONFIG file
// 5. Environment variables
//
// Missing files are skipped. A file that exists but cannot be parsed is an error.
func Load(directory string) (*Config, error) {
	config := Default()
	loaded := make(map[string]bool)

	loadOnce := func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return nil
		}
		err = loadConfigFile(path, config)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		loaded[abs] = true
		return nil
	}

	globalDir := GetPaths().Config
	for _, name := range configNames {
		if err := loadOnce(filepath.Join(globalDir, name)); err != nil {
			return nil, err
		}
	}

	if directory != "" {
		for _, name := range configNames {
			if err := loadOnce(filepath.Join(directory, name)); err != nil {
				return nil, err
			}
		}
	}

	if path := os.Getenv("POCKETCMD_CONFIG"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("POCKETCMD_CONFIG: %w", err)
		}
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFile loads a single file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	config := Default()
	if err := loadConfigFile(path, config); err != nil {
		return nil, err
	}
	applyEnvOverrides(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFile loads a single YAML or JSONC file with interpolation support.
func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = interpolate(data)

	var fileConfig Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &fileConfig)
	default:
		err = yaml.Unmarshal(data, &fileConfig)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.DefaultAgent != "" {
		target.DefaultAgent = source.DefaultAgent
	}
	if len(source.AgentDiscoveryPaths) > 0 {
		target.AgentDiscoveryPaths = append(target.AgentDiscoveryPaths, source.AgentDiscoveryPaths...)
	}
	if source.PromptTimeout != "" {
		target.PromptTimeout = source.PromptTimeout
	}
	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Server.Addr != "" {
		target.Server.Addr = source.Server.Addr
	}
	if source.Server.CORSOrigins != nil {
		target.Server.CORSOrigins = source.Server.CORSOrigins
	}

	if source.Commands != nil {
		if target.Commands == nil {
			target.Commands = make(map[string]CommandConfig)
		}
		for k, v := range source.Commands {
			target.Commands[k] = v
		}
	}

	if source.Agents != nil {
		if target.Agents == nil {
			target.Agents = make(map[string]AgentConfig)
		}
		for k, v := range source.Agents {
			target.Agents[k] = v
		}
	}
}

// providerEnv maps model providers to their API key variables.
var providerEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"claude":    "ANTHROPIC_API_KEY",
	"ark":       "ARK_API_KEY",
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("POCKETCMD_DEFAULT_AGENT"); v != "" {
		config.DefaultAgent = v
	}
	if v := os.Getenv("POCKETCMD_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("POCKETCMD_PROMPT_TIMEOUT"); v != "" {
		config.PromptTimeout = v
	}

	for name, agent := range config.Agents {
		if agent.Model == nil || agent.Model.APIKey != "" {
			continue
		}
		if envVar, ok := providerEnv[strings.ToLower(agent.Model.Provider)]; ok {
			model := *agent.Model
			model.APIKey = os.Getenv(envVar)
			agent.Model = &model
			config.Agents[name] = agent
		}
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.DefaultAgent != "" {
		if _, ok := c.Agents[c.DefaultAgent]; !ok {
			return fmt.Errorf("default_agent %q is not defined under agents", c.DefaultAgent)
		}
	}
	if c.PromptTimeout != "" {
		if _, err := time.ParseDuration(c.PromptTimeout); err != nil {
			return fmt.Errorf("prompt_timeout: %w", err)
		}
	}
	for name, agent := range c.Agents {
		if agent.Type == "" {
			return fmt.Errorf("agent %q: missing type", name)
		}
		if agent.Model != nil && agent.Model.Provider == "" {
			return fmt.Errorf("agent %q: model without provider", name)
		}
	}
	for name := range c.Commands {
		if name == "" || strings.ContainsAny(name, " /\t") {
			return fmt.Errorf("invalid command name %q", name)
		}
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
