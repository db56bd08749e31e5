// Package config loads the service configuration from YAML with
// environment fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/convoflow-dev/convoflow/internal/coordination"
	"github.com/convoflow-dev/convoflow/internal/resource"
)

// Config represents the application configuration
type Config struct {
	// Engine configuration
	Engine EngineConfig `yaml:"engine"`

	// Agents known to the in-memory directory.
	Agents []AgentConfig `yaml:"agents"`

	// Pools managed by the resource allocator.
	Pools []resource.PoolConfig `yaml:"pools"`

	// Defaults bounds the implicit system pool that serves agents not
	// assigned to any configured pool.
	Defaults resource.Limits `yaml:"defaults"`

	// Teams registered with the coordinator.
	Teams []coordination.TeamConfig `yaml:"teams"`

	// Session defaults
	Sessions SessionConfig `yaml:"sessions"`

	// Snapshot storage
	Store StoreConfig `yaml:"store"`

	// Observability server
	Observability ObservabilityConfig `yaml:"observability"`
}

// EngineConfig selects and configures the conversation engine.
type EngineConfig struct {
	// Provider is "openai" or "echo" (tests and local development).
	Provider  string `yaml:"provider"`
	OpenAIKey string `yaml:"openai_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
}

// AgentConfig declares one agent in the directory.
type AgentConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	WorkspaceID string            `yaml:"workspace_id"`
	Description string            `yaml:"description"`
	Metadata    map[string]string `yaml:"metadata"`
}

// SessionConfig holds session registry defaults.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxHistory  int           `yaml:"max_history"`
}

// StoreConfig selects the snapshot store backend.
type StoreConfig struct {
	// Backend is "file" or "redis".
	Backend  string        `yaml:"backend"`
	Path     string        `yaml:"path"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// ObservabilityConfig configures the metrics/health HTTP server.
type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// maxConfigSize guards against loading something that is clearly not
// a config file.
const maxConfigSize = 1 << 20

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if fi.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file %s too large (%d bytes)", path, fi.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.Provider == "" {
		c.Engine.Provider = "echo"
	}
	if c.Engine.OpenAIKey == "" {
		c.Engine.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = 10 * time.Minute
	}
	if c.Sessions.MaxHistory == 0 {
		c.Sessions.MaxHistory = 1000
	}
	if c.Defaults.MaxMemoryMB == 0 {
		c.Defaults.MaxMemoryMB = 4096
	}
	if c.Defaults.MaxCPUPercent == 0 {
		c.Defaults.MaxCPUPercent = 400
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.RedisURL == "" {
		c.Store.RedisURL = os.Getenv("REDIS_URL")
	}
	if c.Observability.Port == 0 {
		c.Observability.Port = 9090
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Engine.Provider {
	case "echo":
	case "openai":
		if c.Engine.OpenAIKey == "" {
			return fmt.Errorf("openai engine needs an API key (openai_key or OPENAI_API_KEY)")
		}
	default:
		return fmt.Errorf("unknown engine provider %q", c.Engine.Provider)
	}

	switch c.Store.Backend {
	case "file":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("redis store needs redis_url or REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent without an id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}

	for _, team := range c.Teams {
		for _, m := range team.Members {
			if !seen[m.AgentID] {
				return fmt.Errorf("team %q references unknown agent %q", team.Name, m.AgentID)
			}
		}
	}
	for _, pool := range c.Pools {
		for _, id := range pool.AgentIDs {
			if !seen[id] {
				return fmt.Errorf("pool %q references unknown agent %q", pool.Name, id)
			}
		}
	}

	return nil
}
