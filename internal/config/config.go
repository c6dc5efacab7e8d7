// Package config loads the opd.yaml server configuration and seeds missing
// values from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"opd/internal/capability"
	"opd/internal/model"
)

// Capability is one capability block of the config file.
type Capability struct {
	Provider string            `yaml:"provider"`
	Enabled  *bool             `yaml:"enabled,omitempty"`
	Config   map[string]string `yaml:"config,omitempty"`
}

// Config is the full server configuration.
type Config struct {
	Addr          string                `yaml:"addr"`
	Database      string                `yaml:"database"`
	WorkspaceRoot string                `yaml:"workspace_root"`
	WebhookSecret string                `yaml:"webhook_secret"`
	Capabilities  map[string]Capability `yaml:"capabilities"`
}

// Default returns the baseline configuration used when no file is present.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Addr:          ":8080",
		Database:      filepath.Join(home, ".opd", "opd.db"),
		WorkspaceRoot: filepath.Join(home, ".opd", "workspaces"),
		Capabilities:  map[string]Capability{},
	}
}

// Load reads the config file, falling back to defaults when path is empty or
// the file does not exist. Environment seeding is applied afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = map[string]Capability{}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

// applyEnv seeds config values from the environment. An env var only fills a
// value that is still empty; explicit file configuration always wins.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("DATABASE_URL"); v != "" && c.Database == Default().Database {
		c.Database = v
	}
	if v := getenv("GITHUB_WEBHOOK_SECRET"); v != "" && c.WebhookSecret == "" {
		c.WebhookSecret = v
	}

	c.seedCapability(capability.CategorySCM, "github", "token", getenv("GITHUB_TOKEN"))
	c.seedCapability(capability.CategoryCI, "github_actions", "token", getenv("GITHUB_TOKEN"))

	ai := c.Capabilities[capability.CategoryAI]
	switch ai.Provider {
	case "gemini":
		c.seedCapability(capability.CategoryAI, "gemini", "api_key", getenv("GEMINI_API_KEY"))
	default:
		c.seedCapability(capability.CategoryAI, "claude", "api_key", getenv("ANTHROPIC_AUTH_TOKEN"))
		c.seedCapability(capability.CategoryAI, "claude", "base_url", getenv("ANTHROPIC_BASE_URL"))
	}
}

// seedCapability fills one config key of a capability when both the env
// value exists and the key is still empty. The capability block is created
// on demand so a bare environment is enough to run.
func (c *Config) seedCapability(category, provider, key, value string) {
	if value == "" {
		return
	}
	cap, ok := c.Capabilities[category]
	if !ok {
		cap = Capability{Provider: provider}
	}
	if cap.Provider == "" {
		cap.Provider = provider
	}
	if cap.Config == nil {
		cap.Config = map[string]string{}
	}
	if cap.Config[key] == "" {
		cap.Config[key] = value
	}
	c.Capabilities[category] = cap
}

// CapabilityRows converts the config blocks into global capability rows for
// the registry and the store.
func (c *Config) CapabilityRows() []*model.CapabilityConfig {
	var out []*model.CapabilityConfig
	for _, category := range capability.Categories {
		block, ok := c.Capabilities[category]
		if !ok || block.Provider == "" {
			continue
		}
		enabled := true
		if block.Enabled != nil {
			enabled = *block.Enabled
		}
		cfg := make(map[string]string, len(block.Config))
		for k, v := range block.Config {
			cfg[k] = v
		}
		out = append(out, &model.CapabilityConfig{
			Category: category,
			Provider: block.Provider,
			Enabled:  enabled,
			Config:   cfg,
		})
	}
	return out
}
