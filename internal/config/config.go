package config

import (
	"fmt"
	"time"

	"github.com/harun/senka/internal/logger"
	"github.com/harun/senka/pkg/chatclient"
	"github.com/harun/senka/pkg/memory"
	"github.com/harun/senka/pkg/ratelimit"
	"github.com/harun/senka/pkg/store"
)

// Config represents the main Senka configuration
type Config struct {
	// Engine defaults
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Chat clients: primary pool and fallback chain
	Clients ClientsConfig `json:"clients" mapstructure:"clients"`

	// Rate limiting
	RateLimit ratelimit.Config `json:"rate_limit" mapstructure:"rate_limit"`

	// Continuation storage
	Continuation ContinuationConfig `json:"continuation" mapstructure:"continuation"`

	// Cross-turn conversation memory
	Memory memory.Config `json:"memory" mapstructure:"memory"`

	// Durable store backing continuations, cache and memory
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`
}

// EngineConfig holds execution defaults for a turn
type EngineConfig struct {
	Mode          string  `json:"mode" mapstructure:"mode"` // direct, planning, dynamic_chaining, scene
	Model         string  `json:"model" mapstructure:"model"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxScenes     int     `json:"max_scenes" mapstructure:"max_scenes"`
	MaxRecursion  int     `json:"max_recursion" mapstructure:"max_recursion"`
	BudgetCeiling float64 `json:"budget_ceiling" mapstructure:"budget_ceiling"` // 0 disables the budget guard
	Streaming     bool    `json:"streaming" mapstructure:"streaming"`
	CacheBehavior string  `json:"cache_behavior" mapstructure:"cache_behavior"` // default, forever, avoidable
}

// ClientsConfig configures the dispatcher
type ClientsConfig struct {
	Pool        PoolConfig    `json:"pool" mapstructure:"pool"`
	Fallback    PoolConfig    `json:"fallback" mapstructure:"fallback"`
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
}

// PoolConfig is an ordered list of handles plus a selection mode
type PoolConfig struct {
	Mode    string         `json:"mode" mapstructure:"mode"` // none, round_robin, sequential
	Handles []HandleConfig `json:"handles" mapstructure:"handles"`
}

// HandleConfig names one chat backend with its credentials and cost rates
type HandleConfig struct {
	Name     string               `json:"name" mapstructure:"name"`
	Provider string               `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey   string               `json:"api_key" mapstructure:"api_key"`
	Rates    chatclient.CostRates `json:"rates" mapstructure:"rates"`
}

// ContinuationConfig configures suspended-turn storage
type ContinuationConfig struct {
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`
}

// StoreConfig selects and configures the durable store driver
type StoreConfig struct {
	Driver string             `json:"driver" mapstructure:"driver"` // memory, redis, sqlite
	Redis  store.RedisConfig  `json:"redis" mapstructure:"redis"`
	SQLite store.SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Mode:          "planning",
			Model:         "gpt-4o-mini",
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxScenes:     3,
			MaxRecursion:  10,
			CacheBehavior: "default",
		},
		Clients: ClientsConfig{
			Pool:        PoolConfig{Mode: "round_robin"},
			Fallback:    PoolConfig{Mode: "sequential"},
			MaxAttempts: 3,
			BaseDelay:   time.Second,
		},
		RateLimit:    ratelimit.DefaultConfig(),
		Continuation: ContinuationConfig{TTL: 15 * time.Minute},
		Memory:       memory.Config{MaxEntries: 50},
		Store:        StoreConfig{Driver: "memory"},
		Logging:      logger.DefaultConfig(),
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case "direct", "planning", "dynamic_chaining", "scene":
	default:
		return fmt.Errorf("invalid engine mode: %q", c.Engine.Mode)
	}

	switch c.Engine.CacheBehavior {
	case "", "default", "forever", "avoidable":
	default:
		return fmt.Errorf("invalid cache behavior: %q", c.Engine.CacheBehavior)
	}

	if c.Engine.BudgetCeiling < 0 {
		return fmt.Errorf("budget ceiling cannot be negative")
	}
	if c.Engine.MaxScenes < 0 {
		return fmt.Errorf("max scenes cannot be negative")
	}

	if err := validatePool("pool", c.Clients.Pool, true); err != nil {
		return err
	}
	if err := validatePool("fallback", c.Clients.Fallback, false); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("redis store requires a url")
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("sqlite store requires a path")
		}
	default:
		return fmt.Errorf("invalid store driver: %q", c.Store.Driver)
	}

	return nil
}

func validatePool(name string, pool PoolConfig, required bool) error {
	if len(pool.Handles) == 0 {
		if required {
			return fmt.Errorf("%s requires at least one handle", name)
		}
		return nil
	}

	switch pool.Mode {
	case "none", "round_robin", "sequential":
	default:
		return fmt.Errorf("%s has invalid selection mode: %q", name, pool.Mode)
	}

	seen := make(map[string]bool)
	for _, handle := range pool.Handles {
		if handle.Name == "" {
			return fmt.Errorf("%s has a handle without a name", name)
		}
		if seen[handle.Name] {
			return fmt.Errorf("%s has a duplicate handle: %s", name, handle.Name)
		}
		seen[handle.Name] = true

		switch handle.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("%s handle %s has unsupported provider: %q", name, handle.Name, handle.Provider)
		}
	}
	return nil
}
