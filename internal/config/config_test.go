package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Clients.Pool.Handles = []HandleConfig{
		{Name: "primary", Provider: "openai", APIKey: "sk-test"},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("should accept a valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("should reject an unknown engine mode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.Mode = "freestyle"

		assert.ErrorContains(t, cfg.Validate(), "invalid engine mode")
	})

	t.Run("should reject a negative budget ceiling", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.BudgetCeiling = -1

		assert.ErrorContains(t, cfg.Validate(), "budget ceiling")
	})

	t.Run("should require at least one pool handle", func(t *testing.T) {
		cfg := validConfig()
		cfg.Clients.Pool.Handles = nil

		assert.ErrorContains(t, cfg.Validate(), "at least one handle")
	})

	t.Run("should allow an empty fallback chain", func(t *testing.T) {
		cfg := validConfig()
		cfg.Clients.Fallback.Handles = nil

		assert.NoError(t, cfg.Validate())
	})

	t.Run("should reject duplicate handle names", func(t *testing.T) {
		cfg := validConfig()
		cfg.Clients.Pool.Handles = append(cfg.Clients.Pool.Handles,
			HandleConfig{Name: "primary", Provider: "anthropic", APIKey: "sk-test-2"})

		assert.ErrorContains(t, cfg.Validate(), "duplicate handle")
	})

	t.Run("should reject an unsupported provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.Clients.Pool.Handles[0].Provider = "carrier-pigeon"

		assert.ErrorContains(t, cfg.Validate(), "unsupported provider")
	})

	t.Run("should require a url for the redis driver", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Driver = "redis"

		assert.ErrorContains(t, cfg.Validate(), "redis store requires a url")
	})

	t.Run("should require a path for the sqlite driver", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Driver = "sqlite"

		assert.ErrorContains(t, cfg.Validate(), "sqlite store requires a path")
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, "planning", cfg.Engine.Mode)
	assert.Equal(t, "round_robin", cfg.Clients.Pool.Mode)
	assert.Equal(t, 3, cfg.Clients.MaxAttempts)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Greater(t, cfg.Continuation.TTL.Seconds(), 0.0)
}
