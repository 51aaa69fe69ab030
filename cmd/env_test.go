package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sessions-cli/internal/config"
	"github.com/sells-group/sessions-cli/internal/store"
)

// testConfig installs a sqlite-backed config with a fresh database file and
// returns it. The global cfg is what the commands read.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "cli.db"),
		},
		Anthropic: config.AnthropicConfig{
			Key:       "test-key",
			Model:     "claude-haiku-4-5-20251001",
			MaxTokens: 1024,
		},
		Pipeline: config.PipelineConfig{BatchSize: 10, Concurrency: 2},
	}
	return cfg
}

// migratedStore opens the configured sqlite database and applies the schema.
func migratedStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := initStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))
	return st
}

func TestInitStore_UnknownDriver(t *testing.T) {
	testConfig(t)
	cfg.Store.Driver = "oracle"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_SQLiteDefaultPath(t *testing.T) {
	testConfig(t)
	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestRetryConfig_Overrides(t *testing.T) {
	testConfig(t)
	cfg.Retry = config.RetryConfig{
		MaxRetries:       5,
		InitialDelaySecs: 0.5,
		MaxDelaySecs:     20,
		Multiplier:       3,
	}

	rc := retryConfig()
	assert.Equal(t, 5, rc.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, rc.InitialDelay)
	assert.Equal(t, 20*time.Second, rc.MaxDelay)
	assert.Equal(t, 3.0, rc.Multiplier)
}

func TestRetryConfig_DefaultsWhenUnset(t *testing.T) {
	testConfig(t)

	rc := retryConfig()
	assert.Equal(t, 3, rc.MaxRetries)
	assert.Equal(t, time.Second, rc.InitialDelay)
	assert.Equal(t, 10*time.Second, rc.MaxDelay)
	assert.Equal(t, 2.0, rc.Multiplier)
}

func TestCostCalculator_PricingOverride(t *testing.T) {
	testConfig(t)
	cfg.Pricing.Anthropic = map[string]config.ModelPricing{
		"custom-model": {Input: 1.0, Output: 4.0},
	}

	calc := costCalculator()
	rate := calc.Resolve("custom-model", time.Now().UTC())
	assert.Equal(t, 1.0, rate.PromptPerMTok)
	assert.Equal(t, 4.0, rate.OutputPerMTok)
	assert.Equal(t, "EUR", rate.Currency)
}

func TestInitPipeline_RequiresAPIKey(t *testing.T) {
	testConfig(t)
	cfg.Anthropic.Key = ""

	_, err := initPipeline(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic API key is required")
}

func TestInitPipeline_Wired(t *testing.T) {
	testConfig(t)

	env, err := initPipeline(context.Background())
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Tracker)
	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Reporter)
}
