package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("KESTREL_TIER", "")
	t.Setenv("MODEL", "")
	t.Setenv("BATCH_SIZE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, domain.DefaultModel, cfg.Agent.Model)
	assert.Equal(t, "public 2", cfg.Dataset.Folder)
	assert.Equal(t, 5, cfg.Agent.MaxConcurrent)
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Agent.RetryDelayBase)
	assert.Equal(t, 700*time.Second, cfg.Agent.BatchTimeout)
	assert.Equal(t, 0, cfg.Agent.BatchSize)
	assert.Equal(t, "system_prompt_optimized.md", cfg.Agent.PromptFile)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "results", cfg.ResultsDir)
}

func TestLoad_WithOverrides(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
	t.Setenv("MODEL", "gemini/gemini-2.5-pro")
	t.Setenv("DATASET_FOLDER", "public 3")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "8")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("RETRY_DELAY_BASE", "0.5")
	t.Setenv("BATCH_TIMEOUT_SECONDS", "120")
	t.Setenv("RESPONSE_CACHE_TTL_SECONDS", "0")
	t.Setenv("DEBUG_ERRORS", "1")
	t.Setenv("TOOL_OUTPUT_FORMAT", "TOON")
	t.Setenv("KESTREL_PORT", "9090")
	t.Setenv("KESTREL_DEBUG", "true")
	t.Setenv("RESULTS_DIR", "/tmp/kestrel-results")
	t.Setenv("KESTREL_TRACING", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-or-test", cfg.Agent.OpenRouterAPIKey)
	assert.Equal(t, "gemini/gemini-2.5-pro", cfg.Agent.Model)
	assert.Equal(t, "public 3", cfg.Dataset.Folder)
	assert.Equal(t, 8, cfg.Agent.MaxConcurrent)
	assert.Equal(t, 50, cfg.Agent.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.RetryDelayBase)
	assert.Equal(t, 120*time.Second, cfg.Agent.BatchTimeout)
	assert.Zero(t, cfg.Agent.ResponseCacheTTL)
	assert.True(t, cfg.Agent.DebugErrors)
	assert.Equal(t, "toon", cfg.Agent.ToolFormat)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/kestrel-results", cfg.ResultsDir)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.NoError(t, RequireCredentials(cfg))
}

func TestLoad_ProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("REDIS_ADDR", "cache.internal:6379")
	t.Setenv("NATS_URL", "nats://bus.internal:4222")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "db.internal", cfg.Repository.PostgresHost)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "cache.internal:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.Equal(t, "nats://bus.internal:4222", cfg.EventBus.NATSUrl)
}

func TestLoad_InvalidValueIgnored(t *testing.T) {
	t.Setenv("MAX_RETRIES", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Agent.MaxRetries)
}

func TestLoad_InvalidConfig(t *testing.T) {
	t.Setenv("BATCH_SIZE", "500")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_SIZE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *domain.Config)
		wantErr string
	}{
		{"defaults", func(*domain.Config) {}, ""},
		{"port", func(c *domain.Config) { c.Server.Port = 0 }, "KESTREL_PORT"},
		{"tier", func(c *domain.Config) { c.Tier = "enterprise" }, "unknown tier"},
		{"folder", func(c *domain.Config) { c.Dataset.Folder = " " }, "DATASET_FOLDER"},
		{"thresholds", func(c *domain.Config) { c.Scoring.LegitimateThreshold = 0.5 }, "thresholds"},
		{"concurrency", func(c *domain.Config) { c.Agent.MaxConcurrent = 0 }, "MAX_CONCURRENT_REQUESTS"},
		{"retries", func(c *domain.Config) { c.Agent.MaxRetries = 0 }, "MAX_RETRIES"},
		{"batch size", func(c *domain.Config) { c.Agent.BatchSize = 201 }, "BATCH_SIZE"},
		{"timeout", func(c *domain.Config) { c.Agent.BatchTimeout = 0 }, "BATCH_TIMEOUT_SECONDS"},
		{"tool format", func(c *domain.Config) { c.Agent.ToolFormat = "xml" }, "TOOL_OUTPUT_FORMAT"},
		{"postgres db", func(c *domain.Config) { c.Repository = domain.RepositoryConfig{Driver: "postgres"} }, "POSTGRES_DB"},
		{"log level", func(c *domain.Config) { c.Logging.Level = "trace" }, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequireCredentials(t *testing.T) {
	cfg := domain.DefaultConfig()
	assert.ErrorIs(t, RequireCredentials(cfg), ErrMissingCredentials)

	cfg.Agent.GoogleAPIKey = "g-key"
	assert.NoError(t, RequireCredentials(cfg))
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("KESTREL_TEST_BOOL", "off")
	t.Setenv("KESTREL_TEST_SECONDS", "1.5")
	t.Setenv("KESTREL_TEST_FLOAT", "0.35")

	assert.False(t, getEnvBool("KESTREL_TEST_BOOL", true))
	assert.True(t, getEnvBool("KESTREL_TEST_UNSET", true))
	assert.Equal(t, 1500*time.Millisecond, getEnvSeconds("KESTREL_TEST_SECONDS", time.Second))
	assert.Equal(t, 0.35, getEnvFloat("KESTREL_TEST_FLOAT", 0))
	assert.Equal(t, "fallback", getEnv("KESTREL_TEST_UNSET", "fallback"))
}
