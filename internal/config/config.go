// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/aggregator"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrMissingCredentials is returned when no model API key is configured.
var ErrMissingCredentials = errors.New("one of OPENROUTER_API_KEY, OPENAI_API_KEY or GOOGLE_API_KEY is required")

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	// Server
	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KESTREL_PORT", cfg.Server.Port)

	// Dataset
	cfg.Dataset.Root = getEnv("DATASET_ROOT", cfg.Dataset.Root)
	cfg.Dataset.Folder = getEnv("DATASET_FOLDER", cfg.Dataset.Folder)

	// Pre-scoring
	cfg.Scoring.WeightsFile = getEnv("SCORING_WEIGHTS_FILE", cfg.Scoring.WeightsFile)
	cfg.Scoring.Workers = getEnvInt("SCORING_WORKERS", cfg.Scoring.Workers)
	cfg.Scoring.LegitimateThreshold = getEnvFloat("LEGITIMATE_THRESHOLD", cfg.Scoring.LegitimateThreshold)
	cfg.Scoring.PersistThreshold = getEnvFloat("PERSIST_THRESHOLD", cfg.Scoring.PersistThreshold)

	// Confirmation agent
	a := &cfg.Agent
	a.Model = getEnv("MODEL", a.Model)
	a.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	a.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	a.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	a.BaseURL = os.Getenv("LLM_BASE_URL")
	a.PromptFile = getEnv("FRAUD_AGENT_PROMPT_FILE", a.PromptFile)
	a.SystemPromptFile = getEnv("SYSTEM_PROMPT_FILE", a.SystemPromptFile)
	a.MaxConcurrent = getEnvInt("MAX_CONCURRENT_REQUESTS", a.MaxConcurrent)
	a.BatchSize = getEnvInt("BATCH_SIZE", a.BatchSize)
	a.MaxRetries = getEnvInt("MAX_RETRIES", a.MaxRetries)
	a.RetryDelayBase = getEnvSeconds("RETRY_DELAY_BASE", a.RetryDelayBase)
	a.BatchTimeout = getEnvSeconds("BATCH_TIMEOUT_SECONDS", a.BatchTimeout)
	a.MaxTurns = getEnvInt("AGENT_MAX_TURNS", a.MaxTurns)
	a.ToolFormat = strings.ToLower(getEnv("TOOL_OUTPUT_FORMAT", a.ToolFormat))
	a.ResponseCacheTTL = getEnvSeconds("RESPONSE_CACHE_TTL_SECONDS", a.ResponseCacheTTL)
	a.DebugErrors = getEnvBool("DEBUG_ERRORS", a.DebugErrors)

	// Output
	cfg.JournalDir = getEnv("JOURNAL_DIR", cfg.JournalDir)
	cfg.ResultsDir = getEnv("RESULTS_DIR", cfg.ResultsDir)

	// Repository
	cfg.Repository.SQLitePath = getEnv("DATABASE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	// Cache and event bus
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.EventBus.NATSUrl = getEnv("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("NATS_TOKEN", cfg.EventBus.NATSToken)

	// Observability
	if getEnvBool("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", cfg.Logging.Format))
	cfg.Tracing.Enabled = getEnvBool("KESTREL_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("KESTREL_PORT must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Tier != domain.TierCommunity && cfg.Tier != domain.TierPro {
		return fmt.Errorf("unknown tier %q", cfg.Tier)
	}
	if strings.TrimSpace(cfg.Dataset.Folder) == "" {
		return fmt.Errorf("DATASET_FOLDER must not be empty")
	}

	s := cfg.Scoring
	if s.LegitimateThreshold < 0 || s.PersistThreshold > 1 || s.LegitimateThreshold > s.PersistThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= LEGITIMATE_THRESHOLD (%.2f) <= PERSIST_THRESHOLD (%.2f) <= 1",
			s.LegitimateThreshold, s.PersistThreshold)
	}

	a := cfg.Agent
	if a.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be at least 1")
	}
	if a.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if a.BatchSize < 0 || a.BatchSize > aggregator.MaxBatch {
		return fmt.Errorf("BATCH_SIZE must be between 1 and %d", aggregator.MaxBatch)
	}
	if a.RetryDelayBase < 0 {
		return fmt.Errorf("RETRY_DELAY_BASE must not be negative")
	}
	if a.BatchTimeout <= 0 {
		return fmt.Errorf("BATCH_TIMEOUT_SECONDS must be positive")
	}
	if a.ToolFormat != "json" && a.ToolFormat != "toon" {
		return fmt.Errorf("TOOL_OUTPUT_FORMAT must be json or toon, got %q", a.ToolFormat)
	}

	if cfg.Repository.Driver == "postgres" && cfg.Repository.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required for the pro tier")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	return nil
}

// RequireCredentials checks that a model backend can be reached.
func RequireCredentials(cfg *domain.Config) error {
	if !cfg.Agent.HasCredentials() {
		return ErrMissingCredentials
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

// getEnvSeconds reads a duration given in (fractional) seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}
