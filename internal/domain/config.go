package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier"`

	Dataset DatasetConfig `json:"dataset"`
	Scoring ScoringConfig `json:"scoring"`
	Agent   AgentConfig   `json:"agent"`

	// Output locations
	JournalDir string `json:"journalDir"`
	ResultsDir string `json:"resultsDir"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// DatasetConfig locates the dataset folders: <Root>/dataset/<Folder>.
type DatasetConfig struct {
	Root   string `json:"root"`
	Folder string `json:"folder"`
}

// ScoringConfig holds pre-scoring settings.
type ScoringConfig struct {
	// Optional JSON file overriding the weight table
	WeightsFile string `json:"weightsFile"`

	// Parallel bundles scored by the orchestrator
	Workers int `json:"workers"`

	// Scores below this are LEGITIMATE
	LegitimateThreshold float64 `json:"legitimateThreshold"`

	// Suspects strictly above this are written to the journal
	PersistThreshold float64 `json:"persistThreshold"`
}

// DefaultModel is used when MODEL is unset.
const DefaultModel = "openrouter/openai/gpt-4.1"

// AgentConfig holds the confirmation-stage settings.
type AgentConfig struct {
	Model string `json:"model"`

	OpenRouterAPIKey string `json:"-"`
	OpenAIAPIKey     string `json:"-"`
	GoogleAPIKey     string `json:"-"`

	// Optional override of the chat-completions endpoint
	BaseURL string `json:"baseUrl,omitempty"`

	PromptFile       string `json:"promptFile"`
	SystemPromptFile string `json:"systemPromptFile"`

	MaxConcurrent  int           `json:"maxConcurrent"`
	BatchSize      int           `json:"batchSize"` // 0 = tuned from model
	MaxRetries     int           `json:"maxRetries"`
	RetryDelayBase time.Duration `json:"retryDelayBase"`
	BatchTimeout   time.Duration `json:"batchTimeout"`
	MaxTurns       int           `json:"maxTurns"`

	// Tool output handed to the model: "json" or "toon"
	ToolFormat string `json:"toolFormat"`

	// Response cache TTL; 0 disables the cache
	ResponseCacheTTL time.Duration `json:"responseCacheTtl"`

	DebugErrors bool `json:"debugErrors"`
}

// HasCredentials reports whether any model API key is configured.
func (c AgentConfig) HasCredentials() bool {
	return c.OpenRouterAPIKey != "" || c.OpenAIAPIKey != "" || c.GoogleAPIKey != ""
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	// Endpoint is the OTLP gRPC collector; empty keeps the no-op provider.
	Endpoint string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-process channels and a local LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120,
		},
		Tier: TierCommunity,
		Dataset: DatasetConfig{
			Root:   ".",
			Folder: "public 2",
		},
		Scoring: ScoringConfig{
			Workers:             16,
			LegitimateThreshold: 0.15,
			PersistThreshold:    0.25,
		},
		Agent: AgentConfig{
			Model:            DefaultModel,
			PromptFile:       "system_prompt_optimized.md",
			SystemPromptFile: "system_prompt.md",
			MaxConcurrent:    5,
			MaxRetries:       3,
			RetryDelayBase:   2 * time.Second,
			BatchTimeout:     700 * time.Second,
			MaxTurns:         12,
			ToolFormat:       "json",
			ResponseCacheTTL: time.Hour,
		},
		JournalDir: "results",
		ResultsDir: "results",
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
