// Package config provides configuration management for the scan orchestrator.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Worker         WorkerConfig
	Scheduler      SchedulerConfig
	Queue          QueueConfig
	Chunk          ChunkConfig
	Ledger         LedgerConfig
	ProviderLimits ProviderLimitsConfig
	Gateway        GatewayConfig
	RateLimit      RateLimitConfig
	Logging        LoggingConfig
	Models         ModelsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration. An empty Host disables
// the result archive.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration. An empty Host disables the shared
// provider call budget.
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// WorkerConfig holds the settings of one worker invocation
type WorkerConfig struct {
	// Budget is the wall-clock ceiling of a single invocation.
	Budget        time.Duration
	Secret        string
	SelfURL       string
	DevBypass     bool
	ChainTimeout  time.Duration
	ChainDisabled bool
}

// SchedulerConfig holds the cron specs of the backstop timer
type SchedulerConfig struct {
	EnqueueSpec string
	WorkerSpec  string
}

// QueueConfig holds the claim engine settings
type QueueConfig struct {
	HardCeiling         time.Duration
	ZeroProgressCeiling time.Duration
	StallCeiling        time.Duration
	MaxClaimAttempts    int
	// OptimisticClaims selects the read-then-update claim instead of
	// FOR UPDATE SKIP LOCKED.
	OptimisticClaims bool
}

// ChunkConfig holds the chunk executor settings
type ChunkConfig struct {
	MaxQueriesPerChunk  int
	PerOperationSeconds float64
	Concurrency         int
	FollowUpPrompts     []string
}

// LedgerConfig holds the credit reservation settings
type LedgerConfig struct {
	BufferMultiplier     float64
	ExpectedInputTokens  int64
	ExpectedOutputTokens int64
	EvaluationModel      string
	EvalInputTokens      int64
	EvalOutputTokens     int64
}

// ProviderLimitsConfig holds the shared per-provider call budget
type ProviderLimitsConfig struct {
	CallsPerWindow int64
	Window         time.Duration
}

// GatewayConfig holds the provider gateway endpoints
type GatewayConfig struct {
	Timeout time.Duration
	// Endpoints maps a provider tag to its base URL and key, read from
	// GATEWAY_<TAG>_URL and GATEWAY_<TAG>_KEY.
	Endpoints map[string]GatewayEndpoint
}

// GatewayEndpoint is one OpenAI-compatible base URL
type GatewayEndpoint struct {
	BaseURL string
	APIKey  string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// ModelsConfig points at the model catalog
type ModelsConfig struct {
	Path string
}

var defaultFollowUpPrompts = []string{
	"Can you tell me more about the options you mentioned?",
	"Which of these would you personally recommend, and why?",
	"Are there any alternatives I should consider instead?",
}

var gatewayProviders = []string{"openai", "anthropic", "google", "perplexity", "mistral"}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "scan_orchestrator"),
				User:           getEnv("POSTGRES_USER", "scanner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "scan_orchestrator"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", ""),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Worker: WorkerConfig{
			Budget:        getEnvAsDuration("WORKER_BUDGET", 270*time.Second),
			Secret:        getEnv("WORKER_SECRET", ""),
			SelfURL:       getEnv("WORKER_SELF_URL", "http://localhost:8080"),
			DevBypass:     getEnvAsBool("AUTH_DEV_BYPASS", false),
			ChainTimeout:  getEnvAsDuration("WORKER_CHAIN_TIMEOUT", 10*time.Second),
			ChainDisabled: getEnvAsBool("WORKER_CHAIN_DISABLED", false),
		},
		Scheduler: SchedulerConfig{
			EnqueueSpec: getEnv("SCHEDULER_ENQUEUE_CRON", "*/5 * * * *"),
			WorkerSpec:  getEnv("SCHEDULER_WORKER_CRON", "* * * * *"),
		},
		Queue: QueueConfig{
			HardCeiling:         getEnvAsDuration("QUEUE_HARD_CEILING", 2*time.Hour),
			ZeroProgressCeiling: getEnvAsDuration("QUEUE_ZERO_PROGRESS_CEILING", 15*time.Minute),
			StallCeiling:        getEnvAsDuration("QUEUE_STALL_CEILING", 10*time.Minute),
			MaxClaimAttempts:    getEnvAsInt("QUEUE_MAX_CLAIM_ATTEMPTS", 3),
			OptimisticClaims:    getEnvAsBool("QUEUE_OPTIMISTIC_CLAIMS", false),
		},
		Chunk: ChunkConfig{
			MaxQueriesPerChunk:  getEnvAsInt("CHUNK_MAX_QUERIES", 5),
			PerOperationSeconds: getEnvAsFloat("CHUNK_PER_OPERATION_SECONDS", 15),
			Concurrency:         getEnvAsInt("CHUNK_CONCURRENCY", 8),
			FollowUpPrompts:     getEnvAsList("CHUNK_FOLLOW_UP_PROMPTS", "|", defaultFollowUpPrompts),
		},
		Ledger: LedgerConfig{
			BufferMultiplier:     getEnvAsFloat("LEDGER_BUFFER_MULTIPLIER", 1.2),
			ExpectedInputTokens:  int64(getEnvAsInt("LEDGER_EXPECTED_INPUT_TOKENS", 300)),
			ExpectedOutputTokens: int64(getEnvAsInt("LEDGER_EXPECTED_OUTPUT_TOKENS", 800)),
			EvaluationModel:      getEnv("EVALUATION_MODEL", "gpt-4o-mini"),
			EvalInputTokens:      int64(getEnvAsInt("LEDGER_EVAL_INPUT_TOKENS", 1000)),
			EvalOutputTokens:     int64(getEnvAsInt("LEDGER_EVAL_OUTPUT_TOKENS", 150)),
		},
		ProviderLimits: ProviderLimitsConfig{
			CallsPerWindow: int64(getEnvAsInt("PROVIDER_CALLS_PER_WINDOW", 600)),
			Window:         getEnvAsDuration("PROVIDER_WINDOW", time.Minute),
		},
		Gateway: GatewayConfig{
			Timeout:   getEnvAsDuration("GATEWAY_TIMEOUT", 60*time.Second),
			Endpoints: loadGatewayEndpoints(),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Models: ModelsConfig{
			Path: getEnv("MODELS_CONFIG", "config/models.yaml"),
		},
	}

	return config, nil
}

func loadGatewayEndpoints() map[string]GatewayEndpoint {
	endpoints := make(map[string]GatewayEndpoint)
	for _, p := range gatewayProviders {
		prefix := "GATEWAY_" + strings.ToUpper(p)
		url := getEnv(prefix+"_URL", "")
		if url == "" {
			continue
		}
		endpoints[p] = GatewayEndpoint{
			BaseURL: strings.TrimRight(url, "/"),
			APIKey:  getEnv(prefix+"_KEY", ""),
		}
	}
	return endpoints
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits an environment variable on sep, dropping empty entries
func getEnvAsList(key, sep string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
