// Package config provides environment configuration for the router.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSOrigins        []string

	// Storage. An empty URL selects the in-memory implementation.
	DatabaseURL string
	RedisURL    string
	DedupTTL    time.Duration

	// NATS settings. An empty URL keeps events in process.
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Channels
	ChannelBindingsFile string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMMaxTokens    int
	LLMTemperature  float64
	AgentGreeting   string

	// Automated agent dispatch
	DispatcherWorkers    int
	DispatcherQueueSize  int
	DispatcherMaxRetries int
	AgentTurnTimeout     time.Duration
	HistoryLimit         int

	// Escalation policy
	SentimentThreshold   float64
	MaxTurns             int
	RepeatedFailureCount int
	EscalationPhrases    []string
	AutoAssign           bool

	// Abandonment
	IdleTimeout       time.Duration
	EscalationTimeout time.Duration
	SweepSchedule     string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:        getListEnv("CORS_ORIGINS", nil),

		// Storage
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		DedupTTL:    getDurationEnv("DEDUP_TTL", 24*time.Hour),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 12*time.Hour),

		// Channels
		ChannelBindingsFile: getEnv("CHANNEL_BINDINGS_FILE", "bindings.json5"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 1024),
		LLMTemperature:  getFloatEnv("LLM_TEMPERATURE", 0.3),
		AgentGreeting:   getEnv("AGENT_GREETING", ""),

		// Dispatch
		DispatcherWorkers:    getIntEnv("DISPATCHER_WORKERS", 8),
		DispatcherQueueSize:  getIntEnv("DISPATCHER_QUEUE_SIZE", 256),
		DispatcherMaxRetries: getIntEnv("DISPATCHER_MAX_RETRIES", 2),
		AgentTurnTimeout:     getDurationEnv("AGENT_TURN_TIMEOUT", 60*time.Second),
		HistoryLimit:         getIntEnv("HISTORY_LIMIT", 30),

		// Policy
		SentimentThreshold:   getFloatEnv("SENTIMENT_THRESHOLD", -0.5),
		MaxTurns:             getIntEnv("MAX_TURNS", 20),
		RepeatedFailureCount: getIntEnv("REPEATED_FAILURE_COUNT", 2),
		EscalationPhrases:    getListEnv("ESCALATION_PHRASES", nil),
		AutoAssign:           getBoolEnv("AUTO_ASSIGN", false),

		// Abandonment
		IdleTimeout:       getDurationEnv("IDLE_TIMEOUT", 30*time.Minute),
		EscalationTimeout: getDurationEnv("ESCALATION_TIMEOUT", 0),
		SweepSchedule:     getEnv("SWEEP_SCHEDULE", "* * * * *"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		WebhookRateLimit:  getIntEnv("WEBHOOK_RATE_LIMIT", 600),
		WebhookRateWindow: getDurationEnv("WEBHOOK_RATE_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT must be positive"))
	}
	if c.EscalationTimeout < 0 {
		errs = append(errs, errors.New("ESCALATION_TIMEOUT must not be negative"))
	}
	if c.DispatcherWorkers <= 0 {
		errs = append(errs, errors.New("DISPATCHER_WORKERS must be positive"))
	}
	if c.DefaultLLM != "anthropic" && c.DefaultLLM != "openai" {
		errs = append(errs, errors.New("DEFAULT_LLM must be anthropic or openai"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated value, dropping empty items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
