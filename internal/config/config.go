// Package config provides environment configuration for the relay server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by the *_BACKEND settings.
const (
	AssistantBackendAssistants = "assistants"
	AssistantBackendOpenAIChat = "openai-chat"
	AssistantBackendAnthropic  = "anthropic"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Auth
	AuthEnabled bool
	JWTSecret   string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Upstream assistant
	AssistantBackend  string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	AnthropicAPIKey   string
	DefaultModel      string
	SystemPrompt      string
	MaxTokens         int
	AllowedAssistants []string
	KeepAliveInterval time.Duration

	// Thread store for completion backends
	ThreadStore string
	ThreadTTL   time.Duration

	// Credit ledger
	LedgerBackend  string
	DefaultCredits int64
	RedisURL       string
	DatabaseURL    string

	// History
	HistoryBackend     string
	PersistMaxAttempts int
	PersistBaseDelay   time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSOrigins:        getListEnv("CORS_ORIGINS", []string{"https://*", "http://*"}),

		// Auth
		AuthEnabled: getBoolEnv("AUTH_ENABLED", false),
		JWTSecret:   getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Upstream assistant
		AssistantBackend:  getEnv("ASSISTANT_BACKEND", AssistantBackendAssistants),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		DefaultModel:      getEnv("DEFAULT_MODEL", ""),
		SystemPrompt:      getEnv("SYSTEM_PROMPT", ""),
		MaxTokens:         getIntEnv("MAX_TOKENS", 0),
		AllowedAssistants: getListEnv("ALLOWED_ASSISTANTS", nil),
		KeepAliveInterval: getDurationEnv("KEEPALIVE_INTERVAL", 15*time.Second),

		// Threads
		ThreadStore: getEnv("THREAD_STORE", BackendMemory),
		ThreadTTL:   getDurationEnv("THREAD_TTL", 7*24*time.Hour),

		// Ledger
		LedgerBackend:  getEnv("LEDGER_BACKEND", BackendMemory),
		DefaultCredits: int64(getIntEnv("DEFAULT_CREDITS", 1)),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		// History
		HistoryBackend:     getEnv("HISTORY_BACKEND", BackendMemory),
		PersistMaxAttempts: getIntEnv("PERSIST_MAX_ATTEMPTS", 3),
		PersistBaseDelay:   getDurationEnv("PERSIST_BASE_DELAY", 200*time.Millisecond),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings that cannot start a server.
func (c *Config) Validate() error {
	var errs []error

	switch c.AssistantBackend {
	case AssistantBackendAssistants, AssistantBackendOpenAIChat:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, fmt.Errorf("OPENAI_API_KEY is required for the %s backend", c.AssistantBackend))
		}
	case AssistantBackendAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ASSISTANT_BACKEND %q", c.AssistantBackend))
	}

	switch c.LedgerBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	if c.ThreadStore != BackendMemory && c.ThreadStore != BackendRedis {
		errs = append(errs, fmt.Errorf("unknown THREAD_STORE %q", c.ThreadStore))
	}
	if c.HistoryBackend != BackendMemory && c.HistoryBackend != BackendNATS {
		errs = append(errs, fmt.Errorf("unknown HISTORY_BACKEND %q", c.HistoryBackend))
	}
	if c.AuthEnabled && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required when AUTH_ENABLED is set"))
	}
	if c.DefaultCredits < 0 {
		errs = append(errs, errors.New("DEFAULT_CREDITS cannot be negative"))
	}

	return errors.Join(errs...)
}

// UsesRedis reports whether any configured backend needs Redis.
func (c *Config) UsesRedis() bool {
	if c.LedgerBackend == BackendRedis {
		return true
	}
	return c.ThreadStore == BackendRedis && c.AssistantBackend != AssistantBackendAssistants
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

// getListEnv splits a comma separated value, dropping empty items.
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
