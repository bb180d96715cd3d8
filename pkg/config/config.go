package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// LLM
	LLMProvider  string
	GeminiAPIKey string
	GeminiModel  string
	OpenAIAPIKey string
	OpenAIModel  string

	// Matching
	MatchMode      string
	MatchThreshold float64
	PersonaFile    string

	// Sessions
	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration

	// Backfill image sources
	S3Region   string
	S3Endpoint string

	// HTTP edge
	RateLimitRPS       int
	RateLimitBurst     int
	CORSOrigins        []string
	OperatorSecret     string
	IdempotencyTTL     time.Duration
	MaxImageBytes      int64
	OTelEnabled        bool
	OTelEndpoint       string
	OTelInsecure       bool
	ServiceEnvironment string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getenvDefault("PORT", "8080"),
		LogLevel:    strings.ToUpper(getenvDefault("LOG_LEVEL", "INFO")),
		DatabaseURL: getenvDefault("DATABASE_URL", "sqlite://data/smartorder.db"),

		LLMProvider:  strings.ToLower(getenvDefault("LLM_PROVIDER", "gemini")),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getenvDefault("GEMINI_MODEL", "gemini-2.5-pro"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  getenvDefault("OPENAI_MODEL", "gpt-4o"),

		MatchMode:      strings.ToLower(getenvDefault("MATCH_MODE", "keywords")),
		MatchThreshold: getenvFloatDefault("MATCH_THRESHOLD", 0.8),
		PersonaFile:    os.Getenv("PERSONA_FILE"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		SessionTTL:    getenvDurationDefault("SESSION_TTL", 24*time.Hour),

		S3Region:   getenvDefault("MEDIA_S3_REGION", getenvDefault("AWS_REGION", "us-east-1")),
		S3Endpoint: os.Getenv("MEDIA_S3_ENDPOINT"),

		RateLimitRPS:   getenvIntDefault("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getenvIntDefault("RATE_LIMIT_BURST", 10),
		CORSOrigins:    splitList(getenvDefault("CORS_ORIGINS", "http://localhost:3000")),
		OperatorSecret: os.Getenv("OPERATOR_JWT_SECRET"),
		IdempotencyTTL: getenvDurationDefault("IDEMPOTENCY_TTL", 24*time.Hour),
		MaxImageBytes:  int64(getenvIntDefault("MAX_IMAGE_BYTES", 8<<20)),

		OTelEnabled:        os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:       getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure:       os.Getenv("OTEL_INSECURE") == "true",
		ServiceEnvironment: getenvDefault("ENVIRONMENT", "development"),
	}
}

// UsesSQLite reports whether DatabaseURL points at a local SQLite file.
func (c *Config) UsesSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite://")
}

// SQLitePath returns the file path portion of a sqlite:// DatabaseURL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
