package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RabbitMQConfig holds the broker connection and topology settings.
type RabbitMQConfig struct {
	Host     string
	Port     string
	User     string
	Password string

	Exchange              string
	Queue                 string
	Prefetch              int
	CaseCreatedRoutingKey string
	RescreenRoutingKey    string
	ScreenedRoutingKey    string
}

// GetAMQPURL builds the amqp:// connection URL.
func (r *RabbitMQConfig) GetAMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", r.User, r.Password, r.Host, r.Port)
}

// Config holds all configuration for the case triage pipeline service
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	// Auth service configuration
	AuthServiceURL string

	// Gemini configuration
	GeminiAPIKey string
	GeminiModel  string
	ModelTimeout time.Duration

	// Screening claim configuration
	ClaimTTL time.Duration

	// Matching configuration
	MatchRecentLimit  int
	MatchCandidateCap int
	MatchRadiusKm     float64
	MatchFetchTimeout time.Duration
	AutoLinkThreshold float64

	// Photo fetching
	PhotoBaseURL  string
	PhotoCacheTTL time.Duration

	// Inbound/outbound messaging
	RabbitMQ RabbitMQConfig

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "pawtrace"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		// Auth service defaults
		AuthServiceURL: getEnv("AUTH_SERVICE_URL", "http://localhost:8081"),

		// Gemini defaults
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		ModelTimeout: getDurationEnv("MODEL_TIMEOUT", 60*time.Second),

		// Claims older than this are considered abandoned and reclaimable
		ClaimTTL: getDurationEnv("CLAIM_TTL", 15*time.Minute),

		// Matching defaults
		MatchRecentLimit:  getIntEnv("MATCH_RECENT_LIMIT", 30),
		MatchCandidateCap: getIntEnv("MATCH_CANDIDATE_CAP", 12),
		MatchRadiusKm:     getFloatEnv("MATCH_RADIUS_KM", 0),
		MatchFetchTimeout: getDurationEnv("MATCH_FETCH_TIMEOUT", 10*time.Second),
		AutoLinkThreshold: getFloatEnv("AUTO_LINK_THRESHOLD", 0.8),

		// Photo fetching defaults
		PhotoBaseURL:  getEnv("PHOTO_BASE_URL", ""),
		PhotoCacheTTL: getDurationEnv("PHOTO_CACHE_TTL", 10*time.Minute),

		RabbitMQ: RabbitMQConfig{
			Host:     getEnv("RABBITMQ_HOST", "localhost"),
			Port:     getEnv("RABBITMQ_PORT", "5672"),
			User:     getEnv("RABBITMQ_USER", "guest"),
			Password: getEnv("RABBITMQ_PASSWORD", "guest"),

			Exchange:              getEnv("RABBITMQ_EXCHANGE", "pawtrace-events"),
			Queue:                 getEnv("RABBITMQ_QUEUE", "case-triage"),
			Prefetch:              getIntEnv("RABBITMQ_PREFETCH", 20),
			CaseCreatedRoutingKey: getEnv("RABBITMQ_CASE_CREATED_ROUTING_KEY", "case.created"),
			RescreenRoutingKey:    getEnv("RABBITMQ_RESCREEN_ROUTING_KEY", "case.rescreen"),
			ScreenedRoutingKey:    getEnv("RABBITMQ_SCREENED_ROUTING_KEY", "case.screened"),
		},

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable or returns a default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
