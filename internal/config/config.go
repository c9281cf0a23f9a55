package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the dispatch service configuration, loaded from environment
// variables. The .env file is loaded in main.go for local development.
type Config struct {
	Port       string
	BaseURL    string
	InstanceID string

	// Twilio
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioAPIKey     string
	TwilioAPISecret  string
	TwilioAppSID     string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// JWT
	JWTAccessSecret  string
	JWTRefreshSecret string

	// Resilience
	HealthCheckInterval     time.Duration
	MaxConsecutiveFailures  int
	RateLimitPerMinute      int
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
	DialTimeoutSeconds      int
	ReconcileInterval       time.Duration
}

// LoadFromEnv builds the configuration from environment variables with
// sensible development defaults.
func LoadFromEnv() *Config {
	return &Config{
		Port:       getEnvOrDefault("PORT", "8080"),
		BaseURL:    getEnvOrDefault("BASE_URL", ""),
		InstanceID: getDynamicInstanceID(),

		TwilioAccountSID: getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		TwilioAPIKey:     getEnvOrDefault("TWILIO_API_KEY", ""),
		TwilioAPISecret:  getEnvOrDefault("TWILIO_API_SECRET", ""),
		TwilioAppSID:     getEnvOrDefault("TWILIO_APP_SID", ""),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsIntOrDefault("REDIS_DB", 0),

		JWTAccessSecret:  getEnvOrDefault("JWT_ACCESS_SECRET", ""),
		JWTRefreshSecret: getEnvOrDefault("JWT_REFRESH_SECRET", ""),

		HealthCheckInterval:     time.Duration(getEnvAsIntOrDefault("HEALTH_CHECK_INTERVAL_SECONDS", 60)) * time.Second,
		MaxConsecutiveFailures:  getEnvAsIntOrDefault("MAX_CONSECUTIVE_FAILURES", 5),
		RateLimitPerMinute:      getEnvAsIntOrDefault("RATE_LIMIT_PER_MINUTE", 100),
		BreakerFailureThreshold: getEnvAsIntOrDefault("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenTimeout:      time.Duration(getEnvAsIntOrDefault("BREAKER_OPEN_TIMEOUT_SECONDS", 60)) * time.Second,
		DialTimeoutSeconds:      getEnvAsIntOrDefault("DIAL_TIMEOUT_SECONDS", 30),
		ReconcileInterval:       time.Duration(getEnvAsIntOrDefault("RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDynamicInstanceID generates a unique identifier for this service instance.
// It first tries the INSTANCE_ID environment variable, then the system
// hostname (pod name in K8s), and finally a timestamp-based fallback.
func getDynamicInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("dispatch-%d", time.Now().UnixNano())
}
