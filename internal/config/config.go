package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port          string
	WebAPIBaseURL string // external web app consuming relayed events

	// Supabase object storage (artifact uploads)
	SupabaseURL        string
	SupabaseServiceKey string
	StorageBucket      string

	// Agent runtime sidecar
	AgentRuntimeURL string

	// Session loop tuning
	SessionIdleTimeout time.Duration // loop exits after this much queue silence
	AgentRunTimeout    time.Duration // ceiling on one agent turn; 0 = unbounded
	UploadsPerSecond   int           // storage upload pacing across all sessions

	// Optional turn analytics (disabled when empty)
	MongoURI string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8000"),
		WebAPIBaseURL: getEnv("WEB_API_BASE_URL", "http://localhost:3000"),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		StorageBucket:      getEnv("STORAGE_BUCKET", "professor-lock-artifacts"),

		AgentRuntimeURL: getEnv("AGENT_RUNTIME_URL", "http://localhost:8700"),

		SessionIdleTimeout: getSecondsEnv("SESSION_IDLE_TIMEOUT_SECONDS", 300),
		AgentRunTimeout:    getSecondsEnv("AGENT_RUN_TIMEOUT_SECONDS", 600),
		UploadsPerSecond:   getIntEnv("UPLOADS_PER_SECOND", 4),

		MongoURI: getEnv("MONGODB_URI", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultSeconds int) time.Duration {
	return time.Duration(getIntEnv(key, defaultSeconds)) * time.Second
}
