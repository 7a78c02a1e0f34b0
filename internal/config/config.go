package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Server configuration
	ServerPort  string
	Environment string

	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis configuration
	RedisAddress string

	// JWT configuration
	JWTSecret string

	// Collaboration tuning
	HeartbeatGrace   time.Duration // sessions without a heartbeat for this long are dropped
	IdleAfter        time.Duration // active sessions with no edits/presence go idle
	AutoSaveInterval time.Duration // minimum gap between auto snapshots
	AutoSaveOpCount  uint64        // minimum committed ops between auto snapshots
	OpLogRingSize    int           // recent operations kept in memory per document
	SweepInterval    time.Duration // session liveness sweep period
	WorkerPoolSize   int

	// Notification webhook (optional, empty disables it)
	WebhookAddress string

	FrontendAddress string
}

// Global application configuration
var AppConfig Config

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Find .env file, walking up a couple of directories
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = filepath.Join("..", ".env")
		if _, err := os.Stat(envPath); os.IsNotExist(err) {
			envPath = filepath.Join("..", "..", ".env")
		}
	}

	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Msg("Error loading .env file")
		}
	}

	AppConfig = Config{
		ServerPort:       getEnv("PORT", "8080"),
		Environment:      getEnv("ENV", "development"),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", "postgres"),
		DBName:           getEnv("DB_NAME", "collab_engine"),
		RedisAddress:     getEnv("REDIS_ADDRESS", "localhost:6379"),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		HeartbeatGrace:   getEnvDuration("HEARTBEAT_GRACE", 30*time.Second),
		IdleAfter:        getEnvDuration("IDLE_AFTER", 2*time.Minute),
		AutoSaveInterval: getEnvDuration("AUTOSAVE_INTERVAL", 60*time.Second),
		AutoSaveOpCount:  getEnvUint("AUTOSAVE_OP_COUNT", 20),
		OpLogRingSize:    int(getEnvUint("OPLOG_RING_SIZE", 1024)),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 5*time.Second),
		WorkerPoolSize:   int(getEnvUint("WORKER_POOL_SIZE", 8)),
		WebhookAddress:   getEnv("WEBHOOK_ADDRESS", ""),
		FrontendAddress:  getEnv("FRONTEND_ADDRESS", "https://production-frontend.com"),
	}

	if AppConfig.JWTSecret == "" {
		AppConfig.JWTSecret = generateRandomSecret(32)
		log.Info().Msg("Generated random JWT secret")
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration, using default")
		return defaultValue
	}
	return d
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid number, using default")
		return defaultValue
	}
	return n
}

// generateRandomSecret generates a random secret of the specified length
func generateRandomSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	secret := make([]byte, length)
	for i := range secret {
		secret[i] = charset[random(len(charset))]
	}
	return string(secret)
}

// random returns a random integer between 0 and n-1
func random(n int) int {
	return int(time.Now().UnixNano()) % n
}
