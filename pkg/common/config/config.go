package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string
	AuditTopic   string

	// Normative data
	NormativeDataPath string
	ThresholdsPath    string
	NormativeFromDB   bool

	// Batch processing
	BatchWorkers     int
	MaxBatchSize     int
	MaxRetries       int
	RetryBackoffBase time.Duration
	BatchTimeout     time.Duration
	ProgressTTL      time.Duration
	ResultsTTL       time.Duration

	// Watcher
	WatchDirectory string
	WatchDebounce  time.Duration

	// Assessment
	OutlierZCutoff float64
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 8*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "neuroqc"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "neuroqc123"),
		PostgresDB:       getEnv("POSTGRES_DB", "neuroqc"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "neuroqc-platform"),
		AuditTopic:   getEnv("AUDIT_TOPIC", "neuroqc.audit"),

		NormativeDataPath: getEnv("NORMATIVE_DATA_PATH", ""),
		ThresholdsPath:    getEnv("THRESHOLDS_PATH", ""),
		NormativeFromDB:   getBoolEnv("NORMATIVE_FROM_DB", false),

		BatchWorkers:     getIntEnv("BATCH_WORKERS", 4),
		MaxBatchSize:     getIntEnv("MAX_BATCH_SIZE", 1000),
		MaxRetries:       getIntEnv("MAX_RETRIES", 3),
		RetryBackoffBase: getDuration("RETRY_BACKOFF_BASE", 100*time.Millisecond),
		BatchTimeout:     getDuration("BATCH_TIMEOUT", 30*time.Minute),
		ProgressTTL:      getDuration("PROGRESS_TTL", time.Hour),
		ResultsTTL:       getDuration("RESULTS_TTL", 2*time.Hour),

		WatchDirectory: getEnv("WATCH_DIRECTORY", ""),
		WatchDebounce:  getDuration("WATCH_DEBOUNCE", 2*time.Second),

		OutlierZCutoff: getFloatEnv("OUTLIER_Z_CUTOFF", 3.0),
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
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
