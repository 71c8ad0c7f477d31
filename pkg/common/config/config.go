package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP surface
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// IPC relay
	SocketPath    string
	QueueCapacity int
	PushWait      time.Duration
	IdleTimeout   time.Duration
	ShutdownGrace time.Duration
	MaxFrameBytes int64

	// Broker
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaGroupID      string
	KafkaUsername     string
	KafkaPassword     string
	KafkaUseTLS       bool
	PublishTimeout    time.Duration
	PublishRetries    int
	PublishBackoff    time.Duration
	PublishMaxBackoff time.Duration

	// Ingestion
	BatchSize    int
	BatchWait    time.Duration
	RetryBackoff time.Duration
	AliasFile    string

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

	// Device health reporter
	HealthURL          string
	HealthInterval     time.Duration
	HealthTokenURL     string
	HealthClientID     string
	HealthClientSecret string
	HealthAudience     string
	DeviceID           string
	SiteID             string
	UserName           string
}

func Load() *Config {
	// Best effort: local deployments keep settings in a .env next to the
	// binary, containers supply real environment variables.
	_ = godotenv.Load()

	return &Config{
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		SocketPath:    getEnv("RELAY_SOCKET_PATH", "/tmp/scanrelay.sock"),
		QueueCapacity: getIntEnv("RELAY_QUEUE_CAPACITY", 1024),
		PushWait:      getDuration("RELAY_PUSH_WAIT", 5*time.Second),
		IdleTimeout:   getDuration("RELAY_IDLE_TIMEOUT", 5*time.Minute),
		ShutdownGrace: getDuration("RELAY_SHUTDOWN_GRACE", 15*time.Second),
		MaxFrameBytes: int64(getIntEnv("RELAY_MAX_FRAME_BYTES", 256*1024)),

		KafkaBrokers:      getStringSliceEnv("KAFKA_BROKERS", nil),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "scan-events"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "scanrelay-ingest"),
		KafkaUsername:     getEnv("KAFKA_SASL_USERNAME", ""),
		KafkaPassword:     getEnv("KAFKA_SASL_PASSWORD", ""),
		KafkaUseTLS:       getBoolEnv("KAFKA_USE_TLS", false),
		PublishTimeout:    getDuration("PUBLISH_TIMEOUT", 10*time.Second),
		PublishRetries:    getIntEnv("PUBLISH_RETRIES", 5),
		PublishBackoff:    getDuration("PUBLISH_BACKOFF", 500*time.Millisecond),
		PublishMaxBackoff: getDuration("PUBLISH_MAX_BACKOFF", 30*time.Second),

		BatchSize:    getIntEnv("INGEST_BATCH_SIZE", 100),
		BatchWait:    getDuration("INGEST_BATCH_WAIT", 2*time.Second),
		RetryBackoff: getDuration("INGEST_RETRY_BACKOFF", 5*time.Second),
		AliasFile:    getEnv("INGEST_ALIAS_FILE", ""),

		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "scanrelay"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "scanrelay"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		HealthURL:          getEnv("HEALTH_URL", ""),
		HealthInterval:     getDuration("HEALTH_INTERVAL", 60*time.Second),
		HealthTokenURL:     getEnv("HEALTH_TOKEN_URL", ""),
		HealthClientID:     getEnv("HEALTH_CLIENT_ID", ""),
		HealthClientSecret: getEnv("HEALTH_CLIENT_SECRET", ""),
		HealthAudience:     getEnv("HEALTH_AUDIENCE", ""),
		DeviceID:           getEnv("DEVICE_ID", ""),
		SiteID:             getEnv("SITE_ID", ""),
		UserName:           getEnv("USER_NAME", "Unknown"),
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
