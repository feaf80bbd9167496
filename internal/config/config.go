package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration for all services
type Config struct {
	// Service name
	ServiceName string

	// gRPC server port (health service)
	GRPCPort int

	// HTTP server port (health + subscription admin)
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Kafka brokers (comma-separated)
	KafkaBrokers string

	// Path to the feeds YAML file (feed-gateway)
	FeedsFile string

	// Local data directory (exit-monitor sqlite store)
	DataDir string

	// Execution collaborator base URL (exit-monitor)
	ExecutionBaseURL string

	// Execution collaborator per-call timeout
	ExecutionTimeout time.Duration

	// Grace period before a zero-refcount connection is closed
	UnsubscribeGrace time.Duration

	// Reconnect backoff bounds
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// Watchdog staleness window and check interval
	StalenessWindow  time.Duration
	WatchdogInterval time.Duration

	// Evaluator partitioning
	EvaluatorPartitions int
	PartitionQueueSize  int

	// Default trailing offset as a fraction of entry price, used when an
	// order has trailing enabled but carries no explicit offset
	DefaultTrailRatio float64
}

// LoadConfig loads configuration from environment variables with defaults.
// A .env file in the working directory is applied first if present.
func LoadConfig(serviceName string) *Config {
	_ = godotenv.Load()

	defaultGRPCPort := 50051
	if serviceName == "exit-monitor" {
		defaultGRPCPort = 50052
	}

	cfg := &Config{
		ServiceName:         serviceName,
		GRPCPort:            getEnvAsInt("PORT_GRPC", defaultGRPCPort),
		HTTPPort:            getEnvAsInt("PORT_HTTP", 8080),
		LogLevel:            getEnvAsString("LOG_LEVEL", "info"),
		KafkaBrokers:        getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		FeedsFile:           getEnvAsString("FEEDS_FILE", "feeds.yaml"),
		DataDir:             getEnvAsString("DATA_DIR", "./data"),
		ExecutionBaseURL:    getEnvAsString("EXECUTION_BASE_URL", "http://127.0.0.1:9400"),
		ExecutionTimeout:    getEnvAsDuration("EXECUTION_TIMEOUT", 3*time.Second),
		UnsubscribeGrace:    getEnvAsDuration("UNSUBSCRIBE_GRACE", 5*time.Second),
		ReconnectBase:       getEnvAsDuration("RECONNECT_BASE", 2*time.Second),
		ReconnectCap:        getEnvAsDuration("RECONNECT_CAP", 60*time.Second),
		StalenessWindow:     getEnvAsDuration("STALENESS_WINDOW", 60*time.Second),
		WatchdogInterval:    getEnvAsDuration("WATCHDOG_INTERVAL", 10*time.Second),
		EvaluatorPartitions: getEnvAsInt("EVALUATOR_PARTITIONS", 8),
		PartitionQueueSize:  getEnvAsInt("PARTITION_QUEUE_SIZE", 1024),
		DefaultTrailRatio:   getEnvAsFloat("DEFAULT_TRAIL_RATIO", 0.05),
	}

	return cfg
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
