package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.edirelay.tech/internal/common/secrets"
)

// Config holds all configuration for the exchange engine.
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Repo selects the exchange record store
	Repo RepoConfig

	// Queue configuration (embedded NATS, external NATS or SQS)
	Queue QueueConfig

	// Engine (consumer side) configuration
	Engine EngineConfig

	// Scheduler (producer side) configuration
	Scheduler SchedulerConfig

	// Leader election configuration
	Leader LeaderConfig

	// Secrets provider configuration
	Secrets secrets.Config

	// Declarations is the backend and exchange type catalog, only
	// loadable from the config file
	Declarations Declarations

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RepoConfig selects the exchange record repository implementation.
type RepoConfig struct {
	Type string // "mongo" or "memory"
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs"

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// EngineConfig holds the phase job consumer configuration.
type EngineConfig struct {
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute int // 0 disables rate limiting
	RetryDelay         time.Duration
	ConfigErrorDelay   time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
}

// SchedulerConfig holds the phase job producer configuration.
type SchedulerConfig struct {
	PollInterval        time.Duration
	BatchSize           int
	InboundPollInterval time.Duration
	StaleThreshold      time.Duration
	StaleCheckInterval  time.Duration
	GaugeInterval       time.Duration
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active. Disabled, every
	// instance schedules, which is only safe when a single instance runs.
	Enabled bool

	// Provider is "mongo" or "redis"
	Provider string

	// RedisAddr is the Redis address when Provider is "redis"
	RedisAddr string

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "edirelay"),
		},

		Repo: RepoConfig{
			Type: getEnv("REPO_TYPE", "mongo"),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Engine: EngineConfig{
			Concurrency:        getEnvInt("ENGINE_CONCURRENCY", 8),
			QueueCapacity:      getEnvInt("ENGINE_QUEUE_CAPACITY", 256),
			RateLimitPerMinute: getEnvInt("ENGINE_RATE_LIMIT_PER_MINUTE", 0),
			RetryDelay:         getEnvDuration("ENGINE_RETRY_DELAY", 30*time.Second),
			ConfigErrorDelay:   getEnvDuration("ENGINE_CONFIG_ERROR_DELAY", 15*time.Minute),
			StallThreshold:     getEnvDuration("ENGINE_STALL_THRESHOLD", 5*time.Minute),
			MaxRestartAttempts: getEnvInt("ENGINE_MAX_RESTART_ATTEMPTS", 5),
		},

		Scheduler: SchedulerConfig{
			PollInterval:        getEnvDuration("SCHEDULER_POLL_INTERVAL", 5*time.Second),
			BatchSize:           getEnvInt("SCHEDULER_BATCH_SIZE", 100),
			InboundPollInterval: getEnvDuration("SCHEDULER_INBOUND_POLL_INTERVAL", 30*time.Second),
			StaleThreshold:      getEnvDuration("SCHEDULER_STALE_THRESHOLD", 15*time.Minute),
			StaleCheckInterval:  getEnvDuration("SCHEDULER_STALE_CHECK_INTERVAL", time.Minute),
			GaugeInterval:       getEnvDuration("SCHEDULER_GAUGE_INTERVAL", 15*time.Second),
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			Provider:        getEnv("LEADER_PROVIDER", "mongo"),
			RedisAddr:       getEnv("LEADER_REDIS_ADDR", "localhost:6379"),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		Secrets: secrets.Config{
			Provider:      secrets.ProviderType(getEnv("SECRETS_PROVIDER", "env")),
			EncryptionKey: getEnv("SECRETS_ENCRYPTION_KEY", ""),
			DataDir:       getEnv("SECRETS_DATA_DIR", "./data/secrets"),
			AWSRegion:     getEnv("SECRETS_AWS_REGION", ""),
			AWSPrefix:     getEnv("SECRETS_AWS_PREFIX", "/edirelay/"),
			VaultAddr:     getEnv("VAULT_ADDR", ""),
			VaultToken:    getEnv("VAULT_TOKEN", ""),
			VaultPath:     getEnv("VAULT_PATH", "secret/data/edirelay"),
			GCPProject:    getEnv("SECRETS_GCP_PROJECT", ""),
			GCPPrefix:     getEnv("SECRETS_GCP_PREFIX", "edirelay-"),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("EDIRELAY_DEV", false),
	}

	return cfg, nil
}

// Validate checks cross-field constraints that the loaders cannot.
func (c *Config) Validate() error {
	switch c.Repo.Type {
	case "mongo", "memory":
	default:
		return fmt.Errorf("unknown repo type %q", c.Repo.Type)
	}
	switch c.Queue.Type {
	case "embedded", "nats", "sqs":
	default:
		return fmt.Errorf("unknown queue type %q", c.Queue.Type)
	}
	if c.Queue.Type == "sqs" && c.Queue.SQS.QueueURL == "" {
		return fmt.Errorf("queue type sqs requires SQS_QUEUE_URL")
	}
	if c.Leader.Enabled {
		switch c.Leader.Provider {
		case "mongo":
			if c.Repo.Type != "mongo" {
				return fmt.Errorf("mongo leader election requires the mongo repo")
			}
		case "redis":
			if c.Leader.RedisAddr == "" {
				return fmt.Errorf("redis leader election requires LEADER_REDIS_ADDR")
			}
		default:
			return fmt.Errorf("unknown leader provider %q", c.Leader.Provider)
		}
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
