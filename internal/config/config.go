package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "PAYSYNC"

type Config struct {
	DBUser  string `envconfig:"POSTGRES_USER"`
	DBPass  string `envconfig:"POSTGRES_PASSWORD"`
	DBHost  string `envconfig:"POSTGRES_HOST" default:"localhost"`
	DBPort  string `envconfig:"POSTGRES_PORT" default:"5432"`
	DBName  string `envconfig:"POSTGRES_DB"`
	SSLMode string `envconfig:"POSTGRES_SSLMODE" default:"disable"`

	StoreProvider string `envconfig:"STORE_PROVIDER" default:"postgres"`

	RedisHost     string `envconfig:"REDIS_HOST"`
	RedisPort     string `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	BusProvider  string   `envconfig:"BUS_PROVIDER" default:"none"`
	NatsHost     string   `envconfig:"NATS_HOST"`
	NatsPort     string   `envconfig:"NATS_PORT" default:"4222"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	AMQPURL      string   `envconfig:"AMQP_URL"`

	ApiPort string `envconfig:"API_PORT" default:"8080"`

	WebhookSecret    string        `envconfig:"WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`

	PolicyFile    string        `envconfig:"POLICY_FILE"`
	RetryInterval time.Duration `envconfig:"RETRY_INTERVAL" default:"15s"`
	RetryBatch    int           `envconfig:"RETRY_BATCH" default:"100"`
	RetryLease    time.Duration `envconfig:"RETRY_LEASE" default:"2m"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogPrefix string `envconfig:"LOG_PREFIX" default:"paysync"`
}

// New loads .env (if present) and the PAYSYNC_* environment, then validates
// it. Redis, the bus and RabbitMQ are optional; Postgres is required unless
// the memory store is selected.
func New() (*Config, error) {
	_ = godotenv.Load()
	return Load()
}

// Load reads the environment without touching .env files.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("missing required env: PAYSYNC_WEBHOOK_SECRET")
	}

	switch c.StoreProvider {
	case "postgres":
		if c.DBUser == "" || c.DBHost == "" || c.DBName == "" {
			return fmt.Errorf("missing required env for database: PAYSYNC_POSTGRES_USER/HOST/DB")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store provider %q, must be 'postgres' or 'memory'", c.StoreProvider)
	}

	switch c.BusProvider {
	case "none":
	case "nats":
		if c.NatsHost == "" || c.NatsPort == "" {
			return fmt.Errorf("missing required env for nats bus: PAYSYNC_NATS_HOST/PORT")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("missing required env for kafka bus: PAYSYNC_KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("invalid bus provider %q, must be 'nats', 'kafka' or 'none'", c.BusProvider)
	}

	if c.RetryBatch <= 0 {
		return fmt.Errorf("PAYSYNC_RETRY_BATCH must be positive, got %d", c.RetryBatch)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("PAYSYNC_RETRY_INTERVAL must be positive, got %s", c.RetryInterval)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr returns "" when Redis is not configured; callers then run
// without a cache.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) ApiAddr() string {
	return ":" + c.ApiPort
}
