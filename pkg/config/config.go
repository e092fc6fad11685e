package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

const (
	DriverFirestore = "firestore"
	DriverPostgres  = "postgres"
	DriverMemory    = "memory"
	DriverRedis     = "redis"
	DriverGCS       = "gcs"
	DriverFirebase  = "firebase"
	DriverJWT       = "jwt"
)

type Config struct {
	ServerPort  string `env:"SERVER_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"firestore"`
	PubSubDriver  string `env:"PUBSUB_DRIVER" envDefault:"memory"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"gcs"`
	AuthDriver    string `env:"AUTH_DRIVER" envDefault:"firebase"`

	FirebaseProject            string `env:"FIREBASE_PROJECT_ID"`
	FirebaseServiceAccountJSON string `env:"FIREBASE_SERVICE_ACCOUNT_JSON"`
	FirebaseServiceAccountPath string `env:"FIREBASE_SERVICE_ACCOUNT_PATH" envDefault:"./firebase-service-account.json"`
	StorageBucket              string `env:"STORAGE_BUCKET"`
	DatabaseURL                string `env:"DATABASE_URL"`
	RedisURL                   string `env:"REDIS_URL"`

	JWTSecret string        `env:"JWT_SECRET" envDefault:"your-secret-key"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`

	TypingQuietPeriod  time.Duration `env:"TYPING_QUIET_PERIOD" envDefault:"5s"`
	MessageGroupGap    time.Duration `env:"MESSAGE_GROUP_GAP" envDefault:"5m"`
	MaxAttachmentBytes int64         `env:"MAX_ATTACHMENT_BYTES" envDefault:"10485760"`
	SignedURLExpiry    time.Duration `env:"SIGNED_URL_EXPIRY" envDefault:"15m"`
}

func Load() (*Config, error) {
	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverFirestore:
		if c.FirebaseProject == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required for the firestore store")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.PubSubDriver {
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis pubsub")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown PUBSUB_DRIVER %q", c.PubSubDriver)
	}

	switch c.StorageDriver {
	case DriverGCS:
		if c.StorageBucket == "" {
			return fmt.Errorf("STORAGE_BUCKET is required for gcs storage")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	switch c.AuthDriver {
	case DriverFirebase:
		if c.FirebaseProject == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required for firebase auth")
		}
	case DriverJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required for jwt auth")
		}
	default:
		return fmt.Errorf("unknown AUTH_DRIVER %q", c.AuthDriver)
	}

	if c.TypingQuietPeriod <= 0 {
		return fmt.Errorf("TYPING_QUIET_PERIOD must be positive")
	}
	return nil
}

// NeedsFirebase reports whether any driver needs the Firebase app.
func (c *Config) NeedsFirebase() bool {
	return c.StoreDriver == DriverFirestore || c.AuthDriver == DriverFirebase
}
