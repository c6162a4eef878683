package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// MaxIdempotencyTTL bounds how long a replayable create response, which
// carries a tracking token, may stay in the idempotency store.
const MaxIdempotencyTTL = 24 * time.Hour

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	StorageDriver     string        `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath        string        `mapstructure:"SQLITE_PATH"`
	PHIEncryptionKey  string        `mapstructure:"PHI_ENCRYPTION_KEY"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL    time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	KafkaBrokers      []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaArchiveTopic string        `mapstructure:"KAFKA_ARCHIVE_TOPIC"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	PublicURL         string        `mapstructure:"PUBLIC_URL"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"STORAGE_DRIVER",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"SQLITE_PATH",
	"PHI_ENCRYPTION_KEY",
	"REDIS_URL",
	"IDEMPOTENCY_TTL",
	"KAFKA_BROKERS",
	"KAFKA_ARCHIVE_TOPIC",
	"REQUEST_TIMEOUT",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"CORS_ORIGINS",
	"PUBLIC_URL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_DRIVER", StorageMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "data/registry.db")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("KAFKA_ARCHIVE_TOPIC", "registry.archived")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("PUBLIC_URL", "http://localhost:8000")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"), cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"), cfg.KafkaBrokers)
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList turns a comma separated env value into a trimmed slice,
// falling back to whatever Unmarshal produced when the key is unset.
func splitList(raw string, parsed []string) []string {
	if raw == "" {
		return parsed
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production requires
// PHI_ENCRYPTION_KEY and a durable store.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is %q", StoragePostgres)
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q, %q or %q, got %q",
			StorageMemory, StorageSQLite, StoragePostgres, c.StorageDriver)
	}
	if c.StorageDriver == StorageSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER is %q", StorageSQLite)
	}

	if c.IsProduction() {
		if c.StorageDriver == StorageMemory {
			return fmt.Errorf("STORAGE_DRIVER=%s is not allowed in production", StorageMemory)
		}
		if c.PHIEncryptionKey == "" {
			return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
		}
	}
	if c.PHIEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.PHIEncryptionKey)
		if err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.IdempotencyTTL > MaxIdempotencyTTL {
		return fmt.Errorf("IDEMPOTENCY_TTL must not exceed %s, got %s", MaxIdempotencyTTL, c.IdempotencyTTL)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
