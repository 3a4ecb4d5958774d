package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port                  string `mapstructure:"PORT"`
	DBDriver              string `mapstructure:"DB_DRIVER"`
	DatabaseURL           string `mapstructure:"DB_DSN"`
	SQLitePath            string `mapstructure:"SQLITE_PATH"`
	NATSURL               string `mapstructure:"NATS_URL"`
	NATSEmbedded          bool   `mapstructure:"NATS_EMBEDDED"`
	NATSPort              int    `mapstructure:"NATS_PORT"`
	NATSStoreDir          string `mapstructure:"NATS_STORE_DIR"`
	FallbackWindowSeconds int    `mapstructure:"FALLBACK_WINDOW_SECONDS"`
	DedupWindowSeconds    int    `mapstructure:"DEDUP_WINDOW_SECONDS"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`
	RateLimitPerMinute    int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst        int    `mapstructure:"RATE_LIMIT_BURST"`
	FacilityRateLimit     int    `mapstructure:"FACILITY_RATE_LIMIT_PER_MIN"`
	FacilityRateBurst     int    `mapstructure:"FACILITY_RATE_LIMIT_BURST"`
	APIURL                string `mapstructure:"QMS_API_URL"`
}

var keys = []string{
	"PORT", "DB_DRIVER", "DB_DSN", "SQLITE_PATH",
	"NATS_URL", "NATS_EMBEDDED", "NATS_PORT", "NATS_STORE_DIR",
	"FALLBACK_WINDOW_SECONDS", "DEDUP_WINDOW_SECONDS",
	"LOG_LEVEL", "LOG_FORMAT",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST",
	"FACILITY_RATE_LIMIT_PER_MIN", "FACILITY_RATE_LIMIT_BURST",
	"QMS_API_URL",
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DRIVER", DriverMemory)
	v.SetDefault("SQLITE_PATH", "data/queue-sync.db")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_EMBEDDED", false)
	v.SetDefault("NATS_PORT", 4222)
	v.SetDefault("FALLBACK_WINDOW_SECONDS", 5)
	v.SetDefault("DEDUP_WINDOW_SECONDS", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("FACILITY_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("FACILITY_RATE_LIMIT_BURST", 120)
	v.SetDefault("QMS_API_URL", "http://localhost:8080")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.NATSEmbedded && c.NATSURL != "" {
		return fmt.Errorf("NATS_URL and NATS_EMBEDDED are mutually exclusive")
	}
	return nil
}

func (c *Config) FallbackWindow() time.Duration {
	return seconds(c.FallbackWindowSeconds, 5)
}

func (c *Config) DedupWindow() time.Duration {
	return seconds(c.DedupWindowSeconds, 30)
}

func seconds(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
