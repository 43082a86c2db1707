package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Backend names accepted by CATALOG_BACKEND and BILL_BACKEND.
const (
	BackendOpenMRS  = "openmrs"
	BackendPostgres = "postgres"
)

// Cache backends accepted by CACHE_BACKEND.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	OpenMRSBaseURL     string        `mapstructure:"OPENMRS_BASE_URL"`
	OpenMRSUsername    string        `mapstructure:"OPENMRS_USERNAME"`
	OpenMRSPassword    string        `mapstructure:"OPENMRS_PASSWORD"`
	OpenMRSTimeout     time.Duration `mapstructure:"OPENMRS_TIMEOUT"`
	CatalogBackend     string        `mapstructure:"CATALOG_BACKEND"`
	BillBackend        string        `mapstructure:"BILL_BACKEND"`
	CacheBackend       string        `mapstructure:"CACHE_BACKEND"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	CacheTTL           time.Duration `mapstructure:"CACHE_TTL"`
	AMQPURL            string        `mapstructure:"AMQP_URL"`
	NotificationQueue  string        `mapstructure:"NOTIFICATION_QUEUE"`
	SearchDebounce     time.Duration `mapstructure:"SEARCH_DEBOUNCE"`
	CashPointUUID      string        `mapstructure:"CASH_POINT_UUID"`
	CashierUUID        string        `mapstructure:"CASHIER_UUID"`
	PriceUUID          string        `mapstructure:"PRICE_UUID"`
	PriceName          string        `mapstructure:"PRICE_NAME"`
	DefaultStockPrice  string        `mapstructure:"DEFAULT_STOCK_PRICE"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	SessionIdleTimeout time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"OPENMRS_BASE_URL", "OPENMRS_USERNAME", "OPENMRS_PASSWORD", "OPENMRS_TIMEOUT",
	"CATALOG_BACKEND", "BILL_BACKEND", "CACHE_BACKEND", "REDIS_URL", "CACHE_TTL",
	"AMQP_URL", "NOTIFICATION_QUEUE", "SEARCH_DEBOUNCE",
	"CASH_POINT_UUID", "CASHIER_UUID", "PRICE_UUID", "PRICE_NAME", "DEFAULT_STOCK_PRICE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "SESSION_IDLE_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("OPENMRS_TIMEOUT", "15s")
	v.SetDefault("CATALOG_BACKEND", BackendOpenMRS)
	v.SetDefault("BILL_BACKEND", BackendOpenMRS)
	v.SetDefault("CACHE_BACKEND", CacheMemory)
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("NOTIFICATION_QUEUE", "billing.notifications")
	v.SetDefault("SEARCH_DEBOUNCE", "300ms")
	v.SetDefault("CASH_POINT_UUID", "54065383-b4d4-42d2-af4d-d250a1fd2590")
	v.SetDefault("CASHIER_UUID", "f9badd80-ab76-11e2-9e96-0800200c9a66")
	v.SetDefault("PRICE_UUID", "7b9171ac-d3c1-49b4-beff-c9902aee5245")
	v.SetDefault("PRICE_NAME", "Default")
	v.SetDefault("DEFAULT_STOCK_PRICE", "10")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsPostgres reports whether any backend is served from Postgres.
func (c *Config) NeedsPostgres() bool {
	return c.CatalogBackend == BackendPostgres || c.BillBackend == BackendPostgres
}

// NeedsOpenMRS reports whether any backend is served by the OpenMRS REST API.
func (c *Config) NeedsOpenMRS() bool {
	return c.CatalogBackend == BackendOpenMRS || c.BillBackend == BackendOpenMRS
}

// Validate checks backend choices and the settings each one requires.
func (c *Config) Validate() error {
	for name, val := range map[string]string{"CATALOG_BACKEND": c.CatalogBackend, "BILL_BACKEND": c.BillBackend} {
		if val != BackendOpenMRS && val != BackendPostgres {
			return fmt.Errorf("%s must be %q or %q, got %q", name, BackendOpenMRS, BackendPostgres, val)
		}
	}
	if c.CacheBackend != CacheMemory && c.CacheBackend != CacheRedis {
		return fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", CacheMemory, CacheRedis, c.CacheBackend)
	}

	if c.NeedsPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when a postgres backend is selected")
	}
	if c.NeedsOpenMRS() && c.OpenMRSBaseURL == "" {
		return fmt.Errorf("OPENMRS_BASE_URL is required when an openmrs backend is selected")
	}
	if c.CacheBackend == CacheRedis && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is %q", CacheRedis)
	}
	if c.AMQPURL != "" && c.NotificationQueue == "" {
		return fmt.Errorf("NOTIFICATION_QUEUE is required when AMQP_URL is set")
	}

	if _, err := c.StockPrice(); err != nil {
		return err
	}
	if c.SearchDebounce < 0 {
		return fmt.Errorf("SEARCH_DEBOUNCE must not be negative")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive")
	}
	return nil
}

// StockPrice parses DEFAULT_STOCK_PRICE, the unit price applied to every
// stock item.
func (c *Config) StockPrice() (decimal.Decimal, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(c.DefaultStockPrice))
	if err != nil {
		return decimal.Zero, fmt.Errorf("DEFAULT_STOCK_PRICE is not a number: %w", err)
	}
	if p.IsNegative() {
		return decimal.Zero, fmt.Errorf("DEFAULT_STOCK_PRICE must not be negative")
	}
	return p, nil
}
