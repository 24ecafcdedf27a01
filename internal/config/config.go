package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/joshdurbin/linkbottle/internal/cache"
	"github.com/joshdurbin/linkbottle/internal/clicks"
	"github.com/joshdurbin/linkbottle/internal/fetcher"
	"github.com/joshdurbin/linkbottle/internal/logging"
	"github.com/joshdurbin/linkbottle/internal/safety"
	"github.com/joshdurbin/linkbottle/internal/shortener"
)

// Store drivers
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Cache drivers
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Cache     CacheConfig      `yaml:"cache"`
	Clicks    clicks.Config    `yaml:"clicks"`
	Shortener shortener.Config `yaml:"shortener"`
	Fetcher   fetcher.Config   `yaml:"fetcher"`
	Safety    safety.Config    `yaml:"safety"`
	Logging   logging.Config   `yaml:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port    string `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	BaseURL string `yaml:"base_url" env:"BASE_URL" env-default:"http://localhost:8080/"`
}

// StoreConfig selects and configures the durable store
type StoreConfig struct {
	Driver   string `yaml:"driver" env:"STORE_DRIVER" env-default:"sqlite"`
	Path     string `yaml:"path" env:"STORE_PATH" env-default:"linkbottle.db"`
	DSN      string `yaml:"dsn" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns" env:"STORE_MAX_CONNS" env-default:"10"`
}

// CacheConfig selects and configures the cache store
type CacheConfig struct {
	Driver          string        `yaml:"driver" env:"CACHE_DRIVER" env-default:"memory"`
	RedisURL        string        `yaml:"redis_url" env:"REDIS_URL"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CACHE_CLEANUP_INTERVAL" env-default:"1m"`
	LinkTTL         time.Duration `yaml:"link_ttl" env:"CACHE_LINK_TTL" env-default:"300s"`
	ListTTL         time.Duration `yaml:"list_ttl" env:"CACHE_LIST_TTL" env-default:"300s"`
	QRTTL           time.Duration `yaml:"qr_ttl" env:"CACHE_QR_TTL" env-default:"3600s"`
	FenceTTL        time.Duration `yaml:"fence_ttl" env:"CACHE_FENCE_TTL" env-default:"2s"`
}

// Options returns the resolution cache TTLs
func (c CacheConfig) Options() cache.Options {
	return cache.Options{
		LinkTTL:  c.LinkTTL,
		ListTTL:  c.ListTTL,
		QRTTL:    c.QRTTL,
		FenceTTL: c.FenceTTL,
	}
}

// Load reads the configuration like Read and validates it
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Read loads a .env file when present, then the YAML file at path (if given)
// with environment overrides, or the environment alone
func Read(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server base URL cannot be empty")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server base URL must be an absolute http(s) URL, got: %q", c.Server.BaseURL)
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path cannot be empty")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store DSN cannot be empty")
		}
		if c.Store.MaxConns < 0 {
			return fmt.Errorf("store max conns cannot be negative, got: %d", c.Store.MaxConns)
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	switch c.Cache.Driver {
	case CacheMemory:
		if c.Cache.CleanupInterval <= 0 {
			return fmt.Errorf("cache cleanup interval must be positive, got: %v", c.Cache.CleanupInterval)
		}
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache redis URL cannot be empty")
		}
	default:
		return fmt.Errorf("unknown cache driver: %q", c.Cache.Driver)
	}

	ttls := []struct {
		name  string
		value time.Duration
	}{
		{"link", c.Cache.LinkTTL},
		{"list", c.Cache.ListTTL},
		{"qr", c.Cache.QRTTL},
		{"fence", c.Cache.FenceTTL},
	}
	for _, ttl := range ttls {
		if ttl.value <= 0 {
			return fmt.Errorf("cache %s TTL must be positive, got: %v", ttl.name, ttl.value)
		}
	}

	if c.Clicks.Interval <= 0 {
		return fmt.Errorf("click flush interval must be positive, got: %v", c.Clicks.Interval)
	}
	if c.Clicks.BatchSize <= 0 {
		return fmt.Errorf("click batch size must be positive, got: %d", c.Clicks.BatchSize)
	}

	if c.Shortener.Length <= 0 {
		return fmt.Errorf("shortener code length must be positive, got: %d", c.Shortener.Length)
	}
	if c.Shortener.MaxAttempts <= 0 {
		return fmt.Errorf("shortener max attempts must be positive, got: %d", c.Shortener.MaxAttempts)
	}

	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher timeout must be positive, got: %v", c.Fetcher.Timeout)
	}

	switch c.Logging.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}

	return nil
}
