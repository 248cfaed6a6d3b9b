// Package config loads the extraction service configuration from defaults,
// an optional YAML file, an optional .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig mirrors the process-manager settings the service runs with.
type ServerConfig struct {
	Host              string        `yaml:"host" env:"HOST"`
	Port              int           `yaml:"port" env:"PORT"`
	Workers           int           `yaml:"workers" env:"WORKERS"`
	Threads           int           `yaml:"threads" env:"THREADS"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	// Only set behind a proxy that overwrites X-Forwarded-For.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
}

type CORSConfig struct {
	// Comma-separated in CORS_ALLOWED_ORIGINS.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig limits requests per client IP. Zero RequestsPerSecond disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

type ExtractionConfig struct {
	Layout     bool    `yaml:"layout" env:"EXTRACT_LAYOUT"`
	XTolerance float64 `yaml:"x_tolerance" env:"EXTRACT_X_TOLERANCE"`
	YTolerance float64 `yaml:"y_tolerance" env:"EXTRACT_Y_TOLERANCE"`
	XDensity   float64 `yaml:"x_density" env:"EXTRACT_X_DENSITY"`
	YDensity   float64 `yaml:"y_density" env:"EXTRACT_Y_DENSITY"`
}

type CacheConfig struct {
	Backend  string        `yaml:"backend" env:"CACHE_BACKEND"`
	Size     int           `yaml:"size" env:"CACHE_SIZE"`
	TTL      time.Duration `yaml:"ttl" env:"CACHE_TTL"`
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
}

type AuditConfig struct {
	Enabled       bool   `yaml:"enabled" env:"AUDIT_ENABLED"`
	DatabaseURL   string `yaml:"database_url" env:"DATABASE_URL"`
	RunMigrations bool   `yaml:"run_migrations" env:"AUDIT_RUN_MIGRATIONS"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	CORS       CORSConfig       `yaml:"cors"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	Log        LogConfig        `yaml:"log"`
}

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Default returns the configuration the container image ships with:
// 2 workers x 4 threads on :8080 with a 120s request timeout.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "",
			Port:              8080,
			Workers:           2,
			Threads:           4,
			RequestTimeout:    120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxUploadBytes:    32 << 20,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 0,
			Burst:             10,
		},
		Extraction: ExtractionConfig{
			Layout:     true,
			XTolerance: 2,
			YTolerance: 2,
			XDensity:   7.25,
			YDensity:   13,
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			Size:    256,
			TTL:     time.Hour,
		},
		Audit: AuditConfig{
			RunMigrations: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty; envFile may be empty, in
// which case a ".env" in the working directory is loaded when present.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if raw, ok := os.LookupEnv("CORS_ALLOWED_ORIGINS"); ok {
		cfg.CORS.AllowedOrigins = splitAndTrimCSV(raw)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func loadDotEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func splitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func (c *Config) normalize() {
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	origins := c.CORS.AllowedOrigins[:0]
	for _, o := range c.CORS.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORS.AllowedOrigins = origins
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	s := c.Server
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", s.Port)
	}
	if s.Workers < 1 {
		return fmt.Errorf("server.workers must be at least 1")
	}
	if s.Threads < 1 {
		return fmt.Errorf("server.threads must be at least 1")
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if s.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}

	e := c.Extraction
	if e.XTolerance < 0 || e.YTolerance < 0 {
		return fmt.Errorf("extraction tolerances must not be negative")
	}
	if e.XDensity <= 0 || e.YDensity <= 0 {
		return fmt.Errorf("extraction densities must be positive")
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}

	switch c.Cache.Backend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == CacheMemory && c.Cache.Size < 1 {
		return fmt.Errorf("cache.size must be at least 1")
	}

	if c.Audit.Enabled && c.Audit.DatabaseURL == "" {
		return fmt.Errorf("audit.database_url is required when audit is enabled")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// MaxConcurrent is the number of extractions allowed to run at once.
func (c *Config) MaxConcurrent() int {
	return c.Server.Workers * c.Server.Threads
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
