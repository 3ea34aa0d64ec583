// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// HardMaxTTL caps every configurable lifetime.
const HardMaxTTL = 90 * 24 * time.Hour

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Posts     PostsConfig     `yaml:"posts"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
	Bolt  BoltConfig  `yaml:"bolt"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

type SecretsConfig struct {
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	MaxTTL       time.Duration `yaml:"max_ttl"`
	DefaultReads int           `yaml:"default_reads"`
	// MaxReads of 0 leaves the read budget uncapped.
	MaxReads       int       `yaml:"max_reads"`
	MaxUploadBytes int64     `yaml:"max_upload_bytes"`
	KDFConcurrency int       `yaml:"kdf_concurrency"`
	KDF            KDFConfig `yaml:"kdf"`
}

// KDFConfig holds the scrypt cost written into new frames.
type KDFConfig struct {
	LogN uint8 `yaml:"log_n"`
	R    uint8 `yaml:"r"`
	P    uint8 `yaml:"p"`
}

type PostsConfig struct {
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	MaxTTL           time.Duration `yaml:"max_ttl"`
	MaxTitleLength   int           `yaml:"max_title_length"`
	MaxContentLength int           `yaml:"max_content_length"`
	MaxAuthorLength  int           `yaml:"max_author_length"`
	MaxCommentLength int           `yaml:"max_comment_length"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	DecodePerMin   int  `yaml:"decode_per_min"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxAge         int      `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
			Bolt: BoltConfig{
				Path: "data/cipher-share.db",
			},
		},
		Secrets: SecretsConfig{
			DefaultTTL:     24 * time.Hour,
			MaxTTL:         HardMaxTTL,
			DefaultReads:   1,
			MaxReads:       0,
			MaxUploadBytes: 16 << 20,
			KDFConcurrency: 4,
			KDF:            KDFConfig{LogN: 14, R: 8, P: 1},
		},
		Posts: PostsConfig{
			DefaultTTL:       HardMaxTTL,
			MaxTTL:           HardMaxTTL,
			MaxTitleLength:   200,
			MaxContentLength: 10000,
			MaxAuthorLength:  100,
			MaxCommentLength: 2000,
		},
		Sweeper: SweeperConfig{
			Interval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 100,
			DecodePerMin:   20,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			MaxAge:         86400,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, the YAML file at path, a .env file in the working
// directory and the process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// loadDotEnv never overrides variables already set in the environment.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading env file: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}

	// Store
	if v := os.Getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}
	if v := os.Getenv("BOLT_PATH"); v != "" {
		c.Store.Bolt.Path = v
	}

	// Secrets
	envDuration("DEFAULT_TTL", &c.Secrets.DefaultTTL)
	envDuration("MAX_TTL", &c.Secrets.MaxTTL)
	envInt("DEFAULT_READS", &c.Secrets.DefaultReads)
	envInt("MAX_READS", &c.Secrets.MaxReads)
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Secrets.MaxUploadBytes = n
		}
	}
	envInt("KDF_CONCURRENCY", &c.Secrets.KDFConcurrency)

	// Posts
	envDuration("POST_DEFAULT_TTL", &c.Posts.DefaultTTL)
	envDuration("POST_MAX_TTL", &c.Posts.MaxTTL)

	envDuration("SWEEP_INTERVAL", &c.Sweeper.Interval)

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	envInt("RATE_LIMIT_REQUESTS", &c.RateLimit.RequestsPerMin)
	envInt("RATE_LIMIT_DECODE", &c.RateLimit.DecodePerMin)

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORS.AllowedOrigins = origins
	}

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when store type is 'redis'")
		}
	case "bolt":
		if c.Store.Bolt.Path == "" {
			return fmt.Errorf("bolt path is required when store type is 'bolt'")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'redis' or 'bolt')", c.Store.Type)
	}

	if err := validateTTL("secrets", c.Secrets.DefaultTTL, c.Secrets.MaxTTL); err != nil {
		return err
	}

	if c.Secrets.DefaultReads < 0 {
		return fmt.Errorf("default_reads must not be negative")
	}

	if c.Secrets.MaxReads < 0 {
		return fmt.Errorf("max_reads must not be negative")
	}

	if c.Secrets.MaxReads > 0 && (c.Secrets.DefaultReads == 0 || c.Secrets.DefaultReads > c.Secrets.MaxReads) {
		return fmt.Errorf("default_reads must be within max_reads")
	}

	if c.Secrets.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}

	if c.Secrets.KDFConcurrency < 1 {
		return fmt.Errorf("kdf_concurrency must be at least 1")
	}

	if err := validateTTL("posts", c.Posts.DefaultTTL, c.Posts.MaxTTL); err != nil {
		return err
	}

	if c.Posts.MaxTitleLength < 1 || c.Posts.MaxContentLength < 1 ||
		c.Posts.MaxAuthorLength < 1 || c.Posts.MaxCommentLength < 1 {
		return fmt.Errorf("post length limits must be positive")
	}

	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper interval must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerMin < 1 || c.RateLimit.DecodePerMin < 1) {
		return fmt.Errorf("rate limits must be positive when enabled")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/'")
	}

	return nil
}

func validateTTL(section string, def, max time.Duration) error {
	if def < time.Second {
		return fmt.Errorf("%s default_ttl must be at least 1s", section)
	}

	if max < def {
		return fmt.Errorf("%s max_ttl must be >= default_ttl", section)
	}

	if max > HardMaxTTL {
		return fmt.Errorf("%s max_ttl must not exceed %s", section, HardMaxTTL)
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
