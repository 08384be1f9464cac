package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/ngoyal88/promptrelay/pkg/logging"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all the configuration for the relay.
// The structure tags (mapstructure) tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Proxy     ProxyConfig        `mapstructure:"proxy"`
	Capture   CaptureConfig      `mapstructure:"capture"`
	RateLimit RateLimitConfig    `mapstructure:"ratelimit"`
	Redis     RedisConfig        `mapstructure:"redis"`
	Auth      AuthConfig         `mapstructure:"auth"`
	Logging   logging.Config     `mapstructure:"logging"`
	Models    map[string]float64 `mapstructure:"models"` // USD per 1k input tokens
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// ProxyConfig controls the forwarding path.
type ProxyConfig struct {
	MaxBodyBytes          int64         `mapstructure:"max_body_bytes"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`

	// Upstreams overrides provider base URLs, keyed by lower-case provider id
	// ("openai", "anthropic", "google_ai").
	Upstreams map[string]string `mapstructure:"upstreams"`
}

// CaptureConfig controls the async capture pipeline.
type CaptureConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	APIBaseURL         string        `mapstructure:"api_base_url"`
	IngestPath         string        `mapstructure:"ingest_path"`
	PrimaryTimeout     time.Duration `mapstructure:"primary_timeout"`
	FallbackEnabled    bool          `mapstructure:"fallback_enabled"`
	FallbackTTL        time.Duration `mapstructure:"fallback_ttl"`
	MaxInflight        int64         `mapstructure:"max_inflight"`
	MaxResponseBytes   int64         `mapstructure:"max_response_bytes"`
	ConversationWindow time.Duration `mapstructure:"conversation_window"`
	EstimateTokens     bool          `mapstructure:"estimate_tokens"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore wraps an already built config, mostly for tests and tools.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Default returns the configuration used when no file overrides a key.
func Default() *Config {
	v := newViper()
	var cfg Config
	// Defaults alone always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadAndWatch loads ./configs/config.yaml and watches for on-disk changes.
func LoadAndWatch(logger *zap.Logger) (*Store, error) {
	v := newViper()
	v.AddConfigPath("./configs")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults")
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := refresh(v, store); err != nil {
			logger.Error("config reload failed", zap.Error(err))
		} else {
			logger.Info("config reloaded", zap.String("file", e.Name))
		}
	})

	return store, nil
}

// LoadFile loads a single config file once and does not watch it.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}
	return store.Get(), nil
}

// Model names contain dots, so "::" is the key delimiter.
func newViper() *viper.Viper {
	// ADMIN_KEY and friends may live in a .env written by relay-admin init.
	_ = godotenv.Load()

	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetEnvPrefix("PROMPTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	v.SetDefault("server::port", ":8080")

	v.SetDefault("proxy::max_body_bytes", 10<<20)
	v.SetDefault("proxy::response_header_timeout", "120s")

	v.SetDefault("capture::enabled", true)
	v.SetDefault("capture::api_base_url", "http://api:8081")
	v.SetDefault("capture::ingest_path", "/internal/prompt-usage")
	v.SetDefault("capture::primary_timeout", "5s")
	v.SetDefault("capture::fallback_enabled", true)
	v.SetDefault("capture::fallback_ttl", "24h")
	v.SetDefault("capture::max_inflight", 256)
	v.SetDefault("capture::max_response_bytes", 1<<20)
	v.SetDefault("capture::conversation_window", "300s")
	v.SetDefault("capture::estimate_tokens", false)

	v.SetDefault("ratelimit::enabled", true)
	v.SetDefault("ratelimit::requests_per_minute", 100)
	v.SetDefault("ratelimit::burst", 100)

	v.SetDefault("redis::address", "localhost:6379")
	v.SetDefault("redis::enabled", true)

	v.SetDefault("logging::level", "info")
	v.SetDefault("logging::format", "json")

	// Not a viper key: the admin tool writes a bare ADMIN_KEY into .env.
	_ = v.BindEnv("auth::admin_key", "PROMPTRELAY_AUTH_ADMIN_KEY", "ADMIN_KEY")

	return v
}

func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	store.set(&cfg)
	return nil
}

func (c *Config) validate() error {
	if c.Proxy.MaxBodyBytes <= 0 {
		return fmt.Errorf("proxy.max_body_bytes must be positive, got %d", c.Proxy.MaxBodyBytes)
	}
	if c.Capture.PrimaryTimeout <= 0 {
		return fmt.Errorf("capture.primary_timeout must be positive, got %s", c.Capture.PrimaryTimeout)
	}
	if c.Capture.FallbackTTL <= 0 {
		return fmt.Errorf("capture.fallback_ttl must be positive, got %s", c.Capture.FallbackTTL)
	}
	if c.Capture.ConversationWindow < time.Second {
		return fmt.Errorf("capture.conversation_window must be at least 1s, got %s", c.Capture.ConversationWindow)
	}
	return nil
}
