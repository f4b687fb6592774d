// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat relay.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Defaults applied when a setting is missing or invalid.
const (
	DefaultChatAddr     = "127.0.0.1:8080"
	DefaultHTTPAddr     = "127.0.0.1:8081"
	DefaultIdleTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxFrameSize = 4096
	DefaultHubCapacity  = 100
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A zero Burst disables the limiter.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay settings.
type Config struct {
	ChatAddr       string
	HTTPAddr       string
	AllowedOrigins []string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   int
	HubCapacity    int
	RateLimit      RateLimitConfig
	LogLevel       string
}

func defaultConfig() Config {
	return Config{
		ChatAddr: DefaultChatAddr,
		HTTPAddr: DefaultHTTPAddr,
		AllowedOrigins: []string{
			"http://localhost:8081",
		},
		IdleTimeout:  DefaultIdleTimeout,
		WriteTimeout: DefaultWriteTimeout,
		MaxFrameSize: DefaultMaxFrameSize,
		HubCapacity:  DefaultHubCapacity,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		LogLevel: "info",
	}
}

// sanitize replaces missing or out-of-range values with defaults.
func (cfg Config) sanitize() Config {
	if cfg.ChatAddr == "" {
		cfg.ChatAddr = DefaultChatAddr
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}

	if cfg.HubCapacity <= 0 {
		cfg.HubCapacity = DefaultHubCapacity
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset or unparsable.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	if addr := os.Getenv("CHAT_ADDR"); addr != "" {
		cfg.ChatAddr = addr
	}

	// An explicitly empty HTTP_ADDR disables the HTTP listener.
	if addr, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = strings.TrimSpace(addr)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		cfg.IdleTimeout = parseDuration(v, cfg.IdleTimeout)
	}

	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		cfg.WriteTimeout = parseDuration(v, cfg.WriteTimeout)
	}

	if v := os.Getenv("MAX_FRAME_SIZE"); v != "" {
		cfg.MaxFrameSize = parseIntValue(v, cfg.MaxFrameSize)
	}

	if v := os.Getenv("HUB_CAPACITY"); v != "" {
		cfg.HubCapacity = parseIntValue(v, cfg.HubCapacity)
	}

	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = parseIntValue(v, cfg.RateLimit.Burst)
	}

	if v := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		cfg.RateLimit.RefillInterval = parseDuration(v, cfg.RateLimit.RefillInterval)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none are
// given) into the process environment. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

type fileConfig struct {
	ChatAddr       string   `yaml:"chat_addr"`
	HTTPAddr       *string  `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	IdleTimeout    string   `yaml:"idle_timeout"`
	WriteTimeout   string   `yaml:"write_timeout"`
	MaxFrameSize   int      `yaml:"max_frame_size"`
	HubCapacity    int      `yaml:"hub_capacity"`
	RateLimit      struct {
		Burst          int    `yaml:"burst"`
		RefillInterval string `yaml:"refill_interval"`
	} `yaml:"rate_limit"`
	LogLevel string `yaml:"log_level"`
}

// LoadConfigFile reads a YAML configuration file and then applies environment
// overrides on top of it. Durations are Go duration strings ("30s") or whole
// seconds.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := parseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func parseConfigYAML(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if fc.ChatAddr != "" {
		cfg.ChatAddr = fc.ChatAddr
	}
	if fc.HTTPAddr != nil {
		cfg.HTTPAddr = strings.TrimSpace(*fc.HTTPAddr)
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.IdleTimeout != "" {
		cfg.IdleTimeout = parseDuration(fc.IdleTimeout, cfg.IdleTimeout)
	}
	if fc.WriteTimeout != "" {
		cfg.WriteTimeout = parseDuration(fc.WriteTimeout, cfg.WriteTimeout)
	}
	if fc.MaxFrameSize > 0 {
		cfg.MaxFrameSize = fc.MaxFrameSize
	}
	if fc.HubCapacity > 0 {
		cfg.HubCapacity = fc.HubCapacity
	}
	if fc.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = fc.RateLimit.Burst
	}
	if fc.RateLimit.RefillInterval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(fc.RateLimit.RefillInterval, cfg.RateLimit.RefillInterval)
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(fc.LogLevel)
	}
	return &cfg, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts "1500ms"-style strings or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
