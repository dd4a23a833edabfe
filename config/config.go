package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full gateway configuration. Values are loaded from an
// optional JSON file and then overridden from the environment.
type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	UpstreamConfig UpstreamConfig `json:"upstream"`
	DepthConfig    DepthConfig    `json:"depth"`
	RedisConfig    RedisConfig    `json:"redis"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ServerConfig holds the downstream HTTP/WS server configuration.
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // comma-separated; "*" in development
	ProductionMode  bool   `json:"production_mode"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// UpstreamConfig holds the exchange endpoints.
type UpstreamConfig struct {
	RESTBaseURL string `json:"rest_base_url"` // e.g. https://fapi.binance.com
	WSBaseURL   string `json:"ws_base_url"`   // e.g. wss://fstream.binance.com
	TestNet     bool   `json:"testnet"`
}

// DepthConfig holds the tunables of the snapshot/diff pipeline. All
// durations are in milliseconds to match the upstream's own units.
type DepthConfig struct {
	CacheTTLMs          int `json:"cache_ttl_ms"`
	RateLimitIntervalMs int `json:"rate_limit_interval_ms"`
	MinBackoffMs        int `json:"min_backoff_ms"`
	MaxBackoffMs        int `json:"max_backoff_ms"`
	MaxBuffer           int `json:"max_buffer"`
	MaxReconnectDelayMs int `json:"max_reconnect_delay_ms"`
	SnapshotTimeoutSecs int `json:"snapshot_timeout_secs"`
	SchedulerTickMs     int `json:"scheduler_tick_ms"`
	BookGracePeriodSecs int `json:"book_grace_period_secs"`
}

// RedisConfig holds the optional L2 snapshot cache configuration. When
// disabled the gateway runs purely on its in-memory cache.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

// Load reads config.json if present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerConfig.Port)
	}
	if !strings.HasPrefix(c.UpstreamConfig.RESTBaseURL, "http") {
		return fmt.Errorf("invalid upstream REST base URL %q", c.UpstreamConfig.RESTBaseURL)
	}
	if !strings.HasPrefix(c.UpstreamConfig.WSBaseURL, "ws") {
		return fmt.Errorf("invalid upstream WS base URL %q", c.UpstreamConfig.WSBaseURL)
	}
	if c.DepthConfig.MinBackoffMs > c.DepthConfig.MaxBackoffMs {
		return fmt.Errorf("min backoff %dms exceeds max backoff %dms",
			c.DepthConfig.MinBackoffMs, c.DepthConfig.MaxBackoffMs)
	}
	if c.DepthConfig.MaxBuffer <= 0 {
		return fmt.Errorf("max buffer must be positive, got %d", c.DepthConfig.MaxBuffer)
	}
	return nil
}

// AllowedOriginList splits the configured origins. An empty list with
// "*" configured means any origin is allowed.
func (c *ServerConfig) AllowedOriginList() []string {
	if c.AllowedOrigins == "" || c.AllowedOrigins == "*" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// CacheTTL returns the snapshot freshness window.
func (c *DepthConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// RateLimitInterval returns the minimum spacing between upstream REST calls.
func (c *DepthConfig) RateLimitInterval() time.Duration {
	return time.Duration(c.RateLimitIntervalMs) * time.Millisecond
}

// MinBackoff returns the backoff floor.
func (c *DepthConfig) MinBackoff() time.Duration {
	return time.Duration(c.MinBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff ceiling.
func (c *DepthConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// MaxReconnectDelay returns the reconnect delay ceiling for the upstream WS.
func (c *DepthConfig) MaxReconnectDelay() time.Duration {
	return time.Duration(c.MaxReconnectDelayMs) * time.Millisecond
}

// SnapshotTimeout returns the hard deadline for one snapshot fetch.
func (c *DepthConfig) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutSecs) * time.Second
}

// SchedulerTick returns the resync scheduler period.
func (c *DepthConfig) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickMs) * time.Millisecond
}

// BookGracePeriod returns how long an unsubscribed book is retained.
func (c *DepthConfig) BookGracePeriod() time.Duration {
	return time.Duration(c.BookGracePeriodSecs) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("GATEWAY_PORT", defaultInt(cfg.ServerConfig.Port, 8787))
	cfg.ServerConfig.Host = getEnvOrDefault("GATEWAY_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("GATEWAY_ALLOWED_ORIGINS", defaultStr(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("GATEWAY_PRODUCTION", "false") == "true"
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("GATEWAY_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("GATEWAY_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("GATEWAY_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 2))

	// Upstream config
	cfg.UpstreamConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", "false") == "true"
	restDefault := "https://fapi.binance.com"
	wsDefault := "wss://fstream.binance.com"
	if cfg.UpstreamConfig.TestNet {
		restDefault = "https://testnet.binancefuture.com"
		wsDefault = "wss://stream.binancefuture.com"
	}
	cfg.UpstreamConfig.RESTBaseURL = getEnvOrDefault("BINANCE_REST_URL", defaultStr(cfg.UpstreamConfig.RESTBaseURL, restDefault))
	cfg.UpstreamConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_URL", defaultStr(cfg.UpstreamConfig.WSBaseURL, wsDefault))

	// Depth pipeline config
	cfg.DepthConfig.CacheTTLMs = getEnvIntOrDefault("DEPTH_CACHE_TTL_MS", defaultInt(cfg.DepthConfig.CacheTTLMs, 5000))
	cfg.DepthConfig.RateLimitIntervalMs = getEnvIntOrDefault("DEPTH_RATE_LIMIT_INTERVAL_MS", defaultInt(cfg.DepthConfig.RateLimitIntervalMs, 500))
	cfg.DepthConfig.MinBackoffMs = getEnvIntOrDefault("DEPTH_MIN_BACKOFF_MS", defaultInt(cfg.DepthConfig.MinBackoffMs, 2000))
	cfg.DepthConfig.MaxBackoffMs = getEnvIntOrDefault("DEPTH_MAX_BACKOFF_MS", defaultInt(cfg.DepthConfig.MaxBackoffMs, 30000))
	cfg.DepthConfig.MaxBuffer = getEnvIntOrDefault("DEPTH_MAX_BUFFER", defaultInt(cfg.DepthConfig.MaxBuffer, 2000))
	cfg.DepthConfig.MaxReconnectDelayMs = getEnvIntOrDefault("DEPTH_MAX_RECONNECT_DELAY_MS", defaultInt(cfg.DepthConfig.MaxReconnectDelayMs, 30000))
	cfg.DepthConfig.SnapshotTimeoutSecs = getEnvIntOrDefault("DEPTH_SNAPSHOT_TIMEOUT_SECS", defaultInt(cfg.DepthConfig.SnapshotTimeoutSecs, 10))
	cfg.DepthConfig.SchedulerTickMs = getEnvIntOrDefault("DEPTH_SCHEDULER_TICK_MS", defaultInt(cfg.DepthConfig.SchedulerTickMs, 100))
	cfg.DepthConfig.BookGracePeriodSecs = getEnvIntOrDefault("DEPTH_BOOK_GRACE_PERIOD_SECS", defaultInt(cfg.DepthConfig.BookGracePeriodSecs, 60))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func defaultStr(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}
