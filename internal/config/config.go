package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Env       string
	LogLevel  zerolog.Level
	Server    ServerConfig
	Store     StoreConfig
	Transport TransportConfig
	Widget    WidgetConfig
	Sessions  SessionConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	storeCfg, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	transport, err := loadTransportConfig()
	if err != nil {
		return nil, err
	}

	widget, err := loadWidgetConfig()
	if err != nil {
		return nil, err
	}

	sessions, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(getEnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL value: %w", err)
	}

	return &Config{
		Env:       getEnvOrDefault("ENV", "development"),
		LogLevel:  level,
		Server:    server,
		Store:     storeCfg,
		Transport: transport,
		Widget:    widget,
		Sessions:  sessions,
	}, nil
}

// IsDevelopment 表示是否运行在开发模式。
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// 会话存储后端
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// StoreConfig 描述会话存储配置。
type StoreConfig struct {
	Backend      string
	RedisURL     string
	SQLitePath   string
	SessionTTL   time.Duration
	HistoryLimit int
}

func loadStoreConfig() (StoreConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("LIVECHAT_STORE", StoreMemory))
	switch backend {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return StoreConfig{}, fmt.Errorf("invalid LIVECHAT_STORE value %q", backend)
	}

	ttl, err := parseDurationEnv("LIVECHAT_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return StoreConfig{}, err
	}

	historyLimit := 100
	if override, err := parseOptionalIntEnv("LIVECHAT_HISTORY_LIMIT"); err != nil {
		return StoreConfig{}, err
	} else if override != nil {
		if *override < 1 {
			historyLimit = 1
		} else {
			historyLimit = *override
		}
	}

	cfg := StoreConfig{
		Backend:      backend,
		RedisURL:     strings.TrimSpace(os.Getenv("REDIS_URL")),
		SQLitePath:   getEnvOrDefault("SQLITE_PATH", "livechat.db"),
		SessionTTL:   ttl,
		HistoryLimit: historyLimit,
	}

	if cfg.Backend == StoreRedis && cfg.RedisURL == "" {
		return StoreConfig{}, fmt.Errorf("REDIS_URL is required when LIVECHAT_STORE=redis")
	}

	return cfg, nil
}

// TransportConfig 描述实时通道配置。
type TransportConfig struct {
	URL          string
	PollInterval time.Duration
}

// Enabled 表示是否配置了实时通道地址。
func (c TransportConfig) Enabled() bool {
	return c.URL != ""
}

func loadTransportConfig() (TransportConfig, error) {
	interval, err := parseDurationEnv("LIVECHAT_POLL_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return TransportConfig{}, err
	}
	if interval <= 0 {
		return TransportConfig{}, fmt.Errorf("LIVECHAT_POLL_INTERVAL must be positive, got %s", interval)
	}

	return TransportConfig{
		URL:          strings.TrimSpace(os.Getenv("LIVECHAT_TRANSPORT_URL")),
		PollInterval: interval,
	}, nil
}

// WidgetConfig 描述聊天组件行为。
type WidgetConfig struct {
	AutoOpenOnAdmin bool
}

func loadWidgetConfig() (WidgetConfig, error) {
	autoOpen, err := parseBoolEnv("LIVECHAT_AUTO_OPEN", true)
	if err != nil {
		return WidgetConfig{}, err
	}
	return WidgetConfig{AutoOpenOnAdmin: autoOpen}, nil
}

// SessionConfig 描述访客会话的生命周期。
type SessionConfig struct {
	// IdleTimeout 为 0 时不回收空闲会话。
	IdleTimeout time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	idle, err := parseDurationEnv("LIVECHAT_IDLE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}
	if idle < 0 {
		return SessionConfig{}, fmt.Errorf("LIVECHAT_IDLE_TIMEOUT must not be negative, got %s", idle)
	}
	return SessionConfig{IdleTimeout: idle}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
