package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Language   LanguageConfig   `mapstructure:"language_service"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Media      MediaConfig      `mapstructure:"media"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// LanguageConfig points at an OpenAI-compatible endpoint
type LanguageConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	Model              string        `mapstructure:"model"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
	Temperature        float64       `mapstructure:"temperature"`
	MaxTokens          int           `mapstructure:"max_tokens"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	Burst              int           `mapstructure:"burst"`
	MaxConcurrency     int64         `mapstructure:"max_concurrency"`
	SmartReplyContext  int           `mapstructure:"smart_reply_context"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// RemoteConfig selects the remote document store
type RemoteConfig struct {
	Type  string      `mapstructure:"type"`
	Mongo MongoConfig `mapstructure:"mongo"`
}

type MongoConfig struct {
	URI        string        `mapstructure:"uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SyncConfig drives the optional headless sync session of the server
type SyncConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	UserID        string        `mapstructure:"user_id"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MessageWindow int           `mapstructure:"message_window"`
}

type CacheConfig struct {
	Enabled         bool                     `mapstructure:"enabled"`
	MemoryTTL       time.Duration            `mapstructure:"memory_ttl"`
	MaxSize         int                      `mapstructure:"max_size"`
	CleanupInterval time.Duration            `mapstructure:"cleanup_interval"`
	TTL             map[string]time.Duration `mapstructure:"ttl"`
}

// TTLFor returns the durable TTL of an operation, falling back to defaults
func (c CacheConfig) TTLFor(operation string) time.Duration {
	if ttl, ok := c.TTL[operation]; ok && ttl > 0 {
		return ttl
	}
	if ttl, ok := DefaultCacheTTL[operation]; ok {
		return ttl
	}
	return 24 * time.Hour
}

// DefaultCacheTTL holds the TTL class of every AI operation
var DefaultCacheTTL = map[string]time.Duration{
	"translate":        30 * 24 * time.Hour,
	"detect_language":  30 * 24 * time.Hour,
	"cultural_context": 7 * 24 * time.Hour,
	"formality":        7 * 24 * time.Hour,
	"extract_entities": 7 * 24 * time.Hour,
	"transcribe":       30 * 24 * time.Hour,
	"smart_replies":    10 * time.Minute,
}

type RateLimitConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Window      time.Duration  `mapstructure:"window"`
	MaxRequests int            `mapstructure:"max_requests"`
	Operations  map[string]int `mapstructure:"operations"`
	IdleTTL     time.Duration  `mapstructure:"idle_ttl"`
}

// LimitFor returns the per-window budget of an operation
func (c RateLimitConfig) LimitFor(operation string) int {
	if n, ok := c.Operations[operation]; ok && n > 0 {
		return n
	}
	return c.MaxRequests
}

type MediaConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	MaxBytes  int64  `mapstructure:"max_bytes"`
}

type JobsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CacheSweep   string `mapstructure:"cache_sweep"`
	CounterSweep string `mapstructure:"counter_sweep"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Secrets and endpoints usually come from the environment
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("language_service.base_url", "LS_BASE_URL")
	_ = v.BindEnv("language_service.api_key", "LS_API_KEY")
	_ = v.BindEnv("language_service.model", "LS_MODEL")
	_ = v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("storage.redis.db", "REDIS_DB")
	_ = v.BindEnv("remote.mongo.uri", "MONGO_URI")
	_ = v.BindEnv("media.access_key", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("media.secret_key", "MINIO_SECRET_KEY")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := v.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := v.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("language_service.temperature", 0.1)
	v.SetDefault("language_service.max_tokens", 1024)
	v.SetDefault("language_service.timeout", 25*time.Second)
	v.SetDefault("language_service.max_attempts", 1)
	v.SetDefault("language_service.requests_per_second", 10)
	v.SetDefault("language_service.burst", 20)
	v.SetDefault("language_service.max_concurrency", 8)
	v.SetDefault("language_service.smart_reply_context", 10)
	v.SetDefault("language_service.transcription_model", "whisper-1")
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.prefix", "lingosync:")
	v.SetDefault("storage.memory.default_expiration", time.Duration(0))
	v.SetDefault("storage.memory.cleanup_interval", 10*time.Minute)
	v.SetDefault("remote.type", "memory")
	v.SetDefault("remote.mongo.database", "lingosync")
	v.SetDefault("remote.mongo.collection", "documents")
	v.SetDefault("remote.mongo.timeout", 10*time.Second)
	v.SetDefault("sync.write_timeout", 15*time.Second)
	v.SetDefault("sync.message_window", 50)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.memory_ttl", 5*time.Minute)
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.cleanup_interval", time.Minute)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.window", time.Hour)
	v.SetDefault("rate_limit.max_requests", 100)
	v.SetDefault("rate_limit.idle_ttl", 2*time.Hour)
	v.SetDefault("media.max_bytes", 25<<20)
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.cache_sweep", "@every 10m")
	v.SetDefault("jobs.counter_sweep", "@every 30m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")
	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.directory", "configs/i18n")
}

func validateConfig(cfg *Config) error {
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if cfg.Language.BaseURL == "" {
		return fmt.Errorf("language service base url is required")
	}
	switch cfg.Storage.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	switch cfg.Remote.Type {
	case "memory":
	case "mongo":
		if cfg.Remote.Mongo.URI == "" {
			return fmt.Errorf("mongo uri is required for the mongo remote")
		}
	default:
		return fmt.Errorf("unsupported remote type: %s", cfg.Remote.Type)
	}
	if cfg.Sync.Enabled && cfg.Sync.UserID == "" {
		return fmt.Errorf("sync.user_id is required when sync is enabled")
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.Window <= 0 || cfg.RateLimit.MaxRequests <= 0) {
		return fmt.Errorf("rate limit window and max_requests must be positive")
	}
	if cfg.Media.Enabled && cfg.Media.Bucket == "" {
		return fmt.Errorf("media bucket is required when media is enabled")
	}
	return nil
}
