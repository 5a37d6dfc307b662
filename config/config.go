// Package config handles loading and validation of application configuration
// from environment variables (optionally seeded from a .env file).
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Environment represents the application's running environment (development or production).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"

	minJWTLength = 32

	// FCMScope is the OAuth2 scope the push gateway credential is minted with.
	FCMScope = "https://www.googleapis.com/auth/firebase.messaging"
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Environment    Environment `mapstructure:"ENVIRONMENT" yaml:"environment"`
	Port           string      `mapstructure:"PORT" yaml:"port"`
	AllowedOrigins []string    `mapstructure:"ALLOWED_ORIGINS" yaml:"allowed_origins"`
	Version        string      `mapstructure:"VERSION" yaml:"version"`
	JwtSecretKey   string      `mapstructure:"JWT_SECRET_KEY" yaml:"jwt_secret_key"`
}

// DatabaseConfig holds PostgreSQL database connection details.
type DatabaseConfig struct {
	Host           string `mapstructure:"HOST" yaml:"host"`
	Port           int    `mapstructure:"PORT" yaml:"port"`
	User           string `mapstructure:"USER" yaml:"user"`
	Password       string `mapstructure:"PASSWORD" yaml:"password"`
	Name           string `mapstructure:"NAME" yaml:"name"`
	MaxConnections int    `mapstructure:"MAX_CONNECTIONS" yaml:"max_connections"`
	SSLMode        string `mapstructure:"SSL_MODE" yaml:"ssl_mode"`
}

// URL returns a postgres:// connection URL usable by pgxpool and golang-migrate.
func (c *DatabaseConfig) URL() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		sslmode,
	)
}

// RedisConfig holds Redis connection details.
type RedisConfig struct {
	Address      string `mapstructure:"ADDRESS" yaml:"address"`
	Password     string `mapstructure:"PASSWORD" yaml:"password"`
	DB           int    `mapstructure:"DB" yaml:"db"`
	UseTLS       bool   `mapstructure:"USE_TLS" yaml:"use_tls"`
	PoolSize     int    `mapstructure:"POOL_SIZE" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"MIN_IDLE_CONNS" yaml:"min_idle_conns"`
}

// PushConfig configures the FCM HTTP v1 sender and the device token store.
type PushConfig struct {
	// ProjectID is the Firebase project the messages:send endpoint is scoped to
	ProjectID string `mapstructure:"PROJECT_ID" yaml:"project_id"`
	// CredentialsFile points at the service-account JSON used for the OAuth2 exchange
	CredentialsFile string `mapstructure:"CREDENTIALS_FILE" yaml:"credentials_file"`
	// BaseURL of the gateway, overridable for tests and emulators
	BaseURL string `mapstructure:"BASE_URL" yaml:"base_url"`
	// TimeoutSeconds bounds each per-token gateway call (default: 10)
	TimeoutSeconds int `mapstructure:"TIMEOUT_SECONDS" yaml:"timeout_seconds"`
	// MaxConcurrency is the number of in-flight per-token sends within one batch (default: 4)
	MaxConcurrency int `mapstructure:"MAX_CONCURRENCY" yaml:"max_concurrency"`
	// RatePerSecond paces outbound sends; 0 disables pacing
	RatePerSecond int `mapstructure:"RATE_PER_SECOND" yaml:"rate_per_second"`
	// CredentialSkewSeconds refreshes the cached credential this long before it expires
	CredentialSkewSeconds int `mapstructure:"CREDENTIAL_SKEW_SECONDS" yaml:"credential_skew_seconds"`
	// MaxTokensPerUser caps the per-user token set (default: 10)
	MaxTokensPerUser int `mapstructure:"MAX_TOKENS_PER_USER" yaml:"max_tokens_per_user"`
	// TokenCacheTTLSeconds is the TTL of the cached token list per user (default: 3600)
	TokenCacheTTLSeconds int `mapstructure:"TOKEN_CACHE_TTL_SECONDS" yaml:"token_cache_ttl_seconds"`
}

// Timeout returns the per-call gateway timeout.
func (c PushConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TokenCacheTTL returns the token list cache TTL.
func (c PushConfig) TokenCacheTTL() time.Duration {
	return time.Duration(c.TokenCacheTTLSeconds) * time.Second
}

// FanoutConfig holds settings for resolving "all users" broadcasts.
type FanoutConfig struct {
	// ChunkSize is how many users are resolved and sent per job (default: 100)
	ChunkSize int `mapstructure:"CHUNK_SIZE" yaml:"chunk_size"`
}

// RetryConfig holds the schedules and bounds for the retry and token hygiene jobs.
type RetryConfig struct {
	Enabled            bool   `mapstructure:"ENABLED" yaml:"enabled"`
	Schedule           string `mapstructure:"SCHEDULE" yaml:"schedule"`
	CleanupSchedule    string `mapstructure:"CLEANUP_SCHEDULE" yaml:"cleanup_schedule"`
	Timezone           string `mapstructure:"TIMEZONE" yaml:"timezone"`
	BatchSize          int    `mapstructure:"BATCH_SIZE" yaml:"batch_size"`
	MaxAttempts        int    `mapstructure:"MAX_ATTEMPTS" yaml:"max_attempts"`
	BackoffBaseSeconds int    `mapstructure:"BACKOFF_BASE_SECONDS" yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int    `mapstructure:"BACKOFF_MAX_SECONDS" yaml:"backoff_max_seconds"`
	CleanupChunkSize   int    `mapstructure:"CLEANUP_CHUNK_SIZE" yaml:"cleanup_chunk_size"`
	// PendingTimeoutSeconds is how long a row may stay PENDING before the retry
	// pass fails it (default: 600). Keep it above the worker job timeout.
	PendingTimeoutSeconds int `mapstructure:"PENDING_TIMEOUT_SECONDS" yaml:"pending_timeout_seconds"`
}

// WorkerPoolConfig holds configuration for the dispatch worker pool.
type WorkerPoolConfig struct {
	// MaxWorkers is the number of concurrent workers (default: 4)
	MaxWorkers int `mapstructure:"MAX_WORKERS" yaml:"max_workers"`
	// QueueSize is the maximum number of pending jobs (default: 1000)
	QueueSize int `mapstructure:"QUEUE_SIZE" yaml:"queue_size"`
	// ShutdownTimeoutSeconds is the max time to wait for workers during shutdown (default: 30)
	ShutdownTimeoutSeconds int `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS" yaml:"shutdown_timeout_seconds"`
	// JobTimeoutSeconds bounds a single dispatch job (default: 120)
	JobTimeoutSeconds int `mapstructure:"JOB_TIMEOUT_SECONDS" yaml:"job_timeout_seconds"`
}

// EmailConfig holds configuration for the mail notification channel.
type EmailConfig struct {
	FromAddress  string `mapstructure:"FROM_ADDRESS" yaml:"from_address"`
	FromName     string `mapstructure:"FROM_NAME" yaml:"from_name"`
	ResendAPIKey string `mapstructure:"RESEND_API_KEY" yaml:"resend_api_key"`
}

// KafkaConfig configures ingestion of order events.
type KafkaConfig struct {
	Enabled    bool     `mapstructure:"ENABLED" yaml:"enabled"`
	Brokers    []string `mapstructure:"BROKERS" yaml:"brokers"`
	OrderTopic string   `mapstructure:"ORDER_TOPIC" yaml:"order_topic"`
	GroupID    string   `mapstructure:"GROUP_ID" yaml:"group_id"`
}

// ChannelsConfig maps a notification type to the channels it is delivered through.
type ChannelsConfig struct {
	Routes map[string][]string `mapstructure:"ROUTES" yaml:"routes"`
}

// Config aggregates all application configuration sections.
type Config struct {
	Server     ServerConfig     `mapstructure:"SERVER" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"DATABASE" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"REDIS" yaml:"redis"`
	Push       PushConfig       `mapstructure:"PUSH" yaml:"push"`
	Fanout     FanoutConfig     `mapstructure:"FANOUT" yaml:"fanout"`
	Retry      RetryConfig      `mapstructure:"RETRY" yaml:"retry"`
	WorkerPool WorkerPoolConfig `mapstructure:"WORKER_POOL" yaml:"worker_pool"`
	Email      EmailConfig      `mapstructure:"EMAIL" yaml:"email"`
	Kafka      KafkaConfig      `mapstructure:"KAFKA" yaml:"kafka"`
	Channels   ChannelsConfig   `mapstructure:"CHANNELS" yaml:"channels"`
}

// IsProduction returns true if the application is running in production environment.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// DefaultChannelRoutes is used when CHANNELS.ROUTES is not configured.
func DefaultChannelRoutes() map[string][]string {
	return map[string][]string{
		"new_order":           {"push", "database"},
		"order_status_update": {"push", "database"},
		"broadcast":           {"push"},
		"test":                {"push"},
		"receipt":             {"mail", "database"},
	}
}

// bindEnvVars binds multiple environment variables to config keys.
// Format: []{configKey, envVar}
func bindEnvVars(v *viper.Viper, bindings [][2]string) error {
	for _, b := range bindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return fmt.Errorf("failed to bind %s: %w", b[0], err)
		}
	}
	return nil
}

// LoadConfig loads configuration from the environment using Viper, applying
// defaults and validating the result.
func LoadConfig() (*Config, error) {
	log := logger.GetLogger()

	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment overrides from .env")
	}

	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envBindings := [][2]string{
		{"SERVER.ENVIRONMENT", "SERVER_ENVIRONMENT"},
		{"SERVER.PORT", "PORT"},
		{"SERVER.ALLOWED_ORIGINS", "ALLOWED_ORIGINS"},
		{"SERVER.JWT_SECRET_KEY", "JWT_SECRET_KEY"},
		{"SERVER.VERSION", "VERSION"},
		{"DATABASE.HOST", "DB_HOST"},
		{"DATABASE.PORT", "DB_PORT"},
		{"DATABASE.USER", "DB_USER"},
		{"DATABASE.PASSWORD", "DB_PASSWORD"},
		{"DATABASE.NAME", "DB_NAME"},
		{"DATABASE.SSL_MODE", "DB_SSL_MODE"},
		{"REDIS.ADDRESS", "REDIS_ADDRESS"},
		{"REDIS.PASSWORD", "REDIS_PASSWORD"},
		{"REDIS.DB", "REDIS_DB"},
		{"REDIS.USE_TLS", "REDIS_USE_TLS"},
		{"PUSH.PROJECT_ID", "FCM_PROJECT_ID"},
		{"PUSH.CREDENTIALS_FILE", "FCM_CREDENTIALS_FILE"},
		{"PUSH.BASE_URL", "FCM_BASE_URL"},
		{"PUSH.TIMEOUT_SECONDS", "PUSH_TIMEOUT_SECONDS"},
		{"PUSH.MAX_CONCURRENCY", "PUSH_MAX_CONCURRENCY"},
		{"PUSH.RATE_PER_SECOND", "PUSH_RATE_PER_SECOND"},
		{"PUSH.CREDENTIAL_SKEW_SECONDS", "PUSH_CREDENTIAL_SKEW_SECONDS"},
		{"PUSH.MAX_TOKENS_PER_USER", "PUSH_MAX_TOKENS_PER_USER"},
		{"PUSH.TOKEN_CACHE_TTL_SECONDS", "PUSH_TOKEN_CACHE_TTL_SECONDS"},
		{"FANOUT.CHUNK_SIZE", "FANOUT_CHUNK_SIZE"},
		{"RETRY.ENABLED", "RETRY_ENABLED"},
		{"RETRY.SCHEDULE", "RETRY_SCHEDULE"},
		{"RETRY.CLEANUP_SCHEDULE", "RETRY_CLEANUP_SCHEDULE"},
		{"RETRY.MAX_ATTEMPTS", "RETRY_MAX_ATTEMPTS"},
		{"RETRY.BATCH_SIZE", "RETRY_BATCH_SIZE"},
		{"RETRY.PENDING_TIMEOUT_SECONDS", "RETRY_PENDING_TIMEOUT_SECONDS"},
		{"WORKER_POOL.MAX_WORKERS", "WORKER_POOL_MAX_WORKERS"},
		{"WORKER_POOL.QUEUE_SIZE", "WORKER_POOL_QUEUE_SIZE"},
		{"WORKER_POOL.SHUTDOWN_TIMEOUT_SECONDS", "WORKER_POOL_SHUTDOWN_TIMEOUT_SECONDS"},
		{"EMAIL.FROM_ADDRESS", "EMAIL_FROM_ADDRESS"},
		{"EMAIL.FROM_NAME", "EMAIL_FROM_NAME"},
		{"EMAIL.RESEND_API_KEY", "RESEND_API_KEY"},
		{"KAFKA.ENABLED", "KAFKA_ENABLED"},
		{"KAFKA.BROKERS", "KAFKA_BROKERS"},
		{"KAFKA.ORDER_TOPIC", "KAFKA_ORDER_TOPIC"},
		{"KAFKA.GROUP_ID", "KAFKA_GROUP_ID"},
	}
	if err := bindEnvVars(v, envBindings); err != nil {
		return nil, err
	}

	log.Infow("Configuration loaded",
		"environment", v.GetString("SERVER.ENVIRONMENT"),
		"server_port", v.GetString("SERVER.PORT"),
		"db_host", v.GetString("DATABASE.HOST"),
		"fcm_project", v.GetString("PUSH.PROJECT_ID"),
		"retry_schedule", v.GetString("RETRY.SCHEDULE"),
	)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal failed: %w", err)
	}
	// Comma separated env values arrive as a single element.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)
	if len(cfg.Channels.Routes) == 0 {
		cfg.Channels.Routes = DefaultChannelRoutes()
	}

	if err := validateConfig(&cfg, log); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	log.Info("Configuration validated successfully")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER.ENVIRONMENT", EnvDevelopment)
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("SERVER.VERSION", "dev")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "")
	v.SetDefault("DATABASE.NAME", "orders_dev")
	v.SetDefault("DATABASE.SSL_MODE", "disable")
	v.SetDefault("DATABASE.MAX_CONNECTIONS", 20)
	v.SetDefault("REDIS.ADDRESS", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.USE_TLS", false)
	v.SetDefault("REDIS.POOL_SIZE", 5)
	v.SetDefault("REDIS.MIN_IDLE_CONNS", 1)
	v.SetDefault("PUSH.BASE_URL", "https://fcm.googleapis.com")
	v.SetDefault("PUSH.TIMEOUT_SECONDS", 10)
	v.SetDefault("PUSH.MAX_CONCURRENCY", 4)
	v.SetDefault("PUSH.RATE_PER_SECOND", 50)
	v.SetDefault("PUSH.CREDENTIAL_SKEW_SECONDS", 60)
	v.SetDefault("PUSH.MAX_TOKENS_PER_USER", 10)
	v.SetDefault("PUSH.TOKEN_CACHE_TTL_SECONDS", 3600)
	v.SetDefault("FANOUT.CHUNK_SIZE", 100)
	v.SetDefault("RETRY.ENABLED", true)
	v.SetDefault("RETRY.SCHEDULE", "@every 5m")
	v.SetDefault("RETRY.CLEANUP_SCHEDULE", "@daily")
	v.SetDefault("RETRY.TIMEZONE", "UTC")
	v.SetDefault("RETRY.BATCH_SIZE", 50)
	v.SetDefault("RETRY.MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY.BACKOFF_BASE_SECONDS", 60)
	v.SetDefault("RETRY.BACKOFF_MAX_SECONDS", 3600)
	v.SetDefault("RETRY.CLEANUP_CHUNK_SIZE", 100)
	v.SetDefault("RETRY.PENDING_TIMEOUT_SECONDS", 600)
	v.SetDefault("WORKER_POOL.MAX_WORKERS", 4)
	v.SetDefault("WORKER_POOL.QUEUE_SIZE", 1000)
	v.SetDefault("WORKER_POOL.SHUTDOWN_TIMEOUT_SECONDS", 30)
	v.SetDefault("WORKER_POOL.JOB_TIMEOUT_SECONDS", 120)
	v.SetDefault("EMAIL.FROM_NAME", "Orders")
	v.SetDefault("KAFKA.ENABLED", false)
	v.SetDefault("KAFKA.ORDER_TOPIC", "order-events")
	v.SetDefault("KAFKA.GROUP_ID", "order-push-backend")
	v.SetDefault("LOG_LEVEL", "info")
}

// validateConfig checks if the loaded configuration values are valid.
func validateConfig(cfg *Config, log *zap.SugaredLogger) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if len(cfg.Server.JwtSecretKey) < minJWTLength {
		return fmt.Errorf("JWT secret key must be at least %d characters long", minJWTLength)
	}

	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if cfg.Database.Password == "" {
		log.Warn("Database password is not set. Ensure this is intended (e.g., using trusted auth).")
	}

	if cfg.Redis.Address == "" {
		return fmt.Errorf("redis address is required")
	}

	if err := validatePushConfig(&cfg.Push); err != nil {
		return err
	}

	if cfg.Fanout.ChunkSize <= 0 {
		return fmt.Errorf("fanout chunk size must be positive")
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if cfg.Retry.BatchSize <= 0 {
		return fmt.Errorf("retry batch size must be positive")
	}
	if cfg.Retry.Enabled && (cfg.Retry.Schedule == "" || cfg.Retry.CleanupSchedule == "") {
		return fmt.Errorf("retry schedules are required when retries are enabled")
	}

	if cfg.WorkerPool.MaxWorkers <= 0 {
		return fmt.Errorf("worker pool max workers must be positive")
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		return fmt.Errorf("worker pool queue size must be positive")
	}
	if cfg.WorkerPool.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("worker pool shutdown timeout must be positive")
	}
	if cfg.Retry.PendingTimeoutSeconds <= cfg.WorkerPool.JobTimeoutSeconds {
		return fmt.Errorf("retry pending timeout must exceed the worker job timeout")
	}

	if cfg.Email.ResendAPIKey == "" {
		log.Warn("Resend API key not set, mail channel will be disabled")
	} else if cfg.Email.FromAddress == "" {
		return fmt.Errorf("email from address is required when the mail channel is enabled")
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if cfg.Kafka.OrderTopic == "" {
			return fmt.Errorf("kafka order topic is required when kafka is enabled")
		}
	}

	return nil
}

func validatePushConfig(cfg *PushConfig) error {
	if cfg.ProjectID == "" {
		return fmt.Errorf("FCM project id is required")
	}
	if cfg.CredentialsFile == "" {
		return fmt.Errorf("FCM credentials file is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return fmt.Errorf("invalid FCM base URL: %w", err)
	}
	if cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("push timeout must be positive")
	}
	if cfg.MaxConcurrency <= 0 {
		return fmt.Errorf("push max concurrency must be positive")
	}
	if cfg.MaxTokensPerUser <= 0 {
		return fmt.Errorf("max tokens per user must be positive")
	}
	if cfg.TokenCacheTTLSeconds <= 0 {
		return fmt.Errorf("token cache TTL must be positive")
	}
	return nil
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
