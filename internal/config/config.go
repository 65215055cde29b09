// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the AGW_ prefix (e.g., AGW_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Rotation      RotationConfig      `mapstructure:"rotation"`
	Expiry        ExpiryConfig        `mapstructure:"expiry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection configuration.
//
// Two pools are opened from the same settings: the hot-path pool
// (max_connections) used by request-time validation and the background pool
// (background_max_connections) used by the rotation scheduler and expiration
// monitor. Keeping the background pool separate means a slow maintenance scan
// can never exhaust the connections that request validation depends on.
type DatabaseConfig struct {
	Host                     string `mapstructure:"host"`
	Port                     int    `mapstructure:"port"`
	Name                     string `mapstructure:"name"`
	User                     string `mapstructure:"user"`
	Password                 string `mapstructure:"password"`
	SSLMode                  string `mapstructure:"ssl_mode"`
	MaxConnections           int    `mapstructure:"max_connections"`
	MinIdleConnections       int    `mapstructure:"min_idle_connections"`
	BackgroundMaxConnections int    `mapstructure:"background_max_connections"`
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	ServiceTokens ServiceTokenConfig `mapstructure:"service_tokens"`
	Assertion     AssertionConfig    `mapstructure:"assertion"`
	// StoreTimeout bounds every store call made on the request path. A
	// timed-out call during service-token validation is treated as "store
	// unreachable" and the request is rejected.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

// ServiceTokenConfig holds service-token issuance and validation configuration
type ServiceTokenConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Prefix marks the service-token credential shape (e.g. "agw_"). The
	// middleware uses it to decide whether a bearer value is a service
	// secret or an identity assertion.
	Prefix string `mapstructure:"prefix"`
	// GracePeriod is how long the pre-rotation secret keeps validating
	// after a rotation. Zero disables the overlap window.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// PepperPassphrase, when set, switches secret hashing from plain
	// SHA-256 to HMAC-SHA256 with a PBKDF2-derived key. PepperSalt must
	// then be at least 16 bytes.
	PepperPassphrase string `mapstructure:"pepper_passphrase"`
	PepperSalt       string `mapstructure:"pepper_salt"`
}

// AssertionConfig holds identity-assertion verification configuration.
// The signature-algorithm allow-list and clock-skew tolerance are deliberately
// configuration rather than code so a deployment can tighten them without a
// rebuild, and so a misconfigured upstream cannot silently downgrade to a
// weaker algorithm.
type AssertionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Header is the request header carrying the upstream-injected signed
	// assertion. A JWT-shaped bearer token is accepted as a fallback.
	Header           string        `mapstructure:"header"`
	Issuer           string        `mapstructure:"issuer"`
	Audience         string        `mapstructure:"audience"`
	AllowedAlgs      []string      `mapstructure:"allowed_algs"`
	ClockSkew        time.Duration `mapstructure:"clock_skew"`
	JWKSURL          string        `mapstructure:"jwks_url"`
	JWKSRefresh      time.Duration `mapstructure:"jwks_refresh"`
	StaticKeyDir     string        `mapstructure:"static_key_dir"`
	WatchStaticKeys  bool          `mapstructure:"watch_static_keys"`
	PermissionsClaim string        `mapstructure:"permissions_claim"`
}

// BlackoutWindow describes a recurring maintenance-blackout window during
// which automated rotation must not run. Times are "15:04" in Location.
type BlackoutWindow struct {
	Start string   `mapstructure:"start"`
	End   string   `mapstructure:"end"`
	Days  []string `mapstructure:"days"`
}

// RotationConfig holds rotation scheduler configuration
type RotationConfig struct {
	Enabled        bool             `mapstructure:"enabled"`
	Interval       time.Duration    `mapstructure:"interval"`
	MaxAgeDays     int              `mapstructure:"max_age_days"`
	UsageThreshold int64            `mapstructure:"usage_threshold"`
	Blackout       []BlackoutWindow `mapstructure:"blackout"`
	Location       string           `mapstructure:"location"`
}

// ExpiryConfig holds expiration monitor configuration
type ExpiryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	ThresholdDays []int         `mapstructure:"threshold_days"`
}

// AuditConfig holds the async audit logger configuration
type AuditConfig struct {
	// QueueSize bounds the in-memory event queue; events beyond it are
	// dropped and counted rather than blocking the request path.
	QueueSize     int                  `mapstructure:"queue_size"`
	BatchSize     int                  `mapstructure:"batch_size"`
	FlushInterval time.Duration        `mapstructure:"flush_interval"`
	Shippers      []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single external audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // file, webhook, archive
	File    *AuditFileConfig    `mapstructure:"file"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	Archive *ArchiveConfig      `mapstructure:"archive"`
}

// ArchiveConfig holds archive shipper configuration: which object store
// receives audit batches, how batches are cut, and the optional at-rest
// encryption of batch payloads.
type ArchiveConfig struct {
	// Backend selects the object store: local, s3, azure, or gcs.
	Backend string `mapstructure:"backend"`
	// Prefix is prepended to every batch key, so one bucket can hold
	// archives from several deployments.
	Prefix        string        `mapstructure:"prefix"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// RetentionDays, when positive, has the shipper delete batches older
	// than this on each flush tick. Zero keeps batches forever.
	RetentionDays int `mapstructure:"retention_days"`
	// EncryptionPassphrase, when set, encrypts batch payloads with
	// AES-256-GCM before upload. EncryptionSalt must then be at least
	// 16 bytes.
	EncryptionPassphrase string `mapstructure:"encryption_passphrase"`
	EncryptionSalt       string `mapstructure:"encryption_salt"`

	Local ArchiveLocalConfig `mapstructure:"local"`
	S3    ArchiveS3Config    `mapstructure:"s3"`
	Azure ArchiveAzureConfig `mapstructure:"azure"`
	GCS   ArchiveGCSConfig   `mapstructure:"gcs"`
}

// ArchiveLocalConfig holds local filesystem archive configuration
type ArchiveLocalConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// ArchiveS3Config holds S3-compatible archive configuration
type ArchiveS3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	// AuthMethod selects credentials: default, static, oidc, or
	// assume_role. Empty falls back to static when keys are set, otherwise
	// the AWS default credential chain.
	AuthMethod           string `mapstructure:"auth_method"`
	AccessKeyID          string `mapstructure:"access_key_id"`
	SecretAccessKey      string `mapstructure:"secret_access_key"`
	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// ArchiveAzureConfig holds Azure Blob Storage archive configuration
type ArchiveAzureConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// ArchiveGCSConfig holds Google Cloud Storage archive configuration
type ArchiveGCSConfig struct {
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
	// AuthMethod selects credentials: default, service_account, or
	// workload_identity.
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
}

// NotificationsConfig holds outbound notification channel settings for
// rotation outcomes and expiration alerts.
type NotificationsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Channels selects the active transports: "log", "smtp", "webhook".
	Channels []string          `mapstructure:"channels"`
	SMTP     SMTPConfig        `mapstructure:"smtp"`
	Webhook  NotifyWebhookConf `mapstructure:"webhook"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// NotifyWebhookConf holds notification webhook configuration
type NotifyWebhookConf struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// RateLimitingConfig holds failed-authentication rate limiting configuration.
// The limiter is Redis-backed so the budget is shared across replicas.
type RateLimitingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	FailuresPerMin int    `mapstructure:"failures_per_minute"`
	FailuresBurst  int    `mapstructure:"failures_burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
	Profiling      bool `mapstructure:"profiling"`
	ProfilingPort  int  `mapstructure:"profiling_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; since every key here is a non-empty hardcoded string, any error
// indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",
		"database.background_max_connections",

		// Auth
		"auth.store_timeout",
		"auth.service_tokens.enabled",
		"auth.service_tokens.prefix",
		"auth.service_tokens.grace_period",
		"auth.service_tokens.pepper_passphrase",
		"auth.service_tokens.pepper_salt",
		"auth.assertion.enabled",
		"auth.assertion.header",
		"auth.assertion.issuer",
		"auth.assertion.audience",
		"auth.assertion.allowed_algs",
		"auth.assertion.clock_skew",
		"auth.assertion.jwks_url",
		"auth.assertion.jwks_refresh",
		"auth.assertion.static_key_dir",
		"auth.assertion.watch_static_keys",
		"auth.assertion.permissions_claim",

		// Rotation scheduler
		"rotation.enabled",
		"rotation.interval",
		"rotation.max_age_days",
		"rotation.usage_threshold",
		"rotation.location",

		// Expiration monitor
		"expiry.enabled",
		"expiry.interval",
		"expiry.threshold_days",

		// Audit
		"audit.queue_size",
		"audit.batch_size",
		"audit.flush_interval",

		// Notifications
		"notifications.enabled",
		"notifications.channels",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.to",
		"notifications.smtp.use_tls",
		"notifications.webhook.url",
		"notifications.webhook.timeout",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.redis_addr",
		"security.rate_limiting.redis_password",
		"security.rate_limiting.failures_per_minute",
		"security.rate_limiting.failures_burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.prometheus_port",
		"telemetry.profiling",
		"telemetry.profiling_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/auth-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("AGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Auth.ServiceTokens.PepperPassphrase = expandEnv(cfg.Auth.ServiceTokens.PepperPassphrase)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)
	cfg.Security.RateLimiting.RedisPassword = expandEnv(cfg.Security.RateLimiting.RedisPassword)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "auth_gateway")
	v.SetDefault("database.user", "gateway")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)
	v.SetDefault("database.background_max_connections", 3)

	// Auth defaults
	v.SetDefault("auth.store_timeout", "2s")
	v.SetDefault("auth.service_tokens.enabled", true)
	v.SetDefault("auth.service_tokens.prefix", "agw_")
	v.SetDefault("auth.service_tokens.grace_period", "1h")
	v.SetDefault("auth.assertion.enabled", false)
	v.SetDefault("auth.assertion.header", "X-Identity-Assertion")
	v.SetDefault("auth.assertion.allowed_algs", []string{"RS256", "ES256"})
	v.SetDefault("auth.assertion.clock_skew", "30s")
	v.SetDefault("auth.assertion.jwks_refresh", "15m")
	v.SetDefault("auth.assertion.watch_static_keys", true)
	v.SetDefault("auth.assertion.permissions_claim", "permissions")

	// Rotation defaults
	v.SetDefault("rotation.enabled", false)
	v.SetDefault("rotation.interval", "1h")
	v.SetDefault("rotation.max_age_days", 90)
	v.SetDefault("rotation.usage_threshold", 0)
	v.SetDefault("rotation.location", "UTC")

	// Expiry defaults
	v.SetDefault("expiry.enabled", true)
	v.SetDefault("expiry.interval", "1h")
	v.SetDefault("expiry.threshold_days", []int{1, 7, 14, 30})

	// Audit defaults
	v.SetDefault("audit.queue_size", 4096)
	v.SetDefault("audit.batch_size", 64)
	v.SetDefault("audit.flush_interval", "2s")

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.channels", []string{"log"})
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)
	v.SetDefault("notifications.webhook.timeout", "10s")

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", false)
	v.SetDefault("security.rate_limiting.failures_per_minute", 10)
	v.SetDefault("security.rate_limiting.failures_burst", 5)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling", false)
	v.SetDefault("telemetry.profiling_port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if !c.Auth.ServiceTokens.Enabled && !c.Auth.Assertion.Enabled {
		return fmt.Errorf("at least one of auth.service_tokens and auth.assertion must be enabled")
	}
	if c.Auth.ServiceTokens.Enabled && c.Auth.ServiceTokens.Prefix == "" {
		return fmt.Errorf("auth.service_tokens.prefix is required when service tokens are enabled")
	}
	if c.Auth.ServiceTokens.PepperPassphrase != "" && len(c.Auth.ServiceTokens.PepperSalt) < 16 {
		return fmt.Errorf("auth.service_tokens.pepper_salt must be at least 16 bytes when a pepper passphrase is set")
	}
	if c.Auth.Assertion.Enabled {
		if c.Auth.Assertion.Issuer == "" {
			return fmt.Errorf("auth.assertion.issuer is required when assertions are enabled")
		}
		if len(c.Auth.Assertion.AllowedAlgs) == 0 {
			return fmt.Errorf("auth.assertion.allowed_algs must not be empty when assertions are enabled")
		}
		if c.Auth.Assertion.JWKSURL == "" && c.Auth.Assertion.StaticKeyDir == "" {
			return fmt.Errorf("auth.assertion requires jwks_url or static_key_dir")
		}
	}

	if c.Rotation.Enabled {
		if c.Rotation.MaxAgeDays <= 0 && c.Rotation.UsageThreshold <= 0 {
			return fmt.Errorf("rotation requires max_age_days or usage_threshold to be positive")
		}
		if _, err := time.LoadLocation(c.Rotation.Location); err != nil {
			return fmt.Errorf("invalid rotation.location: %w", err)
		}
		for _, w := range c.Rotation.Blackout {
			if _, err := time.Parse("15:04", w.Start); err != nil {
				return fmt.Errorf("invalid blackout window start %q: %w", w.Start, err)
			}
			if _, err := time.Parse("15:04", w.End); err != nil {
				return fmt.Errorf("invalid blackout window end %q: %w", w.End, err)
			}
		}
	}

	for _, d := range c.Expiry.ThresholdDays {
		if d <= 0 {
			return fmt.Errorf("expiry.threshold_days entries must be positive, got %d", d)
		}
	}

	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RedisAddr == "" {
		return fmt.Errorf("security.rate_limiting.redis_addr is required when rate limiting is enabled")
	}
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}
