// Package config loads and validates the update server configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CNUP_ prefix (e.g., CNUP_DATABASE_HOST
// overrides database.host in the YAML). The same binary therefore runs with a
// config.yaml in local development and with pure environment variables in
// containerized deployments.
//
// Product lines (the independently versioned software families this server
// distributes) are part of the configuration. They are loaded once at startup
// and mutated rarely; property updates made at runtime (e.g. remembering an
// external chat channel id) are written back to the config file through the
// Manager.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cloudnetservice/updateserver/internal/versions"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Stats         StatsConfig         `mapstructure:"stats"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Mirror        MirrorConfig        `mapstructure:"mirror"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Lines         []ProductLine       `mapstructure:"lines"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// ArchiveConfig holds the on-disk archive layout configuration. Binary
// artifacts are written under <base_path>/versions/<line>/<version>/ and
// extracted documentation under <base_path>/docs/<line>/<version>/.
type ArchiveConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// AdminConfig guards the manual install trigger. TokenHash is a bcrypt hash
// of the bearer token operators must present; the raw token is never stored.
type AdminConfig struct {
	TokenHash string `mapstructure:"token_hash"`
}

// RateLimitConfig configures one fixed-window rate limiter: at most
// MaxRequests calls per identity within each window. UnitName is the singular
// window-unit name used in 429 messages ("second", "minute", ...).
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Unit        time.Duration `mapstructure:"unit"`
	UnitName    string        `mapstructure:"unit_name"`
}

// StatsConfig holds client telemetry configuration.
type StatsConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	FlushInterval time.Duration   `mapstructure:"flush_interval"`
	ReportLimit   RateLimitConfig `mapstructure:"report_limit"`
	CountryLimit  RateLimitConfig `mapstructure:"country_limit"`
}

// NotificationsConfig holds the outbound chat notification settings. When
// Enabled is false the pipeline uses a logging publisher instead.
type NotificationsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MirrorConfig holds the off-site archive mirror settings.
type MirrorConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Backend string            `mapstructure:"backend"`
	S3      S3MirrorConfig    `mapstructure:"s3"`
	Local   LocalMirrorConfig `mapstructure:"local"`
}

// LocalMirrorConfig holds the filesystem mirror configuration, typically a
// mounted backup volume.
type LocalMirrorConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3MirrorConfig holds S3-compatible mirror storage configuration.
type S3MirrorConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.).
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	// Static credentials; when empty the AWS default credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration.
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// CIConfig locates the upstream CI job that builds a product line.
type CIConfig struct {
	// Kind selects the loader implementation ("jenkins").
	Kind string `mapstructure:"kind"`
	// JobURL is the base URL of the CI job, e.g.
	// https://ci.example.com/job/CloudNet.
	JobURL string `mapstructure:"job_url"`
}

// SourceConfig locates the upstream release source of a product line.
type SourceConfig struct {
	// Kind selects the release source implementation ("github").
	Kind  string `mapstructure:"kind"`
	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`
	// APIToken is an optional token for the release source API. Without one,
	// GitHub limits unauthenticated calls to 60 per hour.
	APIToken string `mapstructure:"api_token"`
}

// ProductLine is one independently versioned software family tracked by this
// server. Lines live for the whole process lifetime; only their Properties
// change at runtime, persisted back to the config file via the Manager.
type ProductLine struct {
	Name          string                `mapstructure:"name"`
	CI            CIConfig              `mapstructure:"ci"`
	Source        SourceConfig          `mapstructure:"source"`
	WebhookSecret string                `mapstructure:"webhook_secret"`
	FileMappings  versions.FileMappings `mapstructure:"file_mappings"`
	Properties    map[string]string     `mapstructure:"properties"`
}

// Line returns the product line with the given name, or nil when unknown.
func (c *Config) Line(name string) *ProductLine {
	for i := range c.Lines {
		if c.Lines[i].Name == name {
			return &c.Lines[i]
		}
	}
	return nil
}

// bindEnvVars explicitly binds environment variables to config keys. This is
// necessary because AutomaticEnv() does not work well with nested structs
// during Unmarshal. Every key here is a non-empty hardcoded string, so any
// BindEnv error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
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

		// Archive
		"archive.base_path",

		// Admin
		"admin.token_hash",

		// Stats
		"stats.enabled",
		"stats.flush_interval",
		"stats.report_limit.max_requests",
		"stats.report_limit.unit",
		"stats.report_limit.unit_name",
		"stats.country_limit.max_requests",
		"stats.country_limit.unit",
		"stats.country_limit.unit_name",

		// Notifications
		"notifications.enabled",
		"notifications.webhook_url",
		"notifications.timeout",

		// Mirror
		"mirror.enabled",
		"mirror.backend",
		"mirror.s3.endpoint",
		"mirror.s3.region",
		"mirror.s3.bucket",
		"mirror.s3.access_key_id",
		"mirror.s3.secret_access_key",
		"mirror.local.base_path",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "updateserver")
	v.SetDefault("database.user", "updateserver")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Archive defaults
	v.SetDefault("archive.base_path", "./archive")

	// Stats defaults
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.flush_interval", 30*time.Second)
	v.SetDefault("stats.report_limit.max_requests", 1)
	v.SetDefault("stats.report_limit.unit", time.Minute)
	v.SetDefault("stats.report_limit.unit_name", "minute")
	v.SetDefault("stats.country_limit.max_requests", 1)
	v.SetDefault("stats.country_limit.unit", time.Hour)
	v.SetDefault("stats.country_limit.unit_name", "hour")

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.timeout", 10*time.Second)

	// Mirror defaults
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.backend", "s3")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg, _, err := load(configPath)
	return cfg, err
}

func load(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/cloudnet-updateserver")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("CNUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Mirror.S3.SecretAccessKey = expandEnv(cfg.Mirror.S3.SecretAccessKey)
	for i := range cfg.Lines {
		cfg.Lines[i].WebhookSecret = expandEnv(cfg.Lines[i].WebhookSecret)
		cfg.Lines[i].Source.APIToken = expandEnv(cfg.Lines[i].Source.APIToken)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, v, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
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

	if c.Archive.BasePath == "" {
		return fmt.Errorf("archive.base_path is required")
	}

	if c.Stats.Enabled {
		if c.Stats.ReportLimit.MaxRequests < 1 {
			return fmt.Errorf("stats.report_limit.max_requests must be at least 1")
		}
		if c.Stats.ReportLimit.Unit <= 0 {
			return fmt.Errorf("stats.report_limit.unit must be a positive duration")
		}
		if c.Stats.CountryLimit.MaxRequests < 1 {
			return fmt.Errorf("stats.country_limit.max_requests must be at least 1")
		}
		if c.Stats.CountryLimit.Unit <= 0 {
			return fmt.Errorf("stats.country_limit.unit must be a positive duration")
		}
	}

	if c.Notifications.Enabled && c.Notifications.WebhookURL == "" {
		return fmt.Errorf("notifications.webhook_url is required when notifications are enabled")
	}

	if c.Mirror.Enabled {
		switch c.Mirror.Backend {
		case "s3":
			if c.Mirror.S3.Bucket == "" {
				return fmt.Errorf("mirror.s3.bucket is required when the mirror is enabled")
			}
			if c.Mirror.S3.Region == "" {
				return fmt.Errorf("mirror.s3.region is required when the mirror is enabled")
			}
		case "local":
			if c.Mirror.Local.BasePath == "" {
				return fmt.Errorf("mirror.local.base_path is required when the mirror is enabled")
			}
		default:
			return fmt.Errorf("invalid mirror backend: %s (must be 's3' or 'local')", c.Mirror.Backend)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	seen := make(map[string]bool, len(c.Lines))
	for i := range c.Lines {
		line := &c.Lines[i]
		if line.Name == "" {
			return fmt.Errorf("lines[%d].name is required", i)
		}
		if seen[line.Name] {
			return fmt.Errorf("duplicate product line name: %s", line.Name)
		}
		seen[line.Name] = true
		if line.CI.JobURL == "" {
			return fmt.Errorf("line %s: ci.job_url is required", line.Name)
		}
		if line.Source.Owner == "" || line.Source.Repo == "" {
			return fmt.Errorf("line %s: source.owner and source.repo are required", line.Name)
		}
		if line.WebhookSecret == "" {
			return fmt.Errorf("line %s: webhook_secret is required", line.Name)
		}
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format.
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
