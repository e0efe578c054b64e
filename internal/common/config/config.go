// Package config provides configuration management for Todoflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Todoflow.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sidecar   SidecarConfig   `mapstructure:"sidecar"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Reminders RemindersConfig `mapstructure:"reminders"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"` // PostgreSQL connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// SidecarConfig holds pub/sub sidecar configuration.
// The sidecar's HTTP port may be reassigned at any time, so the port here is
// only a default; the publish path re-reads SIDECAR_HTTP_PORT on every call.
type SidecarConfig struct {
	DefaultPort     int    `mapstructure:"defaultPort"`
	PubSubComponent string `mapstructure:"pubsubComponent"`
	JobsComponent   string `mapstructure:"jobsComponent"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the NATS backend is not used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSigningKey string `mapstructure:"jwtSigningKey"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// RemindersConfig holds reminder scheduler configuration.
type RemindersConfig struct {
	VarianceBudgetMS int `mapstructure:"varianceBudgetMs"`
}

// FanoutConfig holds realtime fanout configuration.
type FanoutConfig struct {
	SessionOutboundBuffer int `mapstructure:"sessionOutboundBuffer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// VarianceBudget returns the reminder variance budget as a time.Duration.
func (r *RemindersConfig) VarianceBudget() time.Duration {
	return time.Duration(r.VarianceBudgetMS) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TODOFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty URL means use in-memory repository
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Sidecar defaults
	v.SetDefault("sidecar.defaultPort", 3500)
	v.SetDefault("sidecar.pubsubComponent", "pubsub")
	v.SetDefault("sidecar.jobsComponent", "jobs")

	// NATS defaults - empty URL means the sidecar (or in-memory) bus is used
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "todoflow")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.jwtSigningKey", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Reminder defaults
	v.SetDefault("reminders.varianceBudgetMs", 5000)

	// Fanout defaults
	v.SetDefault("fanout.sessionOutboundBuffer", 64)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TODOFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/todoflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TODOFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the contractual environment variables.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, and
	// these names are part of the deployment contract (no prefix).
	_ = v.BindEnv("sidecar.defaultPort", "SIDECAR_HTTP_PORT")
	_ = v.BindEnv("sidecar.pubsubComponent", "PUBSUB_COMPONENT")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("auth.jwtSigningKey", "JWT_SIGNING_KEY")
	_ = v.BindEnv("reminders.varianceBudgetMs", "REMINDER_VARIANCE_BUDGET_MS")
	_ = v.BindEnv("fanout.sessionOutboundBuffer", "SESSION_OUTBOUND_BUFFER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/todoflow/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Sidecar.DefaultPort <= 0 || cfg.Sidecar.DefaultPort > 65535 {
		errs = append(errs, "sidecar.defaultPort must be between 1 and 65535")
	}
	if cfg.Sidecar.PubSubComponent == "" {
		errs = append(errs, "sidecar.pubsubComponent is required")
	}

	// Database validation - optional (in-memory repository when unset)
	if cfg.Database.URL != "" {
		if cfg.Database.MaxConns <= 0 {
			errs = append(errs, "database.maxConns must be positive")
		}
	}

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSigningKey == "" {
		cfg.Auth.JWTSigningKey = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	if cfg.Reminders.VarianceBudgetMS <= 0 {
		errs = append(errs, "reminders.varianceBudgetMs must be positive")
	}
	if cfg.Fanout.SessionOutboundBuffer <= 0 {
		errs = append(errs, "fanout.sessionOutboundBuffer must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Use a fixed dev secret with a warning prefix
	// In production, users should set JWT_SIGNING_KEY
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
