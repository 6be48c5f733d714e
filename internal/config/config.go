package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type ServerConfig struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret        string `json:"jwt_secret"`
	JWTAlgorithm     string `json:"jwt_algorithm"`
	TokenLifetimeSec int    `json:"token_lifetime_sec"`
	AdminPassword    string `json:"admin_password"`
}

// IngestionConfig describes the external observability backend: where to
// POST event batches, where to subscribe for the live event stream, and
// the key pair used for Basic auth on both.
type IngestionConfig struct {
	Host              string `json:"host"`
	PublicKey         string `json:"public_key"`
	SecretKey         string `json:"secret_key"`
	RequestTimeoutSec int    `json:"request_timeout_seconds"`
	MaxRetries        int    `json:"max_retries"`
	BackoffBaseMS     int    `json:"backoff_base_ms"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type DiscordAlertConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type AlertsConfig struct {
	Discord DiscordAlertConfig `json:"discord"`
}

type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Ingestion IngestionConfig `json:"ingestion"`
	Database  DatabaseConfig  `json:"database"`
	Alerts    AlertsConfig    `json:"alerts"`
}

const (
	defaultTokenLifetimeSec   = 86400
	defaultJWTAlgorithm       = "HS256"
	defaultRequestTimeoutSec  = 5
	defaultDeliveryMaxRetries = 2
	defaultBackoffBaseMS      = 200
	defaultDatabasePath       = "./tracelens.db"
)

// Load reads the JSON config file at path, applies environment overrides
// for secret-bearing fields, validates, and fills defaults. The returned
// struct is constructed once at process start and injected into every
// component; nothing reads configuration at package init.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Environment variables take precedence over file values so deployments
// can keep secrets out of the config file entirely.
func (cfg *Config) applyEnvOverrides() {
	if v := os.Getenv("TRACELENS_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("TRACELENS_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("TRACELENS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LANGFUSE_BASE_URL"); v != "" {
		cfg.Ingestion.Host = v
	}
	if v := os.Getenv("LANGFUSE_PUBLIC_KEY"); v != "" {
		cfg.Ingestion.PublicKey = v
	}
	if v := os.Getenv("LANGFUSE_SECRET_KEY"); v != "" {
		cfg.Ingestion.SecretKey = v
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("validation error: auth.jwt_secret is required (or set TRACELENS_JWT_SECRET)")
	}
	if cfg.Auth.JWTAlgorithm == "" {
		cfg.Auth.JWTAlgorithm = defaultJWTAlgorithm
	}
	switch cfg.Auth.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("validation error: auth.jwt_algorithm must be one of HS256, HS384, HS512, got %q", cfg.Auth.JWTAlgorithm)
	}
	if cfg.Auth.TokenLifetimeSec <= 0 {
		cfg.Auth.TokenLifetimeSec = defaultTokenLifetimeSec
	}
	if cfg.Ingestion.Host == "" {
		return fmt.Errorf("validation error: ingestion.host is required (or set LANGFUSE_BASE_URL)")
	}
	if cfg.Ingestion.PublicKey == "" || cfg.Ingestion.SecretKey == "" {
		return fmt.Errorf("validation error: ingestion.public_key and ingestion.secret_key are required")
	}
	if cfg.Ingestion.RequestTimeoutSec <= 0 {
		cfg.Ingestion.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	if cfg.Ingestion.MaxRetries <= 0 {
		cfg.Ingestion.MaxRetries = defaultDeliveryMaxRetries
	}
	if cfg.Ingestion.BackoffBaseMS <= 0 {
		cfg.Ingestion.BackoffBaseMS = defaultBackoffBaseMS
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.Alerts.Discord.BotToken != "" && cfg.Alerts.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: alerts.discord.channel_id is required when a bot token is set")
	}
	return nil
}

// TokenLifetime returns the configured session token lifetime.
func (c AuthConfig) TokenLifetime() time.Duration {
	return time.Duration(c.TokenLifetimeSec) * time.Second
}

// RequestTimeout returns the per-attempt timeout for outbound ingestion calls.
func (c IngestionConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// BackoffBase returns the base unit for linear retry backoff.
func (c IngestionConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}
