// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me-before-sharing"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Env string `mapstructure:"APP_ENV"`

	// Client side
	APIURL        string `mapstructure:"API_URL"`
	WSURL         string `mapstructure:"WS_URL"`
	AuthToken     string `mapstructure:"AUTH_TOKEN"`
	AuthEmail     string `mapstructure:"AUTH_EMAIL"`
	AuthPassword  string `mapstructure:"AUTH_PASSWORD"`
	PageSize      int    `mapstructure:"PAGE_SIZE"`
	EchoMutations bool   `mapstructure:"ECHO_MUTATIONS"`

	ReconnectInitial    time.Duration `mapstructure:"RECONNECT_INITIAL"`
	ReconnectMax        time.Duration `mapstructure:"RECONNECT_MAX"`
	ReconnectMaxRetries int           `mapstructure:"RECONNECT_MAX_RETRIES"`

	// Observability
	LogLevel            string  `mapstructure:"LOG_LEVEL"`
	MetricsAddr         string  `mapstructure:"METRICS_ADDR"`
	TracingEnabled      bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter     string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint        string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSamplerRatio float64 `mapstructure:"TRACING_SAMPLER_RATIO"`

	// Dev server
	DevPort   string `mapstructure:"DEV_PORT"`
	DBDriver  string `mapstructure:"DB_DRIVER"`
	DBDSN     string `mapstructure:"DB_DSN"`
	RedisURL  string `mapstructure:"REDIS_URL"`
	JWTSecret string `mapstructure:"JWT_SECRET"`
}

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// Initial read to get APP_ENV if set in base config
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("API_URL", "http://localhost:8375/api")
	viper.SetDefault("WS_URL", "")
	viper.SetDefault("AUTH_TOKEN", "")
	viper.SetDefault("AUTH_EMAIL", "")
	viper.SetDefault("AUTH_PASSWORD", "")
	viper.SetDefault("PAGE_SIZE", 15)
	viper.SetDefault("ECHO_MUTATIONS", false)
	viper.SetDefault("RECONNECT_INITIAL", "500ms")
	viper.SetDefault("RECONNECT_MAX", "30s")
	viper.SetDefault("RECONNECT_MAX_RETRIES", 0)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("METRICS_ADDR", "")
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
	viper.SetDefault("DEV_PORT", "8375")
	viper.SetDefault("DB_DRIVER", "sqlite")
	viper.SetDefault("DB_DSN", "file::memory:?cache=shared")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.DBDriver = strings.ToLower(strings.TrimSpace(config.DBDriver))
	if config.WSURL == "" {
		derived, err := DeriveWSURL(config.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		config.WSURL = derived
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// DeriveWSURL maps an API base URL to the websocket endpoint served next to it,
// e.g. http://host:8375/api -> ws://host:8375/ws.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("API_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("API_URL: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("API_URL is required")
	}
	if c.PageSize <= 0 {
		return errors.New("PAGE_SIZE must be positive")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return errors.New("RECONNECT_INITIAL must be positive and not exceed RECONNECT_MAX")
	}
	if c.ReconnectMaxRetries < 0 {
		return errors.New("RECONNECT_MAX_RETRIES cannot be negative")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.TracingSamplerRatio < 0 || c.TracingSamplerRatio > 1 {
		return errors.New("TRACING_SAMPLER_RATIO must be within [0, 1]")
	}

	if c.IsProduction() {
		if strings.HasPrefix(c.APIURL, "http://") {
			return errors.New("API_URL must use https in production")
		}
		if c.AuthPassword != "" {
			log.Println("WARNING: AUTH_PASSWORD is set in production config. Prefer AUTH_TOKEN.")
		}
	} else if c.JWTSecret == defaultJWTSecret {
		log.Println("WARNING: JWT_SECRET is the development default. The dev server must not be exposed.")
	}

	return nil
}

// IsProduction reports whether the active profile is a production profile.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}
