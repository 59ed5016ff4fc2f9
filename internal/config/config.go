package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ImageMill server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Poll     PollConfig
	Services ServicesConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// ProviderConfig configures the inference provider API client.
type ProviderConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// StorageConfig configures the object storage used to archive artifacts.
type StorageConfig struct {
	BaseURL string
	Bucket  string
	APIKey  string
	Timeout time.Duration
}

// PollConfig bounds the prediction polling loop.
type PollConfig struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// ServiceConfig pins a provider model version and a credit price for one
// transformation service.
type ServiceConfig struct {
	Version string
	Credits int64
}

type ServicesConfig struct {
	Upscale  ServiceConfig
	Colorize ServiceConfig
	Generate ServiceConfig
}

// ByName returns the configuration for a service name, if known.
func (s ServicesConfig) ByName(name string) (ServiceConfig, bool) {
	switch name {
	case "upscale":
		return s.Upscale, true
	case "colorize":
		return s.Colorize, true
	case "generate":
		return s.Generate, true
	}
	return ServiceConfig{}, false
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("IMAGEMILL_PORT", 8080),
			Env:  envString("IMAGEMILL_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Provider: ProviderConfig{
			BaseURL: envString("PROVIDER_BASE_URL", "https://api.replicate.com"),
			Token:   os.Getenv("PROVIDER_API_TOKEN"),
			Timeout: envDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			BaseURL: os.Getenv("STORAGE_BASE_URL"),
			Bucket:  envString("STORAGE_BUCKET", "images"),
			APIKey:  os.Getenv("STORAGE_API_KEY"),
			Timeout: envDuration("STORAGE_TIMEOUT", 60*time.Second),
		},
		Poll: PollConfig{
			Interval: envDuration("POLL_INTERVAL", time.Second),
			MaxWait:  envDuration("POLL_MAX_WAIT", 5*time.Minute),
		},
		Services: ServicesConfig{
			Upscale: ServiceConfig{
				Version: envString("UPSCALE_MODEL_VERSION", "f121d640bd286e1fdc67f9799164c1d5be36ff74576ee11c803ae5b665dd46aa"),
				Credits: int64(envInt("UPSCALE_CREDITS", 10)),
			},
			Colorize: ServiceConfig{
				Version: envString("COLORIZE_MODEL_VERSION", "0da600fab0c45a66211339f1c16b71345d22f26ef5fea3dca1bb90bb5711e950"),
				Credits: int64(envInt("COLORIZE_CREDITS", 5)),
			},
			Generate: ServiceConfig{
				Version: envString("GENERATE_MODEL_VERSION", "39ed52f2a78e934b3ba6e2a89f5b1c712de7dfea535525255b1aa35c5565e08b"),
				Credits: int64(envInt("GENERATE_CREDITS", 5)),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Provider.Token == "" {
		return fmt.Errorf("PROVIDER_API_TOKEN is required")
	}
	if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
		return fmt.Errorf("PROVIDER_BASE_URL must start with http:// or https://, got %q", c.Provider.BaseURL)
	}

	if c.Storage.BaseURL == "" {
		return fmt.Errorf("STORAGE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Storage.BaseURL, "http://") && !strings.HasPrefix(c.Storage.BaseURL, "https://") {
		return fmt.Errorf("STORAGE_BASE_URL must start with http:// or https://, got %q", c.Storage.BaseURL)
	}
	if c.Storage.APIKey == "" {
		return fmt.Errorf("STORAGE_API_KEY is required")
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.MaxWait <= c.Poll.Interval {
		return fmt.Errorf("POLL_MAX_WAIT (%s) must exceed POLL_INTERVAL (%s)", c.Poll.MaxWait, c.Poll.Interval)
	}

	for _, svc := range []struct {
		name string
		cfg  ServiceConfig
	}{
		{"upscale", c.Services.Upscale},
		{"colorize", c.Services.Colorize},
		{"generate", c.Services.Generate},
	} {
		if svc.cfg.Version == "" {
			return fmt.Errorf("model version for %s service must not be empty", svc.name)
		}
		if svc.cfg.Credits < 0 {
			return fmt.Errorf("credit price for %s service must not be negative", svc.name)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
