// Package server provides configuration helpers that define runtime defaults,
// loading, and validation for the relay service.
package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-session SEND rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" envconfig:"BURST" validate:"gt=0"`
	RefillInterval time.Duration `yaml:"refill_interval" envconfig:"REFILL_INTERVAL" validate:"gt=0"`
}

// Config holds the server configuration settings.
type Config struct {
	Port           string   `yaml:"port" envconfig:"SERVER_PORT" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`

	// AppPrefix is stripped from SEND destinations before routing, so both
	// /app/hello and /hello reach the hello endpoint.
	AppPrefix string `yaml:"app_prefix" envconfig:"APP_PREFIX" validate:"omitempty,startswith=/"`
	// BrokerPrefix is the namespace clients may SUBSCRIBE to.
	BrokerPrefix string `yaml:"broker_prefix" envconfig:"BROKER_PREFIX" validate:"required,startswith=/"`

	MaxMessageSize int64 `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE" validate:"gt=0"`
	MaxNameLength  int   `yaml:"max_name_length" envconfig:"MAX_NAME_LENGTH" validate:"gt=0"`
	SendBufferSize int   `yaml:"send_buffer_size" envconfig:"SEND_BUFFER_SIZE" validate:"gt=0"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT" validate:"gt=0"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout" envconfig:"DELIVERY_TIMEOUT" validate:"gt=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" validate:"gt=0"`

	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

var validate = validator.New()

// DefaultConfig returns a Config populated with default values for all
// settings.
func DefaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		AppPrefix:        "/app",
		BrokerPrefix:     "/topic/",
		MaxMessageSize:   4096,
		MaxNameLength:    256,
		SendBufferSize:   256,
		HandshakeTimeout: 10 * time.Second,
		DeliveryTimeout:  2 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      60 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

// NewConfig creates a Config instance populated with default values.
func NewConfig() *Config {
	cfg := DefaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables layered over
// the defaults. Variables that are not set keep their default value.
func NewConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig builds the configuration from defaults, the YAML file at path
// (skipped when path is empty or the file does not exist) and finally the
// environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for missing or out-of-range values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// pingInterval keeps pings comfortably inside the idle timeout so a healthy
// peer never hits its read deadline.
func (c Config) pingInterval() time.Duration {
	return c.IdleTimeout * 9 / 10
}

func applyEnv(cfg *Config) error {
	if err := envconfig.Process("", cfg); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	return nil
}
