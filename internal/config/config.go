package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// EnvPrefix prefixes every environment override, e.g. CHATKIT_SYNC_BATCH_SIZE.
const EnvPrefix = "CHATKIT_"

// Config represents the global ~/.chatkit/config.toml.
type Config struct {
	DefaultSession string        `toml:"default_session" env:"DEFAULT_SESSION"`
	Client         ClientConfig  `toml:"client" envPrefix:"CLIENT_"`
	Socket         SocketConfig  `toml:"socket" envPrefix:"SOCKET_"`
	Sync           SyncConfig    `toml:"sync" envPrefix:"SYNC_"`
	Observe        ObserveConfig `toml:"observe" envPrefix:"OBSERVE_"`
	Metrics        MetricsConfig `toml:"metrics" envPrefix:"METRICS_"`
}

// ClientConfig identifies the app and the user the daemon connects as.
type ClientConfig struct {
	APIKey   string `toml:"api_key" env:"API_KEY" validate:"required"`
	BaseURL  string `toml:"base_url" env:"BASE_URL" validate:"required,url"`
	WSURL    string `toml:"ws_url" env:"WS_URL" validate:"required,url"`
	UserID   string `toml:"user_id" env:"USER_ID" validate:"required"`
	UserName string `toml:"user_name,omitempty" env:"USER_NAME"`
	Token    string `toml:"token,omitempty" env:"TOKEN"`
}

type SocketConfig struct {
	HealthInterval Duration `toml:"health_interval" env:"HEALTH_INTERVAL" validate:"gt=0"`
	HealthTimeout  Duration `toml:"health_timeout" env:"HEALTH_TIMEOUT" validate:"gt=0"`
	BackoffInitial Duration `toml:"backoff_initial" env:"BACKOFF_INITIAL" validate:"gt=0"`
	BackoffMax     Duration `toml:"backoff_max" env:"BACKOFF_MAX" validate:"gt=0"`
}

type SyncConfig struct {
	BatchWindow Duration `toml:"batch_window" env:"BATCH_WINDOW" validate:"gt=0"`
	BatchSize   int      `toml:"batch_size" env:"BATCH_SIZE" validate:"min=1,max=1000"`
	QueueSize   int      `toml:"queue_size" env:"QUEUE_SIZE" validate:"min=1"`
}

type ObserveConfig struct {
	Buffer int `toml:"buffer" env:"BUFFER" validate:"min=1"`
}

type MetricsConfig struct {
	// Empty disables the metrics endpoint.
	Addr string `toml:"addr,omitempty" env:"ADDR" validate:"omitempty,hostname_port"`
}

// Duration is a time.Duration written as "10s" in TOML and environment values.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used for anything the file omits.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Socket: SocketConfig{
			HealthInterval: Duration{10 * time.Second},
			HealthTimeout:  Duration{30 * time.Second},
			BackoffInitial: Duration{500 * time.Millisecond},
			BackoffMax:     Duration{30 * time.Second},
		},
		Sync: SyncConfig{
			BatchWindow: Duration{100 * time.Millisecond},
			BatchSize:   100,
			QueueSize:   64,
		},
		Observe: ObserveConfig{Buffer: 64},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv reads the file if present and applies CHATKIT_ environment
// overrides.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(Duration); ok {
			return int64(d.Duration)
		}
		return nil
	}, Duration{})
	return v
}

// Validate checks the settings the daemon needs to run.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Socket.HealthTimeout.Duration <= c.Socket.HealthInterval.Duration {
		return fmt.Errorf("invalid config: socket.health_timeout must exceed socket.health_interval")
	}
	if c.Socket.BackoffMax.Duration < c.Socket.BackoffInitial.Duration {
		return fmt.Errorf("invalid config: socket.backoff_max must be at least socket.backoff_initial")
	}
	return nil
}
