package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the payments service. Every knob
// has a default; a config file is optional. Unknown keys in the file are
// rejected rather than ignored.
type Config struct {
	ListenAddress   string `toml:"listenAddress"`
	DataDir         string `toml:"dataDir"`
	Environment     string `toml:"environment"`
	LogFile         string `toml:"logFile"`
	ScopePolicyFile string `toml:"scopePolicyFile"`

	MaxRetries                int     `toml:"maxRetries"`
	InitialDelayMs            int     `toml:"initialDelayMs"`
	MaxDelayMs                int     `toml:"maxDelayMs"`
	BackoffMultiplier         float64 `toml:"backoffMultiplier"`
	RequestTimeoutMs          int     `toml:"requestTimeoutMs"`
	MaxLogEntries             int     `toml:"maxLogEntries"`
	QueueCheckpointIntervalMs int     `toml:"queueCheckpointIntervalMs"`
	DeliveryFanOut            int     `toml:"deliveryFanOut"`
	WorkerTickMs              int     `toml:"workerTickMs"`

	RateLimitPerSecond float64 `toml:"rateLimitPerSecond"`
	RateLimitBurst     int     `toml:"rateLimitBurst"`
	SweepIntervalMs    int     `toml:"sweepIntervalMs"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		ListenAddress:             ":8090",
		DataDir:                   "data",
		Environment:               "dev",
		MaxRetries:                5,
		InitialDelayMs:            1000,
		MaxDelayMs:                3_600_000,
		BackoffMultiplier:         2,
		RequestTimeoutMs:          10_000,
		MaxLogEntries:             10_000,
		QueueCheckpointIntervalMs: 5_000,
		DeliveryFanOut:            5,
		WorkerTickMs:              1_000,
		RateLimitPerSecond:        50,
		RateLimitBurst:            100,
		SweepIntervalMs:           60_000,
	}
}

// Load reads path when it exists, applies PAYMENTS_* environment overrides,
// and validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			meta, err := toml.DecodeFile(path, &cfg)
			if err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				return Config{}, fmt.Errorf("config %s: unknown option %q", path, undecoded[0].String())
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engines cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listenAddress must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("maxRetries must be positive")
	}
	if c.InitialDelayMs <= 0 {
		return fmt.Errorf("initialDelayMs must be positive")
	}
	if c.MaxDelayMs < c.InitialDelayMs {
		return fmt.Errorf("maxDelayMs must be at least initialDelayMs")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoffMultiplier must be at least 1")
	}
	if c.RequestTimeoutMs <= 0 {
		return fmt.Errorf("requestTimeoutMs must be positive")
	}
	if c.MaxLogEntries <= 0 {
		return fmt.Errorf("maxLogEntries must be positive")
	}
	if c.QueueCheckpointIntervalMs <= 0 {
		return fmt.Errorf("queueCheckpointIntervalMs must be positive")
	}
	if c.DeliveryFanOut <= 0 {
		return fmt.Errorf("deliveryFanOut must be positive")
	}
	if c.WorkerTickMs <= 0 {
		return fmt.Errorf("workerTickMs must be positive")
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("rateLimitPerSecond must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("rateLimitBurst must be positive")
	}
	if c.SweepIntervalMs <= 0 {
		return fmt.Errorf("sweepIntervalMs must be positive")
	}
	return nil
}

// InitialDelay returns the first retry delay as a duration.
func (c Config) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay cap as a duration.
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// RequestTimeout returns the outbound webhook timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// CheckpointInterval returns the queue checkpoint cadence as a duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.QueueCheckpointIntervalMs) * time.Millisecond
}

// WorkerTick returns the delivery worker cadence as a duration.
func (c Config) WorkerTick() time.Duration {
	return time.Duration(c.WorkerTickMs) * time.Millisecond
}

// SweepInterval returns the timeout/expiry sweeper cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("PAYMENTS_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("PAYMENTS_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("PAYMENTS_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("PAYMENTS_LOG_FILE")); v != "" {
		cfg.LogFile = v
	}
	if v := strings.TrimSpace(os.Getenv("PAYMENTS_SCOPE_POLICY")); v != "" {
		cfg.ScopePolicyFile = v
	}
	if err := envInt("PAYMENTS_MAX_RETRIES", &cfg.MaxRetries); err != nil {
		return err
	}
	if err := envInt("PAYMENTS_INITIAL_DELAY_MS", &cfg.InitialDelayMs); err != nil {
		return err
	}
	if err := envInt("PAYMENTS_MAX_DELAY_MS", &cfg.MaxDelayMs); err != nil {
		return err
	}
	if err := envInt("PAYMENTS_REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMs); err != nil {
		return err
	}
	if err := envInt("PAYMENTS_DELIVERY_FAN_OUT", &cfg.DeliveryFanOut); err != nil {
		return err
	}
	if err := envInt("PAYMENTS_WORKER_TICK_MS", &cfg.WorkerTickMs); err != nil {
		return err
	}
	return nil
}

func envInt(name string, out *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*out = val
	return nil
}
