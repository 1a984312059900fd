// Package config loads receiver configuration from the environment with
// validated defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ErrInvalidConfig indicates a configuration value outside its legal range.
var ErrInvalidConfig = errors.New("config: invalid value")

// Config is the full receiver configuration. Every field can be set through
// the environment with the QRFILE_ prefix.
type Config struct {
	// DownloadDir is where reconstructed files are written.
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"downloads"`

	// StateDir holds the durable block store for spilled transfers.
	StateDir string `envconfig:"STATE_DIR" default:"state"`

	// MemoryOnly disables durable spilling entirely.
	MemoryOnly bool `envconfig:"MEMORY_ONLY"`

	// MemoryThreshold is the resident payload ceiling in bytes before a
	// transfer spills to durable storage.
	MemoryThreshold uint64 `envconfig:"MEMORY_THRESHOLD" default:"33554432"`

	// MaxBlocks bounds the declared block count of a transfer.
	MaxBlocks int `envconfig:"MAX_BLOCKS" default:"10000"`

	// BlockTimeout is how long a known-missing block may stay pending
	// before the retry scheduler takes over.
	BlockTimeout time.Duration `envconfig:"BLOCK_TIMEOUT" default:"30s"`

	// Retry tunables.
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s"`
	RetryJitterMax     time.Duration `envconfig:"RETRY_JITTER_MAX" default:"500ms"`
	RetryBackoffFactor float64       `envconfig:"RETRY_BACKOFF_FACTOR" default:"2.0"`
	RetryMaxAttempts   int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	RetryMaxConcurrent int           `envconfig:"RETRY_MAX_CONCURRENT" default:"3"`

	// Passphrase unlocks encrypted transfers. Empty rejects them.
	Passphrase string `envconfig:"PASSPHRASE"`

	// LogLevel is a logrus level name.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from QRFILE_-prefixed environment variables and
// validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("qrfile", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every tunable against its legal range.
func (c *Config) Validate() error {
	if c.BlockTimeout < 5*time.Second || c.BlockTimeout > 300*time.Second {
		return fmt.Errorf("%w: block timeout %s outside [5s,300s]", ErrInvalidConfig, c.BlockTimeout)
	}
	if c.MaxBlocks <= 0 {
		return fmt.Errorf("%w: max blocks %d", ErrInvalidConfig, c.MaxBlocks)
	}
	if c.MemoryThreshold == 0 {
		return fmt.Errorf("%w: memory threshold must be positive", ErrInvalidConfig)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("%w: retry delays base=%s max=%s", ErrInvalidConfig, c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.RetryBackoffFactor < 1.0 {
		return fmt.Errorf("%w: backoff factor %.2f below 1.0", ErrInvalidConfig, c.RetryBackoffFactor)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("%w: retry attempts %d", ErrInvalidConfig, c.RetryMaxAttempts)
	}
	if c.RetryMaxConcurrent <= 0 {
		return fmt.Errorf("%w: retry concurrency %d", ErrInvalidConfig, c.RetryMaxConcurrent)
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("%w: download dir must be set", ErrInvalidConfig)
	}
	return nil
}
