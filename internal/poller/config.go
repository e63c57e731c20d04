package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"notifd/internal/storage"
)

// Config controls the fallback poller. It is user-tunable at runtime through
// Engine.UpdateConfig and persisted under storage.KeyFallbackConfig.
type Config struct {
	Enabled           bool
	PollInterval      time.Duration
	MaxRetries        int
	BackoffMultiplier float64
	ShowIndicator     bool
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		PollInterval:      30 * time.Second,
		MaxRetries:        3,
		BackoffMultiplier: 2,
		ShowIndicator:     true,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("pollInterval must be at least 1s, got %s", c.PollInterval))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("maxRetries must be >= 0, got %d", c.MaxRetries))
	}
	if c.BackoffMultiplier < 1 || math.IsNaN(c.BackoffMultiplier) || math.IsInf(c.BackoffMultiplier, 0) {
		errs = append(errs, fmt.Errorf("backoffMultiplier must be a finite number >= 1, got %v", c.BackoffMultiplier))
	}
	return errors.Join(errs...)
}

// RetryDelay is the wait before the k-th retry (k starts at 1):
// PollInterval * BackoffMultiplier^(k-1).
func RetryDelay(c Config, k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := float64(c.PollInterval) * math.Pow(c.BackoffMultiplier, float64(k-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ConfigPatch is a partial update; nil fields are left untouched.
type ConfigPatch struct {
	Enabled           *bool
	PollInterval      *time.Duration
	MaxRetries        *int
	BackoffMultiplier *float64
	ShowIndicator     *bool
}

func (c Config) Merge(p ConfigPatch) Config {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.PollInterval != nil {
		c.PollInterval = *p.PollInterval
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.BackoffMultiplier != nil {
		c.BackoffMultiplier = *p.BackoffMultiplier
	}
	if p.ShowIndicator != nil {
		c.ShowIndicator = *p.ShowIndicator
	}
	return c
}

// persistedConfig is the stored JSON form; durations are integer milliseconds.
type persistedConfig struct {
	Enabled           bool    `json:"enabled"`
	PollInterval      int64   `json:"pollInterval"`
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	ShowIndicator     bool    `json:"showIndicator"`
}

// LoadConfig reads the persisted config. A missing, corrupt or invalid
// document yields def; only storage failures are returned.
func LoadConfig(ctx context.Context, kv storage.KV, def Config) (Config, error) {
	var p persistedConfig
	ok, err := storage.LoadJSON(ctx, kv, storage.KeyFallbackConfig, &p)
	if err != nil || !ok {
		return def, err
	}
	c := Config{
		Enabled:           p.Enabled,
		PollInterval:      time.Duration(p.PollInterval) * time.Millisecond,
		MaxRetries:        p.MaxRetries,
		BackoffMultiplier: p.BackoffMultiplier,
		ShowIndicator:     p.ShowIndicator,
	}
	if c.Validate() != nil {
		return def, nil
	}
	return c, nil
}

func SaveConfig(ctx context.Context, kv storage.KV, c Config) error {
	return storage.SaveJSON(ctx, kv, storage.KeyFallbackConfig, persistedConfig{
		Enabled:           c.Enabled,
		PollInterval:      c.PollInterval.Milliseconds(),
		MaxRetries:        c.MaxRetries,
		BackoffMultiplier: c.BackoffMultiplier,
		ShowIndicator:     c.ShowIndicator,
	})
}
