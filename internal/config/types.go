package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	API          APIConfig          `json:"api"`
	Realtime     RealtimeConfig     `json:"realtime"`
	Fallback     FallbackConfig     `json:"fallback"`
	Alerts       AlertsConfig       `json:"alerts"`
	Subscription SubscriptionConfig `json:"subscription"`
	Credentials  CredentialsConfig  `json:"credentials"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Logging      LoggingConfig      `json:"logging"`
	Metrics      MetricsConfig      `json:"metrics"`
	Telegram     *TelegramConfig    `json:"telegram,omitempty"`
}

type APIConfig struct {
	BaseURL   string `json:"base_url"`
	Token     string `json:"token"` // bearer token (do not log)
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// RealtimeConfig configures the websocket channel. An empty URL disables it;
// the fallback then runs permanently.
type RealtimeConfig struct {
	URL          string `json:"url,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`
	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
}

// FallbackConfig seeds the polling fallback. Values persisted through the
// engine at runtime take precedence on the next start.
//
// Defaults: enabled, 30s interval, 3 retries, multiplier 2, indicator shown.
type FallbackConfig struct {
	Enabled           *bool   `json:"enabled,omitempty"`
	PollInterval      string  `json:"poll_interval,omitempty"`
	MaxRetries        *int    `json:"max_retries,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	ShowIndicator     *bool   `json:"show_indicator,omitempty"`
	RequestTimeout    string  `json:"request_timeout,omitempty"`
}

type AlertsConfig struct {
	// Timezone for quiet hours (IANA name). Empty means the host zone.
	Timezone   string  `json:"timezone,omitempty"`
	ToastRate  float64 `json:"toast_rate,omitempty"`
	ToastBurst int     `json:"toast_burst,omitempty"`
	Bell       bool    `json:"bell"`
}

// SubscriptionConfig describes the push side. On a headless host the
// permission and token are static settings.
type SubscriptionConfig struct {
	Permission   string `json:"permission,omitempty"` // unsupported|default|granted|denied
	PushToken    string `json:"push_token,omitempty"` // do not log
	DeviceType   string `json:"device_type,omitempty"`
	ProviderType string `json:"provider_type,omitempty"`
	// SyncSchedule is a cron spec for preference sync. Default "@every 15m".
	SyncSchedule string `json:"sync_schedule,omitempty"`
}

// CredentialsConfig selects the keyring that mirrors the push token.
type CredentialsConfig struct {
	Enabled      bool     `json:"enabled"`
	Service      string   `json:"service,omitempty"`
	Backends     []string `json:"backends,omitempty"`
	FileDir      string   `json:"file_dir,omitempty"`
	FilePassword string   `json:"file_password,omitempty"` // do not log
}

// StorageConfig controls local persistence. Omitted means in-memory.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./notifd_store" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MetricsConfig controls the admin listener: /metrics, /healthz, /status and,
// with Pprof set, /debug/pprof/. Prefer binding to localhost (e.g. "127.0.0.1:9464").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// TelegramConfig forwards alerts to chats.
type TelegramConfig struct {
	Token       string  `json:"token"` // do not log
	ChatIDs     []int64 `json:"chat_ids"`
	ThreadID    int     `json:"thread_id,omitempty"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
}

// Validate checks everything that can be checked without I/O.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url: invalid url %q", c.API.BaseURL))
	}
	if c.Realtime.URL != "" {
		if u, err := url.Parse(c.Realtime.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("realtime.url: want ws:// or wss://, got %q", c.Realtime.URL))
		}
	}

	durations := map[string]string{
		"api.timeout":              c.API.Timeout,
		"realtime.ping_interval":   c.Realtime.PingInterval,
		"realtime.reconnect_min":   c.Realtime.ReconnectMin,
		"realtime.reconnect_max":   c.Realtime.ReconnectMax,
		"fallback.poll_interval":   c.Fallback.PollInterval,
		"fallback.request_timeout": c.Fallback.RequestTimeout,
	}
	if c.Storage != nil {
		durations["storage.busy_timeout"] = c.Storage.BusyTimeout
		if c.Storage.Redis != nil {
			durations["storage.redis.timeout"] = c.Storage.Redis.Timeout
		}
	}
	if c.Telegram != nil {
		durations["telegram.poll_timeout"] = c.Telegram.PollTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if d, _ := ParseDurationField("fallback.poll_interval", c.Fallback.PollInterval); d > 0 && d < time.Second {
		errs = append(errs, errors.New("fallback.poll_interval must be at least 1s"))
	}
	if c.Fallback.MaxRetries != nil && *c.Fallback.MaxRetries < 0 {
		errs = append(errs, errors.New("fallback.max_retries must be >= 0"))
	}
	if m := c.Fallback.BackoffMultiplier; m != 0 && m < 1 {
		errs = append(errs, errors.New("fallback.backoff_multiplier must be >= 1"))
	}
	if tz := strings.TrimSpace(c.Alerts.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("alerts.timezone: %w", err))
		}
	}
	if c.Alerts.ToastRate < 0 || c.Alerts.ToastBurst < 0 {
		errs = append(errs, errors.New("alerts.toast_rate and alerts.toast_burst must be >= 0"))
	}
	switch c.Subscription.Permission {
	case "", "unsupported", "default", "granted", "denied":
	default:
		errs = append(errs, fmt.Errorf("subscription.permission: unknown value %q", c.Subscription.Permission))
	}
	if spec := strings.TrimSpace(c.Subscription.SyncSchedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("subscription.sync_schedule: %w", err))
		}
	}
	if c.Telegram != nil && c.Telegram.Token != "" && len(c.Telegram.ChatIDs) == 0 {
		errs = append(errs, errors.New("telegram.chat_ids is required when telegram.token is set"))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}
