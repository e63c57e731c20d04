package app

import (
	"fmt"
	"strings"
	"time"

	"notifd/internal/alert"
	"notifd/internal/api"
	"notifd/internal/config"
	"notifd/internal/credential"
	"notifd/internal/poller"
	"notifd/internal/presenter"
	"notifd/internal/realtime"
	"notifd/internal/storage"
	logx "notifd/pkg/logx"
)

const defaultSyncSchedule = "@every 15m"

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func apiConfig(cfg *config.Config) api.Config {
	return api.Config{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.API.Token,
		Timeout:   config.DurationOr(cfg.API.Timeout, 15*time.Second),
		UserAgent: cfg.API.UserAgent,
	}
}

func tokenChanged(oldCfg, newCfg *config.Config) bool {
	return strings.TrimSpace(oldCfg.API.Token) != strings.TrimSpace(newCfg.API.Token)
}

// onlyTokenChanged reports whether the api section differs in nothing but the
// token, which applies live.
func onlyTokenChanged(oldCfg, newCfg *config.Config) bool {
	o, n := oldCfg.API, newCfg.API
	o.Token, n.Token = "", ""
	return o == n
}

func realtimeConfig(cfg *config.Config) realtime.Config {
	return realtime.Config{
		URL:          cfg.Realtime.URL,
		Token:        cfg.API.Token,
		PingInterval: config.DurationOr(cfg.Realtime.PingInterval, 0),
		ReconnectMin: config.DurationOr(cfg.Realtime.ReconnectMin, 0),
		ReconnectMax: config.DurationOr(cfg.Realtime.ReconnectMax, 0),
	}
}

// fallbackConfig is the file's view of the poller config, on top of the defaults.
func fallbackConfig(cfg *config.Config) poller.Config {
	pc := poller.DefaultConfig()
	f := cfg.Fallback
	if f.Enabled != nil {
		pc.Enabled = *f.Enabled
	}
	pc.PollInterval = config.DurationOr(f.PollInterval, pc.PollInterval)
	if f.MaxRetries != nil {
		pc.MaxRetries = *f.MaxRetries
	}
	if f.BackoffMultiplier != 0 {
		pc.BackoffMultiplier = f.BackoffMultiplier
	}
	if f.ShowIndicator != nil {
		pc.ShowIndicator = *f.ShowIndicator
	}
	return pc
}

// fallbackPatch holds only the fields that differ between two file configs,
// so a reload does not clobber values tuned at runtime.
func fallbackPatch(oldCfg, newCfg *config.Config) (poller.ConfigPatch, bool) {
	o, n := fallbackConfig(oldCfg), fallbackConfig(newCfg)
	var p poller.ConfigPatch
	changed := false
	if o.Enabled != n.Enabled {
		p.Enabled, changed = &n.Enabled, true
	}
	if o.PollInterval != n.PollInterval {
		p.PollInterval, changed = &n.PollInterval, true
	}
	if o.MaxRetries != n.MaxRetries {
		p.MaxRetries, changed = &n.MaxRetries, true
	}
	if o.BackoffMultiplier != n.BackoffMultiplier {
		p.BackoffMultiplier, changed = &n.BackoffMultiplier, true
	}
	if o.ShowIndicator != n.ShowIndicator {
		p.ShowIndicator, changed = &n.ShowIndicator, true
	}
	return p, changed
}

func alertsConfig(cfg *config.Config) (alert.Config, error) {
	ac := alert.Config{ToastRate: cfg.Alerts.ToastRate, ToastBurst: cfg.Alerts.ToastBurst}
	if tz := strings.TrimSpace(cfg.Alerts.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return alert.Config{}, fmt.Errorf("alerts.timezone: %w", err)
		}
		ac.Location = loc
	}
	return ac, nil
}

// storageConfig maps the storage section. A nil section means in-memory.
func storageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	out := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: config.DurationOr(sc.BusyTimeout, time.Second),
	}
	switch out.Driver {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", out.Driver)
		}
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
	}
	if sc.Redis != nil {
		out.Redis = storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
			Timeout:  config.DurationOr(sc.Redis.Timeout, 0),
		}
	}
	return out, nil
}

func credentialConfig(cfg *config.Config) credential.Config {
	return credential.Config{
		ServiceName:  cfg.Credentials.Service,
		Backends:     cfg.Credentials.Backends,
		FileDir:      cfg.Credentials.FileDir,
		FilePassword: cfg.Credentials.FilePassword,
	}
}

// telegramConfig reports false when the section is absent or has no token.
func telegramConfig(cfg *config.Config) (presenter.TelegramConfig, bool) {
	tg := cfg.Telegram
	if tg == nil || strings.TrimSpace(tg.Token) == "" {
		return presenter.TelegramConfig{}, false
	}
	return presenter.TelegramConfig{
		Token:       tg.Token,
		ChatIDs:     tg.ChatIDs,
		ThreadID:    tg.ThreadID,
		PollTimeout: config.DurationOr(tg.PollTimeout, 10*time.Second),
	}, true
}

func syncSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Subscription.SyncSchedule); s != "" {
		return s
	}
	return defaultSyncSchedule
}
