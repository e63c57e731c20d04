package config

import (
	"reflect"
	"strings"

	logx "notifd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets only ever show up as "*_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := redact(oldCfg), redact(newCfg)

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(o.API, n.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", n.API.BaseURL),
			logx.String("api.timeout", n.API.Timeout),
			logx.Bool("api.token_set", n.API.Token != ""),
		)
	}
	if !reflect.DeepEqual(o.Realtime, n.Realtime) {
		changed = append(changed, "realtime")
		attrs = append(attrs,
			logx.Bool("realtime.enabled", n.Realtime.URL != ""),
			logx.String("realtime.ping_interval", n.Realtime.PingInterval),
		)
	}
	if !reflect.DeepEqual(o.Fallback, n.Fallback) {
		changed = append(changed, "fallback")
		attrs = append(attrs,
			logx.Bool("fallback.enabled", n.Fallback.Enabled == nil || *n.Fallback.Enabled),
			logx.String("fallback.poll_interval", n.Fallback.PollInterval),
		)
		if n.Fallback.MaxRetries != nil {
			attrs = append(attrs, logx.Int("fallback.max_retries", *n.Fallback.MaxRetries))
		}
	}
	if !reflect.DeepEqual(o.Alerts, n.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.String("alerts.timezone", n.Alerts.Timezone),
			logx.Float64("alerts.toast_rate", n.Alerts.ToastRate),
			logx.Int("alerts.toast_burst", n.Alerts.ToastBurst),
			logx.Bool("alerts.bell", n.Alerts.Bell),
		)
	}
	if !reflect.DeepEqual(o.Subscription, n.Subscription) {
		changed = append(changed, "subscription")
		attrs = append(attrs,
			logx.String("subscription.permission", n.Subscription.Permission),
			logx.Bool("subscription.push_token_set", n.Subscription.PushToken != ""),
			logx.String("subscription.sync_schedule", n.Subscription.SyncSchedule),
		)
	}
	if !reflect.DeepEqual(o.Credentials, n.Credentials) {
		changed = append(changed, "credentials")
		attrs = append(attrs,
			logx.Bool("credentials.enabled", n.Credentials.Enabled),
			logx.String("credentials.backends", strings.Join(n.Credentials.Backends, ",")),
		)
	}
	if !reflect.DeepEqual(o.Storage, n.Storage) {
		changed = append(changed, "storage")
		driver := "memory"
		if n.Storage != nil && n.Storage.Driver != "" {
			driver = n.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}
	if !reflect.DeepEqual(o.Logging, n.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", n.Logging.Level),
			logx.Bool("logx.console", n.Logging.Console),
			logx.Bool("logx.file_enabled", n.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(o.Metrics, n.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", n.Metrics.Enabled),
			logx.String("metrics.addr", n.Metrics.Addr),
			logx.Bool("metrics.pprof", n.Metrics.Pprof),
		)
	}
	if !reflect.DeepEqual(o.Telegram, n.Telegram) {
		changed = append(changed, "telegram")
		chats := 0
		if n.Telegram != nil {
			chats = len(n.Telegram.ChatIDs)
		}
		attrs = append(attrs,
			logx.Bool("telegram.enabled", n.Telegram != nil && n.Telegram.Token != ""),
			logx.Int("telegram.chat_count", chats),
		)
	}
	return changed, attrs
}

// RestartRequired reports whether any changed section can only take effect
// after a restart. Only logging, alerts and fallback apply live; the app
// additionally applies an api change that touches nothing but the token.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "logging", "alerts", "fallback":
		default:
			return true
		}
	}
	return false
}

// redact returns a copy with secrets trimmed and replaced by a marker, so
// rotations still count as a change without exposing the value.
func redact(c *Config) Config {
	out := *c
	mark := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return ""
		}
		return "#" + hashString(s)
	}
	out.API.Token = mark(out.API.Token)
	out.Subscription.PushToken = mark(out.Subscription.PushToken)
	out.Credentials.FilePassword = mark(out.Credentials.FilePassword)
	if c.Storage != nil {
		st := *c.Storage
		if st.Redis != nil {
			r := *st.Redis
			r.Password = mark(r.Password)
			st.Redis = &r
		}
		out.Storage = &st
	}
	if c.Telegram != nil {
		tg := *c.Telegram
		tg.Token = mark(tg.Token)
		out.Telegram = &tg
	}
	return out
}
