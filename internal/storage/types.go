package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (the default when Driver is empty)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//   - "redis": shared redis instance, keys namespaced by Redis.Prefix
//
// "none" disables persistence; Open then returns ErrDisabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// Well-known keys.
const (
	KeyFallbackConfig = "notifd.fallback_config"
	KeyPreferences    = "notifd.preferences"
	KeyDeviceID       = "notifd.device_id"
)
