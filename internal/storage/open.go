package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	logx "notifd/pkg/logx"
)

// KV is the persistence API used by the poller and subscription manager.
// Get reports ok=false for a missing key; that is not an error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (KV, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// LoadJSON decodes the document stored under key into out.
// A missing or undecodable document leaves out untouched and reports false;
// only driver failures are returned as errors.
func LoadJSON(ctx context.Context, kv KV, key string, out any) (bool, error) {
	if kv == nil {
		return false, nil
	}
	b, ok, err := kv.Get(ctx, key)
	if err != nil || !ok || len(b) == 0 {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, nil
	}
	return true, nil
}

// SaveJSON encodes v and stores it under key.
func SaveJSON(ctx context.Context, kv KV, key string, v any) error {
	if kv == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kv.Put(ctx, key, b)
}
