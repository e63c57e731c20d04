// Package credential mirrors secrets (the push token) into the system keyring.
package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

// KeyPushToken is the keyring key of the registered push token.
const KeyPushToken = "push-token"

type Config struct {
	ServiceName string
	// Backends restricts the keyring backends tried, in order ("keychain",
	// "secret-service", "wincred", "pass", "file"). Empty means that list.
	Backends     []string
	FileDir      string
	FilePassword string
}

// Store is a thin wrapper over a keyring that treats a missing key as absent, not as an error.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store over the first usable backend.
func Open(cfg Config) (*Store, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "notifd"
	}
	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	if len(cfg.Backends) > 0 {
		backends = backends[:0]
		for _, b := range cfg.Backends {
			backends = append(backends, keyring.BackendType(strings.TrimSpace(b)))
		}
	}
	dir := cfg.FileDir
	if dir == "" {
		dir = "~/.config/" + name + "/credentials"
	}
	pass := cfg.FilePassword
	if pass == "" {
		pass = name + "-file-key"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              name,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(pass),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring), nil
}

func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get returns the value stored under key; ok is false if there is none.
func (s *Store) Get(key string) (value string, ok bool, err error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), true, nil
}

func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "notifd " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
