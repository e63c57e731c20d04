package subscription

import (
	"context"
	"strings"
)

// Static is a Platform and TokenProvider for hosts that cannot prompt: the
// permission and the push token come from configuration.
type Static struct {
	Perm      Permission
	PushToken string
}

// ParsePermission maps a config value; empty means granted when a token is
// configured and unsupported otherwise.
func ParsePermission(raw, token string) Permission {
	switch p := Permission(strings.ToLower(strings.TrimSpace(raw))); p {
	case PermissionUnsupported, PermissionDefault, PermissionGranted, PermissionDenied:
		return p
	}
	if strings.TrimSpace(token) != "" {
		return PermissionGranted
	}
	return PermissionUnsupported
}

func (s Static) Permission() Permission { return s.Perm }

// RequestPermission cannot prompt, so a default permission stays default.
func (s Static) RequestPermission(context.Context) (Permission, error) { return s.Perm, nil }

func (s Static) Token(context.Context) (string, error) {
	if s.PushToken == "" {
		return "", ErrNoToken
	}
	return s.PushToken, nil
}

func (Static) Revoke(context.Context, string) error { return nil }
