// Package subscription owns the push channel: the notification permission,
// the push token and its registration with the server, and the user's alert
// preferences (stored on the server, mirrored locally).
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifd/internal/api"
	"notifd/internal/channel"
	"notifd/internal/credential"
	"notifd/internal/eventbus"
	"notifd/internal/notification"
	"notifd/internal/storage"
	logx "notifd/pkg/logx"
)

var (
	ErrPermissionDenied = errors.New("notification permission denied")
	// ErrPermissionDismissed means the prompt closed without a decision; it may be asked again.
	ErrPermissionDismissed = errors.New("notification permission prompt dismissed")
	ErrUnsupported         = errors.New("push notifications unsupported")
	ErrNoToken             = errors.New("no push token available")
)

// Permission moves unsupported → default → granted|denied. denied is terminal.
type Permission string

const (
	PermissionUnsupported Permission = "unsupported"
	PermissionDefault     Permission = "default"
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
)

// Platform is the OS side of notification permission.
type Platform interface {
	Permission() Permission
	// RequestPermission prompts the user. Only called from PermissionDefault.
	RequestPermission(ctx context.Context) (Permission, error)
}

// TokenProvider issues and revokes push credentials.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Revoke(ctx context.Context, token string) error
}

// Server is the remote half: token registration and preferences.
type Server interface {
	RegisterToken(ctx context.Context, reg api.TokenRegistration) error
	DeleteToken(ctx context.Context, token string) error
	GetPreferences(ctx context.Context) (notification.Preferences, error)
	PutPreferences(ctx context.Context, p notification.Preferences) error
}

// PushSink receives the derived push channel status.
type PushSink interface {
	SetPush(channel.PushStatus)
}

// Secrets mirrors the registered token outside the process.
type Secrets interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

type Config struct {
	DeviceType   string
	ProviderType string
	UserAgent    string
}

// State is a read-only snapshot.
type State struct {
	Permission Permission `json:"permission"`
	Active     bool       `json:"active"`
	HasToken   bool       `json:"hasToken"`
	DeviceID   string     `json:"deviceId"`
}

type Option func(*Manager)

func WithKV(kv storage.KV) Option         { return func(m *Manager) { m.kv = kv } }
func WithSecrets(s Secrets) Option        { return func(m *Manager) { m.secrets = s } }
func WithPushSink(p PushSink) Option      { return func(m *Manager) { m.push = p } }
func WithBus(b eventbus.Bus) Option       { return func(m *Manager) { m.bus = b } }
func WithClock(f func() time.Time) Option { return func(m *Manager) { m.now = f } }

type Manager struct {
	// op serializes operations that suspend (prompt, token, network).
	op sync.Mutex

	mu         sync.RWMutex
	perm       Permission
	token      string // currently registered with the server
	active     bool
	prefs      notification.Preferences
	deviceID   string
	lastStatus channel.PushStatus
	// unsynced is set while a local preference change has not reached the
	// server. Sync pushes it before letting the server win again.
	unsynced   bool

	cfg      Config
	platform Platform
	tokens   TokenProvider
	server   Server
	kv       storage.KV
	secrets  Secrets
	push     PushSink
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, platform Platform, tokens TokenProvider, server Server, log logx.Logger, opts ...Option) *Manager {
	if cfg.DeviceType == "" {
		cfg.DeviceType = "web"
	}
	m := &Manager{
		perm:     PermissionUnsupported,
		prefs:    notification.DefaultPreferences(),
		cfg:      cfg,
		platform: platform,
		tokens:   tokens,
		server:   server,
		bus:      eventbus.Nop{},
		log:      log.With(logx.String("comp", "subscription")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus == nil {
		m.bus = eventbus.Nop{}
	}
	return m
}

// Init loads the device id and the local preference mirror, reads the platform
// permission and, when already granted and enabled, re-registers the token.
func (m *Manager) Init(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	id, err := m.loadDeviceID(ctx)
	if err != nil {
		m.log.Warn("device id not persisted", logx.Err(err))
	}
	prefs := notification.DefaultPreferences()
	if _, err := storage.LoadJSON(ctx, m.kv, storage.KeyPreferences, &prefs); err != nil {
		m.log.Warn("load preference mirror failed", logx.Err(err))
	}
	if prefs.Validate() != nil {
		prefs = notification.DefaultPreferences()
	}

	m.mu.Lock()
	m.deviceID = id
	m.prefs = prefs
	m.perm = m.platformPermission()
	perm := m.perm
	m.mu.Unlock()

	if perm == PermissionGranted && prefs.Enabled {
		if err := m.ensureRegistered(ctx); err != nil {
			m.notify()
			return err
		}
	}
	m.notify()
	return nil
}

func (m *Manager) loadDeviceID(ctx context.Context) (string, error) {
	if m.kv != nil {
		b, ok, err := m.kv.Get(ctx, storage.KeyDeviceID)
		if err == nil && ok {
			if id, perr := uuid.ParseBytes(b); perr == nil {
				return id.String(), nil
			}
		}
	}
	id := uuid.NewString()
	if m.kv == nil {
		return id, nil
	}
	return id, m.kv.Put(ctx, storage.KeyDeviceID, []byte(id))
}

func (m *Manager) platformPermission() Permission {
	if m.platform == nil {
		return PermissionUnsupported
	}
	return m.platform.Permission()
}

// RequestPermission prompts only from the default state. With permission
// already granted it just makes sure a live token is registered.
func (m *Manager) RequestPermission(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	perm := m.platformPermission()
	m.setPermission(perm)

	switch perm {
	case PermissionUnsupported:
		m.notify()
		return ErrUnsupported
	case PermissionDenied:
		m.notify()
		return ErrPermissionDenied
	case PermissionDefault:
		got, err := m.platform.RequestPermission(ctx)
		if err != nil {
			return fmt.Errorf("requesting permission: %w", err)
		}
		m.setPermission(got)
		switch got {
		case PermissionGranted:
		case PermissionDenied:
			m.log.Info("notification permission denied by user")
			m.notify()
			return ErrPermissionDenied
		default:
			m.notify()
			return ErrPermissionDismissed
		}
	}

	m.mu.Lock()
	enabled := m.prefs.Enabled
	m.prefs.Enabled = true
	prefs := m.prefs
	m.mu.Unlock()
	if !enabled {
		m.mirror(ctx, prefs)
	}

	err := m.ensureRegistered(ctx)
	m.notify()
	return err
}

// ensureRegistered registers the current token unless that exact token is
// already registered. Callers hold m.op.
func (m *Manager) ensureRegistered(ctx context.Context) error {
	if m.tokens == nil {
		return ErrNoToken
	}
	tok, err := m.tokens.Token(ctx)
	if err != nil {
		m.setActive("", false)
		return fmt.Errorf("%w: %w", ErrNoToken, err)
	}
	if tok == "" {
		m.setActive("", false)
		return ErrNoToken
	}

	m.mu.RLock()
	same := m.active && m.token == tok
	deviceID := m.deviceID
	m.mu.RUnlock()
	if same {
		return nil
	}

	err = m.server.RegisterToken(ctx, api.TokenRegistration{
		Token:        tok,
		DeviceType:   m.cfg.DeviceType,
		UserAgent:    m.cfg.UserAgent,
		ProviderType: m.cfg.ProviderType,
		Timestamp:    m.now().UnixMilli(),
		DeviceID:     deviceID,
	})
	if err != nil {
		m.setActive("", false)
		return fmt.Errorf("registering push token: %w", err)
	}
	m.setActive(tok, true)
	if m.secrets != nil {
		if err := m.secrets.Set(credential.KeyPushToken, tok); err != nil {
			m.log.Warn("mirror push token failed", logx.Err(err))
		}
	}
	m.log.Info("push token registered", logx.String("device_id", deviceID))
	return nil
}

// Disable tears the push subscription down. Every remote step is best-effort;
// locally the subscription always ends disabled.
func (m *Manager) Disable(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	tok := m.token
	m.token = ""
	m.active = false
	m.prefs.Enabled = false
	prefs := m.prefs
	m.mu.Unlock()

	if tok == "" && m.secrets != nil {
		if v, ok, err := m.secrets.Get(credential.KeyPushToken); err == nil && ok {
			tok = v
		}
	}
	if tok != "" {
		if m.tokens != nil {
			if err := m.tokens.Revoke(ctx, tok); err != nil {
				m.log.Warn("revoke push token failed", logx.Err(err))
			}
		}
		if err := m.server.DeleteToken(ctx, tok); err != nil {
			m.log.Warn("server token deletion failed", logx.Err(err))
		}
	}
	if m.secrets != nil {
		if err := m.secrets.Delete(credential.KeyPushToken); err != nil {
			m.log.Warn("clear push token mirror failed", logx.Err(err))
		}
	}
	err := m.mirror(ctx, prefs)
	m.pushPreferences(ctx, prefs)
	m.notify()
	return err
}

// UpdatePreferences applies patch locally first, then on the server. A server
// failure is returned but the local change stays.
func (m *Manager) UpdatePreferences(ctx context.Context, patch notification.PreferencesPatch) (notification.Preferences, error) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	next := m.prefs.Merge(patch)
	if err := next.Validate(); err != nil {
		cur := m.prefs
		m.mu.Unlock()
		return cur, err
	}
	m.prefs = next
	m.mu.Unlock()

	m.mirror(ctx, next)
	m.publish()
	if err := m.pushPreferences(ctx, next); err != nil {
		return next, fmt.Errorf("saving preferences on server: %w", err)
	}
	return next, nil
}

// pushPreferences saves p on the server, remembering a failure so the next
// Sync does not overwrite the local change. Callers hold m.op.
func (m *Manager) pushPreferences(ctx context.Context, p notification.Preferences) error {
	err := m.server.PutPreferences(ctx, p)
	m.mu.Lock()
	m.unsynced = err != nil
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("save preferences on server failed", logx.Err(err))
	}
	return err
}

// Sync pulls server preferences (the server wins when reachable) and
// re-registers the token when granted and enabled, picking up rotated tokens.
// A local change the server never accepted is pushed first; while that push
// keeps failing the local copy stays authoritative.
func (m *Manager) Sync(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	var errs []error
	m.mu.RLock()
	unsynced, local := m.unsynced, m.prefs
	m.mu.RUnlock()
	if unsynced {
		if err := m.pushPreferences(ctx, local); err != nil {
			errs = append(errs, fmt.Errorf("saving preferences on server: %w", err))
		}
	}

	var (
		remote notification.Preferences
		err    error
	)
	if len(errs) == 0 {
		remote, err = m.server.GetPreferences(ctx)
	}
	switch {
	case len(errs) > 0:
	case err != nil:
		errs = append(errs, fmt.Errorf("fetching preferences: %w", err))
	case remote.Validate() != nil:
		m.log.Warn("server preferences invalid; keeping local copy", logx.Err(remote.Validate()))
	default:
		m.mu.Lock()
		m.prefs = remote
		m.mu.Unlock()
		m.mirror(ctx, remote)
	}

	perm := m.platformPermission()
	m.setPermission(perm)
	m.mu.RLock()
	enabled := m.prefs.Enabled
	m.mu.RUnlock()
	if perm == PermissionGranted && enabled {
		if err := m.ensureRegistered(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if perm != PermissionGranted {
		m.setActive("", false)
	}
	m.notify()
	return errors.Join(errs...)
}

func (m *Manager) Preferences() notification.Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		Permission: m.perm,
		Active:     m.active,
		HasToken:   m.token != "",
		DeviceID:   m.deviceID,
	}
}

// PushStatus derives the channel status from permission and registration.
func (m *Manager) PushStatus() channel.PushStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushStatusLocked()
}

func (m *Manager) pushStatusLocked() channel.PushStatus {
	switch {
	case m.perm == PermissionDenied:
		return channel.PushDenied
	case m.perm == PermissionGranted && m.active:
		return channel.PushAvailable
	default:
		return channel.PushUnavailable
	}
}

func (m *Manager) setPermission(p Permission) {
	m.mu.Lock()
	if m.perm != p {
		m.log.Debug("permission changed", logx.String("from", string(m.perm)), logx.String("to", string(p)))
	}
	m.perm = p
	if p != PermissionGranted {
		m.active = false
	}
	m.mu.Unlock()
}

func (m *Manager) setActive(token string, active bool) {
	m.mu.Lock()
	m.token = token
	m.active = active
	m.mu.Unlock()
}

// notify pushes the derived status to the monitor and the bus.
func (m *Manager) notify() {
	m.mu.Lock()
	st := m.pushStatusLocked()
	changed := st != m.lastStatus
	m.lastStatus = st
	m.mu.Unlock()
	if m.push != nil {
		m.push.SetPush(st)
	}
	if changed {
		m.publish()
	}
}

func (m *Manager) publish() {
	m.bus.Publish(eventbus.Event{Topic: eventbus.TopicSubscription, Data: m.State()})
}

func (m *Manager) mirror(ctx context.Context, p notification.Preferences) error {
	if m.kv == nil {
		return nil
	}
	if err := storage.SaveJSON(ctx, m.kv, storage.KeyPreferences, p); err != nil {
		m.log.Warn("mirror preferences failed", logx.Err(err))
		return err
	}
	return nil
}
