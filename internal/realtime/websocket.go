package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"notifd/internal/channel"
	"notifd/internal/eventbus"
	logx "notifd/pkg/logx"
)

type Config struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	PingInterval time.Duration
	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 60 * time.Second
		if c.ReconnectMax < c.ReconnectMin {
			c.ReconnectMax = c.ReconnectMin
		}
	}
	return c
}

// WebSocket is a Transport over gorilla/websocket that reconnects with
// exponential backoff until its context ends.
type WebSocket struct {
	*hub
	cfg    Config
	token  atomic.Pointer[string]
	dialer *websocket.Dialer
	bus    eventbus.Bus
	log    logx.Logger
}

func NewWebSocket(cfg Config, bus eventbus.Bus, log logx.Logger) *WebSocket {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = eventbus.Nop{}
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}
	w := &WebSocket{
		hub:    newHub(),
		cfg:    cfg,
		dialer: dialer,
		bus:    bus,
		log:    log.With(logx.String("comp", "realtime")),
	}
	w.SetToken(cfg.Token)
	return w
}

// SetToken replaces the bearer token used from the next dial on.
func (w *WebSocket) SetToken(token string) {
	token = strings.TrimSpace(token)
	w.token.Store(&token)
}

func (w *WebSocket) Run(ctx context.Context) error {
	if w.cfg.URL == "" {
		return errors.New("realtime: url is required")
	}
	delay := w.cfg.ReconnectMin
	for {
		connected, err := w.session(ctx)
		if ctx.Err() != nil {
			w.setStatus(channel.RealtimeDisconnected, nil)
			w.publish(channel.RealtimeDisconnected, nil)
			return nil
		}
		if connected {
			delay = w.cfg.ReconnectMin
		}
		w.setStatus(channel.RealtimeError, err)
		w.publish(channel.RealtimeError, err)
		w.log.Warn("connection lost", logx.Err(err), logx.Duration("retry_in", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			w.setStatus(channel.RealtimeDisconnected, nil)
			w.publish(channel.RealtimeDisconnected, nil)
			return nil
		case <-t.C:
		}
		delay *= 2
		if delay > w.cfg.ReconnectMax {
			delay = w.cfg.ReconnectMax
		}
	}
}

// session dials once and pumps frames until the connection fails or ctx ends.
func (w *WebSocket) session(ctx context.Context) (connected bool, err error) {
	hdr := http.Header{}
	if tok := *w.token.Load(); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}
	dctx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	conn, resp, err := w.dialer.DialContext(dctx, w.cfg.URL, hdr)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer conn.Close()

	w.log.Info("connected", logx.String("url", w.cfg.URL))
	w.setStatus(channel.RealtimeConnected, nil)
	w.publish(channel.RealtimeConnected, nil)

	wait := 2 * w.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	done := make(chan struct{})
	defer close(done)
	go w.keepalive(ctx, conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			w.log.Debug("dropping unparseable frame", logx.Int("bytes", len(raw)))
			w.bus.Publish(eventbus.Event{Topic: eventbus.TopicRealtimeDropped, Data: string(raw)})
			continue
		}
		msg.ReceivedAt = time.Now()
		w.deliver(msg)
	}
}

// keepalive pings on an interval and closes conn when ctx ends, which unblocks the read loop.
func (w *WebSocket) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(w.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (w *WebSocket) publish(s channel.RealtimeStatus, err error) {
	ev := ConnectionEvent{Status: s, Err: err, At: time.Now()}
	w.bus.Publish(eventbus.Event{Topic: eventbus.TopicRealtimeConn, Data: ev})
}
