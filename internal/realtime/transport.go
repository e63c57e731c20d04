// Package realtime is the live delivery channel: a long-lived connection to
// the notification server that pushes named events as they happen.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"notifd/internal/channel"
)

// Message is one named event frame: {"event": "...", "data": {...}}.
type Message struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"-"`
}

// ConnectionEvent reports a change of the connection state.
type ConnectionEvent struct {
	Status channel.RealtimeStatus
	Err    error
	At     time.Time
}

// Handler receives transport events. Either func may be nil.
// Handlers run on the transport's read goroutine and must not block.
type Handler struct {
	OnMessage    func(Message)
	OnConnection func(ConnectionEvent)
}

// Transport is the real-time channel.
type Transport interface {
	// Subscribe registers h. The returned func removes it and is safe to call
	// more than once.
	Subscribe(h Handler) (unsubscribe func())
	Status() channel.RealtimeStatus
	// Run keeps the connection up until ctx is done.
	Run(ctx context.Context) error
}

// hub fans events out to subscribed handlers and tracks the last status.
type hub struct {
	mu     sync.RWMutex
	subs   map[uint64]Handler
	seq    uint64
	status channel.RealtimeStatus
}

func newHub() *hub {
	return &hub{subs: map[uint64]Handler{}, status: channel.RealtimeDisconnected}
}

func (h *hub) Subscribe(fn Handler) func() {
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) Status() channel.RealtimeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *hub) snapshot() []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Handler, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// setStatus records s and notifies handlers. Errors are always delivered,
// other statuses only on change.
func (h *hub) setStatus(s channel.RealtimeStatus, err error) {
	h.mu.Lock()
	changed := h.status != s
	h.status = s
	h.mu.Unlock()
	if !changed && s != channel.RealtimeError {
		return
	}
	ev := ConnectionEvent{Status: s, Err: err, At: time.Now()}
	for _, sub := range h.snapshot() {
		if sub.OnConnection != nil {
			sub.OnConnection(ev)
		}
	}
}

func (h *hub) deliver(m Message) {
	for _, sub := range h.snapshot() {
		if sub.OnMessage != nil {
			sub.OnMessage(m)
		}
	}
}
