// Package channel tracks the health of the two live delivery channels (push
// and real-time) and decides whether the polling fallback must run.
package channel

import (
	"sync"
	"sync/atomic"

	"notifd/internal/eventbus"
	logx "notifd/pkg/logx"
)

type PushStatus string

const (
	PushAvailable   PushStatus = "available"
	PushUnavailable PushStatus = "unavailable"
	PushDenied      PushStatus = "denied"
)

type RealtimeStatus string

const (
	RealtimeConnected    RealtimeStatus = "connected"
	RealtimeDisconnected RealtimeStatus = "disconnected"
	RealtimeError        RealtimeStatus = "error"
)

// State is an immutable snapshot. FallbackActive is derived, never set directly.
type State struct {
	Push            PushStatus     `json:"push"`
	Realtime        RealtimeStatus `json:"realtime"`
	FallbackEnabled bool           `json:"fallbackEnabled"`
	FallbackActive  bool           `json:"fallbackActive"`
}

func (s State) derive() State {
	s.FallbackActive = s.FallbackEnabled && (s.Push != PushAvailable || s.Realtime != RealtimeConnected)
	return s
}

// Monitor is the single writer of State. Reads are lock-free.
type Monitor struct {
	mu    sync.Mutex
	state atomic.Pointer[State]
	subs  map[uint64]chan State
	seq   uint64

	bus eventbus.Bus
	log logx.Logger
}

// New starts with both channels down and the fallback enabled.
func New(bus eventbus.Bus, log logx.Logger) *Monitor {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	m := &Monitor{
		subs: map[uint64]chan State{},
		bus:  bus,
		log:  log.With(logx.String("comp", "channel")),
	}
	st := State{Push: PushUnavailable, Realtime: RealtimeDisconnected, FallbackEnabled: true}.derive()
	m.state.Store(&st)
	return m
}

func (m *Monitor) State() State { return *m.state.Load() }

// ShouldUseFallback reports whether polling must run right now.
func (m *Monitor) ShouldUseFallback() bool { return m.state.Load().FallbackActive }

func (m *Monitor) SetPush(s PushStatus) {
	m.update(func(st *State) { st.Push = s })
}

func (m *Monitor) SetRealtime(s RealtimeStatus) {
	m.update(func(st *State) { st.Realtime = s })
}

func (m *Monitor) SetFallbackEnabled(v bool) {
	m.update(func(st *State) { st.FallbackEnabled = v })
}

func (m *Monitor) update(fn func(*State)) {
	m.mu.Lock()
	prev := *m.state.Load()
	next := prev
	fn(&next)
	next = next.derive()
	if next == prev {
		m.mu.Unlock()
		return
	}
	m.state.Store(&next)
	// Latest wins: a subscriber that has not drained the previous state gets it replaced.
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
	m.mu.Unlock()

	if prev.FallbackActive != next.FallbackActive {
		m.log.Info("fallback activity changed",
			logx.Bool("active", next.FallbackActive),
			logx.String("push", string(next.Push)),
			logx.String("realtime", string(next.Realtime)),
		)
	} else {
		m.log.Debug("channel state changed",
			logx.String("push", string(next.Push)),
			logx.String("realtime", string(next.Realtime)),
			logx.Bool("fallback_enabled", next.FallbackEnabled),
		)
	}
	m.bus.Publish(eventbus.Event{Topic: eventbus.TopicChannelState, Data: next})
}

// Subscribe returns a channel that always holds the most recent state not yet
// received. The current state is delivered immediately. unsubscribe is idempotent.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.mu.Lock()
	m.seq++
	id := m.seq
	m.subs[id] = ch
	ch <- *m.state.Load()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			close(ch)
			m.mu.Unlock()
		})
	}
}
