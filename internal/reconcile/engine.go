// Package reconcile joins the live channel and the polling fallback into one
// notification stream. It owns no state of its own: records live in the
// inbox, channel health in the monitor, polling in the poller.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifd/internal/alert"
	"notifd/internal/channel"
	"notifd/internal/inbox"
	"notifd/internal/notification"
	"notifd/internal/poller"
	"notifd/internal/realtime"
	"notifd/internal/runtime/supervisor"
	"notifd/internal/subscription"
	logx "notifd/pkg/logx"
)

var ErrNotFound = errors.New("notification not found")

// ReadMarker acknowledges reads on the server.
type ReadMarker interface {
	MarkRead(ctx context.Context, id string) error
}

// Observer receives live-event outcomes and channel snapshots. Optional.
type Observer interface {
	LiveEvent(name, outcome string)
	ChannelState(s channel.State)
}

type Deps struct {
	Store     *inbox.Store
	Monitor   *channel.Monitor
	Poller    *poller.Engine
	Alerts    *alert.Dispatcher
	Transport realtime.Transport
	Server    ReadMarker

	// Subscription is optional; without it push stays unavailable.
	Subscription *subscription.Manager
	Observer     Observer
}

// Status is the combined view surfaced to the user.
type Status struct {
	Channel      channel.State       `json:"channel"`
	Poller       poller.Status       `json:"poller"`
	Inbox        inbox.Stats         `json:"inbox"`
	Records      int                 `json:"records"`
	Unread       int                 `json:"unread"`
	Subscription *subscription.State `json:"subscription,omitempty"`
	CanRetry     bool                `json:"canRetry"`
}

type Engine struct {
	d   Deps
	log logx.Logger
	now func() time.Time
}

func New(d Deps, log logx.Logger) (*Engine, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("reconcile: store is required")
	case d.Monitor == nil:
		return nil, errors.New("reconcile: monitor is required")
	case d.Poller == nil:
		return nil, errors.New("reconcile: poller is required")
	case d.Transport == nil:
		return nil, errors.New("reconcile: transport is required")
	}
	e := &Engine{d: d, log: log.With(logx.String("comp", "reconcile")), now: time.Now}
	if d.Alerts != nil {
		d.Store.AddListener(d.Alerts.Handle)
	}
	return e, nil
}

// Run wires the transport into the store and monitor, starts the poller
// watch and the transport, and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(e.log))

	unsub := e.d.Transport.Subscribe(realtime.Handler{
		OnMessage:    e.handleLive,
		OnConnection: e.handleConnection,
	})
	defer unsub()

	states, unwatch := e.d.Monitor.Subscribe()
	sup.Go("poller.watch", func(ctx context.Context) error {
		return e.d.Poller.Watch(ctx, states)
	})
	if e.d.Observer != nil {
		obsStates, unobserve := e.d.Monitor.Subscribe()
		defer unobserve()
		sup.Go("channel.observe", func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case st, ok := <-obsStates:
					if !ok {
						return nil
					}
					e.d.Observer.ChannelState(st)
				}
			}
		})
	}
	sup.GoRestart("realtime", e.d.Transport.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))

	e.log.Info("reconciler running")
	<-ctx.Done()
	unwatch()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) handleConnection(ev realtime.ConnectionEvent) {
	if ev.Err != nil {
		e.log.Debug("realtime connection changed", logx.String("status", string(ev.Status)), logx.Err(ev.Err))
	}
	e.d.Monitor.SetRealtime(ev.Status)
}

// handleLive maps a live event onto an optimistic record. The cursor is left
// alone: it only tracks what polls have seen.
func (e *Engine) handleLive(m realtime.Message) {
	at := m.ReceivedAt
	if at.IsZero() {
		at = e.now()
	}
	rec, err := notification.FromLive(m.Event, m.Data, at)
	if err != nil {
		e.log.Debug("live event rejected", logx.String("event", m.Event), logx.Err(err))
		e.observe(m.Event, "rejected")
		return
	}
	e.d.Store.Insert([]notification.Record{rec})
	e.observe(m.Event, "stored")
}

func (e *Engine) observe(name, outcome string) {
	if e.d.Observer != nil {
		e.d.Observer.LiveEvent(name, outcome)
	}
}

// MarkRead flips the local record first, then tells the server. A server
// failure is returned but the local read state stays.
func (e *Engine) MarkRead(ctx context.Context, id string) error {
	if !e.d.Store.MarkRead(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.d.Server == nil {
		return nil
	}
	if err := e.d.Server.MarkRead(ctx, id); err != nil {
		e.log.Warn("server mark-read failed", logx.String("id", id), logx.Err(err))
		return err
	}
	return nil
}

// ClearAll empties the store and resets the cursor and stats.
func (e *Engine) ClearAll() { e.d.Store.Clear() }

// Retry clears a surfaced poll error (or auth halt) and polls again.
func (e *Engine) Retry() { e.d.Poller.Retry() }

func (e *Engine) Status() Status {
	st := Status{
		Channel: e.d.Monitor.State(),
		Poller:  e.d.Poller.Status(),
		Inbox:   e.d.Store.Stats(),
		Records: e.d.Store.Len(),
		Unread:  e.d.Store.UnreadCount(),
	}
	st.CanRetry = st.Poller.CanRetry
	if e.d.Subscription != nil {
		sub := e.d.Subscription.State()
		st.Subscription = &sub
		if sub.Permission == subscription.PermissionDenied {
			st.CanRetry = true
		}
	}
	return st
}

// Summary renders Status as a few short lines.
func (e *Engine) Summary() string {
	st := e.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "push: %s, realtime: %s\n", st.Channel.Push, st.Channel.Realtime)
	switch {
	case st.Poller.Error != "":
		fmt.Fprintf(&b, "fallback: %s (%s)\n", st.Poller.Phase, st.Poller.Error)
	case st.Channel.FallbackActive:
		fmt.Fprintf(&b, "fallback: %s, reconnecting\n", st.Poller.Phase)
	default:
		b.WriteString("fallback: off\n")
	}
	fmt.Fprintf(&b, "inbox: %d records, %d unread", st.Records, st.Unread)
	if !st.Inbox.LastPollAt.IsZero() {
		fmt.Fprintf(&b, ", last poll %s", st.Inbox.LastPollAt.Format(time.TimeOnly))
	}
	return b.String()
}
