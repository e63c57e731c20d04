// Package poller is the polling fallback: while the live channels are
// unhealthy it fetches notifications newer than the inbox cursor on a fixed
// interval, backing off exponentially on transient failures.
//
// Exactly one request is in flight at a time. Starting a poll cancels the
// previous one, and every completion is checked against a generation counter
// so a superseded or cancelled request can never touch the inbox or cursor.
// The inbox is written outside the engine lock, so a slow alert listener
// never holds up Deactivate or Status.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifd/internal/api"
	"notifd/internal/channel"
	"notifd/internal/eventbus"
	"notifd/internal/notification"
	"notifd/internal/storage"
	logx "notifd/pkg/logx"
)

var (
	// ErrSessionExpired means the server rejected our credentials (401).
	// Polling stays halted until Retry is called after re-authentication.
	ErrSessionExpired = errors.New("session expired")
	// ErrForbidden means the server refused access (403).
	ErrForbidden = errors.New("access forbidden")
	// ErrRetriesExhausted wraps the last transient failure once MaxRetries is exceeded.
	ErrRetriesExhausted = errors.New("poll retries exhausted")
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePolling Phase = "polling"
	PhaseBackoff Phase = "backoff"
	PhaseStopped Phase = "stopped"
	PhaseHalted  Phase = "halted"
)

// Fetcher is the server side of a poll.
type Fetcher interface {
	FetchSince(ctx context.Context, cursor int64) (api.PollResult, error)
}

// Inbox is the part of the notification store the poller writes to.
type Inbox interface {
	Cursor() int64
	AdvanceCursor(ts int64) int64
	Insert(records []notification.Record) []notification.Record
	NotePoll(at time.Time, missed int)
	NoteFallback(active bool)
}

// FallbackSwitch receives the Enabled flag whenever the config changes.
type FallbackSwitch interface {
	SetFallbackEnabled(bool)
}

// Observer is told about every completed (non-stale) poll.
type Observer interface {
	PollDone(result string, took time.Duration, inserted int)
	RetryCount(n int)
}

// Outcome describes what one poll did. Stale is set when the result was
// discarded because a newer poll or a Deactivate superseded it.
type Outcome struct {
	Phase     Phase
	Inserted  int
	NextDelay time.Duration
	Err       error
	Stale     bool
}

// Status is a read-only view for indicators.
type Status struct {
	Phase         Phase     `json:"phase"`
	Active        bool      `json:"active"`
	RetryCount    int       `json:"retryCount"`
	Error         string    `json:"error,omitempty"`
	ShowIndicator bool      `json:"showIndicator"`
	CanRetry      bool      `json:"canRetry"`
	NextPollAt    time.Time `json:"nextPollAt,omitempty"`
}

type Option func(*Engine)

func WithBus(b eventbus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

func WithKV(kv storage.KV) Option               { return func(e *Engine) { e.kv = kv } }
func WithSwitch(s FallbackSwitch) Option        { return func(e *Engine) { e.sw = s } }
func WithObserver(o Observer) Option            { return func(e *Engine) { e.obs = o } }
func WithClock(now func() time.Time) Option     { return func(e *Engine) { e.now = now } }
func WithRequestTimeout(d time.Duration) Option { return func(e *Engine) { e.reqTimeout = d } }

type Engine struct {
	mu sync.Mutex

	cfg     Config
	phase   Phase
	active  bool
	halted  bool
	retries int
	lastErr error

	gen        uint64
	cancel     context.CancelFunc
	timer      *time.Timer
	nextPollAt time.Time
	base       context.Context

	fetch Fetcher
	box   Inbox
	kv    storage.KV
	sw    FallbackSwitch
	obs   Observer
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	reqTimeout time.Duration
	// spawn runs a poll off the caller's goroutine.
	spawn func(func())
}

func New(cfg Config, fetch Fetcher, box Inbox, log logx.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg,
		phase: PhaseStopped,
		base:  context.Background(),
		fetch: fetch,
		box:   box,
		bus:   eventbus.Nop{},
		log:   log.With(logx.String("comp", "poller")),
		now:   time.Now,
		spawn: func(f func()) { go f() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the current config.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Activate starts polling: one poll immediately, then every PollInterval.
// It is a no-op while already active, and does not poll while halted.
func (e *Engine) Activate() {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return
	}
	e.active = true
	if e.halted {
		e.setPhaseLocked(PhaseHalted)
		e.mu.Unlock()
		e.box.NoteFallback(true)
		return
	}
	e.setPhaseLocked(PhaseIdle)
	e.mu.Unlock()

	e.box.NoteFallback(true)
	e.log.Info("fallback polling activated")
	e.spawn(func() { e.poll() })
}

// Deactivate cancels the in-flight request and any scheduled poll. Idempotent.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	if !e.active && e.phase == PhaseStopped {
		e.mu.Unlock()
		return
	}
	e.active = false
	e.gen++
	e.stopLocked()
	e.retries = 0
	if !e.halted {
		e.lastErr = nil
	}
	e.setPhaseLocked(PhaseStopped)
	e.mu.Unlock()

	e.box.NoteFallback(false)
	e.log.Info("fallback polling deactivated")
}

// PollNow polls immediately, superseding any in-flight request.
func (e *Engine) PollNow() {
	e.spawn(func() { e.poll() })
}

// Retry clears the surfaced error and any auth halt, then polls now.
func (e *Engine) Retry() {
	e.mu.Lock()
	e.halted = false
	e.lastErr = nil
	e.retries = 0
	if e.active && e.phase == PhaseHalted {
		e.setPhaseLocked(PhaseIdle)
	}
	active := e.active
	e.mu.Unlock()
	if active {
		e.spawn(func() { e.poll() })
	}
}

// UpdateConfig merges patch, validates it, persists it and forwards Enabled
// to the channel monitor. An invalid patch leaves the config untouched.
func (e *Engine) UpdateConfig(ctx context.Context, patch ConfigPatch) (Config, error) {
	e.mu.Lock()
	next := e.cfg.Merge(patch)
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return e.Config(), fmt.Errorf("invalid fallback config: %w", err)
	}
	intervalChanged := next.PollInterval != e.cfg.PollInterval
	e.cfg = next
	if intervalChanged && e.active && e.phase == PhaseIdle && e.timer != nil {
		e.scheduleLocked(next.PollInterval)
	}
	e.mu.Unlock()

	var err error
	if e.kv != nil {
		if err = SaveConfig(ctx, e.kv, next); err != nil {
			e.log.Warn("persist fallback config failed", logx.Err(err))
		}
	}
	if e.sw != nil {
		e.sw.SetFallbackEnabled(next.Enabled)
	}
	return next, err
}

// Watch drives Activate/Deactivate from channel state updates until ctx is
// done or states is closed. Requests started afterwards are bound to ctx.
func (e *Engine) Watch(ctx context.Context, states <-chan channel.State) error {
	e.mu.Lock()
	e.base = ctx
	e.mu.Unlock()
	defer e.Deactivate()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if st.FallbackActive {
				e.Activate()
			} else {
				e.Deactivate()
			}
		}
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Phase:      e.phase,
		Active:     e.active,
		RetryCount: e.retries,
		NextPollAt: e.nextPollAt,
	}
	if e.lastErr != nil {
		st.Error = e.lastErr.Error()
		st.CanRetry = true
	}
	st.ShowIndicator = e.cfg.ShowIndicator && e.active && e.lastErr == nil && !e.halted
	return st
}

// Err returns the surfaced error, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) poll() Outcome {
	gen, ctx, cursor, ok := e.begin()
	if !ok {
		return Outcome{Phase: e.Status().Phase, Stale: true}
	}
	start := time.Now()
	res, err := e.fetch.FetchSince(ctx, cursor)
	return e.finish(gen, res, err, time.Since(start))
}

func (e *Engine) begin() (uint64, context.Context, int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.halted {
		return 0, nil, 0, false
	}
	e.stopLocked()
	e.gen++

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if e.reqTimeout > 0 {
		ctx, cancel = context.WithTimeout(e.base, e.reqTimeout)
	} else {
		ctx, cancel = context.WithCancel(e.base)
	}
	e.cancel = cancel
	e.setPhaseLocked(PhasePolling)
	return e.gen, ctx, e.box.Cursor(), true
}

func (e *Engine) finish(gen uint64, res api.PollResult, err error, took time.Duration) Outcome {
	e.mu.Lock()
	if gen != e.gen || !e.active {
		e.mu.Unlock()
		return Outcome{Phase: e.Status().Phase, Stale: true}
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if api.KindOf(err) == api.KindCancelled {
		// Only the engine's base context can cancel the current generation.
		e.setPhaseLocked(PhaseStopped)
		e.mu.Unlock()
		return Outcome{Phase: PhaseStopped, Stale: true}
	}

	kind := api.KindOf(err)
	if err == nil || kind == api.KindMalformed {
		e.mu.Unlock()
		return e.deliver(gen, res, err, took)
	}

	var (
		out     Outcome
		result  string
		surface error
	)
	switch {
	case kind == api.KindAuthExpired || kind == api.KindForbidden:
		sentinel, result0 := ErrSessionExpired, "auth_expired"
		if kind == api.KindForbidden {
			sentinel, result0 = ErrForbidden, "forbidden"
		}
		result = result0
		e.halted = true
		e.retries = 0
		e.lastErr = fmt.Errorf("%w: %w", sentinel, err)
		surface = e.lastErr
		e.setPhaseLocked(PhaseHalted)
		out = Outcome{Phase: PhaseHalted, Err: e.lastErr}
		e.log.Warn("polling halted", logx.Err(err))

	default:
		result = "transient"
		e.retries++
		if e.retries <= e.cfg.MaxRetries {
			d := RetryDelay(e.cfg, e.retries)
			e.setPhaseLocked(PhaseBackoff)
			out = Outcome{Phase: PhaseBackoff, NextDelay: d, Err: err}
			e.scheduleLocked(d)
			e.log.Debug("poll failed; backing off",
				logx.Err(err),
				logx.Int("retry", e.retries),
				logx.Duration("delay", d),
			)
		} else {
			e.lastErr = fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, e.cfg.MaxRetries, err)
			surface = e.lastErr
			e.retries = 0
			e.setPhaseLocked(PhaseIdle)
			out = Outcome{Phase: PhaseIdle, NextDelay: e.cfg.PollInterval, Err: e.lastErr}
			e.scheduleLocked(out.NextDelay)
			e.log.Warn("poll retries exhausted", logx.Err(err))
		}
	}
	retries := e.retries
	e.mu.Unlock()

	if e.obs != nil {
		e.obs.PollDone(result, took, out.Inserted)
		e.obs.RetryCount(retries)
	}
	if surface != nil {
		e.bus.Publish(eventbus.Event{Topic: eventbus.TopicPollerError, Data: surface.Error()})
	}
	return out
}

// deliver hands a successful result to the inbox. Inbox listeners (alerts)
// run on this goroutine, so e.mu is not held here; the next poll is only
// scheduled if gen is still current afterwards.
func (e *Engine) deliver(gen uint64, res api.PollResult, err error, took time.Duration) Outcome {
	result := "ok"
	switch {
	case err != nil:
		e.log.Warn("malformed poll response; treating as empty", logx.Err(err))
		res = api.PollResult{}
		result = "malformed"
	case res.NotModified:
		result = "not_modified"
	}

	inserted := 0
	if len(res.Records) > 0 {
		inserted = len(e.box.Insert(res.Records))
		var max int64
		for _, r := range res.Records {
			if r.ArrivedAt > max {
				max = r.ArrivedAt
			}
		}
		e.box.AdvanceCursor(max)
	}
	e.box.NotePoll(e.now(), inserted)
	if inserted > 0 {
		e.log.Info("recovered missed notifications", logx.Int("count", inserted))
	}

	e.mu.Lock()
	out := Outcome{Phase: PhaseIdle, Inserted: inserted, NextDelay: e.cfg.PollInterval}
	if gen == e.gen && e.active {
		e.retries = 0
		e.lastErr = nil
		e.setPhaseLocked(PhaseIdle)
		e.scheduleLocked(out.NextDelay)
	} else {
		out.Phase, out.NextDelay = e.phase, 0
	}
	e.mu.Unlock()

	if e.obs != nil {
		e.obs.PollDone(result, took, inserted)
		e.obs.RetryCount(0)
	}
	return out
}

func (e *Engine) scheduleLocked(d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	gen := e.gen
	e.nextPollAt = e.now().Add(d)
	e.timer = time.AfterFunc(d, func() { e.fire(gen) })
}

// fire runs a scheduled poll unless something newer replaced the schedule.
func (e *Engine) fire(gen uint64) {
	e.mu.Lock()
	ok := gen == e.gen && e.active
	e.mu.Unlock()
	if ok {
		e.poll()
	}
}

func (e *Engine) stopLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.nextPollAt = time.Time{}
}

func (e *Engine) setPhaseLocked(p Phase) {
	if e.phase == p {
		return
	}
	e.phase = p
	e.bus.Publish(eventbus.Event{Topic: eventbus.TopicPollerState, Data: p})
}
