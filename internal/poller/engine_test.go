package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notifd/internal/api"
	"notifd/internal/channel"
	"notifd/internal/inbox"
	"notifd/internal/notification"
	"notifd/internal/storage"
	logx "notifd/pkg/logx"
)

type step struct {
	res api.PollResult
	err error
}

type fakeFetcher struct {
	mu      sync.Mutex
	steps   []step
	cursors []int64
}

func (f *fakeFetcher) FetchSince(_ context.Context, cursor int64) (api.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if len(f.steps) == 0 {
		return api.PollResult{NotModified: true}, nil
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.res, s.err
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cursors)
}

func apiErr(kind api.Kind, status int) error {
	return &api.Error{Kind: kind, Status: status, Op: "fetch", Err: errors.New(string(kind))}
}

func records(rs ...notification.Record) api.PollResult {
	return api.PollResult{Records: rs}
}

func newTestEngine(t *testing.T, cfg Config, f Fetcher, opts ...Option) (*Engine, *inbox.Store) {
	t.Helper()
	box := inbox.New()
	e := New(cfg, f, box, logx.Nop(), opts...)
	e.spawn = func(fn func()) { fn() }
	t.Cleanup(e.Deactivate)
	return e, box
}

func TestRetryDelaySchedule(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for k := 1; k <= cfg.MaxRetries; k++ {
		if got := RetryDelay(cfg, k); got != want[k-1] {
			t.Fatalf("RetryDelay(k=%d) = %s, want %s", k, got, want[k-1])
		}
	}
}

func TestTwoRecordsAdvanceCursorToMax(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{steps: []step{{res: records(
		notification.Record{ID: "a", Title: "A", Priority: notification.PriorityHigh, ArrivedAt: 1000},
		notification.Record{ID: "b", Title: "B", Priority: notification.PriorityEmergency, ArrivedAt: 2000},
	)}}}
	e, box := newTestEngine(t, DefaultConfig(), f)

	e.Activate()
	if box.Len() != 2 {
		t.Fatalf("stored %d records, want 2", box.Len())
	}
	if box.Cursor() != 2000 {
		t.Fatalf("cursor = %d, want 2000", box.Cursor())
	}
	if f.cursors[0] != 0 {
		t.Fatalf("first poll sent cursor %d, want 0", f.cursors[0])
	}
	st := box.Stats()
	if st.MissedCount != 2 || !st.FallbackActive {
		t.Fatalf("stats = %+v", st)
	}

	// The next poll must carry the advanced cursor.
	e.poll()
	if f.cursors[1] != 2000 {
		t.Fatalf("second poll sent cursor %d, want 2000", f.cursors[1])
	}
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{steps: []step{
		{res: records(notification.Record{ID: "new", Title: "n", ArrivedAt: 5000})},
		{res: records(notification.Record{ID: "late", Title: "l", ArrivedAt: 100})},
	}}
	e, box := newTestEngine(t, DefaultConfig(), f)
	e.Activate()
	e.poll()
	if box.Cursor() != 5000 {
		t.Fatalf("cursor = %d, want 5000", box.Cursor())
	}
	if box.Len() != 2 {
		t.Fatalf("late record not stored")
	}
}

func TestNotModifiedResetsRetriesOnly(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeFetcher{steps: []step{
		{err: apiErr(api.KindTransient, 503)},
		{res: api.PollResult{NotModified: true}},
	}}
	e, box := newTestEngine(t, DefaultConfig(), f, WithClock(func() time.Time { return at }))
	box.AdvanceCursor(700)

	e.Activate()
	if got := e.Status().RetryCount; got != 1 {
		t.Fatalf("retry count after failure = %d, want 1", got)
	}
	out := e.poll()
	if out.Err != nil || out.Phase != PhaseIdle || out.Inserted != 0 {
		t.Fatalf("304 outcome = %+v", out)
	}
	if got := e.Status().RetryCount; got != 0 {
		t.Fatalf("retry count after 304 = %d, want 0", got)
	}
	if box.Len() != 0 || box.Cursor() != 700 {
		t.Fatalf("store changed: len=%d cursor=%d", box.Len(), box.Cursor())
	}
	if !box.Stats().LastPollAt.Equal(at) {
		t.Fatalf("LastPollAt = %v, want %v", box.Stats().LastPollAt, at)
	}
}

func TestFiveTransientFailures(t *testing.T) {
	t.Parallel()
	fail := step{err: apiErr(api.KindTransient, 502)}
	f := &fakeFetcher{steps: []step{fail, fail, fail, fail, fail}}
	e, _ := newTestEngine(t, DefaultConfig(), f)

	var outs []Outcome
	e.mu.Lock()
	e.active = true
	e.phase = PhaseIdle
	e.mu.Unlock()
	for i := 0; i < 5; i++ {
		outs = append(outs, e.poll())
	}

	wantDelay := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 30 * time.Second, 30 * time.Second}
	wantPhase := []Phase{PhaseBackoff, PhaseBackoff, PhaseBackoff, PhaseIdle, PhaseBackoff}
	for i, o := range outs {
		if o.NextDelay != wantDelay[i] || o.Phase != wantPhase[i] {
			t.Fatalf("failure %d: phase=%s delay=%s, want %s %s", i+1, o.Phase, o.NextDelay, wantPhase[i], wantDelay[i])
		}
	}
	for i := 0; i < 3; i++ {
		if errors.Is(outs[i].Err, ErrRetriesExhausted) {
			t.Fatalf("failure %d surfaced exhaustion too early", i+1)
		}
	}
	if !errors.Is(outs[3].Err, ErrRetriesExhausted) {
		t.Fatalf("4th failure err = %v, want ErrRetriesExhausted", outs[3].Err)
	}
	if api.KindOf(outs[3].Err) != api.KindTransient {
		t.Fatal("exhaustion error does not wrap the last cause")
	}

	st := e.Status()
	if st.RetryCount != 1 {
		t.Fatalf("retry count after 5th failure = %d, want 1", st.RetryCount)
	}
	if !st.CanRetry || st.Error == "" || st.ShowIndicator {
		t.Fatalf("status after exhaustion = %+v", st)
	}
}

func TestAuthFailuresHalt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		kind   api.Kind
		want   error
	}{
		{name: "unauthorized", status: 401, kind: api.KindAuthExpired, want: ErrSessionExpired},
		{name: "forbidden", status: 403, kind: api.KindForbidden, want: ErrForbidden},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeFetcher{steps: []step{{err: apiErr(tt.kind, tt.status)}}}
			e, _ := newTestEngine(t, DefaultConfig(), f)

			e.Activate()
			st := e.Status()
			if st.Phase != PhaseHalted || !errors.Is(e.Err(), tt.want) {
				t.Fatalf("status = %+v err = %v", st, e.Err())
			}
			if st.RetryCount != 0 {
				t.Fatalf("auth failure counted as retry: %d", st.RetryCount)
			}

			if out := e.poll(); !out.Stale {
				t.Fatalf("halted engine polled again: %+v", out)
			}
			if f.calls() != 1 {
				t.Fatalf("fetch calls = %d, want 1", f.calls())
			}

			e.Retry()
			if f.calls() != 2 {
				t.Fatalf("Retry did not poll (calls=%d)", f.calls())
			}
			if e.Err() != nil || e.Status().Phase != PhaseIdle {
				t.Fatalf("after retry: phase=%s err=%v", e.Status().Phase, e.Err())
			}
		})
	}
}

func TestHaltSurvivesDeactivation(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{steps: []step{{err: apiErr(api.KindAuthExpired, 401)}}}
	e, _ := newTestEngine(t, DefaultConfig(), f)
	e.Activate()
	e.Deactivate()
	e.Activate()
	if e.Status().Phase != PhaseHalted || f.calls() != 1 {
		t.Fatalf("reactivation polled while halted: phase=%s calls=%d", e.Status().Phase, f.calls())
	}
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	first   sync.Once
	fast    api.PollResult
	slow    api.PollResult
}

func (b *blockingFetcher) FetchSince(_ context.Context, _ int64) (api.PollResult, error) {
	slow := false
	b.first.Do(func() { slow = true })
	if slow {
		close(b.started)
		<-b.release
		return b.slow, nil
	}
	return b.fast, nil
}

func TestSupersededPollIsDiscarded(t *testing.T) {
	t.Parallel()
	bf := &blockingFetcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		slow:    records(notification.Record{ID: "stale", Title: "s", ArrivedAt: 9000}),
		fast:    records(notification.Record{ID: "fresh", Title: "f", ArrivedAt: 3000}),
	}
	e, box := newTestEngine(t, DefaultConfig(), bf)
	e.mu.Lock()
	e.active = true
	e.phase = PhaseIdle
	e.mu.Unlock()

	done := make(chan Outcome, 1)
	go func() { done <- e.poll() }()
	<-bf.started

	if out := e.poll(); out.Stale || out.Inserted != 1 {
		t.Fatalf("superseding poll outcome = %+v", out)
	}
	close(bf.release)
	if out := <-done; !out.Stale {
		t.Fatalf("superseded poll was applied: %+v", out)
	}
	if box.Cursor() != 3000 {
		t.Fatalf("cursor = %d, stale result leaked", box.Cursor())
	}
	if _, ok := box.Get("stale"); ok {
		t.Fatal("stale record inserted")
	}
}

func TestDeactivateIsIdempotentAndDiscardsInFlight(t *testing.T) {
	t.Parallel()
	bf := &blockingFetcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		slow:    records(notification.Record{ID: "x", Title: "x", ArrivedAt: 10}),
	}
	e, box := newTestEngine(t, DefaultConfig(), bf)
	e.spawn = func(fn func()) { go fn() }

	e.Activate()
	<-bf.started
	e.Deactivate()
	e.Deactivate()
	close(bf.release)

	// Give the released request a moment to finish.
	time.Sleep(20 * time.Millisecond)
	if box.Len() != 0 {
		t.Fatal("result of deactivated poll was applied")
	}
	if st := e.Status(); st.Active || st.Phase != PhaseStopped {
		t.Fatalf("status = %+v", st)
	}
	if box.Stats().FallbackActive {
		t.Fatal("fallback still marked active")
	}
}

func TestSlowInboxListenerDoesNotBlockDeactivate(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	box := inbox.New(inbox.WithListener(func([]notification.Record) {
		once.Do(func() { close(entered) })
		<-release
	}))
	f := &fakeFetcher{steps: []step{{res: records(notification.Record{ID: "a", Title: "A", ArrivedAt: 10})}}}
	e := New(DefaultConfig(), f, box, logx.Nop())
	defer close(release)

	e.Activate()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never reached the inbox listener")
	}

	done := make(chan struct{})
	go func() {
		e.Deactivate()
		_ = e.Status()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deactivate waited on the inbox listener")
	}
	if st := e.Status(); st.Active || st.Phase != PhaseStopped {
		t.Fatalf("status = %+v", st)
	}
}

type switchRecorder struct {
	mu   sync.Mutex
	vals []bool
}

func (s *switchRecorder) SetFallbackEnabled(v bool) {
	s.mu.Lock()
	s.vals = append(s.vals, v)
	s.mu.Unlock()
}

func TestUpdateConfigPersistsAndForwardsEnabled(t *testing.T) {
	t.Parallel()
	kv := storage.NewMemory()
	sw := &switchRecorder{}
	e, _ := newTestEngine(t, DefaultConfig(), &fakeFetcher{}, WithKV(kv), WithSwitch(sw))
	ctx := context.Background()

	off := false
	interval := 45 * time.Second
	got, err := e.UpdateConfig(ctx, ConfigPatch{Enabled: &off, PollInterval: &interval})
	if err != nil {
		t.Fatalf("UpdateConfig error: %v", err)
	}
	if got.Enabled || got.PollInterval != interval {
		t.Fatalf("merged config = %+v", got)
	}
	if len(sw.vals) != 1 || sw.vals[0] {
		t.Fatalf("switch saw %v", sw.vals)
	}

	loaded, err := LoadConfig(ctx, kv, DefaultConfig())
	if err != nil || loaded != got {
		t.Fatalf("LoadConfig = %+v, %v; want %+v", loaded, err, got)
	}

	bad := 0.5
	if _, err := e.UpdateConfig(ctx, ConfigPatch{BackoffMultiplier: &bad}); err == nil {
		t.Fatal("expected validation error")
	}
	if e.Config().BackoffMultiplier != 2 {
		t.Fatal("invalid patch was applied")
	}
}

func TestLoadConfigCorruptFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemory()
	_ = kv.Put(ctx, storage.KeyFallbackConfig, []byte("{{{"))
	got, err := LoadConfig(ctx, kv, DefaultConfig())
	if err != nil || got != DefaultConfig() {
		t.Fatalf("corrupt: got %+v, %v", got, err)
	}

	_ = kv.Put(ctx, storage.KeyFallbackConfig, []byte(`{"enabled":true,"pollInterval":5,"maxRetries":3,"backoffMultiplier":2}`))
	got, _ = LoadConfig(ctx, kv, DefaultConfig())
	if got != DefaultConfig() {
		t.Fatalf("invalid stored config accepted: %+v", got)
	}
}

func TestWatchFollowsChannelState(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	e, box := newTestEngine(t, DefaultConfig(), f)
	states := make(chan channel.State)
	done := make(chan error, 1)
	go func() { done <- e.Watch(context.Background(), states) }()

	states <- channel.State{FallbackEnabled: true, FallbackActive: true}
	states <- channel.State{FallbackEnabled: true, FallbackActive: true}
	states <- channel.State{FallbackEnabled: true, Push: channel.PushAvailable, Realtime: channel.RealtimeConnected}
	close(states)
	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v", err)
	}
	if f.calls() != 1 {
		t.Fatalf("fetch calls = %d, want exactly one activation poll", f.calls())
	}
	if e.Status().Active || box.Stats().FallbackActive {
		t.Fatal("engine still active after fallback became inactive")
	}
}

func TestStatusIndicator(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, DefaultConfig(), &fakeFetcher{})
	if e.Status().ShowIndicator {
		t.Fatal("indicator shown while inactive")
	}
	e.Activate()
	if st := e.Status(); !st.ShowIndicator || st.CanRetry {
		t.Fatalf("healthy fallback status = %+v", st)
	}
}
