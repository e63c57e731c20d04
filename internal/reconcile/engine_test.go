package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"notifd/internal/alert"
	"notifd/internal/api"
	"notifd/internal/channel"
	"notifd/internal/inbox"
	"notifd/internal/notification"
	"notifd/internal/poller"
	"notifd/internal/realtime"
	logx "notifd/pkg/logx"
)

type fetcher struct {
	mu    sync.Mutex
	res   api.PollResult
	err   error
	calls int
}

func (f *fetcher) FetchSince(context.Context, int64) (api.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

type shown struct {
	mu  sync.Mutex
	ids []string
}

func (s *shown) ShowAlert(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	s.ids = append(s.ids, a.Record.ID)
	s.mu.Unlock()
	return nil
}

func (s *shown) PlaySound(context.Context, alert.Sound) error   { return nil }
func (s *shown) Vibrate(context.Context, []time.Duration) error { return nil }

func (s *shown) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type readMarker struct{ err error }

func (r readMarker) MarkRead(context.Context, string) error { return r.err }

type harness struct {
	e         *Engine
	store     *inbox.Store
	monitor   *channel.Monitor
	poller    *poller.Engine
	transport *realtime.Fake
	pres      *shown
}

func newHarness(t *testing.T, f poller.Fetcher, server ReadMarker) *harness {
	t.Helper()
	h := &harness{
		store:     inbox.New(),
		monitor:   channel.New(nil, logx.Nop()),
		transport: realtime.NewFake(),
		pres:      &shown{},
	}
	h.poller = poller.New(poller.DefaultConfig(), f, h.store, logx.Nop(), poller.WithSwitch(h.monitor))
	t.Cleanup(h.poller.Deactivate)
	dispatcher := alert.New(alert.Config{Location: time.UTC},
		alert.StaticPreferences(notification.DefaultPreferences()), h.pres, logx.Nop(),
		alert.WithScheduler(func(_ time.Duration, fn func()) { fn() }),
	)
	e, err := New(Deps{
		Store:     h.store,
		Monitor:   h.monitor,
		Poller:    h.poller,
		Alerts:    dispatcher,
		Transport: h.transport,
		Server:    server,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.e = e
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLiveEventAndPollOfSameIDAlertOnce(t *testing.T) {
	t.Parallel()
	f := &fetcher{res: api.PollResult{Records: []notification.Record{{
		ID: "n1", Title: "Hi", Category: notification.CategoryMessage,
		Priority: notification.PriorityMedium, ArrivedAt: 5000, Source: notification.SourcePoll,
	}}}}
	h := newHarness(t, f, nil)

	h.e.handleLive(realtime.Message{
		Event: notification.LiveNotification,
		Data:  []byte(`{"notificationId":"n1","title":"Hi","type":"message","createdAt":4000}`),
	})
	if h.store.Cursor() != 0 {
		t.Fatalf("live event moved the cursor to %d", h.store.Cursor())
	}

	h.poller.Activate()
	eventually(t, "first poll", func() bool { return !h.store.Stats().LastPollAt.IsZero() })

	if got := h.pres.list(); len(got) != 1 || got[0] != "n1" {
		t.Fatalf("alerts = %v, want exactly one for n1", got)
	}
	if h.store.Len() != 1 || h.store.Cursor() != 5000 {
		t.Fatalf("len=%d cursor=%d", h.store.Len(), h.store.Cursor())
	}
}

func TestProviderAssignedLiveThenPolledAlertsOnce(t *testing.T) {
	t.Parallel()
	f := &fetcher{res: api.PollResult{Records: []notification.Record{{
		ID: "srv-42", Title: "Provider assigned", Category: notification.CategoryOrderStatus,
		Priority: notification.PriorityMedium, ArrivedAt: 5000, Source: notification.SourcePoll,
		Payload: notification.OrderStatus{OrderID: "o-1", Status: "assigned", ProviderID: "p-7"},
	}}}}
	h := newHarness(t, f, nil)

	h.e.handleLive(realtime.Message{
		Event: notification.LiveProviderAssigned,
		Data:  []byte(`{"status":"assigned","pendingOffers":0,"providerId":"p-7","provider":{"id":"p-7","name":"Ana"}}`),
	})
	if h.store.Len() != 1 {
		t.Fatalf("live event stored %d records", h.store.Len())
	}

	h.poller.Activate()
	eventually(t, "first poll", func() bool { return !h.store.Stats().LastPollAt.IsZero() })

	if got := h.pres.list(); len(got) != 1 {
		t.Fatalf("alerts = %v, want exactly one", got)
	}
	if h.store.Len() != 1 {
		t.Fatalf("len = %d, same event stored twice", h.store.Len())
	}
	if _, ok := h.store.Get("srv-42"); !ok {
		t.Fatal("merged record did not take the server id")
	}
}

func TestRejectedLiveEventIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fetcher{}, nil)
	h.e.handleLive(realtime.Message{Event: "presence:typing", Data: []byte(`{}`)})
	if h.store.Len() != 0 || len(h.pres.list()) != 0 {
		t.Fatal("unknown live event reached the store")
	}
}

func TestRunDrivesFallbackFromTransport(t *testing.T) {
	t.Parallel()
	f := &fetcher{res: api.PollResult{NotModified: true}}
	h := newHarness(t, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	eventually(t, "realtime connected", func() bool {
		h.transport.SetStatus(channel.RealtimeError, nil)
		h.transport.SetStatus(channel.RealtimeConnected, nil)
		return h.monitor.State().Realtime == channel.RealtimeConnected
	})
	// Push is still unavailable, so the fallback runs.
	eventually(t, "poller active", func() bool { return h.poller.Status().Active })
	eventually(t, "a poll", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls > 0
	})

	h.monitor.SetPush(channel.PushAvailable)
	eventually(t, "poller stopped", func() bool { return !h.poller.Status().Active })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestMarkReadIsOptimistic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fetcher{}, readMarker{err: errors.New("server down")})
	h.store.Insert([]notification.Record{{ID: "a", Title: "A", ArrivedAt: 1}})

	if err := h.e.MarkRead(context.Background(), "a"); err == nil {
		t.Fatal("server failure not returned")
	}
	if r, _ := h.store.Get("a"); !r.Read {
		t.Fatal("local read state rolled back")
	}
	if err := h.e.MarkRead(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClearAllResetsCursor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fetcher{}, nil)
	h.store.Insert([]notification.Record{{ID: "a", Title: "A", ArrivedAt: 10}})
	h.store.AdvanceCursor(10)
	h.e.ClearAll()
	if st := h.e.Status(); st.Records != 0 || h.store.Cursor() != 0 {
		t.Fatalf("after ClearAll: %+v cursor=%d", st, h.store.Cursor())
	}
}

func TestStatusOffersRetryWhenHalted(t *testing.T) {
	t.Parallel()
	f := &fetcher{err: &api.Error{Kind: api.KindAuthExpired, Status: 401, Op: "fetch", Err: errors.New("expired")}}
	h := newHarness(t, f, nil)
	h.poller.Activate()
	eventually(t, "halt", func() bool { return h.poller.Status().Phase == poller.PhaseHalted })

	st := h.e.Status()
	if !st.CanRetry || st.Poller.Error == "" {
		t.Fatalf("status = %+v", st)
	}
	if !strings.Contains(h.e.Summary(), "halted") {
		t.Fatalf("summary = %q", h.e.Summary())
	}
}
