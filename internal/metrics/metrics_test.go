package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"notifd/internal/channel"
	"notifd/internal/notification"
)

func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, mt := range f.GetMetric() {
			if !matches(mt, labels) {
				continue
			}
			switch {
			case mt.GetCounter() != nil:
				return mt.GetCounter().GetValue()
			case mt.GetGauge() != nil:
				return mt.GetGauge().GetValue()
			case mt.GetHistogram() != nil:
				return float64(mt.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func matches(mt *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range mt.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestObserversFeedCollectors(t *testing.T) {
	t.Parallel()
	m := New()
	m.PollDone("ok", 120*time.Millisecond, 2)
	m.PollDone("transient", time.Second, 0)
	m.RetryCount(1)
	m.AlertShown(notification.CategoryEmergency, notification.PriorityEmergency)
	m.AlertSuppressed("rate_limited")
	m.AlertSuppressed("rate_limited")

	if v := value(t, m, "notifd_polls_total", map[string]string{"result": "ok"}); v != 1 {
		t.Fatalf("ok polls = %v", v)
	}
	if v := value(t, m, "notifd_poll_duration_seconds", nil); v != 2 {
		t.Fatalf("duration samples = %v", v)
	}
	if v := value(t, m, "notifd_poll_recovered_total", nil); v != 2 {
		t.Fatalf("recovered = %v", v)
	}
	if v := value(t, m, "notifd_poll_retry_count", nil); v != 1 {
		t.Fatalf("retry gauge = %v", v)
	}
	if v := value(t, m, "notifd_alerts_shown_total", map[string]string{"category": "emergency", "priority": "emergency"}); v != 1 {
		t.Fatalf("shown = %v", v)
	}
	if v := value(t, m, "notifd_alerts_suppressed_total", map[string]string{"reason": "rate_limited"}); v != 2 {
		t.Fatalf("suppressed = %v", v)
	}
}

func TestChannelStateGauges(t *testing.T) {
	t.Parallel()
	m := New()
	m.ChannelState(channel.State{Push: channel.PushAvailable, Realtime: channel.RealtimeError, FallbackEnabled: true, FallbackActive: true})

	if v := value(t, m, "notifd_fallback_active", nil); v != 1 {
		t.Fatalf("fallback_active = %v", v)
	}
	if v := value(t, m, "notifd_channel_up", map[string]string{"channel": "push"}); v != 1 {
		t.Fatalf("push up = %v", v)
	}
	if v := value(t, m, "notifd_channel_up", map[string]string{"channel": "realtime"}); v != 0 {
		t.Fatalf("realtime up = %v", v)
	}
}

func TestHandlerServesInboxGauges(t *testing.T) {
	t.Parallel()
	m := New()
	m.TrackInbox(func() int { return 7 }, func() int { return 3 })
	m.LiveEvent("job:offer", "stored")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"notifd_inbox_records 7",
		"notifd_inbox_unread 3",
		`notifd_live_events_total{event="job:offer",outcome="stored"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
}
