// Package metrics exposes delivery counters on a per-instance prometheus
// registry. A *Metrics satisfies poller.Observer and alert.Observer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifd/internal/channel"
	"notifd/internal/notification"
)

const namespace = "notifd"

type Metrics struct {
	reg *prometheus.Registry

	polls          *prometheus.CounterVec
	pollDuration   prometheus.Histogram
	recovered      prometheus.Counter
	retries        prometheus.Gauge
	alertsShown    *prometheus.CounterVec
	alertsDropped  *prometheus.CounterVec
	fallbackActive prometheus.Gauge
	channelUp      *prometheus.GaugeVec
	liveEvents     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Fallback polls by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of fallback poll requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_recovered_total",
			Help:      "Notifications first seen through the fallback poller.",
		}),
		retries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_retry_count",
			Help:      "Consecutive failed polls in the current backoff.",
		}),
		alertsShown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_shown_total",
			Help:      "Visible alerts by category and priority.",
		}, []string{"category", "priority"}),
		alertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Suppressed alerts by reason.",
		}, []string{"reason"}),
		fallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_active",
			Help:      "1 while the polling fallback should run.",
		}),
		channelUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_up",
			Help:      "1 while a live delivery channel is usable.",
		}, []string{"channel"}),
		liveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_total",
			Help:      "Real-time events by name and outcome.",
		}, []string{"event", "outcome"}),
	}
	m.reg.MustRegister(
		m.polls, m.pollDuration, m.recovered, m.retries,
		m.alertsShown, m.alertsDropped,
		m.fallbackActive, m.channelUp, m.liveEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) PollDone(result string, took time.Duration, inserted int) {
	m.polls.WithLabelValues(result).Inc()
	m.pollDuration.Observe(took.Seconds())
	if inserted > 0 {
		m.recovered.Add(float64(inserted))
	}
}

func (m *Metrics) RetryCount(n int) { m.retries.Set(float64(n)) }

func (m *Metrics) AlertShown(c notification.Category, p notification.Priority) {
	m.alertsShown.WithLabelValues(string(c), p.String()).Inc()
}

func (m *Metrics) AlertSuppressed(reason string) {
	m.alertsDropped.WithLabelValues(reason).Inc()
}

// ChannelState mirrors a monitor snapshot into gauges.
func (m *Metrics) ChannelState(s channel.State) {
	m.fallbackActive.Set(boolGauge(s.FallbackActive))
	m.channelUp.WithLabelValues("push").Set(boolGauge(s.Push == channel.PushAvailable))
	m.channelUp.WithLabelValues("realtime").Set(boolGauge(s.Realtime == channel.RealtimeConnected))
}

// LiveEvent counts one real-time frame; outcome is "stored" or "rejected".
func (m *Metrics) LiveEvent(name, outcome string) {
	m.liveEvents.WithLabelValues(name, outcome).Inc()
}

// TrackInbox exports the store size and unread count, read at scrape time.
func (m *Metrics) TrackInbox(size, unread func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_records",
			Help:      "Records held in the notification store.",
		}, func() float64 { return float64(size()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_unread",
			Help:      "Unread records in the notification store.",
		}, func() float64 { return float64(unread()) }),
	)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
