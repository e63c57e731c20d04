package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifd/internal/eventbus"
	"notifd/internal/notification"
	logx "notifd/pkg/logx"
)

// Alert is one visible notification handed to a Presenter.
type Alert struct {
	Record notification.Record
	// Sticky asks the presenter to keep the alert until the user acts on it.
	Sticky bool
	Quiet  bool
}

// Presenter is the platform surface: a toast, a speaker and a vibration motor.
// Implementations must be safe for concurrent use.
type Presenter interface {
	ShowAlert(ctx context.Context, a Alert) error
	PlaySound(ctx context.Context, s Sound) error
	Vibrate(ctx context.Context, pattern []time.Duration) error
}

// Presenters fans every call out to each member and joins their errors.
type Presenters []Presenter

func (ps Presenters) ShowAlert(ctx context.Context, a Alert) error {
	var errs []error
	for _, p := range ps {
		errs = append(errs, p.ShowAlert(ctx, a))
	}
	return errors.Join(errs...)
}

func (ps Presenters) PlaySound(ctx context.Context, s Sound) error {
	var errs []error
	for _, p := range ps {
		errs = append(errs, p.PlaySound(ctx, s))
	}
	return errors.Join(errs...)
}

func (ps Presenters) Vibrate(ctx context.Context, pattern []time.Duration) error {
	var errs []error
	for _, p := range ps {
		errs = append(errs, p.Vibrate(ctx, pattern))
	}
	return errors.Join(errs...)
}

// PreferencesSource supplies the current preferences at dispatch time.
type PreferencesSource interface {
	Preferences() notification.Preferences
}

// StaticPreferences is a fixed PreferencesSource.
type StaticPreferences notification.Preferences

func (p StaticPreferences) Preferences() notification.Preferences {
	return notification.Preferences(p)
}

// Observer is told about every decision.
type Observer interface {
	AlertShown(c notification.Category, p notification.Priority)
	AlertSuppressed(reason string)
}

type Config struct {
	// Location is the user's zone for quiet hours; nil means time.Local.
	Location *time.Location
	// ToastRate limits non-urgent toasts per second; <= 0 disables limiting.
	ToastRate  float64
	ToastBurst int
}

// Event is published on TopicAlertShown and TopicAlertSuppressed.
type Event struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Priority string `json:"priority"`
	Reason   string `json:"reason,omitempty"`
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.bus = b
		}
	}
}

func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.obs = o } }

// WithClock overrides the wall clock used for quiet hours.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithScheduler overrides how delayed sounds are started.
func WithScheduler(after func(time.Duration, func())) Option {
	return func(d *Dispatcher) { d.after = after }
}

type Dispatcher struct {
	mu      sync.Mutex
	loc     *time.Location
	limiter *rate.Limiter

	prefs PreferencesSource
	pres  Presenter
	bus   eventbus.Bus
	obs   Observer
	log   logx.Logger
	now   func() time.Time
	after func(time.Duration, func())
}

func New(cfg Config, prefs PreferencesSource, pres Presenter, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		prefs: prefs,
		pres:  pres,
		bus:   eventbus.Nop{},
		log:   log.With(logx.String("comp", "alert")),
		now:   time.Now,
		after: func(delay time.Duration, f func()) { time.AfterFunc(delay, f) },
	}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the zone and toast limiter. Safe to call while dispatching.
func (d *Dispatcher) Apply(cfg Config) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	var lim *rate.Limiter
	if cfg.ToastRate > 0 {
		burst := cfg.ToastBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.ToastRate), burst)
	}
	d.mu.Lock()
	d.loc = loc
	d.limiter = lim
	d.mu.Unlock()
}

// Handle is an inbox listener.
func (d *Dispatcher) Handle(added []notification.Record) {
	d.Dispatch(context.Background(), added)
}

// Dispatch alerts for each record in order. Presenter failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, recs []notification.Record) {
	if len(recs) == 0 || d.pres == nil {
		return
	}
	prefs := notification.DefaultPreferences()
	if d.prefs != nil {
		prefs = d.prefs.Preferences()
	}
	d.mu.Lock()
	now := d.now().In(d.loc)
	lim := d.limiter
	d.mu.Unlock()

	for _, r := range recs {
		dec := Decide(r, prefs, now)
		if dec.Visible && !r.Priority.Urgent() && lim != nil && !lim.Allow() {
			dec = Decision{Reason: ReasonRateLimited}
		}
		d.execute(ctx, r, dec)
	}
}

func (d *Dispatcher) execute(ctx context.Context, r notification.Record, dec Decision) {
	ev := Event{ID: r.ID, Category: string(r.Category), Priority: r.Priority.String()}
	if !dec.Visible {
		ev.Reason = dec.Reason
		d.log.Debug("alert suppressed", logx.String("id", r.ID), logx.String("reason", dec.Reason))
		if d.obs != nil {
			d.obs.AlertSuppressed(dec.Reason)
		}
		d.bus.Publish(eventbus.Event{Topic: eventbus.TopicAlertSuppressed, Data: ev})
		return
	}

	a := Alert{Record: r, Sticky: r.Priority == notification.PriorityEmergency, Quiet: dec.Quiet}
	if err := d.pres.ShowAlert(ctx, a); err != nil {
		d.log.Warn("show alert failed", logx.String("id", r.ID), logx.Err(err))
	}
	for _, off := range dec.SoundOffsets {
		sound := dec.Sound
		d.after(off, func() {
			if err := d.pres.PlaySound(context.Background(), sound); err != nil {
				d.log.Warn("play sound failed", logx.String("sound", string(sound)), logx.Err(err))
			}
		})
	}
	if len(dec.Vibration) > 0 {
		if err := d.pres.Vibrate(ctx, dec.Vibration); err != nil {
			d.log.Warn("vibrate failed", logx.Err(err))
		}
	}
	if d.obs != nil {
		d.obs.AlertShown(r.Category, r.Priority)
	}
	d.bus.Publish(eventbus.Event{Topic: eventbus.TopicAlertShown, Data: ev})
}
