package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"notifd/internal/notification"
	logx "notifd/pkg/logx"
)

type recorder struct {
	mu      sync.Mutex
	shown   []string
	sounds  []Sound
	vibes   int
	failAll bool
}

func (r *recorder) ShowAlert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, a.Record.ID)
	if r.failAll {
		return errors.New("display gone")
	}
	return nil
}

func (r *recorder) PlaySound(_ context.Context, s Sound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sounds = append(r.sounds, s)
	if r.failAll {
		return errors.New("no speaker")
	}
	return nil
}

func (r *recorder) Vibrate(context.Context, []time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vibes++
	return nil
}

func at(h, m int) time.Time { return time.Date(2024, 3, 10, h, m, 0, 0, time.UTC) }

func quietPrefs() notification.Preferences {
	p := notification.DefaultPreferences()
	p.QuietHours = notification.QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	return p
}

func TestDecide(t *testing.T) {
	t.Parallel()
	off := notification.DefaultPreferences()
	off.Enabled = false
	noPay := notification.DefaultPreferences()
	noPay.Categories.Payments = false
	silent := notification.DefaultPreferences()
	silent.Sound = false
	allowAlarm := quietPrefs()
	allowAlarm.QuietHours.AllowEmergencySound = true

	tests := []struct {
		name    string
		pri     notification.Priority
		cat     notification.Category
		prefs   notification.Preferences
		now     time.Time
		visible bool
		sound   Sound
		offsets int
		vibrate bool
		reason  string
	}{
		{name: "medium default", pri: notification.PriorityMedium, cat: notification.CategoryMessage, prefs: notification.DefaultPreferences(), now: at(12, 0), visible: true, sound: SoundDefault, offsets: 1, vibrate: true},
		{name: "alerts disabled", pri: notification.PriorityLow, cat: notification.CategoryMessage, prefs: off, now: at(12, 0), reason: ReasonDisabled},
		{name: "category disabled", pri: notification.PriorityMedium, cat: notification.CategoryPayment, prefs: noPay, now: at(12, 0), reason: ReasonCategoryOff},
		{name: "high ignores disabled", pri: notification.PriorityHigh, cat: notification.CategoryPayment, prefs: off, now: at(12, 0), visible: true, sound: SoundDefault, offsets: 1, vibrate: true},
		{name: "high without sound", pri: notification.PriorityHigh, cat: notification.CategoryMessage, prefs: silent, now: at(12, 0), visible: true, vibrate: true},
		{name: "emergency alarm", pri: notification.PriorityEmergency, cat: notification.CategoryEmergency, prefs: silent, now: at(12, 0), visible: true, sound: SoundAlarm, offsets: 3, vibrate: true},
		{name: "quiet medium", pri: notification.PriorityMedium, cat: notification.CategoryMessage, prefs: quietPrefs(), now: at(23, 0), visible: true},
		{name: "quiet emergency visible but silent", pri: notification.PriorityEmergency, cat: notification.CategoryEmergency, prefs: quietPrefs(), now: at(2, 0), visible: true},
		{name: "quiet emergency allowed stays still", pri: notification.PriorityEmergency, cat: notification.CategoryEmergency, prefs: allowAlarm, now: at(2, 0), visible: true, sound: SoundAlarm, offsets: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Decide(notification.Record{ID: "x", Priority: tt.pri, Category: tt.cat}, tt.prefs, tt.now)
			if d.Visible != tt.visible || d.Sound != tt.sound || len(d.SoundOffsets) != tt.offsets ||
				(len(d.Vibration) > 0) != tt.vibrate || d.Reason != tt.reason {
				t.Fatalf("Decide = %+v", d)
			}
		})
	}
}

func TestEmergencyAlarmOffsets(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		offsets []time.Duration
	)
	rec := &recorder{}
	d := New(Config{Location: time.UTC}, StaticPreferences(notification.DefaultPreferences()), rec, logx.Nop(),
		WithClock(func() time.Time { return at(12, 0) }),
		WithScheduler(func(delay time.Duration, f func()) {
			mu.Lock()
			offsets = append(offsets, delay)
			mu.Unlock()
			f()
		}),
	)
	d.Dispatch(context.Background(), []notification.Record{
		{ID: "h", Priority: notification.PriorityHigh, ArrivedAt: 1000},
		{ID: "e", Priority: notification.PriorityEmergency, Category: notification.CategoryEmergency, ArrivedAt: 2000},
	})
	if got := fmt.Sprint(rec.shown); got != "[h e]" {
		t.Fatalf("shown = %s, want [h e]", got)
	}
	if got := fmt.Sprint(offsets); got != "[0s 0s 500ms 1s]" {
		t.Fatalf("sound offsets = %s", got)
	}
	if got := fmt.Sprint(rec.sounds); got != "[default alarm alarm alarm]" {
		t.Fatalf("sounds = %s", got)
	}
}

func TestPresenterFailuresAreSwallowed(t *testing.T) {
	t.Parallel()
	rec := &recorder{failAll: true}
	d := New(Config{}, nil, rec, logx.Nop(), WithScheduler(func(_ time.Duration, f func()) { f() }))
	d.Dispatch(context.Background(), []notification.Record{{ID: "a", Priority: notification.PriorityEmergency}})
	if len(rec.shown) != 1 || len(rec.sounds) != 3 || rec.vibes != 1 {
		t.Fatalf("dispatch stopped after a presenter failure: %+v", rec)
	}
}

type countingObserver struct {
	mu         sync.Mutex
	shown      int
	suppressed map[string]int
}

func (c *countingObserver) AlertShown(notification.Category, notification.Priority) {
	c.mu.Lock()
	c.shown++
	c.mu.Unlock()
}

func (c *countingObserver) AlertSuppressed(reason string) {
	c.mu.Lock()
	c.suppressed[reason]++
	c.mu.Unlock()
}

func TestToastLimiterDropsOnlyNonUrgent(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	obs := &countingObserver{suppressed: map[string]int{}}
	d := New(Config{ToastRate: 0.001, ToastBurst: 2}, nil, rec, logx.Nop(),
		WithObserver(obs),
		WithScheduler(func(time.Duration, func()) {}),
	)
	var batch []notification.Record
	for i := 0; i < 50; i++ {
		batch = append(batch, notification.Record{ID: fmt.Sprintf("m%d", i), Priority: notification.PriorityMedium})
	}
	batch = append(batch, notification.Record{ID: "urgent", Priority: notification.PriorityHigh})
	d.Dispatch(context.Background(), batch)

	if len(rec.shown) != 3 {
		t.Fatalf("shown %d alerts, want 2 toasts + 1 urgent", len(rec.shown))
	}
	if rec.shown[2] != "urgent" {
		t.Fatalf("urgent alert was rate limited: %v", rec.shown)
	}
	if obs.shown != 3 || obs.suppressed[ReasonRateLimited] != 48 {
		t.Fatalf("observer shown=%d suppressed=%v", obs.shown, obs.suppressed)
	}
}

func TestPresentersFanOut(t *testing.T) {
	t.Parallel()
	a, b := &recorder{}, &recorder{failAll: true}
	ps := Presenters{a, b}
	err := ps.ShowAlert(context.Background(), Alert{Record: notification.Record{ID: "x"}})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(a.shown) != 1 || len(b.shown) != 1 {
		t.Fatal("not every presenter was called")
	}
}
