// Package presenter holds the alert.Presenter implementations: a console
// surface for headless hosts and a Telegram chat surface.
package presenter

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"notifd/internal/alert"
	"notifd/internal/notification"
	logx "notifd/pkg/logx"
)

// Console logs each alert and rings the terminal bell for sounds.
type Console struct {
	mu   sync.Mutex
	bell io.Writer
	log  logx.Logger
}

// NewConsole writes bells to bell (nil disables them).
func NewConsole(bell io.Writer, log logx.Logger) *Console {
	return &Console{bell: bell, log: log.With(logx.String("comp", "presenter.console"))}
}

func (c *Console) ShowAlert(_ context.Context, a alert.Alert) error {
	r := a.Record
	c.log.Info(prefix(r.Priority)+headline(r),
		logx.String("id", r.ID),
		logx.String("category", string(r.Category)),
		logx.String("priority", r.Priority.String()),
		logx.String("source", string(r.Source)),
		logx.Bool("sticky", a.Sticky),
		logx.Bool("quiet", a.Quiet),
	)
	return nil
}

func (c *Console) PlaySound(_ context.Context, s alert.Sound) error {
	if c.bell == nil {
		return nil
	}
	bells := "\a"
	if s == alert.SoundAlarm {
		bells = "\a\a"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.bell, bells)
	return err
}

func (c *Console) Vibrate(_ context.Context, pattern []time.Duration) error {
	c.log.Debug("vibrate", logx.Int("pulses", (len(pattern)+1)/2))
	return nil
}

func prefix(p notification.Priority) string {
	switch {
	case p == notification.PriorityEmergency:
		return "🚨 "
	case p.Urgent():
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

func headline(r notification.Record) string {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(r.Title); t != "" {
		parts = append(parts, t)
	}
	if b := strings.TrimSpace(r.Body); b != "" {
		parts = append(parts, b)
	}
	return strings.Join(parts, ": ")
}
