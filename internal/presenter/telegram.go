package presenter

import (
	"context"
	"errors"
	"fmt"
	"html"
	"slices"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifd/internal/alert"
	logx "notifd/pkg/logx"
)

type TelegramConfig struct {
	Token       string
	ChatIDs     []int64
	ThreadID    int
	PollTimeout time.Duration
	// Offline skips the getMe call at construction.
	Offline bool
}

// Controller is what chat commands and buttons act on.
type Controller interface {
	MarkRead(ctx context.Context, id string) error
	Summary() string
	Retry()
	ClearAll()
}

const markReadUnique = "read"

// Telegram forwards alerts to chats. Quiet alerts are delivered silently;
// sounds and vibration have no chat equivalent and are dropped.
type Telegram struct {
	cfg  TelegramConfig
	log  logx.Logger
	bot  *tele.Bot
	ctrl Controller

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func NewTelegram(cfg TelegramConfig, ctrl Controller, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram chat_ids is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	t := &Telegram{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "presenter.telegram")),
		bot:  b,
		ctrl: ctrl,
	}
	t.routes()
	return t, nil
}

func (t *Telegram) routes() {
	t.bot.Use(t.onlyConfiguredChats)
	t.bot.Handle("/status", func(c tele.Context) error {
		if t.ctrl == nil {
			return c.Send("not ready")
		}
		return c.Send(t.ctrl.Summary())
	})
	t.bot.Handle("/retry", func(c tele.Context) error {
		if t.ctrl == nil {
			return c.Send("not ready")
		}
		t.ctrl.Retry()
		return c.Send("Retrying now.")
	})
	t.bot.Handle("/clear", func(c tele.Context) error {
		if t.ctrl == nil {
			return c.Send("not ready")
		}
		t.ctrl.ClearAll()
		return c.Send("Inbox cleared.")
	})
	t.bot.Handle(&tele.Btn{Unique: markReadUnique}, func(c tele.Context) error {
		id := c.Data()
		if t.ctrl == nil || id == "" {
			return c.Respond()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.ctrl.MarkRead(ctx, id); err != nil {
			t.log.Warn("mark read from chat failed", logx.String("id", id), logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: "Could not mark as read"})
		}
		return c.Respond(&tele.CallbackResponse{Text: "Marked as read"})
	})
}

// Start begins long-polling for commands and button presses.
func (t *Telegram) Start(ctx context.Context) {
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return
	}
	t.running = true
	rctx, cancel := context.WithCancel(ctx)
	t.runCancel = cancel
	t.runWG.Add(1)
	t.runMu.Unlock()

	go func() {
		defer t.runWG.Done()
		go func() {
			<-rctx.Done()
			t.bot.Stop()
		}()
		t.log.Info("polling started")
		t.bot.Start()
	}()
}

// Stop ends polling, waiting at most until ctx is done.
func (t *Telegram) Stop(ctx context.Context) error {
	t.runMu.Lock()
	cancel := t.runCancel
	t.runCancel = nil
	was := t.running
	t.running = false
	t.runMu.Unlock()
	if !was {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		t.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Telegram) onlyConfiguredChats(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if chat := c.Chat(); chat == nil || !slices.Contains(t.cfg.ChatIDs, chat.ID) {
			return nil
		}
		return next(c)
	}
}

func (t *Telegram) ShowAlert(ctx context.Context, a alert.Alert) error {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(rm.Data("Mark read", markReadUnique, a.Record.ID)))
	opts := &tele.SendOptions{
		ParseMode:           tele.ModeHTML,
		DisableNotification: a.Quiet,
		ReplyMarkup:         rm,
		ThreadID:            t.cfg.ThreadID,
	}
	text := formatAlert(a)

	var errs []error
	for _, id := range t.cfg.ChatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(&tele.Chat{ID: id}, text, opts); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) PlaySound(context.Context, alert.Sound) error { return nil }

func (t *Telegram) Vibrate(context.Context, []time.Duration) error { return nil }

func formatAlert(a alert.Alert) string {
	r := a.Record
	var b strings.Builder
	b.WriteString(prefix(r.Priority))
	if r.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(r.Title))
		b.WriteString("</b>")
	}
	if r.Body != "" {
		if r.Title != "" {
			b.WriteString("\n")
		}
		b.WriteString(html.EscapeString(r.Body))
	}
	fmt.Fprintf(&b, "\n<i>%s · %s</i>", r.Category, r.Priority)
	return b.String()
}
