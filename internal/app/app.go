// Package app assembles the daemon from its config file and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifd/internal/alert"
	"notifd/internal/api"
	"notifd/internal/channel"
	"notifd/internal/config"
	"notifd/internal/credential"
	"notifd/internal/eventbus"
	"notifd/internal/inbox"
	"notifd/internal/metrics"
	"notifd/internal/poller"
	"notifd/internal/presenter"
	"notifd/internal/realtime"
	"notifd/internal/reconcile"
	"notifd/internal/runtime/supervisor"
	"notifd/internal/storage"
	"notifd/internal/subscription"
	logx "notifd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	kv   storage.KV

	client   *api.Client
	monitor  *channel.Monitor
	store    *inbox.Store
	poller   *poller.Engine
	alerts   *alert.Dispatcher
	sub      *subscription.Manager
	rt       realtime.Transport
	engine   *reconcile.Engine
	metrics  *metrics.Metrics
	telegram *presenter.Telegram

	cron      *cron.Cron
	metricSrv *http.Server
	sup       *supervisor.Supervisor
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(loggingConfig(cfg))
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}

	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	switch kv, err := storage.Open(sc, log); {
	case errors.Is(err, storage.ErrDisabled):
		a.log.Info("storage disabled; settings will not survive a restart")
	case err != nil:
		return nil, fmt.Errorf("opening storage: %w", err)
	default:
		a.kv = kv
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var secrets subscription.Secrets
	if cfg.Credentials.Enabled {
		if cs, err := credential.Open(credentialConfig(cfg)); err != nil {
			a.log.Warn("keyring unavailable; push token not mirrored", logx.Err(err))
		} else {
			secrets = cs
		}
	}

	a.metrics = metrics.New()
	a.client = api.New(apiConfig(cfg), log)
	a.monitor = channel.New(a.bus, log)
	a.store = inbox.New(inbox.WithBus(a.bus))
	a.metrics.TrackInbox(a.store.Len, a.store.UnreadCount)

	def := fallbackConfig(cfg)
	pc, err := poller.LoadConfig(ctx, a.kv, def)
	if err != nil {
		a.log.Warn("load fallback config failed; using file values", logx.Err(err))
	}
	a.poller = poller.New(pc, a.client, a.store, log,
		poller.WithKV(a.kv),
		poller.WithSwitch(a.monitor),
		poller.WithObserver(a.metrics),
		poller.WithBus(a.bus),
		poller.WithRequestTimeout(config.DurationOr(cfg.Fallback.RequestTimeout, 0)),
	)
	a.monitor.SetFallbackEnabled(pc.Enabled)

	static := subscription.Static{
		Perm:      subscription.ParsePermission(cfg.Subscription.Permission, cfg.Subscription.PushToken),
		PushToken: strings.TrimSpace(cfg.Subscription.PushToken),
	}
	a.sub = subscription.New(subscription.Config{
		DeviceType:   cfg.Subscription.DeviceType,
		ProviderType: cfg.Subscription.ProviderType,
		UserAgent:    a.client.UserAgent(),
	}, static, static, a.client, log,
		subscription.WithKV(a.kv),
		subscription.WithSecrets(secrets),
		subscription.WithPushSink(a.monitor),
		subscription.WithBus(a.bus),
	)

	var bell io.Writer
	if cfg.Alerts.Bell {
		bell = os.Stdout
	}
	pres := alert.Presenters{presenter.NewConsole(bell, log)}
	ctrl := &controller{}
	if tc, ok := telegramConfig(cfg); ok {
		tg, err := presenter.NewTelegram(tc, ctrl, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.telegram = tg
		pres = append(pres, tg)
	}
	ac, err := alertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.alerts = alert.New(ac, a.sub, pres, log,
		alert.WithBus(a.bus),
		alert.WithObserver(a.metrics),
	)

	if strings.TrimSpace(cfg.Realtime.URL) == "" {
		a.log.Info("realtime disabled; polling is the only channel")
		a.rt = realtime.NewFake()
	} else {
		a.rt = realtime.NewWebSocket(realtimeConfig(cfg), a.bus, log)
	}

	a.engine, err = reconcile.New(reconcile.Deps{
		Store:        a.store,
		Monitor:      a.monitor,
		Poller:       a.poller,
		Alerts:       a.alerts,
		Transport:    a.rt,
		Server:       a.client,
		Subscription: a.sub,
		Observer:     a.metrics,
	}, log)
	if err != nil {
		return nil, err
	}
	ctrl.e = a.engine

	a.cron = cron.New(cron.WithLogger(cronLogger{log: log.With(logx.String("comp", "cron"))}))
	if _, err := a.cron.AddFunc(syncSchedule(cfg), a.syncPreferences); err != nil {
		return nil, fmt.Errorf("subscription.sync_schedule: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.metricSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           a.adminMux(cfg.Metrics.Pprof),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// controller lets chat commands reach the engine, which is built after the presenters.
type controller struct{ e *reconcile.Engine }

func (c *controller) MarkRead(ctx context.Context, id string) error { return c.e.MarkRead(ctx, id) }
func (c *controller) Summary() string                               { return c.e.Summary() }
func (c *controller) Retry()                                        { c.e.Retry() }
func (c *controller) ClearAll()                                     { c.e.ClearAll() }

// Engine exposes the reconciler for callers that drive it directly.
func (a *App) Engine() *reconcile.Engine { return a.engine }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := storageConfig(cfg); err != nil {
				return err
			}
			_, err := alertsConfig(cfg)
			return err
		})
	}

	initCtx, cancel := context.WithTimeout(sctx, 15*time.Second)
	if err := a.sub.Init(initCtx); err != nil {
		a.log.Warn("push subscription not active", logx.Err(err))
	}
	cancel()

	if a.metricSrv != nil {
		ln, err := net.Listen("tcp", a.metricSrv.Addr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		a.sup.Go("metrics.http", func(c context.Context) error {
			go func() {
				<-c.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = a.metricSrv.Shutdown(shutCtx)
			}()
			a.log.Info("metrics listening", logx.String("addr", ln.Addr().String()))
			if err := a.metricSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	a.sup.Go("reconcile", a.engine.Run)
	if a.telegram != nil {
		a.telegram.Start(sctx)
	}
	a.cron.Start()

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("topic", string(e.Topic)), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.sup.Go("config.reload", a.reloadLoop)
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started")
	return nil
}

func (a *App) syncPreferences() {
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.sub.Sync(ctx); err != nil {
		a.log.Warn("preference sync failed", logx.Err(err))
	}
}

// reloadLoop applies hot-reloadable sections and flags the rest.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-sub:
			if !ok {
				return nil
			}
			next = c
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(ctx, last, next)
		last = next
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))

	a.logs.Apply(loggingConfig(newCfg))
	if ac, err := alertsConfig(newCfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.alerts.Apply(ac)
	}
	if patch, ok := fallbackPatch(oldCfg, newCfg); ok {
		if _, err := a.poller.UpdateConfig(ctx, patch); err != nil {
			a.log.Warn("fallback config not applied", logx.Err(err))
		}
	}
	if tokenChanged(oldCfg, newCfg) {
		a.client.SetAuthToken(newCfg.API.Token)
		if ws, ok := a.rt.(*realtime.WebSocket); ok {
			ws.SetToken(newCfg.API.Token)
		}
		a.engine.Retry()
		a.log.Info("api token replaced; polling retried")
		if onlyTokenChanged(oldCfg, newCfg) {
			sections = slices.DeleteFunc(sections, func(s string) bool { return s == "api" })
		}
	}
	if config.RestartRequired(sections) {
		a.log.Warn("some config changes need a restart to take effect", changed)
	}
	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

// Stop shuts everything down, bounding each step by its own budget within ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	if a.telegram != nil {
		step("telegram", 2*time.Second, a.telegram.Stop)
	}
	step("supervisor", 6*time.Second, a.sup.Stop)
	if a.kv != nil {
		step("storage", time.Second, func(context.Context) error { return a.kv.Close() })
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
