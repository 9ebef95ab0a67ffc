package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookbot/internal/api"
	"bookbot/internal/claim"
	"bookbot/internal/config"
	"bookbot/internal/eventbus"
	"bookbot/internal/listing"
	"bookbot/internal/metrics"
	"bookbot/internal/notifier"
	"bookbot/internal/observability/ops"
	"bookbot/internal/pipeline"
	rtsup "bookbot/internal/runtime/supervisor"
	"bookbot/internal/scheduler"
	"bookbot/internal/storage"
	kit "bookbot/internal/transport"
	telegram "bookbot/internal/transport/telegram/adapter"
	logx "bookbot/pkg/logx"
	"bookbot/pkg/sdnotify"
)

type App struct {
	cfgPath string
	secrets config.Secrets

	cfgm *config.Manager
	sup  *rtsup.Supervisor
	// notifCtx outlives sup's cancel so Stop can drain queued notifications.
	notifCtx context.Context

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// sender is nil when no Telegram token is configured.
	sender kit.Sender

	session *api.Session
	pipe    *pipeline.Pipeline
	sched   *scheduler.Scheduler
	notif   *notifier.Service
	metrics *metrics.Metrics
	ops     *ops.Service
	sd      *sdnotify.Notifier
}

// NewApp loads the config at cfgPath and secrets from envFile and the
// environment, then builds every component. Nothing runs until Start.
func NewApp(cfgPath, envFile string) (*App, error) {
	cfgm := config.NewManager(cfgPath, config.WithValidator(func(_ context.Context, c *config.Config) error {
		return validate(c)
	}))
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	sec, err := config.LoadSecrets(envFile)
	if err != nil {
		return nil, err
	}
	if !sec.HasCredentials() {
		return nil, fmt.Errorf("%s and %s must be set", config.EnvEmail, config.EnvPassword)
	}

	var sender kit.Sender
	if sec.TelegramToken != "" {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tgTimeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: sec.TelegramToken, Timeout: tgTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := storage.Open(openCtx, sc, log.With(logx.String("comp", "storage")))
	cancel()
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a, err := build(cfg, sec, sender, log, bus, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build wires the components that only need an open store.
func build(cfg *config.Config, sec config.Secrets, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := api.New(apiCfg, log.With(logx.String("comp", "api")))
	if err != nil {
		return nil, err
	}
	ttl, err := mapSessionTTL(cfg)
	if err != nil {
		return nil, err
	}
	session := api.NewSession(client, sec.Email, sec.Password, ttl,
		api.WithSessionLogger(log.With(logx.String("comp", "session"))))

	cls, err := mapCriteria(cfg)
	if err != nil {
		return nil, err
	}
	groups, err := mapGroups(cfg)
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	nlog := log.With(logx.String("comp", "notifier"))
	channels, err := buildChannels(cfg, sec, sender, nlog)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, channels, nlog, bus)

	exec := claim.NewExecutor(store, client, log.With(logx.String("comp", "claim")))
	pipe, err := pipeline.New(pipeline.Options{
		Lister:     client,
		Store:      store,
		Executor:   exec,
		Notifier:   notif,
		Classifier: cls,
		Groups:     groups,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "pipeline")),
	})
	if err != nil {
		return nil, err
	}

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(schedCfg, session, pipe,
		scheduler.WithBus(bus),
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
	)
	if err != nil {
		return nil, err
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		secrets: sec,
		log:     log,
		bus:     bus,
		store:   store,
		sender:  sender,
		session: session,
		pipe:    pipe,
		sched:   sched,
		notif:   notif,
		metrics: metrics.New(),
		sd:      sdnotify.New(log.With(logx.String("comp", "systemd"))),
	}
	a.ops = ops.New(opsCfg, ops.Sources{
		Metrics: a.metrics.Handler(),
		Entries: store.List,
		Health:  a.health,
	}, log.With(logx.String("comp", "ops")))

	log.Info("configured",
		logx.Strings("groups", groups),
		logx.Int("titles", cls.Titles()),
		logx.String("window", schedCfg.Window.String()),
		logx.Bool("force_active", schedCfg.ForceActive),
		logx.Strings("channels", notif.Channels()),
	)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithRestartHook(a.metrics.Restarted),
	)
	a.notifCtx = context.WithoutCancel(a.sup.Context())
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	}

	// Metrics subscribe before anything publishes.
	a.sup.Go0("metrics.consume", a.metrics.Consume(a.bus))
	a.startStatus()

	a.reportInterrupted(a.sup.Context())

	if a.notif.Enabled() {
		a.notif.Start(a.notifCtx)
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	// The loop returns on login or cycle failure; it never takes the app
	// down, it is restarted with backoff and re-authenticates on entry.
	a.sup.GoRestart("scheduler", a.sched.Run,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
	)

	if a.cfgm != nil {
		a.startReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.Watchdog(c, func() bool { return c.Err() == nil })
	})
	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// startStatus mirrors scheduler state transitions into the systemd status
// line.
func (a *App) startStatus() {
	events, unsub := a.bus.Subscribe(32)
	a.sup.Go0("systemd.status", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch e.Type {
				case scheduler.EventState:
					if ev, ok := e.Data.(scheduler.StateEvent); ok {
						a.sd.Status(statusLine(ev))
					}
				case pipeline.EventClaimed:
					if ev, ok := e.Data.(pipeline.ClaimEvent); ok && ev.Outcome == listing.Succeeded.String() {
						a.sd.Status("claimed " + ev.Summary.Subject())
					}
				}
			}
		}
	})
}

func statusLine(ev scheduler.StateEvent) string {
	if ev.To == scheduler.StateQuiescent && !ev.NextOpen.IsZero() {
		return "quiescent; next window " + ev.NextOpen.Format(time.RFC3339)
	}
	return string(ev.To)
}

// reportInterrupted logs entries a previous run admitted but never finished.
// They stay as they are and are not claimed again.
func (a *App) reportInterrupted(ctx context.Context) {
	c, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	entries, err := storage.Interrupted(c, a.store)
	if err != nil {
		a.log.Warn("interrupted claim scan failed", logx.Err(err))
		return
	}
	for _, e := range entries {
		a.log.Warn("claim interrupted by a previous run; outcome unknown",
			logx.String("id", string(e.ID)),
			logx.String("title", e.Title),
			logx.String("start", listing.FormatStart(e.StartTime)),
			logx.String("state", string(e.State)),
		)
	}
}

// health backs /healthz. The loop is healthy unless its most recent error is
// newer than its last cycle or state change.
func (a *App) health() (bool, any) {
	st := a.sched.Status()
	ok := st.LastError == "" || st.LastCycle.After(st.LastErrAt) || st.Since.After(st.LastErrAt)
	if a.sup != nil && a.sup.Context().Err() != nil {
		ok = false
	}

	detail := map[string]any{
		"scheduler": st,
		"groups":    a.pipe.Groups(),
		"notifier": map[string]any{
			"enabled":  a.notif.Enabled(),
			"channels": a.notif.Channels(),
			"history":  a.notif.Snapshot(),
		},
		"session_renewals": a.session.Renewals(),
	}
	sups := map[string]any{}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	if s := a.notif.Supervisor(); s != nil {
		sups["notifier"] = s.Snapshot()
	}
	if s := a.ops.Supervisor(); s != nil {
		sups["ops"] = s.Snapshot()
	}
	detail["supervisors"] = sups
	if bs, ok := a.bus.(eventbus.Stats); ok {
		detail["bus_dropped"] = bs.Dropped()
	}
	return ok, detail
}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case change, ok := <-sub:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case later := <-sub:
						change = change.Then(later)
					default:
						break drain
					}
				}
				a.applyConfig(c, change)
				if change.Empty() {
					a.log.Info("config reloaded (no changes)")
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

// Reload re-reads the config file now. Subscribers apply the result as for
// a file change.
func (a *App) Reload(ctx context.Context) error {
	if a.cfgm == nil {
		return nil
	}
	_, ok, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return err
	}
	if !ok {
		a.log.Info("config unchanged")
	}
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, change config.Change) {
	for _, s := range change.RestartRequired() {
		a.log.Warn(s + " config changed; restart required for changes to take effect")
	}
	cfg := change.New

	a.logs.Apply(mapLogConfig(cfg))

	if cls, err := mapCriteria(cfg); err != nil {
		a.log.Warn("invalid criteria; keeping previous", logx.Err(err))
	} else {
		a.pipe.SetClassifier(cls)
	}
	if groups, err := mapGroups(cfg); err != nil {
		a.log.Warn("invalid groups; keeping previous", logx.Err(err))
	} else {
		a.pipe.SetGroups(groups)
	}
	if sc, err := mapScheduleConfig(cfg); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("schedule not applied", logx.Err(err))
	}

	a.applyNotifier(ctx, cfg)

	if oc, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	prevEnabled := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	channels, err := buildChannels(cfg, a.secrets, a.sender, a.log.With(logx.String("comp", "notifier")))
	if err != nil {
		a.log.Warn("notifier channels not applied; keeping previous", logx.Err(err))
	} else {
		a.notif.SetChannels(channels)
	}
	a.notif.Apply(ncfg)
	switch {
	case prevEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(a.notifCtx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			if err != nil && !errors.Is(err, context.Canceled) {
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

	// The scheduler loop and reload goroutines unwind on cancel; wait for them
	// before closing what they use.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
