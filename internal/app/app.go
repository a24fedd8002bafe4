package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"overseer/internal/config"
	"overseer/internal/eventbus"
	"overseer/internal/fanout"
	"overseer/internal/health"
	"overseer/internal/notifier"
	"overseer/internal/report"
	rtsup "overseer/internal/runtime/supervisor"
	"overseer/internal/storage"
	"overseer/internal/subscription"
	kit "overseer/internal/transport"
	telegram "overseer/internal/transport/telegram/adapter"
	"overseer/internal/transport/telegram/router"
	logx "overseer/pkg/logx"
)

// Transport is the chat platform connection the app runs on.
type Transport interface {
	kit.Adapter
	kit.CommandMenuUpdater
	Username() string
}

// TransportFactory builds the transport once logging is available.
type TransportFactory func(cfg telegram.Config, log logx.Logger) (Transport, error)

func telegramTransport(cfg telegram.Config, log logx.Logger) (Transport, error) {
	ad, err := telegram.New(cfg, log)
	if err != nil {
		return nil, err
	}
	return ad, nil
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	transport Transport

	subs   *subscription.Registry
	notif  *notifier.Service
	engine *fanout.Engine
	cmdm   *router.CommandManager
	health *health.Service
	report *report.Service

	updates chan kit.Update
}

// New loads the config at cfgPath ("" for environment only) and builds the
// Telegram-backed app.
func New(cfgPath string) (*App, error) {
	return NewWithTransport(config.NewConfigManager(cfgPath), telegramTransport)
}

// NewWithTransport builds every component around the transport returned by newTransport.
func NewWithTransport(cfgm *config.ConfigManager, newTransport TransportFactory) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	comp, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(comp.Logging, nil)
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	tr, err := newTransport(comp.Telegram, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fail(fmt.Errorf("telegram: %w", err))
	}
	logSvc.SetSender(tr)

	store, err := storage.Open(comp.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()
	subs := subscription.New(context.Background(), store, log.With(logx.String("comp", "subscriptions")))
	notif := notifier.New(comp.Notifier, tr, bus, log.With(logx.String("comp", "notifier")))
	engine := fanout.New(comp.Fanout, subs, notif, bus, log.With(logx.String("comp", "fanout")))

	if u := tr.Username(); u != "" {
		comp.Router.BotUsername = u
	}
	cmdm := router.NewCommandManager(comp.Router, tr, engine, log.With(logx.String("comp", "commands")))
	cmdm.SetRegistry(router.KeywordCommands(subs, engine.GlobalKeywords()))

	var rep *report.Service
	if comp.Report.Schedule != "" {
		rep, err = report.New(comp.Report, subs, notif, bus, log.With(logx.String("comp", "report")))
		if err != nil {
			_ = store.Close()
			return fail(err)
		}
	}

	log.With(logx.String("comp", "app")).Info("configured",
		logx.String("config", cfgm.Path()),
		logx.String("target", comp.Fanout.TargetUsername),
		logx.Int("global_keywords", len(engine.GlobalKeywords())),
		logx.Bool("broadcast", comp.Fanout.BroadcastChatID != ""),
		logx.String("storage", comp.Storage.Driver),
		logx.Int("subscribers", subs.Len()),
	)

	return &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		transport: tr,
		subs:      subs,
		notif:     notif,
		engine:    engine,
		cmdm:      cmdm,
		health:    health.New(comp.Health, log.With(logx.String("comp", "health"))),
		report:    rep,
		updates:   make(chan kit.Update, 256),
	}, nil
}

// Subscriptions exposes the registry (used by tests and operational tooling).
func (a *App) Subscriptions() *subscription.Registry { return a.subs }

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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Delivery outlives the run context so Stop can drain queued alerts.
	bg := context.WithoutCancel(ctx)
	a.notif.Start(bg)
	if a.report != nil {
		if err := a.report.Start(bg); err != nil {
			return err
		}
	}
	if err := a.health.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.transport.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.cmdm.SyncMenu(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload swaps logging live; every other section needs a restart.
func (a *App) applyReload(prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogging(next.Logging))
		a.log.Info("logging reconfigured")
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.Strings("sections", pending))
	}
}

// Stop shuts components down in dependency order. Every step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping")

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
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

	// Stop intake first so nothing new reaches the dispatcher.
	step("transport", 3*time.Second, a.transport.Stop)
	a.sup.Cancel()
	step("supervisor", 4*time.Second, a.sup.Wait)
	if a.report != nil {
		step("report", 2*time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	}
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("health", 2*time.Second, func(c context.Context) error { a.health.Stop(c); return nil })

	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
