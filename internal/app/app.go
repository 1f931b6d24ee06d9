// Package app wires the forwarding pipeline together and owns its lifecycle:
// config load and hot reload, component start order and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyfwd/internal/admin"
	"notifyfwd/internal/config"
	"notifyfwd/internal/eventbus"
	"notifyfwd/internal/events/natsbridge"
	"notifyfwd/internal/forward"
	"notifyfwd/internal/notification"
	"notifyfwd/internal/observability/metrics"
	"notifyfwd/internal/relay"
	rtsup "notifyfwd/internal/runtime/supervisor"
	"notifyfwd/internal/storage"
	"notifyfwd/internal/task/claims"
	"notifyfwd/internal/task/engine"
	"notifyfwd/internal/task/maintenance"
	logx "notifyfwd/pkg/logx"
)

// dispatchTimeout bounds one dispatch attempt: load, lookup, relay call, ack.
const dispatchTimeout = 30 * time.Second

type Option func(*App)

// WithLogLevel overrides logging.level from the file, including on reload.
func WithLogLevel(level string) Option {
	return func(a *App) { a.logLevel = strings.TrimSpace(level) }
}

type App struct {
	cfgm     *config.Manager
	sup      *rtsup.Supervisor
	logLevel string

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store       storage.Store
	notes       *notification.Service
	metrics     *metrics.Metrics
	engine      *engine.Service
	closeClaims func() error
	relay       *relay.Client
	settings    *forward.Settings
	coord       *forward.Coordinator
	hook        *forward.Hook
	nats        *natsbridge.Bridge
	maint       *maintenance.Service
	admin       *admin.Service
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm

	logSvc, log := logx.New(a.loggingConfig(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	if err := a.build(ctx, cfg, log); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) loggingConfig(cfg *config.Config) logx.Config {
	lc := mapLoggingConfig(cfg)
	if a.logLevel != "" {
		lc.Level = a.logLevel
	}
	return lc
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	a.bus = eventbus.New()
	a.metrics = metrics.New()
	a.metrics.ObserveBus(a.bus)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.Bool("durable", st.Durable()))

	a.notes = notification.NewService(st, a.bus, log.With(logx.String("comp", "notification")))

	cc, err := mapClaimsConfig(cfg)
	if err != nil {
		return err
	}
	claimer, closeClaims, err := claims.Open(ctx, cc, st)
	if err != nil {
		return fmt.Errorf("open claims: %w", err)
	}
	a.closeClaims = closeClaims
	if cc.Driver == "storage" && !st.Durable() {
		a.log.Warn("claims on a non-durable store; a restart may resend in-flight notifications", logx.String("storage", sc.Driver))
	}

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	var engOpts []engine.Option
	if claimer != nil {
		engOpts = append(engOpts, engine.WithClaimer(claimer))
	}
	a.engine = engine.New(ec, log.With(logx.String("comp", "taskengine")), a.bus, engOpts...)

	rc, err := mapRelayConfig(cfg)
	if err != nil {
		return err
	}
	a.relay = relay.New(rc, log.With(logx.String("comp", "relay")))

	fc, err := mapForwardConfig(cfg)
	if err != nil {
		return err
	}
	a.settings = forward.NewSettings(fc)
	flog := log.With(logx.String("comp", "forward"))
	a.coord = forward.NewCoordinator(forward.Deps{
		Loader:   a.notes,
		Identity: forward.DirectoryResolver{Dir: st},
		Sender:   a.relay,
		Ack:      forward.NewAcknowledger(a.notes),
		Settings: a.settings,
		Recorder: a.metrics,
		Log:      flog,
	})
	a.hook = forward.NewHook(forward.NewFilter(a.settings, a.metrics), a.engine, a.coord, dispatchTimeout, flog)

	if nc := mapNATSConfig(cfg); nc.Enabled {
		a.nats = natsbridge.New(nc, a.bus, a.notes, log.With(logx.String("comp", "nats")))
	}

	a.maint = maintenance.New(mapMaintenanceConfig(cfg), a.engine, st, log.With(logx.String("comp", "maintenance")))

	ac, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	a.admin = admin.New(ac, admin.Deps{
		Engine:     a.engine,
		Jobs:       a.maint,
		Users:      st,
		Notify:     a.notes,
		Metrics:    a.metrics.Handler(),
		Instrument: a.metrics.Middleware,
		Health:     a.health,
	}, log)
	return nil
}

// Notifications exposes the service that creates notifications.
func (a *App) Notifications() *notification.Service { return a.notes }

// Store exposes the directory and notification store.
func (a *App) Store() storage.Store { return a.store }

// AdminAddr returns the bound admin address, or "" when admin is off.
func (a *App) AdminAddr() string { return a.admin.Addr() }

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

func (a *App) health(context.Context) error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if snap := a.engine.Snapshot(); snap.Enabled && !snap.Running {
		return errors.New("task engine not running")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.engine.Start(run)
	if err := a.maint.Start(run); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	// Notifications created before this point are stored but not forwarded.
	a.notes.OnCreated(a.hook)
	a.sup.Go("metrics.bus", func(c context.Context) error {
		return a.metrics.WatchBus(c, a.bus,
			engine.EventStarted, engine.EventFinished, engine.EventFailed, engine.EventSkipped, engine.EventDropped,
			notification.EventCreated, notification.EventUpdated,
		)
	})
	if a.nats != nil {
		// The broker may come up after us; retry instead of failing the app.
		a.sup.GoRestart("events.nats", a.nats.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if err := a.admin.Start(run); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	snap := a.settings.Load()
	a.log.Info("app started",
		logx.Bool("forward.enabled", snap.Enabled),
		logx.Bool("forward.superuser_only", snap.SuperuserOnly),
		logx.String("relay", a.relay.Config().Target()),
		logx.Bool("nats", a.nats != nil),
		logx.Bool("admin", a.admin.Enabled()),
	)
	return nil
}

// Stop cancels background loops and then stops components in reverse
// dependency order, each step bounded so one component cannot stall the
// whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()
	a.notes.OnCreated(nil)

	a.step(ctx, "admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	a.step(ctx, "maintenance", time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// never extend the caller's deadline
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeStores() error {
	var errs []error
	if a.closeClaims != nil {
		errs = append(errs, a.closeClaims())
		a.closeClaims = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

// closeAll releases what build acquired when New fails or Start never ran.
func (a *App) closeAll() {
	_ = a.closeStores()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
