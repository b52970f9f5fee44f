package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mailgate/internal/admission"
	"mailgate/internal/config"
	"mailgate/internal/delivery"
	"mailgate/internal/eventbus"
	"mailgate/internal/httpapi"
	"mailgate/internal/observability/pprof"
	"mailgate/internal/relay"
	"mailgate/internal/runtime/supervisor"
	"mailgate/internal/storage"
	logx "mailgate/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	hist  *eventbus.History
	store storage.Store

	pool       *relay.Pool
	dispatcher *delivery.Dispatcher
	admission  *admission.Controller
	server     *httpapi.Server
	prune      *pruneJob
	pprof      *pprof.Service

	systemd config.SystemdConfig
	verify  bool
	// secrets are every relay password seen since start; a restart-only
	// change leaves the old one in use.
	secrets []string
}

// New loads cfgPath (plus the environment) and wires every component.
// Nothing touches the network until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogging(cfg))
	logSvc.Redact(cfg.Relay.Password)
	appLog := log.Component("app")

	bus := eventbus.New()
	hist := eventbus.NewHistory(cfg.Delivery.HistorySize,
		eventbus.TypeDeliverySent, eventbus.TypeDeliveryFailed, eventbus.TypeRelayVerified)

	// Delivery log (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		appLog.Info("delivery log enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		logSvc.Close()
		return nil, err
	}

	prune, err := newPruneJob(cfg, store, log)
	if err != nil {
		return fail(err)
	}

	dialer, err := relay.NewSMTPDialer(mapSMTPConfig(cfg), log.Component("smtp"))
	if err != nil {
		return fail(err)
	}
	pool := relay.NewPool(mapPoolConfig(cfg), dialer, relay.WithPoolLogger(log.Component("pool")))

	dispatcher := delivery.New(mapDeliveryConfig(cfg), pool,
		delivery.WithLogger(log.Component("delivery")),
		delivery.WithBus(bus),
		delivery.WithStore(store),
	)
	adm := admission.New(mapLimits(cfg),
		admission.WithLogger(log.Component("admission")),
		admission.WithBus(bus),
	)

	handler := httpapi.NewHandler(httpapi.Deps{
		Log:        log,
		Admission:  adm,
		Dispatcher: dispatcher,
		Pool:       pool,
		Builder:    mapBuilder(cfg),
		Relay:      mapRelayInfo(cfg),
		History:    hist,
		Bus:        bus,
		Store:      store,
	}, mapHandlerOptions(cfg))
	server := httpapi.NewServer(mapServerConfig(cfg), handler, log)

	var prof *pprof.Service
	if cfg.Pprof.Enabled {
		prof = pprof.New(pprof.Config{Addr: cfg.Pprof.Addr, Token: cfg.Pprof.Token}, log)
	}

	return &App{
		cfgm:       cfgm,
		log:        appLog,
		logs:       logSvc,
		bus:        bus,
		hist:       hist,
		store:      store,
		pool:       pool,
		dispatcher: dispatcher,
		admission:  adm,
		server:     server,
		prune:      prune,
		pprof:      prof,
		systemd:    cfg.Systemd,
		verify:     cfg.Relay.VerifyOnStartEnabled(),
		secrets:    []string{cfg.Relay.Password},
	}, nil
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

// Addr is the bound HTTP address once Start returned.
func (a *App) Addr() string { return a.server.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if s := strings.TrimSpace(cfg.DeliveryLog.PruneSchedule); s != "" {
			if _, err := cronParser.Parse(s); err != nil {
				return fmt.Errorf("delivery_log.prune_schedule: invalid %q: %w", s, err)
			}
		}
		return nil
	})

	// Bind before anything else so a taken port fails Start.
	if err := a.server.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	a.sup.Go("http", a.server.Run)

	a.sup.Go("history", func(c context.Context) error {
		return a.hist.Follow(c, a.bus)
	})

	if a.verify {
		a.sup.Go("relay.verify", func(c context.Context) error {
			a.verifyRelay(c)
			return nil
		})
	}

	if a.prune != nil {
		a.sup.Go("delivery_log.prune", a.prune.Run)
	}

	// Profiling is optional; a failing debug listener never stops the app.
	if a.pprof != nil {
		a.sup.GoRestart("pprof", a.pprof.Run, 500*time.Millisecond, 10*time.Second)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.systemd.Notify {
		sdNotify(a.log, daemon.SdNotifyReady)
	}
	if a.systemd.Watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return runWatchdog(c, a.log)
		})
	}

	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

// verifyRelay dials the relay once so a bad credential shows up in the log
// and in /api/email-status before the first inquiry.
func (a *App) verifyRelay(ctx context.Context) {
	res, err := a.pool.Verify(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		a.log.Warn("relay verification failed",
			logx.String("kind", string(res.Kind)),
			logx.Duration("took", res.Took),
			logx.Err(err),
		)
	} else {
		a.log.Info("relay verified", logx.Duration("took", res.Took))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeRelayVerified, Time: res.At, Data: res})
}

// reloadLoop applies the live sections of each committed config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if newCfg.Relay.Password != oldCfg.Relay.Password {
		a.secrets = append(a.secrets, newCfg.Relay.Password)
		a.logs.Redact(a.secrets...)
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config change applied", fields...)

	for _, s := range ch.Live {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(newCfg))
		case "admission":
			a.admission.Apply(mapLimits(newCfg))
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: ch.Sections})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.systemd.Notify {
		sdNotify(a.log, daemon.SdNotifyStopping)
	}

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > limit {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Canceling the supervisor drains HTTP first; in-flight sends finish
	// against a still-open pool.
	step("supervisor", 20*time.Second, a.sup.Stop)
	step("pool", 5*time.Second, a.pool.Close)
	step("delivery_log", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
