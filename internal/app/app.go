// Package app wires configuration, flows and runtime services into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dutybot/internal/config"
	"dutybot/internal/eventbus"
	"dutybot/internal/flow"
	"dutybot/internal/metrics"
	"dutybot/internal/observability/pprof"
	"dutybot/internal/runtime/supervisor"
	"dutybot/internal/server"
	"dutybot/internal/storage"
	"dutybot/internal/task/engine"
	"dutybot/internal/task/scheduler"
	logx "dutybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	mets  *metrics.Metrics
	prof  *pprof.Service

	http   *server.Server
	flows  *flow.Table
	engine *engine.Service
	sched  *scheduler.Service

	notify bool
}

func New(cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), prof: pprof.New(root), notify: cfg.Systemd.Notify}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if cfg.Metrics.Enabled {
		a.mets = metrics.New()
	}

	srvOpt, err := mapServerOptions(cfg)
	if err != nil {
		return nil, err
	}
	srvOpt.Logger = root
	srvOpt.Bus = a.bus
	srvOpt.Metrics = a.mets
	a.http = server.New(srvOpt)

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "engine")), a.bus)

	a.sched, err = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, a.engine, root.With(logx.String("comp", "scheduler")))
	if err != nil {
		return nil, err
	}
	loc := a.sched.Location()

	a.flows, err = flow.Build(cfg.Flows, flow.Options{
		Logger:    root,
		Bus:       a.bus,
		UploadURL: a.http.UploadURL,
		Now:       func() time.Time { return time.Now().In(loc) },
	})
	if err != nil {
		return nil, err
	}
	if err := a.flows.Register(a.sched); err != nil {
		return nil, err
	}

	a.http.Mount(server.Backend{Flows: a.flows, Scheduler: a.sched, Tasks: a.engine, Audit: a.store})
	return a, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.http.Listen(); err != nil {
		return err
	}

	a.engine.Start(a.sup.Context())
	a.sched.Start()
	a.applyPprof(a.cfgm.Get())

	a.sup.Go("http", func(context.Context) error { return a.http.Serve() })
	if a.mets != nil {
		a.sup.Go("metrics", func(c context.Context) error { return a.mets.Run(c, a.bus) })
	}
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.log)
		a.sup.Go("audit", func(c context.Context) error { return rec.Run(c, a.bus) })
	}
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.applyReloads)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.notify {
		a.sdNotify(daemon.SdNotifyReady)
	}
	a.log.Info("app started", logx.Int("flows", len(a.flows.Flows())), logx.String("addr", a.http.Addr()))
	return nil
}

func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case !sent:
		a.log.Debug("sd_notify unsupported (NOTIFY_SOCKET unset)", logx.String("state", state))
	}
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(c context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// applyPprof never fails the app; a bad pprof section is logged and skipped.
func (a *App) applyPprof(cfg *config.Config) {
	if err := a.prof.Reconfigure(a.sup.Context(), mapPprofConfig(cfg)); err != nil {
		a.log.Warn("pprof not applied", logx.Err(err))
	}
}

// applyReloads applies logging and pprof changes live; everything else needs a restart.
func (a *App) applyReloads(c context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.Apply(mapLogConfig(newCfg))
			a.applyPprof(newCfg)

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			if config.RestartRequired(sections) {
				a.log.Warn("config changed; restart required for sections other than logging and pprof to take effect", fields...)
			} else {
				a.log.Info("config reloaded", fields...)
			}
			eventbus.Publish(a.bus, eventbus.ConfigReloaded, sections)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.notify {
		a.sdNotify(daemon.SdNotifyStopping)
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Stop intake first, then triggers, then let the running task finish.
	step("http", 5*time.Second, a.http.Shutdown)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 30*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("pprof", 2*time.Second, func(c context.Context) error { a.prof.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.closeResources()
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.flows != nil {
		if err := a.flows.Close(); err != nil {
			a.log.Warn("closing sinks", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing storage", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
