// Package app wires the components together: config, store, providers,
// politeness gate, queue, engine, scheduler, notifications, metrics, and
// the HTTP API. Start brings them up in dependency order; Stop drains in
// reverse.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"serialarr/internal/config"
	"serialarr/internal/engine"
	"serialarr/internal/eventbus"
	"serialarr/internal/httpapi"
	"serialarr/internal/library"
	"serialarr/internal/metrics"
	"serialarr/internal/notify"
	"serialarr/internal/politeness"
	"serialarr/internal/provider"
	"serialarr/internal/provider/archiveofourown"
	"serialarr/internal/provider/questionablequesting"
	"serialarr/internal/provider/royalroad"
	"serialarr/internal/queue"
	"serialarr/internal/retry"
	"serialarr/internal/runtime/supervisor"
	"serialarr/internal/scheduler"
	"serialarr/internal/store"
	"serialarr/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	st    store.Store
	gate  *politeness.Gate
	reg   *provider.Registry
	lib   *library.Library
	q     *queue.Queue
	eng   *engine.Engine
	sched *scheduler.Scheduler
	disp  *notify.Dispatcher
	coll  *metrics.Collector
	api   *httpapi.Server

	sup    *supervisor.Supervisor
	cfgSub chan *config.Config
}

// New builds the full object graph from the config at cfgPath. An empty
// path runs on defaults (memory-friendly for local experiments).
func New(cfgPath string) (*App, error) {
	a := &App{}

	var cfg *config.Config
	bootLog := logx.NewConsole("info")
	if cfgPath != "" {
		a.cfgm = config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
		var err error
		cfg, err = a.cfgm.Load()
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    logx.FileConfig{Enabled: cfg.Log.File != "", Path: cfg.Log.File},
	})
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.st = st

	a.bus = eventbus.New()
	a.gate = politeness.New(politeness.Limits{}, log.With(logx.String("comp", "politeness")))
	a.reg = provider.NewRegistry()
	a.lib = library.New(cfg.Library.Dir, log.With(logx.String("comp", "library")))

	if err := a.registerProviders(cfg); err != nil {
		return nil, err
	}

	a.q = queue.New(st, log.With(logx.String("comp", "queue")))

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Base:        cfg.Retry.Base.Std(),
		Cap:         cfg.Retry.Cap.Std(),
		Jitter:      cfg.Retry.Jitter,
	}
	a.eng = engine.New(engine.Config{
		Workers:                 cfg.Engine.Workers,
		StaleAfter:              cfg.Engine.StaleAfter.Std(),
		ReclaimDelay:            cfg.Engine.ReclaimDelay.Std(),
		RefreshCheckedOnFailure: cfg.Engine.RefreshCheckedOnFailure,
	}, st, a.q, a.gate, policy, a.reg, a.lib, a.bus, log.With(logx.String("comp", "engine")))

	a.sched = scheduler.New(scheduler.Config{
		Interval:   cfg.Scheduler.Interval.Std(),
		Resolution: cfg.Scheduler.Resolution.Std(),
	}, st, a.q, log.With(logx.String("comp", "scheduler")))

	a.disp = notify.NewDispatcher(notify.Config{
		Events:  cfg.Notify.Events,
		Timeout: cfg.Notify.Timeout.Std(),
	}, a.bus, log.With(logx.String("comp", "notify")), a.buildChannels(cfg)...)

	reg := prometheus.NewRegistry()
	a.coll = metrics.NewCollector(reg, a.eng)
	a.api = httpapi.New(cfg.HTTP.Listen, st, a.q, a.sched, a.eng, a.reg, reg, log.With(logx.String("comp", "http")))

	return a, nil
}

func (a *App) registerProviders(cfg *config.Config) error {
	settings := func(key string) provider.Settings {
		p := cfg.Providers[key]
		return provider.Settings{
			MinDelay:      p.MinDelay.Std(),
			MaxDelay:      p.MaxDelay.Std(),
			MaxConcurrent: p.MaxConcurrent,
			Session:       p.Session,
			UserAgent:     p.UserAgent,
		}
	}

	if err := a.reg.Register(
		royalroad.New(settings("royalroad")),
		archiveofourown.New(settings("archiveofourown")),
		questionablequesting.New(settings("questionablequesting")),
	); err != nil {
		return err
	}

	for _, key := range a.reg.Keys() {
		p := cfg.Providers[key]
		a.gate.Configure(key, politeness.Limits{
			MaxConcurrent: p.MaxConcurrent,
			MinDelay:      p.MinDelay.Std(),
			MaxDelay:      p.MaxDelay.Std(),
		})
	}
	return nil
}

func (a *App) buildChannels(cfg *config.Config) []notify.Channel {
	var channels []notify.Channel
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhook(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
		if err != nil {
			a.log.Warn("telegram channel disabled", logx.Err(err))
		} else {
			channels = append(channels, tg)
		}
	}
	return channels
}

// applyConfig adjusts what can change without a restart: log level and
// sinks, and per-provider politeness limits. Store, listen address, and
// the provider set still need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    logx.FileConfig{Enabled: cfg.Log.File != "", Path: cfg.Log.File},
	})
	for _, key := range a.reg.Keys() {
		p := cfg.Providers[key]
		a.gate.Configure(key, politeness.Limits{
			MaxConcurrent: p.MaxConcurrent,
			MinDelay:      p.MinDelay.Std(),
			MaxDelay:      p.MaxDelay.Std(),
		})
	}
	a.log.Info("config reloaded", logx.String("log_level", cfg.Log.Level))
}

// Start brings everything up. The engine starts before the scheduler so
// restored tasks get workers before new checks pile on.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	a.sched.Start(ctx)
	a.disp.Start(ctx)
	a.sup.Go("metrics-watch", func(ctx context.Context) error {
		return a.coll.Watch(ctx, a.bus)
	})
	if a.cfgm != nil {
		a.cfgSub = a.cfgm.Subscribe(1)
		a.sup.Go("config-watch", a.cfgm.Watch)
		a.sup.Go("config-apply", func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case cfg, ok := <-a.cfgSub:
					if !ok {
						return nil
					}
					a.applyConfig(cfg)
				}
			}
		})
	}
	if err := a.api.Start(); err != nil {
		return fmt.Errorf("starting http api: %w", err)
	}

	a.log.Info("serialarr started")
	return nil
}

// Stop drains in reverse dependency order: no new checks, then no new
// dispatches, then workers, then the surfaces and the store.
func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop()

	if err := a.eng.Stop(ctx); err != nil {
		a.log.Warn("engine drain incomplete", logx.Err(err))
	}
	a.disp.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sup.Wait(waitCtx)
		cancel()
	}
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}

	if err := a.api.Stop(ctx); err != nil {
		a.log.Warn("http shutdown failed", logx.Err(err))
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("serialarr stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
