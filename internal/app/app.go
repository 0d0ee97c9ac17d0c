// Package app is the composition root: it loads config, wires every
// component and owns the start/stop ordering.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"snspilot/internal/alert"
	"snspilot/internal/analytics"
	"snspilot/internal/config"
	"snspilot/internal/devicepool"
	"snspilot/internal/dispatch"
	"snspilot/internal/eventbus"
	"snspilot/internal/executor"
	"snspilot/internal/observability/debug"
	"snspilot/internal/provider/duoplus"
	"snspilot/internal/runtime/supervisor"
	"snspilot/internal/storage"
	"snspilot/internal/vault"
	logx "snspilot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	provider *duoplus.Client
	pool     *devicepool.Pool
	vlt      *vault.Vault
	exec     *executor.Service
	disp     *dispatch.Service
	rec      *analytics.Recorder
	alerts   *alert.Service
	dbg      *debug.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	pc, err := mapProviderConfig(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := duoplus.New(pc, log.With(logx.String("comp", "duoplus")))
	if err != nil {
		return nil, err
	}

	poolCfg, err := mapDevicePoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool := devicepool.New(poolCfg, store, provider, log.With(logx.String("comp", "devicepool")))

	if strings.TrimSpace(cfg.Vault.Secret) == "" {
		return nil, fmt.Errorf("vault.secret is required")
	}
	cipher, err := vault.NewAESGCM(cfg.Vault.Secret)
	if err != nil {
		return nil, err
	}
	vlt := vault.New(cipher)

	es, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	var locator executor.Locator = executor.StaticLocator{}
	if es.LocatorURL != "" {
		locator = executor.NewHTTPLocator(es.LocatorURL)
	}
	var evidence executor.EvidenceStore
	if es.EvidenceDir != "" {
		evidence = executor.FileEvidence{Dir: es.EvidenceDir}
	}
	exec := executor.New(es.Config, provider, locator, executor.LimitValidator{}, evidence,
		log.With(logx.String("comp", "executor")))

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dc, store, pool, vlt, exec, bus,
		log.With(logx.String("comp", "dispatch")))

	rec := analytics.New(mapAnalyticsConfig(cfg), store, bus,
		log.With(logx.String("comp", "analytics")))

	ac, err := mapAlertConfig(cfg)
	if err != nil {
		return nil, err
	}
	alerts, err := alert.New(ac, bus, log.With(logx.String("comp", "alert")))
	if err != nil {
		return nil, err
	}

	dbg := debug.New(mapDebugConfig(cfg), map[string]debug.StatusFunc{
		"dispatch": func(context.Context) any { return disp.Snapshot() },
		"devices":  func(c context.Context) any { return pool.Snapshot(c) },
	}, log.With(logx.String("comp", "debug")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		provider: provider,
		pool:     pool,
		vlt:      vlt,
		exec:     exec,
		disp:     disp,
		rec:      rec,
		alerts:   alerts,
		dbg:      dbg,
	}, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapProviderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapExecutorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAlertConfig(cfg); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Vault.Secret) == "" {
			return fmt.Errorf("vault.secret is required")
		}
		return nil
	})

	// Consumers first, so the first cycle's events are not dropped.
	a.rec.Start(a.sup.Context())
	a.alerts.Start(a.sup.Context())
	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.dbg.Start(); err != nil {
		// Diagnostics are optional; the engine runs without them.
		a.log.Warn("debug server start failed", logx.Err(err))
	}

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startReloadLoop applies hot-reloaded config to the running services.
// Storage, provider and vault changes need a restart; logging and
// dispatch knobs apply live.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				for _, s := range sections {
					switch s {
					case "storage", "provider", "vault", "debug":
						a.log.Warn("config section needs restart to take effect",
							logx.String("section", s))
					}
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				prevEnabled := a.disp.Enabled()
				dc, err := mapDispatchConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				} else {
					a.disp.Apply(dc)
					if prevEnabled && !dc.Enabled {
						a.log.Info("dispatch disabled via config")
						stopCtx, cancel := context.WithTimeout(c, 5*time.Second)
						a.disp.Stop(stopCtx)
						cancel()
					} else if !prevEnabled && dc.Enabled {
						a.log.Info("dispatch enabled via config")
						if err := a.disp.Start(c); err != nil {
							a.log.Error("dispatch start failed", logx.Err(err))
						}
					}
				}

				fields := append([]logx.Field{
					logx.String("changed", strings.Join(sections, ",")),
				}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Bounded per-component stop so one component can't stall shutdown.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	// Dispatch first: no new executions, in-flight work either finishes
	// or stays leased for TTL reclaim. Consumers after, so final events
	// still land. Storage last.
	step("debug", 2*time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	step("dispatch", 10*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("analytics", 2*time.Second, func(c context.Context) error { a.rec.Stop(c); return nil })
	step("storage", 2*time.Second, func(_ context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
