// Package app wires the config manager, signal bus, polling coordinator and
// services together into one runnable unit.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pollmux/internal/config"
	"pollmux/internal/poll"
	"pollmux/internal/services/gate"
	"pollmux/internal/services/probe"
	"pollmux/internal/services/report"
	"pollmux/internal/signalbus"
	logx "pollmux/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus   signalbus.Bus
	coord *poll.Coordinator

	probe  *probe.Service
	gate   *gate.Service
	report *report.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := signalbus.New()
	coord := poll.New(engCfg, log.With(logx.String("comp", "poll")), bus)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		bus:     bus,
		coord:   coord,
		probe:   probe.New(coord, log.With(logx.String("comp", "probe")), bus),
		gate:    gate.New(coord, log.With(logx.String("comp", "gate")), bus),
		report:  report.New(coord, log.With(logx.String("comp", "report"))),
	}, nil
}

// Coordinator exposes the poll coordinator for host integrations (status
// inspection, manual refresh triggers).
func (a *App) Coordinator() *poll.Coordinator { return a.coord }

// TriggerFocus injects a focus signal, the same event a host UI would emit
// when the operator returns to it.
func (a *App) TriggerFocus() {
	a.bus.Publish(signalbus.Signal{Kind: signalbus.KindFocus})
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject bad hot reloads before they are committed.
		if _, err := engineConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("report.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	cfg := a.cfgm.Get()

	// The gate must be listening before anything publishes auth or health
	// transitions.
	a.gate.Start(runCtx)

	if err := a.probe.Apply(cfg); err != nil {
		return err
	}
	if !cfg.Auth.Present() {
		a.log.Info("no auth token configured; holding authenticated probes")
		a.coord.PauseAuthenticated()
	}

	a.report.Apply(cfg.Report)
	a.report.Start(runCtx)

	a.coord.SetupFocusListener()

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Error("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started", logx.Int("probes", len(cfg.Probe.Endpoints)))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyReload(last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyReload(old, cfg *config.Config) {
	a.logs.Apply(logCfg(cfg))

	if cfg.Engine != old.Engine {
		a.log.Warn("engine settings changed; restart required to apply")
	}

	if err := a.probe.Apply(cfg); err != nil {
		a.log.Error("probe reload failed", logx.Err(err))
	}

	// Auth token appearing or disappearing flips the authenticated category.
	if was, is := old.Auth.Present(), cfg.Auth.Present(); was != is {
		kind := signalbus.KindSignOut
		if is {
			kind = signalbus.KindSignIn
		}
		a.log.Info("auth presence changed", logx.Bool("present", is))
		a.bus.Publish(signalbus.Signal{Kind: kind})
	}

	a.report.Apply(cfg.Report)
	if cfg.Report.Enabled && !old.Report.Enabled {
		a.report.Start(context.Background())
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) {
	if a.cancel == nil {
		return
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.cancel()

	// Bound each shutdown step so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()

		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("report", 2*time.Second, func(c context.Context) { a.report.Stop(c) })
	step("gate", time.Second, func(context.Context) { a.gate.Stop() })
	step("probe", 2*time.Second, func(context.Context) { a.probe.Stop() })
	step("coordinator", 2*time.Second, func(context.Context) {
		a.coord.CleanupFocusListener()
		a.coord.Dispose()
	})
	step("workers", 2*time.Second, func(c context.Context) {
		done := make(chan struct{})
		go func() { a.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-c.Done():
		}
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func engineConfig(cfg *config.Config) (poll.Config, error) {
	step, err := config.ParseDurationField("engine.stagger_step", cfg.Engine.StaggerStep)
	if err != nil {
		return poll.Config{}, err
	}
	jitter, err := config.ParseDurationField("engine.max_resume_jitter", cfg.Engine.MaxResumeJitter)
	if err != nil {
		return poll.Config{}, err
	}
	return poll.Config{
		StaggerStep:     step,
		StaggerSlots:    cfg.Engine.StaggerSlots,
		MaxResumeJitter: jitter,
	}, nil
}
