// Package app wires the userscriptd components together and owns their
// lifecycle: construction from config, start, hot reload and ordered stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"userscriptd/internal/api"
	"userscriptd/internal/config"
	"userscriptd/internal/eventbus"
	"userscriptd/internal/execctx"
	"userscriptd/internal/executor"
	"userscriptd/internal/governor"
	"userscriptd/internal/host"
	"userscriptd/internal/metrics"
	"userscriptd/internal/observability/debug"
	"userscriptd/internal/pattern"
	"userscriptd/internal/recovery"
	rtsup "userscriptd/internal/runtime/supervisor"
	"userscriptd/internal/scheduler"
	"userscriptd/internal/storage"
	"userscriptd/internal/timers"
	"userscriptd/internal/userscript"
	"userscriptd/internal/validator"
	logx "userscriptd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	scripts  *userscript.StoreRepository
	matcher  *pattern.Matcher
	valid    *validator.Validator
	ctxs     *execctx.Manager
	recovery *recovery.Service
	gov      *governor.Governor
	pool     *host.Pool
	exec     *executor.Executor
	timers   *timers.Local
	sched    *scheduler.Service
	debug    *debug.Service
	api      *api.Service

	sweepEvery time.Duration
}

type Option func(*options)

type options struct {
	host host.Host
}

// WithHost replaces the goja pool as the script host.
func WithHost(h host.Host) Option { return func(o *options) { o.host = h } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	mapped, err := mapComponents(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapped.log)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	store, driver, err := openStore(cfg, comp("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.With(logx.String("comp", "app")).Info("storage enabled", logx.String("driver", driver))

	bus := eventbus.New()
	m := metrics.New()
	scripts := userscript.NewStoreRepository(store)

	matcher := pattern.New(mapped.patterns, comp("pattern"))
	valid := validator.New(mapped.validator, matcher, comp("validator"))
	ctxs := execctx.New(mapped.contexts, comp("execctx"))
	rec := recovery.New(mapped.recovery, comp("recovery"))
	gov := governor.New(mapped.governor, comp("governor"), m, bus)

	var pool *host.Pool
	h := o.host
	if h == nil {
		pool = host.NewPool(mapped.host, comp("host"))
		h = pool
	}

	exec := executor.New(mapped.executor, executor.Deps{
		Scripts:   scripts,
		Host:      h,
		Matcher:   matcher,
		Validator: valid,
		Contexts:  ctxs,
		Recovery:  rec,
		Governor:  gov,
		Metrics:   m,
		Bus:       bus,
	}, comp("executor"))

	tm := timers.NewLocal(store, comp("timers"))
	sched := scheduler.New(mapped.scheduler, scheduler.Deps{
		Store:   store,
		Timers:  tm,
		Runner:  exec,
		Scripts: scripts,
		Tabs:    ctxs,
		Matcher: matcher,
		Metrics: m,
		Bus:     bus,
	}, comp("scheduler"))

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        comp("app"),
		logs:       logSvc,
		bus:        bus,
		store:      store,
		metrics:    m,
		scripts:    scripts,
		matcher:    matcher,
		valid:      valid,
		ctxs:       ctxs,
		recovery:   rec,
		gov:        gov,
		pool:       pool,
		exec:       exec,
		timers:     tm,
		sched:      sched,
		sweepEvery: mapped.sweep,
	}
	a.api = api.New(api.Deps{
		Scripts:   scripts,
		Executor:  exec,
		Scheduler: sched,
		Governor:  gov,
		Recovery:  rec,
		Contexts:  ctxs,
		Matcher:   matcher,
		Validator: valid,
	}, comp("api"))
	a.debug = debug.New(mapped.debug, debug.Sources{
		Gatherer: m.Registry,
		Health:   a.health,
		Stats:    a.stats,
	}, comp("debug"))
	return a, nil
}

// API is the operation surface. It is usable before Start; schedules
// created then are armed once the scheduler starts.
func (a *App) API() *api.Service { return a.api }

// Bus exposes lifecycle events to embedders.
func (a *App) Bus() eventbus.Bus { return a.bus }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		_, err := mapComponents(cfg)
		return err
	})

	if a.sched.Enabled() {
		if err := a.startScheduling(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled; schedules stay persisted")
	}

	mapped, err := mapComponents(a.cfgm.Get())
	if err != nil {
		return err
	}
	a.debug.Reconfigure(a.sup.Context(), mapped.debug)

	a.sup.GoEvery("sweep", a.sweepEvery, func(_ context.Context, now time.Time) {
		ctxDropped, tabsDropped := a.ctxs.Sweep(now)
		metricsDropped, warningsDropped := a.gov.Sweep(now)
		if ctxDropped+tabsDropped+metricsDropped+warningsDropped > 0 {
			a.log.Debug("sweep",
				logx.Int("contexts", ctxDropped),
				logx.Int("tabs", tabsDropped),
				logx.Int("metrics", metricsDropped),
				logx.Int("warnings", warningsDropped),
			)
		}
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.dispatch", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.onEvent(c, e)
			}
		}
	})

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startScheduling reconciles persisted schedules with the armed alarms
// and only then lets the timers deliver callbacks.
func (a *App) startScheduling(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := a.timers.Start(ctx); err != nil {
		a.sched.Stop()
		return fmt.Errorf("start timers: %w", err)
	}
	return nil
}

func (a *App) stopScheduling() {
	a.timers.Stop()
	a.sched.Stop()
}

func (a *App) onEvent(ctx context.Context, e eventbus.Event) {
	// Keep this debug-level to avoid noise for frequent schedules.
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))

	if e.Type != eventbus.TypeScriptDisabled {
		return
	}
	se, ok := e.Data.(recovery.ScriptError)
	if !ok || se.Context.ScriptID == "" {
		return
	}
	n, err := a.sched.DisableForScript(ctx, se.Context.ScriptID)
	if err != nil {
		a.log.Warn("disabling schedules of disabled script failed", logx.String("script_id", se.Context.ScriptID), logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("schedules disabled with script", logx.String("script_id", se.Context.ScriptID), logx.Int("schedules", n))
	}
}

type healthReport struct {
	Scheduler  bool              `json:"scheduler"`
	Host       *host.Stats       `json:"host,omitempty"`
	Supervisor []rtsup.TaskStats `json:"supervisor"`
	Armed      int               `json:"armed"`
	Contexts   execctx.Stats     `json:"contexts"`
	Storage    string            `json:"storage,omitempty"`
}

func (a *App) health(ctx context.Context) (any, error) {
	rep := healthReport{
		Scheduler: a.sched.Enabled(),
		Armed:     len(a.timers.Armed()),
		Contexts:  a.ctxs.Stats(),
	}
	if a.pool != nil {
		st := a.pool.Stats()
		rep.Host = &st
	}
	if a.sup != nil {
		rep.Supervisor = a.sup.Snapshot()
	}
	if _, _, err := a.store.Get(ctx, "health:check"); err != nil {
		rep.Storage = err.Error()
		return rep, fmt.Errorf("storage: %w", err)
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

type statsReport struct {
	Execution api.ExecutionStatistics `json:"execution"`
	Scheduler scheduler.Stats         `json:"scheduler"`
}

func (a *App) stats(ctx context.Context) (any, error) {
	ex, err := a.api.GetExecutionStatistics(20)
	if err != nil {
		return nil, err
	}
	st, err := a.api.GetSchedulerStats(ctx)
	if err != nil {
		return nil, err
	}
	return statsReport{Execution: ex, Scheduler: st}, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStopStep(ctx, a.log, name, max, fn)
	}

	// Timers first so no callback lands on a stopping scheduler.
	step("timers", time.Second, func(context.Context) error { a.timers.Stop(); return nil })
	step("scheduler", 2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// Wait for supervised goroutines (config watch/reload, sweeper, dispatch).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("host", 2*time.Second, func(context.Context) error {
		if a.pool != nil {
			return a.pool.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases what New acquired when Start never ran.
func (a *App) closeResources() error {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	errs = append(errs, a.store.Close())
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// runStopStep runs one shutdown step with an upper bound so one component
// can't stall the whole stop.
func runStopStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
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
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
