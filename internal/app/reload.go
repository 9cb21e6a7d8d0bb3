package app

import (
	"context"
	"slices"
	"strings"

	"userscriptd/internal/config"
	logx "userscriptd/pkg/logx"
)

// startReloadLoop fans validated config reloads out to the components.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func drainLatest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	mapped, err := mapComponents(next)
	if err != nil {
		// The manager validator rejects these before publish; keep the
		// running config if one slips through.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	for _, s := range sections {
		switch s {
		case "storage", "validator", "host":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if err := a.logs.Apply(mapped.log); err != nil {
		a.log.Warn("log file sink unavailable", logx.Err(err))
	}
	a.matcher.SetConfig(mapped.patterns)
	a.ctxs.SetConfig(mapped.contexts)
	a.exec.SetConfig(mapped.executor)
	a.gov.SetConfig(mapped.governor)
	a.recovery.SetConfig(mapped.recovery)

	if slices.Contains(sections, "execution") && mapped.sweep != a.sweepEvery {
		a.log.Warn("execution.sweep_interval changed; restart required for changes to take effect",
			logx.Duration("running", a.sweepEvery), logx.Duration("configured", mapped.sweep))
	}

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(ctx, mapped.scheduler)
	switch {
	case wasEnabled && !mapped.scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		a.stopScheduling()
	case !wasEnabled && mapped.scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		if err := a.startScheduling(ctx); err != nil {
			a.log.Error("scheduler start failed", logx.Err(err))
		}
	}

	// ctx outlives the reload: a (re)started debug server runs under it.
	a.debug.Reconfigure(ctx, mapped.debug)

	a.log.Info("config reloaded", fields...)
}
