package app

import (
	"fmt"
	"strings"
	"time"

	"userscriptd/internal/config"
	"userscriptd/internal/execctx"
	"userscriptd/internal/executor"
	"userscriptd/internal/governor"
	"userscriptd/internal/host"
	"userscriptd/internal/observability/debug"
	"userscriptd/internal/pattern"
	"userscriptd/internal/recovery"
	"userscriptd/internal/scheduler"
	"userscriptd/internal/validator"
	logx "userscriptd/pkg/logx"
)

// components is the fully mapped set of component configs for one
// config.Config. Building it is also how a reload is validated.
type components struct {
	log       logx.Config
	patterns  pattern.Config
	validator validator.Config
	contexts  execctx.Config
	executor  executor.Config
	governor  governor.Config
	recovery  recovery.Config
	scheduler scheduler.Config
	host      host.Config
	debug     debug.Config
	sweep     time.Duration
}

func mapComponents(cfg *config.Config) (components, error) {
	if cfg == nil {
		return components{}, fmt.Errorf("config is nil")
	}
	var (
		out components
		err error
	)
	out.log = mapLogConfig(cfg)
	out.patterns = pattern.Config{CacheSize: cfg.Patterns.CacheSize, MaxLength: cfg.Patterns.MaxLength}
	out.validator = validator.Config{MaxNameLength: cfg.Validator.MaxNameLength, MaxCodeSize: cfg.Validator.MaxCodeSize}
	out.host = host.Config{PoolSize: cfg.Host.PoolSize, Console: cfg.Host.Console}

	if out.governor, err = mapGovernorConfig(cfg); err != nil {
		return components{}, err
	}
	if out.contexts, out.executor, out.sweep, err = mapExecutionConfig(cfg, out.governor.MaxExecutionTime); err != nil {
		return components{}, err
	}
	if out.recovery, err = mapRecoveryConfig(cfg); err != nil {
		return components{}, err
	}
	if out.scheduler, err = mapSchedulerConfig(cfg); err != nil {
		return components{}, err
	}
	if out.debug, err = mapDebugConfig(cfg); err != nil {
		return components{}, err
	}
	if _, _, err = mapStorageConfig(cfg); err != nil {
		return components{}, err
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapGovernorConfig(cfg *config.Config) (governor.Config, error) {
	g := cfg.Governor
	maxExec, err := config.ParseDurationField("governor.max_execution_time", g.MaxExecutionTime)
	if err != nil {
		return governor.Config{}, err
	}
	retention, err := config.ParseDurationField("governor.retention", g.Retention)
	if err != nil {
		return governor.Config{}, err
	}
	if g.MaxMemoryMB < 0 || g.MaxConcurrentPerTab < 0 || g.MaxExecutionsPerHour < 0 {
		return governor.Config{}, fmt.Errorf("governor: limits must be >= 0")
	}
	return governor.Config{
		MaxExecutionTime:     maxExec,
		MaxMemoryBytes:       uint64(g.MaxMemoryMB) << 20,
		MaxConcurrentPerTab:  g.MaxConcurrentPerTab,
		MaxExecutionsPerHour: g.MaxExecutionsPerHour,
		MetricsHistory:       g.MetricsHistory,
		WarningsHistory:      g.WarningsHistory,
		Retention:            retention,
		TimeWeight:           g.TimeWeight,
		SuccessWeight:        g.SuccessWeight,
		WarnLogRate:          g.WarnLogRate,
	}, nil
}

// mapExecutionConfig shares the governor's execution ceiling with the
// context manager so both agree on the per-attempt limit.
func mapExecutionConfig(cfg *config.Config, maxExec time.Duration) (execctx.Config, executor.Config, time.Duration, error) {
	e := cfg.Execution
	if e.HistorySize < 0 || e.MaxContexts < 0 || e.MaxTabs < 0 || e.TabQueueSize < 0 {
		return execctx.Config{}, executor.Config{}, 0, fmt.Errorf("execution: sizes must be >= 0")
	}
	sweep, err := config.ParseDurationOrDefault("execution.sweep_interval", e.SweepInterval, time.Minute)
	if err != nil {
		return execctx.Config{}, executor.Config{}, 0, err
	}
	retries := 3
	if e.DefaultMaxRetries != nil {
		if *e.DefaultMaxRetries < 0 {
			return execctx.Config{}, executor.Config{}, 0, fmt.Errorf("execution.default_max_retries must be >= 0")
		}
		retries = *e.DefaultMaxRetries
	}
	cc := execctx.Config{
		MaxExecutionTime: maxExec,
		MaxContexts:      e.MaxContexts,
		MaxTabs:          e.MaxTabs,
		TabQueueSize:     e.TabQueueSize,
	}
	ec := executor.Config{
		HistorySize:       e.HistorySize,
		DefaultMaxRetries: retries,
	}
	return cc, ec, sweep, nil
}

func mapRecoveryConfig(cfg *config.Config) (recovery.Config, error) {
	r := cfg.Recovery
	maxDelay, err := config.ParseDurationField("recovery.max_retry_delay", r.MaxRetryDelay)
	if err != nil {
		return recovery.Config{}, err
	}
	out := recovery.Config{HistorySize: r.HistorySize, MaxRetryDelay: maxDelay}
	if len(r.Policies) == 0 {
		return out, nil
	}

	defaults := recovery.DefaultPolicies()
	out.Policies = make(map[recovery.Category]recovery.Policy, len(r.Policies))
	for name, pc := range r.Policies {
		cat := recovery.Category(strings.TrimSpace(name))
		p, ok := defaults[cat]
		if !ok {
			return recovery.Config{}, fmt.Errorf("recovery.policies: unknown category %q", name)
		}
		if pc.Retryable != nil {
			p.Retryable = *pc.Retryable
		}
		if pc.MaxRetries != nil {
			if *pc.MaxRetries < 0 {
				return recovery.Config{}, fmt.Errorf("recovery.policies.%s.max_retries must be >= 0", name)
			}
			p.MaxRetries = *pc.MaxRetries
		}
		base, err := config.ParseDurationOrDefault("recovery.policies."+name+".base_delay", pc.BaseDelay, p.BaseDelay)
		if err != nil {
			return recovery.Config{}, err
		}
		p.BaseDelay = base
		switch fb := recovery.Fallback(strings.TrimSpace(pc.Fallback)); fb {
		case "":
		case recovery.FallbackSkip, recovery.FallbackDisable, recovery.FallbackReport:
			p.Fallback = fb
		default:
			return recovery.Config{}, fmt.Errorf("recovery.policies.%s.fallback: unknown fallback %q", name, pc.Fallback)
		}
		out.Policies[cat] = p
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	minInterval, err := config.ParseDurationField("scheduler.min_interval", s.MinInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxTimeout, err := config.ParseDurationField("scheduler.max_timeout", s.MaxTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	if s.MaxRetries < 0 || s.MaxNameLength < 0 || s.MaxConsecutiveFailures < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler: limits must be >= 0")
	}
	return scheduler.Config{
		Enabled:                s.Enabled,
		Timezone:               strings.TrimSpace(s.Timezone),
		MinInterval:            minInterval,
		MaxRetries:             s.MaxRetries,
		MaxTimeout:             maxTimeout,
		MaxNameLength:          s.MaxNameLength,
		MaxConsecutiveFailures: s.MaxConsecutiveFailures,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	rt, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Pprof:         d.Pprof,
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}
