package config

import (
	"errors"
	"fmt"
	"strings"

	logx "userscriptd/pkg/logx"
)

var knownCategories = map[string]struct{}{
	"validation": {}, "security": {}, "execution": {}, "timeout": {}, "permission": {},
	"network": {}, "memory": {}, "host_api": {}, "unknown": {},
}

var knownFallbacks = map[string]struct{}{
	"": {}, "disable": {}, "skip": {}, "report": {},
}

// Validate performs static checks that don't need any running component.
// All problems are joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", logx.FormatConsole, logx.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	}

	if cfg.Patterns.CacheSize < 0 || cfg.Patterns.MaxLength < 0 {
		errs = append(errs, errors.New("patterns: sizes must be >= 0"))
	}
	if cfg.Execution.DefaultMaxRetries != nil && *cfg.Execution.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("execution.default_max_retries: must be >= 0"))
	}
	dur("execution.sweep_interval", cfg.Execution.SweepInterval)

	dur("governor.max_execution_time", cfg.Governor.MaxExecutionTime)
	dur("governor.retention", cfg.Governor.Retention)
	if cfg.Governor.TimeWeight < 0 || cfg.Governor.SuccessWeight < 0 {
		errs = append(errs, errors.New("governor: weights must be >= 0"))
	}

	dur("recovery.max_retry_delay", cfg.Recovery.MaxRetryDelay)
	for name, p := range cfg.Recovery.Policies {
		if _, ok := knownCategories[name]; !ok {
			errs = append(errs, fmt.Errorf("recovery.policies: unknown category %q", name))
			continue
		}
		dur("recovery.policies."+name+".base_delay", p.BaseDelay)
		if _, ok := knownFallbacks[strings.TrimSpace(p.Fallback)]; !ok {
			errs = append(errs, fmt.Errorf("recovery.policies.%s.fallback: unknown fallback %q", name, p.Fallback))
		}
		if p.MaxRetries != nil && *p.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("recovery.policies.%s.max_retries: must be >= 0", name))
		}
	}

	dur("scheduler.min_interval", cfg.Scheduler.MinInterval)
	dur("scheduler.max_timeout", cfg.Scheduler.MaxTimeout)

	dur("debug.read_timeout", cfg.Debug.ReadTimeout)
	dur("debug.write_timeout", cfg.Debug.WriteTimeout)
	dur("debug.idle_timeout", cfg.Debug.IdleTimeout)

	return errors.Join(errs...)
}
