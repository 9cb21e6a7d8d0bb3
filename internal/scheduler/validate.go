package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// ValidateConfig checks sc without touching any state.
func (s *Service) ValidateConfig(sc Schedule) Validation {
	return s.validate(sc, s.now())
}

func (s *Service) validate(sc Schedule, now time.Time) Validation {
	cfg := s.config()
	var v Validation

	name := strings.TrimSpace(sc.Name)
	switch {
	case name == "":
		v.errorf("name is required")
	case len([]rune(name)) > cfg.MaxNameLength:
		v.errorf(fmt.Sprintf("name exceeds %d characters", cfg.MaxNameLength))
	}
	if strings.TrimSpace(sc.ScriptID) == "" {
		v.errorf("script_id is required")
	}
	switch sc.Status {
	case "", StatusActive, StatusPaused:
	default:
		v.errorf(fmt.Sprintf("status %q cannot be set directly", sc.Status))
	}

	if !sc.Mode.Valid() {
		v.errorf(fmt.Sprintf("unknown mode %q", sc.Mode))
	} else {
		s.validateModeConfig(&v, sc, now)
	}

	if sc.Retry.MaxRetries < 0 || sc.Retry.MaxRetries > cfg.MaxRetries {
		v.errorf(fmt.Sprintf("retry.max_retries must be between 0 and %d", cfg.MaxRetries))
	}
	if sc.Retry.Timeout < 0 || sc.Retry.Timeout.D() > cfg.MaxTimeout {
		v.errorf(fmt.Sprintf("retry.timeout must be between 0 and %s", cfg.MaxTimeout))
	}
	if sc.Retry.Backoff < 0 {
		v.errorf("retry.backoff must be >= 0")
	}
	if sc.Target.URL != "" && sc.Target.TabID == "" {
		v.warnf("target.url is ignored without target.tab_id")
	}

	v.OK = len(v.Errors) == 0
	return v
}

var modeOrder = []Mode{ModeOnce, ModeInterval, ModeCron, ModeConditional, ModeEvent}

func (s *Service) validateModeConfig(v *Validation, sc Schedule, now time.Time) {
	configs := map[Mode]bool{
		ModeOnce:        sc.Once != nil,
		ModeInterval:    sc.Interval != nil,
		ModeCron:        sc.Cron != nil,
		ModeConditional: sc.Conditional != nil,
		ModeEvent:       sc.Event != nil,
	}
	if !configs[sc.Mode] {
		v.errorf(fmt.Sprintf("%s config is required for mode %s", sc.Mode, sc.Mode))
		return
	}
	for _, m := range modeOrder {
		if configs[m] && m != sc.Mode {
			v.errorf(fmt.Sprintf("exactly one trigger mode allowed: %s config set on a %s schedule", m, sc.Mode))
		}
	}

	cfg := s.config()
	switch sc.Mode {
	case ModeOnce:
		if sc.Once.ExecuteAt.IsZero() {
			v.errorf("once.execute_at is required")
		} else if !sc.Once.ExecuteAt.After(now) {
			v.errorf("once.execute_at must be in the future")
		}

	case ModeInterval:
		iv := sc.Interval
		if iv.Every.D() < cfg.MinInterval {
			v.errorf(fmt.Sprintf("interval.every must be at least %s", cfg.MinInterval))
		}
		if iv.Jitter < 0 {
			v.errorf("interval.jitter must be >= 0")
		} else if iv.Every > 0 && iv.Jitter >= iv.Every {
			v.warnf("interval.jitter is not smaller than interval.every")
		}
		if !iv.End.IsZero() {
			if !iv.End.After(now) {
				v.errorf("interval.end must be in the future")
			}
			if !iv.Start.IsZero() && !iv.End.After(iv.Start) {
				v.errorf("interval.end must be after interval.start")
			}
		}

	case ModeCron:
		expr := strings.TrimSpace(sc.Cron.Expr)
		if expr == "" {
			v.errorf("cron.expr is required")
		} else if _, err := s.parser.Parse(expr); err != nil {
			v.errorf(fmt.Sprintf("cron.expr %q: %v", expr, err))
		}
		if _, ok := s.location(sc.Cron.Timezone); !ok {
			v.warnf(fmt.Sprintf("unsupported timezone %q, using local time", sc.Cron.Timezone))
		}

	case ModeConditional:
		c := sc.Conditional
		if len(c.Conditions) == 0 {
			v.errorf("conditional.conditions must not be empty")
		}
		if c.CheckInterval != 0 && c.CheckInterval.D() < cfg.MinInterval {
			v.errorf(fmt.Sprintf("conditional.check_interval must be at least %s", cfg.MinInterval))
		}
		for i, cond := range c.Conditions {
			if err := s.validateCondition(cond); err != nil {
				v.errorf(fmt.Sprintf("conditional.conditions[%d]: %v", i, err))
			}
		}

	case ModeEvent:
		if strings.TrimSpace(sc.Event.Type) == "" {
			v.errorf("event.type is required")
		}
		if p := strings.TrimSpace(sc.Event.URLPattern); p != "" && s.d.Matcher != nil {
			if _, err := s.d.Matcher.MatchURL(p, ""); err != nil {
				v.errorf(fmt.Sprintf("event.url_pattern %q: %v", p, err))
			}
		}
	}
}
