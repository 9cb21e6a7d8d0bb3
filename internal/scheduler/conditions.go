package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ConditionFunc evaluates a custom condition. An error counts as unmet.
type ConditionFunc func(ctx context.Context, sc Schedule, c Condition, now time.Time) (bool, error)

// RegisterCondition makes name usable as a custom condition.
func (s *Service) RegisterCondition(name string, fn ConditionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conds[strings.TrimSpace(name)] = fn
}

func (s *Service) validateCondition(c Condition) error {
	switch c.Kind {
	case CondTimeWindow:
		if _, _, err := parseHHMM(c.Start); err != nil {
			return err
		}
		if _, _, err := parseHHMM(c.End); err != nil {
			return err
		}
	case CondDaysOfWeek:
		if len(c.Days) == 0 {
			return fmt.Errorf("days must not be empty")
		}
		for _, d := range c.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("day %d out of range 0-6", d)
			}
		}
	case CondURLOpen:
		if strings.TrimSpace(c.URLPattern) == "" {
			return fmt.Errorf("url_pattern is required")
		}
		if s.d.Matcher != nil {
			if _, err := s.d.Matcher.MatchURL(c.URLPattern, ""); err != nil {
				return err
			}
		}
	case CondCustom:
		s.mu.Lock()
		_, ok := s.conds[strings.TrimSpace(c.Name)]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("no custom condition named %q", c.Name)
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// conditionsMet reports whether every condition holds. The reason names the
// first one that didn't.
func (s *Service) conditionsMet(ctx context.Context, sc Schedule, now time.Time) (bool, string) {
	if sc.Conditional == nil {
		return false, "no conditions"
	}
	loc, _ := s.location("")
	local := now.In(loc)
	for i, c := range sc.Conditional.Conditions {
		ok, err := s.evalCondition(ctx, sc, c, local)
		if err != nil {
			return false, fmt.Sprintf("condition %d (%s): %v", i, c.Kind, err)
		}
		if !ok {
			return false, fmt.Sprintf("condition %d (%s) not met", i, c.Kind)
		}
	}
	return true, ""
}

func (s *Service) evalCondition(ctx context.Context, sc Schedule, c Condition, now time.Time) (bool, error) {
	switch c.Kind {
	case CondTimeWindow:
		sh, sm, err := parseHHMM(c.Start)
		if err != nil {
			return false, err
		}
		eh, em, err := parseHHMM(c.End)
		if err != nil {
			return false, err
		}
		return inWindow(now.Hour()*60+now.Minute(), sh*60+sm, eh*60+em), nil

	case CondDaysOfWeek:
		wd := int(now.Weekday())
		for _, d := range c.Days {
			if d == wd {
				return true, nil
			}
		}
		return false, nil

	case CondURLOpen:
		if s.d.Tabs == nil || s.d.Matcher == nil {
			return false, nil
		}
		for _, t := range s.d.Tabs.Tabs() {
			if t.URL == "" {
				continue
			}
			ok, err := s.d.Matcher.MatchURL(c.URLPattern, t.URL)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case CondCustom:
		s.mu.Lock()
		fn := s.conds[strings.TrimSpace(c.Name)]
		s.mu.Unlock()
		if fn == nil {
			return false, fmt.Errorf("no custom condition named %q", c.Name)
		}
		return fn(ctx, sc, c, now)
	}
	return false, fmt.Errorf("unknown condition kind %q", c.Kind)
}

// inWindow treats [start, end) in minutes of the day; end < start wraps past
// midnight and start == end covers the whole day.
func inWindow(cur, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return cur >= start && cur < end
	default:
		return cur >= start || cur < end
	}
}
