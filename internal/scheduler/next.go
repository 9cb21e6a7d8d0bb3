package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func newParser() cron.Parser {
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// location resolves name, falling back to the configured default and then
// Local. ok is false when name was given but could not be loaded.
func (s *Service) location(name string) (*time.Location, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(s.config().Timezone)
		if name == "" {
			return time.Local, true
		}
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local, false
	}
	return loc, true
}

// computeNext returns the next fire after from and the status the schedule
// should carry. A zero time means there is no timer to arm.
func (s *Service) computeNext(sc Schedule, from time.Time) (time.Time, Status, error) {
	switch sc.Mode {
	case ModeOnce:
		if sc.Once == nil {
			return time.Time{}, StatusFailed, fmt.Errorf("once config missing")
		}
		if !sc.Once.ExecuteAt.After(from) {
			return time.Time{}, StatusCompleted, nil
		}
		return sc.Once.ExecuteAt, StatusActive, nil

	case ModeInterval:
		iv := sc.Interval
		if iv == nil || iv.Every <= 0 {
			return time.Time{}, StatusFailed, fmt.Errorf("interval config missing")
		}
		next := alignInterval(iv.Start, iv.Every.D(), from)
		if j := iv.Jitter.D(); j > 0 {
			next = next.Add(s.jitter(j))
		}
		if !iv.End.IsZero() && next.After(iv.End) {
			return time.Time{}, StatusExpired, nil
		}
		return next, StatusActive, nil

	case ModeCron:
		if sc.Cron == nil {
			return time.Time{}, StatusFailed, fmt.Errorf("cron config missing")
		}
		sched, err := s.parser.Parse(strings.TrimSpace(sc.Cron.Expr))
		if err != nil {
			return time.Time{}, StatusFailed, fmt.Errorf("cron %q: %w", sc.Cron.Expr, err)
		}
		loc, _ := s.location(sc.Cron.Timezone)
		next := sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, StatusExpired, nil
		}
		return next, StatusActive, nil

	case ModeConditional:
		return from.Add(s.checkInterval(sc)), StatusActive, nil

	case ModeEvent:
		return time.Time{}, StatusActive, nil
	}
	return time.Time{}, StatusFailed, fmt.Errorf("unknown mode %q", sc.Mode)
}

// alignInterval keeps fires on the start + k*every grid when a start time is
// set; otherwise the first fire is one period after from.
func alignInterval(start time.Time, every time.Duration, from time.Time) time.Time {
	if start.IsZero() {
		return from.Add(every)
	}
	next := start.Add(every)
	if next.After(from) {
		return next
	}
	k := from.Sub(start)/every + 1
	return start.Add(k * every)
}

func (s *Service) checkInterval(sc Schedule) time.Duration {
	if sc.Conditional != nil && sc.Conditional.CheckInterval > 0 {
		return sc.Conditional.CheckInterval.D()
	}
	return s.config().DefaultCheckInterval
}

func parseHHMM(v string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}
