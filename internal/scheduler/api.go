package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"userscriptd/internal/execctx"
	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

// Create validates sc, persists it and arms its timer. The returned copy
// carries the assigned id and first fire time.
func (s *Service) Create(ctx context.Context, sc Schedule) (Schedule, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	sc = sc.clone()
	sc.ID = strings.TrimSpace(sc.ID)
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if _, err := s.Get(sc.ID); err == nil {
		return Schedule{}, fmt.Errorf("%w: schedule %s already exists", ErrConflict, sc.ID)
	}

	now := s.now()
	if v := s.validate(sc, now); !v.OK {
		return Schedule{}, &ValidationError{Validation: v}
	}
	if err := s.checkScript(ctx, sc.ScriptID); err != nil {
		return Schedule{}, err
	}

	sc.Name = strings.TrimSpace(sc.Name)
	if sc.Status == "" {
		sc.Status = StatusActive
	}
	sc.CreatedAt, sc.UpdatedAt = now, now
	sc.ExecutionCount, sc.FailureCount = 0, 0
	sc.LastExecution, sc.LastError = nil, ""
	if err := s.planNext(&sc, now); err != nil {
		return Schedule{}, err
	}

	if err := s.commitLocked(ctx, Schedule{}, sc); err != nil {
		return Schedule{}, err
	}
	s.log.Info("schedule created",
		logx.String("schedule_id", sc.ID),
		logx.String("script_id", sc.ScriptID),
		logx.String("mode", string(sc.Mode)),
		logx.String("status", string(sc.Status)),
	)
	s.publishChanged(sc, "created")
	return sc.clone(), nil
}

// Update replaces the user-settable fields of an existing schedule and
// recomputes its next fire. Counters and creation time are kept.
func (s *Service) Update(ctx context.Context, id string, sc Schedule) (Schedule, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	prev, err := s.Get(id)
	if err != nil {
		return Schedule{}, err
	}
	now := s.now()
	if v := s.validate(sc, now); !v.OK {
		return Schedule{}, &ValidationError{Validation: v}
	}
	if sc.ScriptID != prev.ScriptID {
		if err := s.checkScript(ctx, sc.ScriptID); err != nil {
			return Schedule{}, err
		}
	}

	next := prev.clone()
	next.ScriptID = sc.ScriptID
	next.Name = strings.TrimSpace(sc.Name)
	next.Mode = sc.Mode
	next.Once, next.Interval, next.Cron, next.Conditional, next.Event = sc.Once, sc.Interval, sc.Cron, sc.Conditional, sc.Event
	next.Retry = sc.Retry
	next.Target = sc.Target
	next.UpdatedAt = now
	switch {
	case sc.Status != "":
		next.Status = sc.Status
	case prev.Status != StatusPaused:
		// Editing a finished schedule revives it.
		next.Status = StatusActive
	}
	if next.Status == StatusActive {
		next.FailureCount = 0
	}
	next = next.clone()
	if err := s.planNext(&next, now); err != nil {
		return Schedule{}, err
	}

	if err := s.commitLocked(ctx, prev, next); err != nil {
		return Schedule{}, err
	}
	s.log.Info("schedule updated", logx.String("schedule_id", id), logx.String("status", string(next.Status)))
	s.publishChanged(next, "updated")
	return next.clone(), nil
}

// Delete removes the schedule and its alarm. A failed disarm is logged; the
// orphan is cleaned up on the next Start or ignored when it fires.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	prev, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.d.Store.Delete(ctx, storeKey(id)); err != nil {
		return fmt.Errorf("%w: delete schedule %s: %w", ErrInfrastructure, id, err)
	}
	if err := s.d.Timers.Disarm(ctx, alarmID(id)); err != nil {
		s.log.Warn("disarm after delete failed", logx.String("schedule_id", id), logx.Err(err))
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()

	s.log.Info("schedule deleted", logx.String("schedule_id", id))
	s.publishChanged(prev, "deleted")
	return nil
}

// Pause stops an active schedule. Pausing a paused schedule is a no-op.
func (s *Service) Pause(ctx context.Context, id string) (Schedule, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	prev, err := s.Get(id)
	if err != nil {
		return Schedule{}, err
	}
	switch prev.Status {
	case StatusPaused:
		return prev, nil
	case StatusActive:
	default:
		return Schedule{}, fmt.Errorf("%w: cannot pause a %s schedule", ErrConflict, prev.Status)
	}

	next := prev.clone()
	next.Status = StatusPaused
	next.NextExecution = nil
	next.UpdatedAt = s.now()
	if err := s.commitLocked(ctx, prev, next); err != nil {
		return Schedule{}, err
	}
	s.log.Info("schedule paused", logx.String("schedule_id", id))
	s.publishChanged(next, "paused")
	return next.clone(), nil
}

// Resume re-activates a paused, failed or disabled schedule and clears its
// failure streak.
func (s *Service) Resume(ctx context.Context, id string) (Schedule, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	prev, err := s.Get(id)
	if err != nil {
		return Schedule{}, err
	}
	switch prev.Status {
	case StatusActive:
		return prev, nil
	case StatusPaused, StatusFailed, StatusDisabled:
	default:
		return Schedule{}, fmt.Errorf("%w: cannot resume a %s schedule", ErrConflict, prev.Status)
	}
	if err := s.checkScript(ctx, prev.ScriptID); err != nil {
		return Schedule{}, err
	}

	now := s.now()
	if prev.Mode == ModeOnce && prev.Once != nil && !prev.Once.ExecuteAt.After(now) {
		return Schedule{}, &ValidationError{Validation: Validation{Errors: []string{"once.execute_at must be in the future"}}}
	}
	next := prev.clone()
	next.Status = StatusActive
	next.FailureCount = 0
	next.UpdatedAt = now
	if err := s.planNext(&next, now); err != nil {
		return Schedule{}, err
	}
	if err := s.commitLocked(ctx, prev, next); err != nil {
		return Schedule{}, err
	}
	s.log.Info("schedule resumed", logx.String("schedule_id", id), logx.String("status", string(next.Status)))
	s.publishChanged(next, "resumed")
	return next.clone(), nil
}

// Execute fires a schedule now. Without force only active schedules run.
// Manual fires skip conditions and leave the timer alone.
func (s *Service) Execute(ctx context.Context, id string, force bool) (FireReport, error) {
	sc, err := s.Get(id)
	if err != nil {
		return FireReport{}, err
	}
	if !force && sc.Status != StatusActive {
		return FireReport{}, fmt.Errorf("%w: schedule %s is %s", ErrConflict, id, sc.Status)
	}
	return s.fire(ctx, id, execctx.SourceUser, true, s.now(), Target{})
}

// DeliverEvent fires every active event schedule listening for ev.Type.
func (s *Service) DeliverEvent(ctx context.Context, ev Event) []FireReport {
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.Type == "" {
		return nil
	}
	var out []FireReport
	for _, sc := range s.List(Filter{Mode: ModeEvent, Status: StatusActive}) {
		if sc.Event == nil || sc.Event.Type != ev.Type {
			continue
		}
		if p := strings.TrimSpace(sc.Event.URLPattern); p != "" && s.d.Matcher != nil {
			ok, err := s.d.Matcher.MatchURL(p, ev.URL)
			if err != nil || !ok {
				continue
			}
		}
		rep, err := s.fire(ctx, sc.ID, execctx.SourceSystem, false, s.now(), Target{TabID: ev.TabID, URL: ev.URL})
		if err != nil {
			s.log.Warn("event fire failed", logx.String("schedule_id", sc.ID), logx.String("event", ev.Type), logx.Err(err))
			continue
		}
		out = append(out, rep)
	}
	return out
}

// DisableForScript disables every active or paused schedule of a script.
func (s *Service) DisableForScript(ctx context.Context, scriptID string) (int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var (
		n    int
		errs []error
	)
	for _, prev := range s.List(Filter{ScriptID: scriptID}) {
		if prev.Status != StatusActive && prev.Status != StatusPaused {
			continue
		}
		next := prev.clone()
		next.Status = StatusDisabled
		next.NextExecution = nil
		next.UpdatedAt = s.now()
		if err := s.commitLocked(ctx, prev, next); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
		s.publishChanged(next, "disabled")
	}
	if n > 0 {
		s.log.Info("schedules disabled for script", logx.String("script_id", scriptID), logx.Int("count", n))
	}
	return n, errors.Join(errs...)
}

func (s *Service) checkScript(ctx context.Context, id string) error {
	if s.d.Scripts == nil {
		return nil
	}
	if _, err := s.d.Scripts.Get(ctx, id); err != nil {
		if errors.Is(err, userscript.ErrNotFound) {
			return fmt.Errorf("%w: script %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: load script %s: %w", ErrInfrastructure, id, err)
	}
	return nil
}

// planNext sets NextExecution and Status for an active schedule. Paused
// schedules carry no fire time.
func (s *Service) planNext(sc *Schedule, now time.Time) error {
	if sc.Status != StatusActive {
		sc.NextExecution = nil
		return nil
	}
	at, st, err := s.computeNext(*sc, now)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	setNext(sc, at, st)
	return nil
}
