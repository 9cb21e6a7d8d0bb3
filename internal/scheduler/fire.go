package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"userscriptd/internal/eventbus"
	"userscriptd/internal/execctx"
	"userscriptd/internal/executor"
	"userscriptd/internal/storage"
	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

// fire runs one schedule and records the outcome. Overlapping fires of the
// same schedule are skipped.
func (s *Service) fire(ctx context.Context, id, source string, manual bool, due time.Time, target Target) (FireReport, error) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		s.mu.Unlock()
		return FireReport{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sc := e.s.clone()
	rep := FireReport{ScheduleID: sc.ID, ScriptID: sc.ScriptID, Mode: sc.Mode, Source: source, FiredAt: s.now()}
	if e.running {
		s.mu.Unlock()
		rep.Outcome = OutcomeSkipped
		rep.Message = "previous fire still running"
		return rep, nil
	}
	e.running = true
	rev := e.rev
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
	}()

	log := s.log.With(logx.String("schedule_id", sc.ID), logx.String("script_id", sc.ScriptID), logx.String("mode", string(sc.Mode)))

	disable := false
	script, err := s.d.Scripts.Get(ctx, sc.ScriptID)
	switch {
	case errors.Is(err, userscript.ErrNotFound):
		disable = true
		rep.Outcome, rep.Message = OutcomeSkipped, "script no longer exists"
	case err != nil:
		rep.Outcome, rep.Message = OutcomeFailure, "load script: "+err.Error()
	case !script.Enabled:
		disable = true
		rep.Outcome, rep.Message = OutcomeSkipped, "script is disabled"
	case sc.Mode == ModeConditional && !manual:
		if ok, why := s.conditionsMet(ctx, sc, rep.FiredAt); !ok {
			rep.Outcome, rep.Message = OutcomeConditionNo, why
		}
	}
	if rep.Outcome == "" {
		s.runTargets(ctx, sc, script, target, source, manual, &rep)
	}

	s.record(ctx, id, rev, manual, disable, due, rep)

	switch rep.Outcome {
	case OutcomeFailure:
		log.Warn("schedule fired", logx.String("outcome", rep.Outcome), logx.Int("runs", rep.Runs), logx.String("msg", rep.Message))
	case OutcomeConditionNo:
		log.Debug("schedule conditions not met", logx.String("msg", rep.Message))
	default:
		log.Info("schedule fired", logx.String("outcome", rep.Outcome), logx.Int("runs", rep.Runs), logx.String("source", source))
	}
	return rep, nil
}

func (s *Service) runTargets(ctx context.Context, sc Schedule, script userscript.Script, target Target, source string, manual bool, rep *FireReport) {
	targets := s.targets(sc, script, target)
	if len(targets) == 0 {
		rep.Outcome, rep.Message = OutcomeSkipped, "no matching tab"
		return
	}

	mode := string(sc.Mode)
	if manual {
		mode = execctx.ModeManual
	}
	retries := sc.Retry.MaxRetries
	var msgs []string
	for _, t := range targets {
		res, err := s.d.Runner.Execute(ctx, executor.Request{
			ScriptID:   sc.ScriptID,
			TabID:      t.TabID,
			URL:        t.URL,
			Trigger:    execctx.Trigger{Mode: mode, Source: source, Timestamp: rep.FiredAt},
			MaxRetries: &retries,
			Timeout:    sc.Retry.Timeout.D(),
			Repeat:     true,
		})
		rep.Runs++
		switch {
		case err != nil:
			rep.Failed++
			msgs = append(msgs, t.TabID+": "+err.Error())
		case res.Success:
			rep.Succeeded++
		case res.Status == executor.StatusSkipped || res.Status == executor.StatusDeferred:
		default:
			rep.Failed++
			msgs = append(msgs, t.TabID+": "+res.Message)
		}
	}

	switch {
	case rep.Failed > 0:
		rep.Outcome = OutcomeFailure
		rep.Message = strings.Join(msgs, "; ")
	case rep.Succeeded > 0:
		rep.Outcome = OutcomeSuccess
	default:
		rep.Outcome, rep.Message = OutcomeSkipped, "no tab ran the script"
	}
}

// targets resolves where a fire runs: the event's tab, the pinned target, or
// every tracked tab whose URL matches the script.
func (s *Service) targets(sc Schedule, script userscript.Script, override Target) []Target {
	var tabs []execctx.TabState
	if s.d.Tabs != nil {
		tabs = s.d.Tabs.Tabs()
	}
	urlOf := func(tabID string) string {
		for _, t := range tabs {
			if t.TabID == tabID {
				return t.URL
			}
		}
		return ""
	}
	pinned := func(t Target) []Target {
		if t.URL == "" {
			t.URL = urlOf(t.TabID)
		}
		return []Target{t}
	}

	if override.TabID != "" {
		return pinned(override)
	}
	if sc.Target.TabID != "" {
		return pinned(sc.Target)
	}
	var out []Target
	for _, t := range tabs {
		if t.URL == "" {
			continue
		}
		if s.d.Matcher != nil && !s.d.Matcher.Matches(script, t.URL).Matches {
			continue
		}
		out = append(out, Target{TabID: t.TabID, URL: t.URL})
	}
	return out
}

// record updates counters and plans the next fire. A schedule edited while
// the fire ran keeps its new plan.
func (s *Service) record(ctx context.Context, id string, rev uint64, manual, disable bool, due time.Time, rep FireReport) {
	ctx = context.WithoutCancel(ctx)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		s.mu.Unlock()
		return
	}
	prev := e.s.clone()
	edited := e.rev != rev
	s.mu.Unlock()

	cfg := s.config()
	now := s.now()
	next := prev.clone()

	switch rep.Outcome {
	case OutcomeSuccess:
		next.ExecutionCount++
		next.LastExecution = &rep.FiredAt
		next.FailureCount = 0
		next.LastError = ""
	case OutcomeFailure:
		next.ExecutionCount++
		next.LastExecution = &rep.FiredAt
		next.FailureCount++
		next.LastError = rep.Message
	}

	rearm := false
	switch {
	case disable:
		next.Status = StatusDisabled
		next.NextExecution = nil
		next.LastError = rep.Message
		rearm = true
	case manual || edited || prev.Status != StatusActive:
	default:
		rearm = s.advance(&next, rep, due, now)
	}
	if next.Status == StatusActive && next.FailureCount >= cfg.MaxConsecutiveFailures {
		next.Status = StatusFailed
		next.NextExecution = nil
		rearm = true
		s.log.Warn("schedule failed too many times in a row",
			logx.String("schedule_id", id), logx.Int("failures", next.FailureCount))
	}
	next.UpdatedAt = now
	next = next.clone()

	if rep.Outcome != OutcomeConditionNo || rearm {
		if err := storage.SetJSON(ctx, s.d.Store, storeKey(id), next); err != nil {
			s.log.Error("persist after fire failed", logx.String("schedule_id", id), logx.Err(err))
		}
	}
	if rearm {
		if err := s.syncAlarm(ctx, next); err != nil {
			s.log.Error("re-arm after fire failed", logx.String("schedule_id", id), logx.Err(err))
		}
	}
	s.swap(next)

	s.d.Metrics.ScheduleFired(string(next.Mode), rep.Outcome)
	s.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Time: now, Data: rep})
	if next.Status != prev.Status {
		s.publishChanged(next, "status")
	}
}

// advance plans the fire after due. It reports whether the alarm needs to
// be re-armed; periodic condition checks keep their alarm.
func (s *Service) advance(sc *Schedule, rep FireReport, due, now time.Time) bool {
	switch sc.Mode {
	case ModeOnce:
		sc.NextExecution = nil
		if rep.Outcome == OutcomeSuccess {
			sc.Status = StatusCompleted
		} else {
			sc.Status = StatusFailed
		}
		return true

	case ModeInterval, ModeCron:
		at, st, err := s.computeNext(*sc, now)
		if err != nil {
			s.log.Warn("next fire computation failed", logx.String("schedule_id", sc.ID), logx.Err(err))
		}
		if st == StatusActive && rep.Outcome == OutcomeFailure {
			if b := sc.Retry.Backoff.D(); b > 0 && at.Before(now.Add(b)) {
				at = now.Add(b)
			}
		}
		setNext(sc, at, st)
		return true

	case ModeConditional:
		every := s.checkInterval(*sc)
		at := due.Add(every)
		if !at.After(now) {
			at = due.Add((now.Sub(due)/every + 1) * every)
		}
		sc.NextExecution = &at
		return false
	}
	return false
}
