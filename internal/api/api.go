// Package api is the operation surface of userscriptd. Every call returns a
// typed payload or an *Error with a stable code.
package api

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"userscriptd/internal/execctx"
	"userscriptd/internal/executor"
	"userscriptd/internal/governor"
	"userscriptd/internal/pattern"
	"userscriptd/internal/recovery"
	"userscriptd/internal/scheduler"
	"userscriptd/internal/userscript"
	"userscriptd/internal/validator"
	logx "userscriptd/pkg/logx"
)

type Deps struct {
	Scripts   userscript.Repository
	Executor  *executor.Executor
	Scheduler *scheduler.Service
	Governor  *governor.Governor
	Recovery  *recovery.Service
	Contexts  *execctx.Manager
	Matcher   *pattern.Matcher
	Validator *validator.Validator
}

type Service struct {
	d   Deps
	log logx.Logger
}

func New(d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{d: d, log: log}
}

// ---- schedules ----

func (s *Service) CreateSchedule(ctx context.Context, sc scheduler.Schedule) (scheduler.Schedule, error) {
	out, err := s.d.Scheduler.Create(ctx, sc)
	return out, wrap(err)
}

func (s *Service) UpdateSchedule(ctx context.Context, id string, sc scheduler.Schedule) (scheduler.Schedule, error) {
	if err := requireID("schedule id", id); err != nil {
		return scheduler.Schedule{}, err
	}
	out, err := s.d.Scheduler.Update(ctx, id, sc)
	return out, wrap(err)
}

func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := requireID("schedule id", id); err != nil {
		return err
	}
	return wrap(s.d.Scheduler.Delete(ctx, id))
}

func (s *Service) PauseSchedule(ctx context.Context, id string) (scheduler.Schedule, error) {
	if err := requireID("schedule id", id); err != nil {
		return scheduler.Schedule{}, err
	}
	out, err := s.d.Scheduler.Pause(ctx, id)
	return out, wrap(err)
}

func (s *Service) ResumeSchedule(ctx context.Context, id string) (scheduler.Schedule, error) {
	if err := requireID("schedule id", id); err != nil {
		return scheduler.Schedule{}, err
	}
	out, err := s.d.Scheduler.Resume(ctx, id)
	return out, wrap(err)
}

// ExecuteSchedule fires a schedule now. force runs it even when it is not
// active.
func (s *Service) ExecuteSchedule(ctx context.Context, id string, force bool) (scheduler.FireReport, error) {
	if err := requireID("schedule id", id); err != nil {
		return scheduler.FireReport{}, err
	}
	rep, err := s.d.Scheduler.Execute(ctx, id, force)
	return rep, wrap(err)
}

func (s *Service) ListSchedules(f scheduler.Filter) ([]scheduler.Schedule, error) {
	if f.Status != "" && !validStatus(f.Status) {
		return nil, newError(CodeInvalidArgument, "unknown status "+string(f.Status))
	}
	if f.Mode != "" && !f.Mode.Valid() {
		return nil, newError(CodeInvalidArgument, "unknown mode "+string(f.Mode))
	}
	return s.d.Scheduler.List(f), nil
}

func (s *Service) GetSchedulerStats(ctx context.Context) (scheduler.Stats, error) {
	return s.d.Scheduler.Stats(ctx), nil
}

// ValidateScheduleConfig checks sc without creating it. A failed check is a
// payload, not an error.
func (s *Service) ValidateScheduleConfig(sc scheduler.Schedule) scheduler.Validation {
	return s.d.Scheduler.ValidateConfig(sc)
}

// DeliverEvent fires event-mode schedules listening for ev.Type.
func (s *Service) DeliverEvent(ctx context.Context, ev scheduler.Event) ([]scheduler.FireReport, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return nil, newError(CodeInvalidArgument, "event type is required")
	}
	return s.d.Scheduler.DeliverEvent(ctx, ev), nil
}

// ---- execution ----

// ExecuteScript runs one script on one tab as a manual user request. A
// governor denial is reported as a blocked error alongside the result.
func (s *Service) ExecuteScript(ctx context.Context, scriptID, tabID, url string) (executor.Result, error) {
	if err := requireID("script id", scriptID); err != nil {
		return executor.Result{}, err
	}
	if err := requireID("tab id", tabID); err != nil {
		return executor.Result{}, err
	}
	res, err := s.d.Executor.Execute(ctx, executor.Request{
		ScriptID: scriptID,
		TabID:    tabID,
		URL:      url,
		Trigger:  execctx.Trigger{Mode: execctx.ModeManual, Source: execctx.SourceUser, Timestamp: time.Now()},
	})
	if err != nil {
		return executor.Result{}, wrap(err)
	}
	if res.Status == executor.StatusBlocked {
		return res, &Error{Code: CodeBlocked, Message: res.Message, Details: res.Reason}
	}
	return res, nil
}

// ExecuteScriptsForTab runs scriptIDs, or every enabled matching script when
// empty, on one tab.
func (s *Service) ExecuteScriptsForTab(ctx context.Context, tabID, url string, scriptIDs []string) ([]executor.Result, error) {
	if err := requireID("tab id", tabID); err != nil {
		return nil, err
	}
	res, err := s.d.Executor.ExecuteForTab(ctx, tabID, url, scriptIDs,
		execctx.Trigger{Mode: execctx.ModeManual, Source: execctx.SourceUser, Timestamp: time.Now()})
	return res, wrap(err)
}

type ExecutionStatistics struct {
	Executor     executor.Stats     `json:"executor"`
	Governor     governor.Stats     `json:"governor"`
	Recovery     recovery.Stats     `json:"recovery"`
	Contexts     execctx.Stats      `json:"contexts"`
	PatternCache pattern.CacheStats `json:"pattern_cache"`
	Recent       []executor.Result  `json:"recent,omitempty"`
}

// GetExecutionStatistics aggregates the counters of every execution
// component. recent bounds the number of history entries returned.
func (s *Service) GetExecutionStatistics(recent int) (ExecutionStatistics, error) {
	if recent < 0 {
		return ExecutionStatistics{}, newError(CodeInvalidArgument, "recent must be >= 0")
	}
	st := ExecutionStatistics{
		Executor:     s.d.Executor.Stats(),
		Governor:     s.d.Governor.Stats(),
		Recovery:     s.d.Recovery.Stats(),
		Contexts:     s.d.Contexts.Stats(),
		PatternCache: s.d.Matcher.CacheStats(),
	}
	if recent > 0 {
		st.Recent = s.d.Executor.History(recent)
	}
	return st, nil
}

// ---- scripts ----

// SaveScript validates and stores s. Scripts without an id get one.
func (s *Service) SaveScript(ctx context.Context, sc userscript.Script) (userscript.Script, validator.Report, error) {
	sc.Normalize()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	rep := s.d.Validator.Validate(sc)
	if !rep.OK {
		return userscript.Script{}, rep, &Error{
			Code:    CodeValidationFailed,
			Message: "script rejected: " + strings.Join(rep.Errors, "; "),
			Details: rep,
		}
	}
	if err := s.d.Scripts.Save(ctx, sc); err != nil {
		return userscript.Script{}, rep, &Error{Code: CodeInfrastructure, Message: err.Error(), Err: err}
	}
	if !sc.Enabled {
		if _, err := s.d.Scheduler.DisableForScript(ctx, sc.ID); err != nil {
			s.log.Warn("disabling schedules of script failed", logx.String("script_id", sc.ID), logx.Err(err))
		}
	}
	saved, err := s.d.Scripts.Get(ctx, sc.ID)
	if err != nil {
		return userscript.Script{}, rep, wrap(err)
	}
	s.log.Info("script saved", logx.String("script_id", saved.ID), logx.Bool("enabled", saved.Enabled))
	return saved, rep, nil
}

func (s *Service) GetScript(ctx context.Context, id string) (userscript.Script, error) {
	if err := requireID("script id", id); err != nil {
		return userscript.Script{}, err
	}
	sc, err := s.d.Scripts.Get(ctx, id)
	return sc, wrap(err)
}

// DeleteScript removes the script and disables its schedules.
func (s *Service) DeleteScript(ctx context.Context, id string) error {
	if err := requireID("script id", id); err != nil {
		return err
	}
	if _, err := s.d.Scripts.Get(ctx, id); err != nil {
		return wrap(err)
	}
	if err := s.d.Scripts.Delete(ctx, id); err != nil {
		return &Error{Code: CodeInfrastructure, Message: err.Error(), Err: err}
	}
	if _, err := s.d.Scheduler.DisableForScript(ctx, id); err != nil {
		s.log.Warn("disabling schedules of deleted script failed", logx.String("script_id", id), logx.Err(err))
	}
	s.d.Recovery.Clear(id)
	s.log.Info("script deleted", logx.String("script_id", id))
	return nil
}

func (s *Service) ListScripts(ctx context.Context) ([]userscript.Script, error) {
	out, err := s.d.Scripts.List(ctx)
	if err != nil {
		return nil, &Error{Code: CodeInfrastructure, Message: err.Error(), Err: err}
	}
	return out, nil
}

func requireID(what, v string) error {
	if strings.TrimSpace(v) == "" {
		return newError(CodeInvalidArgument, what+" is required")
	}
	return nil
}

func validStatus(st scheduler.Status) bool {
	switch st {
	case scheduler.StatusActive, scheduler.StatusPaused, scheduler.StatusDisabled,
		scheduler.StatusCompleted, scheduler.StatusFailed, scheduler.StatusExpired:
		return true
	}
	return false
}
