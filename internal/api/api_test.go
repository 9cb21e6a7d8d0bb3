package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"userscriptd/internal/execctx"
	"userscriptd/internal/executor"
	"userscriptd/internal/governor"
	"userscriptd/internal/host"
	"userscriptd/internal/pattern"
	"userscriptd/internal/recovery"
	"userscriptd/internal/scheduler"
	"userscriptd/internal/storage"
	"userscriptd/internal/timers"
	"userscriptd/internal/userscript"
	"userscriptd/internal/validator"
	logx "userscriptd/pkg/logx"
)

func newService(t *testing.T, govCfg governor.Config) *Service {
	t.Helper()
	log := logx.Nop()
	store := storage.NewMemory()
	repo := userscript.NewStoreRepository(store)
	matcher := pattern.New(pattern.Config{}, log)
	val := validator.New(validator.Config{}, matcher, log)
	ctxs := execctx.New(execctx.Config{}, log)
	rec := recovery.New(recovery.Config{}, log)
	govCfg.MemorySampler = func() uint64 { return 0 }
	gov := governor.New(govCfg, log, nil, nil)

	run := host.Func(func(context.Context, string, string, userscript.World) (host.Result, error) {
		return host.Result{Value: "ok"}, nil
	})
	exec := executor.New(executor.Config{}, executor.Deps{
		Scripts:   repo,
		Host:      run,
		Matcher:   matcher,
		Validator: val,
		Contexts:  ctxs,
		Recovery:  rec,
		Governor:  gov,
	}, log)
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, scheduler.Deps{
		Store:   store,
		Timers:  timers.NewLocal(store, log),
		Runner:  exec,
		Scripts: repo,
		Tabs:    ctxs,
		Matcher: matcher,
	}, log)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	return New(Deps{
		Scripts:   repo,
		Executor:  exec,
		Scheduler: sched,
		Governor:  gov,
		Recovery:  rec,
		Contexts:  ctxs,
		Matcher:   matcher,
		Validator: val,
	}, log)
}

func saveScript(t *testing.T, s *Service, id string) userscript.Script {
	t.Helper()
	sc, rep, err := s.SaveScript(context.Background(), userscript.Script{
		ID:      id,
		Name:    "script " + id,
		Code:    "var greeting = 'hi';",
		Enabled: true,
		Matches: []string{"*://example.com/*"},
	})
	require.NoError(t, err)
	require.True(t, rep.OK)
	return sc
}

func requireCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	require.Error(t, err)
	var ae *Error
	require.True(t, errors.As(err, &ae), "want *api.Error, got %T", err)
	require.Equal(t, code, ae.Code, ae.Message)
	return ae
}

func hourly(scriptID string) scheduler.Schedule {
	return scheduler.Schedule{
		ScriptID: scriptID,
		Name:     "hourly",
		Mode:     scheduler.ModeInterval,
		Interval: &scheduler.IntervalConfig{Every: scheduler.Duration(time.Hour)},
	}
}

func TestScheduleLifecycle(t *testing.T) {
	s := newService(t, governor.Config{})
	ctx := context.Background()
	saveScript(t, s, "s1")

	sc, err := s.CreateSchedule(ctx, hourly("s1"))
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusActive, sc.Status)

	paused, err := s.PauseSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusPaused, paused.Status)

	_, err = s.ExecuteSchedule(ctx, sc.ID, false)
	requireCode(t, err, CodeConflict)

	resumed, err := s.ResumeSchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusActive, resumed.Status)

	list, err := s.ListSchedules(scheduler.Filter{ScriptID: "s1"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	st, err := s.GetSchedulerStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Total)
	require.Equal(t, 1, st.Armed)

	require.NoError(t, s.DeleteSchedule(ctx, sc.ID))
	requireCode(t, s.DeleteSchedule(ctx, sc.ID), CodeNotFound)
}

func TestScheduleErrors(t *testing.T) {
	s := newService(t, governor.Config{})
	ctx := context.Background()
	saveScript(t, s, "s1")

	bad := hourly("s1")
	bad.Interval.Every = scheduler.Duration(time.Second)
	ae := requireCode(t, func() error { _, err := s.CreateSchedule(ctx, bad); return err }(), CodeValidationFailed)
	v, ok := ae.Details.(scheduler.Validation)
	require.True(t, ok)
	require.False(t, v.OK)

	_, err := s.CreateSchedule(ctx, hourly("missing"))
	requireCode(t, err, CodeNotFound)

	_, err = s.PauseSchedule(ctx, "")
	requireCode(t, err, CodeInvalidArgument)
	_, err = s.ResumeSchedule(ctx, "nope")
	requireCode(t, err, CodeNotFound)

	_, err = s.ListSchedules(scheduler.Filter{Status: "sleeping"})
	requireCode(t, err, CodeInvalidArgument)

	val := s.ValidateScheduleConfig(bad)
	require.False(t, val.OK)
	require.NotEmpty(t, val.Errors)
}

func TestExecuteScript(t *testing.T) {
	s := newService(t, governor.Config{MaxExecutionsPerHour: 1})
	ctx := context.Background()
	saveScript(t, s, "s1")

	res, err := s.ExecuteScript(ctx, "s1", "t1", "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, executor.StatusSucceeded, res.Status)
	require.Equal(t, execctx.ModeManual, res.Trigger.Mode)

	res, err = s.ExecuteScript(ctx, "s1", "t2", "https://example.com/b")
	requireCode(t, err, CodeBlocked)
	require.Equal(t, executor.StatusBlocked, res.Status)

	_, err = s.ExecuteScript(ctx, "missing", "t1", "https://example.com/a")
	requireCode(t, err, CodeNotFound)
	_, err = s.ExecuteScript(ctx, "s1", "", "https://example.com/a")
	requireCode(t, err, CodeInvalidArgument)

	stats, err := s.GetExecutionStatistics(5)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Executor.Total)
	require.Len(t, stats.Recent, 2)
	_, err = s.GetExecutionStatistics(-1)
	requireCode(t, err, CodeInvalidArgument)
}

func TestExecuteScriptsForTab(t *testing.T) {
	s := newService(t, governor.Config{})
	ctx := context.Background()
	saveScript(t, s, "a")
	saveScript(t, s, "b")

	res, err := s.ExecuteScriptsForTab(ctx, "t1", "https://example.com/", nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		require.Equal(t, executor.StatusSucceeded, r.Status)
	}

	res, err = s.ExecuteScriptsForTab(ctx, "t1", "https://other.org/", nil)
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestScriptCRUD(t *testing.T) {
	s := newService(t, governor.Config{})
	ctx := context.Background()

	_, rep, err := s.SaveScript(ctx, userscript.Script{Name: "no patterns", Code: "1"})
	requireCode(t, err, CodeValidationFailed)
	require.False(t, rep.OK)

	_, _, err = s.SaveScript(ctx, userscript.Script{
		Name: "evil", Code: "eval(atob('x'))", Enabled: true, Matches: []string{"*://example.com/*"},
	})
	requireCode(t, err, CodeValidationFailed)

	saved, _, err := s.SaveScript(ctx, userscript.Script{
		Name: "fresh", Code: "var a = 1;", Enabled: true, Matches: []string{"*://example.com/*"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	require.Equal(t, userscript.RunAtDocumentIdle, saved.RunAt)

	got, err := s.GetScript(ctx, saved.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.Name)

	sc, err := s.CreateSchedule(ctx, hourly(saved.ID))
	require.NoError(t, err)

	all, err := s.ListScripts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteScript(ctx, saved.ID))
	_, err = s.GetScript(ctx, saved.ID)
	requireCode(t, err, CodeNotFound)
	requireCode(t, s.DeleteScript(ctx, saved.ID), CodeNotFound)

	list, err := s.ListSchedules(scheduler.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, sc.ID, list[0].ID)
	require.Equal(t, scheduler.StatusDisabled, list[0].Status)
}

func TestWrapCodes(t *testing.T) {
	require.Nil(t, wrap(nil))
	require.Equal(t, CodeConflict, CodeOf(wrap(scheduler.ErrConflict)))
	require.Equal(t, CodeInfrastructure, CodeOf(wrap(errors.Join(scheduler.ErrInfrastructure, errors.New("disk")))))
	require.Equal(t, CodeNotFound, CodeOf(wrap(userscript.ErrNotFound)))
	require.Equal(t, CodeInternal, CodeOf(wrap(errors.New("weird"))))
	require.Equal(t, "", CodeOf(nil))
}
