package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"userscriptd/internal/config"
	"userscriptd/internal/execctx"
	"userscriptd/internal/executor"
	"userscriptd/internal/host"
	"userscriptd/internal/recovery"
	"userscriptd/internal/scheduler"
	"userscriptd/internal/userscript"
)

func intPtr(v int) *int { return &v }

func testConfig(dir string) config.Config {
	return config.Config{
		Logging: config.LoggingConfig{Level: "error"},
		Storage: &config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "state.db")},
		Execution: config.ExecutionConfig{
			DefaultMaxRetries: intPtr(0),
			SweepInterval:     "1h",
		},
		Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"},
	}
}

func writeConfig(t *testing.T, path string, cfg config.Config) {
	t.Helper()
	b, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

type countingHost struct{ calls atomic.Int64 }

func (h *countingHost) Run(context.Context, string, string, userscript.World) (host.Result, error) {
	h.calls.Add(1)
	return host.Result{Value: "ok"}, nil
}

func startApp(t *testing.T, path string, h host.Host) *App {
	t.Helper()
	a, err := New(path, WithHost(h))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func saveScript(t *testing.T, a *App, id string) {
	t.Helper()
	_, _, err := a.API().SaveScript(context.Background(), userscript.Script{
		ID:      id,
		Name:    "script " + id,
		Code:    "var seen = true;",
		Enabled: true,
		Matches: []string{"*://example.com/*"},
	})
	require.NoError(t, err)
}

func TestMapComponents(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Governor.MaxMemoryMB = 2
	cfg.Recovery.Policies = map[string]config.PolicyConfig{
		"network": {MaxRetries: intPtr(5)},
		"timeout": {Fallback: "disable", BaseDelay: "3s"},
	}

	m, err := mapComponents(&cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(2<<20), m.governor.MaxMemoryBytes)
	require.Equal(t, time.Hour, m.sweep)
	require.Equal(t, 0, m.executor.DefaultMaxRetries)
	require.Equal(t, "UTC", m.scheduler.Timezone)
	require.False(t, m.debug.Pprof)

	net := m.recovery.Policies[recovery.CategoryNetwork]
	require.Equal(t, 5, net.MaxRetries)
	require.True(t, net.Retryable)
	require.Equal(t, 5*time.Second, net.BaseDelay)
	require.Equal(t, recovery.FallbackSkip, net.Fallback)

	to := m.recovery.Policies[recovery.CategoryTimeout]
	require.Equal(t, recovery.FallbackDisable, to.Fallback)
	require.Equal(t, 3*time.Second, to.BaseDelay)
}

func TestMapComponentsDefaultsRetries(t *testing.T) {
	cfg := config.Config{}
	m, err := mapComponents(&cfg)
	require.NoError(t, err)
	require.Equal(t, 3, m.executor.DefaultMaxRetries)
	require.Equal(t, time.Minute, m.sweep)
}

func TestMapComponentsRejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"timezone":      func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" },
		"duration":      func(c *config.Config) { c.Governor.MaxExecutionTime = "soon" },
		"category":      func(c *config.Config) { c.Recovery.Policies = map[string]config.PolicyConfig{"gremlins": {}} },
		"fallback":      func(c *config.Config) { c.Recovery.Policies = map[string]config.PolicyConfig{"network": {Fallback: "panic"}} },
		"retries":       func(c *config.Config) { c.Execution.DefaultMaxRetries = intPtr(-1) },
		"storage":       func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "etcd"} },
		"storage path":  func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} },
		"debug timeout": func(c *config.Config) { c.Debug.ReadTimeout = "-1s" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			mutate(&cfg)
			_, err := mapComponents(&cfg)
			require.Error(t, err)
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.False(t, enabled)

	sc, enabled, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite3", Path: "x.sqlite"}})
	require.NoError(t, err)
	require.True(t, enabled)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file"}})
	require.Error(t, err)
}

func TestTabLifecycleDefersUntilReady(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, testConfig(dir))
	h := &countingHost{}
	a := startApp(t, path, h)
	defer stopApp(t, a)
	saveScript(t, a, "s1")
	ctx := context.Background()

	res := a.HandleTabEvent(ctx, execctx.TabEvent{TabID: "t1", URL: "https://example.com/a", Status: execctx.StatusLoading})
	require.Len(t, res, 1)
	require.Equal(t, executor.StatusDeferred, res[0].Status)
	require.Zero(t, h.calls.Load())

	res = a.HandleTabEvent(ctx, execctx.TabEvent{TabID: "t1", URL: "https://example.com/a", Status: execctx.StatusComplete, Ready: true})
	require.Len(t, res, 1)
	require.Equal(t, executor.StatusSucceeded, res[0].Status)
	require.Equal(t, execctx.ModeNavigation, res[0].Trigger.Mode)
	require.EqualValues(t, 1, h.calls.Load())

	// Same navigation: nothing new to run.
	res = a.HandleTabEvent(ctx, execctx.TabEvent{TabID: "t1", URL: "https://example.com/a", Status: execctx.StatusComplete, Ready: true})
	require.Empty(t, res)

	// Other sites don't match.
	res = a.HandleTabEvent(ctx, execctx.TabEvent{TabID: "t2", URL: "https://other.org/", Status: execctx.StatusComplete, Ready: true})
	require.Empty(t, res)
}

func TestTabClosedFiresEventSchedule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, testConfig(dir))
	h := &countingHost{}
	a := startApp(t, path, h)
	defer stopApp(t, a)
	saveScript(t, a, "s1")
	ctx := context.Background()

	sc, err := a.API().CreateSchedule(ctx, scheduler.Schedule{
		ScriptID: "s1",
		Name:     "on close",
		Mode:     scheduler.ModeEvent,
		Event:    &scheduler.EventConfig{Type: scheduler.EventTabClosed, URLPattern: "*://example.com/*"},
	})
	require.NoError(t, err)

	a.HandleTabEvent(ctx, execctx.TabEvent{TabID: "t1", URL: "https://example.com/a", Status: execctx.StatusComplete, Ready: true})
	before := h.calls.Load()

	a.HandleTabRemoved(ctx, "t1")
	got, err := a.sched.Get(sc.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ExecutionCount)
	require.Equal(t, before+1, h.calls.Load())

	// Unknown tabs deliver nothing.
	a.HandleTabRemoved(ctx, "t9")
	got, err = a.sched.Get(sc.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ExecutionCount)
}

func TestOnceScheduleSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, testConfig(dir))
	h := &countingHost{}
	at := time.Now().Add(time.Hour).Truncate(time.Second).UTC()

	a := startApp(t, path, h)
	saveScript(t, a, "s1")
	sc, err := a.API().CreateSchedule(context.Background(), scheduler.Schedule{
		ScriptID: "s1",
		Name:     "later",
		Mode:     scheduler.ModeOnce,
		Once:     &scheduler.OnceConfig{ExecuteAt: at},
	})
	require.NoError(t, err)
	stopApp(t, a)

	b := startApp(t, path, h)
	defer stopApp(t, b)

	got, err := b.sched.Get(sc.ID)
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusActive, got.Status)
	require.NotNil(t, got.NextExecution)
	require.True(t, got.NextExecution.Equal(at))
	require.True(t, slices.Contains(b.timers.Armed(), "schedule/"+sc.ID))
	require.Zero(t, h.calls.Load())
}

func TestReloadDisablesScheduler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := testConfig(dir)
	writeConfig(t, path, cfg)
	a := startApp(t, path, &countingHost{})
	defer stopApp(t, a)
	require.True(t, a.sched.Enabled())

	cfg.Scheduler.Enabled = false
	writeConfig(t, path, cfg)
	require.Eventually(t, func() bool { return !a.sched.Enabled() }, 5*time.Second, 20*time.Millisecond)
}

func TestStopWithoutStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, testConfig(dir))
	a, err := New(path, WithHost(&countingHost{}))
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
}
