package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"userscriptd/internal/eventbus"
	"userscriptd/internal/execctx"
	"userscriptd/internal/metrics"
	logx "userscriptd/pkg/logx"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGovernor(t *testing.T, cfg Config) (*Governor, *fakeClock, *uint64) {
	t.Helper()
	var mem uint64
	cfg.MemorySampler = func() uint64 { return mem }
	g := New(cfg, logx.Nop(), metrics.New(), eventbus.Nop{})
	clk := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	g.now = clk.now
	return g, clk, &mem
}

func ctxFor(script, tab string) execctx.Context {
	return execctx.Context{ExecutionID: script + "-" + tab, ScriptID: script, TabID: tab}
}

func run(g *Governor, clk *fakeClock, c execctx.Context, d time.Duration, success bool) Metric {
	h := g.StartMeasurement(c)
	clk.advance(d)
	m, _ := g.EndMeasurement(h, c, success, "")
	return m
}

func TestShouldAllowTabConcurrency(t *testing.T) {
	g, _, _ := newTestGovernor(t, Config{MaxConcurrentPerTab: 2})
	c := ctxFor("s", "tab1")

	h1 := g.StartMeasurement(c)
	g.StartMeasurement(c)

	d := g.ShouldAllow("s", "tab1")
	require.False(t, d.Allowed)
	require.Equal(t, DenyTabConcurrency, d.Reason)
	require.True(t, g.ShouldAllow("s", "tab2").Allowed)

	g.EndMeasurement(h1, c, true, "")
	require.True(t, g.ShouldAllow("s", "tab1").Allowed)
}

func TestEndMeasurementIsIdempotent(t *testing.T) {
	g, _, _ := newTestGovernor(t, Config{})
	c := ctxFor("s", "tab1")
	h := g.StartMeasurement(c)

	_, ok := g.EndMeasurement(h, c, true, "")
	require.True(t, ok)
	_, ok = g.EndMeasurement(h, c, true, "")
	require.False(t, ok)
	require.Len(t, g.Metrics("s"), 1)
	require.Equal(t, 0, g.Stats().Running)
}

func TestShouldAllowHourlyLimit(t *testing.T) {
	g, clk, _ := newTestGovernor(t, Config{MaxExecutionsPerHour: 3})
	for i := 0; i < 3; i++ {
		run(g, clk, ctxFor("s", "t"), time.Millisecond, true)
	}
	d := g.ShouldAllow("other", "t")
	require.False(t, d.Allowed)
	require.Equal(t, DenyHourlyLimit, d.Reason)

	clk.advance(time.Hour)
	require.True(t, g.ShouldAllow("other", "t").Allowed)
}

func TestShouldAllowThrottlesSlowScript(t *testing.T) {
	g, clk, _ := newTestGovernor(t, Config{MaxExecutionTime: time.Second})
	run(g, clk, ctxFor("slow", "t"), 3*time.Second, true)

	d := g.ShouldAllow("slow", "t")
	require.False(t, d.Allowed)
	require.Equal(t, DenySlowScript, d.Reason)
	require.True(t, g.ShouldAllow("fast", "t").Allowed)
}

func TestTimedOutAttemptsDoNotThrottle(t *testing.T) {
	g, clk, _ := newTestGovernor(t, Config{MaxExecutionTime: time.Second})
	c := ctxFor("hang", "t")
	h := g.StartMeasurement(c)
	clk.advance(time.Second + time.Millisecond)
	g.EndMeasurement(h, c, false, "timeout")

	require.True(t, g.ShouldAllow("hang", "t").Allowed)

	run(g, clk, c, 3*time.Second, false)
	require.Equal(t, DenySlowScript, g.ShouldAllow("hang", "t").Reason)
}

func TestShouldAllowThrottlesMemoryHungryScript(t *testing.T) {
	g, clk, mem := newTestGovernor(t, Config{MaxMemoryBytes: 1000})
	c := ctxFor("hog", "t")
	h := g.StartMeasurement(c)
	*mem = 5000
	clk.advance(time.Millisecond)
	m, _ := g.EndMeasurement(h, c, true, "")
	require.Equal(t, uint64(5000), m.MemoryBytes)

	d := g.ShouldAllow("hog", "t")
	require.False(t, d.Allowed)
	require.Equal(t, DenyMemoryHungry, d.Reason)
}

func TestWarningSeverityScaling(t *testing.T) {
	cases := []struct {
		took time.Duration
		want Severity
	}{
		{1100 * time.Millisecond, SeverityLow},
		{1300 * time.Millisecond, SeverityMedium},
		{1600 * time.Millisecond, SeverityHigh},
		{2 * time.Second, SeverityCritical},
	}
	for _, tc := range cases {
		g, clk, _ := newTestGovernor(t, Config{MaxExecutionTime: time.Second})
		run(g, clk, ctxFor("s", "t"), tc.took, true)
		ws := g.Warnings("s")
		require.Len(t, ws, 1, "took %s", tc.took)
		require.Equal(t, WarnExecutionTime, ws[0].Kind)
		require.Equal(t, tc.want, ws[0].Severity, "took %s", tc.took)
	}
}

func TestFailureRateWarning(t *testing.T) {
	g, clk, _ := newTestGovernor(t, Config{})
	c := ctxFor("flaky", "t")

	// Four failures are below the sample floor.
	for i := 0; i < 4; i++ {
		run(g, clk, c, time.Millisecond, false)
	}
	require.Empty(t, g.Warnings("flaky"))

	run(g, clk, c, time.Millisecond, false)
	ws := g.Warnings("flaky")
	require.Len(t, ws, 1)
	require.Equal(t, WarnFailureRate, ws[0].Kind)
	require.Equal(t, SeverityCritical, ws[0].Severity)

	g2, clk2, _ := newTestGovernor(t, Config{})
	for _, ok := range []bool{true, true, false, false, false, false, true, true, false, false} {
		run(g2, clk2, c, time.Millisecond, ok)
	}
	ws = g2.Warnings("flaky")
	require.NotEmpty(t, ws)
	require.Equal(t, SeverityHigh, ws[len(ws)-1].Severity)
}

func TestSweepAppliesRetention(t *testing.T) {
	g, clk, _ := newTestGovernor(t, Config{Retention: time.Hour, MaxExecutionTime: time.Second})
	run(g, clk, ctxFor("old", "t"), 2*time.Second, true)
	clk.advance(2 * time.Hour)
	run(g, clk, ctxFor("new", "t"), time.Millisecond, true)

	m, w := g.Sweep(clk.now())
	require.Equal(t, 1, m)
	require.Equal(t, 1, w)
	require.Empty(t, g.Metrics("old"))
	require.Len(t, g.Metrics(""), 1)
	_, ok := g.ScriptStats("old")
	require.False(t, ok)
}

func TestHistoryCountBound(t *testing.T) {
	g, clk, _ := newTestGovernor(t, Config{MetricsHistory: 3})
	for i := 0; i < 5; i++ {
		run(g, clk, ctxFor("s", "t"), time.Millisecond, true)
	}
	require.Len(t, g.Metrics(""), 3)
	require.Len(t, g.Metrics("s"), 3)
}

func TestScriptStatsScore(t *testing.T) {
	g, clk, _ := newTestGovernor(t, Config{MaxExecutionTime: 10 * time.Second})
	run(g, clk, ctxFor("s", "t"), 5*time.Second, true)
	run(g, clk, ctxFor("s", "t"), 5*time.Second, false)

	p, ok := g.ScriptStats("s")
	require.True(t, ok)
	require.Equal(t, 2, p.Executions)
	require.Equal(t, 1, p.Failures)
	require.Equal(t, 5*time.Second, p.AverageDuration)
	// 0.7*0.5 + 0.3*0.5 = 0.5
	require.InDelta(t, 50.0, p.Score, 0.001)
	require.InDelta(t, 1.0, p.MemoryEfficiency, 0.001)
}

func TestWarningsPublishedOnBus(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	g := New(Config{MaxExecutionTime: time.Second, MemorySampler: func() uint64 { return 0 }}, logx.Nop(), nil, bus)
	clk := &fakeClock{t: time.Unix(0, 0)}
	g.now = clk.now
	run(g, clk, ctxFor("s", "t"), 3*time.Second, true)

	select {
	case ev := <-ch:
		require.Equal(t, eventbus.TypeGovernorWarning, ev.Type)
		w, ok := ev.Data.(Warning)
		require.True(t, ok)
		require.Equal(t, SeverityCritical, w.Severity)
	default:
		t.Fatal("no warning event published")
	}
}
