package governor

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"userscriptd/internal/eventbus"
	"userscriptd/internal/execctx"
	"userscriptd/internal/metrics"
	logx "userscriptd/pkg/logx"
)

// Governor is safe for concurrent use. Measurement bookkeeping happens under
// one mutex; logging, metrics and bus publication happen after it is released.
type Governor struct {
	log logx.Logger
	m   *metrics.Metrics
	bus eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	seq      uint64
	running  map[uint64]*Handle
	perTab   map[string]int
	starts   []time.Time
	history  []Metric
	warnings []Warning
	byScript map[string][]Metric

	warnLimiter *rate.Limiter
	suppressed  uint64

	now func() time.Time
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics, bus eventbus.Bus) *Governor {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	g := &Governor{
		log:      log,
		m:        m,
		bus:      bus,
		running:  map[uint64]*Handle{},
		perTab:   map[string]int{},
		byScript: map[string][]Metric{},
		now:      time.Now,
	}
	g.SetConfig(cfg)
	return g
}

func (g *Governor) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	if g.warnLimiter == nil {
		g.warnLimiter = rate.NewLimiter(rate.Limit(cfg.WarnLogRate), 5)
	} else {
		g.warnLimiter.SetLimit(rate.Limit(cfg.WarnLogRate))
	}
	g.trimLocked()
}

func (g *Governor) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// MaxExecutionTime is the per-attempt ceiling the executor enforces.
func (g *Governor) MaxExecutionTime() time.Duration {
	return g.Config().MaxExecutionTime
}

// ShouldAllow reports whether a new attempt for scriptID on tabID may start.
func (g *Governor) ShouldAllow(scriptID, tabID string) Decision {
	now := g.now()
	g.mu.Lock()
	d := g.decideLocked(scriptID, tabID, now)
	g.mu.Unlock()

	if !d.Allowed {
		g.m.Denied(d.Reason)
		g.log.Debug("execution denied",
			logx.String("script_id", scriptID),
			logx.String("tab_id", tabID),
			logx.String("reason", d.Reason),
		)
	}
	return d
}

func (g *Governor) decideLocked(scriptID, tabID string, now time.Time) Decision {
	if tabID != "" && g.perTab[tabID] >= g.cfg.MaxConcurrentPerTab {
		return Decision{Reason: DenyTabConcurrency}
	}
	g.pruneStartsLocked(now)
	if len(g.starts) >= g.cfg.MaxExecutionsPerHour {
		return Decision{Reason: DenyHourlyLimit}
	}
	if recent := completedOnly(g.recentLocked(scriptID)); len(recent) > 0 {
		avgDur, avgMem := averages(recent)
		if avgDur > g.cfg.MaxExecutionTime {
			return Decision{Reason: DenySlowScript}
		}
		if avgMem > g.cfg.MaxMemoryBytes {
			return Decision{Reason: DenyMemoryHungry}
		}
	}
	return Decision{Allowed: true}
}

func (g *Governor) pruneStartsLocked(now time.Time) {
	cut := now.Add(-time.Hour)
	i := 0
	for i < len(g.starts) && !g.starts[i].After(cut) {
		i++
	}
	if i > 0 {
		g.starts = append(g.starts[:0], g.starts[i:]...)
	}
}

func (g *Governor) recentLocked(scriptID string) []Metric {
	ms := g.byScript[scriptID]
	if n := len(ms) - g.cfg.AverageWindow; n > 0 {
		ms = ms[n:]
	}
	return ms
}

// errTypeTimeout is the classifier category of an attempt cut off at the
// execution ceiling.
const errTypeTimeout = "timeout"

// completedOnly drops attempts that were cut off at the ceiling. Their
// duration is the ceiling itself, and the timeout retry policy owns them.
func completedOnly(ms []Metric) []Metric {
	out := make([]Metric, 0, len(ms))
	for _, m := range ms {
		if m.ErrorType != errTypeTimeout {
			out = append(out, m)
		}
	}
	return out
}

func averages(ms []Metric) (time.Duration, uint64) {
	if len(ms) == 0 {
		return 0, 0
	}
	var d time.Duration
	var mem uint64
	for _, m := range ms {
		d += m.Duration
		mem += m.MemoryBytes
	}
	n := len(ms)
	return d / time.Duration(n), mem / uint64(n)
}

// StartMeasurement registers a running attempt. Every handle must be passed to
// EndMeasurement exactly once; later calls are ignored.
func (g *Governor) StartMeasurement(c execctx.Context) *Handle {
	now := g.now()
	mem := g.sampleMemory()
	g.mu.Lock()
	g.seq++
	h := &Handle{id: g.seq, ScriptID: c.ScriptID, TabID: c.TabID, Start: now, memStart: mem}
	g.running[h.id] = h
	if c.TabID != "" {
		g.perTab[c.TabID]++
	}
	g.starts = append(g.starts, now)
	g.mu.Unlock()

	g.m.AttemptStarted()
	return h
}

// EndMeasurement closes h and records the attempt outcome. The returned bool is
// false when h was already ended or unknown.
func (g *Governor) EndMeasurement(h *Handle, c execctx.Context, success bool, errorType string) (Metric, bool) {
	if h == nil {
		return Metric{}, false
	}
	now := g.now()
	mem := g.sampleMemory()

	g.mu.Lock()
	if _, ok := g.running[h.id]; !ok {
		g.mu.Unlock()
		return Metric{}, false
	}
	delete(g.running, h.id)
	if h.TabID != "" {
		if g.perTab[h.TabID] <= 1 {
			delete(g.perTab, h.TabID)
		} else {
			g.perTab[h.TabID]--
		}
	}

	var used uint64
	if mem > h.memStart {
		used = mem - h.memStart
	}
	m := Metric{
		ExecutionID: c.ExecutionID,
		ScriptID:    h.ScriptID,
		TabID:       h.TabID,
		Start:       h.Start,
		Duration:    now.Sub(h.Start),
		MemoryBytes: used,
		Success:     success,
		ErrorType:   errorType,
		Timestamp:   now,
	}
	g.history = append(g.history, m)
	g.byScript[m.ScriptID] = append(g.byScript[m.ScriptID], m)
	g.trimLocked()

	warns := g.evaluateLocked(m)
	g.warnings = append(g.warnings, warns...)
	g.trimLocked()
	g.mu.Unlock()

	g.m.AttemptFinished(success, m.Duration)
	for _, w := range warns {
		g.emit(w)
	}
	return m, true
}

func (g *Governor) evaluateLocked(m Metric) []Warning {
	var out []Warning
	if limit := g.cfg.MaxExecutionTime; m.Duration > limit {
		ratio := float64(m.Duration) / float64(limit)
		out = append(out, Warning{
			Kind:      WarnExecutionTime,
			Severity:  severityFor(ratio),
			Value:     m.Duration.Seconds(),
			Threshold: limit.Seconds(),
			Message:   fmt.Sprintf("execution took %s, limit %s", m.Duration.Round(time.Millisecond), limit),
		})
	}
	if limit := g.cfg.MaxMemoryBytes; m.MemoryBytes > limit {
		ratio := float64(m.MemoryBytes) / float64(limit)
		out = append(out, Warning{
			Kind:      WarnMemory,
			Severity:  severityFor(ratio),
			Value:     float64(m.MemoryBytes),
			Threshold: float64(limit),
			Message:   fmt.Sprintf("execution used %d bytes, limit %d", m.MemoryBytes, limit),
		})
	}
	recent := g.recentLocked(m.ScriptID)
	if len(recent) >= g.cfg.MinFailureSamples {
		failed := 0
		for _, r := range recent {
			if !r.Success {
				failed++
			}
		}
		fr := float64(failed) / float64(len(recent))
		if fr > g.cfg.FailureRateThreshold {
			sev := SeverityHigh
			if fr > g.cfg.CriticalFailureRate {
				sev = SeverityCritical
			}
			out = append(out, Warning{
				Kind:      WarnFailureRate,
				Severity:  sev,
				Value:     fr,
				Threshold: g.cfg.FailureRateThreshold,
				Message:   fmt.Sprintf("%d of the last %d executions failed", failed, len(recent)),
			})
		}
	}
	for i := range out {
		out[i].ScriptID = m.ScriptID
		out[i].TabID = m.TabID
		out[i].Timestamp = m.Timestamp
	}
	return out
}

func severityFor(ratio float64) Severity {
	switch {
	case ratio >= 2:
		return SeverityCritical
	case ratio >= 1.5:
		return SeverityHigh
	case ratio >= 1.2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (g *Governor) emit(w Warning) {
	g.m.Warning(string(w.Kind), string(w.Severity))
	g.bus.Publish(eventbus.Event{Type: eventbus.TypeGovernorWarning, Time: w.Timestamp, Data: w})

	if !g.warnLimiter.Allow() {
		g.mu.Lock()
		g.suppressed++
		g.mu.Unlock()
		return
	}
	g.log.Warn("performance warning",
		logx.String("script_id", w.ScriptID),
		logx.String("kind", string(w.Kind)),
		logx.String("severity", string(w.Severity)),
		logx.Float64("value", w.Value),
		logx.Float64("threshold", w.Threshold),
		logx.String("msg", w.Message),
	)
}

// trimLocked enforces the count bounds. Time-based retention is left to Sweep.
func (g *Governor) trimLocked() {
	if over := len(g.history) - g.cfg.MetricsHistory; over > 0 {
		for _, m := range g.history[:over] {
			g.dropScriptMetricLocked(m)
		}
		g.history = append([]Metric(nil), g.history[over:]...)
	}
	if over := len(g.warnings) - g.cfg.WarningsHistory; over > 0 {
		g.warnings = append([]Warning(nil), g.warnings[over:]...)
	}
}

func (g *Governor) dropScriptMetricLocked(m Metric) {
	ms := g.byScript[m.ScriptID]
	if len(ms) == 0 {
		return
	}
	// Per-script slices are in insertion order, same as history.
	ms = ms[1:]
	if len(ms) == 0 {
		delete(g.byScript, m.ScriptID)
		return
	}
	g.byScript[m.ScriptID] = ms
}

// Sweep drops metrics and warnings older than the retention window and
// returns how many of each were removed.
func (g *Governor) Sweep(now time.Time) (metricsDropped, warningsDropped int) {
	cut := now.Add(-g.Config().Retention)

	g.mu.Lock()
	defer g.mu.Unlock()

	i := 0
	for i < len(g.history) && g.history[i].Timestamp.Before(cut) {
		g.dropScriptMetricLocked(g.history[i])
		i++
	}
	if i > 0 {
		g.history = append([]Metric(nil), g.history[i:]...)
	}
	metricsDropped = i

	j := 0
	for j < len(g.warnings) && g.warnings[j].Timestamp.Before(cut) {
		j++
	}
	if j > 0 {
		g.warnings = append([]Warning(nil), g.warnings[j:]...)
	}
	warningsDropped = j

	g.pruneStartsLocked(now)
	return metricsDropped, warningsDropped
}

// Warnings returns retained warnings, oldest first. An empty scriptID returns
// all of them.
func (g *Governor) Warnings(scriptID string) []Warning {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Warning, 0, len(g.warnings))
	for _, w := range g.warnings {
		if scriptID == "" || w.ScriptID == scriptID {
			out = append(out, w)
		}
	}
	return out
}

func (g *Governor) Metrics(scriptID string) []Metric {
	g.mu.Lock()
	defer g.mu.Unlock()
	if scriptID == "" {
		return append([]Metric(nil), g.history...)
	}
	return append([]Metric(nil), g.byScript[scriptID]...)
}

func (g *Governor) ScriptStats(scriptID string) (ScriptPerformance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.byScript[scriptID]
	if len(ms) == 0 {
		return ScriptPerformance{}, false
	}
	return g.performanceLocked(scriptID, ms), true
}

func (g *Governor) performanceLocked(scriptID string, ms []Metric) ScriptPerformance {
	p := ScriptPerformance{ScriptID: scriptID, Executions: len(ms)}
	for _, m := range ms {
		if !m.Success {
			p.Failures++
		}
	}
	p.SuccessRate = float64(p.Executions-p.Failures) / float64(p.Executions)
	p.AverageDuration, p.AverageMemory = averages(ms)

	timeScore := 1 - float64(p.AverageDuration)/float64(g.cfg.MaxExecutionTime)
	if timeScore < 0 {
		timeScore = 0
	}
	wsum := g.cfg.TimeWeight + g.cfg.SuccessWeight
	p.Score = 100 * (g.cfg.TimeWeight*timeScore + g.cfg.SuccessWeight*p.SuccessRate) / wsum

	p.MemoryEfficiency = 1 - float64(p.AverageMemory)/float64(g.cfg.MaxMemoryBytes)
	if p.MemoryEfficiency < 0 {
		p.MemoryEfficiency = 0
	}
	return p
}

func (g *Governor) Stats() Stats {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneStartsLocked(now)
	st := Stats{
		Running:            len(g.running),
		ExecutionsLastHour: len(g.starts),
		Metrics:            len(g.history),
		Warnings:           len(g.warnings),
		SuppressedLogs:     g.suppressed,
	}
	for id, ms := range g.byScript {
		st.Scripts = append(st.Scripts, g.performanceLocked(id, ms))
	}
	sort.Slice(st.Scripts, func(i, j int) bool { return st.Scripts[i].ScriptID < st.Scripts[j].ScriptID })
	return st
}

func (g *Governor) sampleMemory() uint64 {
	if f := g.Config().MemorySampler; f != nil {
		return f()
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
