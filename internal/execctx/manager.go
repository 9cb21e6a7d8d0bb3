package execctx

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

type tabState struct {
	id         string
	url        string
	status     TabStatus
	ready      bool
	navigation uint64
	executed   map[string]struct{}
	pending    []Pending
	contexts   map[string]time.Time
	updatedAt  time.Time
}

func (t *tabState) snapshot() TabState {
	ts := TabState{
		TabID:      t.id,
		URL:        t.url,
		Status:     t.status,
		Ready:      t.ready,
		Navigation: t.navigation,
		Pending:    append([]Pending(nil), t.pending...),
		UpdatedAt:  t.updatedAt,
	}
	for id := range t.executed {
		ts.Executed = append(ts.Executed, id)
	}
	sort.Strings(ts.Executed)
	return ts
}

func eligible(runAt userscript.RunAt, status TabStatus, ready bool) bool {
	if runAt == userscript.RunAtDocumentStart {
		return status == StatusLoading && !ready
	}
	return status == StatusComplete && ready
}

// Manager is safe for concurrent use.
type Manager struct {
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	tabs     map[string]*tabState
	contexts map[string]Context
	// running holds the (script, tab) pairs reserved by an execution that
	// hasn't finished yet.
	running map[runKey]struct{}
}

type runKey struct{ scriptID, tabID string }

func New(cfg Config, log logx.Logger) *Manager {
	return &Manager{
		log:      log,
		cfg:      cfg.withDefaults(),
		tabs:     map[string]*tabState{},
		contexts: map[string]Context{},
		running:  map[runKey]struct{}{},
	}
}

func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// CreateContext builds a fresh context and tracks it until Release, MarkExecuted
// or Sweep drops it.
func (m *Manager) CreateContext(s userscript.Script, tabID, url string, retryCount int, trig Trigger) Context {
	now := time.Now()
	if trig.Timestamp.IsZero() {
		trig.Timestamp = now
	}
	c := Context{
		ExecutionID: uuid.NewString(),
		ScriptID:    s.ID,
		TabID:       tabID,
		URL:         url,
		Timestamp:   now,
		RunAt:       s.RunAt,
		World:       s.World,
		RetryCount:  retryCount,
		Trigger:     trig,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.contexts) >= m.cfg.MaxContexts {
		m.evictOldestContextLocked("")
	}
	if t := m.tabs[tabID]; t != nil {
		if len(t.contexts) >= m.cfg.MaxContextsPerTab {
			m.evictOldestContextLocked(tabID)
		}
		t.contexts[c.ExecutionID] = now
	}
	m.contexts[c.ExecutionID] = c
	return c
}

func (m *Manager) evictOldestContextLocked(tabID string) {
	var (
		oldest   string
		oldestAt time.Time
	)
	for id, c := range m.contexts {
		if tabID != "" && c.TabID != tabID {
			continue
		}
		if oldest == "" || c.Timestamp.Before(oldestAt) {
			oldest, oldestAt = id, c.Timestamp
		}
	}
	if oldest != "" {
		m.dropContextLocked(oldest)
	}
}

func (m *Manager) dropContextLocked(id string) {
	c, ok := m.contexts[id]
	if !ok {
		return
	}
	delete(m.contexts, id)
	if t := m.tabs[c.TabID]; t != nil {
		delete(t.contexts, id)
	}
}

// Release stops tracking c.
func (m *Manager) Release(c Context) {
	m.mu.Lock()
	m.dropContextLocked(c.ExecutionID)
	m.mu.Unlock()
}

// Active reports whether c is still tracked.
func (m *Manager) Active(c Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[c.ExecutionID]
	return ok
}

func (m *Manager) IsExecuted(scriptID, tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabs[tabID]
	if t == nil {
		return false
	}
	_, ok := t.executed[scriptID]
	return ok
}

// MarkExecuted blocks the (script, tab) pair until the next navigation.
func (m *Manager) MarkExecuted(c Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropContextLocked(c.ExecutionID)
	t := m.tabs[c.TabID]
	if t == nil {
		t = m.addTabLocked(c.TabID, c.URL)
		t.status = StatusComplete
		t.ready = true
	}
	t.executed[c.ScriptID] = struct{}{}
	delete(m.running, runKey{c.ScriptID, c.TabID})
}

// ShouldExecute decides whether s may run on the tab now. A tab the lifecycle
// feed hasn't reported yet is treated as ready.
func (m *Manager) ShouldExecute(s userscript.Script, tabID string) (bool, Reason) {
	if !s.Enabled {
		return false, ReasonDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldExecuteLocked(s, tabID)
}

// Reserve is ShouldExecute that also claims the (script, tab) pair until
// MarkExecuted or Unreserve. Concurrent requests for a claimed pair get
// ReasonInProgress.
func (m *Manager) Reserve(s userscript.Script, tabID string) (bool, Reason) {
	if !s.Enabled {
		return false, ReasonDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, why := m.shouldExecuteLocked(s, tabID)
	if ok {
		m.running[runKey{s.ID, tabID}] = struct{}{}
	}
	return ok, why
}

// Unreserve drops a claim taken by Reserve for a run that did not succeed.
func (m *Manager) Unreserve(scriptID, tabID string) {
	m.mu.Lock()
	delete(m.running, runKey{scriptID, tabID})
	m.mu.Unlock()
}

func (m *Manager) shouldExecuteLocked(s userscript.Script, tabID string) (bool, Reason) {
	t := m.tabs[tabID]
	if t != nil {
		if _, done := t.executed[s.ID]; done {
			return false, ReasonAlreadyExecuted
		}
	}
	if _, busy := m.running[runKey{s.ID, tabID}]; busy {
		return false, ReasonInProgress
	}
	if t != nil && !eligible(s.RunAt, t.status, t.ready) {
		return false, ReasonNotReady
	}
	return true, ReasonEligible
}

// IsContextValid reports false when the tab navigated away from c.URL or c is
// older than the max execution time.
func (m *Manager) IsContextValid(c Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(c.Timestamp) > m.cfg.MaxExecutionTime {
		return false
	}
	if t := m.tabs[c.TabID]; t != nil && t.url != "" && c.URL != "" && t.url != c.URL {
		return false
	}
	return true
}

// Enqueue defers a request until the tab reaches p.RunAt. A request for a
// script already queued on the tab replaces the older one.
func (m *Manager) Enqueue(tabID string, p Pending) error {
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabs[tabID]
	if t == nil {
		return ErrUnknownTab
	}
	for i := range t.pending {
		if t.pending[i].ScriptID == p.ScriptID {
			t.pending[i] = p
			return nil
		}
	}
	if len(t.pending) >= m.cfg.TabQueueSize {
		return ErrQueueFull
	}
	t.pending = append(t.pending, p)
	return nil
}

// UpdateTab applies a lifecycle event and returns the pending requests that
// became eligible. They are removed from the queue.
//
// A URL change, or a return to loading after completion, starts a new
// navigation: the executed set is cleared. A URL change also drops the queue.
func (m *Manager) UpdateTab(ev TabEvent) []Pending {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tabs[ev.TabID]
	if t == nil {
		t = m.addTabLocked(ev.TabID, ev.URL)
		t.navigation = 1
	} else {
		urlChanged := ev.URL != "" && ev.URL != t.url
		reload := ev.Status == StatusLoading && t.status == StatusComplete
		if urlChanged || reload {
			t.navigation++
			t.executed = map[string]struct{}{}
			if urlChanged {
				t.pending = nil
			}
			m.log.Debug("tab navigated", logx.String("tab", ev.TabID), logx.Uint64("navigation", t.navigation))
		}
		if ev.URL != "" {
			t.url = ev.URL
		}
	}
	if ev.Status != "" {
		t.status = ev.Status
	}
	t.ready = ev.Ready
	t.updatedAt = now
	return t.drainLocked()
}

// DrainReady removes and returns the eligible pending requests of a tab.
func (m *Manager) DrainReady(tabID string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tabs[tabID]; t != nil {
		return t.drainLocked()
	}
	return nil
}

func (t *tabState) drainLocked() []Pending {
	var ready []Pending
	kept := t.pending[:0]
	for _, p := range t.pending {
		if eligible(p.RunAt, t.status, t.ready) {
			ready = append(ready, p)
		} else {
			kept = append(kept, p)
		}
	}
	t.pending = kept
	return ready
}

func (m *Manager) addTabLocked(id, url string) *tabState {
	if len(m.tabs) >= m.cfg.MaxTabs {
		var lru *tabState
		for _, t := range m.tabs {
			if lru == nil || t.updatedAt.Before(lru.updatedAt) {
				lru = t
			}
		}
		if lru != nil {
			m.removeTabLocked(lru.id)
		}
	}
	t := &tabState{
		id:        id,
		url:       url,
		status:    StatusLoading,
		executed:  map[string]struct{}{},
		contexts:  map[string]time.Time{},
		updatedAt: time.Now(),
	}
	m.tabs[id] = t
	return t
}

func (m *Manager) removeTabLocked(id string) {
	t := m.tabs[id]
	if t == nil {
		return
	}
	for ctxID := range t.contexts {
		delete(m.contexts, ctxID)
	}
	delete(m.tabs, id)
}

// RemoveTab forgets a closed tab.
func (m *Manager) RemoveTab(tabID string) {
	m.mu.Lock()
	m.removeTabLocked(tabID)
	m.mu.Unlock()
}

func (m *Manager) Tab(tabID string) (TabState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabs[tabID]
	if t == nil {
		return TabState{}, false
	}
	return t.snapshot(), true
}

// Tabs lists the live tabs sorted by id.
func (m *Manager) Tabs() []TabState {
	m.mu.Lock()
	out := make([]TabState, 0, len(m.tabs))
	for _, t := range m.tabs {
		out = append(out, t.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Sweep drops contexts and pending requests older than twice the max
// execution time, and tabs not updated within StaleTabAfter.
func (m *Manager) Sweep(now time.Time) (contexts, tabs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-2 * m.cfg.MaxExecutionTime)
	for id, c := range m.contexts {
		if c.Timestamp.Before(cutoff) {
			m.dropContextLocked(id)
			contexts++
		}
	}
	staleBefore := now.Add(-m.cfg.StaleTabAfter)
	for id, t := range m.tabs {
		if t.updatedAt.Before(staleBefore) {
			m.removeTabLocked(id)
			tabs++
			continue
		}
		kept := t.pending[:0]
		for _, p := range t.pending {
			if !p.QueuedAt.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		t.pending = kept
	}
	if contexts > 0 || tabs > 0 {
		m.log.Debug("context sweep", logx.Int("contexts", contexts), logx.Int("tabs", tabs))
	}
	return contexts, tabs
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Tabs: len(m.tabs), Contexts: len(m.contexts)}
	for _, t := range m.tabs {
		st.Pending += len(t.pending)
	}
	return st
}
