// Package scheduler owns schedule lifecycle and turns timer callbacks and
// delivered events into executor requests.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"userscriptd/internal/eventbus"
	"userscriptd/internal/execctx"
	"userscriptd/internal/executor"
	"userscriptd/internal/metrics"
	"userscriptd/internal/pattern"
	"userscriptd/internal/storage"
	"userscriptd/internal/timers"
	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

const (
	keyPrefix   = "schedule:"
	alarmPrefix = "schedule/"
	// dueTolerance absorbs timer skew when matching a callback to the
	// schedule's NextExecution.
	dueTolerance = time.Second
)

func storeKey(id string) string { return keyPrefix + id }
func alarmID(id string) string  { return alarmPrefix + id }

type Runner interface {
	Execute(ctx context.Context, req executor.Request) (executor.Result, error)
}

type TabSource interface {
	Tabs() []execctx.TabState
}

// Deps are the collaborators of a Service. Tabs, Matcher, Metrics and Bus
// are optional.
type Deps struct {
	Store   storage.Store
	Timers  timers.Service
	Runner  Runner
	Scripts userscript.Repository
	Tabs    TabSource
	Matcher *pattern.Matcher
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
}

type entry struct {
	s   Schedule
	rev uint64
	// running guards against overlapping fires of the same schedule.
	running bool
}

type Service struct {
	d      Deps
	log    logx.Logger
	parser cron.Parser

	// opMu serializes mutations so persist-then-swap is atomic per schedule.
	// It is held across store and timer I/O; mu never is.
	opMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	conds   map[string]ConditionFunc
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

func New(cfg Config, d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	s := &Service{
		d:       d,
		log:     log,
		parser:  newParser(),
		cfg:     cfg.withDefaults(),
		entries: map[string]*entry{},
		conds:   map[string]ConditionFunc{},
		now:     time.Now,
		jitter:  func(max time.Duration) time.Duration { return time.Duration(rand.Int63n(int64(max + 1))) },
	}
	d.Timers.SetCallback(s.onAlarm)
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.config().Enabled }

// Apply swaps the config. Cron schedules without their own timezone are
// re-armed when the default timezone changes.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	started := s.started
	s.mu.Unlock()

	if started && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.log.Info("timezone changed; recomputing cron schedules", logx.String("tz", cfg.Timezone))
		s.rearmCron(ctx)
	}
}

func (s *Service) rearmCron(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	for _, sc := range s.List(Filter{Mode: ModeCron, Status: StatusActive}) {
		if sc.Cron == nil || strings.TrimSpace(sc.Cron.Timezone) != "" {
			continue
		}
		next := sc.clone()
		at, st, err := s.computeNext(next, s.now())
		if err != nil {
			s.log.Warn("cron recompute failed", logx.String("schedule_id", sc.ID), logx.Err(err))
			continue
		}
		setNext(&next, at, st)
		if err := s.commitLocked(ctx, sc, next); err != nil {
			s.log.Warn("cron re-arm failed", logx.String("schedule_id", sc.ID), logx.Err(err))
		}
	}
}

// Start loads persisted schedules and reconciles them against the armed
// alarms: orphans are disarmed, matching alarms kept, missing ones armed.
// Call it before the timer service starts delivering callbacks.
func (s *Service) Start(ctx context.Context) error {
	raw, err := s.d.Store.List(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("%w: load schedules: %w", ErrInfrastructure, err)
	}
	armed, err := s.d.Timers.ListArmed(ctx)
	if err != nil {
		return fmt.Errorf("%w: list alarms: %w", ErrInfrastructure, err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	loaded := map[string]Schedule{}
	for k, b := range raw {
		var sc Schedule
		if err := json.Unmarshal(b, &sc); err != nil || sc.ID == "" {
			s.log.Warn("skipping unreadable schedule", logx.String("key", k), logx.Err(err))
			continue
		}
		loaded[sc.ID] = sc
	}

	now := s.now()
	alarms := map[string]timers.Alarm{}
	for _, a := range armed {
		id, ok := strings.CutPrefix(a.ID, alarmPrefix)
		if !ok {
			continue
		}
		sc, known := loaded[id]
		if !known || sc.Status != StatusActive || sc.Mode == ModeEvent {
			if err := s.d.Timers.Disarm(ctx, a.ID); err != nil {
				s.log.Warn("orphan alarm cleanup failed", logx.String("alarm", a.ID), logx.Err(err))
			} else {
				s.log.Info("orphan alarm removed", logx.String("alarm", a.ID))
			}
			continue
		}
		alarms[id] = a
	}

	s.mu.Lock()
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx, s.cancel = runCtx, cancel
	s.entries = map[string]*entry{}
	for id, sc := range loaded {
		s.entries[id] = &entry{s: sc, rev: 1}
	}
	s.started = true
	s.mu.Unlock()

	var rearmed, kept int
	for id, sc := range loaded {
		if sc.Status != StatusActive {
			continue
		}
		next := s.restoreNext(sc, now, alarms[id])
		a, hasAlarm := alarms[id]
		inSync := hasAlarm && next.NextExecution != nil && absDur(a.At.Sub(*next.NextExecution)) <= dueTolerance
		if inSync && next.Status == sc.Status {
			kept++
			if !sameNext(sc, next) {
				s.swap(next)
			}
			continue
		}
		if err := s.commitLocked(ctx, sc, next); err != nil {
			s.log.Warn("schedule restore failed", logx.String("schedule_id", id), logx.Err(err))
			continue
		}
		rearmed++
	}

	s.publishActive()
	s.log.Info("scheduler started",
		logx.Int("schedules", len(loaded)),
		logx.Int("alarms_kept", kept),
		logx.Int("alarms_armed", rearmed),
		logx.String("tz", s.config().Timezone),
	)
	return nil
}

// restoreNext decides the fire time of an active schedule after a restart.
func (s *Service) restoreNext(sc Schedule, now time.Time, alarm timers.Alarm) Schedule {
	next := sc.clone()
	switch sc.Mode {
	case ModeEvent:
		next.NextExecution = nil
		return next
	case ModeOnce:
		// Overdue once schedules fire as soon as the timers start.
		if sc.Once != nil {
			at := sc.Once.ExecuteAt
			next.NextExecution = &at
		}
		return next
	}
	// A surviving alarm is authoritative; periodic alarms advance on their own.
	if !alarm.At.IsZero() {
		at := alarm.At
		next.NextExecution = &at
		return next
	}
	if sc.NextExecution != nil && sc.NextExecution.After(now) {
		return next
	}
	at, st, err := s.computeNext(sc, now)
	if err != nil {
		s.log.Warn("next fire computation failed", logx.String("schedule_id", sc.ID), logx.Err(err))
	}
	setNext(&next, at, st)
	return next
}

// Stop cancels in-flight fires. Alarms stay persisted.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) onAlarm(id string, due time.Time) {
	schedID, ok := strings.CutPrefix(id, alarmPrefix)
	if !ok {
		return
	}
	// Waiting on opMu keeps a callback from observing a mutation whose
	// alarm is armed but whose record is not swapped in yet.
	s.opMu.Lock()
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.opMu.Unlock()
		s.log.Debug("alarm before start ignored", logx.String("alarm", id))
		return
	}
	ctx := s.runCtx
	e := s.entries[schedID]
	var ignore string
	switch {
	case e == nil:
		ignore = "unknown schedule"
	case e.s.Status != StatusActive:
		ignore = "schedule not active"
	case e.s.NextExecution == nil:
		ignore = "no pending fire"
	case due.Before(e.s.NextExecution.Add(-dueTolerance)):
		ignore = "stale or duplicate alarm"
	}
	// Periodic alarms of inactive schedules would keep firing.
	orphan := e == nil || (e.s.Mode == ModeConditional && e.s.Status != StatusActive)
	s.mu.Unlock()
	if ignore != "" && orphan {
		_ = s.d.Timers.Disarm(ctx, id)
	}
	s.opMu.Unlock()

	if ignore != "" {
		s.log.Debug("alarm ignored", logx.String("alarm", id), logx.String("reason", ignore), logx.Time("due", due))
		return
	}
	if _, err := s.fire(ctx, schedID, execctx.SourceSystem, false, due, Target{}); err != nil {
		s.log.Warn("scheduled fire failed", logx.String("schedule_id", schedID), logx.Err(err))
	}
}

// commitLocked persists next, updates its alarm and swaps it in. On a timer
// failure the previous record is written back. Call with opMu held.
func (s *Service) commitLocked(ctx context.Context, prev, next Schedule) error {
	if err := storage.SetJSON(ctx, s.d.Store, storeKey(next.ID), next); err != nil {
		return fmt.Errorf("%w: persist schedule %s: %w", ErrInfrastructure, next.ID, err)
	}
	if err := s.syncAlarm(ctx, next); err != nil {
		if prev.ID != "" {
			if rbErr := storage.SetJSON(ctx, s.d.Store, storeKey(prev.ID), prev); rbErr != nil {
				s.log.Error("schedule rollback failed", logx.String("schedule_id", prev.ID), logx.Err(rbErr))
			}
			_ = s.syncAlarm(ctx, prev)
		} else if delErr := s.d.Store.Delete(ctx, storeKey(next.ID)); delErr != nil {
			s.log.Error("schedule rollback failed", logx.String("schedule_id", next.ID), logx.Err(delErr))
		}
		return fmt.Errorf("%w: arm schedule %s: %w", ErrInfrastructure, next.ID, err)
	}
	s.swap(next)
	return nil
}

func (s *Service) syncAlarm(ctx context.Context, sc Schedule) error {
	if sc.Status != StatusActive || sc.NextExecution == nil || sc.Mode == ModeEvent {
		return s.d.Timers.Disarm(ctx, alarmID(sc.ID))
	}
	var period time.Duration
	if sc.Mode == ModeConditional {
		period = s.checkInterval(sc)
	}
	return s.d.Timers.Arm(ctx, alarmID(sc.ID), *sc.NextExecution, period)
}

func (s *Service) swap(sc Schedule) {
	s.mu.Lock()
	if e := s.entries[sc.ID]; e != nil {
		e.s = sc
		e.rev++
	} else {
		s.entries[sc.ID] = &entry{s: sc, rev: 1}
	}
	s.mu.Unlock()
}

func (s *Service) publishActive() {
	s.mu.Lock()
	n := 0
	for _, e := range s.entries {
		if e.s.Status == StatusActive {
			n++
		}
	}
	s.mu.Unlock()
	s.d.Metrics.SetActiveSchedules(n)
}

func (s *Service) publishChanged(sc Schedule, op string) {
	s.d.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduleChanged,
		Time: s.now(),
		Data: map[string]any{"op": op, "schedule": sc},
	})
	s.publishActive()
}

// Get returns a copy of one schedule.
func (s *Service) Get(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.s.clone(), nil
}

// List returns schedules matching f, oldest first.
func (s *Service) List(f Filter) []Schedule {
	s.mu.Lock()
	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		if f.match(e.s) {
			out = append(out, e.s.clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) Stats(ctx context.Context) Stats {
	st := Stats{ByStatus: map[Status]int{}, ByMode: map[Mode]int{}}
	s.mu.Lock()
	for _, e := range s.entries {
		st.Total++
		st.ByStatus[e.s.Status]++
		st.ByMode[e.s.Mode]++
		st.Executions += e.s.ExecutionCount
		if e.s.FailureCount > 0 {
			st.Failing++
		}
		if e.running {
			st.Running++
		}
		if n := e.s.NextExecution; n != nil && e.s.Status == StatusActive {
			if st.NextFire == nil || n.Before(*st.NextFire) {
				v := *n
				st.NextFire = &v
			}
		}
	}
	s.mu.Unlock()

	if armed, err := s.d.Timers.ListArmed(ctx); err == nil {
		for _, a := range armed {
			if strings.HasPrefix(a.ID, alarmPrefix) {
				st.Armed++
			}
		}
	}
	return st
}

func setNext(sc *Schedule, at time.Time, st Status) {
	sc.Status = st
	if at.IsZero() || st != StatusActive {
		sc.NextExecution = nil
		return
	}
	sc.NextExecution = &at
}

func sameNext(a, b Schedule) bool {
	switch {
	case a.NextExecution == nil && b.NextExecution == nil:
		return true
	case a.NextExecution == nil || b.NextExecution == nil:
		return false
	}
	return a.NextExecution.Equal(*b.NextExecution)
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
