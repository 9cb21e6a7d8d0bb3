// Package timers is the alarm service the scheduler arms fire times with.
//
// Alarm definitions are persisted in the store so they survive a restart;
// runtime timers are rebuilt from them on Start. A one-shot alarm deletes
// its persisted definition before the callback runs, so a crash after
// firing never fires it twice.
package timers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"userscriptd/internal/storage"
	logx "userscriptd/pkg/logx"
)

const keyPrefix = "alarm:"

var ErrInvalidAlarm = errors.New("invalid alarm")

// Alarm is one armed timer. Period > 0 makes it repeat.
type Alarm struct {
	ID     string        `json:"id"`
	At     time.Time     `json:"at"`
	Period time.Duration `json:"period,omitempty"`
}

// Callback receives the alarm id and the time it was due.
type Callback func(id string, due time.Time)

type Service interface {
	Arm(ctx context.Context, id string, at time.Time, period time.Duration) error
	Disarm(ctx context.Context, id string) error
	ListArmed(ctx context.Context) ([]Alarm, error)
	SetCallback(cb Callback)
}

// Local implements Service with time.AfterFunc.
type Local struct {
	store storage.Store
	log   logx.Logger

	mu      sync.Mutex
	cb      Callback
	started bool
	timers  map[string]*time.Timer
	ver     map[string]uint64
	alarms  map[string]Alarm
}

func NewLocal(store storage.Store, log logx.Logger) *Local {
	return &Local{
		store:  store,
		log:    log,
		timers: map[string]*time.Timer{},
		ver:    map[string]uint64{},
		alarms: map[string]Alarm{},
	}
}

func (l *Local) SetCallback(cb Callback) {
	l.mu.Lock()
	l.cb = cb
	l.mu.Unlock()
}

func (l *Local) Arm(ctx context.Context, id string, at time.Time, period time.Duration) error {
	id = strings.TrimSpace(id)
	if id == "" || at.IsZero() || period < 0 {
		return fmt.Errorf("%w: id=%q at=%v period=%s", ErrInvalidAlarm, id, at, period)
	}
	a := Alarm{ID: id, At: at, Period: period}
	if err := storage.SetJSON(ctx, l.store, keyPrefix+id, a); err != nil {
		return fmt.Errorf("persist alarm %s: %w", id, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.alarms[id] = a
	if l.started {
		l.scheduleLocked(a)
	}
	return nil
}

func (l *Local) Disarm(ctx context.Context, id string) error {
	l.mu.Lock()
	l.stopLocked(id)
	delete(l.alarms, id)
	l.mu.Unlock()

	if err := l.store.Delete(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("delete alarm %s: %w", id, err)
	}
	return nil
}

// ListArmed reads the persisted alarms, so it works before Start.
func (l *Local) ListArmed(ctx context.Context) ([]Alarm, error) {
	raw, err := l.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Alarm, 0, len(raw))
	for k := range raw {
		var a Alarm
		ok, err := storage.GetJSON(ctx, l.store, k, &a)
		if err != nil {
			l.log.Warn("dropping unreadable alarm", logx.String("key", k), logx.Err(err))
			_ = l.store.Delete(ctx, k)
			continue
		}
		if ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Start rebuilds runtime timers from the store. Overdue alarms fire right away.
func (l *Local) Start(ctx context.Context) error {
	alarms, err := l.ListArmed(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	l.started = true
	for _, a := range alarms {
		l.alarms[a.ID] = a
	}
	for _, a := range l.alarms {
		l.scheduleLocked(a)
	}
	l.log.Info("timers started", logx.Int("alarms", len(l.alarms)))
	return nil
}

// Stop halts runtime timers. Persisted alarms stay for the next Start.
func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.timers {
		l.stopLocked(id)
	}
	l.started = false
}

func (l *Local) stopLocked(id string) {
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
	// Invalidate callbacks already in flight.
	l.ver[id]++
}

func (l *Local) scheduleLocked(a Alarm) {
	l.stopLocked(a.ID)
	ver := l.ver[a.ID]
	delay := time.Until(a.At)
	if delay < 0 {
		delay = 0
	}
	l.timers[a.ID] = time.AfterFunc(delay, func() { l.fire(a, ver) })
}

func (l *Local) fire(a Alarm, ver uint64) {
	l.mu.Lock()
	cur, ok := l.alarms[a.ID]
	if l.ver[a.ID] != ver || !ok || !cur.At.Equal(a.At) {
		l.mu.Unlock()
		return
	}
	delete(l.timers, a.ID)
	cb := l.cb
	var next Alarm
	if a.Period > 0 {
		next = Alarm{ID: a.ID, At: nextPeriodic(a.At, a.Period, time.Now()), Period: a.Period}
		l.alarms[a.ID] = next
		l.scheduleLocked(next)
	} else {
		delete(l.alarms, a.ID)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if a.Period > 0 {
		err = storage.SetJSON(ctx, l.store, keyPrefix+a.ID, next)
	} else {
		err = l.store.Delete(ctx, keyPrefix+a.ID)
		// Arm may have raced the delete.
		l.mu.Lock()
		cur, rearmed := l.alarms[a.ID]
		l.mu.Unlock()
		if err == nil && rearmed {
			err = storage.SetJSON(ctx, l.store, keyPrefix+a.ID, cur)
		}
	}
	if err != nil {
		l.log.Warn("alarm persistence failed", logx.String("id", a.ID), logx.Err(err))
	}

	if cb != nil {
		cb(a.ID, a.At)
	}
}

// nextPeriodic skips missed periods instead of firing them back to back.
func nextPeriodic(at time.Time, period time.Duration, now time.Time) time.Time {
	next := at.Add(period)
	if next.After(now) {
		return next
	}
	missed := now.Sub(at) / period
	return at.Add((missed + 1) * period)
}

// Armed returns the ids with a live runtime timer.
func (l *Local) Armed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.timers))
	for id := range l.timers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
