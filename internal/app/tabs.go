package app

import (
	"context"
	"time"

	"userscriptd/internal/eventbus"
	"userscriptd/internal/execctx"
	"userscriptd/internal/executor"
	"userscriptd/internal/scheduler"
	logx "userscriptd/pkg/logx"
)

// HandleTabEvent applies one entry of the tab lifecycle feed.
//
// A new navigation runs every enabled matching script (scripts whose run-at
// point is not reached yet are deferred) and delivers tab_navigated. Queued
// requests released by the event run next. A completed, ready document
// delivers tab_loaded.
func (a *App) HandleTabEvent(ctx context.Context, ev execctx.TabEvent) []executor.Result {
	if ev.TabID == "" {
		return nil
	}
	var before uint64
	if st, ok := a.ctxs.Tab(ev.TabID); ok {
		before = st.Navigation
	}
	released := a.ctxs.UpdateTab(ev)
	st, _ := a.ctxs.Tab(ev.TabID)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeTabUpdated, Time: time.Now(), Data: st})

	var results []executor.Result
	if st.Navigation != before {
		res, err := a.exec.ExecuteForTab(ctx, ev.TabID, st.URL, nil, execctx.Trigger{
			Mode:      execctx.ModeNavigation,
			Source:    execctx.SourceSystem,
			Timestamp: time.Now(),
		})
		if err != nil {
			a.log.Warn("navigation run failed", logx.String("tab_id", ev.TabID), logx.Err(err))
		}
		results = append(results, res...)
		a.deliver(ctx, scheduler.Event{Type: scheduler.EventTabNavigated, TabID: ev.TabID, URL: st.URL})
	}
	if len(released) > 0 {
		results = append(results, a.exec.RunPending(ctx, ev.TabID, released)...)
	}
	if st.Status == execctx.StatusComplete && st.Ready {
		a.deliver(ctx, scheduler.Event{Type: scheduler.EventTabLoaded, TabID: ev.TabID, URL: st.URL})
	}
	return results
}

// HandleTabRemoved forgets a closed tab and delivers tab_closed.
func (a *App) HandleTabRemoved(ctx context.Context, tabID string) {
	if tabID == "" {
		return
	}
	st, known := a.ctxs.Tab(tabID)
	a.ctxs.RemoveTab(tabID)
	if !known {
		return
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeTabRemoved, Time: time.Now(), Data: st})
	a.deliver(ctx, scheduler.Event{Type: scheduler.EventTabClosed, TabID: tabID, URL: st.URL})
}

func (a *App) deliver(ctx context.Context, ev scheduler.Event) {
	if !a.sched.Enabled() {
		return
	}
	for _, rep := range a.sched.DeliverEvent(ctx, ev) {
		a.log.Debug("event schedule fired",
			logx.String("event", ev.Type),
			logx.String("schedule_id", rep.ScheduleID),
			logx.String("outcome", string(rep.Outcome)),
		)
	}
}
