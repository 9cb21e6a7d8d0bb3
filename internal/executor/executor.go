package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"userscriptd/internal/eventbus"
	"userscriptd/internal/execctx"
	"userscriptd/internal/governor"
	"userscriptd/internal/host"
	"userscriptd/internal/metrics"
	"userscriptd/internal/pattern"
	"userscriptd/internal/recovery"
	"userscriptd/internal/userscript"
	"userscriptd/internal/validator"
	logx "userscriptd/pkg/logx"
)

var errStaleContext = errors.New("execution context is stale: tab navigated or request expired")

// Deps are the collaborators an Executor drives. Metrics and Bus are optional.
type Deps struct {
	Scripts   userscript.Repository
	Host      host.Host
	Matcher   *pattern.Matcher
	Validator *validator.Validator
	Contexts  *execctx.Manager
	Recovery  *recovery.Service
	Governor  *governor.Governor
	Metrics   *metrics.Metrics
	Bus       eventbus.Bus
}

// Executor is safe for concurrent use. Retries of one request run
// sequentially on the caller's goroutine.
type Executor struct {
	d   Deps
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	history []Result

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(cfg Config, d Deps, log logx.Logger) *Executor {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	return &Executor{
		d:     d,
		log:   log,
		cfg:   cfg.withDefaults(),
		sleep: sleepCtx,
		now:   time.Now,
	}
}

func (e *Executor) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	if over := len(e.history) - cfg.HistorySize; over > 0 {
		e.history = append([]Result(nil), e.history[over:]...)
	}
}

func (e *Executor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Execute runs req to a terminal result. The error is non-nil only when the
// script could not be loaded.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	s, err := e.d.Scripts.Get(ctx, req.ScriptID)
	if err != nil {
		if errors.Is(err, userscript.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrScriptNotFound, req.ScriptID)
		}
		return Result{}, fmt.Errorf("load script %s: %w", req.ScriptID, err)
	}
	return e.ExecuteScript(ctx, s, req), nil
}

// ExecuteScript runs req against an already loaded script.
func (e *Executor) ExecuteScript(ctx context.Context, s userscript.Script, req Request) Result {
	s.Normalize()
	if req.Trigger.Mode == "" {
		req.Trigger.Mode = execctx.ModeManual
	}
	if req.Trigger.Source == "" {
		req.Trigger.Source = execctx.SourceUser
	}
	if req.Trigger.Timestamp.IsZero() {
		req.Trigger.Timestamp = e.now()
	}
	base := Result{ScriptID: s.ID, TabID: req.TabID, URL: req.URL, Trigger: req.Trigger}

	if !s.Enabled {
		return e.finish(base, StatusSkipped, string(execctx.ReasonDisabled))
	}

	// Validating
	if rep := e.d.Validator.Validate(s); !rep.OK {
		return e.rejectInvalid(ctx, s, req, base, rep)
	}

	// Matching
	if mr := e.d.Matcher.Matches(s, req.URL); !mr.Matches {
		r := base
		r.Reason = string(mr.Reason)
		msg := "url does not match any pattern"
		if mr.Reason == pattern.ReasonExclude {
			msg = "url excluded by " + mr.Pattern
		}
		return e.finish(r, StatusSkipped, msg)
	}

	// Gating
	ok, why := e.d.Contexts.Reserve(s, req.TabID)
	if !ok {
		switch {
		case req.Repeat && (why == execctx.ReasonAlreadyExecuted || why == execctx.ReasonInProgress):
		case why == execctx.ReasonNotReady:
			return e.deferRequest(s, req, base)
		default:
			r := base
			r.Reason = string(why)
			return e.finish(r, StatusSkipped, string(why))
		}
	}

	r := e.run(ctx, s, req, base)
	if ok && r.Status != StatusSucceeded {
		e.d.Contexts.Unreserve(s.ID, req.TabID)
	}
	return r
}

func (e *Executor) rejectInvalid(ctx context.Context, s userscript.Script, req Request, base Result, rep validator.Report) Result {
	cat := recovery.CategoryValidation
	if rep.SecurityLevel == validator.LevelDangerous {
		cat = recovery.CategorySecurity
	}
	msg := strings.Join(rep.Errors, "; ")
	c := execctx.Context{ScriptID: s.ID, TabID: req.TabID, URL: req.URL, Trigger: req.Trigger, Timestamp: e.now()}
	se := e.d.Recovery.Handle(recovery.WithCategory(errors.New(msg), cat), c, map[string]any{
		"risk_score":     rep.RiskScore,
		"security_level": string(rep.SecurityLevel),
	})
	e.d.Metrics.ScriptError(string(se.Category))
	e.applyFallback(ctx, s, se)

	r := base
	r.Error = se
	r.Reason = string(cat)
	return e.finish(r, StatusInvalid, msg)
}

func (e *Executor) deferRequest(s userscript.Script, req Request, base Result) Result {
	err := e.d.Contexts.Enqueue(req.TabID, execctx.Pending{
		ScriptID: s.ID,
		URL:      req.URL,
		RunAt:    s.RunAt,
		Trigger:  req.Trigger,
	})
	r := base
	r.Reason = string(execctx.ReasonNotReady)
	if err != nil {
		return e.finish(r, StatusSkipped, "document not ready and pending queue rejected request: "+err.Error())
	}
	r.CanRetry = true
	return e.finish(r, StatusDeferred, "queued until the document reaches "+string(s.RunAt))
}

func (e *Executor) run(ctx context.Context, s userscript.Script, req Request, base Result) Result {
	cfg := e.config()
	maxRetries := cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = max(*req.MaxRetries, 0)
	}

	c := e.d.Contexts.CreateContext(s, req.TabID, req.URL, 0, req.Trigger)
	c.MaxRetries = maxRetries
	c.Timeout = req.Timeout
	base.ExecutionID = c.ExecutionID
	start := e.now()

	log := e.log.With(
		logx.String("execution_id", c.ExecutionID),
		logx.String("script_id", s.ID),
		logx.String("tab_id", req.TabID),
	)

	var (
		se       *recovery.ScriptError
		value    any
		attempts int
	)
	for {
		if !e.d.Contexts.IsContextValid(c) {
			if se == nil {
				se = e.d.Recovery.Handle(recovery.NoRetry(recovery.WithCategory(errStaleContext, recovery.CategoryHostAPI)), c, nil)
			} else {
				log.Debug("execution context went stale; retries abandoned", logx.String("category", string(se.Category)))
			}
			break
		}
		if d := e.d.Governor.ShouldAllow(s.ID, req.TabID); !d.Allowed {
			e.d.Contexts.Release(c)
			r := base
			r.Reason = d.Reason
			r.Attempts = attempts
			r.RetryCount = c.RetryCount
			r.CanRetry = true
			r.ExecutionTime = e.now().Sub(start)
			if se != nil {
				r.Error = se
			}
			return e.finish(r, StatusBlocked, "execution blocked by governor: "+d.Reason)
		}

		attempts++
		var err error
		value, err = e.attempt(ctx, s, c)
		if err == nil {
			se = nil
			break
		}

		se = e.d.Recovery.Handle(err, c, map[string]any{"attempt": attempts})
		e.d.Metrics.ScriptError(string(se.Category))
		if !e.d.Recovery.ShouldRetry(se) {
			break
		}
		delay := e.d.Recovery.RetryDelay(se)
		log.Debug("execution retry scheduled",
			logx.Int("attempt", attempts+1),
			logx.Duration("delay", delay),
			logx.String("category", string(se.Category)),
		)
		if err := e.sleep(ctx, delay); err != nil {
			log.Debug("retry abandoned", logx.Err(err))
			break
		}
		// Validity is judged per attempt, not across the whole retry chain.
		c = c.WithRetry()
	}

	r := base
	r.Attempts = attempts
	r.RetryCount = c.RetryCount
	r.ExecutionTime = e.now().Sub(start)

	if se == nil {
		e.d.Contexts.MarkExecuted(c)
		if err := e.d.Scripts.RecordExecution(ctx, s.ID, e.now()); err != nil {
			log.Warn("record execution failed", logx.Err(err))
		}
		r.Value = value
		return e.finish(r, StatusSucceeded, "script executed")
	}

	e.d.Contexts.Release(c)
	e.applyFallback(ctx, s, se)
	r.Error = se
	r.Reason = string(se.Category)
	msg := se.Message
	if se.Hint != "" {
		msg += " (" + se.Hint + ")"
	}
	return e.finish(r, StatusFailed, msg)
}

type hostOutcome struct {
	res host.Result
	err error
}

// attempt performs one governed host run. The host runs on its own goroutine
// so the deadline fails the attempt even if the host ignores ctx; an
// abandoned run finishes in the background. Panics in the host become errors.
func (e *Executor) attempt(ctx context.Context, s userscript.Script, c execctx.Context) (value any, err error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.d.Governor.MaxExecutionTime()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h := e.d.Governor.StartMeasurement(c)
	defer func() {
		errType := ""
		if err != nil {
			errType = string(e.d.Recovery.Classify(err))
		}
		e.d.Governor.EndMeasurement(h, c, err == nil, errType)
	}()

	done := make(chan hostOutcome, 1)
	go func() {
		var out hostOutcome
		defer func() {
			if rec := recover(); rec != nil {
				out.err = fmt.Errorf("host panic: %v", rec)
				e.log.Error("host panic",
					logx.String("script_id", s.ID),
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())),
				)
			}
			done <- out
		}()
		out.res, out.err = e.d.Host.Run(runCtx, s.Code, c.TabID, c.World)
	}()

	var out hostOutcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		select {
		case out = <-done:
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("host run abandoned after deadline",
				logx.String("execution_id", c.ExecutionID),
				logx.String("script_id", s.ID),
				logx.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("%w after %s", recovery.ErrTimeout, timeout)
		}
	}
	if out.err == nil && runCtx.Err() != nil {
		// The host returned after the deadline without noticing it.
		out.err = fmt.Errorf("%w after %s", recovery.ErrTimeout, timeout)
	}
	return out.res.Value, out.err
}

func (e *Executor) applyFallback(ctx context.Context, s userscript.Script, se *recovery.ScriptError) {
	switch e.d.Recovery.FallbackFor(se) {
	case recovery.FallbackDisable:
		if err := e.d.Scripts.SetEnabled(ctx, s.ID, false); err != nil {
			e.log.Warn("disable script failed", logx.String("script_id", s.ID), logx.Err(err))
			return
		}
		e.log.Warn("script disabled", logx.String("script_id", s.ID), logx.String("category", string(se.Category)))
		e.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeScriptDisabled, Data: *se})
	case recovery.FallbackReport:
		e.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionReport, Data: *se})
	}
}

func (e *Executor) finish(r Result, st Status, msg string) Result {
	r.Status = st
	r.Success = st == StatusSucceeded
	r.Message = msg
	r.FinishedAt = e.now()

	e.mu.Lock()
	e.history = append(e.history, r)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append([]Result(nil), e.history[over:]...)
	}
	e.mu.Unlock()

	e.d.Metrics.Execution(string(st))
	e.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionFinished, Time: r.FinishedAt, Data: r})

	fields := []logx.Field{
		logx.String("script_id", r.ScriptID),
		logx.String("tab_id", r.TabID),
		logx.String("status", string(st)),
		logx.Int("attempts", r.Attempts),
		logx.Duration("dur", r.ExecutionTime),
	}
	switch st {
	case StatusFailed:
		e.log.Warn("execution failed", append(fields, logx.String("msg", msg))...)
	case StatusSucceeded:
		e.log.Info("execution finished", fields...)
	default:
		e.log.Debug("execution finished", append(fields, logx.String("msg", msg))...)
	}
	return r
}

// ExecuteForTab runs every requested script (or every enabled script whose
// patterns match url) on the tab. Each script runs independently.
func (e *Executor) ExecuteForTab(ctx context.Context, tabID, url string, scriptIDs []string, trig execctx.Trigger) ([]Result, error) {
	var scripts []userscript.Script
	if len(scriptIDs) == 0 {
		all, err := e.d.Scripts.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list scripts: %w", err)
		}
		for _, s := range all {
			if s.Enabled && e.d.Matcher.Matches(s, url).Matches {
				scripts = append(scripts, s)
			}
		}
	} else {
		for _, id := range scriptIDs {
			s, err := e.d.Scripts.Get(ctx, id)
			if err != nil {
				if errors.Is(err, userscript.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("load script %s: %w", id, err)
			}
			scripts = append(scripts, s)
		}
	}
	if trig.Mode == "" {
		trig.Mode = execctx.ModeNavigation
	}
	if trig.Source == "" {
		trig.Source = execctx.SourceSystem
	}

	results := make([]Result, len(scripts))
	sem := make(chan struct{}, e.config().BatchConcurrency)
	var wg sync.WaitGroup
	for i, s := range scripts {
		i, s := i, s
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.ExecuteScript(ctx, s, Request{ScriptID: s.ID, TabID: tabID, URL: url, Trigger: trig})
		}()
	}
	wg.Wait()
	return results, nil
}

// RunPending executes requests released from a tab's pending queue.
func (e *Executor) RunPending(ctx context.Context, tabID string, ps []execctx.Pending) []Result {
	out := make([]Result, 0, len(ps))
	for _, p := range ps {
		trig := p.Trigger
		if trig.Mode == "" {
			trig.Mode = execctx.ModePending
		}
		r, err := e.Execute(ctx, Request{ScriptID: p.ScriptID, TabID: tabID, URL: p.URL, Trigger: trig})
		if err != nil {
			e.log.Warn("pending execution dropped", logx.String("script_id", p.ScriptID), logx.String("tab_id", tabID), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out
}

// ProcessPending drains the tab's eligible pending requests and runs them.
func (e *Executor) ProcessPending(ctx context.Context, tabID string) []Result {
	return e.RunPending(ctx, tabID, e.d.Contexts.DrainReady(tabID))
}

// History returns up to limit most recent results, oldest first. limit <= 0
// returns everything retained.
func (e *Executor) History(limit int) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Result(nil), h...)
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{Total: len(e.history), ByStatus: map[Status]int{}}
	var ran int
	var total time.Duration
	for _, r := range e.history {
		st.ByStatus[r.Status]++
		st.TotalAttempts += r.Attempts
		st.TotalRetries += r.RetryCount
		if r.Attempts > 0 {
			ran++
			total += r.ExecutionTime
		}
		if r.FinishedAt.After(st.LastExecutionAt) {
			st.LastExecutionAt = r.FinishedAt
		}
	}
	if ran > 0 {
		st.AverageTime = total / time.Duration(ran)
		st.SuccessRate = float64(st.ByStatus[StatusSucceeded]) / float64(ran)
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
