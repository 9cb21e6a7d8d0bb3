package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"userscriptd/internal/recovery"
	"userscriptd/internal/userscript"
)

// runtime is one goja VM. It is not safe for concurrent use; the pool hands
// each one to a single caller at a time.
type runtime struct {
	cfg Config
	vm  *goja.Runtime

	mu      sync.Mutex
	console []LogEntry
}

func newRuntime(cfg Config) *runtime {
	r := &runtime{cfg: cfg}
	r.reset()
	return r
}

func (r *runtime) reset() {
	r.vm = goja.New()
	r.vm.SetMaxCallStackSize(r.cfg.MaxCallStack)
	r.mu.Lock()
	r.console = nil
	r.mu.Unlock()
	r.setupGlobals()
}

func (r *runtime) setupGlobals() {
	for _, name := range []string{"require", "process", "module", "exports"} {
		_ = r.vm.Set(name, goja.Undefined())
	}
	console := r.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, r.consoleFunc(level))
	}
	_ = r.vm.Set("console", console)

	// Timers never fire in a one-shot run.
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"setTimeout", "setInterval", "clearTimeout", "clearInterval"} {
		_ = r.vm.Set(name, noop)
	}
}

func (r *runtime) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if !r.cfg.Console {
			return goja.Undefined()
		}
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		r.mu.Lock()
		if len(r.console) < r.cfg.MaxConsoleLog {
			r.console = append(r.console, LogEntry{Level: level, Message: strings.Join(parts, " "), Time: time.Now()})
		}
		r.mu.Unlock()
		return goja.Undefined()
	}
}

func (r *runtime) run(ctx context.Context, code, tabID string, world userscript.World) (res Result, err error) {
	start := time.Now()
	_ = r.vm.Set("__tabId", tabID)
	_ = r.vm.Set("__world", string(world))

	// The watcher must be gone before the runtime returns to the pool, or a
	// late cancel would interrupt the next caller's script.
	vm := r.vm
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-exited
		vm.ClearInterrupt()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("host panic: %v", rec)
		}
		res.Duration = time.Since(start)
		r.mu.Lock()
		res.Console = append([]LogEntry(nil), r.console...)
		r.mu.Unlock()
	}()

	val, err := vm.RunString(code)
	if err != nil {
		return res, translate(ctx, err)
	}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		res.Value = val.Export()
	}
	return res, nil
}

// translate maps goja failures onto the error types the recovery classifier
// understands.
func translate(ctx context.Context, err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", recovery.ErrTimeout, ie.Value())
		}
		return fmt.Errorf("script interrupted: %v", ie.Value())
	}
	var so *goja.StackOverflowError
	if errors.As(err, &so) || strings.Contains(err.Error(), "Maximum call stack size exceeded") {
		return fmt.Errorf("%w: %s", recovery.ErrMemoryLimit, err.Error())
	}
	var ce *goja.CompilerSyntaxError
	if errors.As(err, &ce) {
		return recovery.WithCategory(err, recovery.CategoryValidation)
	}
	return err
}
