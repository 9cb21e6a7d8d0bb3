// Package host runs script code. The executor only sees the Host interface;
// Pool is the in-process implementation backed by goja.
package host

import (
	"context"
	"errors"
	"time"

	"userscriptd/internal/userscript"
)

var ErrClosed = errors.New("host is closed")

type Host interface {
	Run(ctx context.Context, code, tabID string, world userscript.World) (Result, error)
}

// Func adapts a plain function to Host.
type Func func(ctx context.Context, code, tabID string, world userscript.World) (Result, error)

func (f Func) Run(ctx context.Context, code, tabID string, world userscript.World) (Result, error) {
	return f(ctx, code, tabID, world)
}

type Result struct {
	Value    any           `json:"value,omitempty"`
	Console  []LogEntry    `json:"console,omitempty"`
	Duration time.Duration `json:"duration"`
}

type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type Config struct {
	// PoolSize bounds how many scripts run at once.
	PoolSize      int
	Console       bool
	MaxCallStack  int
	AcquireWait   time.Duration
	MaxConsoleLog int
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MaxCallStack <= 0 {
		c.MaxCallStack = 1024
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = 5 * time.Second
	}
	if c.MaxConsoleLog <= 0 {
		c.MaxConsoleLog = 200
	}
	return c
}
