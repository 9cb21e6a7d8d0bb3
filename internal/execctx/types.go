// Package execctx tracks per-tab document lifecycle, the set of scripts
// already run in the current navigation, and the per-tab queue of requests
// waiting for the document to become ready.
package execctx

import (
	"errors"
	"time"

	"userscriptd/internal/userscript"
)

var (
	ErrQueueFull  = errors.New("tab pending queue is full")
	ErrUnknownTab = errors.New("unknown tab")
)

// Trigger sources.
const (
	SourceSystem = "system"
	SourceUser   = "user"
)

// Trigger modes that aren't schedule modes.
const (
	ModeManual     = "manual"
	ModeNavigation = "navigation"
	ModePending    = "pending"
)

type Trigger struct {
	Mode      string    `json:"mode"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Context describes one logical execution request. It is a value: retries
// derive a copy through WithRetry and keep the ExecutionID. Timestamp is when
// the current attempt was requested.
type Context struct {
	ExecutionID string           `json:"execution_id"`
	ScriptID    string           `json:"script_id"`
	TabID       string           `json:"tab_id"`
	URL         string           `json:"url"`
	Timestamp   time.Time        `json:"timestamp"`
	RunAt       userscript.RunAt `json:"run_at"`
	World       userscript.World `json:"world"`
	RetryCount  int              `json:"retry_count"`
	MaxRetries  int              `json:"max_retries"`
	Trigger     Trigger          `json:"trigger"`
	// Timeout overrides the per-attempt limit when > 0.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (c Context) WithRetry() Context {
	c.RetryCount++
	c.Timestamp = time.Now()
	return c
}

type TabStatus string

const (
	StatusLoading  TabStatus = "loading"
	StatusComplete TabStatus = "complete"
)

// TabEvent is one entry of the tab lifecycle feed.
type TabEvent struct {
	TabID  string    `json:"tab_id"`
	URL    string    `json:"url"`
	Status TabStatus `json:"status"`
	Ready  bool      `json:"ready"`
}

// Pending is a request deferred until the tab reaches the script's run-at
// point.
type Pending struct {
	ScriptID string           `json:"script_id"`
	URL      string           `json:"url"`
	RunAt    userscript.RunAt `json:"run_at"`
	Trigger  Trigger          `json:"trigger"`
	QueuedAt time.Time        `json:"queued_at"`
}

// TabState is a snapshot of one tab.
type TabState struct {
	TabID      string    `json:"tab_id"`
	URL        string    `json:"url"`
	Status     TabStatus `json:"status"`
	Ready      bool      `json:"ready"`
	Navigation uint64    `json:"navigation"`
	Executed   []string  `json:"executed,omitempty"`
	Pending    []Pending `json:"pending,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Reason explains a ShouldExecute decision.
type Reason string

const (
	ReasonEligible        Reason = "eligible"
	ReasonAlreadyExecuted Reason = "already executed"
	ReasonNotReady        Reason = "document not ready"
	ReasonDisabled        Reason = "script disabled"
	ReasonInProgress      Reason = "execution in progress"
)

type Config struct {
	MaxExecutionTime  time.Duration
	MaxContexts       int
	MaxContextsPerTab int
	MaxTabs           int
	TabQueueSize      int
	StaleTabAfter     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = 30 * time.Second
	}
	if c.MaxContexts <= 0 {
		c.MaxContexts = 1000
	}
	if c.MaxContextsPerTab <= 0 {
		c.MaxContextsPerTab = 50
	}
	if c.MaxTabs <= 0 {
		c.MaxTabs = 500
	}
	if c.TabQueueSize <= 0 {
		c.TabQueueSize = 50
	}
	if c.StaleTabAfter <= 0 {
		c.StaleTabAfter = time.Hour
	}
	return c
}

type Stats struct {
	Tabs     int `json:"tabs"`
	Contexts int `json:"contexts"`
	Pending  int `json:"pending"`
}
