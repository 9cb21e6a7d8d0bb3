// Package executor runs one execution request through validation, pattern
// matching, readiness gating and the governed, retrying host run.
package executor

import (
	"errors"
	"time"

	"userscriptd/internal/execctx"
	"userscriptd/internal/recovery"
)

var ErrScriptNotFound = errors.New("script not found")

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusBlocked is a governor denial. It is never retried.
	StatusBlocked Status = "blocked"
	// StatusSkipped covers disabled scripts, pattern misses and the
	// once-per-navigation guard.
	StatusSkipped Status = "skipped"
	// StatusDeferred means the request waits in the tab's pending queue.
	StatusDeferred Status = "deferred"
	StatusInvalid  Status = "invalid"
)

// Request is one logical execution.
type Request struct {
	ScriptID string
	TabID    string
	URL      string
	Trigger  execctx.Trigger
	// MaxRetries overrides the default when non-nil.
	MaxRetries *int
	// Timeout overrides the per-attempt limit when > 0.
	Timeout time.Duration
	// Repeat bypasses the once-per-navigation guard. Scheduled fires set it.
	Repeat bool
}

type Result struct {
	Status        Status                `json:"status"`
	Success       bool                  `json:"success"`
	Message       string                `json:"message"`
	Reason        string                `json:"reason,omitempty"`
	Error         *recovery.ScriptError `json:"error,omitempty"`
	Value         any                   `json:"value,omitempty"`
	ExecutionTime time.Duration         `json:"execution_time"`
	RetryCount    int                   `json:"retry_count"`
	Attempts      int                   `json:"attempts"`
	CanRetry      bool                  `json:"can_retry"`
	ExecutionID   string                `json:"execution_id,omitempty"`
	ScriptID      string                `json:"script_id"`
	TabID         string                `json:"tab_id"`
	URL           string                `json:"url,omitempty"`
	Trigger       execctx.Trigger       `json:"trigger"`
	FinishedAt    time.Time             `json:"finished_at"`
}

type Config struct {
	HistorySize int
	// DefaultMaxRetries applies when a request carries no override. Zero
	// disables retries.
	DefaultMaxRetries int
	// BatchConcurrency bounds parallel runs in ExecuteForTab.
	BatchConcurrency int
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 500
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 4
	}
	return c
}

type Stats struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"by_status"`
	SuccessRate     float64        `json:"success_rate"`
	AverageTime     time.Duration  `json:"average_time"`
	TotalAttempts   int            `json:"total_attempts"`
	TotalRetries    int            `json:"total_retries"`
	LastExecutionAt time.Time      `json:"last_execution_at,omitempty"`
}
