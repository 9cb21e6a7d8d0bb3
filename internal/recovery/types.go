// Package recovery classifies execution failures, assigns severity and
// decides retryability, backoff and the fallback action.
package recovery

import (
	"time"

	"userscriptd/internal/execctx"
)

type Category string

const (
	CategoryValidation Category = "validation"
	CategorySecurity   Category = "security"
	CategoryExecution  Category = "execution"
	CategoryTimeout    Category = "timeout"
	CategoryPermission Category = "permission"
	CategoryNetwork    Category = "network"
	CategoryMemory     Category = "memory"
	CategoryHostAPI    Category = "host_api"
	CategoryUnknown    Category = "unknown"
)

// Categories lists every category in classification order.
var Categories = []Category{
	CategoryValidation, CategorySecurity, CategoryExecution, CategoryTimeout,
	CategoryPermission, CategoryNetwork, CategoryMemory, CategoryHostAPI, CategoryUnknown,
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severities = map[Category]Severity{
	CategorySecurity:   SeverityCritical,
	CategoryMemory:     SeverityCritical,
	CategoryValidation: SeverityHigh,
	CategoryPermission: SeverityHigh,
	CategoryExecution:  SeverityMedium,
	CategoryTimeout:    SeverityMedium,
	CategoryNetwork:    SeverityLow,
	CategoryHostAPI:    SeverityLow,
}

// SeverityOf maps a category to its alerting severity.
func SeverityOf(c Category) Severity {
	if s, ok := severities[c]; ok {
		return s
	}
	return SeverityMedium
}

// Fallback is what happens after the final failed attempt.
type Fallback string

const (
	FallbackSkip    Fallback = "skip"
	FallbackDisable Fallback = "disable"
	FallbackReport  Fallback = "report"
)

type Policy struct {
	Retryable  bool          `json:"retryable"`
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	Fallback   Fallback      `json:"fallback"`
}

// DefaultPolicies returns a fresh copy of the built-in policy table.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryValidation: {Fallback: FallbackDisable},
		CategorySecurity:   {Fallback: FallbackDisable},
		CategoryMemory:     {Fallback: FallbackDisable},
		CategoryExecution:  {Retryable: true, MaxRetries: 3, BaseDelay: time.Second, Fallback: FallbackSkip},
		CategoryTimeout:    {Retryable: true, MaxRetries: 2, BaseDelay: 2 * time.Second, Fallback: FallbackSkip},
		CategoryPermission: {Fallback: FallbackReport},
		CategoryNetwork:    {Retryable: true, MaxRetries: 3, BaseDelay: 5 * time.Second, Fallback: FallbackSkip},
		CategoryHostAPI:    {Retryable: true, MaxRetries: 2, BaseDelay: time.Second, Fallback: FallbackSkip},
		CategoryUnknown:    {Retryable: true, MaxRetries: 1, BaseDelay: time.Second, Fallback: FallbackSkip},
	}
}

// ScriptError is a classified failure. It is never mutated after Handle
// returns it.
type ScriptError struct {
	ID        string          `json:"id"`
	Category  Category        `json:"category"`
	Severity  Severity        `json:"severity"`
	Retryable bool            `json:"retryable"`
	Message   string          `json:"message"`
	Hint      string          `json:"hint,omitempty"`
	Context   execctx.Context `json:"context"`
	Extra     map[string]any  `json:"extra,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	cause error
}

func (e *ScriptError) Error() string { return string(e.Category) + ": " + e.Message }

func (e *ScriptError) Unwrap() error { return e.cause }

type Config struct {
	HistorySize   int
	MaxRetryDelay time.Duration
	// Policies replaces entries of the default table; missing categories keep
	// their defaults.
	Policies map[Category]Policy
	Rules    []Rule
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 500
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules()
	}
	return c
}

type Stats struct {
	Total      int              `json:"total"`
	Retryable  int              `json:"retryable"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
}
