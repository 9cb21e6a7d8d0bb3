package scheduler

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrInvalid  = errors.New("invalid schedule")
	// ErrConflict is returned when the schedule's status does not allow the
	// operation.
	ErrConflict = errors.New("schedule state conflict")
	// ErrInfrastructure wraps store and timer failures. Persisted state is
	// left as it was before the call.
	ErrInfrastructure = errors.New("scheduler infrastructure failure")
)

type Mode string

const (
	ModeOnce        Mode = "once"
	ModeInterval    Mode = "interval"
	ModeCron        Mode = "cron"
	ModeConditional Mode = "conditional"
	ModeEvent       Mode = "event"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeOnce, ModeInterval, ModeCron, ModeConditional, ModeEvent:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusDisabled  Status = "disabled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

type OnceConfig struct {
	ExecuteAt time.Time `json:"execute_at"`
}

type IntervalConfig struct {
	Every Duration `json:"every"`
	// Jitter adds a uniform random delay in [0, Jitter] to each fire.
	Jitter Duration  `json:"jitter,omitempty"`
	Start  time.Time `json:"start,omitempty"`
	// End expires the schedule once the next fire would pass it.
	End time.Time `json:"end,omitempty"`
}

type CronConfig struct {
	Expr string `json:"expr"`
	// Timezone overrides the scheduler's default location.
	Timezone string `json:"timezone,omitempty"`
}

type ConditionKind string

const (
	CondTimeWindow ConditionKind = "time_window"
	CondDaysOfWeek ConditionKind = "days_of_week"
	CondURLOpen    ConditionKind = "url_open"
	CondCustom     ConditionKind = "custom"
)

type Condition struct {
	Kind ConditionKind `json:"kind"`
	// time_window: HH:MM bounds in the schedule's location. End before Start
	// wraps past midnight.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	// days_of_week: 0 = Sunday.
	Days []int `json:"days,omitempty"`
	// url_open: holds while any tracked tab's URL matches.
	URLPattern string `json:"url_pattern,omitempty"`
	// custom: name of an evaluator registered with RegisterCondition.
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

type ConditionalConfig struct {
	Conditions    []Condition `json:"conditions"`
	CheckInterval Duration    `json:"check_interval,omitempty"`
}

// Tab lifecycle event types delivered by the daemon.
const (
	EventTabNavigated = "tab_navigated"
	EventTabLoaded    = "tab_loaded"
	EventTabClosed    = "tab_closed"
)

type EventConfig struct {
	Type       string `json:"type"`
	URLPattern string `json:"url_pattern,omitempty"`
}

type RetryPolicy struct {
	MaxRetries int `json:"max_retries"`
	// Backoff pushes the next fire of a recurring schedule at least this far
	// out after a failed fire.
	Backoff Duration `json:"backoff,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

// Target pins fires to one tab. Without it every tracked tab is a candidate.
type Target struct {
	TabID string `json:"tab_id,omitempty"`
	URL   string `json:"url,omitempty"`
}

type Schedule struct {
	ID       string `json:"id"`
	ScriptID string `json:"script_id"`
	Name     string `json:"name"`
	Mode     Mode   `json:"mode"`

	Once        *OnceConfig        `json:"once,omitempty"`
	Interval    *IntervalConfig    `json:"interval,omitempty"`
	Cron        *CronConfig        `json:"cron,omitempty"`
	Conditional *ConditionalConfig `json:"conditional,omitempty"`
	Event       *EventConfig       `json:"event,omitempty"`

	Status Status      `json:"status"`
	Retry  RetryPolicy `json:"retry"`
	Target Target      `json:"target,omitempty"`

	NextExecution  *time.Time `json:"next_execution,omitempty"`
	LastExecution  *time.Time `json:"last_execution,omitempty"`
	ExecutionCount int        `json:"execution_count"`
	// FailureCount counts consecutive failed fires.
	FailureCount int       `json:"failure_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s Schedule) clone() Schedule {
	c := s
	if s.Once != nil {
		v := *s.Once
		c.Once = &v
	}
	if s.Interval != nil {
		v := *s.Interval
		c.Interval = &v
	}
	if s.Cron != nil {
		v := *s.Cron
		c.Cron = &v
	}
	if s.Conditional != nil {
		v := *s.Conditional
		v.Conditions = append([]Condition(nil), s.Conditional.Conditions...)
		c.Conditional = &v
	}
	if s.Event != nil {
		v := *s.Event
		c.Event = &v
	}
	if s.NextExecution != nil {
		v := *s.NextExecution
		c.NextExecution = &v
	}
	if s.LastExecution != nil {
		v := *s.LastExecution
		c.LastExecution = &v
	}
	return c
}

// Validation is the result of ValidateConfig.
type Validation struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (v *Validation) errorf(msg string) { v.Errors = append(v.Errors, msg) }

func (v *Validation) warnf(msg string) { v.Warnings = append(v.Warnings, msg) }

// ValidationError carries the full Validation of a rejected schedule.
type ValidationError struct {
	Validation Validation
}

func (e *ValidationError) Error() string {
	return "invalid schedule: " + strings.Join(e.Validation.Errors, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

type Filter struct {
	ScriptID string
	Status   Status
	Mode     Mode
}

func (f Filter) match(s Schedule) bool {
	return (f.ScriptID == "" || f.ScriptID == s.ScriptID) &&
		(f.Status == "" || f.Status == s.Status) &&
		(f.Mode == "" || f.Mode == s.Mode)
}

// Event is delivered to event-mode schedules.
type Event struct {
	Type  string         `json:"type"`
	TabID string         `json:"tab_id,omitempty"`
	URL   string         `json:"url,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// FireReport summarizes one fire.
type FireReport struct {
	ScheduleID string    `json:"schedule_id"`
	ScriptID   string    `json:"script_id"`
	Mode       Mode      `json:"mode"`
	Source     string    `json:"source"`
	Outcome    string    `json:"outcome"`
	Runs       int       `json:"runs"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Message    string    `json:"message,omitempty"`
	FiredAt    time.Time `json:"fired_at"`
}

// Fire outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeSkipped     = "skipped"
	OutcomeConditionNo = "conditions_unmet"
)

type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	ByMode     map[Mode]int   `json:"by_mode"`
	Executions int            `json:"executions"`
	Failing    int            `json:"failing"`
	Running    int            `json:"running"`
	NextFire   *time.Time     `json:"next_fire,omitempty"`
	Armed      int            `json:"armed"`
}

type Config struct {
	Enabled  bool
	Timezone string
	// MinInterval is the floor for interval and check periods.
	MinInterval            time.Duration
	MaxRetries             int
	MaxTimeout             time.Duration
	MaxNameLength          int
	MaxConsecutiveFailures int
	DefaultCheckInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Minute
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = 100
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.DefaultCheckInterval <= 0 {
		c.DefaultCheckInterval = time.Minute
	}
	return c
}
