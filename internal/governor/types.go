// Package governor records execution metrics, enforces concurrency, rate and
// resource ceilings and raises performance warnings.
package governor

import "time"

type Config struct {
	MaxExecutionTime     time.Duration
	MaxMemoryBytes       uint64
	MaxConcurrentPerTab  int
	MaxExecutionsPerHour int

	MetricsHistory  int
	WarningsHistory int
	Retention       time.Duration

	// AverageWindow is the number of recent executions a script's rolling
	// averages and failure rate are computed over.
	AverageWindow        int
	MinFailureSamples    int
	FailureRateThreshold float64
	CriticalFailureRate  float64

	TimeWeight    float64
	SuccessWeight float64

	// WarnLogRate caps warning log lines per second; excess warnings are
	// still recorded.
	WarnLogRate float64

	// MemorySampler returns the current heap size. Defaults to
	// runtime.MemStats.HeapAlloc.
	MemorySampler func() uint64
}

const (
	DefaultMaxExecutionTime     = 30 * time.Second
	DefaultMaxMemoryBytes       = 100 << 20
	DefaultMaxConcurrentPerTab  = 10
	DefaultMaxExecutionsPerHour = 1000
)

func (c Config) withDefaults() Config {
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if c.MaxConcurrentPerTab <= 0 {
		c.MaxConcurrentPerTab = DefaultMaxConcurrentPerTab
	}
	if c.MaxExecutionsPerHour <= 0 {
		c.MaxExecutionsPerHour = DefaultMaxExecutionsPerHour
	}
	if c.MetricsHistory <= 0 {
		c.MetricsHistory = 1000
	}
	if c.WarningsHistory <= 0 {
		c.WarningsHistory = 500
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.AverageWindow <= 0 {
		c.AverageWindow = 20
	}
	if c.MinFailureSamples <= 0 {
		c.MinFailureSamples = 5
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.CriticalFailureRate <= 0 {
		c.CriticalFailureRate = 0.8
	}
	if c.TimeWeight <= 0 && c.SuccessWeight <= 0 {
		c.TimeWeight, c.SuccessWeight = 0.7, 0.3
	}
	if c.WarnLogRate <= 0 {
		c.WarnLogRate = 1
	}
	return c
}

// Decision is the outcome of ShouldAllow.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Denial reasons.
const (
	DenyTabConcurrency = "tab_concurrency"
	DenyHourlyLimit    = "hourly_limit"
	DenySlowScript     = "slow_script"
	DenyMemoryHungry   = "memory_hungry"
)

// Handle identifies a running measurement.
type Handle struct {
	id       uint64
	ScriptID string
	TabID    string
	Start    time.Time
	memStart uint64
}

type Metric struct {
	ExecutionID string        `json:"execution_id"`
	ScriptID    string        `json:"script_id"`
	TabID       string        `json:"tab_id"`
	Start       time.Time     `json:"start"`
	Duration    time.Duration `json:"duration"`
	MemoryBytes uint64        `json:"memory_bytes"`
	Success     bool          `json:"success"`
	ErrorType   string        `json:"error_type,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

type WarningKind string

const (
	WarnExecutionTime WarningKind = "execution_time"
	WarnMemory        WarningKind = "memory"
	WarnFailureRate   WarningKind = "failure_rate"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Warning struct {
	Kind      WarningKind `json:"kind"`
	Severity  Severity    `json:"severity"`
	ScriptID  string      `json:"script_id"`
	TabID     string      `json:"tab_id,omitempty"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// ScriptPerformance aggregates the retained metrics of one script.
type ScriptPerformance struct {
	ScriptID         string        `json:"script_id"`
	Executions       int           `json:"executions"`
	Failures         int           `json:"failures"`
	SuccessRate      float64       `json:"success_rate"`
	AverageDuration  time.Duration `json:"average_duration"`
	AverageMemory    uint64        `json:"average_memory"`
	Score            float64       `json:"score"`
	MemoryEfficiency float64       `json:"memory_efficiency"`
}

type Stats struct {
	Running            int                 `json:"running"`
	ExecutionsLastHour int                 `json:"executions_last_hour"`
	Metrics            int                 `json:"metrics"`
	Warnings           int                 `json:"warnings"`
	SuppressedLogs     uint64              `json:"suppressed_logs"`
	Scripts            []ScriptPerformance `json:"scripts,omitempty"`
}
