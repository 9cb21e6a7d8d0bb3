package config

// Config is the on-disk configuration of userscriptd.
//
// Every duration is a Go duration string ("500ms", "30s", "1m").
// Omitted or zero values fall back to the component defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Patterns  PatternsConfig  `json:"patterns"`
	Validator ValidatorConfig `json:"validator"`
	Execution ExecutionConfig `json:"execution"`
	Governor  GovernorConfig  `json:"governor"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Host      HostConfig      `json:"host"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "console" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend for scripts, schedules and
// armed alarms. A nil section means the in-memory driver.
//
//	"storage": { "driver": "sqlite", "path": "./data/userscriptd.sqlite" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

type PatternsConfig struct {
	CacheSize int `json:"cache_size,omitempty"`
	MaxLength int `json:"max_length,omitempty"`
}

type ValidatorConfig struct {
	MaxNameLength int `json:"max_name_length,omitempty"`
	MaxCodeSize   int `json:"max_code_size,omitempty"`
}

// ExecutionConfig controls the executor and the per-tab context manager.
type ExecutionConfig struct {
	HistorySize       int    `json:"history_size,omitempty"`
	DefaultMaxRetries *int   `json:"default_max_retries,omitempty"`
	MaxContexts       int    `json:"max_contexts,omitempty"`
	MaxTabs           int    `json:"max_tabs,omitempty"`
	TabQueueSize      int    `json:"tab_queue_size,omitempty"`
	SweepInterval     string `json:"sweep_interval,omitempty"`
}

type GovernorConfig struct {
	MaxExecutionTime     string  `json:"max_execution_time,omitempty"`
	MaxMemoryMB          int     `json:"max_memory_mb,omitempty"`
	MaxConcurrentPerTab  int     `json:"max_concurrent_per_tab,omitempty"`
	MaxExecutionsPerHour int     `json:"max_executions_per_hour,omitempty"`
	MetricsHistory       int     `json:"metrics_history,omitempty"`
	WarningsHistory      int     `json:"warnings_history,omitempty"`
	Retention            string  `json:"retention,omitempty"`
	TimeWeight           float64 `json:"time_weight,omitempty"`
	SuccessWeight        float64 `json:"success_weight,omitempty"`
	// WarnLogRate caps repeated warning logs per second.
	WarnLogRate float64 `json:"warn_log_rate,omitempty"`
}

// RecoveryConfig overrides the per-category recovery policy table.
//
//	"recovery": { "policies": { "network": { "max_retries": 5, "base_delay": "10s" } } }
type RecoveryConfig struct {
	HistorySize   int                     `json:"history_size,omitempty"`
	MaxRetryDelay string                  `json:"max_retry_delay,omitempty"`
	Policies      map[string]PolicyConfig `json:"policies,omitempty"`
}

type PolicyConfig struct {
	Retryable  *bool  `json:"retryable,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	Fallback   string `json:"fallback,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone used by cron and conditional schedules that don't set their own.
	Timezone               string `json:"timezone,omitempty"`
	MinInterval            string `json:"min_interval,omitempty"`
	MaxRetries             int    `json:"max_retries,omitempty"`
	MaxTimeout             string `json:"max_timeout,omitempty"`
	MaxNameLength          int    `json:"max_name_length,omitempty"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"`
}

type HostConfig struct {
	PoolSize int  `json:"pool_size,omitempty"`
	Console  bool `json:"console,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (/metrics, /healthz, pprof).
//
// Prefer binding to loopback. A non-loopback address needs a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
