// Package validator checks userscript metadata and statically scans source
// for dangerous, CSP-violating, remote-loading and leak-prone constructs.
package validator

type SecurityLevel string

const (
	LevelSafe      SecurityLevel = "safe"
	LevelWarning   SecurityLevel = "warning"
	LevelDangerous SecurityLevel = "dangerous"
)

// Category groups source rules. Each category contributes its weight to the
// risk score once, however many of its rules fire.
type Category string

const (
	CategoryDynamicCode Category = "dynamic_code"
	CategoryCSP         Category = "csp"
	CategoryRemoteCode  Category = "remote_code"
	CategoryUnsafe      Category = "unsafe_pattern"
	CategoryLeakRisk    Category = "leak_risk"
)

// Finding is one rule hit in the source.
type Finding struct {
	Category Category `json:"category"`
	Rule     string   `json:"rule"`
	Line     int      `json:"line"`
}

type Report struct {
	OK            bool          `json:"ok"`
	Errors        []string      `json:"errors,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	SecurityLevel SecurityLevel `json:"security_level,omitempty"`
	RiskScore     int           `json:"risk_score"`
	CSPCompliant  bool          `json:"csp_compliant"`
	SanitizedCode string        `json:"sanitized_code,omitempty"`
	Findings      []Finding     `json:"findings,omitempty"`
}

func (r *Report) addError(msg string) { r.Errors = append(r.Errors, msg) }
func (r *Report) addWarning(msg string) { r.Warnings = append(r.Warnings, msg) }
func (r *Report) merge(other Report) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

type Config struct {
	MaxNameLength int
	MaxCodeSize   int
	// RiskWarningThreshold is the score above which a script without hard
	// violations is reported at warning level.
	RiskWarningThreshold int
}

const (
	DefaultMaxNameLength        = 100
	DefaultMaxCodeSize          = 1 << 20
	DefaultRiskWarningThreshold = 30
)

func (c Config) withDefaults() Config {
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = DefaultMaxNameLength
	}
	if c.MaxCodeSize <= 0 {
		c.MaxCodeSize = DefaultMaxCodeSize
	}
	if c.RiskWarningThreshold <= 0 {
		c.RiskWarningThreshold = DefaultRiskWarningThreshold
	}
	return c
}
