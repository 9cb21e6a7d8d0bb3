package pattern

import (
	"errors"
	"regexp"
)

var (
	ErrEmpty         = errors.New("pattern is empty")
	ErrTooLong       = errors.New("pattern exceeds maximum length")
	ErrUnsafe        = errors.New("pattern contains nested quantifiers")
	ErrMalformed     = errors.New("malformed pattern")
	ErrUnknownKind   = errors.New("unknown pattern kind")
	ErrInvalidScheme = errors.New("unsupported scheme in match pattern")
)

type Kind string

const (
	KindMatch   Kind = "match"
	KindInclude Kind = "include"
	KindExclude Kind = "exclude"
)

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// CompiledPattern is an immutable compiled pattern. It is shared between
// callers through the cache.
type CompiledPattern struct {
	Raw         string
	Kind        Kind
	Normalized  string
	Regex       *regexp.Regexp
	Complexity  Complexity
	Score       int
	HasWildcard bool
}

func (p *CompiledPattern) MatchString(url string) bool {
	return p != nil && p.Regex.MatchString(url)
}

// Validation is the outcome of Validate. Err is nil iff OK.
type Validation struct {
	OK         bool   `json:"ok"`
	Normalized string `json:"normalized,omitempty"`
	Complexity string `json:"complexity,omitempty"`
	Warning    string `json:"warning,omitempty"`
	Err        error  `json:"-"`
}

type Reason string

const (
	ReasonExclude   Reason = "exclude"
	ReasonInclude   Reason = "include"
	ReasonMatch     Reason = "match"
	ReasonNoPattern Reason = "no_pattern"
)

type MatchResult struct {
	Matches bool   `json:"matches"`
	Reason  Reason `json:"reason"`
	Pattern string `json:"pattern,omitempty"`
}

type Config struct {
	CacheSize int
	MaxLength int
}

const (
	DefaultCacheSize = 500
	DefaultMaxLength = 2000
)

func (c Config) withDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	return c
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}
