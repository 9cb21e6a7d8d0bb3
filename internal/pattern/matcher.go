package pattern

import (
	"errors"
	"sync"

	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

// Matcher compiles and caches patterns. Safe for concurrent use.
type Matcher struct {
	log logx.Logger

	mu    sync.Mutex
	cfg   Config
	cache *fifoCache
}

func New(cfg Config, log logx.Logger) *Matcher {
	cfg = cfg.withDefaults()
	return &Matcher{log: log, cfg: cfg, cache: newFIFOCache(cfg.CacheSize)}
}

// SetConfig applies new limits. Shrinking the cache evicts the oldest entries.
func (m *Matcher) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.cache.resize(cfg.CacheSize)
	m.mu.Unlock()
}

// Compile returns the cached compiled form of raw, compiling it on a miss.
func (m *Matcher) Compile(raw string, kind Kind) (*CompiledPattern, error) {
	key := cacheKey{kind: kind, raw: raw}
	m.mu.Lock()
	if p, ok := m.cache.get(key); ok {
		m.mu.Unlock()
		return p, nil
	}
	maxLen := m.cfg.MaxLength
	m.mu.Unlock()

	if err := screen(raw, maxLen); err != nil {
		return nil, err
	}
	p, err := compile(raw, kind)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache.put(key, p)
	m.mu.Unlock()
	return p, nil
}

// Validate reports whether raw is usable as a pattern of the given kind.
// High complexity patterns are accepted with a warning.
func (m *Matcher) Validate(raw string, kind Kind) Validation {
	p, err := m.Compile(raw, kind)
	if err != nil {
		return Validation{OK: false, Err: err}
	}
	v := Validation{OK: true, Normalized: p.Normalized, Complexity: string(p.Complexity)}
	switch {
	case p.Complexity == ComplexityHigh:
		v.Warning = "pattern is complex and may be slow to match"
	case raw == allURLs || raw == "*://*/*" || raw == "*":
		v.Warning = "pattern matches every URL"
	}
	return v
}

// Matches decides whether script applies to url. Excludes are checked first
// and win over everything; then match patterns, then includes. Invalid
// patterns are skipped.
func (m *Matcher) Matches(s userscript.Script, url string) MatchResult {
	for _, raw := range s.Excludes {
		if m.test(raw, KindExclude, url) {
			return MatchResult{Matches: false, Reason: ReasonExclude, Pattern: raw}
		}
	}
	for _, raw := range s.Matches {
		if m.test(raw, KindMatch, url) {
			return MatchResult{Matches: true, Reason: ReasonMatch, Pattern: raw}
		}
	}
	for _, raw := range s.Includes {
		if m.test(raw, KindInclude, url) {
			return MatchResult{Matches: true, Reason: ReasonInclude, Pattern: raw}
		}
	}
	return MatchResult{Matches: false, Reason: ReasonNoPattern}
}

// MatchURL tests a single pattern. A match-pattern syntax is tried first and
// a glob second, so callers can take either form.
func (m *Matcher) MatchURL(raw, url string) (bool, error) {
	p, err := m.Compile(raw, KindMatch)
	if err != nil {
		if errors.Is(err, ErrUnsafe) || errors.Is(err, ErrTooLong) || errors.Is(err, ErrEmpty) {
			return false, err
		}
		if p, err = m.Compile(raw, KindInclude); err != nil {
			return false, err
		}
	}
	return p.MatchString(url), nil
}

func (m *Matcher) test(raw string, kind Kind, url string) bool {
	p, err := m.Compile(raw, kind)
	if err != nil {
		m.log.Debug("skipping invalid pattern", logx.String("pattern", raw), logx.String("kind", string(kind)), logx.Err(err))
		return false
	}
	return p.MatchString(url)
}

func (m *Matcher) CacheStats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CacheStats{
		Size:      m.cache.len(),
		Capacity:  m.cache.cap,
		Hits:      m.cache.hits,
		Misses:    m.cache.misses,
		Evictions: m.cache.evictions,
	}
}
