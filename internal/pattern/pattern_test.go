package pattern

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

func newMatcher(size int) *Matcher {
	return New(Config{CacheSize: size}, logx.Nop())
}

func TestMatchPatterns(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	cases := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"*://example.com/*", "https://example.com/a/b", true},
		{"*://example.com/*", "http://example.com/", true},
		{"*://example.com/*", "ftp://example.com/", false},
		{"https://*.example.com/*", "https://example.com/x", true},
		{"https://*.example.com/*", "https://a.b.example.com/x", true},
		{"https://*.example.com/*", "https://badexample.com/x", false},
		{"https://example.com/app/*", "https://example.com/other", false},
		{"https://example.com/*", "https://example.com:8443/x", true},
		{"*://*/*", "https://anything.test/", true},
		{"<all_urls>", "file:///tmp/x.html", true},
		{"file:///*", "file:///etc/hosts", true},
	}
	for _, tc := range cases {
		p, err := m.Compile(tc.pattern, KindMatch)
		require.NoError(t, err, tc.pattern)
		require.Equal(t, tc.want, p.MatchString(tc.url), "%s on %s", tc.pattern, tc.url)
	}
}

func TestMalformedMatchPatterns(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	for _, raw := range []string{"example.com", "https://exa*mple.com/", "gopher://x/", "https://example.com", "https:///x"} {
		_, err := m.Compile(raw, KindMatch)
		require.Error(t, err, raw)
	}
}

func TestGlobPatterns(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	cases := []struct {
		glob string
		url  string
		want bool
	}{
		{"http*://example.com/*", "https://example.com/a", true},
		{"https://example.com/**", "https://example.com/a/b/c", true},
		{"https://example.com/?", "https://example.com/a", true},
		{"https://example.com/?", "https://example.com/ab", false},
		{"https://{a,b}.example.com/*", "https://b.example.com/x", true},
		{"https://{a,b}.example.com/*", "https://c.example.com/x", false},
		{"https://example.com/[0-9]*", "https://example.com/7up", true},
		{"https://example.com/a.b", "https://example.com/aXb", false},
	}
	for _, tc := range cases {
		p, err := m.Compile(tc.glob, KindInclude)
		require.NoError(t, err, tc.glob)
		require.Equal(t, tc.want, p.MatchString(tc.url), "%s on %s", tc.glob, tc.url)
	}
}

func TestRawRegexInclude(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	p, err := m.Compile(`/^https:\/\/EXAMPLE\.com\/.*$/i`, KindInclude)
	require.NoError(t, err)
	require.True(t, p.MatchString("https://example.com/x"))
}

func TestPrecedence(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	s := userscript.Script{
		Matches:  []string{"*://ex.com/*"},
		Excludes: []string{"*://ex.com/admin/*"},
	}
	got := m.Matches(s, "https://ex.com/admin/x")
	require.Equal(t, MatchResult{Matches: false, Reason: ReasonExclude, Pattern: "*://ex.com/admin/*"}, got)

	got = m.Matches(s, "https://ex.com/home")
	require.True(t, got.Matches)
	require.Equal(t, ReasonMatch, got.Reason)

	s.Matches = nil
	s.Includes = []string{"https://ex.com/*"}
	got = m.Matches(s, "https://ex.com/home")
	require.Equal(t, ReasonInclude, got.Reason)

	got = m.Matches(s, "https://other.com/")
	require.Equal(t, MatchResult{Matches: false, Reason: ReasonNoPattern}, got)
}

func TestExcludeWinsOverEveryMatch(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	urls := []string{"https://ex.com/admin/", "http://ex.com/admin/a/b", "https://ex.com/admin/?q=1"}
	s := userscript.Script{
		Matches:  []string{"<all_urls>", "*://ex.com/*"},
		Includes: []string{"*"},
		Excludes: []string{"*://ex.com/admin/*"},
	}
	for _, u := range urls {
		require.False(t, m.Matches(s, u).Matches, u)
	}
}

func TestUnsafePatternsRejectedBeforeCompile(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	for _, raw := range []string{"/(a*)*/", "/(a+)+$/", "/((ab)+)+/", "/.*.*.*x/"} {
		v := m.Validate(raw, KindInclude)
		require.False(t, v.OK, raw)
		require.True(t, errors.Is(v.Err, ErrUnsafe), raw)
	}
	// Nothing unsafe may land in the cache.
	require.Equal(t, 0, m.CacheStats().Size)
}

func TestTooLongPattern(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	v := m.Validate("https://example.com/"+strings.Repeat("a", DefaultMaxLength), KindInclude)
	require.False(t, v.OK)
	require.True(t, errors.Is(v.Err, ErrTooLong))
}

func TestComplexityWarning(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	v := m.Validate("https://example.com/"+strings.Repeat("a*", 60), KindInclude)
	require.True(t, v.OK)
	require.Equal(t, string(ComplexityHigh), v.Complexity)
	require.NotEmpty(t, v.Warning)

	v = m.Validate("https://example.com/*", KindInclude)
	require.True(t, v.OK)
	require.Equal(t, string(ComplexityLow), v.Complexity)
	require.Empty(t, v.Warning)
}

func TestCacheIsBoundedFIFO(t *testing.T) {
	t.Parallel()
	m := newMatcher(3)
	for i := 0; i < 10; i++ {
		_, err := m.Compile(fmt.Sprintf("https://h%d.example/*", i), KindMatch)
		require.NoError(t, err)
		require.LessOrEqual(t, m.CacheStats().Size, 3)
	}
	st := m.CacheStats()
	require.Equal(t, 3, st.Size)
	require.Equal(t, uint64(7), st.Evictions)

	// A lookup does not refresh position: h7 is still the oldest.
	_, _ = m.Compile("https://h7.example/*", KindMatch)
	_, _ = m.Compile("https://h10.example/*", KindMatch)
	before := m.CacheStats().Misses
	_, _ = m.Compile("https://h7.example/*", KindMatch)
	require.Equal(t, before+1, m.CacheStats().Misses)
}

func TestCacheKeyedByKind(t *testing.T) {
	t.Parallel()
	m := newMatcher(10)
	_, err := m.Compile("https://example.com/*", KindMatch)
	require.NoError(t, err)
	_, err = m.Compile("https://example.com/*", KindInclude)
	require.NoError(t, err)
	require.Equal(t, 2, m.CacheStats().Size)
}

func TestMatchURLFallsBackToGlob(t *testing.T) {
	t.Parallel()
	m := newMatcher(0)
	ok, err := m.MatchURL("*example*", "https://www.example.org/")
	require.NoError(t, err)
	require.True(t, ok)
}
