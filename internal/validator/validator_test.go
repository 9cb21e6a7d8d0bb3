package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"userscriptd/internal/pattern"
	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

func newValidator(cfg Config) *Validator {
	return New(cfg, pattern.New(pattern.Config{}, logx.Nop()), logx.Nop())
}

func script(code string) userscript.Script {
	s := userscript.Script{ID: "s1", Name: "demo", Code: code, Matches: []string{"*://example.com/*"}}
	s.Normalize()
	return s
}

func TestValidateSafeScript(t *testing.T) {
	t.Parallel()
	r := newValidator(Config{}).Validate(script(`console.log("hi");`))
	require.True(t, r.OK, r.Errors)
	require.Equal(t, LevelSafe, r.SecurityLevel)
	require.Zero(t, r.RiskScore)
	require.True(t, r.CSPCompliant)
	require.Equal(t, `console.log("hi");`, r.SanitizedCode)
}

func TestSourceRules(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		code  string
		ok    bool
		level SecurityLevel
		csp   bool
		risk  int
	}{
		{"eval", `eval("1+1");`, false, LevelDangerous, false, 40},
		{"function ctor", `var f = new Function("return 1");`, false, LevelDangerous, false, 40},
		{"string timer", `setTimeout("alert(1)", 10);`, false, LevelDangerous, false, 40},
		{"inline handler", `document.body.innerHTML = '<div onclick="go()">x</div>';`, false, LevelDangerous, false, 55},
		{"javascript url", `location.href = "javascript:void(0)";`, false, LevelDangerous, false, 30},
		{"remote script", `var s = document.createElement('script'); s.src = 'https://cdn.example/x.js';`, true, LevelWarning, true, 35},
		{"leak only", `setInterval(function () {}, 1000);`, true, LevelSafe, true, 15},
		{"unsafe and leak", `document.body.innerHTML = "<b>x</b>"; window.addEventListener("load", function () {});`, true, LevelWarning, true, 40},
		{"cleaned up", `var id = setInterval(function () {}, 1000); clearInterval(id);`, true, LevelSafe, true, 0},
	}
	v := newValidator(Config{})
	for _, tc := range cases {
		r := v.Validate(script(tc.code))
		require.Equal(t, tc.ok, r.OK, "%s: %v", tc.name, r.Errors)
		require.Equal(t, tc.level, r.SecurityLevel, tc.name)
		require.Equal(t, tc.csp, r.CSPCompliant, tc.name)
		require.Equal(t, tc.risk, r.RiskScore, tc.name)
		if !tc.ok {
			require.Empty(t, r.SanitizedCode, tc.name)
		}
	}
}

func TestSyntaxErrorRejected(t *testing.T) {
	t.Parallel()
	r := newValidator(Config{}).Validate(script(`function (`))
	require.False(t, r.OK)
	require.True(t, hasPrefix(r.Errors, "syntax error"))
}

func TestCodeSizeLimit(t *testing.T) {
	t.Parallel()
	r := newValidator(Config{MaxCodeSize: 16}).Validate(script(strings.Repeat("1;", 20)))
	require.False(t, r.OK)
}

func TestValidateMetadata(t *testing.T) {
	t.Parallel()
	v := newValidator(Config{})
	s := userscript.Script{Name: strings.Repeat("n", 101), RunAt: "later", World: "other"}
	r := v.ValidateMetadata(s)
	require.False(t, r.OK)
	require.Len(t, r.Errors, 4)

	s = script("1")
	s.Excludes = []string{"/(a+)+/"}
	r = v.ValidateMetadata(s)
	require.False(t, r.OK)
	require.True(t, hasPrefix(r.Errors, "exclude pattern"))

	s = script("1")
	s.Matches = []string{"<all_urls>"}
	r = v.ValidateMetadata(s)
	require.True(t, r.OK)
	require.Len(t, r.Warnings, 1)
}

func TestSanitizeStripsMetadataBlock(t *testing.T) {
	t.Parallel()
	code := "// ==UserScript==\n// @name demo\n// @match *://*/*\n// ==/UserScript==\nconsole.log(1);\n\n  "
	require.Equal(t, "console.log(1);", Sanitize(code))
	require.Equal(t, "x();", Sanitize("x();\n"))
}

func hasPrefix(list []string, prefix string) bool {
	for _, s := range list {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
