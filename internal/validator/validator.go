package validator

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"userscriptd/internal/pattern"
	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

// PatternChecker is the part of the pattern matcher the validator needs.
type PatternChecker interface {
	Validate(raw string, kind pattern.Kind) pattern.Validation
}

type Validator struct {
	cfg      Config
	patterns PatternChecker
	log      logx.Logger
}

func New(cfg Config, patterns PatternChecker, log logx.Logger) *Validator {
	return &Validator{cfg: cfg.withDefaults(), patterns: patterns, log: log}
}

// ValidateMetadata checks everything but the source.
func (v *Validator) ValidateMetadata(s userscript.Script) Report {
	var r Report
	name := strings.TrimSpace(s.Name)
	switch {
	case name == "":
		r.addError("name is required")
	case len([]rune(name)) > v.cfg.MaxNameLength:
		r.addError(fmt.Sprintf("name exceeds %d characters", v.cfg.MaxNameLength))
	}
	if len(s.Matches) == 0 && len(s.Includes) == 0 {
		r.addError("at least one match or include pattern is required")
	}
	if !s.RunAt.Valid() {
		r.addError(fmt.Sprintf("invalid run_at %q", s.RunAt))
	}
	if !s.World.Valid() {
		r.addError(fmt.Sprintf("invalid world %q", s.World))
	}

	check := func(list []string, kind pattern.Kind) {
		for _, raw := range list {
			pv := v.patterns.Validate(raw, kind)
			if !pv.OK {
				r.addError(fmt.Sprintf("%s pattern %q: %v", kind, raw, pv.Err))
				continue
			}
			if pv.Warning != "" {
				r.addWarning(fmt.Sprintf("%s pattern %q: %s", kind, raw, pv.Warning))
			}
		}
	}
	check(s.Matches, pattern.KindMatch)
	check(s.Includes, pattern.KindInclude)
	check(s.Excludes, pattern.KindExclude)

	r.OK = len(r.Errors) == 0
	return r
}

// Validate runs the metadata checks and the source scan.
func (v *Validator) Validate(s userscript.Script) Report {
	r := v.ValidateMetadata(s)
	src := v.scanSource(s.Code)
	r.merge(src)
	r.Findings = src.Findings
	r.RiskScore = src.RiskScore
	r.CSPCompliant = src.CSPCompliant
	r.SecurityLevel = src.SecurityLevel
	r.OK = len(r.Errors) == 0
	if r.OK {
		r.SanitizedCode = src.SanitizedCode
	}
	if !r.OK {
		v.log.Debug("script rejected",
			logx.String("script", s.ID),
			logx.String("level", string(r.SecurityLevel)),
			logx.Int("risk", r.RiskScore),
			logx.Int("errors", len(r.Errors)),
		)
	}
	return r
}

func (v *Validator) scanSource(code string) Report {
	var r Report
	if strings.TrimSpace(code) == "" {
		r.addError("code is empty")
		r.SecurityLevel = LevelSafe
		r.CSPCompliant = true
		return r
	}
	if len(code) > v.cfg.MaxCodeSize {
		r.addError(fmt.Sprintf("code exceeds %d bytes", v.cfg.MaxCodeSize))
		r.SecurityLevel = LevelDangerous
		return r
	}

	hit := map[Category]bool{}
	for _, cat := range categoryOrder {
		for _, rl := range rulesets[cat] {
			loc := rl.re.FindStringIndex(code)
			if loc == nil {
				continue
			}
			hit[cat] = true
			r.Findings = append(r.Findings, Finding{Category: cat, Rule: rl.name, Line: lineOf(code, loc[0])})
		}
	}
	for _, lp := range leakPairs {
		loc := lp.setup.FindStringIndex(code)
		if loc == nil || lp.teardown.MatchString(code) {
			continue
		}
		hit[CategoryLeakRisk] = true
		r.Findings = append(r.Findings, Finding{Category: CategoryLeakRisk, Rule: lp.name, Line: lineOf(code, loc[0])})
	}

	for _, f := range r.Findings {
		msg := fmt.Sprintf("%s (line %d)", f.Rule, f.Line)
		switch f.Category {
		case CategoryDynamicCode:
			r.addError("dynamic code execution: " + msg)
		case CategoryCSP:
			r.addError("content security policy violation: " + msg)
		case CategoryRemoteCode:
			r.addWarning("remote code loading: " + msg)
		case CategoryUnsafe:
			r.addWarning("unsafe pattern: " + msg)
		case CategoryLeakRisk:
			r.addWarning("possible leak: " + msg)
		}
	}
	for cat := range hit {
		r.RiskScore += categoryWeight[cat]
	}
	if r.RiskScore > 100 {
		r.RiskScore = 100
	}

	hard := hit[CategoryDynamicCode] || hit[CategoryCSP]
	r.CSPCompliant = !hard
	switch {
	case hard:
		r.SecurityLevel = LevelDangerous
	case r.RiskScore > v.cfg.RiskWarningThreshold:
		r.SecurityLevel = LevelWarning
	default:
		r.SecurityLevel = LevelSafe
	}

	if _, err := goja.Compile("userscript.js", code, false); err != nil {
		r.addError("syntax error: " + err.Error())
	}

	r.OK = len(r.Errors) == 0
	if r.OK {
		r.SanitizedCode = Sanitize(code)
	}
	return r
}

// Sanitize strips a leading ==UserScript== metadata block and trailing
// whitespace.
func Sanitize(code string) string {
	return strings.TrimRight(metadataBlockRe.ReplaceAllString(code, ""), " \t\r\n")
}

func lineOf(code string, offset int) int {
	return strings.Count(code[:offset], "\n") + 1
}
