package validator

import "regexp"

type rule struct {
	name string
	re   *regexp.Regexp
}

var categoryWeight = map[Category]int{
	CategoryDynamicCode: 40,
	CategoryCSP:         30,
	CategoryRemoteCode:  35,
	CategoryUnsafe:      25,
	CategoryLeakRisk:    15,
}

// Categories in the order findings are reported.
var categoryOrder = []Category{
	CategoryDynamicCode, CategoryCSP, CategoryRemoteCode, CategoryUnsafe, CategoryLeakRisk,
}

var rulesets = map[Category][]rule{
	CategoryDynamicCode: {
		{"eval", regexp.MustCompile(`\beval\s*\(`)},
		{"function constructor", regexp.MustCompile(`\bnew\s+Function\s*\(|(?:^|[^.\w$])Function\s*\(\s*["'\x60]`)},
		{"string timer", regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*["'\x60]`)},
		{"dynamic import", regexp.MustCompile(`\bimport\s*\(`)},
		{"require", regexp.MustCompile(`\brequire\s*\(`)},
	},
	CategoryCSP: {
		{"inline script tag", regexp.MustCompile(`(?i)<script[\s>]`)},
		{"javascript url", regexp.MustCompile(`(?i)javascript\s*:`)},
		{"inline event handler", regexp.MustCompile(`(?i)<[a-z][^>]*\son[a-z]+\s*=`)},
		{"inline style attribute", regexp.MustCompile(`(?i)<[a-z][^>]*\sstyle\s*=`)},
	},
	CategoryRemoteCode: {
		{"script element", regexp.MustCompile(`createElement\s*\(\s*["'\x60]script["'\x60]\s*\)`)},
		{"remote src", regexp.MustCompile(`\.src\s*=\s*["'\x60]https?:`)},
		{"fetch script", regexp.MustCompile(`\bfetch\s*\(\s*["'\x60][^"'\x60]*\.js(?:["'\x60?#])`)},
		{"xhr script", regexp.MustCompile(`\.open\s*\(\s*["'\x60]\w+["'\x60]\s*,\s*["'\x60][^"'\x60]*\.js(?:["'\x60?#])`)},
	},
	CategoryUnsafe: {
		{"innerHTML assignment", regexp.MustCompile(`\.(?:inner|outer)HTML\s*\+?=[^=]`)},
		{"document.write", regexp.MustCompile(`\bdocument\.write(?:ln)?\s*\(`)},
	},
}

// Leak rules fire when the setup call is present without its teardown.
var leakPairs = []struct {
	name     string
	setup    *regexp.Regexp
	teardown *regexp.Regexp
}{
	{"interval without clearInterval", regexp.MustCompile(`\bsetInterval\s*\(`), regexp.MustCompile(`\bclearInterval\s*\(`)},
	{"listener without removeEventListener", regexp.MustCompile(`\.addEventListener\s*\(`), regexp.MustCompile(`\.removeEventListener\s*\(`)},
	{"observer without disconnect", regexp.MustCompile(`\bnew\s+MutationObserver\s*\(`), regexp.MustCompile(`\.disconnect\s*\(`)},
}

var metadataBlockRe = regexp.MustCompile(`(?s)^\s*//\s*==UserScript==.*?//\s*==/UserScript==[^\n]*\n?`)
