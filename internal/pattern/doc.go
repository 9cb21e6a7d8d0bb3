// Package pattern compiles userscript match/include/exclude patterns into
// anchored regular expressions and decides whether a script applies to a URL.
//
// Three syntaxes are accepted:
//   - match patterns: scheme://host/path, "*" scheme, "*.host", "<all_urls>"
//   - globs (include/exclude): "*" and "**" match anything, "?" one char,
//     "{a,b}" alternation and "[...]" classes
//   - raw regexes (include/exclude) written as /body/ or /body/i
//
// Every pattern is screened for length and nested quantifiers before it
// reaches regexp.Compile.
package pattern
