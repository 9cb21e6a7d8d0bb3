package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const allURLs = "<all_urls>"

// Shapes that backtrack catastrophically in backtracking engines. They are
// rejected on the raw text so a hostile pattern never reaches the compiler.
var unsafeShapes = []*regexp.Regexp{
	regexp.MustCompile(`\([^()]*[*+][^()]*\)\s*[*+{]`),
	regexp.MustCompile(`[*+}]\s*\)\s*[*+{]`),
	regexp.MustCompile(`(?:\.\*){3,}`),
}

var (
	matchPatternRe = regexp.MustCompile(`^(\*|[a-z][a-z0-9+.-]*)://([^/]*)(/.*)?$`)
	rawRegexRe     = regexp.MustCompile(`^/(.+)/(i?)$`)
)

var matchSchemes = map[string]string{
	"*":     `https?`,
	"http":  `http`,
	"https": `https`,
	"ws":    `ws`,
	"wss":   `wss`,
	"ftp":   `ftp`,
	"file":  `file`,
}

const (
	lowComplexity    = 100
	mediumComplexity = 200
)

func screen(raw string, maxLen int) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmpty
	}
	if len(raw) > maxLen {
		return fmt.Errorf("%w (%d > %d)", ErrTooLong, len(raw), maxLen)
	}
	for _, re := range unsafeShapes {
		if re.MatchString(raw) {
			return ErrUnsafe
		}
	}
	return nil
}

// compile turns a screened raw pattern into a CompiledPattern.
func compile(raw string, kind Kind) (*CompiledPattern, error) {
	var (
		src  string
		wild bool
		err  error
	)
	switch kind {
	case KindMatch:
		src, wild, err = matchPatternToRegex(raw)
	case KindInclude, KindExclude:
		if m := rawRegexRe.FindStringSubmatch(raw); m != nil {
			src, wild = m[1], true
			if m[2] == "i" {
				src = "(?i)" + src
			}
		} else {
			src, wild, err = globToRegex(raw)
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, err
	}

	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	score, class := complexity(src)
	return &CompiledPattern{
		Raw:         raw,
		Kind:        kind,
		Normalized:  src,
		Regex:       re,
		Complexity:  class,
		Score:       score,
		HasWildcard: wild,
	}, nil
}

func complexity(normalized string) (int, Complexity) {
	score := len(normalized) + 2*strings.Count(normalized, "*") + 2*strings.Count(normalized, "+") +
		2*strings.Count(normalized, "?") + 2*strings.Count(normalized, "{")
	switch {
	case score < lowComplexity:
		return score, ComplexityLow
	case score < mediumComplexity:
		return score, ComplexityMedium
	default:
		return score, ComplexityHigh
	}
}

func matchPatternToRegex(raw string) (string, bool, error) {
	if raw == allURLs {
		return `^(?:https?|wss?|ftp|file)://.*$`, true, nil
	}
	m := matchPatternRe.FindStringSubmatch(raw)
	if m == nil || m[3] == "" {
		return "", false, fmt.Errorf("%w: %q is not scheme://host/path", ErrMalformed, raw)
	}
	scheme, host, path := m[1], m[2], m[3]

	schemeRe, ok := matchSchemes[scheme]
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidScheme, scheme)
	}
	wild := scheme == "*"

	var b strings.Builder
	b.WriteString("^")
	b.WriteString(schemeRe)
	b.WriteString("://")

	switch {
	case host == "" && scheme != "file":
		return "", false, fmt.Errorf("%w: empty host", ErrMalformed)
	case host == "*":
		wild = true
		b.WriteString(`[^/]+`)
	case strings.HasPrefix(host, "*."):
		rest := host[2:]
		if rest == "" || strings.Contains(rest, "*") {
			return "", false, fmt.Errorf("%w: bad wildcard host %q", ErrMalformed, host)
		}
		wild = true
		b.WriteString(`(?:[^/]+\.)?`)
		b.WriteString(regexp.QuoteMeta(rest))
	case strings.Contains(host, "*"):
		return "", false, fmt.Errorf("%w: '*' only allowed as the first host label", ErrMalformed)
	default:
		b.WriteString(regexp.QuoteMeta(host))
	}
	if host != "" && !strings.Contains(host, ":") {
		b.WriteString(`(?::\d+)?`)
	}

	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '*':
			wild = true
			b.WriteString(".*")
		case '?':
			wild = true
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(path[i : i+1]))
		}
	}
	b.WriteString("$")
	return b.String(), wild, nil
}

func globToRegex(glob string) (string, bool, error) {
	if !doublestar.ValidatePattern(glob) {
		return "", false, fmt.Errorf("%w: invalid glob %q", ErrMalformed, glob)
	}
	var (
		b       strings.Builder
		wild    bool
		inClass bool
		braces  int
	)
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		if inClass {
			switch c {
			case ']':
				inClass = false
				b.WriteByte(']')
			case '\\':
				b.WriteString(`\\`)
			default:
				b.WriteByte(c)
			}
			continue
		}
		switch c {
		case '*':
			wild = true
			for i+1 < len(glob) && glob[i+1] == '*' {
				i++
			}
			b.WriteString(".*")
		case '?':
			wild = true
			b.WriteByte('.')
		case '[':
			wild = true
			inClass = true
			b.WriteByte('[')
			if i+1 < len(glob) && (glob[i+1] == '!' || glob[i+1] == '^') {
				b.WriteByte('^')
				i++
			}
		case '{':
			wild = true
			braces++
			b.WriteString("(?:")
		case '}':
			if braces > 0 {
				braces--
				b.WriteByte(')')
			} else {
				b.WriteString(`\}`)
			}
		case ',':
			if braces > 0 {
				b.WriteByte('|')
			} else {
				b.WriteByte(',')
			}
		case '\\':
			if i+1 < len(glob) {
				i++
			}
			b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
		default:
			b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
		}
	}
	b.WriteString("$")
	return b.String(), wild, nil
}
