package recovery

import (
	"context"
	"errors"
	"regexp"
)

// Rule maps message patterns to a category. Rules are tried in order and the
// first hit wins.
type Rule struct {
	Category Category
	Patterns []*regexp.Regexp
}

func rule(c Category, exprs ...string) Rule {
	r := Rule{Category: c}
	for _, e := range exprs {
		r.Patterns = append(r.Patterns, regexp.MustCompile(`(?i)`+e))
	}
	return r
}

func DefaultRules() []Rule {
	return []Rule{
		rule(CategoryValidation, `validation`, `invalid (?:script|metadata|pattern)`, `syntax ?error`, `unexpected token`),
		rule(CategorySecurity, `security`, `content security policy`, `\bcsp\b`, `unsafe-eval`, `cross-origin`, `blocked by`),
		rule(CategoryExecution, `referenceerror`, `typeerror`, `rangeerror`, `is not defined`, `is not a function`, `cannot read propert`),
		rule(CategoryTimeout, `timeout`, `timed out`, `deadline exceeded`, `interrupted`),
		rule(CategoryPermission, `permission`, `denied`, `unauthori[sz]ed`, `forbidden`),
		rule(CategoryNetwork, `network`, `failed to fetch`, `fetch failed`, `connection (?:refused|reset)`, `econn`, `\bdns\b`, `offline`),
		rule(CategoryMemory, `out of memory`, `memory (?:limit|exceeded)`, `heap`, `allocation failed`),
		rule(CategoryHostAPI, `host api`, `extension context invalidated`, `no tab with id`, `cannot access contents`, `receiving end does not exist`),
	}
}

type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify picks the category of err. Typed errors win over message rules;
// no match yields CategoryUnknown.
func (c *Classifier) Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var ce interface{ Category() Category }
	if errors.As(err, &ce) {
		return ce.Category()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return CategoryTimeout
	case errors.Is(err, ErrMemoryLimit):
		return CategoryMemory
	}
	msg := err.Error()
	for _, r := range c.rules {
		for _, re := range r.Patterns {
			if re.MatchString(msg) {
				return r.Category
			}
		}
	}
	return CategoryUnknown
}
