package classifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/ferro-labs/study-router/policy"
)

type compiledRule struct {
	label    string
	keywords []string
	re       *regexp.Regexp
}

func (r compiledRule) matches(raw, lower string) bool {
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return r.re != nil && r.re.MatchString(raw)
}

// Keyword classifies text with the ordered heuristic rules of a single
// policy. The first matching rule wins; when none match, the policy's
// default label is returned. This is pattern matching, not a model.
type Keyword struct {
	policy string
	rules  []compiledRule
}

// NewKeyword compiles the rules declared by p. Rule labels are validated by
// policy.Load, so every label produced here is a declared entry.
func NewKeyword(p *policy.Policy) (*Keyword, error) {
	k := &Keyword{policy: p.Name}
	for _, r := range p.Rules() {
		cr := compiledRule{label: r.Label}
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				cr.keywords = append(cr.keywords, kw)
			}
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, &policy.ConfigError{Policy: p.Name, Reason: "rule " + r.Label + " pattern: " + err.Error()}
			}
			cr.re = re
		}
		k.rules = append(k.rules, cr)
	}
	return k, nil
}

// Name returns the classifier identifier.
func (k *Keyword) Name() string { return "keyword" }

// Classify never fails for a policy with a default entry. Without a default
// and without a matching rule the outcome label is empty, which the router
// reports as a *policy.UnknownLabelError.
func (k *Keyword) Classify(_ context.Context, text string, p *policy.Policy) (Outcome, error) {
	lower := strings.ToLower(text)
	for _, r := range k.rules {
		if r.matches(text, lower) {
			return Outcome{Label: r.label}, nil
		}
	}
	if d, ok := p.Default(); ok {
		return Outcome{Label: d.Label}, nil
	}
	return Outcome{}, nil
}
