// Package policy holds the static routing policies loaded at startup.
//
// A policy is a named, ordered list of entries. Each entry maps one
// classification label (e.g. "Code Generation") to the downstream model that
// should answer it. Entry order matters: classifiers that return a
// probability vector return it in this order, and ties are broken in favour
// of the earliest entry.
//
// Policies are immutable after [Load]; a *Table is safe for concurrent use
// without locking.
package policy

import (
	"regexp"
	"strings"
)

// Provider kinds understood by the downstream client registry.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// Well-known fallback labels, checked in this order when a policy does not
// name its default_label explicitly.
var fallbackLabels = []string{"Unknown", "Other"}

// Entry maps one classification label to a downstream model.
type Entry struct {
	// Label is the classification outcome this entry serves.
	Label string `json:"name" yaml:"name"`
	// Model is the model identifier sent downstream (e.g. "meta/llama-3.1-70b-instruct").
	Model string `json:"model" yaml:"model"`
	// APIBase is the downstream endpoint root (no trailing /v1).
	APIBase string `json:"api_base,omitempty" yaml:"api_base,omitempty"`
	// APIKeyRef names the environment variable holding the credential.
	APIKeyRef string `json:"api_key_ref,omitempty" yaml:"api_key_ref,omitempty"`
	// Provider selects the client implementation: "openai" (default) or "bedrock".
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	// Region is used by the bedrock provider only.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	CostPerToken        float64 `json:"cost_per_token,omitempty" yaml:"cost_per_token,omitempty"`
	PromptCostPer1K     float64 `json:"prompt_cost_per_1k,omitempty" yaml:"prompt_cost_per_1k,omitempty"`
	CompletionCostPer1K float64 `json:"completion_cost_per_1k,omitempty" yaml:"completion_cost_per_1k,omitempty"`
}

// ProviderKind returns the normalised provider name for the entry.
func (e Entry) ProviderKind() string {
	if e.Provider == "" {
		return ProviderOpenAI
	}
	return strings.ToLower(e.Provider)
}

// Rule is one heuristic classification rule. A rule matches when any of its
// keywords occurs in the lower-cased text, or when Pattern matches.
type Rule struct {
	Label    string   `json:"label" yaml:"label"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Pattern  string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Definition is the configuration form of a policy.
type Definition struct {
	Name string `json:"name" yaml:"name"`
	// URL is the remote classifier endpoint. Empty means the keyword
	// heuristics in Rules are used instead.
	URL          string  `json:"url,omitempty" yaml:"url,omitempty"`
	DefaultLabel string  `json:"default_label,omitempty" yaml:"default_label,omitempty"`
	Threshold    float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	LLMs         []Entry `json:"llms" yaml:"llms"`
	Rules        []Rule  `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Policy is a loaded, read-only routing policy.
type Policy struct {
	Name          string
	ClassifierURL string
	// Threshold is the minimum winning probability for a remote
	// classification to be trusted. Zero disables the check.
	Threshold float64

	entries    []Entry
	index      map[string]int
	defaultIdx int
	rules      []Rule
}

// Len returns the number of entries.
func (p *Policy) Len() int { return len(p.entries) }

// At returns the entry at position i in declaration order.
func (p *Policy) At(i int) (Entry, bool) {
	if i < 0 || i >= len(p.entries) {
		return Entry{}, false
	}
	return p.entries[i], true
}

// Entries returns a copy of the entries in declaration order.
func (p *Policy) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// Labels returns the declared labels in order.
func (p *Policy) Labels() []string {
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Label
	}
	return out
}

// Index returns the declaration position of label.
func (p *Policy) Index(label string) (int, bool) {
	i, ok := p.index[strings.TrimSpace(label)]
	return i, ok
}

// Rules returns the heuristic rules in evaluation order.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// HasRemoteClassifier reports whether the policy delegates classification
// to a remote inference endpoint.
func (p *Policy) HasRemoteClassifier() bool { return p.ClassifierURL != "" }

// Entry returns the entry for label.
func (p *Policy) Entry(label string) (Entry, error) {
	i, ok := p.Index(label)
	if !ok {
		return Entry{}, &UnknownLabelError{Policy: p.Name, Label: label}
	}
	return p.entries[i], nil
}

// Default returns the designated default entry, if any.
func (p *Policy) Default() (Entry, bool) {
	if p.defaultIdx < 0 {
		return Entry{}, false
	}
	return p.entries[p.defaultIdx], true
}

// EntryOrDefault returns the entry for label, or the default entry when the
// label is not declared. fellBack is true when the default was used. An
// *UnknownLabelError is returned only when the label is unknown and the
// policy has no default.
func (p *Policy) EntryOrDefault(label string) (entry Entry, fellBack bool, err error) {
	if e, err := p.Entry(label); err == nil {
		return e, false, nil
	}
	if d, ok := p.Default(); ok {
		return d, true, nil
	}
	return Entry{}, false, &UnknownLabelError{Policy: p.Name, Label: label}
}

func build(def Definition) (*Policy, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, &ConfigError{Reason: "policy name is required"}
	}
	if len(def.LLMs) == 0 {
		return nil, &ConfigError{Policy: name, Reason: "at least one entry is required"}
	}
	if def.Threshold < 0 || def.Threshold > 1 {
		return nil, &ConfigError{Policy: name, Reason: "threshold must be between 0 and 1"}
	}

	p := &Policy{
		Name:          name,
		ClassifierURL: strings.TrimSpace(def.URL),
		Threshold:     def.Threshold,
		entries:       make([]Entry, 0, len(def.LLMs)),
		index:         make(map[string]int, len(def.LLMs)),
		defaultIdx:    -1,
	}
	for _, e := range def.LLMs {
		e.Label = strings.TrimSpace(e.Label)
		if e.Label == "" {
			return nil, &ConfigError{Policy: name, Reason: "entry label is required"}
		}
		if strings.TrimSpace(e.Model) == "" {
			return nil, &ConfigError{Policy: name, Reason: "entry " + e.Label + " has no model"}
		}
		if _, dup := p.index[e.Label]; dup {
			return nil, &ConfigError{Policy: name, Reason: "duplicate label " + e.Label}
		}
		switch e.ProviderKind() {
		case ProviderOpenAI, ProviderBedrock:
		default:
			return nil, &ConfigError{Policy: name, Reason: "entry " + e.Label + " has unknown provider " + e.Provider}
		}
		if e.CostPerToken < 0 || e.PromptCostPer1K < 0 || e.CompletionCostPer1K < 0 {
			return nil, &ConfigError{Policy: name, Reason: "entry " + e.Label + " has negative pricing"}
		}
		p.index[e.Label] = len(p.entries)
		p.entries = append(p.entries, e)
	}

	if def.DefaultLabel != "" {
		i, ok := p.index[strings.TrimSpace(def.DefaultLabel)]
		if !ok {
			return nil, &ConfigError{Policy: name, Reason: "default_label " + def.DefaultLabel + " is not a declared label"}
		}
		p.defaultIdx = i
	} else {
		for _, l := range fallbackLabels {
			if i, ok := p.index[l]; ok {
				p.defaultIdx = i
				break
			}
		}
	}

	for _, r := range def.Rules {
		if _, ok := p.index[strings.TrimSpace(r.Label)]; !ok {
			return nil, &ConfigError{Policy: name, Reason: "rule label " + r.Label + " is not a declared label"}
		}
		if len(r.Keywords) == 0 && r.Pattern == "" {
			return nil, &ConfigError{Policy: name, Reason: "rule " + r.Label + " needs keywords or a pattern"}
		}
		if r.Pattern != "" {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return nil, &ConfigError{Policy: name, Reason: "rule " + r.Label + " pattern: " + err.Error()}
			}
		}
		r.Label = strings.TrimSpace(r.Label)
		p.rules = append(p.rules, r)
	}
	return p, nil
}
