package policy

import "strings"

// Table is the set of policies loaded at startup, keyed by name.
type Table struct {
	order    []string
	policies map[string]*Policy
}

// Summary is a read-only description of a policy for config endpoints.
type Summary struct {
	Name          string   `json:"name"`
	Classifier    string   `json:"classifier"`
	DefaultLabel  string   `json:"default_label,omitempty"`
	Labels        []string `json:"models"`
	Models        []string `json:"model_ids"`
	ModelCount    int      `json:"model_count"`
	HasThreshold  bool     `json:"has_threshold"`
	ClassifierURL string   `json:"classifier_url,omitempty"`
}

// Load validates defs and builds a Table. Any violation is returned as a
// *ConfigError: no policies, duplicate policy names, a policy with no
// entries, duplicate labels, or rules and defaults naming undeclared labels.
func Load(defs []Definition) (*Table, error) {
	if len(defs) == 0 {
		return nil, &ConfigError{Reason: "at least one policy is required"}
	}
	t := &Table{policies: make(map[string]*Policy, len(defs))}
	for _, def := range defs {
		p, err := build(def)
		if err != nil {
			return nil, err
		}
		if _, dup := t.policies[p.Name]; dup {
			return nil, &ConfigError{Policy: p.Name, Reason: "duplicate policy name"}
		}
		t.policies[p.Name] = p
		t.order = append(t.order, p.Name)
	}
	return t, nil
}

// Get returns the named policy.
func (t *Table) Get(name string) (*Policy, error) {
	p, ok := t.policies[strings.TrimSpace(name)]
	if !ok {
		return nil, &UnknownPolicyError{Name: name}
	}
	return p, nil
}

// Names returns policy names in declaration order.
func (t *Table) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// All returns the policies in declaration order.
func (t *Table) All() []*Policy {
	out := make([]*Policy, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.policies[name])
	}
	return out
}

// EntryCount returns the total number of entries across all policies.
func (t *Table) EntryCount() int {
	n := 0
	for _, p := range t.policies {
		n += p.Len()
	}
	return n
}

// Summaries describes every policy in declaration order.
func (t *Table) Summaries() []Summary {
	out := make([]Summary, 0, len(t.order))
	for _, p := range t.All() {
		s := Summary{
			Name:          p.Name,
			Classifier:    "keyword",
			Labels:        p.Labels(),
			ModelCount:    p.Len(),
			HasThreshold:  p.Threshold > 0,
			ClassifierURL: p.ClassifierURL,
		}
		if p.HasRemoteClassifier() {
			s.Classifier = "triton"
		}
		if d, ok := p.Default(); ok {
			s.DefaultLabel = d.Label
		}
		for _, e := range p.entries {
			s.Models = append(s.Models, e.Model)
		}
		out = append(out, s)
	}
	return out
}
