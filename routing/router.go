// Package routing turns a chat request into a destination: it classifies the
// conversation (or honours a manual label), looks the outcome up in a
// policy, and rewrites the payload to target the chosen model.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/sjson"

	"github.com/ferro-labs/study-router/classifier"
	"github.com/ferro-labs/study-router/internal/logging"
	"github.com/ferro-labs/study-router/policy"
)

// ClassifierLookup returns the classifier responsible for a policy.
type ClassifierLookup func(policyName string) (classifier.Classifier, bool)

// Result is the outcome of routing one request.
type Result struct {
	Policy   string
	Strategy Strategy
	Label    string
	Model    string
	Entry    policy.Entry
	// Request is the rewritten payload ready to send downstream.
	Request json.RawMessage
	// Scores holds the per-label probabilities when a remote classifier
	// produced them.
	Scores map[string]float64
	// Classifier names what made the decision: "manual", "keyword" or "triton".
	Classifier string
	// FellBack is true when the policy default entry was used.
	FellBack bool
}

// Router is read-only after construction and safe for concurrent use.
type Router struct {
	table  *policy.Table
	lookup ClassifierLookup
}

// New creates a Router over table. lookup may be nil when only manual
// routing is used.
func New(table *policy.Table, lookup ClassifierLookup) *Router {
	return &Router{table: table, lookup: lookup}
}

// Table returns the policy table the router serves.
func (r *Router) Table() *policy.Table { return r.table }

// Route selects the entry for req and returns the rewritten request.
//
// Errors: *policy.UnknownPolicyError, *InvalidLabelError (manual),
// *classifier.UnavailableError, *policy.UnknownLabelError (no default).
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	p, err := r.table.Get(req.Policy)
	if err != nil {
		return nil, err
	}
	if req.Strategy == "" {
		req.Strategy = StrategyAuto
	}

	res := &Result{Policy: p.Name, Strategy: req.Strategy}
	switch req.Strategy {
	case StrategyManual:
		e, err := p.Entry(req.ManualLabel)
		if req.ManualLabel == "" || err != nil {
			return nil, &InvalidLabelError{Policy: p.Name, Label: req.ManualLabel}
		}
		res.Entry = e
		res.Classifier = "manual"
	case StrategyAuto:
		if err := r.classify(ctx, p, req, res); err != nil {
			return nil, err
		}
	default:
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("unknown routing strategy %q", req.Strategy)}
	}

	res.Label = res.Entry.Label
	res.Model = res.Entry.Model
	res.Request, err = Rewrite(req.Body, res.Entry.Model)
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Debug("request routed",
		"policy", res.Policy,
		"strategy", string(res.Strategy),
		"classifier", res.Classifier,
		"label", res.Label,
		"model", res.Model,
		"fell_back", res.FellBack,
	)
	return res, nil
}

func (r *Router) classify(ctx context.Context, p *policy.Policy, req Request, res *Result) error {
	var c classifier.Classifier
	if r.lookup != nil {
		c, _ = r.lookup(p.Name)
	}
	if c == nil {
		return &classifier.UnavailableError{Policy: p.Name, Endpoint: p.ClassifierURL, Err: fmt.Errorf("no classifier configured")}
	}
	res.Classifier = c.Name()

	text := req.Text
	if text == "" {
		text = ClassificationText(req.Body)
	}
	out, err := c.Classify(ctx, tail(text, MaxClassificationText), p)
	if err != nil {
		return err
	}

	if !out.HasScores() {
		res.Entry, res.FellBack, err = p.EntryOrDefault(out.Label)
		return err
	}

	res.Scores = scoreMap(p, out.Scores)
	threshold := p.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	idx, top := Argmax(out.Scores, p.Len())
	winner, ok := p.At(idx)
	if ok && top >= threshold {
		res.Entry = winner
		return nil
	}
	if d, hasDefault := p.Default(); hasDefault {
		res.Entry, res.FellBack = d, true
		return nil
	}
	if ok {
		// Below threshold and no default: keep the winner.
		res.Entry = winner
		return nil
	}
	return &policy.UnknownLabelError{Policy: p.Name}
}

// Argmax returns the index and value of the highest score among the first
// limit entries. Ties resolve to the lowest index and NaN scores are
// ignored. It returns -1 when no score is usable.
func Argmax(scores []float64, limit int) (int, float64) {
	if limit > len(scores) {
		limit = len(scores)
	}
	best, bestVal := -1, math.Inf(-1)
	for i := 0; i < limit; i++ {
		v := scores[i]
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best, bestVal
}

func scoreMap(p *policy.Policy, scores []float64) map[string]float64 {
	m := make(map[string]float64, p.Len())
	for i, label := range p.Labels() {
		if i >= len(scores) {
			break
		}
		m[label] = scores[i]
	}
	return m
}

// Rewrite removes the routing controls from body and sets its model field.
// Every other field is preserved as-is. An empty body yields {"model": ...}.
func Rewrite(body json.RawMessage, model string) (json.RawMessage, error) {
	out := []byte(body)
	if len(out) == 0 {
		out = []byte("{}")
	}
	out, err := sjson.DeleteBytes(out, ControlField)
	if err != nil {
		return nil, fmt.Errorf("remove routing controls: %w", err)
	}
	out, err = sjson.SetBytes(out, "model", model)
	if err != nil {
		return nil, fmt.Errorf("set model: %w", err)
	}
	return out, nil
}
