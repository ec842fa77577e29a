// Package classifier implements the classification providers consulted by
// the router.
//
// Two implementations are provided:
//   - Triton:  a client for a remote KServe-v2 / Triton inference endpoint
//     that returns a probability vector over the policy's labels.
//   - Keyword: ordered keyword/regex rules evaluated locally, used when a
//     policy has no remote classifier configured.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/ferro-labs/study-router/policy"
)

// Outcome is the result of a classification. Exactly one of Label or Scores
// is set: heuristic classifiers name a label, remote classifiers return one
// probability per policy entry in declaration order.
type Outcome struct {
	Label  string
	Scores []float64
}

// HasScores reports whether the outcome carries a probability vector.
func (o Outcome) HasScores() bool { return len(o.Scores) > 0 }

// Classifier assigns a label (or label distribution) to a piece of text.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string, p *policy.Policy) (Outcome, error)
}

// Checker is implemented by classifiers that can report endpoint readiness.
type Checker interface {
	Ready(ctx context.Context, p *policy.Policy) error
}

// ErrUnavailable matches every *UnavailableError via errors.Is.
var ErrUnavailable = errors.New("classification unavailable")

// UnavailableError reports that the classifier could not produce an outcome:
// the endpoint was unreachable, timed out, answered with an error status, or
// returned a malformed payload. It is distinct from a low-confidence result.
type UnavailableError struct {
	Policy   string
	Endpoint string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("classifier for policy %q unavailable (%s): %v", e.Policy, e.Endpoint, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
