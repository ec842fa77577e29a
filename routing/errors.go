package routing

import "fmt"

// InvalidLabelError is returned for manual routing when the requested label
// is empty or not declared by the policy. No classification is attempted.
type InvalidLabelError struct {
	Policy string
	Label  string
}

func (e *InvalidLabelError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("manual routing on policy %q requires a model label", e.Policy)
	}
	return fmt.Sprintf("label %q is not declared by policy %q", e.Label, e.Policy)
}

// InvalidRequestError reports a malformed routing request.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "invalid routing request: " + e.Reason }
