package policy

import "fmt"

// ConfigError reports malformed or missing policy configuration. It is
// fatal at startup.
type ConfigError struct {
	Policy string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Policy == "" {
		return "policy config: " + e.Reason
	}
	return fmt.Sprintf("policy config %q: %s", e.Policy, e.Reason)
}

// UnknownPolicyError is returned when a request names a policy that was
// not loaded.
type UnknownPolicyError struct {
	Name string
}

func (e *UnknownPolicyError) Error() string {
	return fmt.Sprintf("policy not found: %q", e.Name)
}

// UnknownLabelError is returned when a label is not declared by a policy
// and the policy has no default entry to fall back to.
type UnknownLabelError struct {
	Policy string
	Label  string
}

func (e *UnknownLabelError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("no rule matched and policy %q has no default", e.Policy)
	}
	return fmt.Sprintf("label %q not declared by policy %q", e.Label, e.Policy)
}
