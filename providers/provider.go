// Package providers implements the downstream model clients that answer a
// routed request.
//
// A Provider receives the policy entry chosen by the router and the already
// rewritten chat payload, calls the hosted model exactly once (no retries)
// and returns the completion with its token usage.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ferro-labs/study-router/policy"
)

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the answer returned by a downstream model.
type Completion struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	Usage        Usage
	// Raw is the OpenAI-compatible response body.
	Raw json.RawMessage
}

// Provider is a downstream chat-completion client.
type Provider interface {
	// Name returns the provider kind ("openai", "bedrock").
	Name() string
	// Generate sends payload to the endpoint described by entry.
	Generate(ctx context.Context, entry policy.Entry, payload json.RawMessage) (*Completion, error)
}

// ErrUnavailable matches every *UnavailableError via errors.Is.
var ErrUnavailable = errors.New("downstream model unavailable")

// UnavailableError reports a failed downstream call. StatusCode is the
// upstream HTTP status when one was received, zero otherwise.
type UnavailableError struct {
	Provider   string
	Model      string
	StatusCode int
	Detail     string
	Err        error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("%s model %q unavailable", e.Provider, e.Model)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
