package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ferro-labs/study-router/policy"
)

// DefaultTimeout bounds a single inference call when none is configured.
const DefaultTimeout = 30 * time.Second

// Triton calls a KServe-v2 inference endpoint (the policy's URL) with the
// text as a single BYTES tensor named INPUT and reads the first output
// tensor as a probability vector.
type Triton struct {
	httpClient *http.Client
}

// NewTriton creates a Triton client. timeout <= 0 uses DefaultTimeout.
func NewTriton(timeout time.Duration) *Triton {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Triton{httpClient: &http.Client{Timeout: timeout}}
}

// Name returns the classifier identifier.
func (t *Triton) Name() string { return "triton" }

type inferTensor struct {
	Name     string     `json:"name"`
	Datatype string     `json:"datatype"`
	Shape    []int      `json:"shape"`
	Data     [][]string `json:"data"`
}

type inferRequest struct {
	Inputs []inferTensor `json:"inputs"`
}

type inferOutput struct {
	Name     string    `json:"name"`
	Datatype string    `json:"datatype"`
	Shape    []int     `json:"shape"`
	Data     []float64 `json:"data"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []inferOutput `json:"outputs"`
	Error     string        `json:"error,omitempty"`
}

// Classify posts text to the policy's inference endpoint.
func (t *Triton) Classify(ctx context.Context, text string, p *policy.Policy) (Outcome, error) {
	endpoint := p.ClassifierURL
	fail := func(err error) (Outcome, error) {
		return Outcome{}, &UnavailableError{Policy: p.Name, Endpoint: endpoint, Err: err}
	}
	if endpoint == "" {
		return fail(errors.New("no classifier endpoint configured"))
	}

	body, err := json.Marshal(inferRequest{Inputs: []inferTensor{{
		Name:     "INPUT",
		Datatype: "BYTES",
		Shape:    []int{1, 1},
		Data:     [][]string{{text}},
	}}})
	if err != nil {
		return fail(fmt.Errorf("marshal inference request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("create inference request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("read inference response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var ir inferResponse
	if err := json.Unmarshal(raw, &ir); err != nil {
		return fail(fmt.Errorf("decode inference response: %w", err))
	}
	if ir.Error != "" {
		return fail(errors.New(ir.Error))
	}
	if len(ir.Outputs) == 0 || len(ir.Outputs[0].Data) == 0 {
		return fail(errors.New("no outputs returned"))
	}
	return Outcome{Scores: ir.Outputs[0].Data}, nil
}

// Ready probes the model readiness endpoint derived from the inference URL
// (…/v2/models/<name>/infer → …/v2/models/<name>/ready).
func (t *Triton) Ready(ctx context.Context, p *policy.Policy) error {
	readyURL := strings.TrimSuffix(p.ClassifierURL, "/infer") + "/ready"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, readyURL, nil)
	if err != nil {
		return &UnavailableError{Policy: p.Name, Endpoint: readyURL, Err: err}
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &UnavailableError{Policy: p.Name, Endpoint: readyURL, Err: err}
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &UnavailableError{Policy: p.Name, Endpoint: readyURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
