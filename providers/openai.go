package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ferro-labs/study-router/policy"
)

// DefaultAPIBase is the NVIDIA API catalog root used when an entry has no
// api_base.
const DefaultAPIBase = "https://integrate.api.nvidia.com"

// OpenAICompatible calls any OpenAI-compatible chat endpoint (NVIDIA API
// catalog, NIM containers, vLLM, OpenAI itself). The rewritten payload is
// sent as the request body unchanged, so fields the SDK does not model are
// preserved. One SDK client is kept per endpoint and credential.
type OpenAICompatible struct {
	Base
	mu      sync.Mutex
	clients map[string]openai.Client
}

// NewOpenAICompatible creates the provider. timeout <= 0 uses DefaultTimeout.
func NewOpenAICompatible(timeout time.Duration) *OpenAICompatible {
	return &OpenAICompatible{
		Base:    newBase(policy.ProviderOpenAI, timeout),
		clients: make(map[string]openai.Client),
	}
}

// endpoint returns the SDK base URL for an api_base: "<base>/v1/".
func endpoint(apiBase string) string {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if !strings.HasSuffix(apiBase, "/v1") {
		apiBase += "/v1"
	}
	return apiBase + "/"
}

func (p *OpenAICompatible) client(entry policy.Entry) openai.Client {
	base := endpoint(entry.APIBase)
	apiKey := p.apiKey(entry.APIKeyRef)
	// One client per endpoint and resolved key.
	key := base + "|" + entry.APIKeyRef + "|" + apiKey

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	c := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(base),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(p.timeout),
	)
	p.clients[key] = c
	return c
}

// Generate posts payload to {api_base}/v1/chat/completions.
func (p *OpenAICompatible) Generate(ctx context.Context, entry policy.Entry, payload json.RawMessage) (*Completion, error) {
	c := p.client(entry)
	completion, err := c.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{},
		option.WithRequestBody("application/json", []byte(payload)),
	)
	if err != nil {
		return nil, p.wrapErr(entry, err)
	}

	out := &Completion{
		ID:    completion.ID,
		Model: completion.Model,
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		Raw: json.RawMessage(completion.RawJSON()),
	}
	if out.Model == "" {
		out.Model = entry.Model
	}
	if len(completion.Choices) > 0 {
		out.Text = completion.Choices[0].Message.Content
		out.FinishReason = string(completion.Choices[0].FinishReason)
	}
	return out, nil
}

func (p *OpenAICompatible) wrapErr(entry policy.Entry, err error) error {
	ue := &UnavailableError{Provider: p.name, Model: entry.Model, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		ue.StatusCode = apiErr.StatusCode
		ue.Detail = apiErr.Message
	}
	return ue
}
