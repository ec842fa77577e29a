package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ferro-labs/study-router/policy"
)

// DefaultBedrockRegion is used when an entry has no region.
const DefaultBedrockRegion = "us-east-1"

// converseAPI is the subset of the Bedrock runtime client used here.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock answers routed requests with AWS Bedrock models through the
// model-agnostic Converse API. The OpenAI-style payload is translated into
// Converse messages and the reply is returned in OpenAI response shape.
// Credentials come from the default AWS chain.
type Bedrock struct {
	Base
	mu        sync.Mutex
	clients   map[string]converseAPI
	newClient func(ctx context.Context, region string) (converseAPI, error)
}

// NewBedrock creates the provider. timeout <= 0 uses DefaultTimeout.
func NewBedrock(timeout time.Duration) *Bedrock {
	return &Bedrock{
		Base:      newBase(policy.ProviderBedrock, timeout),
		clients:   make(map[string]converseAPI),
		newClient: defaultBedrockClient,
	}
}

func defaultBedrockClient(ctx context.Context, region string) (converseAPI, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

func (p *Bedrock) client(ctx context.Context, region string) (converseAPI, error) {
	if region == "" {
		region = DefaultBedrockRegion
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[region]; ok {
		return c, nil
	}
	c, err := p.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	p.clients[region] = c
	return c, nil
}

// Generate translates payload into a Converse call against entry.Model.
func (p *Bedrock) Generate(ctx context.Context, entry policy.Entry, payload json.RawMessage) (*Completion, error) {
	c, err := p.client(ctx, entry.Region)
	if err != nil {
		return nil, &UnavailableError{Provider: p.name, Model: entry.Model, Err: err}
	}

	input, err := converseInput(entry.Model, payload)
	if err != nil {
		return nil, &UnavailableError{Provider: p.name, Model: entry.Model, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	output, err := c.Converse(ctx, input)
	if err != nil {
		ue := &UnavailableError{Provider: p.name, Model: entry.Model, Err: err}
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			ue.StatusCode = re.HTTPStatusCode()
		}
		return nil, ue
	}

	out := &Completion{
		ID:           "chatcmpl-" + uuid.NewString(),
		Model:        entry.Model,
		FinishReason: finishReason(output.StopReason),
	}
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				out.Text += text.Value
			}
		}
	}
	if u := output.Usage; u != nil {
		out.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	out.Raw, err = openAIShape(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// converseInput maps the OpenAI chat fields Bedrock understands. System
// messages become system blocks; other roles map to user or assistant.
func converseInput(model string, payload json.RawMessage) (*bedrockruntime.ConverseInput, error) {
	in := &bedrockruntime.ConverseInput{ModelId: aws.String(model)}
	msgs := gjson.GetBytes(payload, "messages")
	if !msgs.IsArray() {
		return nil, errors.New("payload has no messages")
	}
	msgs.ForEach(func(_, m gjson.Result) bool {
		text := m.Get("content").String()
		switch m.Get("role").String() {
		case "system":
			in.System = append(in.System, &types.SystemContentBlockMemberText{Value: text})
		case "assistant":
			in.Messages = append(in.Messages, textMessage(types.ConversationRoleAssistant, text))
		default:
			in.Messages = append(in.Messages, textMessage(types.ConversationRoleUser, text))
		}
		return true
	})
	if len(in.Messages) == 0 {
		return nil, errors.New("payload has no user messages")
	}

	var cfg types.InferenceConfiguration
	set := false
	if v := gjson.GetBytes(payload, "max_tokens"); v.Exists() {
		cfg.MaxTokens = aws.Int32(int32(v.Int()))
		set = true
	}
	if v := gjson.GetBytes(payload, "temperature"); v.Exists() {
		cfg.Temperature = aws.Float32(float32(v.Float()))
		set = true
	}
	if v := gjson.GetBytes(payload, "top_p"); v.Exists() {
		cfg.TopP = aws.Float32(float32(v.Float()))
		set = true
	}
	if set {
		in.InferenceConfig = &cfg
	}
	return in, nil
}

func textMessage(role types.ConversationRole, text string) types.Message {
	return types.Message{
		Role:    role,
		Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
	}
}

func finishReason(r types.StopReason) string {
	switch r {
	case types.StopReasonMaxTokens:
		return "length"
	case types.StopReasonToolUse:
		return "tool_calls"
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return "content_filter"
	default:
		return "stop"
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
}

func openAIShape(c *Completion) (json.RawMessage, error) {
	b, err := json.Marshal(openAIResponse{
		ID:      c.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   c.Model,
		Choices: []openAIChoice{{
			Message:      openAIMessage{Role: "assistant", Content: c.Text},
			FinishReason: c.FinishReason,
		}},
		Usage: c.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bedrock response: %w", err)
	}
	return b, nil
}
