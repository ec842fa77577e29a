// Package maxtoken provides a guardrail plugin that bounds max_tokens,
// message count and input length on outgoing requests. Register it with a
// blank import:
//
//	_ "github.com/ferro-labs/study-router/internal/plugins/maxtoken"
package maxtoken

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ferro-labs/study-router/plugin"
)

func init() {
	plugin.RegisterFactory("max-token", func() plugin.Plugin {
		return &MaxToken{}
	})
}

// MaxToken enforces limits on the routed payload. In "reject" mode (the
// default) an oversized max_tokens rejects the request; in "clamp" mode it
// is lowered to the limit instead.
type MaxToken struct {
	maxTokens   int
	maxMessages int
	maxInputLen int
	clamp       bool
}

// Name returns the plugin identifier.
func (m *MaxToken) Name() string { return "max-token" }

// Type returns the plugin lifecycle hook type.
func (m *MaxToken) Type() plugin.PluginType { return plugin.TypeGuardrail }

func intOption(config map[string]interface{}, key string, def int) int {
	switch v := config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// Init configures the plugin from the provided options map.
func (m *MaxToken) Init(config map[string]interface{}) error {
	m.maxTokens = intOption(config, "max_tokens", 4096)
	m.maxMessages = intOption(config, "max_messages", 100)
	m.maxInputLen = intOption(config, "max_input_length", 0)
	switch mode, _ := config["mode"].(string); mode {
	case "", "reject":
	case "clamp":
		m.clamp = true
	default:
		return fmt.Errorf("unknown max-token mode %q", mode)
	}
	return nil
}

// Execute runs the plugin logic for the current request context.
func (m *MaxToken) Execute(_ context.Context, pctx *plugin.Context) error {
	if mt := gjson.GetBytes(pctx.Payload, "max_tokens"); mt.Exists() && int(mt.Int()) > m.maxTokens {
		if !m.clamp {
			pctx.Reject = true
			pctx.Reason = fmt.Sprintf("max_tokens %d exceeds limit of %d", mt.Int(), m.maxTokens)
			return nil
		}
		out, err := sjson.SetBytes(pctx.Payload, "max_tokens", m.maxTokens)
		if err != nil {
			return fmt.Errorf("clamp max_tokens: %w", err)
		}
		pctx.Payload = out
	}

	msgs := pctx.Messages()
	if len(msgs) > m.maxMessages {
		pctx.Reject = true
		pctx.Reason = fmt.Sprintf("message count %d exceeds limit of %d", len(msgs), m.maxMessages)
		return nil
	}

	if m.maxInputLen > 0 {
		total := 0
		for _, c := range msgs {
			total += len(c)
		}
		if total > m.maxInputLen {
			pctx.Reject = true
			pctx.Reason = fmt.Sprintf("total input length %d exceeds limit of %d", total, m.maxInputLen)
		}
	}
	return nil
}
