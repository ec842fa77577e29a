// Package plugin defines the Plugin interface and the lifecycle stages used
// to hook into the routing pipeline.
//
// Plugins are registered by name via RegisterFactory and loaded by the
// service at startup. The plugin.Context carries the routed payload and the
// downstream completion through each stage; plugins may modify, reject, or
// skip requests.
//
// Built-in plugins live in the internal/plugins/* packages and are registered
// by importing them with a blank import (e.g. _ "github.com/ferro-labs/study-router/internal/plugins/wordfilter").
package plugin

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/ferro-labs/study-router/providers"
)

// Plugin is the interface all plugins must implement.
type Plugin interface {
	Name() string
	Type() PluginType
	Init(config map[string]interface{}) error
	Execute(ctx context.Context, pctx *Context) error
}

// PluginType categorizes plugins.
//nolint:revive // exported name kept stable for plugin authors
type PluginType string

// PluginType constants.
const (
	TypeGuardrail PluginType = "guardrail"
	TypeLogging   PluginType = "logging"
	TypeTransform PluginType = "transform"
)

// Stage defines when a plugin runs in the request lifecycle.
type Stage string

// Stage constants define the execution phases of a routed request.
const (
	StageBeforeRequest Stage = "before_request"
	StageAfterRequest  Stage = "after_request"
	StageOnError       Stage = "on_error"
)

// Metadata keys set by the service before after-request and on-error plugins run.
const (
	MetaLatencyMS = "latency_ms"
	MetaCostUSD   = "cost_usd"
)

// Context provides access to request/response data for plugins.
//
// Before-request plugins run after routing, so Policy, Label and Model are
// known and Payload is the rewritten downstream request. A plugin that
// changes Payload changes what is sent downstream.
type Context struct {
	Policy     string
	Label      string
	Model      string
	Payload    json.RawMessage
	Completion *providers.Completion
	Metadata   map[string]interface{}
	Error      error
	Skip       bool
	Reject     bool
	Reason     string
}

// NewContext creates a new plugin context for a routed payload.
func NewContext(policy string, payload json.RawMessage) *Context {
	return &Context{
		Policy:   policy,
		Payload:  payload,
		Metadata: make(map[string]interface{}),
	}
}

// Messages returns the payload's message contents in order. Multi-part
// contents contribute their text parts.
func (c *Context) Messages() []string {
	var out []string
	gjson.GetBytes(c.Payload, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					out = append(out, part.Get("text").String())
				}
				return true
			})
			return true
		}
		out = append(out, content.String())
		return true
	})
	return out
}
