package routing

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ControlField is the payload key carrying routing controls. It is removed
// before the request is forwarded downstream.
const ControlField = "nim-llm-router"

// MaxClassificationText is the number of trailing bytes of conversation text
// sent to a classifier.
const MaxClassificationText = 2000

// Strategy selects how the destination entry is chosen.
type Strategy string

// Supported strategies.
const (
	StrategyAuto   Strategy = "auto"
	StrategyManual Strategy = "manual"
)

// ParseStrategy normalises a strategy name. "triton" is accepted as an
// alias of auto and the empty string defaults to auto.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "triton":
		return StrategyAuto, nil
	case "manual":
		return StrategyManual, nil
	default:
		return "", &InvalidRequestError{Reason: "unknown routing strategy " + s}
	}
}

// Request is a routing request: an opaque chat payload plus routing controls.
type Request struct {
	Policy      string
	Strategy    Strategy
	ManualLabel string
	// Threshold overrides the policy threshold when non-nil.
	Threshold *float64
	// Body is the OpenAI-style chat payload. Unknown fields are preserved.
	Body json.RawMessage
	// Text, when set, is classified instead of the text derived from Body.
	Text string
}

// ParseRequest extracts routing controls from the nim-llm-router object of
// an OpenAI-style chat payload.
func ParseRequest(body []byte) (Request, error) {
	if !gjson.ValidBytes(body) {
		return Request{}, &InvalidRequestError{Reason: "request body is not valid JSON"}
	}
	ctl := gjson.GetBytes(body, ControlField)
	if ctl.Exists() && !ctl.IsObject() {
		return Request{}, &InvalidRequestError{Reason: ControlField + " must be an object"}
	}

	strategy, err := ParseStrategy(ctl.Get("routing_strategy").String())
	if err != nil {
		return Request{}, err
	}
	req := Request{
		Policy:      ctl.Get("policy").String(),
		Strategy:    strategy,
		ManualLabel: ctl.Get("model").String(),
		Body:        json.RawMessage(body),
	}
	if th := ctl.Get("threshold"); th.Exists() {
		if th.Type != gjson.Number {
			return Request{}, &InvalidRequestError{Reason: "threshold must be a number"}
		}
		v := th.Float()
		req.Threshold = &v
	}
	if req.Policy == "" {
		return Request{}, &InvalidRequestError{Reason: ControlField + ".policy is required"}
	}
	return req, nil
}

// ClassificationText joins the content of every message with a newline and
// keeps the trailing MaxClassificationText bytes. Multi-part contents
// contribute their text parts only.
func ClassificationText(body []byte) string {
	var parts []string
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "text" {
					parts = append(parts, part.Get("text").String())
				}
				return true
			})
			return true
		}
		if s := content.String(); s != "" {
			parts = append(parts, s)
		}
		return true
	})
	return tail(strings.Join(parts, "\n"), MaxClassificationText)
}

// tail returns the last n bytes of s without splitting a UTF-8 sequence.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
