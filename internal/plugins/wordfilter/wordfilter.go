// Package wordfilter provides a guardrail plugin that rejects questions
// containing blocked words. Register it with a blank import:
//
//	_ "github.com/ferro-labs/study-router/internal/plugins/wordfilter"
package wordfilter

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ferro-labs/study-router/plugin"
)

func init() {
	plugin.RegisterFactory("word-filter", func() plugin.Plugin {
		return &WordFilter{}
	})
}

// WordFilter blocks requests whose messages contain any configured word or
// phrase. With whole_words set, matches must fall on word boundaries.
type WordFilter struct {
	blockedWords  []string
	caseSensitive bool
	patterns      []*regexp.Regexp
}

// Name returns the plugin identifier.
func (w *WordFilter) Name() string { return "word-filter" }

// Type returns the plugin lifecycle hook type.
func (w *WordFilter) Type() plugin.PluginType { return plugin.TypeGuardrail }

// Init configures the plugin from the provided options map.
func (w *WordFilter) Init(config map[string]interface{}) error {
	switch list := config["blocked_words"].(type) {
	case []interface{}:
		for _, word := range list {
			s, ok := word.(string)
			if !ok {
				return fmt.Errorf("blocked_words: %v is not a string", word)
			}
			w.blockedWords = append(w.blockedWords, s)
		}
	case []string:
		w.blockedWords = append(w.blockedWords, list...)
	case nil:
	default:
		return fmt.Errorf("blocked_words must be a list")
	}
	if cs, ok := config["case_sensitive"].(bool); ok {
		w.caseSensitive = cs
	}
	if whole, _ := config["whole_words"].(bool); whole {
		for _, word := range w.blockedWords {
			expr := `\b` + regexp.QuoteMeta(word) + `\b`
			if !w.caseSensitive {
				expr = "(?i)" + expr
			}
			w.patterns = append(w.patterns, regexp.MustCompile(expr))
		}
	}
	return nil
}

func (w *WordFilter) match(content string) (string, bool) {
	if len(w.patterns) > 0 {
		for i, re := range w.patterns {
			if re.MatchString(content) {
				return w.blockedWords[i], true
			}
		}
		return "", false
	}
	if !w.caseSensitive {
		content = strings.ToLower(content)
	}
	for _, word := range w.blockedWords {
		check := word
		if !w.caseSensitive {
			check = strings.ToLower(check)
		}
		if strings.Contains(content, check) {
			return word, true
		}
	}
	return "", false
}

// Execute rejects the request when any message contains a blocked word.
func (w *WordFilter) Execute(_ context.Context, pctx *plugin.Context) error {
	if len(w.blockedWords) == 0 {
		return nil
	}
	for _, content := range pctx.Messages() {
		if word, ok := w.match(content); ok {
			pctx.Reject = true
			pctx.Reason = "blocked word detected: " + word
			return nil
		}
	}
	return nil
}
