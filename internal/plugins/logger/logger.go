// Package logger provides a request-logger plugin that records each routed
// request and its outcome as a structured log line and, optionally, as a
// row in the SQL request log. Register it with a blank import:
//
//	_ "github.com/ferro-labs/study-router/internal/plugins/logger"
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ferro-labs/study-router/internal/logging"
	"github.com/ferro-labs/study-router/internal/requestlog"
	"github.com/ferro-labs/study-router/plugin"
)

func init() {
	plugin.RegisterFactory("request-logger", func() plugin.Plugin {
		return &RequestLogger{}
	})
}

// RequestLogger emits one log entry per pipeline stage it is registered at.
type RequestLogger struct {
	logLevel slog.Level
	writer   requestlog.Writer
}

// Name returns the plugin identifier.
func (l *RequestLogger) Name() string { return "request-logger" }

// Type returns the plugin lifecycle hook type.
func (l *RequestLogger) Type() plugin.PluginType { return plugin.TypeLogging }

// Init configures the plugin. Options: level, driver ("sqlite" or
// "postgres"), dsn. driver and dsn default to REQUEST_LOG_DRIVER and
// REQUEST_LOG_DSN.
func (l *RequestLogger) Init(config map[string]interface{}) error {
	level, _ := config["level"].(string)
	l.logLevel = logging.ParseLevel(level)

	driver, _ := config["driver"].(string)
	if driver == "" {
		driver = os.Getenv("REQUEST_LOG_DRIVER")
	}
	dsn, _ := config["dsn"].(string)
	if dsn == "" {
		dsn = os.Getenv("REQUEST_LOG_DSN")
	}
	w, err := requestlog.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("request log: %w", err)
	}
	l.writer = w
	return nil
}

// Close releases the SQL writer, if any.
func (l *RequestLogger) Close() error {
	if c, ok := l.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func stage(pctx *plugin.Context) string {
	switch {
	case pctx.Error != nil:
		return string(plugin.StageOnError)
	case pctx.Completion != nil:
		return string(plugin.StageAfterRequest)
	default:
		return string(plugin.StageBeforeRequest)
	}
}

// Execute logs the current stage and persists it when a writer is configured.
func (l *RequestLogger) Execute(ctx context.Context, pctx *plugin.Context) error {
	log := logging.FromContext(ctx)
	entry := requestlog.Entry{
		TraceID: logging.TraceIDFromContext(ctx),
		Stage:   stage(pctx),
		Policy:  pctx.Policy,
		Label:   pctx.Label,
		Model:   pctx.Model,
	}
	if v, ok := pctx.Metadata[plugin.MetaLatencyMS].(int64); ok {
		entry.LatencyMS = v
	}
	if v, ok := pctx.Metadata[plugin.MetaCostUSD].(float64); ok {
		entry.CostUSD = v
	}

	switch entry.Stage {
	case string(plugin.StageBeforeRequest):
		log.Log(ctx, l.logLevel, "routed request",
			"policy", entry.Policy,
			"label", entry.Label,
			"model", entry.Model,
			"messages", len(pctx.Messages()),
		)
	case string(plugin.StageAfterRequest):
		u := pctx.Completion.Usage
		entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens = u.PromptTokens, u.CompletionTokens, u.TotalTokens
		log.Log(ctx, l.logLevel, "routed response",
			"policy", entry.Policy,
			"label", entry.Label,
			"model", entry.Model,
			"prompt_tokens", u.PromptTokens,
			"completion_tokens", u.CompletionTokens,
			"total_tokens", u.TotalTokens,
			"latency_ms", entry.LatencyMS,
			"cost_usd", entry.CostUSD,
		)
	default:
		entry.ErrorMessage = pctx.Error.Error()
		log.Log(ctx, slog.LevelError, "routed request failed",
			"policy", entry.Policy,
			"model", entry.Model,
			"error", entry.ErrorMessage,
		)
	}

	if l.writer == nil {
		return nil
	}
	return l.writer.Write(ctx, entry)
}
