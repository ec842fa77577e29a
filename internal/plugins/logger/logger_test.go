package logger

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ferro-labs/study-router/internal/requestlog"
	"github.com/ferro-labs/study-router/plugin"
	"github.com/ferro-labs/study-router/providers"
)

type memWriter struct{ entries []requestlog.Entry }

func (m *memWriter) Write(_ context.Context, e requestlog.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestRequestLogger_Init(t *testing.T) {
	t.Setenv("REQUEST_LOG_DRIVER", "")
	l := &RequestLogger{}
	if err := l.Init(map[string]interface{}{"level": "debug"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if l.logLevel != slog.LevelDebug {
		t.Errorf("level = %v", l.logLevel)
	}
	if _, ok := l.writer.(requestlog.NoopWriter); !ok {
		t.Errorf("writer = %T, want NoopWriter", l.writer)
	}

	if err := (&RequestLogger{}).Init(map[string]interface{}{"driver": "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRequestLogger_Stages(t *testing.T) {
	w := &memWriter{}
	l := &RequestLogger{logLevel: slog.LevelInfo, writer: w}
	ctx := context.Background()

	pctx := plugin.NewContext("task_router", []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	pctx.Label, pctx.Model = "Open QA", "meta/llama-3.1-70b-instruct"
	if err := l.Execute(ctx, pctx); err != nil {
		t.Fatal(err)
	}

	pctx.Completion = &providers.Completion{Usage: providers.Usage{PromptTokens: 5, CompletionTokens: 10, TotalTokens: 15}}
	pctx.Metadata[plugin.MetaLatencyMS] = int64(420)
	pctx.Metadata[plugin.MetaCostUSD] = 0.00001
	if err := l.Execute(ctx, pctx); err != nil {
		t.Fatal(err)
	}

	pctx.Error = errors.New("downstream timeout")
	if err := l.Execute(ctx, pctx); err != nil {
		t.Fatal(err)
	}

	if len(w.entries) != 3 {
		t.Fatalf("got %d entries", len(w.entries))
	}
	if w.entries[0].Stage != "before_request" || w.entries[1].Stage != "after_request" || w.entries[2].Stage != "on_error" {
		t.Errorf("stages = %s %s %s", w.entries[0].Stage, w.entries[1].Stage, w.entries[2].Stage)
	}
	if w.entries[1].TotalTokens != 15 || w.entries[1].LatencyMS != 420 || w.entries[1].Label != "Open QA" {
		t.Errorf("after entry = %+v", w.entries[1])
	}
	if w.entries[2].ErrorMessage != "downstream timeout" {
		t.Errorf("error entry = %+v", w.entries[2])
	}
}

func TestRequestLogger_SQLite(t *testing.T) {
	l := &RequestLogger{}
	dsn := filepath.Join(t.TempDir(), "log.db")
	if err := l.Init(map[string]interface{}{"driver": "sqlite", "dsn": dsn}); err != nil {
		t.Fatal(err)
	}
	pctx := plugin.NewContext("p", nil)
	pctx.Model = "m"
	if err := l.Execute(context.Background(), pctx); err != nil {
		t.Fatal(err)
	}
	sw := l.writer.(*requestlog.SQLWriter)
	page, err := sw.List(context.Background(), requestlog.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Errorf("total = %d", page.Total)
	}
	if err := l.Close(); err != nil {
		t.Error(err)
	}
}
