package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ferro-labs/study-router/policy"
)

const chatResponse = `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"meta/llama-3.1-70b-instruct",
"choices":[{"index":0,"message":{"role":"assistant","content":"Recursion is..."},"finish_reason":"stop"}],
"usage":{"prompt_tokens":12,"completion_tokens":30,"total_tokens":42}}`

func TestEndpoint(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "https://integrate.api.nvidia.com/v1/"},
		{"http://nim:8000", "http://nim:8000/v1/"},
		{"http://nim:8000/", "http://nim:8000/v1/"},
		{"http://nim:8000/v1", "http://nim:8000/v1/"},
	}
	for _, tt := range tests {
		if got := endpoint(tt.in); got != tt.want {
			t.Errorf("endpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenAICompatible_Generate(t *testing.T) {
	var gotBody []byte
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse))
	}))
	defer srv.Close()

	p := NewOpenAICompatible(time.Second)
	p.getenv = func(k string) string {
		if k == "TEST_KEY" {
			return "secret"
		}
		return ""
	}
	entry := policy.Entry{Label: "OpenQA", Model: "meta/llama-3.1-70b-instruct", APIBase: srv.URL, APIKeyRef: "TEST_KEY"}
	payload := json.RawMessage(`{"model":"meta/llama-3.1-70b-instruct","messages":[{"role":"user","content":"what is recursion"}],"custom_field":7}`)

	c, err := p.Generate(context.Background(), entry, payload)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gjson.GetBytes(gotBody, "custom_field").Int() != 7 {
		t.Errorf("payload not forwarded verbatim: %s", gotBody)
	}
	if c.Text != "Recursion is..." || c.Usage.TotalTokens != 42 || c.Usage.PromptTokens != 12 {
		t.Errorf("unexpected completion: %+v", c)
	}
	if gjson.GetBytes(c.Raw, "id").String() != "cmpl-1" {
		t.Errorf("raw body not kept: %s", c.Raw)
	}
}

func TestOpenAICompatible_ErrorStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatible(time.Second)
	_, err := p.Generate(context.Background(), policy.Entry{Model: "m", APIBase: srv.URL}, json.RawMessage(`{"model":"m","messages":[]}`))
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UnavailableError, got %v", err)
	}
	if ue.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d", ue.StatusCode)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Error("errors.Is(err, ErrUnavailable) = false")
	}
	if calls != 1 {
		t.Errorf("downstream called %d times, want exactly once", calls)
	}
}

func TestOpenAICompatible_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(chatResponse))
	}))
	defer srv.Close()

	p := NewOpenAICompatible(50 * time.Millisecond)
	_, err := p.Generate(context.Background(), policy.Entry{Model: "m", APIBase: srv.URL}, json.RawMessage(`{"model":"m","messages":[]}`))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable on timeout, got %v", err)
	}
}

func TestOpenAICompatible_ClientCache(t *testing.T) {
	p := NewOpenAICompatible(time.Second)
	p.client(policy.Entry{APIBase: "http://a"})
	p.client(policy.Entry{APIBase: "http://a/"})
	p.client(policy.Entry{APIBase: "http://b"})
	if len(p.clients) != 2 {
		t.Errorf("cached %d clients, want 2", len(p.clients))
	}
}

func TestOpenAICompatible_KeyRotation(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse))
	}))
	defer srv.Close()

	key := ""
	p := NewOpenAICompatible(time.Second)
	p.getenv = func(string) string { return key }
	entry := policy.Entry{Model: "m", APIBase: srv.URL, APIKeyRef: "TEST_KEY"}
	payload := json.RawMessage(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)

	for _, k := range []string{"first", "second"} {
		key = k
		if _, err := p.Generate(context.Background(), entry, payload); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	if len(auths) != 2 || auths[0] != "Bearer first" || auths[1] != "Bearer second" {
		t.Errorf("Authorization headers = %v", auths)
	}
}
