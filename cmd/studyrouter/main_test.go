package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	studyrouter "github.com/ferro-labs/study-router"
	"github.com/ferro-labs/study-router/classifier"
	"github.com/ferro-labs/study-router/policy"
	"github.com/ferro-labs/study-router/providers"
)

type fakeProvider struct {
	err error
}

func (f *fakeProvider) Name() string { return policy.ProviderOpenAI }
func (f *fakeProvider) Generate(_ context.Context, e policy.Entry, _ json.RawMessage) (*providers.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Completion{
		Model: e.Model,
		Text:  "hello",
		Usage: providers.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		Raw:   json.RawMessage(`{"id":"fake-id","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}]}`),
	}, nil
}

type fakeClassifier struct {
	scores []float64
	err    error
}

func (f *fakeClassifier) Name() string { return "triton" }
func (f *fakeClassifier) Classify(context.Context, string, *policy.Policy) (classifier.Outcome, error) {
	return classifier.Outcome{Scores: f.scores}, f.err
}

func testService(t *testing.T, c *fakeClassifier, p *fakeProvider) *studyrouter.Service {
	t.Helper()
	cfg := studyrouter.Config{Policies: []policy.Definition{{
		Name: "task_router",
		URL:  "http://router-server:8000/v2/models/task_router_ensemble/infer",
		LLMs: []policy.Entry{
			{Label: "CodeGeneration", Model: "modelA"},
			{Label: "OpenQA", Model: "modelB"},
			{Label: "Unknown", Model: "modelC"},
		},
	}}}
	svc, err := studyrouter.New(cfg,
		studyrouter.WithClassifier("task_router", c),
		studyrouter.WithProvider(p),
		studyrouter.WithGetenv(func(string) string { return "key" }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := newRouter(testService(t, &fakeClassifier{}, &fakeProvider{}), nil)
	w := do(t, r, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestAPIHealth(t *testing.T) {
	r := newRouter(testService(t, &fakeClassifier{}, &fakeProvider{}), nil)
	w := do(t, r, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	if _, ok := body["dependencies"]; !ok {
		t.Error("health response missing dependencies field")
	}
}

func TestQuery(t *testing.T) {
	r := newRouter(testService(t, &fakeClassifier{scores: []float64{0.1, 0.8, 0.1}}, &fakeProvider{}), nil)
	w := do(t, r, "POST", "/api/query", `{"query":"What is the capital of France?","policy":"task_router","strategy":"triton"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var ans map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&ans); err != nil {
		t.Fatal(err)
	}
	if ans["model_used"] != "modelB" || ans["classifier_used"] != "OpenQA" || ans["policy_used"] != "task_router" {
		t.Errorf("unexpected answer: %v", ans)
	}
	for _, field := range []string{"response", "response_time", "usage", "cost", "detected_subject", "detected_difficulty", "timestamp"} {
		if _, ok := ans[field]; !ok {
			t.Errorf("answer missing %s", field)
		}
	}

	w = do(t, r, "GET", "/api/stats", "")
	var snap map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap["total_queries"] != float64(1) {
		t.Errorf("total_queries = %v", snap["total_queries"])
	}

	w = do(t, r, "POST", "/api/stats/reset", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total_queries":0`) {
		t.Errorf("reset: %d %s", w.Code, w.Body)
	}
}

func TestQuery_Errors(t *testing.T) {
	tests := []struct {
		name   string
		c      *fakeClassifier
		p      *fakeProvider
		body   string
		status int
	}{
		{"bad json", &fakeClassifier{}, &fakeProvider{}, `{`, http.StatusBadRequest},
		{"empty query", &fakeClassifier{}, &fakeProvider{}, `{"query":""}`, http.StatusBadRequest},
		{"unknown manual label", &fakeClassifier{}, &fakeProvider{}, `{"query":"q","strategy":"manual","model":"Poetry"}`, http.StatusBadRequest},
		{"unknown policy", &fakeClassifier{}, &fakeProvider{}, `{"query":"q","policy":"nope"}`, http.StatusNotFound},
		{"classifier timeout", &fakeClassifier{err: context.DeadlineExceeded}, &fakeProvider{}, `{"query":"q"}`, http.StatusServiceUnavailable},
		{"classifier down", &fakeClassifier{err: &classifier.UnavailableError{Policy: "task_router", Err: errors.New("refused")}}, &fakeProvider{}, `{"query":"q"}`, http.StatusServiceUnavailable},
		{"downstream down", &fakeClassifier{scores: []float64{1, 0, 0}}, &fakeProvider{err: &providers.UnavailableError{Provider: "openai", Model: "modelA", StatusCode: 500}}, `{"query":"q"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(testService(t, tt.c, tt.p), nil)
			w := do(t, r, "POST", "/api/query", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("expected JSON error body, got %s", w.Body)
			}
		})
	}
}

func TestQueryEndpoint_NoRuleMatched(t *testing.T) {
	cfg := studyrouter.Config{Policies: []policy.Definition{{
		Name: "strict",
		LLMs: []policy.Entry{
			{Label: "Math", Model: "modelA"},
			{Label: "Code", Model: "modelB"},
		},
		Rules: []policy.Rule{
			{Label: "Math", Keywords: []string{"integral", "equation"}},
			{Label: "Code", Keywords: []string{"python", "function"}},
		},
	}}}
	svc, err := studyrouter.New(cfg, studyrouter.WithProvider(&fakeProvider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := newRouter(svc, nil)

	w := do(t, r, "POST", "/api/query", `{"query":"tell me about the war","policy":"strict"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body["error"], "no rule matched") {
		t.Errorf("error = %q", body["error"])
	}

	w = do(t, r, "POST", "/api/query", `{"query":"solve this equation","policy":"strict"}`)
	if w.Code != http.StatusOK {
		t.Errorf("matching rule: status = %d: %s", w.Code, w.Body)
	}
}

func TestChatCompletions(t *testing.T) {
	r := newRouter(testService(t, &fakeClassifier{}, &fakeProvider{}), nil)
	body := `{"model":"","messages":[{"role":"user","content":"hi"}],"nim-llm-router":{"policy":"task_router","routing_strategy":"manual","model":"CodeGeneration"}}`
	w := do(t, r, "POST", "/v1/chat/completions", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if got := w.Header().Get(headerChosenModel); got != "modelA" {
		t.Errorf("%s = %q", headerChosenModel, got)
	}
	if got := w.Header().Get(headerChosenClassifier); got != "CodeGeneration" {
		t.Errorf("%s = %q", headerChosenClassifier, got)
	}
	if !strings.Contains(w.Body.String(), `"fake-id"`) {
		t.Errorf("downstream body not returned: %s", w.Body)
	}

	w = do(t, r, "POST", "/v1/chat/completions", `{"messages":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing policy: status = %d", w.Code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	r := newRouter(testService(t, &fakeClassifier{}, &fakeProvider{}), nil)
	w := do(t, r, "GET", "/api/config", "")
	var body struct {
		Policies    []policy.Summary `json:"policies"`
		TotalModels int              `json:"total_models"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Policies) != 1 || body.TotalModels != 3 || body.Policies[0].Classifier != "triton" {
		t.Errorf("config = %+v", body)
	}
}

func TestCORS(t *testing.T) {
	r := newRouter(testService(t, &fakeClassifier{}, &fakeProvider{}), []string{"http://localhost:3000"})
	req := httptest.NewRequest("OPTIONS", "/api/query", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(testService(t, &fakeClassifier{}, &fakeProvider{}), nil)
	w := do(t, r, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
