package routing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/ferro-labs/study-router/classifier"
	"github.com/ferro-labs/study-router/policy"
)

type fakeClassifier struct {
	out   classifier.Outcome
	err   error
	calls int
	text  string
}

func (f *fakeClassifier) Name() string { return "fake" }

func (f *fakeClassifier) Classify(_ context.Context, text string, _ *policy.Policy) (classifier.Outcome, error) {
	f.calls++
	f.text = text
	return f.out, f.err
}

func taskTable(t *testing.T) *policy.Table {
	t.Helper()
	tbl, err := policy.Load([]policy.Definition{{
		Name: "task_router",
		URL:  "http://classifier/v2/models/task_router_ensemble/infer",
		LLMs: []policy.Entry{
			{Label: "CodeGeneration", Model: "model-a"},
			{Label: "OpenQA", Model: "model-b"},
			{Label: "Unknown", Model: "model-c"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func newRouter(t *testing.T, c classifier.Classifier) *Router {
	return New(taskTable(t), func(string) (classifier.Classifier, bool) { return c, c != nil })
}

const body = `{"messages":[{"role":"user","content":"Write a python sort"}],"temperature":0.3,"nim-llm-router":{"policy":"task_router"}}`

func TestRoute_Scenarios(t *testing.T) {
	tests := []struct {
		name      string
		scores    []float64
		wantLabel string
		wantModel string
		fellBack  bool
	}{
		{"code generation", []float64{0.7, 0.2, 0.1}, "CodeGeneration", "model-a", false},
		{"open qa", []float64{0.1, 0.85, 0.05}, "OpenQA", "model-b", false},
		{"tie resolves to earliest", []float64{0.4, 0.4, 0.2}, "CodeGeneration", "model-a", false},
		{"empty scores use default", nil, "Unknown", "model-c", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeClassifier{out: classifier.Outcome{Scores: tt.scores}}
			if tt.scores == nil {
				fc.out = classifier.Outcome{Label: "Poetry"}
			}
			res, err := newRouter(t, fc).Route(context.Background(), Request{Policy: "task_router", Body: json.RawMessage(body)})
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if res.Label != tt.wantLabel || res.Model != tt.wantModel || res.FellBack != tt.fellBack {
				t.Errorf("got label=%q model=%q fellBack=%v", res.Label, res.Model, res.FellBack)
			}
			if m := gjson.GetBytes(res.Request, "model").String(); m != tt.wantModel {
				t.Errorf("rewritten model = %q", m)
			}
			if gjson.GetBytes(res.Request, ControlField).Exists() {
				t.Error("routing controls not removed")
			}
			if gjson.GetBytes(res.Request, "temperature").Float() != 0.3 {
				t.Error("unrelated field not preserved")
			}
		})
	}
}

func TestRoute_Manual(t *testing.T) {
	fc := &fakeClassifier{}
	r := newRouter(t, fc)

	res, err := r.Route(context.Background(), Request{Policy: "task_router", Strategy: StrategyManual, ManualLabel: "OpenQA", Body: json.RawMessage(body)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Model != "model-b" || res.Classifier != "manual" {
		t.Errorf("unexpected result: %+v", res)
	}
	if fc.calls != 0 {
		t.Errorf("classifier called %d times for manual routing", fc.calls)
	}

	for _, label := range []string{"", "Poetry"} {
		_, err := r.Route(context.Background(), Request{Policy: "task_router", Strategy: StrategyManual, ManualLabel: label})
		var ile *InvalidLabelError
		if !errors.As(err, &ile) {
			t.Errorf("label %q: expected *InvalidLabelError, got %v", label, err)
		}
	}
}

func TestRoute_UnknownPolicy(t *testing.T) {
	_, err := newRouter(t, &fakeClassifier{}).Route(context.Background(), Request{Policy: "nope"})
	var upe *policy.UnknownPolicyError
	if !errors.As(err, &upe) {
		t.Fatalf("expected *UnknownPolicyError, got %v", err)
	}
}

func TestRoute_ClassifierUnavailable(t *testing.T) {
	fc := &fakeClassifier{err: &classifier.UnavailableError{Policy: "task_router", Err: errors.New("timeout")}}
	_, err := newRouter(t, fc).Route(context.Background(), Request{Policy: "task_router", Body: json.RawMessage(body)})
	if !errors.Is(err, classifier.ErrUnavailable) {
		t.Fatalf("expected classifier unavailable, got %v", err)
	}

	_, err = newRouter(t, nil).Route(context.Background(), Request{Policy: "task_router", Body: json.RawMessage(body)})
	if !errors.Is(err, classifier.ErrUnavailable) {
		t.Fatalf("missing classifier: expected unavailable, got %v", err)
	}
}

func TestRoute_Threshold(t *testing.T) {
	fc := &fakeClassifier{out: classifier.Outcome{Scores: []float64{0.4, 0.35, 0.25}}}
	r := newRouter(t, fc)

	low := 0.3
	res, err := r.Route(context.Background(), Request{Policy: "task_router", Threshold: &low, Body: json.RawMessage(body)})
	if err != nil || res.Label != "CodeGeneration" {
		t.Fatalf("below-threshold check misfired: %+v, %v", res, err)
	}

	high := 0.5
	res, err = r.Route(context.Background(), Request{Policy: "task_router", Threshold: &high, Body: json.RawMessage(body)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Label != "Unknown" || !res.FellBack {
		t.Errorf("expected default fallback, got %q", res.Label)
	}
	if res.Scores["CodeGeneration"] != 0.4 {
		t.Errorf("scores not reported: %v", res.Scores)
	}
}

func TestRoute_ScoreLengthMismatch(t *testing.T) {
	// Extra trailing scores beyond the declared entries are ignored.
	fc := &fakeClassifier{out: classifier.Outcome{Scores: []float64{0.1, 0.2, 0.1, 0.9}}}
	res, err := newRouter(t, fc).Route(context.Background(), Request{Policy: "task_router", Body: json.RawMessage(body)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Label != "OpenQA" {
		t.Errorf("label = %q, want OpenQA", res.Label)
	}
}

func TestRoute_Idempotent(t *testing.T) {
	fc := &fakeClassifier{out: classifier.Outcome{Scores: []float64{0.1, 0.8, 0.1}}}
	r := newRouter(t, fc)
	req := Request{Policy: "task_router", Body: json.RawMessage(body)}

	first, err := r.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if string(first.Request) != string(second.Request) || first.Model != second.Model {
		t.Errorf("routing not idempotent:\n%s\n%s", first.Request, second.Request)
	}

	again, err := Rewrite(first.Request, first.Model)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(first.Request) {
		t.Errorf("rewrite not idempotent: %s", again)
	}
}

func TestRoute_ClassificationText(t *testing.T) {
	fc := &fakeClassifier{out: classifier.Outcome{Label: "OpenQA"}}
	r := newRouter(t, fc)
	long := `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"` + strings.Repeat("x", 3000) + `"}]}`
	if _, err := r.Route(context.Background(), Request{Policy: "task_router", Body: json.RawMessage(long)}); err != nil {
		t.Fatal(err)
	}
	if len(fc.text) != MaxClassificationText {
		t.Errorf("classified %d bytes, want %d", len(fc.text), MaxClassificationText)
	}

	if _, err := r.Route(context.Background(), Request{Policy: "task_router", Text: "override", Body: json.RawMessage(long)}); err != nil {
		t.Fatal(err)
	}
	if fc.text != "override" {
		t.Errorf("text = %q, want override", fc.text)
	}
}

func TestClassificationText(t *testing.T) {
	got := ClassificationText([]byte(`{"messages":[
		{"role":"system","content":"sys"},
		{"role":"user","content":[{"type":"text","text":"part one"},{"type":"image_url","image_url":{"url":"x"}}]},
		{"role":"user","content":"last"}]}`))
	if got != "sys\npart one\nlast" {
		t.Errorf("got %q", got)
	}
	if ClassificationText([]byte(`{}`)) != "" {
		t.Error("expected empty text for payload without messages")
	}
}

func TestTail_UTF8(t *testing.T) {
	s := strings.Repeat("é", 10) // 20 bytes
	got := tail(s, 5)
	if got != "éé" {
		t.Errorf("tail = %q", got)
	}
}

func TestArgmax(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		limit  int
		want   int
	}{
		{"simple", []float64{0.1, 0.5, 0.4}, 3, 1},
		{"tie earliest", []float64{0.5, 0.5}, 2, 0},
		{"limit", []float64{0.1, 0.2, 0.9}, 2, 1},
		{"empty", nil, 3, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := Argmax(tt.scores, tt.limit); got != tt.want {
				t.Errorf("Argmax = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"messages":[],"nim-llm-router":{"policy":"task_router","routing_strategy":"manual","model":"OpenQA","threshold":0.6}}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Policy != "task_router" || req.Strategy != StrategyManual || req.ManualLabel != "OpenQA" {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.Threshold == nil || *req.Threshold != 0.6 {
		t.Errorf("threshold = %v", req.Threshold)
	}

	req, err = ParseRequest([]byte(`{"nim-llm-router":{"policy":"p","routing_strategy":"triton"}}`))
	if err != nil || req.Strategy != StrategyAuto {
		t.Errorf("triton should map to auto: %+v %v", req, err)
	}

	bad := []string{
		`not json`,
		`{"messages":[]}`,
		`{"nim-llm-router":"task_router"}`,
		`{"nim-llm-router":{"policy":"p","routing_strategy":"random"}}`,
		`{"nim-llm-router":{"policy":"p","threshold":"high"}}`,
	}
	for _, b := range bad {
		_, err := ParseRequest([]byte(b))
		var ire *InvalidRequestError
		if !errors.As(err, &ire) {
			t.Errorf("%s: expected *InvalidRequestError, got %v", b, err)
		}
	}
}
