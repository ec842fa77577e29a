// Package studyrouter routes study questions and OpenAI-style chat requests
// to the hosted model best suited to answer them.
//
// The Service type is the main entry point: create one with New from a
// [Config] (see [LoadConfig] and [LoadDefaultConfig]), load plugins from
// config with LoadPlugins, and answer requests with Ask or Proxy.
//
// Each request is classified under a named policy (by a remote Triton
// classifier or local keyword rules, or by an explicit manual label), the
// payload is rewritten to target the policy entry's model, and the model is
// called exactly once. Session statistics are kept in memory.
package studyrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ferro-labs/study-router/classifier"
	"github.com/ferro-labs/study-router/internal/circuitbreaker"
	"github.com/ferro-labs/study-router/internal/logging"
	"github.com/ferro-labs/study-router/internal/metrics"
	"github.com/ferro-labs/study-router/plugin"
	"github.com/ferro-labs/study-router/policy"
	"github.com/ferro-labs/study-router/pricing"
	"github.com/ferro-labs/study-router/providers"
	"github.com/ferro-labs/study-router/routing"
	"github.com/ferro-labs/study-router/stats"
	"github.com/ferro-labs/study-router/study"
)

// EventHookFunc is called asynchronously after a request completed or failed.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking hooks.
const (
	SubjectRequestCompleted = "router.request.completed"
	SubjectRequestFailed    = "router.request.failed"
)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Option customises a Service.
type Option func(*Service)

// WithStats injects the statistics aggregator.
func WithStats(a *stats.Aggregator) Option {
	return func(s *Service) { s.stats = a }
}

// WithProvider registers p, replacing the built-in provider of the same kind.
func WithProvider(p providers.Provider) Option {
	return func(s *Service) { s.providers.Register(p) }
}

// WithClassifier sets the classifier used for the named policy.
func WithClassifier(policyName string, c classifier.Classifier) Option {
	return func(s *Service) { s.classifiers[policyName] = c }
}

// WithGetenv replaces os.Getenv for health checks.
func WithGetenv(fn func(string) string) Option {
	return func(s *Service) { s.getenv = fn }
}

// Service is safe for concurrent use. The policy table, router, classifiers
// and providers are read-only after New.
type Service struct {
	config      Config
	table       *policy.Table
	router      *routing.Router
	classifiers map[string]classifier.Classifier
	providers   *providers.Registry
	stats       *stats.Aggregator
	pricing     pricing.Defaults
	getenv      func(string) string

	mu       sync.RWMutex
	plugins  *plugin.Manager
	hooks    []EventHookFunc
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// New validates cfg and builds a Service. A config error is fatal.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	table, err := policy.Load(cfg.Policies)
	if err != nil {
		return nil, err
	}

	downstreamTimeout := duration(cfg.Downstream.Timeout, providers.DefaultTimeout)
	s := &Service{
		config:      cfg,
		table:       table,
		classifiers: make(map[string]classifier.Classifier),
		providers:   providers.NewRegistry(),
		stats:       stats.New(),
		pricing:     cfg.pricing(),
		getenv:      os.Getenv,
		plugins:     plugin.NewManager(),
		breakers:    make(map[string]*circuitbreaker.CircuitBreaker),
	}
	s.providers.Register(providers.NewOpenAICompatible(downstreamTimeout))
	s.providers.Register(providers.NewBedrock(downstreamTimeout))
	for _, opt := range opts {
		opt(s)
	}

	if err := s.buildClassifiers(); err != nil {
		return nil, err
	}
	s.router = routing.New(table, func(name string) (classifier.Classifier, bool) {
		c, ok := s.classifiers[name]
		return c, ok
	})
	return s, nil
}

// buildClassifiers picks a classifier for every policy that has none yet:
// Triton when the policy names an endpoint, keyword rules otherwise.
func (s *Service) buildClassifiers() error {
	triton := classifier.NewTriton(duration(s.config.Classifier.Timeout, classifier.DefaultTimeout))
	for _, p := range s.table.All() {
		c, ok := s.classifiers[p.Name]
		if !ok {
			if p.HasRemoteClassifier() {
				c = triton
			} else {
				kw, err := classifier.NewKeyword(p)
				if err != nil {
					return fmt.Errorf("policy %s: %w", p.Name, err)
				}
				c = kw
			}
		}
		g := &guardedClassifier{Classifier: c, policy: p.Name, endpoint: p.ClassifierURL}
		if p.HasRemoteClassifier() {
			g.cb = s.breaker("classifier:"+p.ClassifierURL, s.config.Classifier.CircuitBreaker)
		}
		s.classifiers[p.Name] = g
	}
	return nil
}

// breaker returns the shared breaker for name, or nil when cfg is nil.
func (s *Service) breaker(name string, cfg *CircuitBreakerConfig) *circuitbreaker.CircuitBreaker {
	if cfg == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cb := circuitbreaker.New(name, cfg.settings())
	cb.OnStateChange(func(name string, st circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(st))
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	s.breakers[name] = cb
	return cb
}

// guardedClassifier adds metrics and an optional circuit breaker to a classifier.
type guardedClassifier struct {
	classifier.Classifier
	policy   string
	endpoint string
	cb       *circuitbreaker.CircuitBreaker
}

func (g *guardedClassifier) Classify(ctx context.Context, text string, p *policy.Policy) (classifier.Outcome, error) {
	start := time.Now()
	var out classifier.Outcome
	call := func() error {
		var err error
		out, err = g.Classifier.Classify(ctx, text, p)
		return err
	}
	var err error
	if g.cb != nil {
		err = g.cb.Execute(call)
	} else {
		err = call()
	}
	metrics.ClassificationDuration.WithLabelValues(g.policy, g.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		errType := "unavailable"
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			errType = "circuit_open"
		}
		var ue *classifier.UnavailableError
		if !errors.As(err, &ue) {
			err = &classifier.UnavailableError{Policy: g.policy, Endpoint: g.endpoint, Err: err}
		}
		metrics.ClassificationErrors.WithLabelValues(g.policy, errType).Inc()
		return classifier.Outcome{}, err
	}
	return out, nil
}

// Ready delegates to the wrapped classifier when it can report readiness.
func (g *guardedClassifier) Ready(ctx context.Context, p *policy.Policy) error {
	if c, ok := g.Classifier.(classifier.Checker); ok {
		return c.Ready(ctx, p)
	}
	return nil
}

// RegisterPlugin registers a plugin at the given lifecycle stage.
func (s *Service) RegisterPlugin(stage plugin.Stage, p plugin.Plugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugins.Register(stage, p)
}

// LoadPlugins initializes and registers plugins from the configuration.
func (s *Service) LoadPlugins() error {
	for _, pc := range s.config.Plugins {
		if !pc.Enabled {
			continue
		}
		factory, ok := plugin.GetFactory(pc.Name)
		if !ok {
			return fmt.Errorf("unknown plugin: %s", pc.Name)
		}
		p := factory()
		if err := p.Init(pc.Config); err != nil {
			return fmt.Errorf("plugin %s init failed: %w", pc.Name, err)
		}
		if err := s.RegisterPlugin(plugin.Stage(pc.Stage), p); err != nil {
			return fmt.Errorf("plugin %s register failed: %w", pc.Name, err)
		}
	}
	return nil
}

// AddHook registers an EventHookFunc that is called asynchronously on each
// completed or failed request.
func (s *Service) AddHook(fn EventHookFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// publishEvent calls all registered hooks asynchronously.
func (s *Service) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	s.mu.RLock()
	hooks := make([]EventHookFunc, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.RUnlock()

	for _, h := range hooks {
		fn := h
		go fn(ctx, subject, data)
	}
}

// Close releases plugin resources.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugins.Close()
}

// Config returns the configuration the service was built from.
func (s *Service) Config() Config { return s.config }

// Table returns the loaded policy table.
func (s *Service) Table() *policy.Table { return s.table }

// Policies describes the loaded policies.
func (s *Service) Policies() []policy.Summary { return s.table.Summaries() }

// Stats returns a snapshot of the session statistics.
func (s *Service) Stats() stats.Snapshot { return s.stats.Snapshot() }

// ResetStats clears the session statistics and returns the empty snapshot.
func (s *Service) ResetStats() stats.Snapshot {
	s.stats.Reset()
	return s.stats.Snapshot()
}

// policyName resolves the policy for a query: the requested name, else
// DefaultPolicy when loaded, else the first declared policy.
func (s *Service) policyName(requested string) string {
	if name := strings.TrimSpace(requested); name != "" {
		return name
	}
	if _, err := s.table.Get(DefaultPolicy); err == nil {
		return DefaultPolicy
	}
	return s.table.Names()[0]
}

// Route classifies req and returns the routing decision without calling
// the downstream model.
func (s *Service) Route(ctx context.Context, req routing.Request) (*routing.Result, error) {
	res, err := s.router.Route(ctx, req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(req.Policy, "", "", "error").Inc()
		logging.FromContext(ctx).Warn("routing failed",
			"policy", req.Policy,
			"strategy", string(req.Strategy),
			"error", err.Error(),
		)
		return nil, err
	}
	if res.FellBack {
		metrics.FallbacksTotal.WithLabelValues(res.Policy).Inc()
	}
	return res, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// Ask answers a study question: it detects the subject and difficulty,
// routes the question under the requested policy, calls the chosen model
// once and records the outcome in the session statistics.
func (s *Service) Ask(ctx context.Context, q Query) (*Answer, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	question := strings.TrimSpace(q.Query)
	sc := study.Analyze(question)

	strategy, err := routing.ParseStrategy(q.strategy())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(chatPayload{
		Messages:    []chatMessage{{Role: "user", Content: sc.Prompt}},
		MaxTokens:   s.config.Downstream.maxTokens(),
		Temperature: s.config.Downstream.temperature(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	res, err := s.Route(ctx, routing.Request{
		Policy:      s.policyName(q.Policy),
		Strategy:    strategy,
		ManualLabel: strings.TrimSpace(q.Model),
		Threshold:   q.Threshold,
		Body:        body,
		Text:        question,
	})
	if err != nil {
		return nil, err
	}

	c, cost, err := s.dispatch(ctx, res, start)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)
	s.stats.Record(stats.Sample{
		Policy:     res.Policy,
		Label:      res.Label,
		Model:      res.Model,
		Subject:    sc.Subject,
		Difficulty: sc.Difficulty,
		Latency:    latency,
		CostUSD:    cost.TotalUSD,
		Tokens:     c.Usage.PromptTokens + c.Usage.CompletionTokens,
	})

	return &Answer{
		Response:           c.Text,
		ModelUsed:          res.Model,
		ClassifierUsed:     res.Label,
		PolicyUsed:         res.Policy,
		RoutingStrategy:    string(res.Strategy),
		ClassificationBy:   res.Classifier,
		ResponseTime:       latency.Seconds(),
		Usage:              c.Usage,
		Cost:               cost.TotalUSD,
		DetectedSubject:    sc.Subject,
		DetectedDifficulty: sc.Difficulty,
		Scores:             res.Scores,
		FellBack:           res.FellBack,
		Timestamp:          time.Now(),
	}, nil
}

// ProxyResult is the outcome of a proxied chat completion.
type ProxyResult struct {
	Route      *routing.Result
	Completion *providers.Completion
	Cost       pricing.CostResult
}

// Proxy routes an OpenAI-style chat payload carrying nim-llm-router controls
// and returns the downstream response. Streaming payloads are rejected.
func (s *Service) Proxy(ctx context.Context, body []byte) (*ProxyResult, error) {
	start := time.Now()
	req, err := routing.ParseRequest(body)
	if err != nil {
		return nil, err
	}
	if gjson.GetBytes(body, "stream").Bool() {
		return nil, &routing.InvalidRequestError{Reason: "streaming responses are not supported"}
	}

	res, err := s.Route(ctx, req)
	if err != nil {
		return nil, err
	}
	c, cost, err := s.dispatch(ctx, res, start)
	if err != nil {
		return nil, err
	}

	text := routing.ClassificationText(body)
	s.stats.Record(stats.Sample{
		Policy:     res.Policy,
		Label:      res.Label,
		Model:      res.Model,
		Subject:    study.DetectSubject(text),
		Difficulty: study.DetectDifficulty(text),
		Latency:    time.Since(start),
		CostUSD:    cost.TotalUSD,
		Tokens:     c.Usage.PromptTokens + c.Usage.CompletionTokens,
	})
	return &ProxyResult{Route: res, Completion: c, Cost: cost}, nil
}

// dispatch runs the plugin pipeline around a single downstream call.
func (s *Service) dispatch(ctx context.Context, res *routing.Result, start time.Time) (*providers.Completion, pricing.CostResult, error) {
	log := logging.FromContext(ctx)

	s.mu.RLock()
	plugins := s.plugins
	s.mu.RUnlock()

	pctx := plugin.NewContext(res.Policy, res.Request)
	pctx.Label, pctx.Model = res.Label, res.Model
	if plugins.HasPlugins() {
		if err := plugins.RunBefore(ctx, pctx); err != nil {
			metrics.RequestsTotal.WithLabelValues(res.Policy, res.Label, res.Model, "rejected").Inc()
			return nil, pricing.CostResult{}, err
		}
	}

	c, err := s.generate(ctx, res.Entry, pctx.Payload)
	latency := time.Since(start)
	pctx.Metadata[plugin.MetaLatencyMS] = latency.Milliseconds()

	if err != nil {
		pctx.Error = err
		plugins.RunOnError(ctx, pctx)

		errType := "unavailable"
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			errType = "circuit_open"
		}
		metrics.RequestsTotal.WithLabelValues(res.Policy, res.Label, res.Model, "error").Inc()
		metrics.DownstreamErrors.WithLabelValues(res.Model, errType).Inc()

		log.Error("request failed",
			"policy", res.Policy,
			"label", res.Label,
			"model", res.Model,
			"latency_ms", latency.Milliseconds(),
			"error", err.Error(),
		)
		s.publishEvent(ctx, SubjectRequestFailed, map[string]interface{}{
			"trace_id":   logging.TraceIDFromContext(ctx),
			"policy":     res.Policy,
			"label":      res.Label,
			"model":      res.Model,
			"error":      err.Error(),
			"latency_ms": latency.Milliseconds(),
			"timestamp":  time.Now(),
		})
		return nil, pricing.CostResult{}, err
	}

	cost := pricing.Calculate(res.Entry, s.pricing, pricing.Usage{
		PromptTokens:     c.Usage.PromptTokens,
		CompletionTokens: c.Usage.CompletionTokens,
		TotalTokens:      c.Usage.TotalTokens,
	})

	pctx.Completion = c
	pctx.Metadata[plugin.MetaCostUSD] = cost.TotalUSD
	if plugins.HasPlugins() {
		plugins.RunAfter(ctx, pctx)
	}

	metrics.RequestDuration.WithLabelValues(res.Policy, res.Model).Observe(latency.Seconds())
	metrics.RequestsTotal.WithLabelValues(res.Policy, res.Label, res.Model, "success").Inc()
	metrics.TokensInput.WithLabelValues(res.Model).Add(float64(c.Usage.PromptTokens))
	metrics.TokensOutput.WithLabelValues(res.Model).Add(float64(c.Usage.CompletionTokens))
	if cost.TotalUSD > 0 {
		metrics.RequestCostUSD.WithLabelValues(res.Model).Add(cost.TotalUSD)
	}

	log.Info("request completed",
		"policy", res.Policy,
		"label", res.Label,
		"model", res.Model,
		"classifier", res.Classifier,
		"latency_ms", latency.Milliseconds(),
		"tokens_in", c.Usage.PromptTokens,
		"tokens_out", c.Usage.CompletionTokens,
		"cost_usd", cost.TotalUSD,
	)
	s.publishEvent(ctx, SubjectRequestCompleted, map[string]interface{}{
		"trace_id":    logging.TraceIDFromContext(ctx),
		"policy":      res.Policy,
		"label":       res.Label,
		"model":       res.Model,
		"latency_ms":  latency.Milliseconds(),
		"tokens_in":   c.Usage.PromptTokens,
		"tokens_out":  c.Usage.CompletionTokens,
		"cost_usd":    cost.TotalUSD,
		"cost_source": string(cost.Source),
		"timestamp":   time.Now(),
	})
	return c, cost, nil
}

// generate calls the provider for entry once, through the endpoint's
// circuit breaker when one is configured.
func (s *Service) generate(ctx context.Context, entry policy.Entry, payload json.RawMessage) (*providers.Completion, error) {
	p, err := s.providers.For(entry)
	if err != nil {
		return nil, &providers.UnavailableError{Provider: entry.ProviderKind(), Model: entry.Model, Err: err}
	}
	cb := s.breaker("downstream:"+downstreamKey(entry), s.config.Downstream.CircuitBreaker)
	if cb == nil {
		return p.Generate(ctx, entry, payload)
	}

	var c *providers.Completion
	err = cb.Execute(func() error {
		var err error
		c, err = p.Generate(ctx, entry, payload)
		return err
	})
	if err != nil && errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, &providers.UnavailableError{Provider: p.Name(), Model: entry.Model, Err: err}
	}
	return c, err
}

func downstreamKey(entry policy.Entry) string {
	switch entry.ProviderKind() {
	case policy.ProviderBedrock:
		region := entry.Region
		if region == "" {
			region = providers.DefaultBedrockRegion
		}
		return "bedrock/" + region + "/" + entry.Model
	default:
		base := strings.TrimRight(entry.APIBase, "/")
		if base == "" {
			base = providers.DefaultAPIBase
		}
		return base + "/" + entry.Model
	}
}

// Health reports readiness of the remote classifiers and the presence of
// the downstream credentials the policies reference.
type Health struct {
	Status         string            `json:"status"`
	Dependencies   map[string]string `json:"dependencies"`
	PoliciesLoaded int               `json:"policies_loaded"`
	TotalModels    int               `json:"total_models"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Health checks every dependency. Any failing dependency makes the status
// unhealthy.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:         StatusHealthy,
		Dependencies:   make(map[string]string),
		PoliciesLoaded: len(s.table.Names()),
		TotalModels:    s.table.EntryCount(),
		Timestamp:      time.Now(),
	}

	keyRefs := make(map[string]struct{})
	for _, p := range s.table.All() {
		key := "classifier:" + p.Name
		chk, ok := s.classifiers[p.Name].(classifier.Checker)
		switch {
		case !p.HasRemoteClassifier() || !ok:
			h.Dependencies[key] = "local"
		default:
			if err := chk.Ready(ctx, p); err != nil {
				h.Dependencies[key] = "unavailable: " + err.Error()
				h.Status = StatusUnhealthy
			} else {
				h.Dependencies[key] = "ready"
			}
		}

		for _, e := range p.Entries() {
			if e.ProviderKind() != policy.ProviderOpenAI {
				continue
			}
			ref := e.APIKeyRef
			if ref == "" {
				ref = providers.DefaultAPIKeyEnv
			}
			keyRefs[ref] = struct{}{}
		}
	}

	refs := make([]string, 0, len(keyRefs))
	for ref := range keyRefs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		if s.getenv(ref) == "" {
			h.Dependencies["env:"+ref] = "missing"
			h.Status = StatusUnhealthy
		} else {
			h.Dependencies["env:"+ref] = "configured"
		}
	}
	return h
}
