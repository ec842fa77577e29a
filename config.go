package studyrouter

import (
	"time"

	"github.com/ferro-labs/study-router/internal/circuitbreaker"
	"github.com/ferro-labs/study-router/policy"
	"github.com/ferro-labs/study-router/pricing"
)

// Request defaults applied to /api/query payloads.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
	// DefaultPolicy is used when a query names no policy and the table has it.
	DefaultPolicy = "task_router"
)

// Config holds the configuration for the study router.
type Config struct {
	// Policies are the routing policies, in declaration order.
	Policies []policy.Definition `json:"policies" yaml:"policies"`
	// Classifier configures the remote classification client.
	Classifier ClassifierConfig `json:"classifier,omitempty" yaml:"classifier,omitempty"`
	// Downstream configures the model clients.
	Downstream DownstreamConfig `json:"downstream,omitempty" yaml:"downstream,omitempty"`
	// Pricing overrides the default per-1K token prices. Optional.
	Pricing *pricing.Defaults `json:"pricing,omitempty" yaml:"pricing,omitempty"`
	// Plugins configuration (optional).
	Plugins []PluginConfig `json:"plugins,omitempty" yaml:"plugins,omitempty"`
}

// ClassifierConfig configures remote classifier calls.
type ClassifierConfig struct {
	// Timeout is a Go duration string, e.g. "30s".
	Timeout        string                `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

// DownstreamConfig configures calls to the routed models.
type DownstreamConfig struct {
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxTokens and Temperature are set on /api/query payloads.
	MaxTokens      int                   `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig enables a per-endpoint circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	Timeout          string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// PluginConfig holds plugin configuration.
type PluginConfig struct {
	Name    string                 `json:"name" yaml:"name"`
	Type    string                 `json:"type" yaml:"type"`
	Stage   string                 `json:"stage" yaml:"stage"`
	Enabled bool                   `json:"enabled" yaml:"enabled"`
	Config  map[string]interface{} `json:"config" yaml:"config"`
}

func (c *CircuitBreakerConfig) settings() circuitbreaker.Settings {
	timeout, _ := time.ParseDuration(c.Timeout)
	return circuitbreaker.Settings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          timeout,
	}
}

// maxTokens returns the configured max_tokens or DefaultMaxTokens.
func (d DownstreamConfig) maxTokens() int {
	if d.MaxTokens > 0 {
		return d.MaxTokens
	}
	return DefaultMaxTokens
}

func (d DownstreamConfig) temperature() float64 {
	if d.Temperature != nil {
		return *d.Temperature
	}
	return DefaultTemperature
}

func (c Config) pricing() pricing.Defaults {
	if c.Pricing != nil {
		return *c.Pricing
	}
	return pricing.StandardDefaults()
}

// duration parses s, returning def when s is empty.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
