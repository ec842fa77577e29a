// Package stats keeps the in-memory session statistics of the router.
//
// An Aggregator is the only shared mutable state in the service. Every
// update happens under one mutex so a snapshot never observes a partially
// applied sample.
package stats

import (
	"maps"
	"sync"
	"time"
)

// Sample describes one completed query.
type Sample struct {
	Policy     string
	Label      string
	Model      string
	Subject    string
	Difficulty string
	Latency    time.Duration
	CostUSD    float64
	Tokens     int
}

// Snapshot is a point-in-time copy of the session statistics.
type Snapshot struct {
	TotalQueries        int            `json:"total_queries"`
	QueriesBySubject    map[string]int `json:"queries_by_subject"`
	QueriesByDifficulty map[string]int `json:"queries_by_difficulty"`
	QueriesByPolicy     map[string]int `json:"queries_by_policy"`
	QueriesByModel      map[string]int `json:"queries_by_model"`
	QueriesByLabel      map[string]int `json:"queries_by_label"`
	AverageResponseTime float64        `json:"average_response_time"`
	TotalResponseTime   float64        `json:"total_response_time"`
	TotalCost           float64        `json:"total_cost"`
	TotalTokens         int            `json:"total_tokens"`
	SessionStart        time.Time      `json:"session_start"`
}

// Aggregator accumulates samples. The zero value is not usable; call New.
type Aggregator struct {
	mu  sync.Mutex
	now func() time.Time
	s   Snapshot
}

// New returns an empty aggregator whose session starts now.
func New() *Aggregator {
	a := &Aggregator{now: time.Now}
	a.s = empty(a.now())
	return a
}

func empty(start time.Time) Snapshot {
	return Snapshot{
		QueriesBySubject:    map[string]int{},
		QueriesByDifficulty: map[string]int{},
		QueriesByPolicy:     map[string]int{},
		QueriesByModel:      map[string]int{},
		QueriesByLabel:      map[string]int{},
		SessionStart:        start,
	}
}

// Record applies one sample atomically. Empty dimension values are not
// counted in their breakdown.
func (a *Aggregator) Record(smp Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.s.TotalQueries++
	a.s.TotalCost += smp.CostUSD
	a.s.TotalTokens += smp.Tokens
	a.s.TotalResponseTime += smp.Latency.Seconds()
	a.s.AverageResponseTime = a.s.TotalResponseTime / float64(a.s.TotalQueries)

	incr(a.s.QueriesByPolicy, smp.Policy)
	incr(a.s.QueriesByLabel, smp.Label)
	incr(a.s.QueriesByModel, smp.Model)
	incr(a.s.QueriesBySubject, smp.Subject)
	incr(a.s.QueriesByDifficulty, smp.Difficulty)
}

func incr(m map[string]int, key string) {
	if key != "" {
		m[key]++
	}
}

// Snapshot returns a deep copy of the current statistics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.s
	out.QueriesBySubject = maps.Clone(a.s.QueriesBySubject)
	out.QueriesByDifficulty = maps.Clone(a.s.QueriesByDifficulty)
	out.QueriesByPolicy = maps.Clone(a.s.QueriesByPolicy)
	out.QueriesByModel = maps.Clone(a.s.QueriesByModel)
	out.QueriesByLabel = maps.Clone(a.s.QueriesByLabel)
	return out
}

// Reset clears all counters and starts a new session.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s = empty(a.now())
}
