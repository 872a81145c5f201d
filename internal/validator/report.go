package validator

import (
	"time"

	"github.com/jkaninda/keyward/internal/provider"
)

// StatusSkipped marks keys not validated because their provider's circuit
// breaker tripped earlier in the same run. It is a report status only and
// never produced by a provider.
const StatusSkipped provider.Status = "skipped"

// Pair is one credential to validate, in caller order.
type Pair struct {
	Name  string `json:"name"`
	Value string `json:"-"`
}

// Result is one report row. It never carries the raw value.
type Result struct {
	EnvVar       string              `json:"env_var"`
	Provider     string              `json:"provider"`
	Status       provider.Status     `json:"status"`
	Detail       string              `json:"detail,omitempty"`
	Fingerprint  string              `json:"fingerprint"`
	LatencyMS    float64             `json:"latency_ms"`
	Error        string              `json:"error,omitempty"`
	Cached       bool                `json:"cached"`
	AutoDetected bool                `json:"auto_detected"`
	RateLimit    *provider.RateLimit `json:"rate_limit,omitempty"`
}

// Failing reports whether the result counts as a failed key.
func (r Result) Failing() bool {
	return r.Status != provider.StatusValid && r.Status != StatusSkipped
}

// Summary aggregates a run.
type Summary struct {
	Total           int                     `json:"total"`
	Counts          map[provider.Status]int `json:"counts"`
	CacheHits       int                     `json:"cache_hits"`
	CacheHitRate    float64                 `json:"cache_hit_rate"`
	AutoDetected    int                     `json:"auto_detected"`
	Unmatched       int                     `json:"unmatched"`
	BailedProviders []string                `json:"bailed_providers"`
	AvgLatencyMS    float64                 `json:"avg_latency_ms"`
}

// Report is the output of a validation run.
type Report struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Results    []Result        `json:"results"`
	Summary    Summary         `json:"summary"`
	SelfTest   *SelfTestReport `json:"self_test,omitempty"`
}

// HasFailures reports whether any key failed validation.
func (r *Report) HasFailures() bool {
	for _, res := range r.Results {
		if res.Failing() {
			return true
		}
	}
	return false
}

func summarize(results []Result, unmatched int, bailed []string) Summary {
	s := Summary{
		Total:           len(results),
		Counts:          make(map[provider.Status]int),
		Unmatched:       unmatched,
		BailedProviders: bailed,
	}
	if s.BailedProviders == nil {
		s.BailedProviders = []string{}
	}
	var fresh int
	var latency float64
	for _, r := range results {
		s.Counts[r.Status]++
		if r.Cached {
			s.CacheHits++
		}
		if r.AutoDetected {
			s.AutoDetected++
		}
		if !r.Cached && r.LatencyMS > 0 {
			fresh++
			latency += r.LatencyMS
		}
	}
	if s.Total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.Total)
	}
	if fresh > 0 {
		s.AvgLatencyMS = latency / float64(fresh)
	}
	return s
}
