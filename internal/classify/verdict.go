// Package classify decides whether a context window is toxic. It talks to one
// or more remote classifier endpoints with failover, and falls back to a local
// rule-based heuristic when none of them answer.
package classify

import "errors"

// Verdict sources, reported as the detection method.
const (
	SourceDictionary = "dictionary"
	SourceModel      = "model"
	SourceFallback   = "fallback"
)

// ErrEndpoint is wrapped by every classifier endpoint failure: timeouts,
// non-2xx statuses, malformed bodies and open breakers.
var ErrEndpoint = errors.New("classify: endpoint failed")

// Verdict is the outcome of classifying one text.
type Verdict struct {
	IsToxic    bool    `json:"is_toxic"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Source     string  `json:"source"`
}

// DictionaryVerdict is used for every span in term-based mode.
func DictionaryVerdict() Verdict {
	return Verdict{IsToxic: true, Confidence: 1.0, Reason: "dictionary match", Source: SourceDictionary}
}

// Severity buckets a confidence for reporting.
func Severity(confidence float64) string {
	switch {
	case confidence >= 0.9:
		return "high"
	case confidence >= 0.7:
		return "medium"
	default:
		return "low"
	}
}
