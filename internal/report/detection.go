// Package report carries detection reports from page engines to durable
// storage. Engines submit through a Reporter; the NATS publisher ships them
// to the report sink, which persists them in PostgreSQL.
package report

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when the publish queue has no room.
	ErrQueueFull = errors.New("report: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("report: publisher closed")
)

// Detection is one flagged span as reported to the sink.
type Detection struct {
	ID              string    `json:"id"`
	Language        string    `json:"language"`
	DetectedWord    string    `json:"detected_word"`
	Context         string    `json:"context"`
	ConfidenceScore float64   `json:"confidence_score"`
	SourceURL       string    `json:"source_url"`
	DetectionMethod string    `json:"detection_method"`
	Severity        string    `json:"severity"`
	DetectedAt      time.Time `json:"detected_at"`
}

// Reporter accepts detections. Submit must not block on the network.
type Reporter interface {
	Submit(ctx context.Context, d Detection) error
}

// Nop discards every detection.
type Nop struct{}

// Submit implements Reporter.
func (Nop) Submit(context.Context, Detection) error { return nil }

// SourceHost returns the lowercase host of rawURL, or "unknown".
func SourceHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
