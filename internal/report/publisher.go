package report

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pageguard/internal/metrics"
	"github.com/whisper/pageguard/internal/ratelimit"
)

// DefaultQueueSize bounds the number of detections waiting to be published.
const DefaultQueueSize = 256

// limitTimeout caps the Redis round trip of the per-host rate limit check.
const limitTimeout = 500 * time.Millisecond

// Publisher is the subset of the NATS client used to ship detections.
type Publisher interface {
	PublishDetection(data []byte) error
}

// Limiter throttles reports per source host.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// NATSPublisher publishes detections from a single background worker.
// Submit only enqueues, so a slow or unavailable broker never stalls a scan.
type NATSPublisher struct {
	pub     Publisher
	limiter Limiter
	log     logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	queue  chan Detection
	wg     sync.WaitGroup
}

// PublisherOption configures a NATSPublisher.
type PublisherOption func(*NATSPublisher)

// WithLimiter enables per-host rate limiting with ratelimit.RuleReport.
func WithLimiter(l Limiter) PublisherOption {
	return func(p *NATSPublisher) { p.limiter = l }
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(log logrus.FieldLogger) PublisherOption {
	return func(p *NATSPublisher) { p.log = log }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) PublisherOption {
	return func(p *NATSPublisher) {
		if n > 0 {
			p.queue = make(chan Detection, n)
		}
	}
}

// NewNATSPublisher starts the publish worker.
func NewNATSPublisher(pub Publisher, opts ...PublisherOption) *NATSPublisher {
	p := &NATSPublisher{
		pub:   pub,
		log:   logrus.StandardLogger(),
		queue: make(chan Detection, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithField("component", "report")

	p.wg.Add(1)
	go p.run()
	return p
}

// Submit enqueues d for publishing. It never blocks; when the queue is full
// the detection is dropped and ErrQueueFull returned.
func (p *NATSPublisher) Submit(_ context.Context, d Detection) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- d:
		return nil
	default:
		metrics.ReportsTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Close stops accepting detections and waits until the queue is drained.
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *NATSPublisher) run() {
	defer p.wg.Done()
	for d := range p.queue {
		p.publish(d)
	}
}

func (p *NATSPublisher) publish(d Detection) {
	host := SourceHost(d.SourceURL)

	if p.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), limitTimeout)
		ok, err := p.limiter.Allow(ctx, host, ratelimit.RuleReport)
		cancel()
		if err != nil {
			p.log.WithError(err).Debug("[report] rate limit check failed")
		}
		if !ok {
			metrics.ReportsTotal.WithLabelValues("rate_limited").Inc()
			return
		}
	}

	data, err := json.Marshal(d)
	if err != nil {
		p.log.WithError(err).Warn("[report] marshal detection")
		metrics.ReportsTotal.WithLabelValues("dropped").Inc()
		return
	}

	if err := p.pub.PublishDetection(data); err != nil {
		p.log.WithError(err).WithField("host", host).Warn("[report] publish failed")
		metrics.ReportsTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.ReportsTotal.WithLabelValues("published").Inc()
}
