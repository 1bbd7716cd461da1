package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/pageguard/internal/metrics"
)

// Language hints accepted by the classifier.
const (
	LangEnglish  = "en"
	LangFilipino = "fil"
)

const maxResponseBytes = 1 << 20

// errAborted marks a call cut short by the caller's own context. The
// endpoint's breaker does not count it.
var errAborted = errors.New("classify: call aborted by caller")

// Config holds classifier client settings.
type Config struct {
	Endpoints      []string
	Timeout        time.Duration // per call
	MaxBatchSize   int
	FallbackWindow time.Duration // how long remote calls are skipped after exhaustion

	// BreakerFailures consecutive failures open an endpoint's breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the standard client settings with no endpoints.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		MaxBatchSize:    10,
		FallbackWindow:  5 * time.Minute,
		BreakerFailures: 3,
		BreakerCooldown: 30 * time.Second,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(c *Client) { c.log = l } }

// WithRules replaces the fallback rule set.
func WithRules(rs *RuleSet) Option { return func(c *Client) { c.rules = rs } }

// WithClock overrides time.Now, for fallback window tests.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// Client classifies texts against remote endpoints. It is safe for
// concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	log      logrus.FieldLogger
	rules    *RuleSet
	now      func() time.Time
	breakers []*gobreaker.CircuitBreaker

	mu            sync.Mutex
	start         int
	fallbackUntil time.Time
}

// NewClient builds a client. Zero-valued config fields take their defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = def.FallbackWindow
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		log:  logrus.StandardLogger(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.rules == nil {
		c.rules = DefaultRules()
	}
	c.log = c.log.WithField("component", "classify")

	failures := cfg.BreakerFailures
	for _, ep := range cfg.Endpoints {
		c.breakers = append(c.breakers, gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errAborted)
			},
		}))
	}
	return c
}

// InFallback reports whether remote calls are currently being skipped.
func (c *Client) InFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.fallbackUntil)
}

// GenerateFallbackResults scores every text with the local heuristic.
func (c *Client) GenerateFallbackResults(texts []string) []Verdict {
	out := make([]Verdict, len(texts))
	for i, t := range texts {
		out[i] = c.rules.Score(t)
	}
	return out
}

// AnalyzeBatch returns one verdict per text, in order. Texts are sent in
// sub-batches of MaxBatchSize. A sub-batch goes to the endpoints in rotation
// order starting at the last endpoint that succeeded; if every endpoint fails
// the client switches to the heuristic for FallbackWindow. AnalyzeBatch never
// returns an error: whatever cannot be classified remotely is scored locally.
func (c *Client) AnalyzeBatch(ctx context.Context, texts []string, lang string) []Verdict {
	if len(texts) == 0 {
		return nil
	}
	if lang != LangFilipino {
		lang = LangEnglish
	}

	out := make([]Verdict, 0, len(texts))
	for lo := 0; lo < len(texts); lo += c.cfg.MaxBatchSize {
		hi := min(lo+c.cfg.MaxBatchSize, len(texts))
		batch := texts[lo:hi]

		if len(c.cfg.Endpoints) == 0 || c.InFallback() || ctx.Err() != nil {
			out = append(out, c.GenerateFallbackResults(batch)...)
			continue
		}

		verdicts, err := c.trySubBatch(ctx, batch, lang)
		if err != nil {
			if ctx.Err() == nil {
				c.enterFallback(err)
			}
			verdicts = c.GenerateFallbackResults(batch)
		}
		out = append(out, verdicts...)
	}
	return out
}

func (c *Client) rotationStart() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

func (c *Client) enterFallback(cause error) {
	c.mu.Lock()
	c.fallbackUntil = c.now().Add(c.cfg.FallbackWindow)
	c.mu.Unlock()

	metrics.FallbackActivations.Inc()
	c.log.WithError(cause).Warnf("[classify] all endpoints failed, using heuristic for %s", c.cfg.FallbackWindow)
}

func (c *Client) trySubBatch(ctx context.Context, texts []string, lang string) ([]Verdict, error) {
	n := len(c.cfg.Endpoints)
	first := c.rotationStart()

	var lastErr error
	for k := 0; k < n; k++ {
		i := (first + k) % n
		ep := c.cfg.Endpoints[i]

		began := time.Now()
		res, err := c.breakers[i].Execute(func() (interface{}, error) {
			v, err := c.callEndpoint(ctx, ep, texts, lang)
			if err != nil && ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", errAborted, ctx.Err())
			}
			return v, err
		})
		if err == nil {
			metrics.ClassifierCalls.WithLabelValues(ep, "ok").Inc()
			metrics.ClassifierLatency.Observe(time.Since(began).Seconds())
			c.mu.Lock()
			c.start = i
			c.mu.Unlock()
			return res.([]Verdict), nil
		}

		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "open"
			err = fmt.Errorf("%w: %s: breaker %v", ErrEndpoint, ep, err)
		}
		metrics.ClassifierCalls.WithLabelValues(ep, outcome).Inc()
		c.log.WithError(err).WithField("endpoint", ep).Debug("[classify] endpoint failed, trying next")
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// callEndpoint classifies every text concurrently against one endpoint and
// fails as soon as any single call does.
func (c *Client) callEndpoint(ctx context.Context, endpoint string, texts []string, lang string) ([]Verdict, error) {
	out := make([]Verdict, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for i, text := range texts {
		g.Go(func() error {
			v, err := c.post(gctx, endpoint, text, lang)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type request struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

type response struct {
	IsToxic       *bool           `json:"is_toxic"`
	Confidence    *float64        `json:"confidence"`
	Probabilities json.RawMessage `json:"probabilities,omitempty"`
}

func (c *Client) post(ctx context.Context, endpoint, text, lang string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(request{Text: text, Lang: lang})
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: marshal: %v", ErrEndpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %s: %v", ErrEndpoint, endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %s: %v", ErrEndpoint, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Verdict{}, fmt.Errorf("%w: %s: status %d", ErrEndpoint, endpoint, resp.StatusCode)
	}

	var r response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&r); err != nil {
		return Verdict{}, fmt.Errorf("%w: %s: decode: %v", ErrEndpoint, endpoint, err)
	}
	if r.IsToxic == nil || r.Confidence == nil {
		return Verdict{}, fmt.Errorf("%w: %s: missing is_toxic or confidence", ErrEndpoint, endpoint)
	}
	if *r.Confidence < 0 || *r.Confidence > 1 {
		return Verdict{}, fmt.Errorf("%w: %s: confidence %v out of range", ErrEndpoint, endpoint, *r.Confidence)
	}

	return Verdict{
		IsToxic:    *r.IsToxic,
		Confidence: *r.Confidence,
		Reason:     "classifier",
		Source:     SourceModel,
	}, nil
}
