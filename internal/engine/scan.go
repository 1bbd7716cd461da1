package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/whisper/pageguard/internal/classify"
	"github.com/whisper/pageguard/internal/dom"
	"github.com/whisper/pageguard/internal/metrics"
	"github.com/whisper/pageguard/internal/redact"
	"github.com/whisper/pageguard/internal/report"
	"github.com/whisper/pageguard/internal/settings"
	"github.com/whisper/pageguard/internal/termindex"
	"github.com/whisper/pageguard/internal/window"
)

// hit is one text node with its flagged windows.
type hit struct {
	node  *html.Node
	spans []window.Span
}

// scan collects eligible text nodes under roots and processes them in
// batches, yielding between batches. It returns early once ctx is done.
func (e *Engine) scan(ctx context.Context, trigger string, roots ...*html.Node) {
	began := time.Now()
	metrics.ScansTotal.WithLabelValues(trigger).Inc()
	defer func() { metrics.ScanDuration.Observe(time.Since(began).Seconds()) }()

	e.mu.RLock()
	s, idx := e.settings, e.index
	e.mu.RUnlock()

	var nodes []*html.Node
	_ = e.doc.View(func(*html.Node) error {
		seen := make(map[*html.Node]bool)
		for _, root := range roots {
			if root == nil || !e.doc.Attached(root) {
				continue
			}
			for _, n := range dom.Collect(root, e.processed) {
				if !seen[n] {
					seen[n] = true
					nodes = append(nodes, n)
				}
			}
		}
		return nil
	})

	flagged := 0
	for lo := 0; lo < len(nodes); lo += e.batchSize {
		if lo > 0 && !sleep(ctx, e.yield) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		hi := min(lo+e.batchSize, len(nodes))
		flagged += e.process(ctx, nodes[lo:hi], s, idx)
	}

	e.log.WithFields(logrus.Fields{
		"trigger": trigger,
		"nodes":   len(nodes),
		"flagged": flagged,
		"elapsed": time.Since(began),
	}).Debug("[engine] scan complete")
}

// sleep waits d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// process runs one batch and returns the number of markers inserted.
func (e *Engine) process(ctx context.Context, nodes []*html.Node, s settings.Settings, idx *termindex.Index) int {
	var hits []hit
	_ = e.doc.View(func(*html.Node) error {
		for _, n := range nodes {
			if h, ok := e.inspect(n, idx); ok {
				hits = append(hits, h)
			}
		}
		return nil
	})
	metrics.NodesScanned.Add(float64(len(nodes)))
	if len(hits) == 0 {
		return 0
	}

	if s.DetectionMode == settings.ContextAware {
		return e.confirm(ctx, hits, s)
	}

	flagged := 0
	v := classify.DictionaryVerdict()
	for _, h := range hits {
		metrics.SpansTotal.WithLabelValues(string(settings.TermBased)).Add(float64(len(h.spans)))
		verdicts := make([]classify.Verdict, len(h.spans))
		for i := range verdicts {
			verdicts[i] = v
		}
		if e.flag(ctx, h.spans, verdicts, s) {
			flagged++
		}
	}
	return flagged
}

// inspect scans one node. The caller holds the document read lock. A panic
// is logged and the node skipped.
func (e *Engine) inspect(n *html.Node, idx *termindex.Index) (h hit, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("[engine] node scan failed")
			h, ok = hit{}, false
		}
	}()

	if !e.doc.Attached(n) {
		return hit{}, false
	}
	text := n.Data
	matches := idx.Scan(text)
	e.processed.Add(n)
	if len(matches) == 0 {
		return hit{}, false
	}

	h.node = n
	for _, m := range matches {
		span := window.Extract(text, m)
		span.Node = n
		h.spans = append(h.spans, span)
	}
	return h, true
}

// confirm classifies every span of the batch and flags the ones that pass.
func (e *Engine) confirm(ctx context.Context, hits []hit, s settings.Settings) int {
	var spans []window.Span
	for _, h := range hits {
		spans = append(spans, h.spans...)
	}
	metrics.SpansTotal.WithLabelValues(string(settings.ContextAware)).Add(float64(len(spans)))

	verdicts := e.lookup(ctx, spans, langHint(s.Language, spans))
	if ctx.Err() != nil {
		return 0
	}

	flagged, k := 0, 0
	for _, h := range hits {
		var keep []window.Span
		var keepV []classify.Verdict
		for _, span := range h.spans {
			v := verdicts[k]
			k++
			if passes(v, s.ConfidenceThreshold) {
				keep = append(keep, span)
				keepV = append(keepV, v)
			}
		}
		if e.flag(ctx, keep, keepV, s) {
			flagged++
		}
	}
	return flagged
}

// passes decides whether a verdict is redacted. Heuristic verdicts stand in
// for an unreachable classifier and are always redacted when toxic.
func passes(v classify.Verdict, threshold float64) bool {
	if !v.IsToxic {
		return false
	}
	return v.Source == classify.SourceFallback || v.Confidence >= threshold
}

// lookup answers from the cache where it can and sends the distinct misses
// to the classifier. Only model verdicts are cached.
func (e *Engine) lookup(ctx context.Context, spans []window.Span, lang string) []classify.Verdict {
	out := make([]classify.Verdict, len(spans))
	pending := make(map[string][]int)
	var misses []string
	for i, span := range spans {
		if v, ok := e.cache.Get(ctx, span.Text); ok {
			out[i] = v
			continue
		}
		if _, dup := pending[span.Text]; !dup {
			misses = append(misses, span.Text)
		}
		pending[span.Text] = append(pending[span.Text], i)
	}
	if len(misses) == 0 {
		return out
	}

	verdicts := e.classifier.AnalyzeBatch(ctx, misses, lang)
	for j, text := range misses {
		var v classify.Verdict
		if j < len(verdicts) {
			v = verdicts[j]
		}
		if v.Source == classify.SourceModel && ctx.Err() == nil {
			e.cache.Put(ctx, text, v)
		}
		for _, i := range pending[text] {
			out[i] = v
		}
	}
	return out
}

// flag redacts one node. Several windows in the same node become one marker
// spanning all of them, carrying the most confident verdict.
func (e *Engine) flag(ctx context.Context, spans []window.Span, verdicts []classify.Verdict, s settings.Settings) bool {
	if len(spans) == 0 {
		return false
	}
	merged, best := merge(spans, verdicts)

	m, err := e.redactor.Redact(e.doc, merged, best, redact.Style(s.FlagStyle))
	if err != nil {
		entry := e.log.WithError(err)
		switch {
		case errors.Is(err, redact.ErrDetached), errors.Is(err, redact.ErrStale),
			errors.Is(err, redact.ErrAlreadyMarked), errors.Is(err, dom.ErrNotAttached):
			entry.Debug("[engine] span skipped")
		default:
			entry.Warn("[engine] redaction failed")
		}
		return false
	}
	metrics.RedactionsTotal.WithLabelValues(string(m.Style)).Inc()

	for i, span := range spans {
		e.submit(ctx, span, verdicts[i])
	}
	return true
}

func merge(spans []window.Span, verdicts []classify.Verdict) (window.Span, classify.Verdict) {
	out, best := spans[0], verdicts[0]
	for i := 1; i < len(spans); i++ {
		out.Start = min(out.Start, spans[i].Start)
		out.End = max(out.End, spans[i].End)
		if verdicts[i].Confidence > best.Confidence {
			best = verdicts[i]
		}
	}
	out.Text = out.Full[out.Start:out.End]
	return out, best
}

func (e *Engine) submit(ctx context.Context, span window.Span, v classify.Verdict) {
	d := report.Detection{
		ID:              uuid.NewString(),
		Language:        span.Match.Lang,
		DetectedWord:    span.Match.Term,
		Context:         span.Text,
		ConfidenceScore: v.Confidence,
		SourceURL:       e.url,
		DetectionMethod: v.Source,
		Severity:        classify.Severity(v.Confidence),
		DetectedAt:      time.Now().UTC(),
	}
	if err := e.reporter.Submit(ctx, d); err != nil {
		e.log.WithError(err).Debug("[engine] report dropped")
	}
}

// langHint picks the classifier language. Mixed pages are sent as Filipino
// when any span matched a Filipino term.
func langHint(lang settings.Language, spans []window.Span) string {
	switch lang {
	case settings.Filipino:
		return classify.LangFilipino
	case settings.English:
		return classify.LangEnglish
	}
	for _, span := range spans {
		if span.Match.Lang == termindex.LangFilipino {
			return classify.LangFilipino
		}
	}
	return classify.LangEnglish
}
