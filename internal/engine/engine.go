// Package engine composes the detection pipeline for one live document: it
// loads settings, builds the term index, scans the page in batches, redacts
// what is flagged and keeps watching the document for new content.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/whisper/pageguard/internal/cache"
	"github.com/whisper/pageguard/internal/classify"
	"github.com/whisper/pageguard/internal/dom"
	"github.com/whisper/pageguard/internal/metrics"
	"github.com/whisper/pageguard/internal/redact"
	"github.com/whisper/pageguard/internal/report"
	"github.com/whisper/pageguard/internal/settings"
	"github.com/whisper/pageguard/internal/termindex"
	"github.com/whisper/pageguard/internal/watch"
)

// State is the engine lifecycle state.
type State int

const (
	Uninitialized State = iota
	Initializing
	Active
	Paused
	Stopped
)

var stateNames = [...]string{"uninitialized", "initializing", "active", "paused", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Scan batching defaults.
const (
	DefaultBatchSize  = 50
	DefaultBatchYield = 10 * time.Millisecond
)

var (
	ErrStarted    = errors.New("engine: already started")
	ErrNotStarted = errors.New("engine: not started")
	ErrStopped    = errors.New("engine: stopped")
	ErrNoDocument = errors.New("engine: no document")
)

// Classifier confirms context windows. *classify.Client implements it.
type Classifier interface {
	AnalyzeBatch(ctx context.Context, texts []string, lang string) []classify.Verdict
}

// Deps wires an engine. Only Document is required.
type Deps struct {
	Document   *dom.Document
	URL        string          // page address, for the website whitelist and reports
	Settings   settings.Source // defaults to settings.Default()
	Classifier Classifier      // defaults to a client with no endpoints (heuristic only)
	Cache      cache.Cache     // defaults to an in-memory LRU
	Reporter   report.Reporter // defaults to report.Nop
	Logger     logrus.FieldLogger
	Watch      watch.Options

	BatchSize      int
	BatchYield     time.Duration
	MinTokenLength int
}

// Stats is a snapshot for the control surface.
type Stats struct {
	IsActive     bool   `json:"is_active"`
	FlaggedCount int    `json:"flagged_count"`
	CacheSize    int    `json:"cache_size"`
	State        string `json:"state"`
}

// Engine runs the pipeline on one document.
type Engine struct {
	doc        *dom.Document
	url        string
	source     settings.Source
	classifier Classifier
	cache      cache.Cache
	reporter   report.Reporter
	log        logrus.FieldLogger
	batchSize  int
	yield      time.Duration
	minToken   int

	redactor  *redact.Engine
	watcher   *watch.Watcher
	processed *dom.ProcessedSet

	// opMu serializes Start, the settings updates, Toggle, Rescan and Stop. The
	// watcher callback never takes it.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    State
	settings settings.Settings
	pinned   bool
	index    *termindex.Index
	life     context.Context
	stopLife context.CancelFunc
	run      context.Context
	stopRun  context.CancelFunc
}

// New returns an uninitialized engine.
func New(deps Deps) (*Engine, error) {
	if deps.Document == nil {
		return nil, ErrNoDocument
	}
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "engine")

	e := &Engine{
		doc:        deps.Document,
		url:        deps.URL,
		source:     deps.Settings,
		classifier: deps.Classifier,
		cache:      deps.Cache,
		reporter:   deps.Reporter,
		log:        log,
		batchSize:  deps.BatchSize,
		yield:      deps.BatchYield,
		minToken:   deps.MinTokenLength,
		redactor:   redact.New(),
		processed:  dom.NewProcessedSet(),
		settings:   settings.Default(),
	}
	if e.source == nil {
		e.source = settings.NewStatic(settings.Default())
	}
	if e.classifier == nil {
		e.classifier = classify.NewClient(classify.DefaultConfig(), classify.WithLogger(log))
	}
	if e.cache == nil {
		e.cache = cache.NewMemory(cache.DefaultCapacity)
	}
	if e.reporter == nil {
		e.reporter = report.Nop{}
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.yield < 0 {
		e.yield = 0
	} else if e.yield == 0 {
		e.yield = DefaultBatchYield
	}

	wopts := deps.Watch
	if wopts.Logger == nil {
		wopts.Logger = log
	}
	e.watcher = watch.New(e.doc, wopts)

	metrics.EnginesByState.WithLabelValues(Uninitialized.String()).Inc()
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Settings returns the settings in effect.
func (e *Engine) Settings() settings.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Start loads settings, builds the index and either scans the page and
// starts watching it, or parks the engine in Paused when protection is off
// for this page. ctx bounds the engine's lifetime.
func (e *Engine) Start(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch e.State() {
	case Uninitialized:
	case Stopped:
		return ErrStopped
	default:
		return ErrStarted
	}
	e.setState(Initializing)

	s, err := e.source.Load(ctx)
	if err != nil {
		e.log.WithError(err).Warn("[engine] settings load failed, using defaults")
		s = settings.Default()
	}
	e.apply(s)

	life, stop := context.WithCancel(ctx)
	e.mu.Lock()
	e.life, e.stopLife = life, stop
	e.mu.Unlock()

	if err := e.source.Watch(life, e.onSettings); err != nil {
		e.log.WithError(err).Warn("[engine] settings watch unavailable")
	}

	if !e.shouldRun() {
		e.setState(Paused)
		e.log.WithField("url", e.url).Info("[engine] protection off for page")
		return nil
	}
	e.activate(ctx, "initial")
	return nil
}

// UpdateSettings replaces the settings, rebuilds the index and brings the
// page in line: pausing, resuming or rescanning as needed.
func (e *Engine) UpdateSettings(ctx context.Context, s settings.Settings) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.usable(); err != nil {
		return err
	}

	e.apply(s)
	e.reconcile(ctx, "settings", true)
	return nil
}

// Pin applies s like UpdateSettings and stops following the settings
// source: later source updates leave this page's settings alone.
func (e *Engine) Pin(ctx context.Context, s settings.Settings) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.usable(); err != nil {
		return err
	}

	e.mu.Lock()
	e.pinned = true
	e.mu.Unlock()

	e.apply(s)
	e.reconcile(ctx, "settings", true)
	return nil
}

// Toggle flips Enabled and returns the new value.
func (e *Engine) Toggle(ctx context.Context) (bool, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.usable(); err != nil {
		return false, err
	}

	e.mu.Lock()
	e.settings.Enabled = !e.settings.Enabled
	enabled := e.settings.Enabled
	e.mu.Unlock()

	e.reconcile(ctx, "toggle", false)
	return enabled, nil
}

// Rescan restores every marker, forgets which nodes were scanned and scans
// the whole page again. It does nothing while paused.
func (e *Engine) Rescan(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.usable(); err != nil {
		return err
	}
	if e.State() != Active {
		return nil
	}
	e.rescan(ctx, "rescan")
	return nil
}

// Stats reports the engine's current counters.
func (e *Engine) Stats() Stats {
	st := e.State()
	flagged := 0
	if st != Uninitialized {
		flagged = e.redactor.Prune(e.doc)
	}
	return Stats{
		IsActive:     st == Active,
		FlaggedCount: flagged,
		CacheSize:    e.cache.Len(),
		State:        st.String(),
	}
}

// Markers returns the live redactions.
func (e *Engine) Markers() []*redact.Marker {
	return e.redactor.Markers()
}

// Stop aborts in-flight scans and classification calls, disconnects the
// watcher and leaves existing markers in place. It is idempotent.
func (e *Engine) Stop() {
	// Cancel first so a scan running under opMu returns promptly.
	e.mu.RLock()
	stopLife := e.stopLife
	e.mu.RUnlock()
	if stopLife != nil {
		stopLife()
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	if e.State() == Stopped {
		return
	}

	e.mu.Lock()
	stopRun := e.stopRun
	e.stopRun = nil
	e.mu.Unlock()
	if stopRun != nil {
		stopRun()
	}
	e.watcher.Stop()
	e.setState(Stopped)
	e.log.Info("[engine] stopped")
}

func (e *Engine) usable() error {
	switch e.State() {
	case Uninitialized:
		return ErrNotStarted
	case Stopped:
		return ErrStopped
	}
	return nil
}

// reconcile moves between Active and Paused to match the settings. With
// refresh set, an engine that stays active rescans so new terms and styles
// apply to content already on the page.
func (e *Engine) reconcile(ctx context.Context, trigger string, refresh bool) {
	want := e.shouldRun()
	switch st := e.State(); {
	case st == Active && !want:
		e.pause()
	case st == Paused && want:
		e.activate(ctx, trigger)
	case st == Active && refresh:
		e.rescan(ctx, trigger)
	}
}

func (e *Engine) onSettings(s settings.Settings) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.RLock()
	life, pinned := e.life, e.pinned
	e.mu.RUnlock()
	if pinned {
		e.log.Debug("[engine] settings pinned, ignoring source update")
		return
	}
	if err := e.usable(); err != nil {
		if !errors.Is(err, ErrStopped) {
			e.log.WithError(err).Warn("[engine] settings update failed")
		}
		return
	}

	e.apply(s)
	e.reconcile(life, "settings", true)
}

// apply stores normalized settings and rebuilds everything derived from them.
func (e *Engine) apply(s settings.Settings) {
	s = s.Normalize()
	idx := buildIndex(s, e.minToken)

	e.mu.Lock()
	e.settings = s
	e.index = idx
	e.mu.Unlock()

	e.redactor.SetAppearance(redact.Appearance{
		HighlightColor: s.HighlightColor,
		BlurAmount:     s.BlurAmount,
	})
	e.log.WithFields(logrus.Fields{
		"mode":     s.DetectionMode,
		"language": s.Language,
		"terms":    idx.Len(),
	}).Debug("[engine] settings applied")
}

func (e *Engine) shouldRun() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.Enabled && !whitelisted(e.url, e.settings.WhitelistWebsites)
}

func (e *Engine) activate(ctx context.Context, trigger string) {
	e.mu.Lock()
	run, stop := context.WithCancel(e.life)
	e.run, e.stopRun = run, stop
	e.mu.Unlock()
	e.setState(Active)

	if err := e.watcher.Start(run, e.onChange); err != nil {
		e.log.WithError(err).Warn("[engine] watcher start failed")
	}
	e.scanFor(ctx, trigger, e.doc.Body())
}

// pause undoes every redaction. The watcher is stopped before restoring so
// no scan races the restore.
func (e *Engine) pause() {
	e.mu.Lock()
	stop := e.stopRun
	e.stopRun = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}

	e.watcher.Stop()
	restored := e.redactor.RestoreAll(e.doc)
	e.processed.Reset()
	e.setState(Paused)
	e.log.WithField("restored", restored).Info("[engine] paused")
}

func (e *Engine) rescan(ctx context.Context, trigger string) {
	e.redactor.RestoreAll(e.doc)
	e.processed.Reset()
	e.scanFor(ctx, trigger, e.doc.Body())
}

// scanFor scans under the current run context, also honouring the caller's.
func (e *Engine) scanFor(ctx context.Context, trigger string, roots ...*html.Node) {
	e.mu.RLock()
	run := e.run
	e.mu.RUnlock()
	if run == nil {
		return
	}

	sctx, cancel := context.WithCancel(run)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	e.scan(sctx, trigger, roots...)
}

// onChange handles a coalesced mutation batch on the watcher goroutine.
func (e *Engine) onChange(c watch.Change) {
	e.mu.RLock()
	run := e.run
	e.mu.RUnlock()
	if run == nil || run.Err() != nil {
		return
	}

	for _, n := range c.Edited {
		e.processed.Remove(n)
	}
	e.redactor.Prune(e.doc)
	e.processed.Prune()

	if c.Full {
		e.scan(run, "mutation", e.doc.Body())
		return
	}
	e.scan(run, "mutation", c.Roots...)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()
	if old == s {
		return
	}

	metrics.EnginesByState.WithLabelValues(old.String()).Dec()
	if s != Stopped {
		metrics.EnginesByState.WithLabelValues(s.String()).Inc()
	}
	e.log.Debugf("[engine] %s -> %s", old, s)
}

func buildIndex(s settings.Settings, minToken int) *termindex.Index {
	var langs []string
	switch s.Language {
	case settings.English:
		langs = []string{termindex.LangEnglish}
	case settings.Filipino:
		langs = []string{termindex.LangFilipino}
	default:
		langs = []string{termindex.LangEnglish, termindex.LangFilipino}
	}
	return termindex.Build(termindex.BaseTerms(langs...), s.CustomTerms, termindex.Options{
		MinTokenLength: minToken,
		Whitelist:      s.WhitelistTerms,
	})
}
