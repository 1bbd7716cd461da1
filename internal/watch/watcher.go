// Package watch turns document mutation records into coalesced rescan
// requests. Records are queued by the subscription callback and drained by a
// single goroutine, so the handler never runs re-entrantly and never runs on
// the goroutine that mutated the document.
package watch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/whisper/pageguard/internal/dom"
)

// ErrRunning is returned by Start on a watcher that is already running.
var ErrRunning = errors.New("watch: already running")

// Options tune a Watcher.
type Options struct {
	Debounce        time.Duration // coalescing window for a burst of records
	FullRescanDelay time.Duration // delay of the full rescan after an in-place text edit
	Logger          logrus.FieldLogger
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		Debounce:        100 * time.Millisecond,
		FullRescanDelay: time.Second,
	}
}

// Change is one coalesced rescan request.
type Change struct {
	// Roots are the subtrees that gained or changed content, in arrival order
	// without duplicates.
	Roots []*html.Node
	// Edited are text nodes changed in place; they need to be scanned again
	// even if they were scanned before.
	Edited []*html.Node
	// Full asks for a rescan of the whole body.
	Full bool
}

// Watcher observes one document.
type Watcher struct {
	doc  *dom.Document
	opts Options
	log  logrus.FieldLogger

	mu      sync.Mutex
	pending []dom.Record
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	unsub   func()
}

// New returns a stopped watcher for doc. Zero option fields take defaults.
func New(doc *dom.Document, opts Options) *Watcher {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.FullRescanDelay <= 0 {
		opts.FullRescanDelay = def.FullRescanDelay
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{doc: doc, opts: opts, log: log.WithField("component", "watch")}
}

// Start subscribes to the document and begins delivering changes to
// onChange from a dedicated goroutine. The watcher runs until Stop is called
// or ctx is done.
func (w *Watcher) Start(ctx context.Context, onChange func(Change)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return ErrRunning
	}

	w.notify = make(chan struct{}, 1)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.pending = nil
	w.unsub = w.doc.Subscribe(w.enqueue)

	go w.run(ctx, onChange, w.notify, w.stop, w.done)
	return nil
}

// Stop unsubscribes, cancels pending timers and waits for the delivery
// goroutine to exit. No onChange call starts after Stop returns.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.done == nil {
		w.mu.Unlock()
		return
	}
	unsub, stop, done := w.unsub, w.stop, w.done
	w.unsub, w.stop, w.done = nil, nil, nil
	w.pending = nil
	w.mu.Unlock()

	unsub()
	close(stop)
	<-done
}

// Running reports whether the watcher has been started and not stopped.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done != nil
}

// enqueue is the document subscription. It runs on the mutating goroutine,
// so it only filters and queues.
func (w *Watcher) enqueue(records []dom.Record) {
	var kept []dom.Record
	for _, r := range records {
		if relevant(r) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return
	}

	w.mu.Lock()
	if w.done == nil {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, kept...)
	notify := w.notify
	w.mu.Unlock()

	select {
	case notify <- struct{}{}:
	default:
	}
}

// relevant drops the engine's own writes and attribute changes that cannot
// reveal content.
func relevant(r dom.Record) bool {
	if r.Origin == dom.OriginEngine {
		return false
	}
	if r.Type != dom.Attributes {
		return true
	}
	switch name := r.AttributeName; {
	case name == "style", name == "class", name == "hidden":
		return true
	case strings.HasPrefix(name, "data-") && !strings.HasPrefix(name, "data-pg-"):
		return true
	}
	return false
}

func (w *Watcher) drain() []dom.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

func (w *Watcher) run(ctx context.Context, onChange func(Change), notify <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var (
		debounce, full *time.Timer
		debounceC      <-chan time.Time
		fullC          <-chan time.Time
		batch          collector
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		if full != nil {
			full.Stop()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			w.mu.Lock()
			unsub := w.unsub
			w.mu.Unlock()
			if unsub != nil {
				unsub()
			}
			return

		case <-notify:
			records := w.drain()
			if batch.add(records) && fullC == nil {
				full = time.NewTimer(w.opts.FullRescanDelay)
				fullC = full.C
			}
			if debounceC == nil && !batch.empty() {
				debounce = time.NewTimer(w.opts.Debounce)
				debounceC = debounce.C
			}

		case <-debounceC:
			debounceC = nil
			change := batch.flush()
			w.log.WithField("roots", len(change.Roots)).Debug("[watch] mutation burst")
			if !w.deliver(stop, onChange, change) {
				return
			}

		case <-fullC:
			fullC = nil
			w.log.Debug("[watch] delayed full rescan")
			if !w.deliver(stop, onChange, Change{Full: true}) {
				return
			}
		}
	}
}

// deliver calls onChange unless the watcher was stopped meanwhile.
func (w *Watcher) deliver(stop <-chan struct{}, onChange func(Change), c Change) bool {
	select {
	case <-stop:
		return false
	default:
	}
	onChange(c)
	return true
}

// collector accumulates roots between debounce ticks.
type collector struct {
	seen   map[*html.Node]bool
	roots  []*html.Node
	edited []*html.Node
}

// add folds records into the batch and reports whether any of them was an
// in-place text edit.
func (c *collector) add(records []dom.Record) (textEdit bool) {
	if c.seen == nil {
		c.seen = make(map[*html.Node]bool)
	}
	for _, r := range records {
		switch r.Type {
		case dom.ChildList:
			for _, n := range r.Added {
				c.root(n)
			}
		case dom.CharacterData:
			textEdit = true
			c.root(r.Target)
			c.edited = append(c.edited, r.Target)
		case dom.Attributes:
			c.root(r.Target)
		}
	}
	return textEdit
}

func (c *collector) root(n *html.Node) {
	if n == nil || c.seen[n] {
		return
	}
	c.seen[n] = true
	c.roots = append(c.roots, n)
}

func (c *collector) empty() bool { return len(c.roots) == 0 }

func (c *collector) flush() Change {
	out := Change{Roots: c.roots, Edited: c.edited}
	*c = collector{}
	return out
}
