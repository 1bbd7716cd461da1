// Package redact swaps flagged text for styled, reversible marker elements.
//
// A marker replaces one text node:
//
//	<span data-pg-marker="ID" data-pg-original="full text" data-pg-confidence="0.93" data-pg-reason="…" title="…">
//	  before<span data-pg-flag="blur" style="…">window</span>after
//	</span>
//
// The original text is kept on the marker, so restoring needs nothing else.
package redact

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/whisper/pageguard/internal/classify"
	"github.com/whisper/pageguard/internal/dom"
	"github.com/whisper/pageguard/internal/window"
)

// Style selects how the flagged window is obscured.
type Style string

const (
	Highlight Style = "highlight"
	Blur      Style = "blur"
	Asterisk  Style = "asterisk"
)

// Valid reports whether s is a known style.
func (s Style) Valid() bool {
	return s == Highlight || s == Blur || s == Asterisk
}

// Errors returned by Redact and Restore. Callers skip the span on any of them.
var (
	ErrDetached      = errors.New("redact: node no longer attached")
	ErrStale         = errors.New("redact: node text changed since scan")
	ErrAlreadyMarked = errors.New("redact: node already inside a marker")
)

// Appearance holds the style parameters taken from settings.
type Appearance struct {
	HighlightColor string
	BlurAmount     float64
}

// DefaultAppearance matches the default settings.
func DefaultAppearance() Appearance {
	return Appearance{HighlightColor: "#ff6b6b", BlurAmount: 5}
}

// Marker is a live redaction.
type Marker struct {
	ID       string
	Node     *html.Node
	Original string
	Window   string
	Verdict  classify.Verdict
	Style    Style
}

// Engine inserts markers and keeps track of the ones it inserted.
type Engine struct {
	mu         sync.Mutex
	tracked    map[string]*Marker
	appearance Appearance
}

// New returns an Engine with the default appearance.
func New() *Engine {
	return &Engine{
		tracked:    make(map[string]*Marker),
		appearance: DefaultAppearance(),
	}
}

// SetAppearance changes the look of markers created from now on.
func (e *Engine) SetAppearance(a Appearance) {
	if a.HighlightColor == "" {
		a.HighlightColor = DefaultAppearance().HighlightColor
	}
	if a.BlurAmount <= 0 {
		a.BlurAmount = DefaultAppearance().BlurAmount
	}
	e.mu.Lock()
	e.appearance = a
	e.mu.Unlock()
}

// Redact replaces span.Node with a marker around span's window. The node must
// still be attached and still hold span.Full; a node already inside a marker
// is left alone and ErrAlreadyMarked is returned.
func (e *Engine) Redact(doc *dom.Document, span window.Span, v classify.Verdict, style Style) (*Marker, error) {
	if !style.Valid() {
		style = Highlight
	}
	if span.Start < 0 || span.End > len(span.Full) || span.Start > span.End {
		return nil, fmt.Errorf("redact: window [%d,%d) outside text of length %d", span.Start, span.End, len(span.Full))
	}

	e.mu.Lock()
	look := e.appearance
	e.mu.Unlock()

	var m *Marker
	err := doc.Mutate(dom.OriginEngine, func(tx *dom.Tx) error {
		n := span.Node
		if n == nil || n.Parent == nil || !tx.Attached(n) {
			return ErrDetached
		}
		if dom.InsideMarker(n.Parent) {
			return ErrAlreadyMarked
		}
		if n.Data != span.Full {
			return ErrStale
		}

		m = &Marker{
			ID:       uuid.NewString(),
			Original: span.Full,
			Window:   span.Text,
			Verdict:  v,
			Style:    style,
		}
		m.Node = build(m, span, look)
		return tx.ReplaceChild(n.Parent, m.Node, n)
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.tracked[m.ID] = m
	e.mu.Unlock()
	return m, nil
}

func build(m *Marker, span window.Span, look Appearance) *html.Node {
	container := dom.NewElement(atom.Span,
		html.Attribute{Key: dom.MarkerAttr, Val: m.ID},
		html.Attribute{Key: dom.OriginalAttr, Val: m.Original},
		html.Attribute{Key: dom.ConfidenceAttr, Val: strconv.FormatFloat(m.Verdict.Confidence, 'f', 2, 64)},
		html.Attribute{Key: dom.ReasonAttr, Val: m.Verdict.Reason},
		html.Attribute{Key: "title", Val: fmt.Sprintf("Flagged: %s (%.0f%% confidence)", m.Verdict.Reason, m.Verdict.Confidence*100)},
	)

	if before := span.Before(); before != "" {
		container.AppendChild(dom.NewText(before))
	}

	text := span.Text
	var css string
	switch m.Style {
	case Blur:
		css = fmt.Sprintf("filter: blur(%spx); cursor: pointer;", strconv.FormatFloat(look.BlurAmount, 'f', -1, 64))
	case Asterisk:
		text = strings.Repeat("*", utf8.RuneCountInString(text))
		css = "font-family: monospace;"
	default:
		css = fmt.Sprintf("background-color: %s; color: #ffffff; border-radius: 2px; padding: 0 2px;", look.HighlightColor)
	}
	flag := dom.NewElement(atom.Span,
		html.Attribute{Key: dom.FlagAttr, Val: string(m.Style)},
		html.Attribute{Key: "style", Val: css},
	)
	flag.AppendChild(dom.NewText(text))
	container.AppendChild(flag)

	if after := span.After(); after != "" {
		container.AppendChild(dom.NewText(after))
	}
	return container
}

// Restore puts the original text back in place of m and forgets it. A marker
// the page has already removed is forgotten and ErrDetached is returned.
func (e *Engine) Restore(doc *dom.Document, m *Marker) error {
	e.untrack(m.ID)
	return doc.Mutate(dom.OriginEngine, func(tx *dom.Tx) error {
		return restore(tx, m)
	})
}

func restore(tx *dom.Tx, m *Marker) error {
	if m.Node.Parent == nil || !tx.Attached(m.Node) {
		return ErrDetached
	}
	original := m.Original
	if v, ok := dom.Attr(m.Node, dom.OriginalAttr); ok {
		original = v
	}
	return tx.ReplaceChild(m.Node.Parent, dom.NewText(original), m.Node)
}

// RestoreAll restores every tracked marker in one transaction and returns how
// many were still attached.
func (e *Engine) RestoreAll(doc *dom.Document) int {
	e.mu.Lock()
	markers := make([]*Marker, 0, len(e.tracked))
	for _, m := range e.tracked {
		markers = append(markers, m)
	}
	e.tracked = make(map[string]*Marker)
	e.mu.Unlock()

	if len(markers) == 0 {
		return 0
	}

	restored := 0
	_ = doc.Mutate(dom.OriginEngine, func(tx *dom.Tx) error {
		for _, m := range markers {
			if restore(tx, m) == nil {
				restored++
			}
		}
		return nil
	})
	return restored
}

// Prune forgets markers the page has removed and returns how many remain.
func (e *Engine) Prune(doc *dom.Document) int {
	_ = doc.View(func(*html.Node) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		for id, m := range e.tracked {
			if !doc.Attached(m.Node) {
				delete(e.tracked, id)
			}
		}
		return nil
	})
	return e.Len()
}

// Len returns the number of tracked markers.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}

// Markers returns a snapshot of the tracked markers.
func (e *Engine) Markers() []*Marker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Marker, 0, len(e.tracked))
	for _, m := range e.tracked {
		out = append(out, m)
	}
	return out
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.tracked, id)
	e.mu.Unlock()
}
