// Package dom provides the live document the detection pipeline works on.
// A Document wraps an x/net/html node tree behind a lock; every write goes
// through a Mutate transaction, and the records a transaction produces are
// delivered to subscribers once the lock is released, in the same shape a
// browser MutationObserver would report them.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Origin tells observers who made a change.
type Origin int

const (
	// OriginPage marks writes made by the host page.
	OriginPage Origin = iota
	// OriginEngine marks writes made by pageguard itself (redaction, restore).
	OriginEngine
)

func (o Origin) String() string {
	if o == OriginEngine {
		return "engine"
	}
	return "page"
}

// MutationType mirrors the MutationRecord.type values.
type MutationType string

const (
	ChildList     MutationType = "childList"
	CharacterData MutationType = "characterData"
	Attributes    MutationType = "attributes"
)

// Record describes a single observed change.
type Record struct {
	Type          MutationType
	Target        *html.Node
	Added         []*html.Node
	Removed       []*html.Node
	AttributeName string
	OldValue      string
	Origin        Origin
}

// ErrNotAttached is returned when a transaction touches a node that is not
// part of the document any more.
var ErrNotAttached = errors.New("dom: node not attached to document")

// Document is a concurrency-safe live HTML document.
type Document struct {
	mu   sync.RWMutex
	root *html.Node
	body *html.Node

	subMu  sync.Mutex
	nextID int
	subs   map[int]func([]Record)
}

// Parse reads a full HTML document. The parser always synthesizes <html>,
// <head> and <body>, so Body never returns nil for a parsed document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return newDocument(root), nil
}

// ParseString is Parse for an in-memory string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

func newDocument(root *html.Node) *Document {
	d := &Document{root: root, subs: make(map[int]func([]Record))}
	d.body = findFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Body
	})
	if d.body == nil {
		d.body = root
	}
	return d
}

// Body returns the <body> element. The pointer is stable for the lifetime of
// the document; reading its subtree still requires View.
func (d *Document) Body() *html.Node {
	return d.body
}

// View runs fn under the read lock. fn must not call Mutate or View.
func (d *Document) View(fn func(root *html.Node) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(d.root)
}

// Mutate runs fn as a single write transaction. Records produced by the
// transaction are dispatched to subscribers after the lock is released, even
// when fn returns an error part way through.
func (d *Document) Mutate(origin Origin, fn func(tx *Tx) error) error {
	tx := &Tx{doc: d, origin: origin}

	d.mu.Lock()
	err := fn(tx)
	d.mu.Unlock()

	if len(tx.records) > 0 {
		d.dispatch(tx.records)
	}
	return err
}

// Subscribe registers fn to receive mutation records. fn is called from the
// goroutine that committed the transaction, so it must return quickly.
// The returned function unsubscribes.
func (d *Document) Subscribe(fn func([]Record)) (unsubscribe func()) {
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Document) dispatch(records []Record) {
	d.subMu.Lock()
	fns := make([]func([]Record), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()

	for _, fn := range fns {
		fn(records)
	}
}

// Render writes the serialized document.
func (d *Document) Render(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return html.Render(w, d.root)
}

// String renders the document, returning an empty string on error.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// BodyHTML renders only the children of <body>.
func (d *Document) BodyHTML() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var buf bytes.Buffer
	for c := d.body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return ""
		}
	}
	return buf.String()
}

// Attached reports whether n is still reachable from the document root.
// The caller must hold the lock (inside View or Mutate).
func (d *Document) Attached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// Tx is a write transaction handed to Mutate callbacks.
type Tx struct {
	doc     *Document
	origin  Origin
	records []Record
}

// Origin returns who opened the transaction.
func (tx *Tx) Origin() Origin { return tx.origin }

// Attached is Document.Attached for use inside a transaction.
func (tx *Tx) Attached(n *html.Node) bool { return tx.doc.Attached(n) }

func (tx *Tx) record(r Record) {
	r.Origin = tx.origin
	tx.records = append(tx.records, r)
}

// AppendChild adds child as the last child of parent, detaching it from any
// previous parent first.
func (tx *Tx) AppendChild(parent, child *html.Node) error {
	if !tx.doc.Attached(parent) {
		return ErrNotAttached
	}
	tx.detach(child)
	parent.AppendChild(child)
	tx.record(Record{Type: ChildList, Target: parent, Added: []*html.Node{child}})
	return nil
}

// InsertBefore inserts child before ref, which must be a child of parent.
func (tx *Tx) InsertBefore(parent, child, ref *html.Node) error {
	if !tx.doc.Attached(parent) {
		return ErrNotAttached
	}
	if ref != nil && ref.Parent != parent {
		return fmt.Errorf("dom: insert before: reference is not a child of parent")
	}
	tx.detach(child)
	parent.InsertBefore(child, ref)
	tx.record(Record{Type: ChildList, Target: parent, Added: []*html.Node{child}})
	return nil
}

// RemoveChild detaches child from parent.
func (tx *Tx) RemoveChild(parent, child *html.Node) error {
	if child.Parent != parent {
		return ErrNotAttached
	}
	parent.RemoveChild(child)
	tx.record(Record{Type: ChildList, Target: parent, Removed: []*html.Node{child}})
	return nil
}

// ReplaceChild swaps old for replacement in place.
func (tx *Tx) ReplaceChild(parent, replacement, old *html.Node) error {
	if old.Parent != parent || !tx.doc.Attached(parent) {
		return ErrNotAttached
	}
	tx.detach(replacement)
	parent.InsertBefore(replacement, old)
	parent.RemoveChild(old)
	tx.record(Record{
		Type:    ChildList,
		Target:  parent,
		Added:   []*html.Node{replacement},
		Removed: []*html.Node{old},
	})
	return nil
}

// SetText edits a text node in place.
func (tx *Tx) SetText(n *html.Node, text string) error {
	if n.Type != html.TextNode {
		return fmt.Errorf("dom: set text: node is not a text node")
	}
	if !tx.doc.Attached(n) {
		return ErrNotAttached
	}
	old := n.Data
	n.Data = text
	tx.record(Record{Type: CharacterData, Target: n, OldValue: old})
	return nil
}

// SetAttr sets or replaces an attribute on an element.
func (tx *Tx) SetAttr(n *html.Node, key, val string) error {
	if n.Type != html.ElementNode {
		return fmt.Errorf("dom: set attr: node is not an element")
	}
	old, _ := Attr(n, key)
	setAttr(n, key, val)
	tx.record(Record{Type: Attributes, Target: n, AttributeName: key, OldValue: old})
	return nil
}

// RemoveAttr deletes an attribute if present.
func (tx *Tx) RemoveAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			tx.record(Record{Type: Attributes, Target: n, AttributeName: key, OldValue: a.Val})
			return
		}
	}
}

// AppendHTML parses fragment in the context of parent and appends the
// resulting nodes.
func (tx *Tx) AppendHTML(parent *html.Node, fragment string) ([]*html.Node, error) {
	if !tx.doc.Attached(parent) {
		return nil, ErrNotAttached
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	tx.record(Record{Type: ChildList, Target: parent, Added: nodes})
	return nodes, nil
}

// ReplaceChildren drops every child of parent and appends nodes.
func (tx *Tx) ReplaceChildren(parent *html.Node, nodes ...*html.Node) error {
	if !tx.doc.Attached(parent) {
		return ErrNotAttached
	}
	var removed []*html.Node
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		parent.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, n := range nodes {
		tx.detach(n)
		parent.AppendChild(n)
	}
	tx.record(Record{Type: ChildList, Target: parent, Added: nodes, Removed: removed})
	return nil
}

func (tx *Tx) detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}
