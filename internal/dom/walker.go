package dom

import (
	"strings"
	"sync"
	"unicode/utf8"
	"weak"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MinTextLength is the shortest trimmed text, in characters, a node needs to
// be scanned.
const MinTextLength = 2

// skipped lists elements whose text is never page content.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Textarea: true,
	atom.Head:     true,
	atom.Title:    true,
}

// Collect returns the eligible text nodes under root in document order.
// Nodes under non-content elements, inside markers, already in processed,
// or shorter than MinTextLength after trimming are left out. Collect does not
// mark anything; the caller marks nodes once they have actually been scanned.
//
// The caller must hold the document lock.
func Collect(root *html.Node, processed *ProcessedSet) []*html.Node {
	if root == nil {
		return nil
	}
	if InsideMarker(root) {
		return nil
	}
	for p := root.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && skipped[p.DataAtom] {
			return nil
		}
	}

	var out []*html.Node
	walk(root, func(n *html.Node) bool {
		switch n.Type {
		case html.ElementNode:
			if skipped[n.DataAtom] || IsMarker(n) {
				return false
			}
		case html.TextNode:
			if eligible(n, processed) {
				out = append(out, n)
			}
		}
		return true
	})
	return out
}

func eligible(n *html.Node, processed *ProcessedSet) bool {
	if n.Parent != nil && n.Parent.Type == html.ElementNode && skipped[n.Parent.DataAtom] {
		return false
	}
	if processed != nil && processed.Has(n) {
		return false
	}
	return utf8.RuneCountInString(strings.TrimSpace(n.Data)) >= MinTextLength
}

// ProcessedSet remembers which text nodes were already scanned without
// keeping them alive: keys are weak pointers, so a node dropped from the
// document can still be garbage collected.
type ProcessedSet struct {
	mu sync.Mutex
	m  map[weak.Pointer[html.Node]]struct{}
}

// NewProcessedSet returns an empty set.
func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{m: make(map[weak.Pointer[html.Node]]struct{})}
}

// Add marks n as processed.
func (s *ProcessedSet) Add(n *html.Node) {
	s.mu.Lock()
	s.m[weak.Make(n)] = struct{}{}
	s.mu.Unlock()
}

// Has reports whether n was marked.
func (s *ProcessedSet) Has(n *html.Node) bool {
	s.mu.Lock()
	_, ok := s.m[weak.Make(n)]
	s.mu.Unlock()
	return ok
}

// Remove unmarks n, e.g. after its text was edited in place.
func (s *ProcessedSet) Remove(n *html.Node) {
	s.mu.Lock()
	delete(s.m, weak.Make(n))
	s.mu.Unlock()
}

// Reset forgets every node.
func (s *ProcessedSet) Reset() {
	s.mu.Lock()
	s.m = make(map[weak.Pointer[html.Node]]struct{})
	s.mu.Unlock()
}

// Prune drops entries whose node has been collected and returns how many
// live entries remain.
func (s *ProcessedSet) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.m {
		if k.Value() == nil {
			delete(s.m, k)
		}
	}
	return len(s.m)
}

// Len returns the number of entries, including collected ones not yet pruned.
func (s *ProcessedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
