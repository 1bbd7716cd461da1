// Package window cuts a word window around a dictionary match. The window is
// what gets classified and what gets redacted, so a reader sees the whole
// phrase obscured rather than a single token.
package window

import (
	"unicode"

	"golang.org/x/net/html"

	"github.com/whisper/pageguard/internal/termindex"
)

// DefaultRadius is the number of words kept on each side of the match.
const DefaultRadius = 5

// Span is a match together with its surrounding words. Start and End are byte
// offsets into Full, and Text == Full[Start:End].
type Span struct {
	Text  string
	Full  string
	Node  *html.Node
	Match termindex.Match
	Start int
	End   int
}

// Before returns the text preceding the window.
func (s Span) Before() string { return s.Full[:s.Start] }

// After returns the text following the window.
func (s Span) After() string { return s.Full[s.End:] }

type word struct{ start, end int }

// Extract returns the DefaultRadius window around m in text.
func Extract(text string, m termindex.Match) Span {
	return ExtractN(text, m, DefaultRadius)
}

// ExtractN returns a window of n words on each side of m, clipped to the
// bounds of text. If m cannot be placed inside a word, the bare match is
// returned instead.
func ExtractN(text string, m termindex.Match, n int) Span {
	if n < 0 {
		n = 0
	}
	if m.Start < 0 || m.End > len(text) || m.Start > m.End {
		return bare(text, m)
	}

	words := split(text)
	hit := -1
	for i, w := range words {
		if m.Start >= w.start && m.Start < w.end {
			hit = i
			break
		}
	}
	if hit < 0 {
		return bare(text, m)
	}

	first := max(hit-n, 0)
	last := min(hit+n, len(words)-1)
	start, end := words[first].start, words[last].end
	// A match may run past its word only if the caller handed us odd offsets;
	// keep the containment guarantee regardless.
	for end < m.End && last+1 < len(words) {
		last++
		end = words[last].end
	}
	if end < m.End {
		end = m.End
	}

	return Span{
		Text:  text[start:end],
		Full:  text,
		Match: m,
		Start: start,
		End:   end,
	}
}

func bare(text string, m termindex.Match) Span {
	s, e := m.Start, m.End
	if s < 0 {
		s = 0
	}
	if e > len(text) {
		e = len(text)
	}
	if s > e {
		s = e
	}
	return Span{Text: text[s:e], Full: text, Match: m, Start: s, End: e}
}

// split returns the byte ranges of whitespace-separated words.
func split(text string) []word {
	var out []word
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, word{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, word{start, len(text)})
	}
	return out
}

// WordCount returns the number of whitespace-separated words in s.
func WordCount(s string) int { return len(split(s)) }
