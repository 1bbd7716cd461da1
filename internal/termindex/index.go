// Package termindex holds the flagged-term dictionary. Every term is
// normalized and expanded into its leetspeak variants up front, so scanning a
// text is one hash lookup per whitespace-separated token.
package termindex

import (
	"bufio"
	"embed"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Language tags carried on entries and matches.
const (
	LangEnglish  = "en"
	LangFilipino = "fil"
	LangCustom   = "custom"
)

// DefaultMaxVariations caps leetspeak expansion per term.
const DefaultMaxVariations = 256

//go:embed lists/*.txt
var lists embed.FS

// Term is one dictionary input.
type Term struct {
	Text string
	Lang string
}

// Entry is a canonical term with every variation that maps to it.
type Entry struct {
	Canonical  string
	Variations []string
	Lang       string
}

// Match is one flagged token. Start and End are byte offsets into the text
// passed to Scan.
type Match struct {
	Term  string
	Start int
	End   int
	Lang  string
}

// Options tune Build.
type Options struct {
	// MaxVariations caps expansion per term; <= 0 uses DefaultMaxVariations.
	MaxVariations int
	// MinTokenLength ignores shorter tokens (in runes); 0 disables the floor.
	MinTokenLength int
	// Whitelist terms are never indexed, nor are their variations.
	Whitelist []string
}

// Index is immutable after Build and safe for concurrent use.
type Index struct {
	lookup   map[string]*Entry
	entries  []*Entry
	minToken int
}

// BaseTerms returns the embedded dictionary for the given languages
// (LangEnglish, LangFilipino). Unknown languages are ignored.
func BaseTerms(langs ...string) []Term {
	var out []Term
	for _, lang := range langs {
		f, err := lists.Open("lists/" + lang + ".txt")
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, Term{Text: line, Lang: lang})
		}
		f.Close()
	}
	return out
}

// Build normalizes base and custom terms, expands their variations and
// returns the index. When two terms produce the same variation, the first one
// in input order keeps it.
func Build(base []Term, custom []string, opts Options) *Index {
	limit := opts.MaxVariations
	if limit <= 0 {
		limit = DefaultMaxVariations
	}

	whitelist := make(map[string]bool, len(opts.Whitelist))
	for _, w := range opts.Whitelist {
		if w = Normalize(strings.TrimSpace(w)); w != "" {
			whitelist[w] = true
		}
	}

	terms := make([]Term, 0, len(base)+len(custom))
	terms = append(terms, base...)
	for _, c := range custom {
		terms = append(terms, Term{Text: c, Lang: LangCustom})
	}

	idx := &Index{
		lookup:   make(map[string]*Entry),
		minToken: opts.MinTokenLength,
	}
	byCanonical := make(map[string]*Entry)

	for _, t := range terms {
		canonical := Normalize(strings.TrimSpace(t.Text))
		if canonical == "" || whitelist[canonical] {
			continue
		}
		if _, dup := byCanonical[canonical]; dup {
			continue
		}
		entry := &Entry{Canonical: canonical, Lang: t.Lang}
		for _, v := range expand(canonical, limit) {
			if whitelist[v] {
				continue
			}
			if _, taken := idx.lookup[v]; taken {
				continue
			}
			idx.lookup[v] = entry
			entry.Variations = append(entry.Variations, v)
		}
		byCanonical[canonical] = entry
		idx.entries = append(idx.entries, entry)
	}
	return idx
}

// Len returns the number of indexed strings, variations included.
func (idx *Index) Len() int { return len(idx.lookup) }

// Entries returns the canonical entries sorted by term.
func (idx *Index) Entries() []Entry {
	out := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Canonical < out[j].Canonical })
	return out
}

// Lookup returns the entry a single normalized token maps to.
func (idx *Index) Lookup(token string) (*Entry, bool) {
	e, ok := idx.lookup[token]
	return e, ok
}

// Scan tokenizes text on whitespace and returns one Match per flagged token,
// left to right. A running cursor tracks each token's position, so repeated
// tokens are located correctly. A token that misses is retried with edge
// punctuation trimmed ("damn!" -> "damn") while keeping leetspeak symbols.
func (idx *Index) Scan(text string) []Match {
	if idx == nil || len(idx.lookup) == 0 {
		return nil
	}

	var out []Match
	pos := 0
	for pos < len(text) {
		r, size := utf8.DecodeRuneInString(text[pos:])
		if unicode.IsSpace(r) {
			pos += size
			continue
		}
		start := pos
		for pos < len(text) {
			r, size = utf8.DecodeRuneInString(text[pos:])
			if unicode.IsSpace(r) {
				break
			}
			pos += size
		}
		if m, ok := idx.matchToken(text, start, pos); ok {
			out = append(out, m)
		}
	}
	return out
}

func (idx *Index) matchToken(text string, start, end int) (Match, bool) {
	for _, trim := range []func(rune) bool{nil, isPlainEdgePunct, isEdgePunct} {
		s, e := start, end
		if trim != nil {
			s, e = trimBounds(text, start, end, trim)
			if s == start && e == end {
				continue
			}
		}
		if s >= e {
			continue
		}
		core := text[s:e]
		if idx.minToken > 0 && utf8.RuneCountInString(core) < idx.minToken {
			continue
		}
		if entry, ok := idx.lookup[Normalize(core)]; ok {
			return Match{Term: entry.Canonical, Start: s, End: e, Lang: entry.Lang}, true
		}
	}
	return Match{}, false
}

// trimBounds narrows [start,end) past leading and trailing runes for which
// cut returns true.
func trimBounds(text string, start, end int, cut func(rune) bool) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !cut(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !cut(r) {
			break
		}
		end -= size
	}
	return start, end
}
