package termindex

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s and strips diacritics ("Putañgina" -> "putangina").
// Leetspeak characters are left alone; the index stores their variants.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// leetSubstitutions lists the obfuscations expanded for every term.
var leetSubstitutions = map[rune][]rune{
	'a': {'@', '4'},
	'e': {'3'},
	'i': {'1', '!'},
	'o': {'0'},
	's': {'5', '$'},
	't': {'7'},
	'l': {'1'},
}

// leetChars are punctuation characters that can stand in for a letter, so
// they must survive edge trimming of a token.
var leetChars = map[rune]bool{'@': true, '$': true, '!': true}

// expand returns term followed by its leetspeak variants, breadth first by
// position, stopping at limit entries. Ordering is fixed so the same term
// always yields the same variation set.
func expand(term string, limit int) []string {
	rs := []rune(term)
	out := []string{term}
	seen := map[string]bool{term: true}

	frontier := [][]rune{rs}
	for i := range rs {
		subs, ok := leetSubstitutions[rs[i]]
		if !ok {
			continue
		}
		var next [][]rune
		for _, cur := range frontier {
			next = append(next, cur)
			for _, sub := range subs {
				v := append([]rune(nil), cur...)
				v[i] = sub
				key := string(v)
				if seen[key] {
					continue
				}
				if limit > 0 && len(out) >= limit {
					return out
				}
				seen[key] = true
				out = append(out, key)
				next = append(next, v)
			}
		}
		frontier = next
	}
	return out
}

func isEdgePunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func isPlainEdgePunct(r rune) bool {
	return isEdgePunct(r) && !leetChars[r]
}
