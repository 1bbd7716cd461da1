package window

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pageguard/internal/termindex"
)

func matchOf(text, term string) termindex.Match {
	i := strings.Index(text, term)
	return termindex.Match{Term: term, Start: i, End: i + len(term)}
}

func TestExtract_ShortSentenceCoversEverything(t *testing.T) {
	text := "this is a damn good day"
	span := Extract(text, matchOf(text, "damn"))

	assert.Equal(t, text, span.Text)
	assert.Equal(t, 0, span.Start)
	assert.Equal(t, len(text), span.End)
	assert.Equal(t, 6, WordCount(span.Text))
	assert.Empty(t, span.Before())
	assert.Empty(t, span.After())
}

func TestExtract_ClipsToRadius(t *testing.T) {
	text := "w1 w2 w3 w4 w5 w6 w7 damn w9 w10 w11 w12 w13 w14 w15"
	span := Extract(text, matchOf(text, "damn"))

	assert.Equal(t, "w3 w4 w5 w6 w7 damn w9 w10 w11 w12 w13", span.Text)
	assert.Equal(t, "w1 w2 ", span.Before())
	assert.Equal(t, " w14 w15", span.After())
}

func TestExtract_PreservesWhitespaceRuns(t *testing.T) {
	text := "one\t\ttwo   damn\nthree"
	span := ExtractN(text, matchOf(text, "damn"), 1)

	assert.Equal(t, "two   damn\nthree", span.Text)
	assert.Equal(t, text[span.Start:span.End], span.Text)
}

func TestExtract_Fallback(t *testing.T) {
	text := "hello world"
	tests := []struct {
		name string
		m    termindex.Match
		want string
	}{
		{"out of range", termindex.Match{Start: 50, End: 60}, ""},
		{"inverted", termindex.Match{Start: 5, End: 2}, ""},
		{"on whitespace", termindex.Match{Start: 5, End: 6}, " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var span Span
			require.NotPanics(t, func() { span = Extract(text, tt.m) })
			assert.Equal(t, tt.want, span.Text)
			assert.Equal(t, text, span.Full)
		})
	}
}

func TestExtract_Containment(t *testing.T) {
	idx := termindex.Build([]termindex.Term{{Text: "damn", Lang: termindex.LangEnglish}, {Text: "shit", Lang: termindex.LangEnglish}}, nil, termindex.Options{})
	texts := []string{
		"damn",
		"  damn  ",
		"oh damn, that is some sh!t right there damn!",
		"damn damn damn damn damn damn damn damn damn damn damn damn",
		"¿qué? damn… ñandú shit",
	}
	for _, text := range texts {
		for _, m := range idx.Scan(text) {
			for _, n := range []int{0, 1, DefaultRadius, 100} {
				span := ExtractN(text, m, n)
				assert.LessOrEqual(t, span.Start, m.Start, text)
				assert.LessOrEqual(t, m.Start, m.End, text)
				assert.LessOrEqual(t, m.End, span.End, text)
				assert.Equal(t, text[span.Start:span.End], span.Text)
			}
		}
	}
}
