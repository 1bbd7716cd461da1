package termindex

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terms(words ...string) []Term {
	out := make([]Term, len(words))
	for i, w := range words {
		out[i] = Term{Text: w, Lang: LangEnglish}
	}
	return out
}

func TestScan_SingleMatch(t *testing.T) {
	idx := Build(terms("damn"), nil, Options{})
	text := "this is a damn good day"

	matches := idx.Scan(text)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "damn", m.Term)
	assert.Equal(t, 10, m.Start)
	assert.Equal(t, 14, m.End)
	assert.Equal(t, "damn", text[m.Start:m.End])
}

func TestScan_Variants(t *testing.T) {
	idx := Build(terms("badword", "offensive", "shit"), nil, Options{})

	tests := []struct {
		name  string
		input string
		term  string
		core  string
	}{
		{"exact", "badword", "badword", "badword"},
		{"uppercase", "BADWORD", "badword", "BADWORD"},
		{"zero for o", "b@dw0rd", "badword", "b@dw0rd"},
		{"dollar for s", "off3n$ive", "offensive", "off3n$ive"},
		{"exclaim for i", "offens!ve", "offensive", "offens!ve"},
		{"leading symbol", "$h!t", "shit", "$h!t"},
		{"trailing punctuation", "hello shit!", "shit", "shit"},
		{"comma", "well, shit, ok", "shit", "shit"},
		{"quoted", `"badword"`, "badword", "badword"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := idx.Scan(tt.input)
			require.Len(t, matches, 1)
			assert.Equal(t, tt.term, matches[0].Term)
			assert.Equal(t, tt.core, tt.input[matches[0].Start:matches[0].End])
		})
	}
}

func TestScan_NoPartialWords(t *testing.T) {
	idx := Build(terms("ass"), nil, Options{})
	for _, input := range []string{"assess the class", "grass", "massive", ""} {
		assert.Empty(t, idx.Scan(input), input)
	}
}

func TestScan_RepeatedShortTokens(t *testing.T) {
	idx := Build(terms("ass"), nil, Options{})
	text := "a ass a  ass\tass"

	matches := idx.Scan(text)
	require.Len(t, matches, 3)
	for _, m := range matches {
		assert.Equal(t, "ass", text[m.Start:m.End])
	}
	assert.Equal(t, []int{2, 9, 13}, []int{matches[0].Start, matches[1].Start, matches[2].Start})
}

func TestScan_DiacriticsAndMultibyte(t *testing.T) {
	idx := Build([]Term{{Text: "putangina", Lang: LangFilipino}}, nil, Options{})
	text := "¡Ay! PUTAÑGINA naman"

	matches := idx.Scan(text)
	require.Len(t, matches, 1)
	assert.Equal(t, "PUTAÑGINA", text[matches[0].Start:matches[0].End])
	assert.Equal(t, LangFilipino, matches[0].Lang)
}

func TestBuild_CustomAndWhitelist(t *testing.T) {
	idx := Build(terms("damn", "crap"), []string{"Frak"}, Options{Whitelist: []string{"crap"}})

	assert.Len(t, idx.Scan("frak this"), 1)
	assert.Equal(t, LangCustom, idx.Scan("frak")[0].Lang)
	assert.Empty(t, idx.Scan("oh crap"))
	assert.Empty(t, idx.Scan("oh cr@p"))
}

func TestBuild_Deterministic(t *testing.T) {
	input := terms("shit", "asshole", "motherfucker", "bitch")
	a := Build(input, []string{"tarantado"}, Options{})
	b := Build(input, []string{"tarantado"}, Options{})

	require.Equal(t, a.Len(), b.Len())
	keys := func(idx *Index) []string {
		var out []string
		for k := range idx.lookup {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, keys(a), keys(b))
}

func TestBuild_ExpansionCapped(t *testing.T) {
	idx := Build(terms("motherfucker"), nil, Options{MaxVariations: 8})
	entries := idx.Entries()
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Variations, 8)
	assert.Equal(t, "motherfucker", entries[0].Variations[0])
}

func TestBuild_MinTokenLength(t *testing.T) {
	idx := Build(terms("a"), nil, Options{MinTokenLength: 2})
	assert.Empty(t, idx.Scan("a b c"))

	idx = Build(terms("a"), nil, Options{})
	assert.Len(t, idx.Scan("a b c"), 1)
}

func TestBaseTerms(t *testing.T) {
	en := BaseTerms(LangEnglish)
	fil := BaseTerms(LangFilipino)
	both := BaseTerms(LangEnglish, LangFilipino)

	require.NotEmpty(t, en)
	require.NotEmpty(t, fil)
	assert.Len(t, both, len(en)+len(fil))
	for _, term := range en {
		assert.False(t, strings.HasPrefix(term.Text, "#"))
		assert.Equal(t, LangEnglish, term.Lang)
	}
	assert.Empty(t, BaseTerms("xx"))
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hello", "hello"},
		{"PUTAÑGINA", "putangina"},
		{"café", "cafe"},
		{"$h!t", "$h!t"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestExpand(t *testing.T) {
	got := expand("ass", 0)
	for _, want := range []string{"ass", "@ss", "4ss", "a5s", "a$$", "@$5"} {
		assert.Contains(t, got, want)
	}
	// 3 choices for a, 3 for each s.
	assert.Len(t, got, 27)
}

func BenchmarkScan(b *testing.B) {
	idx := Build(BaseTerms(LangEnglish, LangFilipino), nil, Options{})
	text := strings.Repeat("this is a perfectly normal sentence with no bad content. ", 20)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Scan(text)
	}
}
