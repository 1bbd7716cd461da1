package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/whisper/pageguard/internal/classify"
	"github.com/whisper/pageguard/internal/dom"
	"github.com/whisper/pageguard/internal/termindex"
	"github.com/whisper/pageguard/internal/window"
)

const page = `<div id="feed"><p id="msg">this is a damn good day</p></div>`

func setup(t *testing.T, body, id, term string) (*dom.Document, window.Span) {
	t.Helper()
	doc, err := dom.ParseString(body)
	require.NoError(t, err)

	p := dom.FindByID(doc.Body(), id)
	require.NotNil(t, p)
	text := p.FirstChild
	i := strings.Index(text.Data, term)
	require.GreaterOrEqual(t, i, 0)

	span := window.Extract(text.Data, termindex.Match{Term: term, Start: i, End: i + len(term)})
	span.Node = text
	return doc, span
}

func flagged(n *html.Node) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if _, ok := dom.Attr(c, dom.FlagAttr); ok {
			return c
		}
	}
	return nil
}

func TestRedact_Styles(t *testing.T) {
	tests := []struct {
		style    Style
		css      string
		flagText string
	}{
		{Highlight, "background-color: #ff6b6b; color: #ffffff", "this is a damn good day"},
		{Blur, "filter: blur(5px)", "this is a damn good day"},
		{Asterisk, "monospace", strings.Repeat("*", len("this is a damn good day"))},
	}
	for _, tt := range tests {
		t.Run(string(tt.style), func(t *testing.T) {
			doc, span := setup(t, page, "msg", "damn")
			e := New()

			m, err := e.Redact(doc, span, classify.DictionaryVerdict(), tt.style)
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, 1, e.Len())

			assert.True(t, dom.IsMarker(m.Node))
			id, _ := dom.Attr(m.Node, dom.MarkerAttr)
			assert.Equal(t, m.ID, id)
			orig, _ := dom.Attr(m.Node, dom.OriginalAttr)
			assert.Equal(t, "this is a damn good day", orig)
			conf, _ := dom.Attr(m.Node, dom.ConfidenceAttr)
			assert.Equal(t, "1.00", conf)
			reason, _ := dom.Attr(m.Node, dom.ReasonAttr)
			assert.Equal(t, "dictionary match", reason)

			flag := flagged(m.Node)
			require.NotNil(t, flag)
			css, _ := dom.Attr(flag, "style")
			assert.Contains(t, css, tt.css)
			assert.Equal(t, tt.flagText, dom.TextContent(flag))

			require.NoError(t, e.Restore(doc, m))
			assert.Equal(t, page, doc.BodyHTML())
			assert.Zero(t, e.Len())
		})
	}
}

func TestRedact_KeepsTextOutsideWindow(t *testing.T) {
	body := `<p id="msg">a b c d e f g h damn i j k l m n o</p>`
	doc, span := setup(t, body, "msg", "damn")
	e := New()

	m, err := e.Redact(doc, span, classify.DictionaryVerdict(), Asterisk)
	require.NoError(t, err)

	require.NotNil(t, m.Node.FirstChild)
	assert.Equal(t, "a b c ", m.Node.FirstChild.Data)
	assert.Equal(t, " n o", m.Node.LastChild.Data)
	assert.Equal(t, "d e f g h damn i j k l m", m.Window)

	require.NoError(t, e.Restore(doc, m))
	assert.Equal(t, body, doc.BodyHTML())
}

func TestRedact_Idempotent(t *testing.T) {
	doc, span := setup(t, page, "msg", "damn")
	e := New()

	m, err := e.Redact(doc, span, classify.DictionaryVerdict(), Highlight)
	require.NoError(t, err)
	after := doc.BodyHTML()

	_, err = e.Redact(doc, span, classify.DictionaryVerdict(), Highlight)
	assert.ErrorIs(t, err, ErrDetached)
	assert.Equal(t, after, doc.BodyHTML())

	// Text that now lives inside the marker cannot be wrapped again.
	inner := flagged(m.Node).FirstChild
	again := span
	again.Node = inner
	again.Full = inner.Data
	_, err = e.Redact(doc, again, classify.DictionaryVerdict(), Blur)
	assert.ErrorIs(t, err, ErrAlreadyMarked)
	assert.Equal(t, after, doc.BodyHTML())
	assert.Equal(t, 1, e.Len())
}

func TestRedact_StaleText(t *testing.T) {
	doc, span := setup(t, page, "msg", "damn")
	require.NoError(t, doc.Mutate(dom.OriginPage, func(tx *dom.Tx) error {
		return tx.SetText(span.Node, "edited by the page")
	}))

	_, err := New().Redact(doc, span, classify.DictionaryVerdict(), Highlight)
	assert.ErrorIs(t, err, ErrStale)
	assert.Contains(t, doc.BodyHTML(), "edited by the page")
}

func TestRedact_WritesAreEngineOrigin(t *testing.T) {
	doc, span := setup(t, page, "msg", "damn")
	var origins []dom.Origin
	doc.Subscribe(func(rs []dom.Record) {
		for _, r := range rs {
			origins = append(origins, r.Origin)
		}
	})

	e := New()
	m, err := e.Redact(doc, span, classify.DictionaryVerdict(), Blur)
	require.NoError(t, err)
	require.NoError(t, e.Restore(doc, m))

	require.Len(t, origins, 2)
	for _, o := range origins {
		assert.Equal(t, dom.OriginEngine, o)
	}
}

func TestRestoreAll(t *testing.T) {
	body := `<p id="a">oh damn</p><p id="b">well shit</p><p id="c">some crap here</p>`
	doc, err := dom.ParseString(body)
	require.NoError(t, err)
	e := New()
	e.SetAppearance(Appearance{HighlightColor: "yellow", BlurAmount: 2.5})

	for id, term := range map[string]string{"a": "damn", "b": "shit", "c": "crap"} {
		text := dom.FindByID(doc.Body(), id).FirstChild
		i := strings.Index(text.Data, term)
		span := window.Extract(text.Data, termindex.Match{Start: i, End: i + len(term)})
		span.Node = text
		_, err := e.Redact(doc, span, classify.DictionaryVerdict(), Blur)
		require.NoError(t, err)
	}
	require.Equal(t, 3, e.Len())
	assert.Contains(t, doc.BodyHTML(), "blur(2.5px)")

	// The page drops one marker itself.
	require.NoError(t, doc.Mutate(dom.OriginPage, func(tx *dom.Tx) error {
		c := dom.FindByID(doc.Body(), "c")
		return tx.RemoveChild(doc.Body(), c)
	}))
	assert.Equal(t, 2, e.Prune(doc))

	assert.Equal(t, 2, e.RestoreAll(doc))
	assert.Zero(t, e.Len())
	assert.Equal(t, `<p id="a">oh damn</p><p id="b">well shit</p>`, doc.BodyHTML())
	assert.Zero(t, e.RestoreAll(doc))
}

func TestRestore_DetachedMarker(t *testing.T) {
	doc, span := setup(t, page, "msg", "damn")
	e := New()
	m, err := e.Redact(doc, span, classify.DictionaryVerdict(), Highlight)
	require.NoError(t, err)

	require.NoError(t, doc.Mutate(dom.OriginPage, func(tx *dom.Tx) error {
		feed := dom.FindByID(doc.Body(), "feed")
		return tx.ReplaceChildren(feed)
	}))
	assert.ErrorIs(t, e.Restore(doc, m), ErrDetached)
	assert.Zero(t, e.Len())
}
