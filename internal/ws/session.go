package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/whisper/pageguard/internal/cache"
	"github.com/whisper/pageguard/internal/dom"
	"github.com/whisper/pageguard/internal/engine"
	"github.com/whisper/pageguard/internal/protocol"
	"github.com/whisper/pageguard/internal/report"
	"github.com/whisper/pageguard/internal/settings"
	"github.com/whisper/pageguard/internal/watch"
)

var (
	errNoPage      = errors.New("no page loaded")
	errNotFound    = errors.New("target not found")
	errBadMutation = errors.New("bad mutation")
	errClosed      = errors.New("session closed")
)

// PageDeps is shared by every page the server hosts.
type PageDeps struct {
	Settings    settings.Source // shared by every page, usually a *settings.Hub
	Classifier  engine.Classifier
	Cache       cache.Cache
	Reporter    report.Reporter
	Logger      logrus.FieldLogger
	Watch       watch.Options
	MaxPageSize int
}

func (p PageDeps) logger() logrus.FieldLogger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

func (p PageDeps) newEngine(doc *dom.Document, pageURL string, src settings.Source) (*engine.Engine, error) {
	if src == nil {
		src = p.Settings
	}
	return engine.New(engine.Deps{
		Document:   doc,
		URL:        pageURL,
		Settings:   src,
		Classifier: p.Classifier,
		Cache:      p.Cache,
		Reporter:   p.Reporter,
		Logger:     p.Logger,
		Watch:      p.Watch,
	})
}

// Session is the page state behind one control connection: at most one
// document and the engine protecting it.
type Session struct {
	id   string
	deps PageDeps
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	pageID string
	doc    *dom.Document
	eng    *engine.Engine
	closed bool
}

// NewSession creates an empty session. Engines it starts live until Close.
func NewSession(id string, deps PageDeps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		deps:   deps,
		log:    deps.logger().WithField("session", id),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Load replaces the current page, if any, and protects the new one. It
// returns once the initial scan has finished.
func (s *Session) Load(pageURL, markup string) (protocol.PageLoadedMsg, error) {
	if err := ValidatePage(pageURL, markup, s.deps.MaxPageSize); err != nil {
		return protocol.PageLoadedMsg{}, err
	}
	doc, err := dom.ParseString(markup)
	if err != nil {
		return protocol.PageLoadedMsg{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.PageLoadedMsg{}, errClosed
	}
	if s.eng != nil {
		s.eng.Stop()
		s.eng, s.doc = nil, nil
	}

	eng, err := s.deps.newEngine(doc, pageURL, nil)
	if err != nil {
		return protocol.PageLoadedMsg{}, err
	}
	if err := eng.Start(s.ctx); err != nil {
		eng.Stop()
		return protocol.PageLoadedMsg{}, fmt.Errorf("start engine: %w", err)
	}
	s.doc, s.eng = doc, eng
	s.pageID = uuid.NewString()

	st := eng.Stats()
	s.log.WithFields(logrus.Fields{
		"page":    s.pageID,
		"url":     pageURL,
		"flagged": st.FlaggedCount,
	}).Info("[ws] page loaded")

	return protocol.PageLoadedMsg{PageID: s.pageID, State: st.State, FlaggedCount: st.FlaggedCount}, nil
}

// Mutate applies a page-side change. The engine picks it up through its
// watcher, so the returned stats may not include the change yet.
func (s *Session) Mutate(m protocol.MutateMsg) (engine.Stats, error) {
	if err := ValidateFragment(m.HTML+m.Text+m.Value, s.deps.MaxPageSize); err != nil {
		return engine.Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return engine.Stats{}, errNoPage
	}
	body := s.doc.Body()
	err := s.doc.Mutate(dom.OriginPage, func(tx *dom.Tx) error {
		return applyMutation(tx, body, m)
	})
	if err != nil {
		return engine.Stats{}, err
	}
	return s.eng.Stats(), nil
}

func applyMutation(tx *dom.Tx, body *html.Node, m protocol.MutateMsg) error {
	target := body
	if m.TargetID != "" {
		if target = dom.FindByID(body, m.TargetID); target == nil {
			return fmt.Errorf("%w: no element with id %q", errNotFound, m.TargetID)
		}
	}

	switch m.Op {
	case protocol.OpAppend:
		_, err := tx.AppendHTML(target, m.HTML)
		return err
	case protocol.OpReplace:
		if err := tx.ReplaceChildren(target); err != nil {
			return err
		}
		if m.HTML == "" {
			return nil
		}
		_, err := tx.AppendHTML(target, m.HTML)
		return err
	case protocol.OpSetText:
		for c := target.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				return tx.SetText(c, m.Text)
			}
		}
		return tx.AppendChild(target, dom.NewText(m.Text))
	case protocol.OpSetAttr:
		return tx.SetAttr(target, m.Attr, m.Value)
	case protocol.OpRemove:
		if target == body || target.Parent == nil {
			return fmt.Errorf("%w: cannot remove body", errBadMutation)
		}
		return tx.RemoveChild(target.Parent, target)
	}
	return fmt.Errorf("%w: unknown op %q", errBadMutation, m.Op)
}

// UpdateSettings replaces the page's settings. The page keeps them until it
// is reloaded; shared settings updates no longer reach it.
func (s *Session) UpdateSettings(next settings.Settings) (engine.Stats, error) {
	return s.withEngine(func(e *engine.Engine) error {
		return e.Pin(s.ctx, next)
	})
}

// Toggle flips protection for the page.
func (s *Session) Toggle() (engine.Stats, error) {
	return s.withEngine(func(e *engine.Engine) error {
		_, err := e.Toggle(s.ctx)
		return err
	})
}

// Rescan rescans the whole page.
func (s *Session) Rescan() (engine.Stats, error) {
	return s.withEngine(func(e *engine.Engine) error {
		return e.Rescan(s.ctx)
	})
}

// Stats reports the engine counters.
func (s *Session) Stats() (engine.Stats, error) {
	return s.withEngine(nil)
}

// Snapshot renders the page body and lists its markers.
func (s *Session) Snapshot() (protocol.SnapshotMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return protocol.SnapshotMsg{}, errNoPage
	}
	return snapshot(s.doc, s.eng), nil
}

func (s *Session) withEngine(fn func(*engine.Engine) error) (engine.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return engine.Stats{}, errNoPage
	}
	if fn != nil {
		if err := fn(s.eng); err != nil {
			return engine.Stats{}, err
		}
	}
	return s.eng.Stats(), nil
}

// Close stops the engine and leaves the page as it is. It is idempotent.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.eng != nil {
		s.eng.Stop()
	}
}

func snapshot(doc *dom.Document, eng *engine.Engine) protocol.SnapshotMsg {
	markers := eng.Markers()
	sort.Slice(markers, func(i, j int) bool { return markers[i].ID < markers[j].ID })
	infos := make([]protocol.MarkerInfo, 0, len(markers))
	for _, m := range markers {
		infos = append(infos, protocol.MarkerInfo{
			ID:         m.ID,
			Window:     m.Window,
			Style:      string(m.Style),
			Confidence: m.Verdict.Confidence,
			Reason:     m.Verdict.Reason,
		})
	}
	return protocol.SnapshotMsg{HTML: doc.BodyHTML(), Markers: infos}
}

func statsMsg(st engine.Stats) protocol.StatsMsg {
	return protocol.StatsMsg{
		IsActive:     st.IsActive,
		FlaggedCount: st.FlaggedCount,
		CacheSize:    st.CacheSize,
		State:        st.State,
	}
}
