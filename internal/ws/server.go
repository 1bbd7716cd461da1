// Package ws is the control surface of pageguard. It upgrades HTTP requests
// to WebSocket connections, gives each connection a page session and
// dispatches control messages to it. The same mux serves the one-shot
// redaction endpoint and the health check.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper/pageguard/internal/dom"
	"github.com/whisper/pageguard/internal/metrics"
	"github.com/whisper/pageguard/internal/protocol"
	"github.com/whisper/pageguard/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the control server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted data frame
	ReadTimeout    time.Duration // idle read limit per frame; zero relies on the heartbeat
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
	Metrics        http.Handler // mounted at /metrics when set
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		MaxFrameBytes:  2 * DefaultMaxPageBytes,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades control connections with gobwas/ws and runs one read loop
// goroutine per connection. Every connection owns a Session.
type Server struct {
	config     ServerConfig
	deps       PageDeps
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	limiter    Limiter
	log        logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session

	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a server hosting pages with deps. limiter may be nil.
func NewServer(config ServerConfig, deps PageDeps, limiter Limiter) *Server {
	def := DefaultServerConfig()
	if config.MaxConnections <= 0 {
		config.MaxConnections = def.MaxConnections
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = def.MaxFrameBytes
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = def.Heartbeat
	}

	log := deps.logger().WithField("component", "ws")
	s := &Server{
		config:    config,
		deps:      deps,
		conns:     NewConnectionManager(),
		limiter:   limiter,
		log:       log,
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	s.dispatcher = NewMessageDispatcher(limiter, log)
	s.dispatcher.Register(protocol.TypeLoadPage, s.onLoadPage)
	s.dispatcher.Register(protocol.TypeMutate, s.onMutate)
	s.dispatcher.Register(protocol.TypeUpdateSettings, s.onUpdateSettings)
	s.dispatcher.Register(protocol.TypeToggle, s.onToggle)
	s.dispatcher.Register(protocol.TypeRescan, s.onRescan)
	s.dispatcher.Register(protocol.TypeGetStats, s.onGetStats)
	s.dispatcher.Register(protocol.TypeGetSnapshot, s.onGetSnapshot)

	s.startHeartbeat(config.Heartbeat, s.done)
	return s
}

// Handler returns the server's routes: /ws, /v1/redact, /health and, when
// configured, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/v1/redact", s.handleRedact)
	mux.HandleFunc("/health", s.handleHealth)
	if s.config.Metrics != nil {
		mux.Handle("/metrics", s.config.Metrics)
	}
	return mux
}

// Start listens on ListenAddr and blocks until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithFields(logrus.Fields{
		"addr":      s.config.ListenAddr,
		"max_conns": s.config.MaxConnections,
	}).Info("[ws] server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), limitTimeout)
		ok, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		cancel()
		if !ok {
			w.Header().Set("Retry-After", fmt.Sprint(int(ratelimit.RuleConnect.Window.Seconds())))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.WithError(err).Debug("[ws] upgrade failed")
		return
	}

	id := uuid.NewString()
	c := newConnection(id, conn, ip, s.config.WriteTimeout)
	sess := NewSession(id, s.deps)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	s.reply(c, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: id})
	s.log.WithFields(logrus.Fields{"session": id, "ip": ip, "total": s.conns.Count()}).Info("[ws] new connection")

	go s.readLoop(c)
}

// readLoop reads frames until the client goes away. Control frames only
// refresh the connection's activity; data frames are dispatched in order.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
			continue
		}

		if header.Length > s.config.MaxFrameBytes {
			s.log.WithField("session", c.ID).Warnf("[ws] frame of %d bytes over limit", header.Length)
			_ = c.WriteMessage(protocol.NewError(protocol.CodeBadRequest, "frame too large"))
			return
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatcher.Dispatch(c, data)
	}
}

// RemoveConnection closes c and its session. Concurrent calls for the same
// connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	s.mu.Lock()
	sess := s.sessions[c.ID]
	delete(s.sessions, c.ID)
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}

	s.log.WithFields(logrus.Fields{"session": c.ID, "total": s.conns.Count()}).Info("[ws] connection closed")
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

func (s *Server) session(c *Connection) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[c.ID]
}

func (s *Server) onLoadPage(c *Connection, msg interface{}) {
	m := msg.(protocol.LoadPageMsg)
	s.withSession(c, func(sess *Session) (string, interface{}, error) {
		loaded, err := sess.Load(m.URL, m.HTML)
		return protocol.TypePageLoaded, loaded, err
	})
}

func (s *Server) onMutate(c *Connection, msg interface{}) {
	m := msg.(protocol.MutateMsg)
	s.withSession(c, func(sess *Session) (string, interface{}, error) {
		st, err := sess.Mutate(m)
		return protocol.TypeStats, statsMsg(st), err
	})
}

func (s *Server) onUpdateSettings(c *Connection, msg interface{}) {
	m := msg.(protocol.UpdateSettingsMsg)
	s.withSession(c, func(sess *Session) (string, interface{}, error) {
		st, err := sess.UpdateSettings(m.Settings)
		return protocol.TypeStats, statsMsg(st), err
	})
}

func (s *Server) onToggle(c *Connection, _ interface{}) {
	s.withSession(c, func(sess *Session) (string, interface{}, error) {
		st, err := sess.Toggle()
		return protocol.TypeStats, statsMsg(st), err
	})
}

func (s *Server) onRescan(c *Connection, _ interface{}) {
	s.withSession(c, func(sess *Session) (string, interface{}, error) {
		st, err := sess.Rescan()
		return protocol.TypeStats, statsMsg(st), err
	})
}

func (s *Server) onGetStats(c *Connection, _ interface{}) {
	s.withSession(c, func(sess *Session) (string, interface{}, error) {
		st, err := sess.Stats()
		return protocol.TypeStats, statsMsg(st), err
	})
}

func (s *Server) onGetSnapshot(c *Connection, _ interface{}) {
	s.withSession(c, func(sess *Session) (string, interface{}, error) {
		snap, err := sess.Snapshot()
		return protocol.TypeSnapshot, snap, err
	})
}

func (s *Server) withSession(c *Connection, fn func(*Session) (string, interface{}, error)) {
	sess := s.session(c)
	if sess == nil {
		return
	}
	msgType, payload, err := fn(sess)
	if err != nil {
		code := errorCode(err)
		if code == protocol.CodeInternal {
			s.log.WithError(err).WithField("session", c.ID).Error("[ws] handler failed")
		}
		s.send(c, protocol.NewError(code, err.Error()))
		return
	}
	s.reply(c, msgType, payload)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errNoPage):
		return protocol.CodeNoPage
	case errors.Is(err, errNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrInvalidPage), errors.Is(err, errBadMutation), errors.Is(err, dom.ErrNotAttached):
		return protocol.CodeBadRequest
	}
	return protocol.CodeInternal
}

func (s *Server) reply(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.WithError(err).Errorf("[ws] failed to build %s", msgType)
		return
	}
	s.send(c, data)
}

func (s *Server) send(c *Connection, data []byte) {
	if err := c.WriteMessage(data); err != nil {
		s.log.WithError(err).WithField("session", c.ID).Debug("[ws] write failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops accepting connections, closes every live one and stops
// their engines. Markers already on hosted pages stay in place.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("[ws] shutting down server...")
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("[ws] http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	s.log.Info("[ws] server stopped, all connections closed")
	return err
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
