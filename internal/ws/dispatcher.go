package ws

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/pageguard/internal/protocol"
	"github.com/whisper/pageguard/internal/ratelimit"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.LoadPageMsg,
// protocol.MutateMsg, ...).
type MessageHandler func(conn *Connection, msg interface{})

// Limiter throttles identifiers per rule. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

const limitTimeout = 500 * time.Millisecond

// MessageDispatcher routes incoming frames to registered handlers by message
// type. Pings are answered internally and are never rate limited.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	limiter  Limiter
	log      logrus.FieldLogger
}

// NewMessageDispatcher creates a dispatcher. limiter may be nil.
func NewMessageDispatcher(limiter Limiter, log logrus.FieldLogger) *MessageDispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		limiter:  limiter,
		log:      log,
	}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and hands it to the matching handler. Parse failures,
// unregistered types and throttled sessions are answered on conn.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.WithError(err).WithField("session", conn.ID).Debug("[ws] dispatch parse error")
		d.send(conn, protocol.NewError(protocol.CodeBadRequest, err.Error()))
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	if !d.allow(conn) {
		out, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(ratelimit.RuleControl.Window.Seconds()),
		})
		if err == nil {
			d.send(conn, out)
		}
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.WithField("session", conn.ID).Warnf("[ws] unsupported message type=%q", msgType)
		d.send(conn, protocol.NewError(protocol.CodeBadRequest, "unsupported message type"))
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) allow(conn *Connection) bool {
	if d.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), limitTimeout)
	defer cancel()
	ok, _ := d.limiter.Allow(ctx, conn.ID, ratelimit.RuleControl)
	return ok
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch()
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.WithError(err).Error("[ws] failed to build pong")
		return
	}
	d.send(conn, data)
}

func (d *MessageDispatcher) send(conn *Connection, data []byte) {
	if err := conn.WriteMessage(data); err != nil {
		d.log.WithError(err).WithField("session", conn.ID).Debug("[ws] write failed")
	}
}
