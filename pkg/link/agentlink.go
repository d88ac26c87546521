// Package link holds the transport handles on both sides of the relay
// master: accepted agent connections and the single upstream hub connection.
// Links are passive; they emit inbound frames and accept Send calls, and
// never touch relay state themselves.
package link

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/fleetrelay/fleetrelay/pkg/util"
	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("link closed")

// AgentLink wraps one accepted agent connection. The identifier starts
// empty and is set exactly once when the identify event arrives; a later
// identify with a different id on the same link is rejected by the caller.
type AgentLink struct {
	logger *slog.Logger
	connID string

	mu     sync.Mutex
	conn   *websocket.Conn
	id     string
	closed bool
}

func NewAgentLink(logger *slog.Logger, conn *websocket.Conn) *AgentLink {
	connID := util.NewUUID()
	return &AgentLink{
		logger: logger.With("conn", connID),
		connID: connID,
		conn:   conn,
	}
}

// ConnID is the per-connection uuid, stable across identification. Used for
// logging only; the registry keys on the agent identifier.
func (l *AgentLink) ConnID() string {
	return l.connID
}

// Log annotates a logger with the link's connection id and, once set, the
// agent identifier.
func (l *AgentLink) Log(logger *slog.Logger) *slog.Logger {
	logger = logger.With("conn", l.connID)
	if id := l.Identifier(); id != "" {
		logger = logger.With("id", id)
	}
	return logger
}

func (l *AgentLink) Identifier() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// SetIdentifier records the agent's self-declared id. The first call wins;
// repeating the same id is a no-op and reports true, a different id is
// refused.
func (l *AgentLink) SetIdentifier(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.id == "" {
		l.id = id
		return true
	}
	return l.id == id
}

// Send writes one event frame. Fire-and-forget: the error is for the
// caller's log line, there is no delivery confirmation.
func (l *AgentLink) Send(event string, payload any) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

// ReadRaw blocks for the next inbound frame. Any error means the connection
// is gone; undecodable payloads are the caller's problem, a bad frame must
// not tear down the link.
func (l *AgentLink) ReadRaw() ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	return data, err
}

func (l *AgentLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if err := l.conn.Close(); err != nil {
		l.logger.With("err", err).Debug("close agent connection")
	}
}
