package link

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

var ErrHubDisconnected = errors.New("hub link not connected")

// HubCallbacks are invoked from the hub link's read loop. The relay funnels
// them into its own event queue, so they must not block for long.
type HubCallbacks struct {
	// OnCommand fires for each control-slave frame received from the hub.
	OnCommand func(cmd wire.CommandPacket)
	// OnConnect fires every time a connection to the hub is established.
	OnConnect func()
	// OnDisconnect fires when an established connection drops.
	OnDisconnect func()
}

// HubLink is the single upstream connection to the aggregation hub. It owns
// reconnection; the relay core never retries, it only checks Connected()
// before each send.
type HubLink struct {
	logger    *slog.Logger
	url       string
	callbacks HubCallbacks

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func NewHubLink(logger *slog.Logger, url string, callbacks HubCallbacks) *HubLink {
	return &HubLink{
		logger:    logger,
		url:       url,
		callbacks: callbacks,
	}
}

func (h *HubLink) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Send writes one event frame upstream. Returns ErrHubDisconnected while the
// link is down; the caller logs and drops, nothing is buffered.
func (h *HubLink) Send(event string, payload any) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected || h.conn == nil {
		return ErrHubDisconnected
	}
	return h.conn.WriteMessage(websocket.TextMessage, frame)
}

// Run dials the hub and keeps the connection alive until ctx is done,
// backing off between attempts. Connect failures and disconnects are
// steady-state events, logged at info.
func (h *HubLink) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    15 * time.Second,
		Jitter: true,
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.url, nil)
		if err != nil {
			wait := b.Duration()
			h.logger.With("url", h.url).With("err", err).With("retry-in", wait).Info("hub dial failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		h.setConn(conn)
		h.logger.With("url", h.url).Info("connected to hub")
		if h.callbacks.OnConnect != nil {
			h.callbacks.OnConnect()
		}

		h.readLoop(ctx, conn)

		h.setConn(nil)
		h.logger.Info("hub connection lost")
		if h.callbacks.OnDisconnect != nil {
			h.callbacks.OnDisconnect()
		}
	}
}

func (h *HubLink) setConn(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil && conn == nil {
		_ = h.conn.Close()
	}
	h.conn = conn
	h.connected = conn != nil
}

func (h *HubLink) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			h.logger.With("err", err).Warn("undecodable frame from hub")
			continue
		}
		switch env.Event {
		case wire.EventControlSlave:
			var cmd wire.CommandPacket
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				h.logger.With("err", err).Warn("malformed control-slave payload")
				continue
			}
			if h.callbacks.OnCommand != nil {
				h.callbacks.OnCommand(cmd)
			}
		default:
			h.logger.With("event", env.Event).Debug("ignoring unexpected hub event")
		}
	}
}
