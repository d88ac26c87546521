// Package hub implements the upstream broadcast endpoint: it accepts the
// master's connection, rebroadcasts forwarded packets to dashboard
// observers, and routes observer-issued commands back toward the master.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// observerQueueSize bounds the per-observer send queue. A slow dashboard
// loses frames rather than stalling the broadcast path.
const observerQueueSize = 64

type observer struct {
	conn   *websocket.Conn
	frames chan []byte
}

type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	observers map[*observer]struct{}
	master    *websocket.Conn
	masterWMu sync.Mutex
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		observers: map[*observer]struct{}{},
	}
}

func (h *Hub) Routes(r *gin.Engine) {
	r.GET("/v1/ingest", func(c *gin.Context) {
		h.handleMaster(c.Writer, c.Request)
	})
	r.GET("/v1/dashboard", func(c *gin.Context) {
		h.handleObserver(c.Writer, c.Request)
	})
}

// handleMaster owns the single master connection. A second master replaces
// the first, mirroring the registry's last-write-wins semantics.
func (h *Hub) handleMaster(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.With("err", err).Info("master upgrade failed")
		return
	}
	h.logger.With("remote-addr", req.RemoteAddr).Info("master connected")

	h.mu.Lock()
	old := h.master
	h.master = conn
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	h.broadcastEvent(wire.EventMasterStatus, map[string]string{"status": "online"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := wire.Decode(data)
		if err != nil {
			h.logger.With("err", err).Warn("undecodable frame from master")
			continue
		}
		if env.Event != wire.EventForwardData {
			h.logger.With("event", env.Event).Debug("ignoring unexpected master event")
			continue
		}
		h.broadcastEvent(wire.EventDataUI, env.Payload)
	}

	h.mu.Lock()
	if h.master == conn {
		h.master = nil
	}
	current := h.master
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Info("master disconnected")
	if current == nil {
		h.broadcastEvent(wire.EventMasterStatus, map[string]string{"status": "offline"})
	}
}

func (h *Hub) handleObserver(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.With("err", err).Info("observer upgrade failed")
		return
	}
	obs := &observer{conn: conn, frames: make(chan []byte, observerQueueSize)}

	h.mu.Lock()
	h.observers[obs] = struct{}{}
	count := len(h.observers)
	h.mu.Unlock()
	h.logger.With("remote-addr", req.RemoteAddr).With("observers", count).Info("observer connected")

	go h.writeObserver(obs)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := wire.Decode(data)
		if err != nil {
			h.logger.With("err", err).Warn("undecodable frame from observer")
			continue
		}
		if env.Event != wire.EventControlSlave {
			h.logger.With("event", env.Event).Debug("ignoring unexpected observer event")
			continue
		}
		var cmd wire.CommandPacket
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			h.logger.With("err", err).Warn("malformed control-slave payload")
			continue
		}
		h.sendToMaster(cmd)
	}

	h.mu.Lock()
	delete(h.observers, obs)
	h.mu.Unlock()
	close(obs.frames)
	_ = conn.Close()
	h.logger.Info("observer disconnected")
}

func (h *Hub) writeObserver(obs *observer) {
	for frame := range obs.frames {
		if err := obs.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// sendToMaster relays an observer command; with no master connected the
// command is dropped, never queued.
func (h *Hub) sendToMaster(cmd wire.CommandPacket) {
	h.mu.Lock()
	master := h.master
	h.mu.Unlock()
	if master == nil {
		h.logger.With("target", cmd.SlaveID).Warn("no master connected, command dropped")
		return
	}
	frame, err := wire.Encode(wire.EventControlSlave, cmd)
	if err != nil {
		h.logger.With("err", err).Error("failed to encode command")
		return
	}
	h.masterWMu.Lock()
	defer h.masterWMu.Unlock()
	if err := master.WriteMessage(websocket.TextMessage, frame); err != nil {
		h.logger.With("err", err).Info("command relay to master failed")
	}
}

func (h *Hub) broadcastEvent(event string, payload any) {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		h.logger.With("event", event).With("err", err).Error("failed to encode broadcast")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for obs := range h.observers {
		select {
		case obs.frames <- frame:
		default:
			h.logger.Debug("observer queue full, frame dropped")
		}
	}
}
