package link_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/link"
	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentLinkIdentifierFirstWins(t *testing.T) {
	l := link.NewAgentLink(slog.Default(), nil)
	assert.Empty(t, l.Identifier())

	assert.True(t, l.SetIdentifier("A1"))
	assert.Equal(t, "A1", l.Identifier())

	// Repeating the same id is fine, a different one is refused.
	assert.True(t, l.SetIdentifier("A1"))
	assert.False(t, l.SetIdentifier("A2"))
	assert.Equal(t, "A1", l.Identifier())
}

func TestHubLinkSendWhileDown(t *testing.T) {
	h := link.NewHubLink(slog.Default(), "ws://127.0.0.1:0/v1/ingest", link.HubCallbacks{})

	assert.False(t, h.Connected())
	err := h.Send(wire.EventForwardData, wire.Forward{Kind: wire.ForwardTelemetry})
	assert.ErrorIs(t, err, link.ErrHubDisconnected)
}

// fakeHubServer accepts connections and can push frames at the link.
type fakeHubServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeHubServer(t *testing.T) *fakeHubServer {
	t.Helper()
	fh := &fakeHubServer{}
	upgrader := websocket.Upgrader{}
	fh.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fh.mu.Lock()
		fh.conns = append(fh.conns, conn)
		fh.mu.Unlock()
	}))
	t.Cleanup(fh.srv.Close)
	return fh
}

func (fh *fakeHubServer) wsURL() string {
	return strings.Replace(fh.srv.URL, "http://", "ws://", 1)
}

func (fh *fakeHubServer) latest() *websocket.Conn {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if len(fh.conns) == 0 {
		return nil
	}
	return fh.conns[len(fh.conns)-1]
}

func (fh *fakeHubServer) connCount() int {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return len(fh.conns)
}

func runHubLink(t *testing.T, h *link.HubLink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHubLinkConnectsAndDeliversCommands(t *testing.T) {
	fh := newFakeHubServer(t)

	commands := make(chan wire.CommandPacket, 4)
	connected := make(chan struct{}, 4)
	h := link.NewHubLink(slog.Default(), fh.wsURL(), link.HubCallbacks{
		OnCommand: func(cmd wire.CommandPacket) { commands <- cmd },
		OnConnect: func() { connected <- struct{}{} },
	})
	runHubLink(t, h)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("link never connected")
	}
	assert.True(t, h.Connected())

	frame, err := wire.Encode(wire.EventControlSlave, wire.CommandPacket{SlaveID: "A1", Action: wire.ActionStop})
	require.NoError(t, err)
	require.NoError(t, fh.latest().WriteMessage(websocket.TextMessage, frame))

	select {
	case cmd := <-commands:
		assert.Equal(t, "A1", cmd.SlaveID)
		assert.Equal(t, wire.ActionStop, cmd.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("command never delivered")
	}
}

func TestHubLinkReconnectsAfterDrop(t *testing.T) {
	fh := newFakeHubServer(t)

	disconnected := make(chan struct{}, 4)
	h := link.NewHubLink(slog.Default(), fh.wsURL(), link.HubCallbacks{
		OnDisconnect: func() { disconnected <- struct{}{} },
	})
	runHubLink(t, h)

	require.Eventually(t, func() bool { return fh.connCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	_ = fh.latest().Close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback never fired")
	}

	// The link must dial again on its own.
	require.Eventually(t, func() bool { return fh.connCount() == 2 }, 10*time.Second, 10*time.Millisecond)

	// And a send over the fresh connection must arrive server-side.
	require.Eventually(t, func() bool { return h.Connected() }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Send(wire.EventForwardData, wire.Forward{
		Kind:   wire.ForwardHealth,
		Health: &wire.HealthPacket{SlaveIP: "A1", Status: wire.HealthOffline},
	}))

	conn := fh.latest()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.EventForwardData, env.Event)

	var fwd wire.Forward
	require.NoError(t, json.Unmarshal(env.Payload, &fwd))
	assert.Equal(t, wire.ForwardHealth, fwd.Kind)
}
