package testutil

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestAgent is a scripted agent connection for exercising the relay.
type TestAgent struct {
	t    *testing.T
	Conn *websocket.Conn
}

// DialAgent connects to the relay's agent endpoint of an httptest server.
func DialAgent(t *testing.T, httpURL string) *TestAgent {
	t.Helper()
	wsURL := strings.Replace(httpURL, "http://", "ws://", 1) + "/v1/agents"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	a := &TestAgent{t: t, Conn: conn}
	t.Cleanup(a.Close)
	return a
}

func (a *TestAgent) Send(event string, payload any) {
	a.t.Helper()
	frame, err := wire.Encode(event, payload)
	require.NoError(a.t, err)
	require.NoError(a.t, a.Conn.WriteMessage(websocket.TextMessage, frame))
}

func (a *TestAgent) Identify(id string) {
	a.t.Helper()
	a.Send(wire.EventIdentify, wire.Identification{ID: id})
}

// Recv waits up to timeout for the next inbound envelope. Reports ok=false
// on timeout so callers can assert on silence.
func (a *TestAgent) Recv(timeout time.Duration) (wire.Envelope, bool) {
	a.t.Helper()
	_ = a.Conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := a.Conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, false
	}
	env, err := wire.Decode(data)
	require.NoError(a.t, err)
	return env, true
}

// ExpectConfig asserts that the next inbound event is a config push and
// returns its entry.
func (a *TestAgent) ExpectConfig(timeout time.Duration) wire.ConfigEntry {
	a.t.Helper()
	env, ok := a.Recv(timeout)
	require.True(a.t, ok, "expected a config push, got nothing")
	require.Equal(a.t, wire.EventConfig, env.Event)
	var entry wire.ConfigEntry
	require.NoError(a.t, json.Unmarshal(env.Payload, &entry))
	return entry
}

func (a *TestAgent) Close() {
	_ = a.Conn.Close()
}
