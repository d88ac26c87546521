package status_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fleetrelay/fleetrelay/pkg/link"
	"github.com/fleetrelay/fleetrelay/pkg/registry"
	"github.com/fleetrelay/fleetrelay/pkg/services/status"
	"github.com/fleetrelay/fleetrelay/pkg/storage"
	"github.com/fleetrelay/fleetrelay/pkg/util/testutil"
	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusEnv struct {
	reg         registry.Registry
	healthKV    storage.KeyValue[wire.HealthPacket]
	telemetryKV storage.KeyValue[wire.TelemetryPacket]
	srv         *httptest.Server
}

func setupStatus(t *testing.T) *statusEnv {
	t.Helper()
	broker := testutil.NewInMemBroker(t)
	env := &statusEnv{
		reg:         registry.New(),
		healthKV:    storage.NewJSONKV[wire.HealthPacket](slog.Default(), broker.KeyValue("health")),
		telemetryKV: storage.NewJSONKV[wire.TelemetryPacket](slog.Default(), broker.KeyValue("telemetry")),
	}
	s := status.NewStatusServer(slog.Default(), env.reg, env.healthKV, env.telemetryKV)
	router := mux.NewRouter()
	s.ConfigureHTTP(router)
	env.srv = httptest.NewServer(router)
	t.Cleanup(env.srv.Close)
	return env
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListAgentsJoinsRegistryAndStores(t *testing.T) {
	env := setupStatus(t)
	ctx := t.Context()

	// A1 connected with persisted state, A2 disconnected but known, A3
	// connected but has never reported anything.
	env.reg.Upsert("A1", link.NewAgentLink(slog.Default(), nil))
	env.reg.Upsert("A3", link.NewAgentLink(slog.Default(), nil))
	require.NoError(t, env.healthKV.Put(ctx, "A1", wire.HealthPacket{SlaveIP: "A1", Status: wire.HealthOnline}))
	require.NoError(t, env.healthKV.Put(ctx, "A2", wire.HealthPacket{SlaveIP: "A2", Status: wire.HealthOffline}))
	require.NoError(t, env.telemetryKV.Put(ctx, "A1", wire.TelemetryPacket{SlaveIP: "A1", Handler: "temperature", Value: 21.5}))

	var got []status.AgentStatus
	code := getJSON(t, env.srv.URL+"/v1/status/agents", &got)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, got, 3)

	assert.Equal(t, "A1", got[0].ID)
	assert.True(t, got[0].Connected)
	require.NotNil(t, got[0].LastHealth)
	assert.Equal(t, wire.HealthOnline, got[0].LastHealth.Status)
	require.NotNil(t, got[0].LastTelemetry)
	assert.Equal(t, 21.5, got[0].LastTelemetry.Value)

	assert.Equal(t, "A2", got[1].ID)
	assert.False(t, got[1].Connected)

	assert.Equal(t, "A3", got[2].ID)
	assert.True(t, got[2].Connected)
	assert.Nil(t, got[2].LastHealth)
}

func TestGetAgent(t *testing.T) {
	env := setupStatus(t)
	require.NoError(t, env.healthKV.Put(t.Context(), "A1", wire.HealthPacket{SlaveIP: "A1", Status: wire.HealthOffline}))

	var got status.AgentStatus
	code := getJSON(t, env.srv.URL+"/v1/status/agents/A1", &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "A1", got.ID)
	assert.False(t, got.Connected)

	code = getJSON(t, env.srv.URL+"/v1/status/agents/ghost", &got)
	assert.Equal(t, http.StatusNotFound, code)
}
