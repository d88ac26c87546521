// Package status exposes a read-only HTTP view of the fleet for operators:
// current registry membership joined with the last persisted health and
// telemetry per agent.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/fleetrelay/fleetrelay/pkg/registry"
	fleetsvc "github.com/fleetrelay/fleetrelay/pkg/services"
	"github.com/fleetrelay/fleetrelay/pkg/storage"
	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/samber/lo"
)

type AgentStatus struct {
	ID            string                `json:"id"`
	Connected     bool                  `json:"connected"`
	LastHealth    *wire.HealthPacket    `json:"lastHealth,omitempty"`
	LastTelemetry *wire.TelemetryPacket `json:"lastTelemetry,omitempty"`
}

type StatusServer struct {
	logger         *slog.Logger
	reg            registry.Registry
	healthStore    storage.KeyValue[wire.HealthPacket]
	telemetryStore storage.KeyValue[wire.TelemetryPacket]

	services.Service
}

var _ fleetsvc.HTTPExtension = (*StatusServer)(nil)

func NewStatusServer(
	logger *slog.Logger,
	reg registry.Registry,
	healthStore storage.KeyValue[wire.HealthPacket],
	telemetryStore storage.KeyValue[wire.TelemetryPacket],
) *StatusServer {
	s := &StatusServer{
		logger:         logger,
		reg:            reg,
		healthStore:    healthStore,
		telemetryStore: telemetryStore,
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *StatusServer) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *StatusServer) ConfigureHTTP(router *mux.Router) {
	s.logger.Info("configuring routes")
	router.HandleFunc("/v1/status/agents", s.listAgents).Methods(http.MethodGet)
	router.HandleFunc("/v1/status/agents/{id}", s.getAgent).Methods(http.MethodGet)
}

func (s *StatusServer) listAgents(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	// Every agent ever persisted plus everything currently connected, so a
	// live-but-never-reported agent still shows up.
	known, err := s.healthStore.ListKeys(ctx)
	if err != nil {
		s.logger.With("err", err).Error("failed to list persisted agents")
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	ids := lo.Union(known, s.reg.Identifiers())
	sort.Strings(ids)
	s.logger.With("numAgents", len(ids)).Debug("found agents")

	statuses := lo.Map(ids, func(id string, _ int) AgentStatus {
		return s.statusFor(ctx, id)
	})
	writeJSON(w, s.logger, statuses)
}

func (s *StatusServer) getAgent(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	st := s.statusFor(req.Context(), id)
	if !st.Connected && st.LastHealth == nil && st.LastTelemetry == nil {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	writeJSON(w, s.logger, st)
}

func (s *StatusServer) statusFor(ctx context.Context, id string) AgentStatus {
	_, connected := s.reg.Lookup(id)
	st := AgentStatus{ID: id, Connected: connected}

	if health, err := s.healthStore.Get(ctx, id); err == nil {
		st.LastHealth = &health
	} else if !storage.IsNotFound(err) {
		s.logger.With("id", id).With("err", err).Error("failed to read persisted health")
	}

	if tel, err := s.telemetryStore.Get(ctx, id); err == nil {
		st.LastTelemetry = &tel
	} else if !storage.IsNotFound(err) {
		s.logger.With("id", id).With("err", err).Error("failed to read persisted telemetry")
	}
	return st
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.With("err", err).Error("failed to write response")
	}
}
