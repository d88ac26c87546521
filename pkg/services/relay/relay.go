// Package relay implements the master's control/data-plane core: agent
// identification, configuration distribution, command routing and
// telemetry/health forwarding toward the hub.
//
// Every inbound event - agent frames, agent disconnects, hub commands, hub
// connectivity edges and config-file changes - funnels through one queue
// consumed by a single goroutine, so the registry and the config snapshot
// have exactly one writer.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/configstore"
	"github.com/fleetrelay/fleetrelay/pkg/link"
	"github.com/fleetrelay/fleetrelay/pkg/registry"
	fleetsvc "github.com/fleetrelay/fleetrelay/pkg/services"
	"github.com/fleetrelay/fleetrelay/pkg/storage"
	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	"github.com/samber/lo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const eventQueueSize = 256

// Upstream is the hub-facing side of the relay. Satisfied by link.HubLink;
// stubbed in tests.
type Upstream interface {
	Connected() bool
	Send(event string, payload any) error
}

type Relay struct {
	logger *slog.Logger
	reg    registry.Registry
	cfg    *configstore.Store
	hub    Upstream

	// last-known state per agent, nil stores disable persistence
	healthStore    storage.KeyValue[wire.HealthPacket]
	telemetryStore storage.KeyValue[wire.TelemetryPacket]

	upgrader websocket.Upgrader
	events   chan event
	stop     chan struct{}

	services.Service
}

var _ fleetsvc.HTTPExtension = (*Relay)(nil)

func New(
	logger *slog.Logger,
	reg registry.Registry,
	cfg *configstore.Store,
	healthStore storage.KeyValue[wire.HealthPacket],
	telemetryStore storage.KeyValue[wire.TelemetryPacket],
) *Relay {
	r := &Relay{
		logger:         logger,
		reg:            reg,
		cfg:            cfg,
		healthStore:    healthStore,
		telemetryStore: telemetryStore,
		upgrader:       websocket.Upgrader{},
		events:         make(chan event, eventQueueSize),
		stop:           make(chan struct{}),
	}
	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)
	return r
}

// SetUpstream attaches the hub link. Must be called before the service is
// started; split from New because the hub link's callbacks point back at the
// relay's queue.
func (r *Relay) SetUpstream(hub Upstream) {
	r.hub = hub
}

// HubCallbacks routes hub-side events into the relay queue.
func (r *Relay) HubCallbacks() link.HubCallbacks {
	return link.HubCallbacks{
		OnCommand:    func(cmd wire.CommandPacket) { r.enqueue(commandEvent{cmd: cmd}) },
		OnConnect:    func() { r.enqueue(hubConnectedEvent{}) },
		OnDisconnect: func() { r.enqueue(hubDisconnectedEvent{}) },
	}
}

func (r *Relay) ConfigureHTTP(router *mux.Router) {
	r.logger.Info("configuring routes")
	router.Handle("/v1/agents", otelhttp.NewHandler(http.HandlerFunc(r.handleAgentWS), "v1/agents"))
}

func (r *Relay) starting(_ context.Context) error {
	// A broken or missing config file at startup is logged, not fatal: the
	// master comes up with an empty snapshot and serves whatever the next
	// successful reload brings.
	if err := r.cfg.Load(); err != nil {
		r.logger.With("err", err).Warn("initial config load failed, starting with empty snapshot")
	}
	return nil
}

func (r *Relay) running(ctx context.Context) error {
	go func() {
		if err := r.cfg.Watch(ctx, func() { r.enqueue(configChangedEvent{}) }); err != nil {
			r.logger.With("err", err).Error("config watch terminated")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-r.events:
			r.dispatch(ctx, e)
		}
	}
}

func (r *Relay) stopping(_ error) error {
	close(r.stop)
	return nil
}

// handleAgentWS upgrades the request and becomes the connection's read pump.
func (r *Relay) handleAgentWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.With("remote-addr", req.RemoteAddr).With("err", err).Info("websocket upgrade failed")
		return
	}
	l := link.NewAgentLink(r.logger, conn)
	r.logger.With("remote-addr", req.RemoteAddr).With("conn", l.ConnID()).Info("agent connected")
	r.readPump(l)
}

func (r *Relay) readPump(l *link.AgentLink) {
	defer r.enqueue(disconnectEvent{link: l})
	for {
		data, err := l.ReadRaw()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			l.Log(r.logger).With("err", err).Warn("dropping undecodable frame")
			continue
		}
		e, err := agentEvent(l, env)
		if err != nil {
			l.Log(r.logger).With("event", env.Event).With("err", err).Warn("dropping malformed payload")
			continue
		}
		if e == nil {
			l.Log(r.logger).With("event", env.Event).Debug("ignoring unexpected agent event")
			continue
		}
		r.enqueue(e)
	}
}

func agentEvent(l *link.AgentLink, env wire.Envelope) (event, error) {
	switch env.Event {
	case wire.EventIdentify:
		var ident wire.Identification
		if err := json.Unmarshal(env.Payload, &ident); err != nil {
			return nil, err
		}
		return identifyEvent{link: l, id: ident.ID}, nil
	case wire.EventSensorData:
		var pkt wire.TelemetryPacket
		if err := json.Unmarshal(env.Payload, &pkt); err != nil {
			return nil, err
		}
		return telemetryEvent{link: l, pkt: pkt}, nil
	case wire.EventHealthStatus:
		var pkt wire.HealthPacket
		if err := json.Unmarshal(env.Payload, &pkt); err != nil {
			return nil, err
		}
		return healthEvent{link: l, pkt: pkt}, nil
	}
	return nil, nil
}

func (r *Relay) enqueue(e event) {
	select {
	case r.events <- e:
	case <-r.stop:
	}
}

// dispatch handles one event with per-handler fault isolation: a panic while
// handling one agent's message must never take down the loop or affect other
// connections.
func (r *Relay) dispatch(ctx context.Context, e event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.With("panic", rec).With("event", e.name()).Error("event handler panicked")
		}
	}()
	switch ev := e.(type) {
	case identifyEvent:
		r.onIdentify(ev.link, ev.id)
	case telemetryEvent:
		r.onTelemetry(ctx, ev.link, ev.pkt)
	case healthEvent:
		r.onHealth(ctx, ev.link, ev.pkt)
	case disconnectEvent:
		r.onDisconnect(ctx, ev.link)
	case commandEvent:
		r.onCommand(ev.cmd)
	case configChangedEvent:
		r.onConfigChanged()
	case hubConnectedEvent:
		// No roster replay: a reconnecting hub only sees events going
		// forward, so downstream observers may show stale agents until the
		// next natural event.
		r.logger.Info("hub link established, forwarding resumes")
	case hubDisconnectedEvent:
		r.logger.Info("hub link down, telemetry will be dropped until it returns")
	}
}

func (r *Relay) onIdentify(l *link.AgentLink, id string) {
	if id == "" {
		l.Log(r.logger).Warn("identify with empty id ignored")
		return
	}
	if !l.SetIdentifier(id) {
		l.Log(r.logger).With("id", id).Warn("link already identified under a different id, ignoring")
		return
	}
	r.reg.Upsert(id, l)
	l.Log(r.logger).Info("agent identified")
	r.pushConfig(l, id)
}

// pushConfig is idempotent and a pure function of current state, safe to
// repeat on duplicate identify and on every config-file change.
func (r *Relay) pushConfig(l *link.AgentLink, id string) {
	entry, ok := r.cfg.EntryFor(id)
	if !ok {
		l.Log(r.logger).Info("no config entry for agent, leaving it idle")
		return
	}
	if err := l.Send(wire.EventConfig, entry); err != nil {
		l.Log(r.logger).With("err", err).Info("config push failed")
	}
}

func (r *Relay) onTelemetry(ctx context.Context, l *link.AgentLink, pkt wire.TelemetryPacket) {
	if l.Identifier() == "" {
		l.Log(r.logger).Warn("telemetry from unidentified link dropped")
		return
	}
	r.forward(wire.Forward{Kind: wire.ForwardTelemetry, Telemetry: &pkt})
	if r.telemetryStore != nil {
		if err := r.telemetryStore.Put(ctx, pkt.SlaveIP, pkt); err != nil {
			r.logger.With("id", pkt.SlaveIP).With("err", err).Error("failed to persist telemetry")
		}
	}
}

func (r *Relay) onHealth(ctx context.Context, l *link.AgentLink, pkt wire.HealthPacket) {
	if l.Identifier() == "" {
		l.Log(r.logger).Warn("health report from unidentified link dropped")
		return
	}
	r.forward(wire.Forward{Kind: wire.ForwardHealth, Health: &pkt})
	r.persistHealth(ctx, pkt)
}

// forward pushes one packet toward the hub. Telemetry is best-effort: when
// the hub link is down the packet is dropped, never buffered or retried.
func (r *Relay) forward(fwd wire.Forward) {
	if !r.hub.Connected() {
		r.logger.With("kind", fwd.Kind).Debug("hub disconnected, dropping packet")
		return
	}
	if err := r.hub.Send(wire.EventForwardData, fwd); err != nil {
		r.logger.With("kind", fwd.Kind).With("err", err).Info("forward to hub failed, packet dropped")
	}
}

func (r *Relay) persistHealth(ctx context.Context, pkt wire.HealthPacket) {
	if r.healthStore == nil {
		return
	}
	if err := r.healthStore.Put(ctx, pkt.SlaveIP, pkt); err != nil {
		r.logger.With("id", pkt.SlaveIP).With("err", err).Error("failed to persist health")
	}
}

func (r *Relay) onCommand(cmd wire.CommandPacket) {
	logger := r.logger.With("target", cmd.SlaveID).With("action", cmd.Action)
	if !cmd.Action.Valid() {
		logger.Warn("unknown control action dropped")
		return
	}
	l, ok := r.reg.Lookup(cmd.SlaveID)
	if !ok {
		logger.Warn("command for unregistered agent dropped")
		return
	}
	if err := l.Send(wire.EventControl, wire.ControlPacket{Action: cmd.Action}); err != nil {
		logger.With("err", err).Info("control send failed")
	}
}

func (r *Relay) onDisconnect(ctx context.Context, l *link.AgentLink) {
	l.Close()
	id := l.Identifier()
	if id == "" {
		l.Log(r.logger).Info("unidentified agent disconnected")
		return
	}
	// Only the link the registry still points at may tear down the entry: an
	// orphaned link replaced by a later identify has already lost its claim.
	if cur, ok := r.reg.Lookup(id); !ok || cur != l {
		l.Log(r.logger).Info("orphaned agent link disconnected")
		return
	}
	r.reg.Remove(id)
	l.Log(r.logger).Info("agent disconnected")

	// Downstream observers learn about liveness through a synthesized
	// offline packet; the agent itself sent nothing.
	offline := wire.HealthPacket{
		SlaveIP:   id,
		Status:    wire.HealthOffline,
		Timestamp: wire.Timestamp(time.Now()),
	}
	r.forward(wire.Forward{Kind: wire.ForwardHealth, Health: &offline})
	r.persistHealth(ctx, offline)
}

// onConfigChanged redistributes unconditionally to every registered agent,
// not just the changed ones.
func (r *Relay) onConfigChanged() {
	ids := r.reg.Identifiers()
	r.logger.With("agents", len(ids)).Info("redistributing configuration")
	lo.ForEach(ids, func(id string, _ int) {
		l, ok := r.reg.Lookup(id)
		if !ok {
			return
		}
		r.pushConfig(l, id)
	})
}
