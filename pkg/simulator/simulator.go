// Package simulator is the slave-agent side of the system: it identifies
// itself to the relay master, runs synthetic sensor workers per its assigned
// capability set, reports health periodically and obeys control actions.
package simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/wire"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

type Options struct {
	MasterURL      string
	HealthInterval time.Duration
	SensorInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.HealthInterval == 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.SensorInterval == 0 {
		o.SensorInterval = 2 * time.Second
	}
}

type Supervisor struct {
	logger  *slog.Logger
	ident   Identity
	opts    Options
	sensors *sensorSet

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSupervisor(logger *slog.Logger, ident Identity, opts Options) *Supervisor {
	opts.withDefaults()
	s := &Supervisor{
		logger: logger,
		ident:  ident,
		opts:   opts,
	}
	s.sensors = newSensorSet(
		logger.With("component", "sensors"),
		ident.ID,
		opts.SensorInterval,
		s.sendBestEffort,
	)
	return s
}

// Run connects to the master and keeps the session alive until ctx is done,
// reconnecting with backoff. Each new session re-identifies; the master
// responds with the current capability set.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.sensors.Stop()
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    15 * time.Second,
		Jitter: true,
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.opts.MasterURL, nil)
		if err != nil {
			wait := b.Duration()
			s.logger.With("url", s.opts.MasterURL).With("err", err).With("retry-in", wait).Info("master dial failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
		s.logger.With("url", s.opts.MasterURL).Info("connected to master")

		s.setConn(conn)
		s.runSession(ctx, conn)
		s.setConn(nil)
		s.logger.Info("master connection lost")
	}
}

func (s *Supervisor) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && conn == nil {
		_ = s.conn.Close()
	}
	s.conn = conn
}

// sendBestEffort writes one frame if a session is up; a down link just means
// the reading is lost, agents never buffer.
func (s *Supervisor) sendBestEffort(event string, payload any) {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		s.logger.With("event", event).With("err", err).Error("failed to encode frame")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.logger.With("event", event).Debug("not connected, frame dropped")
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.With("event", event).With("err", err).Info("send failed, frame dropped")
	}
}

func (s *Supervisor) runSession(ctx context.Context, conn *websocket.Conn) {
	s.sendBestEffort(wire.EventIdentify, wire.Identification{ID: s.ident.ID})
	s.reportHealth(wire.HealthOnline)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.healthLoop(sessionCtx)
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			s.logger.With("err", err).Warn("undecodable frame from master")
			continue
		}
		s.handleEvent(env)
	}
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportHealth(wire.HealthOnline)
		}
	}
}

func (s *Supervisor) reportHealth(status wire.HealthStatus) {
	s.sendBestEffort(wire.EventHealthStatus, wire.HealthPacket{
		SlaveIP:   s.ident.ID,
		Status:    status,
		Timestamp: wire.Timestamp(time.Now()),
	})
}

func (s *Supervisor) handleEvent(env wire.Envelope) {
	switch env.Event {
	case wire.EventConfig:
		var entry wire.ConfigEntry
		if err := json.Unmarshal(env.Payload, &entry); err != nil {
			s.logger.With("err", err).Warn("malformed config payload")
			return
		}
		s.logger.With("handlers", entry.Handlers).Info("received configuration")
		s.sensors.Apply(entry.Handlers)
		if !s.sensors.Running() {
			s.sensors.Start()
		}
	case wire.EventControl:
		var ctl wire.ControlPacket
		if err := json.Unmarshal(env.Payload, &ctl); err != nil {
			s.logger.With("err", err).Warn("malformed control payload")
			return
		}
		s.logger.With("action", ctl.Action).Info("received control action")
		switch ctl.Action {
		case wire.ActionStart:
			s.sensors.Start()
		case wire.ActionStop:
			s.sensors.Stop()
		case wire.ActionRestart:
			s.sensors.Restart()
		default:
			s.logger.With("action", ctl.Action).Warn("unknown control action ignored")
		}
	default:
		s.logger.With("event", env.Event).Debug("ignoring unexpected master event")
	}
}
