package simulator

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fleetrelay/fleetrelay/pkg/wire"
)

// sendFunc is how workers emit readings; failures are the sender's to log,
// telemetry is fire-and-forget.
type sendFunc func(event string, payload any)

// sensorSet runs one goroutine per assigned handler type, each producing a
// synthetic reading on every tick. The set as a whole is what control
// actions start, stop and restart.
type sensorSet struct {
	logger   *slog.Logger
	agentID  string
	interval time.Duration
	send     sendFunc

	mu       sync.Mutex
	handlers []string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

func newSensorSet(logger *slog.Logger, agentID string, interval time.Duration, send sendFunc) *sensorSet {
	return &sensorSet{
		logger:   logger,
		agentID:  agentID,
		interval: interval,
		send:     send,
	}
}

// Apply replaces the capability set and restarts the workers when the set
// was running. Order and duplicates in handlers are preserved: each entry
// gets its own worker.
func (s *sensorSet) Apply(handlers []string) {
	s.mu.Lock()
	s.handlers = append([]string(nil), handlers...)
	wasRunning := s.running
	s.mu.Unlock()

	s.logger.With("handlers", handlers).Info("capability set applied")
	if wasRunning {
		s.Stop()
		s.Start()
	}
}

func (s *sensorSet) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	for _, handler := range s.handlers {
		s.wg.Add(1)
		go s.runWorker(ctx, handler)
	}
	s.logger.With("workers", len(s.handlers)).Info("sensors started")
}

func (s *sensorSet) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("sensors stopped")
}

func (s *sensorSet) Restart() {
	s.Stop()
	s.Start()
}

func (s *sensorSet) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *sensorSet) runWorker(ctx context.Context, handler string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.send(wire.EventSensorData, wire.TelemetryPacket{
				SlaveIP:   s.agentID,
				Handler:   handler,
				Value:     syntheticReading(),
				Timestamp: wire.Timestamp(time.Now()),
			})
		}
	}
}

// syntheticReading produces a random value with two decimal places.
func syntheticReading() float64 {
	return math.Round(rand.Float64()*10000) / 100
}
