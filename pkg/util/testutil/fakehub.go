package testutil

import (
	"encoding/json"
	"sync"

	"github.com/fleetrelay/fleetrelay/pkg/wire"
)

// FakeHub stands in for the upstream hub link in relay tests. It records
// every send in order and can be flipped between connected and disconnected.
type FakeHub struct {
	mu        sync.Mutex
	connected bool
	forwards  []wire.Forward
	events    []string
}

func NewFakeHub(connected bool) *FakeHub {
	return &FakeHub{connected: connected}
}

func (f *FakeHub) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeHub) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *FakeHub) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if event == wire.EventForwardData {
		// round-trip through JSON so the recorded packet is exactly what
		// would have gone over the wire
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		var fwd wire.Forward
		if err := json.Unmarshal(raw, &fwd); err != nil {
			return err
		}
		f.forwards = append(f.forwards, fwd)
	}
	return nil
}

// Forwards returns a copy of all recorded forward-data payloads in order.
func (f *FakeHub) Forwards() []wire.Forward {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Forward, len(f.forwards))
	copy(out, f.forwards)
	return out
}

func (f *FakeHub) SendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}
