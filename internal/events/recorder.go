package events

import (
	"sync"

	"github.com/gxo-labs/entrack/pkg/entrack/v1/events"
)

// RecordingBus keeps every emitted event in memory. Tests use it to assert
// on the sequence of identity map changes.
type RecordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func NewRecordingBus() *RecordingBus {
	return &RecordingBus{}
}

func (r *RecordingBus) Emit(event events.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *RecordingBus) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters the recorded events by type.
func (r *RecordingBus) OfType(t events.EventType) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var _ events.Bus = (*RecordingBus)(nil)
