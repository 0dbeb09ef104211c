package events

import "github.com/gxo-labs/entrack/pkg/entrack/v1/events"

// NoOpEventBus discards every event. It is the default bus of a context.
type NoOpEventBus struct{}

func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

func (n *NoOpEventBus) Emit(events.Event) {}

var _ events.Bus = (*NoOpEventBus)(nil)
