package events

import (
	"github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
)

const defaultBufferSize = 256

// ChannelEventBus is an in-process events.Bus backed by a buffered channel.
// Emit never blocks: when the buffer is full the event is dropped and counted.
type ChannelEventBus struct {
	channel chan events.Event
	log     entracklog.Logger
	dropped uint64
}

// NewChannelEventBus creates a bus with the given buffer size. Panics if log
// is nil.
func NewChannelEventBus(bufferSize int, log entracklog.Logger) *ChannelEventBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}
	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit enqueues event or drops it if the buffer is full.
func (c *ChannelEventBus) Emit(event events.Event) {
	select {
	case c.channel <- event:
	default:
		c.dropped++
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// Dropped returns how many events Emit discarded. Only meaningful when Emit
// is called from a single goroutine, which is how ObjectContext uses it.
func (c *ChannelEventBus) Dropped() uint64 {
	return c.dropped
}

// GetChannel exposes the receive side for listeners in the same process.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close closes the channel. Emit must not be called afterwards.
func (c *ChannelEventBus) Close() {
	c.log.Debugf("Closing ChannelEventBus channel.")
	close(c.channel)
}

var _ events.Bus = (*ChannelEventBus)(nil)
