package events

import (
	"context"

	"github.com/gxo-labs/entrack/internal/metrics"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventListener drains a ChannelEventBus and turns identity map events
// into Prometheus counters.
type MetricsEventListener struct {
	bus         *ChannelEventBus
	log         entracklog.Logger
	transitions *prometheus.CounterVec
	fixups      prometheus.Counter
	batches     prometheus.Counter
}

// NewMetricsEventListener registers its collectors on reg. Panics if bus or
// log is nil.
func NewMetricsEventListener(bus *ChannelEventBus, reg prometheus.Registerer, log entracklog.Logger) *MetricsEventListener {
	if bus == nil || log == nil || reg == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, Registerer and Logger")
	}
	return &MetricsEventListener{
		bus: bus,
		log: log.With("component", "MetricsEventListener"),
		transitions: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrack_events_state_transitions_total",
			Help: "Entry state transitions observed on the event bus, by event type and target state.",
		}, []string{"event", "state"})),
		fixups: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entrack_events_key_fixups_total",
			Help: "Temporary keys replaced by permanent keys.",
		})),
		batches: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entrack_events_refresh_batches_total",
			Help: "Refresh queries issued to the store.",
		})),
	}
}

// Start consumes events until the bus is closed or ctx is done.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener.")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}

func (l *MetricsEventListener) handleEvent(event events.Event) {
	switch event.Type {
	case events.EntryAdded, events.EntryAttached, events.EntryStateChanged, events.EntryDetached:
		state, _ := event.Payload["state"].(string)
		l.transitions.WithLabelValues(string(event.Type), state).Inc()
	case events.KeyFixedUp:
		l.fixups.Inc()
	case events.RefreshBatchIssued:
		l.batches.Inc()
	}
}
