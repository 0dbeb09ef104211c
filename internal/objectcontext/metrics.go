package objectcontext

import (
	intMetrics "github.com/gxo-labs/entrack/internal/metrics"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Save outcomes used as the status label of entrack_save_changes_total.
const (
	saveStatusSuccess = "success"
	saveStatusFailure = "failure"
)

type contextMetrics struct {
	tracked       *prometheus.GaugeVec
	saves         *prometheus.CounterVec
	batches       *prometheus.CounterVec
	refreshKeys   prometheus.Histogram
	transitions   *prometheus.CounterVec
	connectionOps *prometheus.CounterVec
}

func newContextMetrics(provider metrics.RegistryProvider, log entracklog.Logger) *contextMetrics {
	reg := provider.Registry()
	if reg == nil {
		log.Warnf("Metrics provider returned a nil registry; context metrics are not exported.")
		reg = prometheus.NewRegistry()
	}
	return &contextMetrics{
		tracked: intMetrics.Register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "entrack_tracked_entries",
			Help: "Entity entries currently tracked, by state.",
		}, []string{"state"})),
		saves: intMetrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrack_save_changes_total",
			Help: "SaveChanges calls, by outcome.",
		}, []string{"status"})),
		batches: intMetrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrack_refresh_batches_total",
			Help: "Refresh queries sent to the store, by entity set.",
		}, []string{"entity_set"})),
		refreshKeys: intMetrics.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "entrack_refresh_keys",
			Help:    "Keys requested per refresh query.",
			Buckets: []float64{1, 10, 50, 100, 250, 500},
		})),
		transitions: intMetrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrack_state_transitions_total",
			Help: "Entry state transitions, by target state.",
		}, []string{"to"})),
		connectionOps: intMetrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entrack_connection_events_total",
			Help: "Store connections opened and closed by the context.",
		}, []string{"event"})),
	}
}

// wrap returns a bus that counts identity map events before forwarding them
// to next.
func (cm *contextMetrics) wrap(next events.Bus) events.Bus {
	return &instrumentedBus{metrics: cm, next: next}
}

type instrumentedBus struct {
	metrics *contextMetrics
	next    events.Bus
}

func (b *instrumentedBus) Emit(event events.Event) {
	switch event.Type {
	case events.EntryAdded, events.EntryAttached, events.EntryStateChanged, events.EntryDetached:
		if to, ok := event.Payload["state"].(string); ok {
			b.metrics.transitions.WithLabelValues(to).Inc()
		}
	case events.RefreshBatchIssued:
		b.metrics.batches.WithLabelValues(event.EntitySet).Inc()
		if n, ok := event.Payload["keys"].(int); ok {
			b.metrics.refreshKeys.Observe(float64(n))
		}
	case events.ConnectionOpened:
		b.metrics.connectionOps.WithLabelValues("opened").Inc()
	case events.ConnectionClosed:
		b.metrics.connectionOps.WithLabelValues("closed").Inc()
	}
	b.next.Emit(event)
}

var trackedStates = []objectstate.EntityState{
	objectstate.Unchanged, objectstate.Added, objectstate.Deleted, objectstate.Modified,
}

// observe publishes the per-state entry counts. It runs on the context's
// goroutine after each operation so scrapes never read the map itself.
func (c *ObjectContext) observe() {
	for _, s := range trackedStates {
		c.metrics.tracked.WithLabelValues(s.String()).Set(float64(c.state.Count(s)))
	}
}
