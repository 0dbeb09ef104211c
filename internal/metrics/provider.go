package metrics

import (
	"errors"

	entrackmetrics "github.com/gxo-labs/entrack/pkg/entrack/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRegistryProvider owns a private Prometheus registry so several
// contexts in one process do not collide on the default registerer.
type PrometheusRegistryProvider struct {
	registry *prometheus.Registry
}

// NewPrometheusRegistryProvider creates a provider with a fresh registry.
func NewPrometheusRegistryProvider() *PrometheusRegistryProvider {
	return &PrometheusRegistryProvider{registry: prometheus.NewRegistry()}
}

// NewPrometheusRegistryProviderFrom wraps an existing registry.
func NewPrometheusRegistryProviderFrom(reg *prometheus.Registry) *PrometheusRegistryProvider {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusRegistryProvider{registry: reg}
}

func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Register registers c, returning the already registered collector when an
// equal one exists. This lets a context be rebuilt against the same registry.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

var _ entrackmetrics.RegistryProvider = (*PrometheusRegistryProvider)(nil)
