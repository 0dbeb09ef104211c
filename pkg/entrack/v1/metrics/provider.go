package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider exposes the registry that entrack registers its collectors
// on (tracked entries, saves, refresh batches). Hosts expose it however they
// like, typically through promhttp.
type RegistryProvider interface {
	Registry() *prometheus.Registry
}
