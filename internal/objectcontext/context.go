// Package objectcontext is the unit of work exposed to callers. It owns one
// identity map and drives it through adds, attaches, queries, refreshes and
// saves against a single store connection.
package objectcontext

import (
	"context"
	"fmt"
	"time"

	entrack "github.com/gxo-labs/entrack/pkg/entrack/v1"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/metrics"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/secrets"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
	entracktracing "github.com/gxo-labs/entrack/pkg/entrack/v1/tracing"

	intEvents "github.com/gxo-labs/entrack/internal/events"
	"github.com/gxo-labs/entrack/internal/merge"
	"github.com/gxo-labs/entrack/internal/metadata"
	intMetrics "github.com/gxo-labs/entrack/internal/metrics"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/refresh"
	"github.com/gxo-labs/entrack/internal/relationship"
	"github.com/gxo-labs/entrack/internal/retry"
	intSecrets "github.com/gxo-labs/entrack/internal/secrets"
	"github.com/gxo-labs/entrack/internal/store/memory"
	"github.com/gxo-labs/entrack/internal/tracing"
)

// ObjectContext is not safe for concurrent use. Metrics may be scraped
// concurrently; they are updated only at the end of each operation.
type ObjectContext struct {
	// Core services & providers
	ws              *metadata.Workspace
	store           store.Store
	eventBus        events.Bus
	bus             events.Bus // eventBus behind the metrics wrapper
	secretsProvider secrets.Provider
	metricsProvider metrics.RegistryProvider
	tracerProvider  entracktracing.TracerProvider
	log             entracklog.Logger
	tracker         *intSecrets.SecretTracker
	retryHelper     *retry.Helper

	// Identity map and the components driving it
	state  *objectstate.Manager
	walker *relationship.Walker
	merger *merge.Coordinator
	tracer *tracing.Tracer

	// Policies
	defaultMerge merge.Option
	batchSize    int
	saveOptions  entrack.SaveOptions
	openRetry    retry.Config

	// Connection lifetime
	connRefs        int
	openedByContext bool
	storeSet        bool
	onOpen          func(ctx context.Context) error
	disposed        bool
	ready           bool

	metrics *contextMetrics
}

var _ entrack.ContextV1 = (*ObjectContext)(nil)

// NewObjectContext builds a context over ws. Without options it uses an
// in-memory store, a NoOp event bus and tracer, a private Prometheus
// registry and the environment as secrets provider.
func NewObjectContext(ws *metadata.Workspace, log entracklog.Logger, opts ...entrack.ContextOption) (*ObjectContext, error) {
	if log == nil {
		return nil, entrackerrors.NewConfigError("logger cannot be nil", nil)
	}
	if ws == nil {
		return nil, entrackerrors.NewConfigError("workspace cannot be nil", nil)
	}
	c := &ObjectContext{
		ws:           ws,
		log:          log.With("component", "objectcontext"),
		tracker:      intSecrets.NewSecretTracker(),
		defaultMerge: merge.AppendOnly,
		batchSize:    refresh.DefaultBatchSize,
		saveOptions:  entrack.DefaultSaveOptions(),
		openRetry:    retry.Config{Attempts: 1, Name: "store.open"},
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, entrackerrors.NewConfigError(fmt.Sprintf("failed to apply context option: %v", err), err)
		}
	}

	if c.store == nil {
		c.log.Debugf("No store provided, using in-memory store.")
		c.store = memory.New()
	}
	if c.secretsProvider == nil {
		c.secretsProvider = intSecrets.NewEnvProvider(c.tracker)
	}
	if c.eventBus == nil {
		c.eventBus = intEvents.NewNoOpEventBus()
	}
	if c.metricsProvider == nil {
		c.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if c.tracerProvider == nil {
		c.tracerProvider = tracing.NewNoOpProvider()
	}

	c.metrics = newContextMetrics(c.metricsProvider, c.log)
	c.bus = c.metrics.wrap(c.eventBus)
	c.retryHelper = retry.NewHelper(c.log)
	c.retryHelper.SetSecretTracker(c.tracker)
	c.tracer = tracing.NewTracer(c.tracerProvider, c.tracker)
	c.state = objectstate.NewManager(ws, objectstate.WithLogger(c.log), objectstate.WithEventBus(c.bus))
	c.walker = relationship.NewWalker(c.state, c.log)
	c.merger = merge.NewCoordinator(c.state, c.log)
	c.ready = true
	c.observe()
	return c, nil
}

// Workspace returns the metadata the context tracks entities of.
func (c *ObjectContext) Workspace() *metadata.Workspace { return c.ws }

// StateManager exposes the identity map for inspection.
func (c *ObjectContext) StateManager() *objectstate.Manager { return c.state }

// Store returns the store in use.
func (c *ObjectContext) Store() store.Store { return c.store }

// SecretsProvider returns the provider used to resolve DSNs.
func (c *ObjectContext) SecretsProvider() secrets.Provider { return c.secretsProvider }

func (c *ObjectContext) MetricsRegistryProvider() metrics.RegistryProvider { return c.metricsProvider }
func (c *ObjectContext) TracerProvider() entracktracing.TracerProvider     { return c.tracerProvider }

func (c *ObjectContext) requireOpen() error {
	if c.disposed {
		return entrackerrors.NewResourceDisposedError("ObjectContext")
	}
	return nil
}

func (c *ObjectContext) frozen(what string) error {
	if c.ready {
		return entrackerrors.NewConfigError(what+" cannot be changed after the context was created", nil)
	}
	return nil
}

// --- Setters ---

func (c *ObjectContext) SetStore(s store.Store) error {
	if s == nil {
		return entrackerrors.NewConfigError("store cannot be nil", nil)
	}
	if c.connRefs > 0 {
		return entrackerrors.NewConfigError("store cannot be replaced while its connection is in use", nil)
	}
	c.store = s
	c.storeSet = true
	c.onOpen = nil
	return nil
}

func (c *ObjectContext) SetEventBus(bus events.Bus) error {
	if err := c.frozen("event bus"); err != nil {
		return err
	}
	c.eventBus = bus
	return nil
}

func (c *ObjectContext) SetSecretsProvider(provider secrets.Provider) error {
	c.secretsProvider = provider
	return nil
}

func (c *ObjectContext) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	if err := c.frozen("metrics provider"); err != nil {
		return err
	}
	c.metricsProvider = provider
	return nil
}

func (c *ObjectContext) SetTracerProvider(provider entracktracing.TracerProvider) error {
	if err := c.frozen("tracer provider"); err != nil {
		return err
	}
	c.tracerProvider = provider
	return nil
}

func (c *ObjectContext) SetDefaultMergeOption(opt merge.Option) error {
	switch opt {
	case merge.AppendOnly, merge.OverwriteChanges, merge.PreserveChanges, merge.NoTracking:
		c.defaultMerge = opt
		return nil
	}
	return entrackerrors.NewConfigError(fmt.Sprintf("unknown merge option %s", opt), nil)
}

func (c *ObjectContext) SetRefreshBatchSize(size int) error {
	if size <= 0 {
		return entrackerrors.NewConfigError("refresh batch size must be positive", nil)
	}
	c.batchSize = size
	return nil
}

func (c *ObjectContext) SetSaveOptions(opts entrack.SaveOptions) error {
	c.saveOptions = opts
	return nil
}

func (c *ObjectContext) SetOpenRetry(attempts int, delay time.Duration) error {
	c.openRetry.Attempts = attempts
	c.openRetry.Delay = delay
	c.openRetry.BackoffFactor = 2
	c.openRetry.Jitter = 0.1
	return nil
}

func (c *ObjectContext) SetRedactedValues(values []string) error {
	for _, v := range values {
		c.tracker.Add(v)
	}
	return nil
}
