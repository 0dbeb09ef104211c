package v1

import (
	"context"
	"time"

	"github.com/gxo-labs/entrack/internal/merge"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/refresh"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/metrics"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/secrets"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/tracing"
)

// Public names for the identity map types.
type (
	EntityKey   = objectstate.EntityKey
	KeyMember   = objectstate.KeyMember
	EntityState = objectstate.EntityState
	StateEntry  = objectstate.StateEntry
	MergeOption = merge.Option
	RefreshMode = refresh.Mode
)

const (
	Detached  = objectstate.Detached
	Unchanged = objectstate.Unchanged
	Added     = objectstate.Added
	Deleted   = objectstate.Deleted
	Modified  = objectstate.Modified

	AppendOnly       = merge.AppendOnly
	OverwriteChanges = merge.OverwriteChanges
	PreserveChanges  = merge.PreserveChanges
	NoTracking       = merge.NoTracking

	StoreWins  = refresh.StoreWins
	ClientWins = refresh.ClientWins
)

// SaveOptions controls what SaveChanges does around sending commands.
type SaveOptions struct {
	DetectChangesBeforeSave   bool
	AcceptAllChangesAfterSave bool
}

// DefaultSaveOptions enables both steps.
func DefaultSaveOptions() SaveOptions {
	return SaveOptions{DetectChangesBeforeSave: true, AcceptAllChangesAfterSave: true}
}

// ContextV1 is the public surface of a unit of work: it tracks entities,
// reconciles them with the store and sends their changes.
type ContextV1 interface {
	// Mutation.
	AddObject(entitySet string, entity interface{}) error
	AttachTo(entitySet string, entity interface{}) error
	DeleteObject(entity interface{}) error
	Detach(entity interface{}) error
	// ApplyCurrentValues copies the members of a detached copy onto the
	// tracked entity with the same key and returns the tracked entity.
	ApplyCurrentValues(entitySet string, entity interface{}) (interface{}, error)
	ApplyOriginalValues(entitySet string, entity interface{}) (interface{}, error)
	ChangeObjectState(entity interface{}, state EntityState) error

	// Lookup.
	GetEntry(key EntityKey) (*StateEntry, bool)
	GetObjectByKey(ctx context.Context, key EntityKey) (interface{}, error)
	TryGetObjectByKey(ctx context.Context, key EntityKey) (interface{}, bool, error)
	CreateEntityKey(entitySet string, entity interface{}) (EntityKey, error)

	// Commit.
	AcceptAllChanges() error
	DetectChanges() error
	SaveChanges(ctx context.Context, opts SaveOptions) (int, error)
	// Save is SaveChanges with the configured default options.
	Save(ctx context.Context) (int, error)

	// Store round trips.
	Refresh(ctx context.Context, mode RefreshMode, entities ...interface{}) error
	ExecuteQuery(ctx context.Context, entitySet string, opt MergeOption) ([]interface{}, error)

	// Connection lifetime.
	EnsureConnection(ctx context.Context) error
	ReleaseConnection() error
	Close() error

	MetricsRegistryProvider() metrics.RegistryProvider
	TracerProvider() tracing.TracerProvider

	// Setters used by ContextOption.
	SetStore(s store.Store) error
	SetEventBus(bus events.Bus) error
	SetSecretsProvider(provider secrets.Provider) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetDefaultMergeOption(opt MergeOption) error
	SetRefreshBatchSize(size int) error
	SetSaveOptions(opts SaveOptions) error
	SetOpenRetry(attempts int, delay time.Duration) error
	SetRedactedValues(values []string) error
}

// ContextOption configures a context at creation.
type ContextOption func(ContextV1) error

// WithStore sets the store the context reads from and writes to.
func WithStore(s store.Store) ContextOption {
	return func(c ContextV1) error {
		if s == nil {
			return entrackerrors.NewConfigError("store cannot be nil", nil)
		}
		return c.SetStore(s)
	}
}

// WithEventBus sets the bus lifecycle events are emitted on.
func WithEventBus(bus events.Bus) ContextOption {
	return func(c ContextV1) error {
		if bus == nil {
			return entrackerrors.NewConfigError("event bus cannot be nil", nil)
		}
		return c.SetEventBus(bus)
	}
}

// WithSecretsProvider sets the provider used to resolve the store DSN.
func WithSecretsProvider(provider secrets.Provider) ContextOption {
	return func(c ContextV1) error {
		if provider == nil {
			return entrackerrors.NewConfigError("secrets provider cannot be nil", nil)
		}
		return c.SetSecretsProvider(provider)
	}
}

// WithMetricsRegistryProvider sets where the context registers its metrics.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) ContextOption {
	return func(c ContextV1) error {
		if provider == nil {
			return entrackerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return c.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider sets the provider for SaveChanges, Refresh and query
// spans.
func WithTracerProvider(provider tracing.TracerProvider) ContextOption {
	return func(c ContextV1) error {
		if provider == nil {
			return entrackerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return c.SetTracerProvider(provider)
	}
}

// WithDefaultMergeOption sets the option used by lookups that fall back to
// the store.
func WithDefaultMergeOption(opt MergeOption) ContextOption {
	return func(c ContextV1) error {
		return c.SetDefaultMergeOption(opt)
	}
}

// WithRefreshBatchSize bounds the keys per refresh query.
func WithRefreshBatchSize(size int) ContextOption {
	return func(c ContextV1) error {
		if size <= 0 {
			return entrackerrors.NewConfigError("refresh batch size must be positive", nil)
		}
		return c.SetRefreshBatchSize(size)
	}
}

// WithSaveOptions sets the options used by Save.
func WithSaveOptions(opts SaveOptions) ContextOption {
	return func(c ContextV1) error {
		return c.SetSaveOptions(opts)
	}
}

// WithOpenRetry retries opening the store connection.
func WithOpenRetry(attempts int, delay time.Duration) ContextOption {
	return func(c ContextV1) error {
		if attempts <= 0 || delay < 0 {
			return entrackerrors.NewConfigError("open retry needs positive attempts and a non-negative delay", nil)
		}
		return c.SetOpenRetry(attempts, delay)
	}
}

// WithRedactedValues registers values, such as passwords, that must never
// appear in logs, span errors or returned errors.
func WithRedactedValues(values ...string) ContextOption {
	return func(c ContextV1) error {
		return c.SetRedactedValues(values)
	}
}
