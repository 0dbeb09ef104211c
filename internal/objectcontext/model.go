package objectcontext

import (
	"context"
	"fmt"

	"github.com/gxo-labs/entrack/internal/config"
	"github.com/gxo-labs/entrack/internal/merge"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/store/memory"
	"github.com/gxo-labs/entrack/internal/store/sqlstore"
	entrack "github.com/gxo-labs/entrack/pkg/entrack/v1"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
)

// NewFromModel builds the workspace for model and a context configured by
// the model's context and connection blocks. Options override the model; a
// store passed with WithStore replaces the configured connection.
func NewFromModel(ctx context.Context, model *config.Model, log entracklog.Logger, opts ...entrack.ContextOption) (*ObjectContext, error) {
	if model == nil {
		return nil, entrackerrors.NewConfigError("model cannot be nil", nil)
	}
	ws, err := metadata.NewWorkspace(model)
	if err != nil {
		return nil, err
	}
	mergeOpt, err := merge.ParseOption(model.MergeOptionName())
	if err != nil {
		return nil, entrackerrors.NewConfigError("invalid context.defaultMergeOption", err)
	}
	attempts, delay := model.OpenRetry()
	base := []entrack.ContextOption{
		entrack.WithDefaultMergeOption(mergeOpt),
		entrack.WithRefreshBatchSize(model.RefreshBatchSize()),
		entrack.WithSaveOptions(entrack.SaveOptions{
			DetectChangesBeforeSave:   model.DetectChangesBeforeSave(),
			AcceptAllChangesAfterSave: model.AcceptAllChangesAfterSave(),
		}),
		entrack.WithOpenRetry(attempts, delay),
	}
	c, err := NewObjectContext(ws, log, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if c.storeSet {
		return c, nil
	}
	if err := c.configureStore(ctx, model); err != nil {
		return nil, err
	}
	return c, nil
}

// configureStore replaces the default store with the one model.Connection
// selects.
func (c *ObjectContext) configureStore(ctx context.Context, model *config.Model) error {
	driver := model.Driver()
	switch driver {
	case config.DefaultDriver:
		c.store = memory.New()
		return nil
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
	default:
		return entrackerrors.NewConfigError(fmt.Sprintf("unsupported connection driver '%s'", driver), nil)
	}

	dsn, err := c.resolveDSN(ctx, model.Connection)
	if err != nil {
		return err
	}
	s, err := sqlstore.New(driver, dsn, sqlstore.WithLogger(c.log))
	if err != nil {
		return entrackerrors.NewConfigError("cannot create store", err)
	}
	c.store = s
	if model.Connection.EnsureSchema {
		ws := c.ws
		c.onOpen = func(ctx context.Context) error { return s.EnsureSchema(ctx, ws) }
	}
	c.log.Debugf("Using %s store", driver)
	return nil
}

// resolveDSN reads the DSN inline or from the secret named by DSNEnv. The
// value is registered for redaction either way.
func (c *ObjectContext) resolveDSN(ctx context.Context, conn *config.ConnectionConfig) (string, error) {
	dsn := conn.DSN
	if conn.DSNEnv != "" {
		value, found, err := c.secretsProvider.GetSecret(ctx, conn.DSNEnv)
		if err != nil {
			return "", entrackerrors.NewConfigError(fmt.Sprintf("cannot read secret '%s'", conn.DSNEnv), err)
		}
		if !found {
			return "", entrackerrors.NewConfigError(fmt.Sprintf("secret '%s' holding the connection DSN is not set", conn.DSNEnv), nil)
		}
		dsn = value
	}
	if dsn == "" {
		return "", entrackerrors.NewConfigError("connection.dsn or connection.dsnEnv is required for driver "+conn.Driver, nil)
	}
	c.tracker.Add(dsn)
	return dsn, nil
}
