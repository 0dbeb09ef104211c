package objectcontext

import (
	"context"
	"fmt"
	"time"

	"github.com/gxo-labs/entrack/internal/refresh"
	"github.com/gxo-labs/entrack/internal/tracing"
	"github.com/gxo-labs/entrack/internal/update"
	entrack "github.com/gxo-labs/entrack/pkg/entrack/v1"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/events"
)

// AcceptAllChanges commits every entry without talking to the store.
func (c *ObjectContext) AcceptAllChanges() error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	defer c.observe()
	return c.state.AcceptAllChanges()
}

// DetectChanges compares tracked entities with their snapshots.
func (c *ObjectContext) DetectChanges() error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	defer c.observe()
	return c.state.DetectChanges()
}

// Save is SaveChanges with the context's save options.
func (c *ObjectContext) Save(ctx context.Context) (int, error) {
	return c.SaveChanges(ctx, c.saveOptions)
}

// SaveChanges sends every Added, Modified and Deleted entity to the store in
// one atomic batch and returns the number of entities sent. Values the store
// generates are written back onto the entities before changes are accepted.
func (c *ObjectContext) SaveChanges(ctx context.Context, opts entrack.SaveOptions) (n int, err error) {
	if err := c.requireOpen(); err != nil {
		return 0, err
	}
	ctx, span := c.tracer.Start(ctx, "saveChanges",
		tracing.AttrSaveOptions.String(fmt.Sprintf("detect=%t,accept=%t", opts.DetectChangesBeforeSave, opts.AcceptAllChangesAfterSave)))
	defer func() {
		status := saveStatusSuccess
		if err != nil {
			status = saveStatusFailure
		}
		c.metrics.saves.WithLabelValues(status).Inc()
		span.SetAttributes(tracing.AttrStateCount.Int(n))
		c.tracer.End(span, err)
		c.observe()
	}()

	if opts.DetectChangesBeforeSave {
		if err := c.state.DetectChanges(); err != nil {
			return 0, err
		}
	}
	if err := c.state.CheckConceptualNulls(); err != nil {
		return 0, err
	}
	plan, err := update.Build(c.state)
	if err != nil {
		return 0, err
	}
	inserts, updates, deletes := plan.Counts()

	if len(plan.Commands) > 0 {
		err = c.withConnection(ctx, func() error {
			results, err := c.store.Execute(ctx, plan.Commands)
			if err != nil {
				return entrackerrors.NewStoreError("save changes", c.tracker.RedactError(err))
			}
			if err := plan.ApplyResults(results); err != nil {
				return entrackerrors.NewStoreError("apply generated values", err)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	if opts.AcceptAllChangesAfterSave {
		if err := c.state.AcceptAllChanges(); err != nil {
			return len(plan.Commands), err
		}
	}
	c.bus.Emit(events.Event{
		Type:      events.ChangesSaved,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"inserts": inserts, "updates": updates, "deletes": deletes},
	})
	c.log.Infof("Saved changes: %d inserted, %d updated, %d deleted", inserts, updates, deletes)
	return len(plan.Commands), nil
}

// Refresh reloads the given tracked entities, or keys of tracked entities,
// from the store.
func (c *ObjectContext) Refresh(ctx context.Context, mode refresh.Mode, entities ...interface{}) error {
	_, err := c.RefreshWithResult(ctx, mode, entities)
	return err
}

// RefreshWithResult is Refresh reporting how many entities were reconciled
// and removed.
func (c *ObjectContext) RefreshWithResult(ctx context.Context, mode refresh.Mode, entities []interface{}) (res refresh.Result, err error) {
	if err := c.requireOpen(); err != nil {
		return res, err
	}
	defer c.observe()
	if err := c.state.DetectChanges(); err != nil {
		return res, err
	}
	b := refresh.NewBatcher(c.state, c.merger, c.store,
		refresh.WithBatchSize(c.batchSize),
		refresh.WithLogger(c.log),
		refresh.WithEventBus(c.bus),
		refresh.WithTracer(c.tracer))
	err = c.withConnection(ctx, func() error {
		var err error
		res, err = b.Refresh(ctx, mode, entities)
		return err
	})
	return res, err
}
