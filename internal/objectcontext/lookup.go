package objectcontext

import (
	"context"

	"github.com/gxo-labs/entrack/internal/merge"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/tracing"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
)

// GetEntry returns the entry for key, which may be a key stub.
func (c *ObjectContext) GetEntry(key objectstate.EntityKey) (*objectstate.StateEntry, bool) {
	if c.disposed {
		return nil, false
	}
	return c.state.FindEntry(key)
}

// GetObjectByKey is TryGetObjectByKey failing with ObjectNotFound on a miss.
func (c *ObjectContext) GetObjectByKey(ctx context.Context, key objectstate.EntityKey) (interface{}, error) {
	entity, found, err := c.TryGetObjectByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, entrackerrors.NewNotTrackedError(entrackerrors.CodeObjectNotFound, key.String(), -1,
			"no entity with this key is tracked or stored")
	}
	return entity, nil
}

// TryGetObjectByKey returns the tracked entity for key. Unknown keys and
// key stubs are looked up in the store and merged with the default merge
// option.
func (c *ObjectContext) TryGetObjectByKey(ctx context.Context, key objectstate.EntityKey) (interface{}, bool, error) {
	if err := c.requireOpen(); err != nil {
		return nil, false, err
	}
	if key.IsZero() {
		return nil, false, entrackerrors.NewInvalidKeyError(entrackerrors.CodeKeyRequired, "", "a key is required", nil)
	}
	if e, ok := c.state.FindEntry(key); ok && !e.IsKeyStub() {
		return e.Entity(), true, nil
	}
	if key.IsTemporary() {
		return nil, false, nil
	}
	set, err := c.ws.MustEntitySet(key.EntitySet())
	if err != nil {
		return nil, false, err
	}
	defer c.observe()

	var entities []interface{}
	err = c.withConnection(ctx, func() error {
		it, err := c.store.Query(ctx, set.Query(key.Values()))
		if err != nil {
			return entrackerrors.NewStoreError("query "+set.Name, c.tracker.RedactError(err))
		}
		entities, err = c.merger.MergeAll(ctx, set, it, c.defaultMerge)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if len(entities) == 0 {
		return nil, false, nil
	}
	return entities[0], true, nil
}

// CreateEntityKey reads the permanent key of entity as a member of
// entitySet, or of the only set holding its type when entitySet is empty.
func (c *ObjectContext) CreateEntityKey(entitySet string, entity interface{}) (objectstate.EntityKey, error) {
	if err := c.requireOpen(); err != nil {
		return objectstate.EntityKey{}, err
	}
	set, err := c.resolveSet(entitySet, entity)
	if err != nil {
		return objectstate.EntityKey{}, err
	}
	return objectstate.KeyFromEntity(set, entity)
}

// ExecuteQuery loads every row of entitySet and folds it into the map with
// opt.
func (c *ObjectContext) ExecuteQuery(ctx context.Context, entitySet string, opt merge.Option) (out []interface{}, err error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	set, err := c.ws.MustEntitySet(entitySet)
	if err != nil {
		return nil, err
	}
	ctx, span := c.tracer.Start(ctx, "executeQuery",
		tracing.AttrEntitySet.String(set.Name),
		tracing.AttrMergeOption.String(opt.String()))
	defer func() {
		span.SetAttributes(tracing.AttrEntityCount.Int(len(out)))
		c.tracer.End(span, err)
		c.observe()
	}()

	err = c.withConnection(ctx, func() error {
		it, err := c.store.Query(ctx, set.Query())
		if err != nil {
			return entrackerrors.NewStoreError("query "+set.Name, c.tracker.RedactError(err))
		}
		out, err = c.merger.MergeAll(ctx, set, it, opt)
		return err
	})
	if err != nil {
		return out, err
	}
	c.log.Debugf("Query of %s returned %d entities (%s)", set.Name, len(out), opt)
	return out, nil
}
