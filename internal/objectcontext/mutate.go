package objectcontext

import (
	"fmt"

	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/objectstate"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
)

// resolveSet picks the entity set for entity. A named set must hold the
// entity's type; without a name the type must map to exactly one set.
func (c *ObjectContext) resolveSet(name string, entity interface{}) (*metadata.EntitySet, error) {
	typeName, err := members.TypeName(entity)
	if err != nil {
		return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeTypeNotMapped, name, "cannot track value", err)
	}
	if name == "" {
		return c.ws.EntitySetForType(typeName)
	}
	set, err := c.ws.MustEntitySet(name)
	if err != nil {
		return nil, err
	}
	if set.TypeName != typeName {
		return nil, entrackerrors.NewIdentityConflictError(entrackerrors.CodeEntitySetMismatch, name, "",
			fmt.Sprintf("entity set '%s' holds '%s', not '%s'", name, set.TypeName, typeName))
	}
	return set, nil
}

func (c *ObjectContext) entryFor(op string, entity interface{}) (*objectstate.StateEntry, error) {
	if entity == nil {
		return nil, entrackerrors.NewNotTrackedError(entrackerrors.CodeNotTracked, "", -1, op+" needs an entity")
	}
	e, ok := c.state.FindEntryByObject(entity)
	if !ok {
		return nil, entrackerrors.NewNotTrackedError(entrackerrors.CodeNotTracked, fmt.Sprintf("%T", entity), -1,
			op+": the object is not tracked by this context")
	}
	return e, nil
}

// AddObject tracks entity and every untracked entity reachable from it as
// Added. Adding an entity that is already Added is a no-op.
func (c *ObjectContext) AddObject(entitySet string, entity interface{}) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	defer c.observe()
	set, err := c.resolveSet(entitySet, entity)
	if err != nil {
		return err
	}
	if e, ok := c.state.FindEntryByObject(entity); ok {
		if err := c.checkTracked(e, set, objectstate.Added); err != nil {
			return err
		}
		return nil
	}
	scope := c.state.Begin(objectstate.OpAdd)
	defer scope.End()
	e, err := c.walker.AddGraph(scope, entity, set)
	if err != nil {
		scope.Rollback()
		return err
	}
	c.log.Debugf("Added %s with %d related objects", e.Key(), scope.ProcessedCount()-1)
	return nil
}

// AttachTo tracks entity and every untracked entity reachable from it as
// Unchanged under the keys read from their key members.
func (c *ObjectContext) AttachTo(entitySet string, entity interface{}) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	defer c.observe()
	set, err := c.resolveSet(entitySet, entity)
	if err != nil {
		return err
	}
	if e, ok := c.state.FindEntryByObject(entity); ok {
		return c.checkTracked(e, set, objectstate.Unchanged|objectstate.Modified|objectstate.Deleted)
	}
	key, err := objectstate.KeyFromEntity(set, entity)
	if err != nil {
		return err
	}
	if existing, ok := c.state.FindEntry(key); ok && !existing.IsKeyStub() {
		return entrackerrors.NewIdentityConflictError(entrackerrors.CodeDuplicateKey, key.String(), existing.State().String(),
			"a different object is already tracked with this key")
	}
	scope := c.state.Begin(objectstate.OpAttach)
	defer scope.End()
	e, err := c.walker.AttachGraph(scope, entity, set)
	if err != nil {
		scope.Rollback()
		return err
	}
	c.log.Debugf("Attached %s with %d related objects", e.Key(), scope.ProcessedCount()-1)
	return nil
}

// checkTracked decides whether a repeated add or attach of an already
// tracked object is a no-op.
func (c *ObjectContext) checkTracked(e *objectstate.StateEntry, set *metadata.EntitySet, allowed objectstate.EntityState) error {
	if e.EntitySet() != set {
		return entrackerrors.NewIdentityConflictError(entrackerrors.CodeEntitySetMismatch, e.Key().String(), e.State().String(),
			fmt.Sprintf("object is tracked in '%s', not '%s'", e.EntitySet().Name, set.Name))
	}
	if e.State()&allowed == 0 {
		return entrackerrors.NewIdentityConflictError(entrackerrors.CodeStateConflict, e.Key().String(), e.State().String(),
			"object is already tracked in an incompatible state")
	}
	return nil
}

// DeleteObject marks entity Deleted. Added entities are detached.
func (c *ObjectContext) DeleteObject(entity interface{}) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	defer c.observe()
	e, err := c.entryFor("DeleteObject", entity)
	if err != nil {
		return err
	}
	return e.Delete(true)
}

// Detach stops tracking entity and unlinks it from the entities that stay
// tracked.
func (c *ObjectContext) Detach(entity interface{}) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	defer c.observe()
	e, err := c.entryFor("Detach", entity)
	if err != nil {
		return err
	}
	scope := c.state.Begin(objectstate.OpDetach)
	defer scope.End()
	if err := c.walker.DetachGraph(scope, e); err != nil {
		scope.Rollback()
		return err
	}
	return nil
}

// trackedByCopy finds the entry whose key matches the key members of a
// detached copy and returns it with the copy's member values.
func (c *ObjectContext) trackedByCopy(op, entitySet string, entity interface{}) (*objectstate.StateEntry, map[string]interface{}, error) {
	if entity == nil {
		return nil, nil, entrackerrors.NewNotTrackedError(entrackerrors.CodeNotTracked, entitySet, -1, op+" needs an entity")
	}
	set, err := c.resolveSet(entitySet, entity)
	if err != nil {
		return nil, nil, err
	}
	key, err := objectstate.KeyFromEntity(set, entity)
	if err != nil {
		return nil, nil, err
	}
	e, ok := c.state.FindEntry(key)
	if !ok {
		return nil, nil, entrackerrors.NewNotTrackedError(entrackerrors.CodeObjectNotFound, key.String(), -1,
			op+": no tracked entity has this key")
	}
	if e.IsKeyStub() {
		return nil, nil, entrackerrors.NewNotTrackedError(entrackerrors.CodeKeyStubEntry, key.String(), -1,
			op+": only the key of this entity is known")
	}
	values, err := members.Snapshot(entity, set.MemberNames())
	if err != nil {
		return nil, nil, err
	}
	return e, values, nil
}

// ApplyCurrentValues copies the members of a detached copy onto the tracked
// entity holding the same key and marks the differing members modified. It
// returns the tracked entity.
func (c *ObjectContext) ApplyCurrentValues(entitySet string, entity interface{}) (interface{}, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	defer c.observe()
	e, values, err := c.trackedByCopy("ApplyCurrentValues", entitySet, entity)
	if err != nil {
		return nil, err
	}
	if err := e.ApplyCurrentValues(values); err != nil {
		return nil, err
	}
	return e.Entity(), nil
}

// ApplyOriginalValues makes the members of a detached copy the originals of
// the tracked entity holding the same key. Members whose current value now
// differs become modified. It returns the tracked entity.
func (c *ObjectContext) ApplyOriginalValues(entitySet string, entity interface{}) (interface{}, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}
	defer c.observe()
	e, values, err := c.trackedByCopy("ApplyOriginalValues", entitySet, entity)
	if err != nil {
		return nil, err
	}
	if err := e.ApplyOriginalValues(values); err != nil {
		return nil, err
	}
	return e.Entity(), nil
}

// ChangeObjectState moves the entry of entity to state along the legal
// lifecycle edges.
func (c *ObjectContext) ChangeObjectState(entity interface{}, state objectstate.EntityState) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	defer c.observe()
	e, err := c.entryFor("ChangeObjectState", entity)
	if err != nil {
		return err
	}
	return c.state.ChangeState(e, state)
}
