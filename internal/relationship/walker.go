package relationship

import (
	"fmt"

	"github.com/gxo-labs/entrack/internal/logger"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/objectstate"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
)

// Walker brings whole object graphs under tracking. Every walk runs inside a
// Scope: the scope's processed set stops cycles and its undo log removes
// everything registered by a walk that fails.
type Walker struct {
	state *objectstate.Manager
	log   entracklog.Logger
}

// NewWalker returns a walker over the identity map.
func NewWalker(state *objectstate.Manager, log entracklog.Logger) *Walker {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Walker{state: state, log: log.With("component", "relationship")}
}

// AddGraph tracks entity and every untracked entity reachable from it as
// Added. Already tracked entities are linked but not walked.
func (w *Walker) AddGraph(scope *objectstate.Scope, entity interface{}, set *metadata.EntitySet) (*objectstate.StateEntry, error) {
	return w.walk(scope, entity, set, objectstate.Added)
}

// AttachGraph tracks entity and every untracked entity reachable from it as
// Unchanged under the permanent keys read from their key members.
func (w *Walker) AttachGraph(scope *objectstate.Scope, entity interface{}, set *metadata.EntitySet) (*objectstate.StateEntry, error) {
	return w.walk(scope, entity, set, objectstate.Unchanged)
}

func (w *Walker) walk(scope *objectstate.Scope, entity interface{}, set *metadata.EntitySet, state objectstate.EntityState) (*objectstate.StateEntry, error) {
	existing, tracked := w.state.FindEntryByObject(entity)
	if !scope.Visit(entity) || tracked {
		return existing, nil
	}

	var key objectstate.EntityKey
	if state == objectstate.Unchanged {
		k, err := objectstate.KeyFromEntity(set, entity)
		if err != nil {
			return nil, err
		}
		key = k
	}
	e, err := w.state.AddEntry(scope, entity, key, set, state)
	if err != nil {
		return nil, err
	}

	for _, end := range For(entity, set).RelatedEnds() {
		targets, err := end.Targets()
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			if err := end.checkTarget(target); err != nil {
				return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeTypeNotMapped, e.Key().String(),
					fmt.Sprintf("cannot %s related entity", scope.Operation()), err)
			}
			if related, ok := w.state.FindEntryByObject(target); ok && related.State() == objectstate.Deleted {
				return nil, entrackerrors.NewIllegalStateTransitionError(scope.Operation().String(),
					objectstate.Deleted.String(), state.String(), related.Key().String())
			}
			if _, err := w.walk(scope, target, end.Navigation.Target(), state); err != nil {
				return nil, err
			}
		}
	}
	if err := w.state.FixupRelationships(scope, e); err != nil {
		return nil, err
	}
	w.log.Debugf("%s %s", scope.Operation(), e.Key())
	return e, nil
}

// DetachGraph evicts the entry of entity and severs the navigations between
// it and entities that stay tracked. Related entities are not detached.
func (w *Walker) DetachGraph(scope *objectstate.Scope, e *objectstate.StateEntry) error {
	entity := e.Entity()
	if !scope.Visit(entity) {
		return nil
	}
	for _, end := range For(entity, e.EntitySet()).RelatedEnds() {
		targets, err := end.Targets()
		if err != nil {
			return err
		}
		for _, target := range targets {
			if _, ok := w.state.FindEntryByObject(target); !ok {
				continue
			}
			if err := end.Remove(target); err != nil {
				return err
			}
		}
	}
	w.state.Detach(e)
	return nil
}

// Targets is a convenience over For(...).RelatedEnd(nav).Targets().
func Targets(entity interface{}, set *metadata.EntitySet, nav string) ([]interface{}, error) {
	end, err := For(entity, set).RelatedEnd(nav)
	if err != nil {
		return nil, err
	}
	return end.Targets()
}
