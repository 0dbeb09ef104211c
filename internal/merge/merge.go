// Package merge folds rows returned by the store into the identity map.
package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/gxo-labs/entrack/internal/logger"
	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/objectstate"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
)

// Option is the policy for reconciling a row with an entry that already
// holds the row's key.
type Option int

const (
	// AppendOnly keeps the tracked entity and discards the row.
	AppendOnly Option = iota
	// OverwriteChanges replaces current and original values with the row.
	OverwriteChanges
	// PreserveChanges makes the row the new originals and keeps client edits.
	PreserveChanges
	// NoTracking materializes a detached object and leaves the map alone.
	NoTracking
)

func (o Option) String() string {
	switch o {
	case AppendOnly:
		return "AppendOnly"
	case OverwriteChanges:
		return "OverwriteChanges"
	case PreserveChanges:
		return "PreserveChanges"
	case NoTracking:
		return "NoTracking"
	}
	return fmt.Sprintf("Option(%d)", int(o))
}

// ParseOption accepts the names printed by String, case-insensitively.
func ParseOption(s string) (Option, error) {
	for _, o := range []Option{AppendOnly, OverwriteChanges, PreserveChanges, NoTracking} {
		if strings.EqualFold(s, o.String()) {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown merge option '%s'", s)
}

// Coordinator applies a merge option row by row.
type Coordinator struct {
	state *objectstate.Manager
	log   entracklog.Logger
}

// NewCoordinator returns a coordinator over the identity map.
func NewCoordinator(state *objectstate.Manager, log entracklog.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Coordinator{state: state, log: log.With("component", "merge")}
}

// Merge folds one row of set into the map and returns the object callers
// should see for it. A failed merge leaves the map as it was.
func (c *Coordinator) Merge(set *metadata.EntitySet, row store.Row, opt Option) (interface{}, error) {
	key, err := objectstate.KeyFromValues(set, row)
	if err != nil {
		return nil, err
	}
	if opt == NoTracking {
		return c.materialize(set, row)
	}

	existing, ok := c.state.FindEntry(key)
	if ok && !existing.IsKeyStub() {
		return c.mergeInto(existing, row, opt)
	}
	if pending, found := c.state.FindPendingInsert(key); found {
		return nil, reAddError(key, pending)
	}

	entity, err := c.materialize(set, row)
	if err != nil {
		return nil, err
	}
	scope := c.state.Begin(objectstate.OpMerge)
	defer scope.End()
	var e *objectstate.StateEntry
	if ok {
		err = c.state.PromoteKeyStub(scope, existing, entity, objectstate.Unchanged)
		e = existing
	} else {
		e, err = c.state.AddEntry(scope, entity, key, set, objectstate.Unchanged)
	}
	if err == nil {
		err = c.state.FixupRelationships(scope, e)
	}
	if err != nil {
		scope.Rollback()
		return nil, err
	}
	return entity, nil
}

func (c *Coordinator) mergeInto(e *objectstate.StateEntry, row store.Row, opt Option) (interface{}, error) {
	if e.State() == objectstate.Added {
		return nil, reAddError(e.Key(), e)
	}
	switch opt {
	case AppendOnly:
	case OverwriteChanges:
		if err := e.OverwriteFromStore(row); err != nil {
			return nil, err
		}
		c.log.Debugf("Overwrote %s from store", e.Key())
	case PreserveChanges:
		if err := e.PreserveFromStore(row); err != nil {
			return nil, err
		}
		c.log.Debugf("Refreshed originals of %s, state %s", e.Key(), e.State())
	default:
		return nil, fmt.Errorf("unknown merge option %d", int(opt))
	}
	return e.Entity(), nil
}

func reAddError(key objectstate.EntityKey, e *objectstate.StateEntry) error {
	return entrackerrors.NewIdentityConflictError(entrackerrors.CodeReAddNotAllowed, key.String(), e.State().String(),
		"the store returned a row for an entity that is pending insert")
}

func (c *Coordinator) materialize(set *metadata.EntitySet, row store.Row) (interface{}, error) {
	entity := c.state.Workspace().Types().New(set)
	values := make(map[string]interface{}, len(set.Members))
	for _, m := range set.Members {
		if v, ok := row[m.Name]; ok {
			values[m.Name] = v
		}
	}
	if err := members.Apply(entity, values); err != nil {
		return nil, entrackerrors.NewStoreError("materialize "+set.Name, err)
	}
	return entity, nil
}

// MergeAll drains it, merging every row. It stops at the first failure;
// rows merged before it stay merged.
func (c *Coordinator) MergeAll(ctx context.Context, set *metadata.EntitySet, it store.RowIterator, opt Option) ([]interface{}, error) {
	defer it.Close()
	var out []interface{}
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		entity, err := c.Merge(set, it.Row(), opt)
		if err != nil {
			return out, err
		}
		out = append(out, entity)
	}
	if err := it.Err(); err != nil {
		return out, entrackerrors.NewStoreError("query "+set.Name, err)
	}
	c.log.Debugf("Merged %d rows of %s with %s", len(out), set.Name, opt)
	return out, nil
}
