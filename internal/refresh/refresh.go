// Package refresh reloads tracked entities from the store in bounded batches
// and reconciles them with the identity map.
package refresh

import (
	"context"
	"fmt"
	"strings"
	"time"

	internalevents "github.com/gxo-labs/entrack/internal/events"
	"github.com/gxo-labs/entrack/internal/logger"
	"github.com/gxo-labs/entrack/internal/merge"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/tracing"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entrackevents "github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
)

// DefaultBatchSize bounds the number of keys in one refresh query.
const DefaultBatchSize = 250

// Mode decides who wins when the store and the client disagree.
type Mode int

const (
	// StoreWins overwrites client values and evicts entities the store no
	// longer has.
	StoreWins Mode = iota
	// ClientWins keeps client edits and fails for entities the store no
	// longer has.
	ClientWins
)

func (m Mode) String() string {
	switch m {
	case StoreWins:
		return "StoreWins"
	case ClientWins:
		return "ClientWins"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts StoreWins/ClientWins and the short forms store/client.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "storewins", "store":
		return StoreWins, nil
	case "clientwins", "client":
		return ClientWins, nil
	}
	return 0, fmt.Errorf("unknown refresh mode '%s'", s)
}

// Result summarizes one refresh.
type Result struct {
	Requested  int
	Reconciled int
	Removed    int
	Batches    int
}

// Batcher issues the refresh queries.
type Batcher struct {
	state  *objectstate.Manager
	merger *merge.Coordinator
	conn   store.Connection
	size   int
	log    entracklog.Logger
	bus    entrackevents.Bus
	tracer *tracing.Tracer
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithBatchSize overrides DefaultBatchSize. Non-positive sizes are ignored.
func WithBatchSize(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.size = n
		}
	}
}

func WithLogger(log entracklog.Logger) Option {
	return func(b *Batcher) {
		if log != nil {
			b.log = log
		}
	}
}

func WithEventBus(bus entrackevents.Bus) Option {
	return func(b *Batcher) {
		if bus != nil {
			b.bus = bus
		}
	}
}

func WithTracer(t *tracing.Tracer) Option {
	return func(b *Batcher) {
		if t != nil {
			b.tracer = t
		}
	}
}

// NewBatcher returns a batcher reading from conn. The connection must be
// open while Refresh runs.
func NewBatcher(state *objectstate.Manager, merger *merge.Coordinator, conn store.Connection, opts ...Option) *Batcher {
	b := &Batcher{
		state:  state,
		merger: merger,
		conn:   conn,
		size:   DefaultBatchSize,
		log:    logger.NewDiscardLogger(),
		bus:    internalevents.NewNoOpEventBus(),
		tracer: tracing.NewTracer(nil, nil),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "refresh")
	return b
}

// BatchSize returns the effective batch bound.
func (b *Batcher) BatchSize() int { return b.size }

type group struct {
	set     *metadata.EntitySet
	entries []*objectstate.StateEntry
}

// Refresh reloads targets, which are tracked entity objects or EntityKeys of
// tracked entities. Cancellation is checked between batches only.
func (b *Batcher) Refresh(ctx context.Context, mode Mode, targets []interface{}) (res Result, err error) {
	ctx, span := b.tracer.Start(ctx, "refresh",
		tracing.AttrRefreshMode.String(mode.String()),
		tracing.AttrEntityCount.Int(len(targets)))
	defer func() { b.tracer.End(span, err) }()

	groups, err := b.validate(targets)
	if err != nil {
		return res, err
	}
	res.Requested = len(targets)

	var missing []string
	for _, g := range groups {
		for start := 0; start < len(g.entries); start += b.size {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			end := start + b.size
			if end > len(g.entries) {
				end = len(g.entries)
			}
			m, err := b.runBatch(ctx, mode, g.set, g.entries[start:end], res.Batches, &res)
			if err != nil {
				return res, err
			}
			missing = append(missing, m...)
			res.Batches++
		}
	}
	if len(missing) > 0 {
		return res, entrackerrors.NewGraphIntegrityError(entrackerrors.CodeClientEntityRemoved, missing,
			fmt.Sprintf("%d entities were not found in the store", len(missing)))
	}
	b.log.Infof("Refreshed %d entities with %s in %d batches (%d removed)", res.Reconciled+res.Removed, mode, res.Batches, res.Removed)
	return res, nil
}

// validate resolves every target to a full, non-Added entry and groups the
// entries by entity set in first-seen order.
func (b *Batcher) validate(targets []interface{}) ([]*group, error) {
	seen := make(map[*objectstate.StateEntry]int, len(targets))
	bySet := make(map[string]*group)
	var groups []*group
	for i, t := range targets {
		var (
			e  *objectstate.StateEntry
			ok bool
		)
		if key, isKey := t.(objectstate.EntityKey); isKey {
			e, ok = b.state.FindEntry(key)
		} else if t != nil {
			e, ok = b.state.FindEntryByObject(t)
		}
		switch {
		case !ok:
			return nil, entrackerrors.NewNotTrackedError(entrackerrors.CodeNotTracked, fmt.Sprintf("%T", t), i,
				"refresh targets must be tracked")
		case e.IsKeyStub():
			return nil, entrackerrors.NewNotTrackedError(entrackerrors.CodeKeyStubEntry, e.Key().String(), i,
				"only a key is known for this entity")
		case e.State() == objectstate.Added:
			err := entrackerrors.NewIllegalStateTransitionError("refresh", e.State().String(), "", e.Key().String())
			err.Code, err.Index = entrackerrors.CodeCannotRefreshAdded, i
			return nil, err
		}
		if first, dup := seen[e]; dup {
			err := entrackerrors.NewIllegalStateTransitionError("refresh", e.State().String(), "", e.Key().String())
			err.Code, err.Index = entrackerrors.CodeDuplicateInRefresh, i
			b.log.Debugf("Element %d repeats element %d", i, first)
			return nil, err
		}
		seen[e] = i
		g, ok := bySet[e.EntitySet().Name]
		if !ok {
			g = &group{set: e.EntitySet()}
			bySet[g.set.Name] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, e)
	}
	return groups, nil
}

// runBatch queries one batch and reconciles it. It returns the keys that
// ClientWins could not resolve.
func (b *Batcher) runBatch(ctx context.Context, mode Mode, set *metadata.EntitySet, batch []*objectstate.StateEntry, index int, res *Result) (missing []string, err error) {
	ctx, span := b.tracer.Start(ctx, "refresh.batch",
		tracing.AttrEntitySet.String(set.Name),
		tracing.AttrBatchIndex.Int(index),
		tracing.AttrBatchSize.Int(len(batch)))
	defer func() { b.tracer.End(span, err) }()

	requested := make(map[string]*objectstate.StateEntry, len(batch))
	keys := make([][]interface{}, len(batch))
	for i, e := range batch {
		requested[e.Key().ID()] = e
		keys[i] = e.Key().Values()
	}

	it, err := b.conn.Query(ctx, set.Query(keys...))
	if err != nil {
		return nil, entrackerrors.NewStoreError("refresh "+set.Name, err)
	}
	defer it.Close()
	b.bus.Emit(entrackevents.Event{
		Type:      entrackevents.RefreshBatchIssued,
		Timestamp: time.Now(),
		EntitySet: set.Name,
		Payload:   map[string]interface{}{"keys": len(batch), "batch": index},
	})
	b.log.Debugf("Refresh batch %d of %s: %d keys", index, set.Name, len(batch))

	opt := merge.OverwriteChanges
	if mode == ClientWins {
		opt = merge.PreserveChanges
	}
	matched := make(map[string]bool, len(batch))
	for it.Next() {
		row := it.Row()
		key, err := objectstate.KeyFromValues(set, row)
		if err != nil {
			return nil, err
		}
		e, ok := requested[key.ID()]
		if !ok {
			return nil, entrackerrors.NewGraphIntegrityError(entrackerrors.CodeUnexpectedEntityInResult, []string{key.String()},
				"the store returned a row that was not requested")
		}
		if _, err := b.merger.Merge(set, row, opt); err != nil {
			return nil, err
		}
		if mode == ClientWins && e.State() == objectstate.Modified {
			if err := e.SetModifiedAll(); err != nil {
				return nil, err
			}
		}
		if !matched[key.ID()] {
			matched[key.ID()] = true
			res.Reconciled++
		}
	}
	if err := it.Err(); err != nil {
		return nil, entrackerrors.NewStoreError("refresh "+set.Name, err)
	}

	for _, e := range batch {
		if matched[e.Key().ID()] {
			continue
		}
		switch {
		case mode == StoreWins:
			if err := e.Delete(false); err != nil {
				return nil, err
			}
			if err := e.AcceptChanges(); err != nil {
				return nil, err
			}
			res.Removed++
			b.log.Debugf("%s is gone from the store; detached", e.Key())
		case e.State() == objectstate.Deleted:
			if err := e.AcceptChanges(); err != nil {
				return nil, err
			}
			res.Removed++
		default:
			missing = append(missing, e.Key().String())
		}
	}
	return missing, nil
}
