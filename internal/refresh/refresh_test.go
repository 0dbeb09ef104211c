package refresh_test

import (
	"context"
	"testing"

	"github.com/gxo-labs/entrack/internal/events"
	"github.com/gxo-labs/entrack/internal/merge"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/refresh"
	"github.com/gxo-labs/entrack/internal/store/memory"
	"github.com/gxo-labs/entrack/internal/testmodel"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entrackevents "github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	state     *objectstate.Manager
	merger    *merge.Coordinator
	store     *memory.Store
	bus       *events.RecordingBus
	batcher   *refresh.Batcher
	customers *metadata.EntitySet
}

// setupRefresh seeds n customers and loads them all into the map.
func setupRefresh(t *testing.T, n int) (*fixture, []interface{}) {
	t.Helper()
	ws := testmodel.Workspace(t)
	f := &fixture{state: objectstate.NewManager(ws), store: memory.New(), bus: events.NewRecordingBus()}
	f.customers, _ = ws.EntitySet("Customers")
	f.merger = merge.NewCoordinator(f.state, nil)
	f.batcher = refresh.NewBatcher(f.state, f.merger, f.store, refresh.WithEventBus(f.bus))

	rows := make([]store.Row, n)
	for i := range rows {
		rows[i] = store.Row{"ID": int64(i + 1), "Name": "c", "Email": nil}
	}
	require.NoError(t, f.store.Seed("Customers", []string{"ID"}, rows...))
	require.NoError(t, f.store.Open(context.Background()))

	it, err := f.store.Query(context.Background(), f.customers.Query())
	require.NoError(t, err)
	loaded, err := f.merger.MergeAll(context.Background(), f.customers, it, merge.AppendOnly)
	require.NoError(t, err)
	require.Len(t, loaded, n)
	f.store.ResetQueries()
	return f, loaded
}

func (f *fixture) update(t *testing.T, id int64, name string) {
	t.Helper()
	_, err := f.store.Execute(context.Background(), []store.Command{{
		Kind: store.Update, EntitySet: "Customers", KeyMembers: []string{"ID"},
		Key: []interface{}{id}, Values: store.Row{"Name": name},
	}})
	require.NoError(t, err)
}

func (f *fixture) remove(t *testing.T, id int64) {
	t.Helper()
	_, err := f.store.Execute(context.Background(), []store.Command{{
		Kind: store.Delete, EntitySet: "Customers", KeyMembers: []string{"ID"}, Key: []interface{}{id},
	}})
	require.NoError(t, err)
}

func TestRefreshIssuesBoundedBatches(t *testing.T) {
	f, loaded := setupRefresh(t, 600)
	for _, id := range []int64{1, 300, 600} {
		f.update(t, id, "fresh")
	}

	res, err := f.batcher.Refresh(context.Background(), refresh.StoreWins, loaded)
	require.NoError(t, err)

	queries := f.store.Queries()
	require.Len(t, queries, 3)
	sizes := []int{len(queries[0].Keys), len(queries[1].Keys), len(queries[2].Keys)}
	assert.Equal(t, []int{250, 250, 100}, sizes)
	assert.Equal(t, 600, res.Reconciled)
	assert.Equal(t, 3, res.Batches)
	assert.Len(t, f.bus.OfType(entrackevents.RefreshBatchIssued), 3)
	for _, i := range []int{0, 299, 599} {
		assert.Equal(t, "fresh", loaded[i].(*testmodel.Customer).Name)
	}
	assert.Equal(t, 600, f.state.Count(objectstate.Unchanged))
}

func TestRefreshBatchSizeOption(t *testing.T) {
	f, loaded := setupRefresh(t, 5)
	b := refresh.NewBatcher(f.state, f.merger, f.store, refresh.WithBatchSize(2))
	res, err := b.Refresh(context.Background(), refresh.StoreWins, loaded)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 2, b.BatchSize())
}

func TestStoreWinsDiscardsEditsAndEvictsRemovedRows(t *testing.T) {
	f, loaded := setupRefresh(t, 3)
	c1 := loaded[0].(*testmodel.Customer)
	c1.Name = "local"
	require.NoError(t, f.state.DetectChanges())
	f.remove(t, 2)

	res, err := f.batcher.Refresh(context.Background(), refresh.StoreWins, loaded)
	require.NoError(t, err)

	assert.Equal(t, "c", c1.Name)
	e1, _ := f.state.FindEntryByObject(c1)
	assert.Equal(t, objectstate.Unchanged, e1.State())
	_, tracked := f.state.FindEntryByObject(loaded[1])
	assert.False(t, tracked, "row removed upstream is detached")
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 2, res.Reconciled)
}

func TestStoreWinsRestoresDeletedEntry(t *testing.T) {
	f, loaded := setupRefresh(t, 1)
	e, _ := f.state.FindEntryByObject(loaded[0])
	require.NoError(t, e.Delete(true))

	_, err := f.batcher.Refresh(context.Background(), refresh.StoreWins, loaded)
	require.NoError(t, err)
	assert.Equal(t, objectstate.Unchanged, e.State())
}

func TestStoreWinsRemovalLeavesDependentsAlone(t *testing.T) {
	f, loaded := setupRefresh(t, 1)
	orders, _ := f.state.Workspace().EntitySet("Orders")
	o, err := f.merger.Merge(orders, store.Row{"ID": int64(5), "CustomerID": int64(1)}, merge.AppendOnly)
	require.NoError(t, err)
	f.remove(t, 1)

	_, err = f.batcher.Refresh(context.Background(), refresh.StoreWins, loaded)
	require.NoError(t, err)

	oe, _ := f.state.FindEntryByObject(o)
	assert.Equal(t, objectstate.Unchanged, oe.State())
	assert.Equal(t, int64(1), *o.(*testmodel.Order).CustomerID, "foreign key is not nulled")
}

func TestClientWinsKeepsEditsAndMarksAllModified(t *testing.T) {
	f, loaded := setupRefresh(t, 2)
	f.update(t, 1, "server")
	f.update(t, 2, "server")
	c1 := loaded[0].(*testmodel.Customer)
	c1.Name = "client"
	require.NoError(t, f.state.DetectChanges())

	_, err := f.batcher.Refresh(context.Background(), refresh.ClientWins, loaded)
	require.NoError(t, err)

	assert.Equal(t, "client", c1.Name)
	e1, _ := f.state.FindEntryByObject(c1)
	assert.Equal(t, objectstate.Modified, e1.State())
	assert.Equal(t, []string{"Name", "Email"}, e1.ModifiedMembers())
	orig, err := e1.OriginalValue("Name")
	require.NoError(t, err)
	assert.Equal(t, "server", orig)

	assert.Equal(t, "server", loaded[1].(*testmodel.Customer).Name, "unmodified entity takes store values")
}

func TestClientWinsFollowsForeignKeyMovedUpstream(t *testing.T) {
	f, loaded := setupRefresh(t, 2)
	orders, _ := f.state.Workspace().EntitySet("Orders")
	require.NoError(t, f.store.Seed("Orders", []string{"ID"}, store.Row{"ID": int64(5), "CustomerID": int64(1), "Total": 3.0}))
	o, err := f.merger.Merge(orders, store.Row{"ID": int64(5), "CustomerID": int64(1), "Total": 3.0}, merge.AppendOnly)
	require.NoError(t, err)
	order := o.(*testmodel.Order)
	c1, c2 := loaded[0].(*testmodel.Customer), loaded[1].(*testmodel.Customer)
	require.Same(t, c1, order.Customer)

	_, err = f.store.Execute(context.Background(), []store.Command{{
		Kind: store.Update, EntitySet: "Orders", KeyMembers: []string{"ID"},
		Key: []interface{}{int64(5)}, Values: store.Row{"CustomerID": int64(2)},
	}})
	require.NoError(t, err)

	_, err = f.batcher.Refresh(context.Background(), refresh.ClientWins, []interface{}{order})
	require.NoError(t, err)

	assert.Equal(t, int64(2), *order.CustomerID)
	assert.Same(t, c2, order.Customer)
	assert.Empty(t, c1.Orders)
	assert.Equal(t, []*testmodel.Order{order}, c2.Orders)
	rels := f.state.RelationshipEntries(objectstate.AllTracked)
	require.Len(t, rels, 1)
	assert.Equal(t, "Customers(ID=2)", rels[0].Relationship().Principal.String())
	assert.Equal(t, objectstate.Unchanged, rels[0].State())
	oe, _ := f.state.FindEntryByObject(order)
	assert.Equal(t, objectstate.Unchanged, oe.State())
	require.NoError(t, f.state.Verify())
}

func TestClientWinsAggregatesMissingKeys(t *testing.T) {
	f, loaded := setupRefresh(t, 4)
	f.remove(t, 2)
	f.remove(t, 4)
	deleted, _ := f.state.FindEntryByObject(loaded[2])
	require.NoError(t, deleted.Delete(true))
	f.remove(t, 3)

	_, err := f.batcher.Refresh(context.Background(), refresh.ClientWins, loaded)
	require.Error(t, err)
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeClientEntityRemoved))
	var gi *entrackerrors.GraphIntegrityError
	require.ErrorAs(t, err, &gi)
	assert.Equal(t, []string{"Customers(ID=2)", "Customers(ID=4)"}, gi.Keys)
	assert.Equal(t, objectstate.Detached, deleted.State(), "deleted entity missing upstream is accepted")
}

func TestRefreshValidatesTargets(t *testing.T) {
	f, loaded := setupRefresh(t, 2)
	added := &testmodel.Customer{Name: "new"}
	scope := f.state.Begin(objectstate.OpAdd)
	_, err := f.state.AddEntry(scope, added, objectstate.EntityKey{}, f.customers, objectstate.Added)
	scope.End()
	require.NoError(t, err)

	tests := []struct {
		name    string
		targets []interface{}
		code    entrackerrors.Code
		index   int
	}{
		{name: "untracked", targets: []interface{}{loaded[0], &testmodel.Customer{ID: 9}}, code: entrackerrors.CodeNotTracked, index: 1},
		{name: "added", targets: []interface{}{added}, code: entrackerrors.CodeCannotRefreshAdded, index: 0},
		{name: "duplicate", targets: []interface{}{loaded[0], loaded[1], loaded[0]}, code: entrackerrors.CodeDuplicateInRefresh, index: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.batcher.Refresh(context.Background(), refresh.StoreWins, tt.targets)
			require.Error(t, err)
			assert.True(t, entrackerrors.HasCode(err, tt.code))
			assert.Contains(t, err.Error(), "element")
			assert.Empty(t, f.store.Queries(), "nothing is queried for invalid input")
		})
	}
}

func TestRefreshAcceptsKeys(t *testing.T) {
	f, loaded := setupRefresh(t, 1)
	e, _ := f.state.FindEntryByObject(loaded[0])
	f.update(t, 1, "by-key")

	_, err := f.batcher.Refresh(context.Background(), refresh.StoreWins, []interface{}{e.Key()})
	require.NoError(t, err)
	assert.Equal(t, "by-key", loaded[0].(*testmodel.Customer).Name)
}

type rogueConn struct {
	*memory.Store
}

func (r rogueConn) Query(ctx context.Context, q store.Query) (store.RowIterator, error) {
	return store.NewSliceIterator([]store.Row{{"ID": int64(99), "Name": "rogue"}}), nil
}

func TestUnexpectedRowAbortsRefresh(t *testing.T) {
	f, loaded := setupRefresh(t, 1)
	b := refresh.NewBatcher(f.state, f.merger, rogueConn{f.store})

	_, err := b.Refresh(context.Background(), refresh.StoreWins, loaded)
	require.Error(t, err)
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeUnexpectedEntityInResult))
	assert.Contains(t, err.Error(), "Customers(ID=99)")
}

func TestRefreshStopsWhenCancelled(t *testing.T) {
	f, loaded := setupRefresh(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.batcher.Refresh(ctx, refresh.StoreWins, loaded)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.store.Queries())
}

func TestParseMode(t *testing.T) {
	m, err := refresh.ParseMode("client")
	require.NoError(t, err)
	assert.Equal(t, refresh.ClientWins, m)
	_, err = refresh.ParseMode("both")
	assert.Error(t, err)
}
