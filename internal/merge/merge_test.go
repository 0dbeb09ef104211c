package merge_test

import (
	"context"
	"testing"

	"github.com/gxo-labs/entrack/internal/merge"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/testmodel"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMerge(t *testing.T) (*objectstate.Manager, *merge.Coordinator, *metadata.EntitySet) {
	t.Helper()
	ws := testmodel.Workspace(t)
	m := objectstate.NewManager(ws)
	customers, ok := ws.EntitySet("Customers")
	require.True(t, ok)
	return m, merge.NewCoordinator(m, nil), customers
}

func row(id int64, name string, email interface{}) store.Row {
	return store.Row{"ID": id, "Name": name, "Email": email}
}

func TestMergeCreatesUnchangedEntry(t *testing.T) {
	m, c, customers := setupMerge(t)

	obj, err := c.Merge(customers, row(1, "ann", "a@x"), merge.AppendOnly)
	require.NoError(t, err)

	cust, ok := obj.(*testmodel.Customer)
	require.True(t, ok)
	assert.Equal(t, "ann", cust.Name)
	require.NotNil(t, cust.Email)
	assert.Equal(t, "a@x", *cust.Email)
	e, ok := m.FindEntryByObject(cust)
	require.True(t, ok)
	assert.Equal(t, objectstate.Unchanged, e.State())
	assert.Equal(t, "Customers(ID=1)", e.Key().String())
}

func TestMergeReturnsTrackedObjectForSameKey(t *testing.T) {
	_, c, customers := setupMerge(t)
	first, err := c.Merge(customers, row(1, "ann", nil), merge.AppendOnly)
	require.NoError(t, err)
	second, err := c.Merge(customers, row(1, "ann", nil), merge.AppendOnly)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestMergeOptions(t *testing.T) {
	tests := []struct {
		name      string
		opt       merge.Option
		modify    bool
		wantName  string
		wantEmail string
		wantState objectstate.EntityState
	}{
		{name: "append only keeps client values", opt: merge.AppendOnly, wantName: "V", wantEmail: "old", wantState: objectstate.Unchanged},
		{name: "overwrite takes store values", opt: merge.OverwriteChanges, wantName: "V2", wantEmail: "new", wantState: objectstate.Unchanged},
		{name: "overwrite clears modifications", opt: merge.OverwriteChanges, modify: true, wantName: "V2", wantEmail: "new", wantState: objectstate.Unchanged},
		{name: "preserve refreshes unmodified members", opt: merge.PreserveChanges, wantName: "V2", wantEmail: "new", wantState: objectstate.Unchanged},
		{name: "preserve keeps modified members", opt: merge.PreserveChanges, modify: true, wantName: "V", wantEmail: "new", wantState: objectstate.Modified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c, customers := setupMerge(t)
			obj, err := c.Merge(customers, row(1, "V", "old"), merge.AppendOnly)
			require.NoError(t, err)
			cust := obj.(*testmodel.Customer)
			e, _ := m.FindEntryByObject(cust)
			if tt.modify {
				cust.Name = "V"
				require.NoError(t, e.SetModifiedMember("Name"))
			}

			_, err = c.Merge(customers, row(1, "V2", "new"), tt.opt)
			require.NoError(t, err)

			assert.Equal(t, tt.wantName, cust.Name)
			assert.Equal(t, tt.wantEmail, *cust.Email)
			assert.Equal(t, tt.wantState, e.State())
			if tt.opt == merge.OverwriteChanges {
				assert.Empty(t, e.ModifiedMembers())
			}
			if tt.opt == merge.PreserveChanges && tt.modify {
				orig, err := e.OriginalValue("Name")
				require.NoError(t, err)
				assert.Equal(t, "V2", orig, "row becomes the original")
				assert.Equal(t, []string{"Name"}, e.ModifiedMembers())
			}
		})
	}
}

func TestPreserveChangesDropsModificationMatchingStore(t *testing.T) {
	m, c, customers := setupMerge(t)
	obj, err := c.Merge(customers, row(1, "ann", nil), merge.AppendOnly)
	require.NoError(t, err)
	cust := obj.(*testmodel.Customer)
	e, _ := m.FindEntryByObject(cust)
	cust.Name = "bob"
	require.NoError(t, m.DetectChanges())
	require.Equal(t, objectstate.Modified, e.State())

	_, err = c.Merge(customers, row(1, "bob", nil), merge.PreserveChanges)
	require.NoError(t, err)
	assert.Equal(t, objectstate.Unchanged, e.State())
}

func TestPreserveChangesLeavesDeletedEntry(t *testing.T) {
	m, c, customers := setupMerge(t)
	obj, err := c.Merge(customers, row(1, "ann", nil), merge.AppendOnly)
	require.NoError(t, err)
	e, _ := m.FindEntryByObject(obj)
	require.NoError(t, e.Delete(true))

	_, err = c.Merge(customers, row(1, "zed", nil), merge.PreserveChanges)
	require.NoError(t, err)
	assert.Equal(t, objectstate.Deleted, e.State())
	assert.Equal(t, "ann", obj.(*testmodel.Customer).Name)
}

func TestMergeRowOfPendingInsertIsReAddConflict(t *testing.T) {
	m, c, customers := setupMerge(t)

	// The key member holds the value the store will report, while the entry
	// is still indexed under its temporary key.
	cust := &testmodel.Customer{ID: 4}
	scope := m.Begin(objectstate.OpAdd)
	added, err := m.AddEntry(scope, cust, objectstate.EntityKey{}, customers, objectstate.Added)
	scope.End()
	require.NoError(t, err)
	require.True(t, added.Key().IsTemporary())

	pending, ok := m.FindPendingInsert(mustKey(t, 4))
	require.True(t, ok)
	assert.Same(t, added, pending)
	_, ok = m.FindPendingInsert(mustKey(t, 5))
	assert.False(t, ok)

	for _, opt := range []merge.Option{merge.AppendOnly, merge.OverwriteChanges, merge.PreserveChanges} {
		_, err = c.Merge(customers, row(4, "store", nil), opt)
		require.Error(t, err, opt.String())
		assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeReAddNotAllowed), opt.String())
	}
	assert.Equal(t, 1, m.Count(objectstate.AllTracked))
	assert.Equal(t, objectstate.Added, added.State())
	assert.Empty(t, cust.Name)
	require.NoError(t, m.Verify())

	detached, err := c.Merge(customers, row(4, "store", nil), merge.NoTracking)
	require.NoError(t, err)
	assert.NotSame(t, cust, detached)
}

func mustKey(t *testing.T, id int64) objectstate.EntityKey {
	t.Helper()
	k, err := objectstate.NewEntityKey("Customers", []objectstate.KeyMember{{Name: "ID", Value: id}})
	require.NoError(t, err)
	return k
}

func TestNoTrackingLeavesMapAlone(t *testing.T) {
	m, c, customers := setupMerge(t)
	a, err := c.Merge(customers, row(1, "ann", nil), merge.NoTracking)
	require.NoError(t, err)
	b, err := c.Merge(customers, row(1, "ann", nil), merge.NoTracking)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 0, m.Count(objectstate.AllTracked))
}

func TestMergePromotesKeyStub(t *testing.T) {
	ws := testmodel.Workspace(t)
	m := objectstate.NewManager(ws)
	c := merge.NewCoordinator(m, nil)
	orders, _ := ws.EntitySet("Orders")
	customers, _ := ws.EntitySet("Customers")

	o, err := c.Merge(orders, store.Row{"ID": int64(10), "CustomerID": int64(1), "Total": 2.5}, merge.AppendOnly)
	require.NoError(t, err)
	require.Len(t, m.KeyStubs(), 1)

	cust, err := c.Merge(customers, row(1, "ann", nil), merge.AppendOnly)
	require.NoError(t, err)

	assert.Empty(t, m.KeyStubs())
	assert.Same(t, cust, o.(*testmodel.Order).Customer)
	assert.Equal(t, []*testmodel.Order{o.(*testmodel.Order)}, cust.(*testmodel.Customer).Orders)
	require.NoError(t, m.Verify())
}

func TestOverwriteRelinksChangedForeignKey(t *testing.T) {
	ws := testmodel.Workspace(t)
	m := objectstate.NewManager(ws)
	c := merge.NewCoordinator(m, nil)
	orders, _ := ws.EntitySet("Orders")
	customers, _ := ws.EntitySet("Customers")

	c1, err := c.Merge(customers, row(1, "a", nil), merge.AppendOnly)
	require.NoError(t, err)
	c2, err := c.Merge(customers, row(2, "b", nil), merge.AppendOnly)
	require.NoError(t, err)
	o, err := c.Merge(orders, store.Row{"ID": int64(10), "CustomerID": int64(1)}, merge.AppendOnly)
	require.NoError(t, err)
	require.Same(t, c1, o.(*testmodel.Order).Customer)

	_, err = c.Merge(orders, store.Row{"ID": int64(10), "CustomerID": int64(2)}, merge.OverwriteChanges)
	require.NoError(t, err)

	assert.Same(t, c2, o.(*testmodel.Order).Customer)
	assert.Empty(t, c1.(*testmodel.Customer).Orders)
	assert.Len(t, m.RelationshipEntries(objectstate.Unchanged), 1)
	assert.Empty(t, m.RelationshipEntries(objectstate.Added|objectstate.Deleted))
}

func TestPreserveChangesRelinksForeignKeyFromStore(t *testing.T) {
	ws := testmodel.Workspace(t)
	m := objectstate.NewManager(ws)
	c := merge.NewCoordinator(m, nil)
	orders, _ := ws.EntitySet("Orders")
	customers, _ := ws.EntitySet("Customers")

	c1, err := c.Merge(customers, row(1, "a", nil), merge.AppendOnly)
	require.NoError(t, err)
	c2, err := c.Merge(customers, row(2, "b", nil), merge.AppendOnly)
	require.NoError(t, err)
	o, err := c.Merge(orders, store.Row{"ID": int64(10), "CustomerID": int64(1), "Total": 1.0}, merge.AppendOnly)
	require.NoError(t, err)
	order := o.(*testmodel.Order)
	order.Total = 9.5
	require.NoError(t, m.DetectChanges())

	_, err = c.Merge(orders, store.Row{"ID": int64(10), "CustomerID": int64(2), "Total": 1.0}, merge.PreserveChanges)
	require.NoError(t, err)

	assert.Equal(t, 9.5, order.Total)
	assert.Same(t, c2, order.Customer)
	assert.Empty(t, c1.(*testmodel.Customer).Orders)
	assert.Equal(t, []*testmodel.Order{order}, c2.(*testmodel.Customer).Orders)

	rels := m.RelationshipEntries(objectstate.AllTracked)
	require.Len(t, rels, 1)
	assert.Equal(t, objectstate.Unchanged, rels[0].State())
	assert.Equal(t, "Customers(ID=2)", rels[0].Relationship().Principal.String())

	require.NoError(t, m.DetectChanges())
	assert.Same(t, c2, order.Customer)
	e, _ := m.FindEntryByObject(order)
	assert.Equal(t, objectstate.Modified, e.State())
	assert.False(t, e.IsMemberModified("CustomerID"))
	require.NoError(t, m.Verify())
}

func TestMergeAllStopsAtFirstFailure(t *testing.T) {
	m, c, customers := setupMerge(t)
	rows := []store.Row{row(1, "a", nil), {"Name": "keyless"}, row(3, "c", nil)}

	out, err := c.MergeAll(context.Background(), customers, store.NewSliceIterator(rows), merge.AppendOnly)
	require.Error(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 1, m.Count(objectstate.AllTracked))
}

func TestParseOption(t *testing.T) {
	o, err := merge.ParseOption("preservechanges")
	require.NoError(t, err)
	assert.Equal(t, merge.PreserveChanges, o)
	_, err = merge.ParseOption("merge")
	assert.Error(t, err)
}
