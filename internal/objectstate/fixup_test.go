package objectstate_test

import (
	"testing"

	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/testmodel"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixupLinksNavigationFromForeignKey(t *testing.T) {
	m, _, _ := setupManager(t)
	c := &testmodel.Customer{ID: 1}
	attach(t, m, "Customers", c)
	o := &testmodel.Order{ID: 2, CustomerID: testmodel.Int64(1)}
	oe := attach(t, m, "Orders", o)

	assert.Same(t, c, o.Customer)
	assert.Equal(t, []*testmodel.Order{o}, c.Orders)
	assert.Equal(t, objectstate.Unchanged, oe.State(), "matching foreign key is not a modification")
	rels := m.RelationshipEntries(objectstate.Unchanged)
	require.Len(t, rels, 1)
	assert.Equal(t, "CustomerOrders", rels[0].Relationship().Association.Name)
}

func TestFixupSetsForeignKeyFromNavigation(t *testing.T) {
	m, _, _ := setupManager(t)
	c := &testmodel.Customer{ID: 4}
	attach(t, m, "Customers", c)
	o := &testmodel.Order{ID: 2, Customer: c}
	oe := attach(t, m, "Orders", o)

	require.NotNil(t, o.CustomerID)
	assert.Equal(t, int64(4), *o.CustomerID)
	assert.Equal(t, objectstate.Modified, oe.State())
	assert.Equal(t, []string{"CustomerID"}, oe.ModifiedMembers())
	orig, err := oe.OriginalValue("CustomerID")
	require.NoError(t, err)
	assert.Nil(t, orig)
	assert.Len(t, m.RelationshipEntries(objectstate.Added), 1)
}

func TestDeletePrincipalNullsOptionalForeignKey(t *testing.T) {
	m, _, _ := setupManager(t)
	c := &testmodel.Customer{ID: 1}
	ce := attach(t, m, "Customers", c)
	o := &testmodel.Order{ID: 2, CustomerID: testmodel.Int64(1)}
	oe := attach(t, m, "Orders", o)

	require.NoError(t, ce.Delete(true))

	assert.Nil(t, o.CustomerID)
	assert.Nil(t, o.Customer)
	assert.Empty(t, c.Orders)
	assert.Equal(t, objectstate.Modified, oe.State())
	require.NoError(t, m.AcceptAllChanges())
	assert.Equal(t, objectstate.Detached, ce.State())
	assert.Equal(t, objectstate.Unchanged, oe.State())
	assert.Empty(t, m.RelationshipEntries(objectstate.AllTracked))
}

func TestDeletePrincipalCascades(t *testing.T) {
	m, _, _ := setupManager(t)
	o := &testmodel.Order{ID: 1}
	oe := attach(t, m, "Orders", o)
	s := &testmodel.Shipment{ID: 9, OrderID: 1, Carrier: "ups"}
	se := attach(t, m, "Shipments", s)
	require.Same(t, o, s.Order)

	require.NoError(t, oe.Delete(true))
	assert.Equal(t, objectstate.Deleted, se.State())

	require.NoError(t, m.AcceptAllChanges())
	assert.Equal(t, 0, m.Count(objectstate.AllTracked))
}

func TestDeletePrincipalWithoutFixupLeavesDependents(t *testing.T) {
	m, _, _ := setupManager(t)
	o := &testmodel.Order{ID: 1}
	oe := attach(t, m, "Orders", o)
	se := attach(t, m, "Shipments", &testmodel.Shipment{ID: 9, OrderID: 1})

	require.NoError(t, oe.Delete(false))
	assert.Equal(t, objectstate.Unchanged, se.State())
}

func TestConceptualNullBlocksCommit(t *testing.T) {
	m, _, _ := setupManager(t)
	o := &testmodel.Order{ID: 1}
	oe := attach(t, m, "Orders", o)
	l := &testmodel.Line{OrderID: 1, No: 1, Qty: 2}
	le := attach(t, m, "Lines", l)
	require.Same(t, o, l.Order)

	require.NoError(t, oe.Delete(true))
	assert.True(t, le.HasConceptualNull())
	assert.Equal(t, objectstate.Unchanged, le.State())

	err := m.AcceptAllChanges()
	require.Error(t, err)
	assert.True(t, entrackerrors.IsGraphIntegrity(err))
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeConceptualNull))
	assert.Contains(t, err.Error(), "Lines(OrderID=1,No=1)")
	assert.Equal(t, objectstate.Deleted, oe.State(), "a failed commit accepts nothing")

	require.NoError(t, le.Delete(true))
	require.NoError(t, m.AcceptAllChanges())
	assert.Equal(t, 0, m.Count(objectstate.AllTracked))
}

func TestRevertDeleteClearsConceptualNulls(t *testing.T) {
	m, _, _ := setupManager(t)
	oe := attach(t, m, "Orders", &testmodel.Order{ID: 1})
	le := attach(t, m, "Lines", &testmodel.Line{OrderID: 1, No: 1})

	require.NoError(t, oe.Delete(true))
	require.True(t, le.HasConceptualNull())
	require.NoError(t, oe.RevertDelete())

	assert.False(t, le.HasConceptualNull())
	assert.Len(t, m.RelationshipEntries(objectstate.Unchanged), 1, "relationship restored with its endpoint")
	require.NoError(t, m.AcceptAllChanges())
}

func TestDetectChangesRelinksForeignKey(t *testing.T) {
	m, _, _ := setupManager(t)
	c1 := &testmodel.Customer{ID: 1}
	c2 := &testmodel.Customer{ID: 2}
	attach(t, m, "Customers", c1)
	attach(t, m, "Customers", c2)
	o := &testmodel.Order{ID: 5, CustomerID: testmodel.Int64(1)}
	attach(t, m, "Orders", o)
	require.Same(t, c1, o.Customer)

	o.CustomerID = testmodel.Int64(2)
	o.Customer = nil
	require.NoError(t, m.DetectChanges())

	assert.Same(t, c2, o.Customer)
	assert.Empty(t, c1.Orders)
	assert.Equal(t, []*testmodel.Order{o}, c2.Orders)
	assert.Len(t, m.RelationshipEntries(objectstate.Added), 1)
	assert.Len(t, m.RelationshipEntries(objectstate.Deleted), 1)
}

func TestDetectChangesFollowsReferenceNavigation(t *testing.T) {
	m, _, _ := setupManager(t)
	c1 := &testmodel.Customer{ID: 1}
	c2 := &testmodel.Customer{ID: 2}
	attach(t, m, "Customers", c1)
	attach(t, m, "Customers", c2)
	o := &testmodel.Order{ID: 5, CustomerID: testmodel.Int64(1)}
	oe := attach(t, m, "Orders", o)

	o.Customer = c2
	require.NoError(t, m.DetectChanges())

	assert.Equal(t, int64(2), *o.CustomerID)
	assert.True(t, oe.IsMemberModified("CustomerID"))
	assert.Empty(t, c1.Orders)
	assert.Equal(t, []*testmodel.Order{o}, c2.Orders)
}

func TestForeignKeyOfTemporaryPrincipalMarkedModified(t *testing.T) {
	m, _, _ := setupManager(t)
	o := &testmodel.Order{ID: 5}
	oe := attach(t, m, "Orders", o)
	c := &testmodel.Customer{Name: "new"}
	add(t, m, "Customers", c)

	o.Customer = c
	require.NoError(t, m.DetectChanges())
	assert.True(t, oe.IsMemberModified("CustomerID"))

	c.ID = 77
	require.NoError(t, m.AcceptAllChanges())
	assert.Equal(t, int64(77), *o.CustomerID)
	assert.Equal(t, objectstate.Unchanged, oe.State())
}
