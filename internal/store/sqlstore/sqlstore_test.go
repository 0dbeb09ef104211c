package sqlstore_test

import (
	"context"
	"testing"

	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/store/sqlstore"
	"github.com/gxo-labs/entrack/internal/testmodel"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLite(t *testing.T) (*sqlstore.Store, *metadata.Workspace) {
	t.Helper()
	ws := testmodel.Workspace(t)
	s, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background(), ws))
	return s, ws
}

func insertCommand(set *metadata.EntitySet, values store.Row) store.Command {
	cmd := store.Command{
		Kind: store.Insert, EntitySet: set.Name, Table: set.Table, Columns: set.Columns(),
		KeyMembers: set.KeyMembers, Values: values,
	}
	for _, m := range set.Members {
		if m.StoreGenerated {
			cmd.Generated = append(cmd.Generated, m.Name)
		}
	}
	return cmd
}

func drain(t *testing.T, it store.RowIterator) []store.Row {
	t.Helper()
	var out []store.Row
	for it.Next() {
		out = append(out, it.Row())
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	return out
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.New("oracle", "")
	assert.Error(t, err)
}

func TestClosedStoreRejectsWork(t *testing.T) {
	s, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	assert.False(t, s.IsOpen())
	_, err = s.Query(context.Background(), store.Query{EntitySet: "Customers"})
	assert.ErrorIs(t, err, store.ErrConnectionClosed)
	_, err = s.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, store.ErrConnectionClosed)
}

func TestExecuteReturnsGeneratedKeysAndBindsForeignKeys(t *testing.T) {
	s, ws := setupSQLite(t)
	customers, _ := ws.EntitySet("Customers")
	orders, _ := ws.EntitySet("Orders")
	ctx := context.Background()

	order := insertCommand(orders, store.Row{"Total": 12.5})
	order.Bindings = []store.Binding{{Member: "CustomerID", FromCommand: 0, FromMember: "ID"}}
	results, err := s.Execute(ctx, []store.Command{
		insertCommand(customers, store.Row{"Name": "ann", "Email": nil}),
		order,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	customerID := results[0].Generated["ID"]
	require.NotNil(t, customerID)

	it, err := s.Query(ctx, orders.Query([]interface{}{results[1].Generated["ID"]}))
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 1)
	assert.Equal(t, customerID, rows[0]["CustomerID"])
	assert.Equal(t, 12.5, rows[0]["Total"])
}

func TestQueryByCompositeKeys(t *testing.T) {
	s, ws := setupSQLite(t)
	lines, _ := ws.EntitySet("Lines")
	ctx := context.Background()
	var cmds []store.Command
	for no := int64(1); no <= 3; no++ {
		cmds = append(cmds, insertCommand(lines, store.Row{"OrderID": int64(7), "No": no, "Qty": no * 10}))
	}
	_, err := s.Execute(ctx, cmds)
	require.NoError(t, err)

	it, err := s.Query(ctx, lines.Query([]interface{}{int64(7), int64(1)}, []interface{}{int64(7), int64(3)}, []interface{}{int64(8), int64(1)}))
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 2)
	qty := []interface{}{rows[0]["Qty"], rows[1]["Qty"]}
	assert.ElementsMatch(t, []interface{}{int64(10), int64(30)}, qty)
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	s, ws := setupSQLite(t)
	customers, _ := ws.EntitySet("Customers")
	ctx := context.Background()

	_, err := s.Execute(ctx, []store.Command{
		insertCommand(customers, store.Row{"Name": "ann"}),
		{Kind: store.Delete, EntitySet: "Customers", Columns: customers.Columns(), KeyMembers: []string{"ID"}, Key: []interface{}{int64(404)}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sqlstore.ErrRowNotFound)

	it, err := s.Query(ctx, customers.Query())
	require.NoError(t, err)
	assert.Empty(t, drain(t, it), "the insert was rolled back")
}

func TestUpdateAndDelete(t *testing.T) {
	s, ws := setupSQLite(t)
	customers, _ := ws.EntitySet("Customers")
	ctx := context.Background()
	res, err := s.Execute(ctx, []store.Command{insertCommand(customers, store.Row{"Name": "ann"})})
	require.NoError(t, err)
	id := res[0].Generated["ID"]

	key := []interface{}{id}
	_, err = s.Execute(ctx, []store.Command{{
		Kind: store.Update, EntitySet: "Customers", Columns: customers.Columns(),
		KeyMembers: []string{"ID"}, Key: key, Values: store.Row{"Name": "bea"},
	}})
	require.NoError(t, err)

	it, err := s.Query(ctx, customers.Query(key))
	require.NoError(t, err)
	rows := drain(t, it)
	require.Len(t, rows, 1)
	assert.Equal(t, "bea", rows[0]["Name"])
	assert.Nil(t, rows[0]["Email"])

	_, err = s.Execute(ctx, []store.Command{{
		Kind: store.Delete, EntitySet: "Customers", Columns: customers.Columns(), KeyMembers: []string{"ID"}, Key: key,
	}})
	require.NoError(t, err)
	it, err = s.Query(ctx, customers.Query(key))
	require.NoError(t, err)
	assert.Empty(t, drain(t, it))
}
