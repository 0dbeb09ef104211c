package members_test

import (
	"testing"
	"time"

	"github.com/gxo-labs/entrack/internal/members"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type base struct {
	Created time.Time
}

type customer struct {
	base
	ID     int
	Name   string
	Code   *string `entrack:"code"`
	secret string
	Orders []*order
}

type order struct {
	ID         int64
	CustomerID int
	Total      float64
	Paid       bool
	Customer   *customer
}

type named struct{ ID int }

func (named) EntityType() string { return "Alias" }

func TestTypeName(t *testing.T) {
	name, err := members.TypeName(&customer{})
	require.NoError(t, err)
	assert.Equal(t, "customer", name)

	name, err = members.TypeName(&named{})
	require.NoError(t, err)
	assert.Equal(t, "Alias", name)

	name, err = members.TypeName(members.NewRecord("Order"))
	require.NoError(t, err)
	assert.Equal(t, "Order", name)

	for _, bad := range []interface{}{nil, customer{}, (*customer)(nil), 5} {
		_, err := members.TypeName(bad)
		assert.ErrorIs(t, err, members.ErrNotEntity)
	}
}

func TestGetSetStruct(t *testing.T) {
	c := &customer{ID: 1, Name: "ada"}

	v, err := members.Get(c, "ID")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, members.Set(c, "ID", int64(42)))
	assert.Equal(t, 42, c.ID)

	v, err = members.Get(c, "code")
	require.NoError(t, err)
	assert.Nil(t, v)
	require.NoError(t, members.Set(c, "code", "X1"))
	require.NotNil(t, c.Code)
	assert.Equal(t, "X1", *c.Code)
	require.NoError(t, members.Set(c, "code", nil))
	assert.Nil(t, c.Code)

	now := time.Now()
	require.NoError(t, members.Set(c, "Created", now))
	assert.Equal(t, now, c.Created)

	_, err = members.Get(c, "secret")
	assert.ErrorIs(t, err, members.ErrUnknownMember)
	assert.False(t, members.Has(c, "secret"))
	assert.True(t, members.Has(c, "Orders"))
}

func TestSetConversions(t *testing.T) {
	o := &order{}
	require.NoError(t, members.Set(o, "Paid", int64(1)))
	assert.True(t, o.Paid)
	require.NoError(t, members.Set(o, "Total", 3))
	assert.Equal(t, 3.0, o.Total)
	require.NoError(t, members.Set(o, "CustomerID", 7.0))
	assert.Equal(t, 7, o.CustomerID)

	assert.Error(t, members.Set(o, "CustomerID", 7.5))
	assert.Error(t, members.Set(o, "CustomerID", "7"))
}

func TestSnapshotCopiesValues(t *testing.T) {
	r := members.NewRecordWith("Blob", map[string]interface{}{"ID": 1, "Data": []byte("ab")})
	snap, err := members.Snapshot(r, []string{"ID", "Data"})
	require.NoError(t, err)
	r.Get("Data").([]byte)[0] = 'z'
	assert.Equal(t, []byte("ab"), snap["Data"])
	assert.Equal(t, []string{"Data", "ID"}, r.Names())
}

func TestNavigations(t *testing.T) {
	c := &customer{ID: 1}
	o1, o2 := &order{ID: 10}, &order{ID: 11}

	require.NoError(t, members.SetReference(o1, "Customer", c))
	ref, err := members.Reference(o1, "Customer")
	require.NoError(t, err)
	assert.Same(t, c, ref)

	ref, err = members.Reference(o2, "Customer")
	require.NoError(t, err)
	assert.Nil(t, ref)

	require.NoError(t, members.AddToCollection(c, "Orders", o1))
	require.NoError(t, members.AddToCollection(c, "Orders", o2))
	require.NoError(t, members.AddToCollection(c, "Orders", o1))
	items, err := members.Collection(c, "Orders")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.NoError(t, members.RemoveFromCollection(c, "Orders", o1))
	assert.Equal(t, []*order{o2}, c.Orders)

	assert.Error(t, members.SetReference(o1, "Customer", &order{}))
	_, err = members.Collection(c, "Name")
	assert.Error(t, err)
}

func TestRecordNavigations(t *testing.T) {
	p := members.NewRecord("Customer")
	d := members.NewRecord("Order")

	require.NoError(t, members.SetReference(d, "Customer", p))
	require.NoError(t, members.AddToCollection(p, "Orders", d))
	require.NoError(t, members.AddToCollection(p, "Orders", d))
	items, err := members.Collection(p, "Orders")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, members.RemoveFromCollection(p, "Orders", d))
	items, _ = members.Collection(p, "Orders")
	assert.Empty(t, items)
	require.NoError(t, members.SetReference(d, "Customer", nil))
	ref, _ := members.Reference(d, "Customer")
	assert.Nil(t, ref)
}

func TestEqual(t *testing.T) {
	s := "x"
	testCases := []struct {
		name string
		a, b interface{}
		want bool
	}{
		{"int widths", int32(5), int64(5), true},
		{"int vs float", 5, 5.0, true},
		{"uint vs int", uint8(3), 3, true},
		{"different ints", 1, 2, false},
		{"nil vs nil pointer", nil, (*int)(nil), true},
		{"pointer deref", &s, "x", true},
		{"bytes", []byte("a"), []byte("a"), true},
		{"bytes differ", []byte("a"), []byte("b"), false},
		{"time instant", time.Unix(10, 0).UTC(), time.Unix(10, 0).In(time.FixedZone("X", 3600)), true},
		{"string vs int", "1", 1, false},
		{"nil vs value", nil, 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, members.Equal(tc.a, tc.b))
		})
	}
}

func TestSame(t *testing.T) {
	a, b := &order{ID: 1}, &order{ID: 1}
	assert.True(t, members.Same(a, a))
	assert.False(t, members.Same(a, b))
	assert.False(t, members.Same(a, nil))
	assert.True(t, members.Same(nil, nil))
}
