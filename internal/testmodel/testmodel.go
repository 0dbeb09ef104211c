// Package testmodel holds a small shop model and matching entity types
// shared by package tests.
package testmodel

import (
	"testing"

	"github.com/gxo-labs/entrack/internal/config"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/stretchr/testify/require"
)

// ModelYAML declares:
//   - Customers 1..* Orders, nullable FK, no cascade
//   - Orders 1..* Lines, required FK, no cascade (conceptual nulls)
//   - Orders 1..* Shipments, required FK, cascade delete
const ModelYAML = `
name: testshop
schemaVersion: "1.0.0"
entitySets:
  - name: Customers
    type: Customer
    members:
      - { name: ID, kind: int, key: true, storeGenerated: true }
      - { name: Name, kind: string }
      - { name: Email, kind: string, nullable: true }
  - name: Orders
    type: Order
    members:
      - { name: ID, kind: int, key: true, storeGenerated: true }
      - { name: CustomerID, kind: int, nullable: true }
      - { name: Total, kind: float }
  - name: Lines
    type: Line
    members:
      - { name: OrderID, kind: int, key: true }
      - { name: No, kind: int, key: true }
      - { name: Qty, kind: int }
  - name: Shipments
    type: Shipment
    members:
      - { name: ID, kind: int, key: true }
      - { name: OrderID, kind: int }
      - { name: Carrier, kind: string }
associations:
  - name: CustomerOrders
    principal: { entitySet: Customers, navigation: Orders }
    dependent: { entitySet: Orders, navigation: Customer }
    foreignKey: [CustomerID]
  - name: OrderLines
    principal: { entitySet: Orders, navigation: Lines }
    dependent: { entitySet: Lines, navigation: Order }
    foreignKey: [OrderID]
    required: true
  - name: OrderShipments
    principal: { entitySet: Orders }
    dependent: { entitySet: Shipments, navigation: Order }
    foreignKey: [OrderID]
    required: true
    onDelete: cascade
`

type Customer struct {
	ID     int64
	Name   string
	Email  *string
	Orders []*Order
}

type Order struct {
	ID         int64
	CustomerID *int64
	Total      float64
	Customer   *Customer
	Lines      []*Line
}

type Line struct {
	OrderID int64
	No      int64
	Qty     int64
	Order   *Order
}

type Shipment struct {
	ID      int64
	OrderID int64
	Carrier string
	Order   *Order
}

// Model loads ModelYAML.
func Model(t testing.TB) *config.Model {
	t.Helper()
	model, err := config.LoadModel([]byte(ModelYAML), "testshop.yaml")
	require.NoError(t, err)
	return model
}

// Workspace builds the workspace for ModelYAML with every type registered.
func Workspace(t testing.TB) *metadata.Workspace {
	t.Helper()
	ws, err := metadata.NewWorkspace(Model(t))
	require.NoError(t, err)
	Register(ws.Types())
	return ws
}

// Register adds constructors for the shop types.
func Register(r *metadata.TypeRegistry) {
	r.Register("Customer", func() interface{} { return &Customer{} })
	r.Register("Order", func() interface{} { return &Order{} })
	r.Register("Line", func() interface{} { return &Line{} })
	r.Register("Shipment", func() interface{} { return &Shipment{} })
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
