// Package store defines the boundary between the change-tracking core and the
// external store it reads rows from and sends changes to.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by Query and Execute when the connection has
// not been opened.
var ErrConnectionClosed = errors.New("store connection is not open")

// Row is a value bag keyed by member name (not column name).
type Row map[string]interface{}

// Query selects rows of one entity set. When Keys is empty every row of the
// set is returned; otherwise only rows whose key members equal one of Keys.
// Each element of Keys holds the key values in KeyMembers order.
type Query struct {
	EntitySet  string
	Table      string
	Members    []string
	Columns    map[string]string // member name -> column name
	KeyMembers []string
	Keys       [][]interface{}
}

// RowIterator is a forward-only cursor over query results.
type RowIterator interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// CommandKind is the kind of change a Command applies.
type CommandKind int

const (
	Insert CommandKind = iota
	Update
	Delete
)

func (k CommandKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Command is one row-level change produced by SaveChanges.
type Command struct {
	Kind       CommandKind
	EntitySet  string
	Table      string
	Columns    map[string]string
	KeyMembers []string
	// Key holds key values in KeyMembers order; empty for inserts whose key is
	// generated by the store.
	Key []interface{}
	// Values holds the members to write. For updates only modified members
	// are present.
	Values Row
	// Generated lists members the store assigns on insert and returns.
	Generated []string
	// Bindings copy values produced by earlier commands of the same batch
	// into Values before this command runs. Inserts of dependents whose
	// principal key is generated by the store rely on them.
	Bindings []Binding
}

// Binding fills Member of a command from FromMember of the command at index
// FromCommand, preferring that command's generated values.
type Binding struct {
	Member      string
	FromCommand int
	FromMember  string
}

// ResolveBindings applies c.Bindings using the results and commands executed
// so far. It is called by Updater implementations.
func ResolveBindings(c *Command, executed []Command, results []Result) error {
	if len(c.Bindings) > 0 && c.Values == nil {
		c.Values = Row{}
	}
	for _, b := range c.Bindings {
		if b.FromCommand < 0 || b.FromCommand >= len(results) {
			return fmt.Errorf("binding for '%s' refers to command %d which has not run", b.Member, b.FromCommand)
		}
		if v, ok := results[b.FromCommand].Generated[b.FromMember]; ok {
			c.Values[b.Member] = v
			continue
		}
		v, ok := executed[b.FromCommand].Values[b.FromMember]
		if !ok {
			return fmt.Errorf("binding for '%s': command %d has no value for '%s'", b.Member, b.FromCommand, b.FromMember)
		}
		c.Values[b.Member] = v
	}
	return nil
}

// Result carries store-generated values for the command at the same index.
type Result struct {
	Generated Row
}

// Connection is the session the core opens around refresh and query batches.
type Connection interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
	Query(ctx context.Context, q Query) (RowIterator, error)
}

// Updater applies commands atomically: either every command succeeds or none
// is visible.
type Updater interface {
	Execute(ctx context.Context, cmds []Command) ([]Result, error)
}

// Store is the full collaborator contract.
type Store interface {
	Connection
	Updater
}

// SliceIterator adapts an in-memory slice of rows to RowIterator.
type SliceIterator struct {
	rows []Row
	pos  int
}

// NewSliceIterator returns an iterator over rows.
func NewSliceIterator(rows []Row) *SliceIterator {
	return &SliceIterator{rows: rows, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.rows) {
		it.pos = len(it.rows)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Row() Row {
	if it.pos < 0 || it.pos >= len(it.rows) {
		return nil
	}
	return it.rows[it.pos]
}

func (it *SliceIterator) Err() error   { return nil }
func (it *SliceIterator) Close() error { return nil }

var _ RowIterator = (*SliceIterator)(nil)
