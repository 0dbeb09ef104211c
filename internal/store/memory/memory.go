// Package memory implements store.Store over in-process maps. Every read
// returns copies, so callers can never alias stored rows. The store records
// the queries it receives and can be told to fail, which makes it the store
// of choice for tests and for embedding.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/util"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
)

// ErrRowNotFound is returned by Execute for updates and deletes whose key is
// not stored.
var ErrRowNotFound = errors.New("row not found")

// ErrDuplicateRow is returned by Execute for inserts of an existing key.
var ErrDuplicateRow = errors.New("row already exists")

type table struct {
	keyMembers []string
	rows       map[string]store.Row
	order      []string
	nextID     int64
}

func newTable(keyMembers []string) *table {
	return &table{keyMembers: append([]string(nil), keyMembers...), rows: make(map[string]store.Row), nextID: 1}
}

func (t *table) clone() *table {
	c := &table{
		keyMembers: t.keyMembers,
		rows:       make(map[string]store.Row, len(t.rows)),
		order:      append([]string(nil), t.order...),
		nextID:     t.nextID,
	}
	for k, r := range t.rows {
		c.rows[k] = r
	}
	return c
}

// Store is a volatile, mutex-protected store.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]*table
	open    bool
	opens   int
	queries []store.Query

	failOpens   int
	openErr     error
	queryErr    error
	executeErr  error
	executeRuns int
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// keyString renders key values canonically; integral floats equal ints.
func keyString(values []interface{}) string {
	parts := make([]string, len(values))
	for i, v := range values {
		n := members.Normalize(v)
		if f, ok := n.(float64); ok && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
			n = int64(f)
		}
		parts[i] = fmt.Sprintf("%T:%v", n, n)
	}
	return strings.Join(parts, "\x00")
}

func rowKey(keyMembers []string, row store.Row) ([]interface{}, error) {
	out := make([]interface{}, len(keyMembers))
	for i, k := range keyMembers {
		v, ok := row[k]
		if !ok || v == nil {
			return nil, fmt.Errorf("row has no value for key member '%s'", k)
		}
		out[i] = v
	}
	return out, nil
}

func (s *Store) tableFor(set string, keyMembers []string) *table {
	t, ok := s.tables[set]
	if !ok {
		t = newTable(keyMembers)
		s.tables[set] = t
	}
	return t
}

// Seed stores rows for set directly, bypassing the open check.
func (s *Store) Seed(set string, keyMembers []string, rows ...store.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableFor(set, keyMembers)
	for _, r := range rows {
		key, err := rowKey(t.keyMembers, r)
		if err != nil {
			return fmt.Errorf("seed %s: %w", set, err)
		}
		ks := keyString(key)
		if _, exists := t.rows[ks]; !exists {
			t.order = append(t.order, ks)
		}
		t.rows[ks] = store.Row(util.CopyValues(r))
		bumpID(t, key)
	}
	return nil
}

func bumpID(t *table, key []interface{}) {
	if len(key) != 1 {
		return
	}
	if id, ok := members.Normalize(key[0]).(int64); ok && id >= t.nextID {
		t.nextID = id + 1
	}
}

// Open marks the connection open. FailOpens makes the next calls fail.
func (s *Store) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOpens > 0 {
		s.failOpens--
		return s.openErr
	}
	s.open = true
	s.opens++
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// Query returns copies of the matching rows, restricted to q.Members.
func (s *Store) Query(ctx context.Context, q store.Query) (store.RowIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, store.ErrConnectionClosed
	}
	recorded := q
	recorded.Keys = append([][]interface{}(nil), q.Keys...)
	s.queries = append(s.queries, recorded)
	if s.queryErr != nil {
		err := s.queryErr
		s.queryErr = nil
		return nil, err
	}

	t, ok := s.tables[q.EntitySet]
	if !ok {
		return store.NewSliceIterator(nil), nil
	}
	var out []store.Row
	if len(q.Keys) == 0 {
		for _, ks := range t.order {
			out = append(out, project(t.rows[ks], q.Members))
		}
	} else {
		seen := make(map[string]bool, len(q.Keys))
		for _, key := range q.Keys {
			ks := keyString(key)
			if r, ok := t.rows[ks]; ok && !seen[ks] {
				seen[ks] = true
				out = append(out, project(r, q.Members))
			}
		}
	}
	return store.NewSliceIterator(out), nil
}

func project(r store.Row, names []string) store.Row {
	if len(names) == 0 {
		return store.Row(util.CopyValues(r))
	}
	out := make(store.Row, len(names))
	for _, n := range names {
		if v, ok := r[n]; ok {
			out[n] = util.CopyValue(v)
		}
	}
	return out
}

// Execute applies cmds atomically: the tables are only replaced once every
// command succeeded.
func (s *Store) Execute(ctx context.Context, cmds []store.Command) ([]store.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, store.ErrConnectionClosed
	}
	s.executeRuns++
	if s.executeErr != nil {
		err := s.executeErr
		s.executeErr = nil
		return nil, err
	}

	working := make(map[string]*table, len(s.tables))
	for name, t := range s.tables {
		working[name] = t.clone()
	}
	results := make([]store.Result, len(cmds))
	executed := make([]store.Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		c.Values = store.Row(util.CopyValues(c.Values))
		if c.Values == nil {
			c.Values = store.Row{}
		}
		if err := store.ResolveBindings(&c, executed, results); err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		t, ok := working[c.EntitySet]
		if !ok {
			t = newTable(c.KeyMembers)
			working[c.EntitySet] = t
		}
		res, err := apply(t, &c)
		if err != nil {
			return nil, fmt.Errorf("%s %s (command %d): %w", c.Kind, c.EntitySet, i, err)
		}
		results[i] = res
		executed = append(executed, c)
	}
	s.tables = working
	return results, nil
}

func apply(t *table, c *store.Command) (store.Result, error) {
	var res store.Result
	switch c.Kind {
	case store.Insert:
		for _, g := range c.Generated {
			if v, ok := c.Values[g]; ok && !isZero(v) {
				continue
			}
			if res.Generated == nil {
				res.Generated = store.Row{}
			}
			res.Generated[g] = t.nextID
			c.Values[g] = t.nextID
			t.nextID++
		}
		key, err := rowKey(t.keyMembers, c.Values)
		if err != nil {
			return res, err
		}
		ks := keyString(key)
		if _, exists := t.rows[ks]; exists {
			return res, ErrDuplicateRow
		}
		t.rows[ks] = c.Values
		t.order = append(t.order, ks)
		bumpID(t, key)
	case store.Update:
		ks := keyString(c.Key)
		r, ok := t.rows[ks]
		if !ok {
			return res, ErrRowNotFound
		}
		updated := store.Row(util.CopyValues(r))
		for k, v := range c.Values {
			updated[k] = v
		}
		t.rows[ks] = updated
	case store.Delete:
		ks := keyString(c.Key)
		if _, ok := t.rows[ks]; !ok {
			return res, ErrRowNotFound
		}
		delete(t.rows, ks)
		for i, o := range t.order {
			if o == ks {
				t.order = append(t.order[:i:i], t.order[i+1:]...)
				break
			}
		}
	default:
		return res, fmt.Errorf("unknown command kind %d", int(c.Kind))
	}
	return res, nil
}

func isZero(v interface{}) bool {
	switch n := members.Normalize(v).(type) {
	case nil:
		return true
	case int64:
		return n == 0
	case float64:
		return n == 0
	case string:
		return n == ""
	}
	return false
}

// Rows returns copies of every row of set in insertion order.
func (s *Store) Rows(set string) []store.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[set]
	if !ok {
		return nil
	}
	out := make([]store.Row, 0, len(t.order))
	for _, ks := range t.order {
		out = append(out, store.Row(util.CopyValues(t.rows[ks])))
	}
	return out
}

// Row returns a copy of the row of set with the given key values.
func (s *Store) Row(set string, key ...interface{}) (store.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[set]
	if !ok {
		return nil, false
	}
	r, ok := t.rows[keyString(key)]
	if !ok {
		return nil, false
	}
	return store.Row(util.CopyValues(r)), true
}

// Queries returns the queries received so far.
func (s *Store) Queries() []store.Query {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Query(nil), s.queries...)
}

// ResetQueries forgets the recorded queries.
func (s *Store) ResetQueries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = nil
}

// Opens returns how many times Open succeeded.
func (s *Store) Opens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opens
}

// ExecuteRuns returns how many times Execute was called on an open store.
func (s *Store) ExecuteRuns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executeRuns
}

// FailOpens makes the next n Open calls return err.
func (s *Store) FailOpens(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens, s.openErr = n, err
}

// FailNextQuery makes the next Query return err.
func (s *Store) FailNextQuery(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

// FailNextExecute makes the next Execute return err without applying
// anything.
func (s *Store) FailNextExecute(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeErr = err
}
