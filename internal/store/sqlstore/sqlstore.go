// Package sqlstore implements store.Store on database/sql. Statements are
// built with go-sqlbuilder in the flavor of the driver and run through sqlx.
// Two drivers are registered: "sqlite" (modernc, pure Go) and "pgx".
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/huandu/go-sqlbuilder"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/gxo-labs/entrack/internal/logger"
	"github.com/gxo-labs/entrack/internal/util"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// ErrRowNotFound is returned by Execute when an update or delete matched no
// row.
var ErrRowNotFound = errors.New("row not found")

// Store is a store.Store over one database handle. The handle exists only
// while the connection is open.
type Store struct {
	driver string
	dsn    string
	flavor sqlbuilder.Flavor
	log    entracklog.Logger

	mu sync.RWMutex
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for statement tracing.
func WithLogger(log entracklog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns a closed store for driver and dsn.
func New(driver, dsn string, opts ...Option) (*Store, error) {
	flavor, err := flavorFor(driver)
	if err != nil {
		return nil, err
	}
	s := &Store{driver: driver, dsn: dsn, flavor: flavor, log: logger.NewDiscardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func flavorFor(driver string) (sqlbuilder.Flavor, error) {
	switch driver {
	case DriverSQLite:
		return sqlbuilder.SQLite, nil
	case DriverPostgres:
		return sqlbuilder.PostgreSQL, nil
	}
	return sqlbuilder.DefaultFlavor, fmt.Errorf("unsupported sql driver '%s'", driver)
}

// Driver returns the database/sql driver name.
func (s *Store) Driver() string { return s.driver }

// Open connects and pings the database. Opening an open store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sqlx.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.driver, err)
	}
	if s.driver == DriverSQLite {
		// Every sqlite connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping %s: %w", s.driver, err)
	}
	s.db = db
	s.log.Debugf("Opened %s store", s.driver)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.log.Debugf("Closed %s store", s.driver)
	return err
}

func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *Store) handle() (*sqlx.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrConnectionClosed
	}
	return s.db, nil
}

func column(columns map[string]string, member string) string {
	if c, ok := columns[member]; ok && c != "" {
		return c
	}
	return member
}

func table(set, tbl string) string {
	if tbl != "" {
		return tbl
	}
	return set
}

// selectSQL builds the query text for q. Single-member keys use IN, composite
// keys an OR of equalities.
func (s *Store) selectSQL(q store.Query) (string, []interface{}) {
	sb := s.flavor.NewSelectBuilder()
	cols := make([]string, len(q.Members))
	for i, m := range q.Members {
		cols[i] = column(q.Columns, m)
	}
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	sb.Select(cols...).From(table(q.EntitySet, q.Table))
	if len(q.Keys) > 0 {
		if len(q.KeyMembers) == 1 {
			values := make([]interface{}, len(q.Keys))
			for i, k := range q.Keys {
				values[i] = k[0]
			}
			sb.Where(sb.In(column(q.Columns, q.KeyMembers[0]), values...))
		} else {
			ors := make([]string, len(q.Keys))
			for i, k := range q.Keys {
				ands := make([]string, len(q.KeyMembers))
				for j, km := range q.KeyMembers {
					ands[j] = sb.Equal(column(q.Columns, km), k[j])
				}
				ors[i] = sb.And(ands...)
			}
			sb.Where(sb.Or(ors...))
		}
	}
	return sb.Build()
}

// Query runs q and streams the rows back keyed by member name.
func (s *Store) Query(ctx context.Context, q store.Query) (store.RowIterator, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	query, args := s.selectSQL(q)
	s.log.Debugf("Querying %s: %s", q.EntitySet, query)
	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.EntitySet, err)
	}
	return &rowIterator{rows: rows, members: memberIndex(q.Columns)}, nil
}

// memberIndex maps column names back to members. Lower-case aliases cover
// databases that fold unquoted identifiers.
func memberIndex(columns map[string]string) map[string]string {
	out := make(map[string]string, 2*len(columns))
	for m := range columns {
		c := column(columns, m)
		out[strings.ToLower(c)] = m
		out[c] = m
	}
	return out
}

type rowIterator struct {
	rows    *sqlx.Rows
	members map[string]string // column -> member
	cur     store.Row
	err     error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	raw := make(map[string]interface{})
	if err := it.rows.MapScan(raw); err != nil {
		it.err = err
		return false
	}
	it.cur = toRow(raw, it.members)
	return true
}

func toRow(raw map[string]interface{}, members map[string]string) store.Row {
	row := make(store.Row, len(raw))
	for col, v := range raw {
		name, ok := members[col]
		if !ok {
			name = col
		}
		if b, isBytes := v.([]byte); isBytes {
			v = string(b)
		}
		row[name] = v
	}
	return row
}

func (it *rowIterator) Row() store.Row { return it.cur }

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowIterator) Close() error { return it.rows.Close() }

// Execute runs cmds in one transaction.
func (s *Store) Execute(ctx context.Context, cmds []store.Command) (results []store.Result, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Warnf("Rollback failed: %v", rbErr)
			}
		}
	}()

	results = make([]store.Result, len(cmds))
	executed := make([]store.Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		c.Values = store.Row(util.CopyValues(c.Values))
		if c.Values == nil {
			c.Values = store.Row{}
		}
		if err = store.ResolveBindings(&c, executed, results); err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		if results[i], err = s.apply(ctx, tx, &c); err != nil {
			return nil, fmt.Errorf("%s %s (command %d): %w", c.Kind, c.EntitySet, i, err)
		}
		executed = append(executed, c)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

func (s *Store) apply(ctx context.Context, tx *sqlx.Tx, c *store.Command) (store.Result, error) {
	var res store.Result
	tbl := table(c.EntitySet, c.Table)
	switch c.Kind {
	case store.Insert:
		ib := s.flavor.NewInsertBuilder()
		ib.InsertInto(tbl)
		var cols []string
		var values []interface{}
		for _, name := range sortedMembers(c.Values) {
			cols = append(cols, column(c.Columns, name))
			values = append(values, c.Values[name])
		}
		ib.Cols(cols...).Values(values...)
		var returning []string
		for _, g := range c.Generated {
			if _, set := c.Values[g]; !set {
				returning = append(returning, column(c.Columns, g))
			}
		}
		if len(returning) == 0 {
			query, args := ib.Build()
			s.log.Debugf("Executing %s", query)
			_, err := tx.ExecContext(ctx, query, args...)
			return res, err
		}
		ib.Returning(returning...)
		query, args := ib.Build()
		s.log.Debugf("Executing %s", query)
		raw := make(map[string]interface{})
		if err := tx.QueryRowxContext(ctx, query, args...).MapScan(raw); err != nil {
			return res, err
		}
		res.Generated = toRow(raw, memberIndex(c.Columns))
		for k, v := range res.Generated {
			c.Values[k] = v
		}
		return res, nil
	case store.Update:
		if len(c.Values) == 0 {
			return res, nil
		}
		ub := s.flavor.NewUpdateBuilder()
		ub.Update(tbl)
		var assigns []string
		for _, name := range sortedMembers(c.Values) {
			assigns = append(assigns, ub.Assign(column(c.Columns, name), c.Values[name]))
		}
		ub.Set(assigns...)
		ub.Where(keyConditions(&ub.Cond, c)...)
		query, args := ub.Build()
		return res, s.execAffecting(ctx, tx, query, args)
	case store.Delete:
		db := s.flavor.NewDeleteBuilder()
		db.DeleteFrom(tbl)
		db.Where(keyConditions(&db.Cond, c)...)
		query, args := db.Build()
		return res, s.execAffecting(ctx, tx, query, args)
	}
	return res, fmt.Errorf("unknown command kind %d", int(c.Kind))
}

func keyConditions(cond *sqlbuilder.Cond, c *store.Command) []string {
	out := make([]string, len(c.KeyMembers))
	for i, km := range c.KeyMembers {
		var v interface{}
		if i < len(c.Key) {
			v = c.Key[i]
		}
		out[i] = cond.Equal(column(c.Columns, km), v)
	}
	return out
}

func (s *Store) execAffecting(ctx context.Context, tx *sqlx.Tx, query string, args []interface{}) error {
	s.log.Debugf("Executing %s", query)
	r, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err == nil && n == 0 {
		return ErrRowNotFound
	}
	return nil
}
