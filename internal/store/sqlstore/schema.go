package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gxo-labs/entrack/internal/config"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
)

func sortedMembers(values store.Row) []string {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Store) columnType(m metadata.Member, soleKey bool) string {
	if m.StoreGenerated && soleKey && m.Kind == config.KindInt {
		if s.driver == DriverPostgres {
			return "BIGSERIAL PRIMARY KEY"
		}
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	var t string
	switch m.Kind {
	case config.KindInt:
		t = "BIGINT"
		if s.driver == DriverSQLite {
			t = "INTEGER"
		}
	case config.KindFloat:
		t = "DOUBLE PRECISION"
		if s.driver == DriverSQLite {
			t = "REAL"
		}
	case config.KindBool:
		t = "BOOLEAN"
	case config.KindTime:
		t = "TIMESTAMP"
	case config.KindBytes:
		t = "BLOB"
		if s.driver == DriverPostgres {
			t = "BYTEA"
		}
	default:
		t = "TEXT"
	}
	if m.Key || !m.Nullable {
		t += " NOT NULL"
	}
	return t
}

// EnsureSchema creates a table for every entity set of ws that does not
// have one yet. Foreign keys are not declared; the update plan orders
// commands so that they would hold.
func (s *Store) EnsureSchema(ctx context.Context, ws *metadata.Workspace) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	for _, set := range ws.EntitySets() {
		ct := s.flavor.NewCreateTableBuilder()
		ct.CreateTable(table(set.Name, set.Table)).IfNotExists()
		soleKey := len(set.KeyMembers) == 1
		inlineKey := false
		for _, m := range set.Members {
			typ := s.columnType(m, soleKey && m.Key)
			if strings.Contains(typ, "PRIMARY KEY") {
				inlineKey = true
			}
			ct.Define(column(set.Columns(), m.Name), typ)
		}
		if !inlineKey {
			keyCols := make([]string, len(set.KeyMembers))
			for i, k := range set.KeyMembers {
				keyCols[i] = column(set.Columns(), k)
			}
			ct.Define(fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(keyCols, ", ")))
		}
		query, args := ct.Build()
		s.log.Debugf("Ensuring table for %s: %s", set.Name, query)
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("create table for %s: %w", set.Name, err)
		}
	}
	return nil
}
