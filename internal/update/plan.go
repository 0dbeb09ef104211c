// Package update turns the pending changes of the identity map into store
// commands.
package update

import (
	"fmt"

	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/util"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
)

// Plan is the ordered command list of one SaveChanges. Entries[i] produced
// Commands[i].
type Plan struct {
	Commands []store.Command
	Entries  []*objectstate.StateEntry
}

// Counts returns the number of inserts, updates and deletes.
func (p *Plan) Counts() (inserts, updates, deletes int) {
	for _, c := range p.Commands {
		switch c.Kind {
		case store.Insert:
			inserts++
		case store.Update:
			updates++
		case store.Delete:
			deletes++
		}
	}
	return
}

// Build plans every Added, Modified and Deleted entity entry of m.
func Build(m *objectstate.Manager) (*Plan, error) {
	pending := m.Entries(objectstate.Added | objectstate.Modified | objectstate.Deleted)
	dag := newDAG(pending)

	// bindings[dependent] lists foreign keys to copy from a principal insert.
	type pendingBinding struct {
		assoc     *metadata.Association
		principal *objectstate.StateEntry
	}
	bindings := make(map[*objectstate.StateEntry][]pendingBinding)

	for _, n := range dag.Nodes {
		e := n.Entry
		for _, r := range m.RelationshipsOf(e.Key()) {
			rel := r.Relationship()
			if !rel.Dependent.Equal(e.Key()) {
				continue
			}
			pe, ok := m.FindEntry(rel.Principal)
			if !ok || pe.IsKeyStub() {
				continue
			}
			pn, inPlan := dag.node(pe)
			if !inPlan {
				continue
			}
			switch {
			case pe.State() == objectstate.Added && r.State() != objectstate.Deleted && e.State() != objectstate.Deleted:
				dag.addEdge(pn, n)
				bindings[e] = append(bindings[e], pendingBinding{assoc: rel.Association, principal: pe})
			case pe.State() == objectstate.Deleted:
				dag.addEdge(n, pn)
			}
		}
	}

	order, err := dag.Sort()
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	position := make(map[*objectstate.StateEntry]int, len(order))
	for _, n := range order {
		e := n.Entry
		cmd, err := command(e)
		if err != nil {
			return nil, err
		}
		for _, b := range bindings[e] {
			for i, fk := range b.assoc.ForeignKey {
				cmd.Bindings = append(cmd.Bindings, store.Binding{
					Member:      fk,
					FromCommand: position[b.principal],
					FromMember:  b.assoc.Principal.KeyMembers[i],
				})
			}
		}
		if cmd.Kind == store.Insert && len(cmd.Bindings) > 0 {
			cmd.Key = nil
		}
		position[e] = len(plan.Commands)
		plan.Commands = append(plan.Commands, cmd)
		plan.Entries = append(plan.Entries, e)
	}
	return plan, nil
}

func command(e *objectstate.StateEntry) (store.Command, error) {
	set := e.EntitySet()
	cmd := store.Command{
		EntitySet:  set.Name,
		Table:      set.Table,
		Columns:    set.Columns(),
		KeyMembers: append([]string(nil), set.KeyMembers...),
	}
	switch e.State() {
	case objectstate.Added:
		cmd.Kind = store.Insert
		cmd.Values = store.Row{}
		for _, m := range set.Members {
			v, err := members.Get(e.Entity(), m.Name)
			if err != nil {
				return cmd, err
			}
			if m.StoreGenerated {
				cmd.Generated = append(cmd.Generated, m.Name)
				if isUnset(v) {
					continue
				}
			}
			cmd.Values[m.Name] = util.CopyValue(v)
		}
		if len(cmd.Generated) == 0 || hasAll(cmd.Values, set.KeyMembers) {
			key, err := objectstate.KeyFromValues(set, cmd.Values)
			if err != nil {
				return cmd, err
			}
			cmd.Key = key.Values()
		}
	case objectstate.Modified:
		cmd.Kind = store.Update
		cmd.Key = e.Key().Values()
		cmd.Values = store.Row{}
		for _, name := range e.ModifiedMembers() {
			v, err := e.CurrentValue(name)
			if err != nil {
				return cmd, err
			}
			cmd.Values[name] = util.CopyValue(v)
		}
	case objectstate.Deleted:
		cmd.Kind = store.Delete
		cmd.Key = e.Key().Values()
	default:
		return cmd, fmt.Errorf("entry %s in state %s has no command", e.Key(), e.State())
	}
	return cmd, nil
}

func hasAll(values store.Row, names []string) bool {
	for _, n := range names {
		if _, ok := values[n]; !ok {
			return false
		}
	}
	return true
}

func isUnset(v interface{}) bool {
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

// ApplyResults writes store-generated values back onto the entities and
// copies resolved bindings into dependents' foreign keys.
func (p *Plan) ApplyResults(results []store.Result) error {
	if len(results) != len(p.Commands) {
		return fmt.Errorf("expected %d results, got %d", len(p.Commands), len(results))
	}
	for i, c := range p.Commands {
		entity := p.Entries[i].Entity()
		for name, v := range results[i].Generated {
			if err := members.Set(entity, name, v); err != nil {
				return err
			}
		}
		for _, b := range c.Bindings {
			v, ok := results[b.FromCommand].Generated[b.FromMember]
			if !ok {
				continue
			}
			if err := members.Set(entity, b.Member, v); err != nil {
				return err
			}
		}
	}
	return nil
}
