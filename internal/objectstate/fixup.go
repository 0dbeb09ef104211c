package objectstate

import (
	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/metadata"
)

// FindRelationships returns the live relationship entries touching key.
func (m *Manager) FindRelationships(key EntityKey) []*StateEntry {
	var out []*StateEntry
	for r := range m.relsByEnd[key.ID()] {
		if r.state != Deleted {
			out = append(out, r)
		}
	}
	sortBySeq(out)
	return out
}

// RelationshipsOf returns every relationship entry touching key, Deleted
// ones included, in creation order.
func (m *Manager) RelationshipsOf(key EntityKey) []*StateEntry {
	out := make([]*StateEntry, 0, len(m.relsByEnd[key.ID()]))
	for r := range m.relsByEnd[key.ID()] {
		out = append(out, r)
	}
	sortBySeq(out)
	return out
}

// liveRelationship returns the non-deleted relationship of association a in
// which dependent is the dependent end.
func (m *Manager) liveRelationship(a *metadata.Association, dependent EntityKey) *StateEntry {
	for r := range m.relsByEnd[dependent.ID()] {
		if r.rel.Association == a && r.rel.Dependent.Equal(dependent) && r.state != Deleted {
			return r
		}
	}
	return nil
}

// AddRelationship records a link between principal and dependent. A
// dependent has at most one live principal per association, so an existing
// link to a different principal is removed.
func (m *Manager) AddRelationship(scope *Scope, a *metadata.Association, principal, dependent EntityKey, state EntityState) *StateEntry {
	if existing := m.liveRelationship(a, dependent); existing != nil {
		if existing.rel.Principal.Equal(principal) {
			return existing
		}
		m.dropRelationship(scope, existing)
	}
	r := &StateEntry{
		kind:    RelationshipEntry,
		state:   state,
		seq:     m.nextSeq(),
		manager: m,
		rel:     &Relationship{Association: a, Principal: principal, Dependent: dependent},
	}
	m.indexRelationship(r)
	scope.record(func() { m.removeRelationship(r) })
	return r
}

// dropRelationship removes an Added link outright and marks any other link
// Deleted.
func (m *Manager) dropRelationship(scope *Scope, r *StateEntry) {
	if r.state == Added {
		m.removeRelationship(r)
		scope.record(func() {
			r.state = Added
			m.indexRelationship(r)
		})
		return
	}
	prev := r.state
	r.state, r.preDeleteState = Deleted, 0
	m.version++
	scope.record(func() {
		r.state = prev
		m.version++
	})
}

func (m *Manager) indexRelationship(r *StateEntry) {
	r.manager = m
	m.relationships[r] = struct{}{}
	for _, k := range []EntityKey{r.rel.Principal, r.rel.Dependent} {
		s := m.relsByEnd[k.ID()]
		if s == nil {
			s = make(map[*StateEntry]struct{})
			m.relsByEnd[k.ID()] = s
		}
		s[r] = struct{}{}
	}
	m.version++
}

// removeRelationship evicts r. Key stubs left without any relationship are
// evicted with it.
func (m *Manager) removeRelationship(r *StateEntry) {
	if _, ok := m.relationships[r]; !ok {
		return
	}
	delete(m.relationships, r)
	for _, k := range []EntityKey{r.rel.Principal, r.rel.Dependent} {
		delete(m.relsByEnd[k.ID()], r)
		if len(m.relsByEnd[k.ID()]) == 0 {
			delete(m.relsByEnd, k.ID())
			if stub, ok := m.entries[k.ID()]; ok && stub.kind == KeyStubEntry {
				m.unindex(stub)
			}
		}
	}
	r.state = Detached
	r.manager = nil
	m.version++
}

func (m *Manager) acceptRelationship(r *StateEntry) {
	switch r.state {
	case Deleted:
		m.removeRelationship(r)
	case Added:
		r.state = Unchanged
		m.version++
	}
	r.preDeleteState = 0
}

func (m *Manager) rekeyRelationships(old, key EntityKey) {
	rels := m.relsByEnd[old.ID()]
	if len(rels) == 0 {
		return
	}
	delete(m.relsByEnd, old.ID())
	target := m.relsByEnd[key.ID()]
	if target == nil {
		target = make(map[*StateEntry]struct{}, len(rels))
		m.relsByEnd[key.ID()] = target
	}
	for r := range rels {
		if r.rel.Principal.Equal(old) {
			r.rel.Principal = key
		}
		if r.rel.Dependent.Equal(old) {
			r.rel.Dependent = key
		}
		target[r] = struct{}{}
	}
}

// deleteRelationshipsOf marks every link of a deleted entry Deleted,
// remembering which ones the delete removed so RevertDelete can restore them.
func (m *Manager) deleteRelationshipsOf(e *StateEntry) {
	for r := range m.relsByEnd[e.key.ID()] {
		switch r.state {
		case Added:
			m.removeRelationship(r)
		case Unchanged:
			r.state, r.preDeleteState = Deleted, Unchanged
			m.version++
		}
	}
}

func (m *Manager) restoreRelationshipsOf(e *StateEntry) {
	for r := range m.relsByEnd[e.key.ID()] {
		if r.state != Deleted || r.preDeleteState == 0 {
			continue
		}
		other := r.rel.Principal
		if other.Equal(e.key) {
			other = r.rel.Dependent
		}
		if oe, ok := m.entries[other.ID()]; ok && oe.state == Deleted && oe.kind == EntityEntry {
			continue
		}
		r.state, r.preDeleteState = r.preDeleteState, 0
		m.version++
	}
}

func (m *Manager) clearConceptualNullsTo(principal EntityKey) {
	for _, e := range m.entries {
		for a, k := range e.conceptualNulls {
			if k.Equal(principal) {
				delete(e.conceptualNulls, a)
			}
		}
	}
}

// principalsOf returns the tracked principals e depends on.
func (m *Manager) principalsOf(e *StateEntry) []*StateEntry {
	var out []*StateEntry
	for r := range m.relsByEnd[e.key.ID()] {
		if r.state == Deleted || !r.rel.Dependent.Equal(e.key) {
			continue
		}
		if p, ok := m.entries[r.rel.Principal.ID()]; ok && p.kind == EntityEntry {
			out = append(out, p)
		}
	}
	sortBySeq(out)
	return out
}

// ForeignKey reads the principal key the dependent's foreign key members
// name for association a. It reports false while any member is null.
func ForeignKey(a *metadata.Association, dependent interface{}) (EntityKey, bool) {
	kms := make([]KeyMember, len(a.ForeignKey))
	for i, fk := range a.ForeignKey {
		v, err := members.Get(dependent, fk)
		if err != nil || v == nil {
			return EntityKey{}, false
		}
		kms[i] = KeyMember{Name: a.Principal.KeyMembers[i], Value: v}
	}
	key, err := NewEntityKey(a.Principal.Name, kms)
	if err != nil {
		return EntityKey{}, false
	}
	return key, true
}

func fkMatches(a *metadata.Association, dependent interface{}, principal EntityKey) bool {
	if principal.IsTemporary() {
		return false
	}
	key, ok := ForeignKey(a, dependent)
	return ok && key.Equal(principal)
}

// setForeignKey copies the principal key into the dependent's foreign key
// members. Tracked, unchanged or modified dependents get the members marked.
func (m *Manager) setForeignKey(scope *Scope, d *StateEntry, a *metadata.Association, principal EntityKey) error {
	values := principal.Values()
	scope.saveEntry(d)
	for i, fk := range a.ForeignKey {
		old, err := members.Get(d.entity, fk)
		if err != nil {
			return err
		}
		if members.Equal(old, values[i]) {
			continue
		}
		if err := members.Set(d.entity, fk, values[i]); err != nil {
			return err
		}
		entity, name := d.entity, fk
		scope.record(func() { _ = members.Set(entity, name, old) })
		if d.state == Unchanged || d.state == Modified {
			if mem, _ := d.set.Member(fk); !mem.Key {
				d.markModified(mem, values[i])
			}
		}
	}
	delete(d.conceptualNulls, a.Name)
	if d.state == Unchanged && d.modified.any() {
		m.setState(d, Modified)
	}
	return nil
}

// markForeignKeyModified forces the foreign key of d to be written on save
// even though its value is not known yet.
func (m *Manager) markForeignKeyModified(scope *Scope, d *StateEntry, a *metadata.Association) error {
	if d.state != Unchanged && d.state != Modified {
		return nil
	}
	scope.saveEntry(d)
	for _, fk := range a.ForeignKey {
		if d.set.IsKeyMember(fk) {
			continue
		}
		if err := d.SetModifiedMember(fk); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) propagateKeyToDependents(p *StateEntry) error {
	for _, r := range m.FindRelationships(p.key) {
		if !r.rel.Principal.Equal(p.key) {
			continue
		}
		d, ok := m.entries[r.rel.Dependent.ID()]
		if !ok || d.kind != EntityEntry || d.state == Deleted {
			continue
		}
		if err := m.setForeignKey(nil, d, r.rel.Association, p.key); err != nil {
			return err
		}
	}
	return nil
}

// FixupRelationships brings a newly tracked entry into agreement with the
// entries around it. As a dependent, its reference navigation sets its
// foreign key, or its foreign key links the navigation to a tracked
// principal; a principal not yet loaded is represented by a key stub. As a
// principal, tracked dependents in its collection, or whose foreign key
// names it, are linked to it. Every link is recorded as a relationship
// entry.
func (m *Manager) FixupRelationships(scope *Scope, e *StateEntry) error {
	if e.kind != EntityEntry || e.state == Deleted {
		return nil
	}
	for _, a := range e.set.DependentOf() {
		if err := m.fixupAsDependent(scope, e, a); err != nil {
			return err
		}
	}
	for _, a := range e.set.PrincipalOf() {
		if err := m.fixupAsPrincipal(scope, e, a); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fixupAsDependent(scope *Scope, d *StateEntry, a *metadata.Association) error {
	if a.DependentNav != "" {
		ref, err := members.Reference(d.entity, a.DependentNav)
		if err != nil {
			return err
		}
		if ref != nil {
			if pe, ok := m.byObject[ref]; ok && pe.state != Deleted {
				return m.link(scope, a, pe, d, Unchanged)
			}
			return nil
		}
	}
	key, ok := ForeignKey(a, d.entity)
	if !ok {
		return nil
	}
	pe, tracked := m.entries[key.ID()]
	switch {
	case !tracked:
		if d.state == Added {
			return nil
		}
		if _, err := m.AddKeyEntry(scope, key); err != nil {
			return err
		}
		m.AddRelationship(scope, a, key, d.key, Unchanged)
		return nil
	case pe.kind == KeyStubEntry:
		state := Unchanged
		if d.state == Added {
			state = Added
		}
		m.AddRelationship(scope, a, key, d.key, state)
		return nil
	case pe.state == Deleted:
		return nil
	}
	return m.link(scope, a, pe, d, Unchanged)
}

func (m *Manager) fixupAsPrincipal(scope *Scope, p *StateEntry, a *metadata.Association) error {
	linked := make(map[*StateEntry]bool)
	if a.PrincipalNav != "" {
		items, err := members.Collection(p.entity, a.PrincipalNav)
		if err != nil {
			return err
		}
		for _, item := range items {
			d, ok := m.byObject[item]
			if !ok || d.state == Deleted || linked[d] {
				continue
			}
			ref, err := m.reference(d, a)
			if err != nil {
				return err
			}
			if ref != nil && !members.Same(ref, p.entity) {
				continue
			}
			linked[d] = true
			if err := m.link(scope, a, p, d, Unchanged); err != nil {
				return err
			}
		}
	}
	if p.key.IsTemporary() {
		return nil
	}
	for _, d := range m.EntriesOfSet(a.Dependent.Name, Added|Unchanged|Modified) {
		if linked[d] || d == p {
			continue
		}
		r := m.liveRelationship(a, d.key)
		related := r != nil && r.rel.Principal.Equal(p.key)
		if !related && (r != nil || !fkMatches(a, d.entity, p.key)) {
			continue
		}
		ref, err := m.reference(d, a)
		if err != nil {
			return err
		}
		if ref != nil && !members.Same(ref, p.entity) {
			continue
		}
		linked[d] = true
		if err := m.link(scope, a, p, d, Unchanged); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) reference(d *StateEntry, a *metadata.Association) (interface{}, error) {
	if a.DependentNav == "" {
		return nil, nil
	}
	return members.Reference(d.entity, a.DependentNav)
}

// link connects dependent d to principal p: navigations on both sides, the
// foreign key, and a relationship entry created in state, or Added when
// either end is new or the foreign key had to change. A temporary principal
// key cannot be copied yet; the relationship carries it until key fixup.
func (m *Manager) link(scope *Scope, a *metadata.Association, p, d *StateEntry, state EntityState) error {
	if a.DependentNav != "" {
		ref, err := members.Reference(d.entity, a.DependentNav)
		if err != nil {
			return err
		}
		if ref == nil {
			if err := members.SetReference(d.entity, a.DependentNav, p.entity); err != nil {
				return err
			}
			entity, nav := d.entity, a.DependentNav
			scope.record(func() { _ = members.SetReference(entity, nav, nil) })
		}
	}
	if a.PrincipalNav != "" {
		items, err := members.Collection(p.entity, a.PrincipalNav)
		if err != nil {
			return err
		}
		if !containsObject(items, d.entity) {
			if err := members.AddToCollection(p.entity, a.PrincipalNav, d.entity); err != nil {
				return err
			}
			owner, nav, item := p.entity, a.PrincipalNav, d.entity
			scope.record(func() { _ = members.RemoveFromCollection(owner, nav, item) })
		}
	}

	if p.state == Added || d.state == Added {
		state = Added
	}
	switch {
	case p.key.IsTemporary():
		state = Added
		if err := m.markForeignKeyModified(scope, d, a); err != nil {
			return err
		}
	case !fkMatches(a, d.entity, p.key):
		state = Added
		if err := m.setForeignKey(scope, d, a, p.key); err != nil {
			return err
		}
	}
	if _, ok := d.conceptualNulls[a.Name]; ok {
		scope.saveEntry(d)
		delete(d.conceptualNulls, a.Name)
	}
	m.AddRelationship(scope, a, p.key, d.key, state)
	return nil
}

func containsObject(items []interface{}, target interface{}) bool {
	for _, it := range items {
		if members.Same(it, target) {
			return true
		}
	}
	return false
}

// unlink removes the navigations between d and its principal entity.
func (m *Manager) unlink(a *metadata.Association, principal interface{}, d *StateEntry) error {
	if a.DependentNav != "" {
		ref, err := members.Reference(d.entity, a.DependentNav)
		if err != nil {
			return err
		}
		if ref != nil && members.Same(ref, principal) {
			if err := members.SetReference(d.entity, a.DependentNav, nil); err != nil {
				return err
			}
		}
	}
	if a.PrincipalNav != "" && principal != nil {
		return members.RemoveFromCollection(principal, a.PrincipalNav, d.entity)
	}
	return nil
}

type dependentLink struct {
	assoc *metadata.Association
	entry *StateEntry
}

// dependentsOf finds the live dependents of p through relationships and, for
// permanent keys, through foreign key values.
func (m *Manager) dependentsOf(p *StateEntry) []dependentLink {
	var out []dependentLink
	for _, a := range p.set.PrincipalOf() {
		seen := make(map[*StateEntry]bool)
		for _, r := range m.FindRelationships(p.key) {
			if r.rel.Association != a || !r.rel.Principal.Equal(p.key) {
				continue
			}
			if d, ok := m.entries[r.rel.Dependent.ID()]; ok && d.kind == EntityEntry && d.state != Deleted && !seen[d] {
				seen[d] = true
				out = append(out, dependentLink{assoc: a, entry: d})
			}
		}
		if p.key.IsTemporary() {
			continue
		}
		for _, d := range m.EntriesOfSet(a.Dependent.Name, Added|Unchanged|Modified) {
			if !seen[d] && d != p && fkMatches(a, d.entity, p.key) {
				seen[d] = true
				out = append(out, dependentLink{assoc: a, entry: d})
			}
		}
	}
	return out
}

// markDeleted moves e to Deleted. With doFixup its dependents are
// cascade-deleted, have their nullable foreign keys nulled, or are flagged
// with a conceptual null that blocks the next commit until the foreign key
// is changed.
func (m *Manager) markDeleted(e *StateEntry, doFixup bool) error {
	var deps []dependentLink
	if doFixup {
		deps = m.dependentsOf(e)
	}
	e.preDeleteState = e.state
	m.setState(e, Deleted)
	m.deleteRelationshipsOf(e)

	for _, dl := range deps {
		d, a := dl.entry, dl.assoc
		if d.manager != m || d.state == Deleted || d.state == Detached {
			continue
		}
		switch {
		case a.CascadeDelete:
			m.log.Debugf("Cascading delete of %s to %s", e.key, d.key)
			if err := d.Delete(true); err != nil {
				return err
			}
		case a.ForeignKeyNullable():
			if err := m.unlink(a, e.entity, d); err != nil {
				return err
			}
			for _, fk := range a.ForeignKey {
				if err := members.Set(d.entity, fk, nil); err != nil {
					return err
				}
				if d.state == Unchanged || d.state == Modified {
					if err := d.SetModifiedMember(fk); err != nil {
						return err
					}
				}
			}
			for r := range m.relsByEnd[d.key.ID()] {
				if r.rel.Association == a && r.rel.Principal.Equal(e.key) {
					r.preDeleteState = 0
				}
			}
		default:
			if d.conceptualNulls == nil {
				d.conceptualNulls = make(map[string]EntityKey)
			}
			d.conceptualNulls[a.Name] = e.key
			m.version++
			m.log.Debugf("%s now holds a conceptual null for %s", d.key, a.Name)
		}
	}
	return nil
}

// syncReferences lets a changed reference navigation drive the foreign key.
// A reference cleared by the caller nulls a nullable foreign key.
func (m *Manager) syncReferences(e *StateEntry) error {
	for _, a := range e.set.DependentOf() {
		if a.DependentNav == "" {
			continue
		}
		ref, err := members.Reference(e.entity, a.DependentNav)
		if err != nil {
			return err
		}
		r := m.liveRelationship(a, e.key)
		if ref != nil {
			pe, ok := m.byObject[ref]
			if !ok || pe.state == Deleted {
				continue
			}
			if r != nil && r.rel.Principal.Equal(pe.key) {
				continue
			}
			if r != nil {
				if old, ok := m.entries[r.rel.Principal.ID()]; ok && old.kind == EntityEntry && a.PrincipalNav != "" {
					if err := members.RemoveFromCollection(old.entity, a.PrincipalNav, e.entity); err != nil {
						return err
					}
				}
			}
			if err := m.link(nil, a, pe, e, Added); err != nil {
				return err
			}
			continue
		}
		if r == nil || !a.ForeignKeyNullable() {
			continue
		}
		old, ok := m.entries[r.rel.Principal.ID()]
		if !ok || old.kind != EntityEntry || !fkMatches(a, e.entity, old.key) {
			continue
		}
		if a.PrincipalNav != "" {
			if err := members.RemoveFromCollection(old.entity, a.PrincipalNav, e.entity); err != nil {
				return err
			}
		}
		for _, fk := range a.ForeignKey {
			if err := members.Set(e.entity, fk, nil); err != nil {
				return err
			}
		}
		m.dropRelationship(nil, r)
	}
	return nil
}

// relinkForeignKeys follows foreign key members changed on e: the old link is
// dropped and e is linked to whatever the new value names.
func (m *Manager) relinkForeignKeys(e *StateEntry, changed []string) error {
	for _, a := range e.set.DependentOf() {
		if !touches(a, changed) {
			continue
		}
		key, hasKey := ForeignKey(a, e.entity)
		if r := m.liveRelationship(a, e.key); r != nil {
			if hasKey && r.rel.Principal.Equal(key) {
				continue
			}
			if old, ok := m.entries[r.rel.Principal.ID()]; ok && old.kind == EntityEntry {
				if err := m.unlink(a, old.entity, e); err != nil {
					return err
				}
			}
			m.dropRelationship(nil, r)
		}
		delete(e.conceptualNulls, a.Name)
		if !hasKey {
			continue
		}
		pe, ok := m.entries[key.ID()]
		switch {
		case !ok:
			if _, err := m.AddKeyEntry(nil, key); err != nil {
				return err
			}
			m.AddRelationship(nil, a, key, e.key, Added)
		case pe.kind == KeyStubEntry:
			m.AddRelationship(nil, a, key, e.key, Added)
		case pe.state != Deleted:
			if err := m.link(nil, a, pe, e, Added); err != nil {
				return err
			}
		}
	}
	return nil
}

// settleRelationshipsOf makes the links of e as read from the store: Added
// links between non-Added entries become Unchanged, Deleted links of e as
// dependent are removed.
func (m *Manager) settleRelationshipsOf(e *StateEntry) {
	for r := range m.relsByEnd[e.key.ID()] {
		switch r.state {
		case Added:
			if m.isAddedEnd(r.rel.Principal) || m.isAddedEnd(r.rel.Dependent) {
				continue
			}
			r.state = Unchanged
			m.version++
		case Deleted:
			if r.rel.Dependent.Equal(e.key) {
				m.removeRelationship(r)
			}
		}
	}
}

// settleLinksVia settles only the links e holds as dependent through
// associations whose foreign key is in changed. Links the client re-pointed
// through other members stay pending.
func (m *Manager) settleLinksVia(e *StateEntry, changed []string) {
	for r := range m.relsByEnd[e.key.ID()] {
		if !r.rel.Dependent.Equal(e.key) || !touches(r.rel.Association, changed) {
			continue
		}
		switch r.state {
		case Added:
			if m.isAddedEnd(r.rel.Principal) {
				continue
			}
			r.state = Unchanged
			m.version++
		case Deleted:
			m.removeRelationship(r)
		}
	}
}

func (m *Manager) isAddedEnd(key EntityKey) bool {
	end, ok := m.entries[key.ID()]
	return ok && end.state == Added
}

func touches(a *metadata.Association, changed []string) bool {
	for _, fk := range a.ForeignKey {
		for _, c := range changed {
			if fk == c {
				return true
			}
		}
	}
	return false
}
