package objectstate

import (
	"fmt"

	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/metadata"
	"github.com/gxo-labs/entrack/internal/util"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
)

// EntryKind tags the variant a StateEntry represents.
type EntryKind int

const (
	// EntityEntry tracks a full entity object.
	EntityEntry EntryKind = iota
	// RelationshipEntry tracks a link between a principal and a dependent key.
	RelationshipEntry
	// KeyStubEntry knows only a key, standing in for an unloaded entity.
	KeyStubEntry
)

func (k EntryKind) String() string {
	switch k {
	case EntityEntry:
		return "entity"
	case RelationshipEntry:
		return "relationship"
	case KeyStubEntry:
		return "key stub"
	}
	return "unknown"
}

// Relationship is the payload of a RelationshipEntry.
type Relationship struct {
	Association *metadata.Association
	Principal   EntityKey
	Dependent   EntityKey
}

// StateEntry is the identity map's record of one tracked entity, relationship
// or key stub. Entries are created only by a Manager.
type StateEntry struct {
	kind    EntryKind
	key     EntityKey
	set     *metadata.EntitySet
	state   EntityState
	seq     uint64
	manager *Manager

	entity interface{}
	// snapshot holds member values as last observed; DetectChanges compares
	// the entity against it.
	snapshot map[string]interface{}
	// originals holds the committed value of each modified member. Unmodified
	// members read their original from snapshot.
	originals map[string]interface{}
	modified  bitset

	rel *Relationship

	preDeleteState EntityState
	// conceptualNulls maps association name to the deleted principal a
	// required foreign key still points at.
	conceptualNulls map[string]EntityKey
}

// Kind tells entity entries, relationship entries and key stubs apart.
func (e *StateEntry) Kind() EntryKind { return e.kind }

// Key is the entry's current key: temporary while Added, permanent otherwise.
// Relationship entries have none.
func (e *StateEntry) Key() EntityKey { return e.key }

// EntitySet is the set the entity or stub belongs to.
func (e *StateEntry) EntitySet() *metadata.EntitySet { return e.set }

func (e *StateEntry) State() EntityState { return e.state }

// Entity is the tracked object; nil for key stubs and relationships.
func (e *StateEntry) Entity() interface{} { return e.entity }

func (e *StateEntry) IsKeyStub() bool      { return e.kind == KeyStubEntry }
func (e *StateEntry) IsRelationship() bool { return e.kind == RelationshipEntry }

// Relationship returns the link a relationship entry records, or nil.
func (e *StateEntry) Relationship() *Relationship { return e.rel }

// HasConceptualNull reports whether a required foreign key still names a
// deleted principal. Such entries block AcceptAllChanges and SaveChanges.
func (e *StateEntry) HasConceptualNull() bool { return len(e.conceptualNulls) > 0 }

// ConceptualNulls returns a copy of the deleted principals, by association
// name, that required foreign keys of the entry still name.
func (e *StateEntry) ConceptualNulls() map[string]EntityKey {
	out := make(map[string]EntityKey, len(e.conceptualNulls))
	for k, v := range e.conceptualNulls {
		out[k] = v
	}
	return out
}

func (e *StateEntry) String() string {
	if e.kind == RelationshipEntry {
		return fmt.Sprintf("%s(%s -> %s) [%s]", e.rel.Association.Name, e.rel.Principal, e.rel.Dependent, e.state)
	}
	return fmt.Sprintf("%s [%s]", e.key, e.state)
}

func (e *StateEntry) requireEntity(op string) error {
	switch {
	case e.kind == KeyStubEntry:
		return entrackerrors.NewNotTrackedError(entrackerrors.CodeKeyStubEntry, e.key.String(), -1, op+" is not supported on a key-only entry")
	case e.kind == RelationshipEntry:
		return entrackerrors.NewIllegalStateTransitionError(op, e.state.String(), "", "relationship")
	case e.state == Detached:
		return entrackerrors.NewIllegalStateTransitionError(op, Detached.String(), "", e.key.String())
	}
	return nil
}

func (e *StateEntry) member(op, name string) (*metadata.Member, error) {
	m, ok := e.set.Member(name)
	if !ok {
		return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeUnknownMember, e.key.String(),
			fmt.Sprintf("%s: entity set '%s' has no member '%s'", op, e.set.Name, name), nil)
	}
	return m, nil
}

// CurrentValue reads a member from the entity.
func (e *StateEntry) CurrentValue(name string) (interface{}, error) {
	if err := e.requireEntity("CurrentValue"); err != nil {
		return nil, err
	}
	if _, err := e.member("CurrentValue", name); err != nil {
		return nil, err
	}
	return members.Get(e.entity, name)
}

// CurrentValues reads every member from the entity.
func (e *StateEntry) CurrentValues() (map[string]interface{}, error) {
	if err := e.requireEntity("CurrentValues"); err != nil {
		return nil, err
	}
	return members.Snapshot(e.entity, e.set.MemberNames())
}

// OriginalValue returns the committed value of a member. Added entries have
// no originals.
func (e *StateEntry) OriginalValue(name string) (interface{}, error) {
	if err := e.requireEntity("OriginalValue"); err != nil {
		return nil, err
	}
	if e.state == Added {
		return nil, entrackerrors.NewIllegalStateTransitionError("OriginalValue", Added.String(), "", e.key.String())
	}
	m, err := e.member("OriginalValue", name)
	if err != nil {
		return nil, err
	}
	if e.modified.get(m.Ordinal) {
		return util.CopyValue(e.originals[name]), nil
	}
	return util.CopyValue(e.snapshot[name]), nil
}

// OriginalValues returns the committed value of every member.
func (e *StateEntry) OriginalValues() (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(e.set.Members))
	for _, m := range e.set.Members {
		v, err := e.OriginalValue(m.Name)
		if err != nil {
			return nil, err
		}
		out[m.Name] = v
	}
	return out, nil
}

// ModifiedMembers lists modified members in declaration order.
func (e *StateEntry) ModifiedMembers() []string {
	if e.set == nil {
		return nil
	}
	var out []string
	for _, m := range e.set.Members {
		if e.modified.get(m.Ordinal) {
			out = append(out, m.Name)
		}
	}
	return out
}

// IsMemberModified reports whether name is marked modified.
func (e *StateEntry) IsMemberModified(name string) bool {
	if e.set == nil {
		return false
	}
	m, ok := e.set.Member(name)
	return ok && e.modified.get(m.Ordinal)
}

// SetModifiedMember marks one member modified, capturing its original value
// the first time. Unchanged entries become Modified. Added entries are
// already sent whole, so the call is a no-op for them.
func (e *StateEntry) SetModifiedMember(name string) error {
	if err := e.requireEntity("SetModifiedMember"); err != nil {
		return err
	}
	m, err := e.member("SetModifiedMember", name)
	if err != nil {
		return err
	}
	switch e.state {
	case Added:
		return nil
	case Deleted:
		return entrackerrors.NewIllegalStateTransitionError("SetModifiedMember", Deleted.String(), Modified.String(), e.key.String())
	}
	if m.Key {
		return entrackerrors.NewInvalidKeyError(entrackerrors.CodeKeyMemberChanged, e.key.String(),
			fmt.Sprintf("key member '%s' cannot be marked modified", name), nil)
	}
	cur, err := members.Get(e.entity, name)
	if err != nil {
		return err
	}
	e.markModified(m, cur)
	if e.state == Unchanged {
		e.manager.setState(e, Modified)
	}
	return nil
}

func (e *StateEntry) markModified(m *metadata.Member, current interface{}) {
	if !e.modified.get(m.Ordinal) {
		if e.originals == nil {
			e.originals = make(map[string]interface{})
		}
		e.originals[m.Name] = e.snapshot[m.Name]
		e.modified.set(m.Ordinal)
	}
	e.snapshot[m.Name] = util.CopyValue(current)
}

// SetModified moves an Unchanged entry to Modified without marking members.
func (e *StateEntry) SetModified() error {
	if err := e.requireEntity("SetModified"); err != nil {
		return err
	}
	switch e.state {
	case Modified:
		return nil
	case Unchanged:
		e.manager.setState(e, Modified)
		return nil
	}
	return entrackerrors.NewIllegalStateTransitionError("SetModified", e.state.String(), Modified.String(), e.key.String())
}

// SetModifiedAll marks every non-key member modified so the whole entity is
// written on save.
func (e *StateEntry) SetModifiedAll() error {
	if err := e.requireEntity("SetModifiedAll"); err != nil {
		return err
	}
	if e.state != Unchanged && e.state != Modified {
		return entrackerrors.NewIllegalStateTransitionError("SetModifiedAll", e.state.String(), Modified.String(), e.key.String())
	}
	for i := range e.set.Members {
		m := &e.set.Members[i]
		if m.Key {
			continue
		}
		cur, err := members.Get(e.entity, m.Name)
		if err != nil {
			return err
		}
		e.markModified(m, cur)
	}
	if e.state == Unchanged {
		e.manager.setState(e, Modified)
	}
	return nil
}

// AcceptChanges commits the entry: Added entries receive their permanent key
// and become Unchanged, Modified entries become Unchanged with fresh
// originals, Deleted entries are detached.
func (e *StateEntry) AcceptChanges() error {
	switch e.kind {
	case KeyStubEntry:
		return nil
	case RelationshipEntry:
		e.manager.acceptRelationship(e)
		return nil
	}
	if e.state == Detached {
		return entrackerrors.NewIllegalStateTransitionError("AcceptChanges", Detached.String(), "", e.key.String())
	}
	if e.state != Deleted && e.HasConceptualNull() {
		return entrackerrors.NewGraphIntegrityError(entrackerrors.CodeConceptualNull, []string{e.key.String()},
			"a required relationship was deleted but the foreign key was not changed")
	}
	switch e.state {
	case Deleted:
		e.manager.Detach(e)
		return nil
	case Added:
		key, err := KeyFromEntity(e.set, e.entity)
		if err != nil {
			return err
		}
		if err := e.manager.FixupKey(e, key); err != nil {
			return err
		}
	}
	if err := e.resetSnapshot(); err != nil {
		return err
	}
	if e.state != Unchanged {
		e.manager.setState(e, Unchanged)
	}
	return nil
}

// resetSnapshot makes the entity's current values its new originals.
func (e *StateEntry) resetSnapshot() error {
	snap, err := members.Snapshot(e.entity, e.set.MemberNames())
	if err != nil {
		return err
	}
	e.snapshot = snap
	e.originals = nil
	e.modified = nil
	return nil
}

// Delete marks the entry Deleted. Added entries are detached because there
// is nothing to delete from the store. With doFixup the delete cascades to
// dependents, or nulls or flags their foreign keys; refresh passes false so
// rows removed upstream do not disturb their dependents.
func (e *StateEntry) Delete(doFixup bool) error {
	if err := e.requireEntity("Delete"); err != nil {
		return err
	}
	switch e.state {
	case Deleted:
		return nil
	case Added:
		e.manager.Detach(e)
		return nil
	}
	return e.manager.markDeleted(e, doFixup)
}

// RevertDelete restores a Deleted entry to the state it had before, together
// with the relationships the delete removed.
func (e *StateEntry) RevertDelete() error {
	if err := e.requireEntity("RevertDelete"); err != nil {
		return err
	}
	if e.state != Deleted {
		return entrackerrors.NewIllegalStateTransitionError("RevertDelete", e.state.String(), "", e.key.String())
	}
	to := e.preDeleteState
	if to == 0 {
		to = Unchanged
	}
	if to == Modified && !e.modified.any() {
		to = Unchanged
	}
	e.manager.setState(e, to)
	e.manager.restoreRelationshipsOf(e)
	e.manager.clearConceptualNullsTo(e.key)
	return nil
}

// ApplyCurrentValues copies values onto the entity and marks every member
// whose value changed. Key members must match the entry's key.
func (e *StateEntry) ApplyCurrentValues(values map[string]interface{}) error {
	if err := e.requireEntity("ApplyCurrentValues"); err != nil {
		return err
	}
	if e.state == Deleted {
		return entrackerrors.NewIllegalStateTransitionError("ApplyCurrentValues", Deleted.String(), "", e.key.String())
	}
	if err := e.checkKeyValues("ApplyCurrentValues", values); err != nil {
		return err
	}
	for i := range e.set.Members {
		m := &e.set.Members[i]
		v, ok := values[m.Name]
		if !ok || m.Key {
			continue
		}
		cur, err := members.Get(e.entity, m.Name)
		if err != nil {
			return err
		}
		if members.Equal(cur, v) {
			continue
		}
		if err := members.Set(e.entity, m.Name, util.CopyValue(v)); err != nil {
			return err
		}
		if e.state == Added {
			continue
		}
		e.markModified(m, v)
	}
	if e.state == Unchanged && e.modified.any() {
		e.manager.setState(e, Modified)
	}
	return nil
}

// ApplyOriginalValues replaces the committed values. Members whose new
// original differs from the current value become modified.
func (e *StateEntry) ApplyOriginalValues(values map[string]interface{}) error {
	if err := e.requireEntity("ApplyOriginalValues"); err != nil {
		return err
	}
	if e.state == Added {
		return entrackerrors.NewIllegalStateTransitionError("ApplyOriginalValues", Added.String(), "", e.key.String())
	}
	for _, name := range e.set.KeyMembers {
		if v, ok := values[name]; ok {
			kv, _ := e.key.Value(name)
			if !members.Equal(kv, v) {
				return entrackerrors.NewIllegalStateTransitionError("ApplyOriginalValues on key member '"+name+"'", e.state.String(), "", e.key.String())
			}
		}
	}
	for i := range e.set.Members {
		m := &e.set.Members[i]
		v, ok := values[m.Name]
		if !ok || m.Key {
			continue
		}
		cur, err := members.Get(e.entity, m.Name)
		if err != nil {
			return err
		}
		if e.modified.get(m.Ordinal) {
			e.originals[m.Name] = util.CopyValue(v)
			continue
		}
		if members.Equal(cur, v) {
			e.snapshot[m.Name] = util.CopyValue(v)
			continue
		}
		e.snapshot[m.Name] = util.CopyValue(v)
		e.markModified(m, cur)
	}
	if e.state == Unchanged && e.modified.any() {
		e.manager.setState(e, Modified)
	}
	return nil
}

func (e *StateEntry) checkKeyValues(op string, values map[string]interface{}) error {
	if e.key.IsTemporary() {
		return nil
	}
	for _, name := range e.set.KeyMembers {
		v, ok := values[name]
		if !ok {
			continue
		}
		kv, _ := e.key.Value(name)
		if !members.Equal(kv, v) {
			return entrackerrors.NewInvalidKeyError(entrackerrors.CodeKeyMemberChanged, e.key.String(),
				fmt.Sprintf("%s: key member '%s' differs from the tracked key", op, name), nil)
		}
	}
	return nil
}

// OverwriteFromStore replaces current and original values with a store row
// and leaves the entry Unchanged. A Deleted entry is restored first.
func (e *StateEntry) OverwriteFromStore(row map[string]interface{}) error {
	if err := e.requireEntity("OverwriteFromStore"); err != nil {
		return err
	}
	if e.state == Deleted {
		if err := e.RevertDelete(); err != nil {
			return err
		}
	}
	var changedFKs []string
	for _, m := range e.set.Members {
		v, ok := row[m.Name]
		if !ok || m.Key {
			continue
		}
		if e.set.IsForeignKeyMember(m.Name) {
			cur, err := members.Get(e.entity, m.Name)
			if err != nil {
				return err
			}
			if !members.Equal(cur, v) {
				changedFKs = append(changedFKs, m.Name)
			}
		}
		if err := members.Set(e.entity, m.Name, util.CopyValue(v)); err != nil {
			return err
		}
	}
	if err := e.resetSnapshot(); err != nil {
		return err
	}
	if e.state != Unchanged {
		e.manager.setState(e, Unchanged)
	}
	if len(changedFKs) > 0 {
		if err := e.manager.relinkForeignKeys(e, changedFKs); err != nil {
			return err
		}
		e.manager.settleRelationshipsOf(e)
	}
	return nil
}

// PreserveFromStore makes the row the entry's originals while keeping the
// client's edits: unmodified members take the row value, modified members
// keep their current value and stay modified only while it differs from the
// row. Foreign keys taken from the row re-point navigations and
// relationships. Deleted entries are left alone.
func (e *StateEntry) PreserveFromStore(row map[string]interface{}) error {
	if err := e.requireEntity("PreserveFromStore"); err != nil {
		return err
	}
	if e.state == Deleted {
		return nil
	}
	var changedFKs []string
	for i := range e.set.Members {
		m := &e.set.Members[i]
		v, ok := row[m.Name]
		if !ok || m.Key {
			continue
		}
		if !e.modified.get(m.Ordinal) {
			if e.set.IsForeignKeyMember(m.Name) {
				cur, err := members.Get(e.entity, m.Name)
				if err != nil {
					return err
				}
				if !members.Equal(cur, v) {
					changedFKs = append(changedFKs, m.Name)
				}
			}
			if err := members.Set(e.entity, m.Name, util.CopyValue(v)); err != nil {
				return err
			}
			e.snapshot[m.Name] = util.CopyValue(v)
			continue
		}
		cur, err := members.Get(e.entity, m.Name)
		if err != nil {
			return err
		}
		if members.Equal(cur, v) {
			e.modified.clear(m.Ordinal)
			delete(e.originals, m.Name)
			e.snapshot[m.Name] = util.CopyValue(v)
			continue
		}
		e.originals[m.Name] = util.CopyValue(v)
	}
	switch {
	case e.state == Modified && !e.modified.any():
		e.manager.setState(e, Unchanged)
	case e.state == Unchanged && e.modified.any():
		e.manager.setState(e, Modified)
	}
	if len(changedFKs) > 0 {
		if err := e.manager.relinkForeignKeys(e, changedFKs); err != nil {
			return err
		}
		e.manager.settleLinksVia(e, changedFKs)
	}
	return nil
}

// detectChanges compares the entity with its snapshot and marks changed
// members. It returns the foreign key members that changed.
func (e *StateEntry) detectChanges() ([]string, error) {
	if e.kind != EntityEntry || (e.state != Unchanged && e.state != Modified) {
		return nil, nil
	}
	var changedFKs []string
	for i := range e.set.Members {
		m := &e.set.Members[i]
		cur, err := members.Get(e.entity, m.Name)
		if err != nil {
			return nil, err
		}
		if members.Equal(cur, e.snapshot[m.Name]) {
			continue
		}
		if m.Key {
			return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeKeyMemberChanged, e.key.String(),
				fmt.Sprintf("key member '%s' was changed on a tracked entity", m.Name), nil)
		}
		e.markModified(m, cur)
		if e.set.IsForeignKeyMember(m.Name) {
			changedFKs = append(changedFKs, m.Name)
		}
	}
	if e.state == Unchanged && e.modified.any() {
		e.manager.setState(e, Modified)
	}
	return changedFKs, nil
}
