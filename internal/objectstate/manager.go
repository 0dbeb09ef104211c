// Package objectstate is the identity map: it owns every StateEntry, keeps
// one entry per permanent key, and drives the entry lifecycle, relationship
// records and foreign key fixup.
package objectstate

import (
	"fmt"
	"sort"
	"time"

	"github.com/gxo-labs/entrack/internal/events"
	"github.com/gxo-labs/entrack/internal/logger"
	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/metadata"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entrackevents "github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	entracklog "github.com/gxo-labs/entrack/pkg/entrack/v1/log"
)

// Manager is the identity map. It is not safe for concurrent use; a unit of
// work has a single writer.
type Manager struct {
	ws  *metadata.Workspace
	log entracklog.Logger
	bus entrackevents.Bus

	// entries holds entity entries and key stubs by key id.
	entries  map[string]*StateEntry
	byObject map[interface{}]*StateEntry
	bySet    map[string]map[*StateEntry]struct{}

	relationships map[*StateEntry]struct{}
	relsByEnd     map[string]map[*StateEntry]struct{}

	seq     uint64
	version uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards records.
func WithLogger(log entracklog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithEventBus sets the bus lifecycle events are emitted on.
func WithEventBus(bus entrackevents.Bus) Option {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// NewManager creates an empty identity map over ws.
func NewManager(ws *metadata.Workspace, opts ...Option) *Manager {
	m := &Manager{
		ws:            ws,
		log:           logger.NewDiscardLogger(),
		bus:           events.NewNoOpEventBus(),
		entries:       make(map[string]*StateEntry),
		byObject:      make(map[interface{}]*StateEntry),
		bySet:         make(map[string]map[*StateEntry]struct{}),
		relationships: make(map[*StateEntry]struct{}),
		relsByEnd:     make(map[string]map[*StateEntry]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "objectstate")
	return m
}

// Workspace returns the metadata the map was built over.
func (m *Manager) Workspace() *metadata.Workspace { return m.ws }

// Version increases on every change to the map. Derived views poll it to
// decide whether to rebuild.
func (m *Manager) Version() uint64 { return m.version }

// FindEntry looks an entity entry or key stub up by key.
func (m *Manager) FindEntry(key EntityKey) (*StateEntry, bool) {
	e, ok := m.entries[key.ID()]
	return e, ok
}

// FindEntryByObject looks the entry tracking entity up.
func (m *Manager) FindEntryByObject(entity interface{}) (*StateEntry, bool) {
	if members.Validate(entity) != nil {
		return nil, false
	}
	e, ok := m.byObject[entity]
	return e, ok
}

// FindPendingInsert returns the Added entry of key's entity set whose key
// members currently hold key's values. Added entries are indexed under
// temporary keys until their changes are accepted, so FindEntry never sees
// them by their permanent key.
func (m *Manager) FindPendingInsert(key EntityKey) (*StateEntry, bool) {
	if key.IsZero() || key.IsTemporary() {
		return nil, false
	}
	for _, e := range m.EntriesOfSet(key.EntitySet(), Added) {
		prospective, err := KeyFromEntity(e.set, e.entity)
		if err == nil && prospective.Equal(key) {
			return e, true
		}
	}
	return nil, false
}

// Entries returns the entity entries whose state is in mask, in the order
// they were created.
func (m *Manager) Entries(mask EntityState) []*StateEntry {
	var out []*StateEntry
	for _, e := range m.entries {
		if e.kind == EntityEntry && e.state&mask != 0 {
			out = append(out, e)
		}
	}
	sortBySeq(out)
	return out
}

// EntriesOfSet is Entries restricted to one entity set.
func (m *Manager) EntriesOfSet(set string, mask EntityState) []*StateEntry {
	var out []*StateEntry
	for e := range m.bySet[set] {
		if e.kind == EntityEntry && e.state&mask != 0 {
			out = append(out, e)
		}
	}
	sortBySeq(out)
	return out
}

// KeyStubs returns every key-only entry.
func (m *Manager) KeyStubs() []*StateEntry {
	var out []*StateEntry
	for _, e := range m.entries {
		if e.kind == KeyStubEntry {
			out = append(out, e)
		}
	}
	sortBySeq(out)
	return out
}

// RelationshipEntries returns relationship entries whose state is in mask.
func (m *Manager) RelationshipEntries(mask EntityState) []*StateEntry {
	var out []*StateEntry
	for r := range m.relationships {
		if r.state&mask != 0 {
			out = append(out, r)
		}
	}
	sortBySeq(out)
	return out
}

// Count returns the number of entity entries in the states of mask.
func (m *Manager) Count(mask EntityState) int {
	n := 0
	for _, e := range m.entries {
		if e.kind == EntityEntry && e.state&mask != 0 {
			n++
		}
	}
	return n
}

func sortBySeq(entries []*StateEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
}

func (m *Manager) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// AddKeyEntry returns the entry for key, creating a key stub when the key is
// unknown. Temporary keys cannot be stubbed.
func (m *Manager) AddKeyEntry(scope *Scope, key EntityKey) (*StateEntry, error) {
	if key.IsTemporary() || key.IsZero() {
		return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeTemporaryKey, key.String(), "key stubs need a permanent key", nil)
	}
	if e, ok := m.entries[key.ID()]; ok {
		return e, nil
	}
	set, err := m.ws.MustEntitySet(key.EntitySet())
	if err != nil {
		return nil, err
	}
	e := &StateEntry{kind: KeyStubEntry, key: key, set: set, state: Unchanged, seq: m.nextSeq(), manager: m}
	m.index(e)
	scope.record(func() { m.unindex(e) })
	m.log.Debugf("Created key stub for %s", key)
	return e, nil
}

// AddEntry starts tracking entity in state Added or Unchanged. Added entries
// always receive a fresh temporary key. Unchanged entries need a permanent
// key; an existing stub for it is promoted, an existing entry for the same
// object is returned as is, and any other holder of the key is a conflict.
func (m *Manager) AddEntry(scope *Scope, entity interface{}, key EntityKey, set *metadata.EntitySet, state EntityState) (*StateEntry, error) {
	if err := members.Validate(entity); err != nil {
		return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeTypeNotMapped, key.String(), "cannot track value", err)
	}
	if existing, ok := m.byObject[entity]; ok {
		if existing.state == state && (state == Added || existing.key.Equal(key)) {
			return existing, nil
		}
		return nil, entrackerrors.NewIdentityConflictError(entrackerrors.CodeStateConflict, existing.key.String(), existing.state.String(),
			fmt.Sprintf("object is already tracked; cannot track it again as %s", state))
	}

	switch state {
	case Added:
		key = NewTemporaryKey(set.Name)
	case Unchanged:
		if key.IsZero() || key.IsTemporary() {
			return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeTemporaryKey, key.String(), "an unchanged entry needs a permanent key", nil)
		}
		if key.EntitySet() != set.Name {
			return nil, entrackerrors.NewIdentityConflictError(entrackerrors.CodeEntitySetMismatch, key.String(), "",
				fmt.Sprintf("key belongs to '%s', not '%s'", key.EntitySet(), set.Name))
		}
		if existing, ok := m.entries[key.ID()]; ok {
			if existing.kind == KeyStubEntry {
				return existing, m.PromoteKeyStub(scope, existing, entity, Unchanged)
			}
			code := entrackerrors.CodeDuplicateKey
			if existing.state == Added {
				code = entrackerrors.CodeStateConflict
			}
			return nil, entrackerrors.NewIdentityConflictError(code, key.String(), existing.state.String(),
				"a different object is already tracked with this key")
		}
	default:
		return nil, entrackerrors.NewIllegalStateTransitionError("AddEntry", Detached.String(), state.String(), key.String())
	}

	e := &StateEntry{kind: EntityEntry, key: key, set: set, state: state, seq: m.nextSeq(), manager: m, entity: entity}
	if state == Unchanged {
		if err := e.resetSnapshot(); err != nil {
			return nil, err
		}
	}
	m.index(e)
	scope.record(func() { m.unindex(e) })
	if state == Added {
		m.emit(entrackevents.EntryAdded, e)
	} else {
		m.emit(entrackevents.EntryAttached, e)
	}
	m.log.Debugf("Tracking %s as %s", key, state)
	return e, nil
}

// PromoteKeyStub turns a key stub into a full entry for entity, keeping the
// key so relationships that point at the stub stay valid.
func (m *Manager) PromoteKeyStub(scope *Scope, stub *StateEntry, entity interface{}, state EntityState) error {
	if stub.kind != KeyStubEntry {
		return entrackerrors.NewIdentityConflictError(entrackerrors.CodeDuplicateKey, stub.key.String(), stub.state.String(), "entry is not a key stub")
	}
	if existing, ok := m.byObject[entity]; ok && existing != stub {
		return entrackerrors.NewIdentityConflictError(entrackerrors.CodeStateConflict, existing.key.String(), existing.state.String(), "object is already tracked")
	}
	stub.kind = EntityEntry
	stub.entity = entity
	stub.state = state
	if err := stub.resetSnapshot(); err != nil {
		stub.kind, stub.entity = KeyStubEntry, nil
		return err
	}
	m.byObject[entity] = stub
	m.version++
	scope.record(func() {
		delete(m.byObject, entity)
		stub.kind, stub.entity, stub.state = KeyStubEntry, nil, Unchanged
		stub.snapshot, stub.originals, stub.modified = nil, nil, nil
		m.version++
	})
	m.emit(entrackevents.EntryAttached, stub)
	m.log.Debugf("Promoted key stub %s", stub.key)
	return nil
}

// FixupKey replaces the temporary key of an Added entry with its permanent
// key. A key stub already holding that key is absorbed; a full entry is a
// conflict. Dependents linked through relationships receive the new values
// in their foreign keys.
func (m *Manager) FixupKey(e *StateEntry, key EntityKey) error {
	if e.key.Equal(key) {
		return nil
	}
	if key.IsTemporary() || key.EntitySet() != e.set.Name {
		return entrackerrors.NewInvalidKeyError(entrackerrors.CodeInvalidKeyValue, key.String(), "not a permanent key of "+e.set.Name, nil)
	}
	absorbed := false
	if existing, ok := m.entries[key.ID()]; ok {
		if existing.kind != KeyStubEntry {
			return entrackerrors.NewIdentityConflictError(entrackerrors.CodeKeyFixupConflict, key.String(), existing.state.String(),
				"the permanent key of an added entity is already tracked")
		}
		delete(m.entries, key.ID())
		delete(m.bySet[existing.set.Name], existing)
		existing.state = Detached
		existing.manager = nil
		absorbed = true
	}
	old := e.key
	delete(m.entries, old.ID())
	e.key = key
	m.entries[key.ID()] = e
	m.rekeyRelationships(old, key)
	m.version++
	m.emitKeyFixup(e, old)
	m.log.Debugf("Fixed up key %s -> %s", old, key)
	if err := m.propagateKeyToDependents(e); err != nil {
		return err
	}
	if absorbed {
		// Dependents that pointed at the stub get their navigations linked.
		return m.FixupRelationships(nil, e)
	}
	return nil
}

// ChangeState drives an entity entry along the legal lifecycle edges.
func (m *Manager) ChangeState(e *StateEntry, to EntityState) error {
	if err := e.requireEntity("ChangeState"); err != nil {
		return err
	}
	from := e.state
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return entrackerrors.NewIllegalStateTransitionError("ChangeState", from.String(), to.String(), e.key.String())
	}
	switch to {
	case Detached:
		m.Detach(e)
		return nil
	case Deleted:
		return e.Delete(true)
	case Modified:
		if from == Deleted {
			if err := e.RevertDelete(); err != nil {
				return err
			}
		}
		return e.SetModifiedAll()
	case Unchanged:
		if from == Deleted {
			if err := e.RevertDelete(); err != nil {
				return err
			}
		}
		return e.AcceptChanges()
	}
	return entrackerrors.NewIllegalStateTransitionError("ChangeState", from.String(), to.String(), e.key.String())
}

// Detach evicts an entry and every relationship touching it. The entry ends
// in state Detached and no longer refers to the map.
func (m *Manager) Detach(e *StateEntry) {
	if e.manager != m {
		return
	}
	if e.kind == RelationshipEntry {
		m.removeRelationship(e)
		return
	}
	for r := range m.relsByEnd[e.key.ID()] {
		m.removeRelationship(r)
	}
	from := e.state
	m.unindex(e)
	if e.kind == EntityEntry {
		m.emitState(entrackevents.EntryDetached, e, from)
	}
	m.log.Debugf("Detached %s (was %s)", e.key, from)
}

// AcceptAllChanges commits every entry. Deleted entries are processed first
// so a delete and a re-insert of the same key do not collide. Added entries
// are fixed up principals first so dependents see their principals' keys.
//
// The passes are not atomic. If an Added entry fails, for example with a
// KeyFixupConflict, the deletes and every entry accepted before it stay
// committed, and the remaining Added and Modified entries stay pending.
// Only the conceptual null check runs before anything is changed.
func (m *Manager) AcceptAllChanges() error {
	if err := m.CheckConceptualNulls(); err != nil {
		return err
	}
	for _, e := range m.Entries(Deleted) {
		if err := e.AcceptChanges(); err != nil {
			return err
		}
	}
	done := make(map[*StateEntry]bool)
	for _, e := range m.Entries(Added) {
		if err := m.acceptAdded(e, done); err != nil {
			return err
		}
	}
	for _, e := range m.Entries(Modified) {
		if err := e.AcceptChanges(); err != nil {
			return err
		}
	}
	for _, r := range m.RelationshipEntries(Added | Deleted) {
		m.acceptRelationship(r)
	}
	m.log.Debugf("Accepted all changes (%d entries tracked)", m.Count(AllTracked))
	return nil
}

func (m *Manager) acceptAdded(e *StateEntry, done map[*StateEntry]bool) error {
	if done[e] || e.state != Added {
		return nil
	}
	done[e] = true
	for _, p := range m.principalsOf(e) {
		if p.state == Added {
			if err := m.acceptAdded(p, done); err != nil {
				return err
			}
		}
	}
	return e.AcceptChanges()
}

// CheckConceptualNulls fails with every entry still holding a foreign key to
// a deleted principal of a required relationship.
func (m *Manager) CheckConceptualNulls() error {
	var keys []string
	for _, e := range m.Entries(Added | Unchanged | Modified) {
		if e.HasConceptualNull() {
			keys = append(keys, e.key.String())
		}
	}
	if len(keys) > 0 {
		return entrackerrors.NewGraphIntegrityError(entrackerrors.CodeConceptualNull, keys,
			"required relationships were deleted without changing the dependents' foreign keys")
	}
	return nil
}

// DetectChanges compares every tracked entity with its snapshot, marks the
// changed members and re-links relationships whose foreign key or reference
// navigation changed.
func (m *Manager) DetectChanges() error {
	for _, e := range m.Entries(Added | Unchanged | Modified) {
		if err := m.syncReferences(e); err != nil {
			return err
		}
		changed, err := e.detectChanges()
		if err != nil {
			return err
		}
		if len(changed) > 0 {
			if err := m.relinkForeignKeys(e, changed); err != nil {
				return err
			}
		}
	}
	return nil
}

// Verify checks the internal consistency of the map's indexes. Tests and
// debug builds call it after mutating operations.
func (m *Manager) Verify() error {
	seenObjects := 0
	for id, e := range m.entries {
		if e.key.ID() != id {
			return fmt.Errorf("entry %s indexed under %s", e.key, id)
		}
		if e.state == Detached || e.manager != m {
			return fmt.Errorf("entry %s is detached but still indexed", e.key)
		}
		if _, ok := m.bySet[e.set.Name][e]; !ok {
			return fmt.Errorf("entry %s missing from set index", e.key)
		}
		if e.kind == EntityEntry {
			if m.byObject[e.entity] != e {
				return fmt.Errorf("entry %s missing from object index", e.key)
			}
			seenObjects++
		}
	}
	if seenObjects != len(m.byObject) {
		return fmt.Errorf("object index holds %d objects, map holds %d entities", len(m.byObject), seenObjects)
	}
	for r := range m.relationships {
		for _, k := range []EntityKey{r.rel.Principal, r.rel.Dependent} {
			if _, ok := m.entries[k.ID()]; !ok {
				return fmt.Errorf("relationship %s refers to untracked %s", r, k)
			}
			if _, ok := m.relsByEnd[k.ID()][r]; !ok {
				return fmt.Errorf("relationship %s missing from endpoint index of %s", r, k)
			}
		}
	}
	return nil
}

func (m *Manager) index(e *StateEntry) {
	m.entries[e.key.ID()] = e
	if e.kind == EntityEntry {
		m.byObject[e.entity] = e
	}
	s := m.bySet[e.set.Name]
	if s == nil {
		s = make(map[*StateEntry]struct{})
		m.bySet[e.set.Name] = s
	}
	s[e] = struct{}{}
	m.version++
}

func (m *Manager) unindex(e *StateEntry) {
	if cur, ok := m.entries[e.key.ID()]; ok && cur == e {
		delete(m.entries, e.key.ID())
	}
	if e.entity != nil && m.byObject[e.entity] == e {
		delete(m.byObject, e.entity)
	}
	delete(m.bySet[e.set.Name], e)
	e.state = Detached
	e.manager = nil
	m.version++
}

// setState moves an entry to a new tracked state and reports it.
func (m *Manager) setState(e *StateEntry, to EntityState) {
	from := e.state
	e.state = to
	m.version++
	if e.kind == EntityEntry {
		m.emitState(entrackevents.EntryStateChanged, e, from)
		m.log.Debugf("%s: %s -> %s", e.key, from, to)
	}
}

func (m *Manager) emit(t entrackevents.EventType, e *StateEntry) {
	m.bus.Emit(entrackevents.Event{
		Type:      t,
		Timestamp: time.Now(),
		EntitySet: e.set.Name,
		Key:       e.key.String(),
		Payload:   map[string]interface{}{"state": e.state.String()},
	})
}

func (m *Manager) emitState(t entrackevents.EventType, e *StateEntry, from EntityState) {
	m.bus.Emit(entrackevents.Event{
		Type:      t,
		Timestamp: time.Now(),
		EntitySet: e.set.Name,
		Key:       e.key.String(),
		Payload:   map[string]interface{}{"state": e.state.String(), "from": from.String()},
	})
}

func (m *Manager) emitKeyFixup(e *StateEntry, old EntityKey) {
	m.bus.Emit(entrackevents.Event{
		Type:      entrackevents.KeyFixedUp,
		Timestamp: time.Now(),
		EntitySet: e.set.Name,
		Key:       e.key.String(),
		Payload:   map[string]interface{}{"state": e.state.String(), "previous": old.String()},
	})
}
