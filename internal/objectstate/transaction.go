package objectstate

// Operation names the graph-wide operation a Scope belongs to.
type Operation int

const (
	OpAdd Operation = iota + 1
	OpAttach
	OpDetach
	OpMerge
	OpDetectChanges
)

func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpAttach:
		return "attach"
	case OpDetach:
		return "detach"
	case OpMerge:
		return "merge"
	case OpDetectChanges:
		return "detectChanges"
	}
	return "unknown"
}

// Scope is the transaction of one Add, Attach, Detach or merge call. It
// holds the set of objects already visited by the graph walk and an undo log
// of every change made to the map, so a failed call can be rolled back
// completely. A Scope is owned by the call that began it and is never shared
// between calls.
type Scope struct {
	op        Operation
	manager   *Manager
	processed map[interface{}]struct{}
	undo      []func()
	ended     bool
}

// Begin opens a scope. Callers pair it with a deferred End and call Rollback
// before returning an error.
func (m *Manager) Begin(op Operation) *Scope {
	return &Scope{op: op, manager: m, processed: make(map[interface{}]struct{})}
}

// Operation returns the operation the scope was opened for.
func (s *Scope) Operation() Operation {
	if s == nil {
		return 0
	}
	return s.op
}

// Visit marks entity as processed. It returns false when entity was already
// visited in this scope, which ends the walk on cycles.
func (s *Scope) Visit(entity interface{}) bool {
	if s == nil {
		return true
	}
	if _, seen := s.processed[entity]; seen {
		return false
	}
	s.processed[entity] = struct{}{}
	return true
}

// Processed reports whether entity was visited.
func (s *Scope) Processed(entity interface{}) bool {
	if s == nil {
		return false
	}
	_, seen := s.processed[entity]
	return seen
}

// ProcessedCount returns the number of visited objects.
func (s *Scope) ProcessedCount() int {
	if s == nil {
		return 0
	}
	return len(s.processed)
}

func (s *Scope) record(fn func()) {
	if s == nil || s.ended {
		return
	}
	s.undo = append(s.undo, fn)
}

// saveEntry records the mutable tracking state of e so Rollback restores it.
func (s *Scope) saveEntry(e *StateEntry) {
	if s == nil || s.ended {
		return
	}
	state, preDelete := e.state, e.preDeleteState
	snapshot := copyMap(e.snapshot)
	originals := copyMap(e.originals)
	modified := append(bitset(nil), e.modified...)
	var nulls map[string]EntityKey
	if e.conceptualNulls != nil {
		nulls = make(map[string]EntityKey, len(e.conceptualNulls))
		for k, v := range e.conceptualNulls {
			nulls[k] = v
		}
	}
	m := s.manager
	s.record(func() {
		if e.manager != m {
			return
		}
		e.state, e.preDeleteState = state, preDelete
		e.snapshot, e.originals, e.modified = snapshot, originals, modified
		e.conceptualNulls = nulls
		m.version++
	})
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Rollback undoes every change recorded in the scope, newest first.
func (s *Scope) Rollback() {
	if s == nil || s.ended {
		return
	}
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	if len(s.undo) > 0 {
		s.manager.log.Debugf("Rolled back %s: %d changes undone", s.op, len(s.undo))
	}
	s.undo = nil
}

// End closes the scope and keeps its changes. It is safe to call after
// Rollback.
func (s *Scope) End() {
	if s == nil {
		return
	}
	s.ended = true
	s.undo = nil
	s.processed = nil
}
