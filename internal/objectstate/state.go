package objectstate

import (
	"fmt"
	"strings"
)

// EntityState is the lifecycle state of an entry. Values are bit flags so a
// set of states can be passed as a mask.
type EntityState int

const (
	Detached EntityState = 1 << iota
	Unchanged
	Added
	Deleted
	Modified
)

// AllTracked matches every state an entry in the map can be in.
const AllTracked = Unchanged | Added | Deleted | Modified

func (s EntityState) String() string {
	switch s {
	case Detached:
		return "Detached"
	case Unchanged:
		return "Unchanged"
	case Added:
		return "Added"
	case Deleted:
		return "Deleted"
	case Modified:
		return "Modified"
	}
	var names []string
	for _, st := range []EntityState{Detached, Unchanged, Added, Deleted, Modified} {
		if s&st != 0 {
			names = append(names, st.String())
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("EntityState(%d)", int(s))
	}
	return strings.Join(names, "|")
}

// ParseEntityState parses a single state name, case-insensitively.
func ParseEntityState(s string) (EntityState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "detached":
		return Detached, nil
	case "unchanged":
		return Unchanged, nil
	case "added":
		return Added, nil
	case "deleted":
		return Deleted, nil
	case "modified":
		return Modified, nil
	}
	return 0, fmt.Errorf("unknown entity state %q", s)
}

// transitions lists, per state, the states ChangeState may move an entry to.
// Staying in the same state is always allowed and is a no-op. Added entries
// never pass through Deleted; deleting one detaches it.
var transitions = map[EntityState]EntityState{
	Detached:  Added | Unchanged,
	Added:     Detached | Unchanged,
	Unchanged: Modified | Deleted | Detached,
	Modified:  Unchanged | Deleted | Detached,
	Deleted:   Unchanged | Modified | Detached,
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to EntityState) bool {
	if from == to {
		return true
	}
	return transitions[from]&to != 0
}
