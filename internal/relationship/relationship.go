// Package relationship exposes the navigation ends of an entity and walks
// object graphs for Add, Attach and Detach.
package relationship

import (
	"fmt"

	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/metadata"
)

// RelatedEnd is one navigation property of one entity.
type RelatedEnd struct {
	Owner      interface{}
	Navigation *metadata.Navigation
}

// IsCollection reports whether the end holds many entities.
func (r RelatedEnd) IsCollection() bool { return r.Navigation.FromPrincipal }

// Inverse returns the navigation name on the other side, or "".
func (r RelatedEnd) Inverse() string {
	a := r.Navigation.Association
	if r.Navigation.FromPrincipal {
		return a.DependentNav
	}
	return a.PrincipalNav
}

// Targets returns the entities currently reachable through the end.
func (r RelatedEnd) Targets() ([]interface{}, error) {
	if r.IsCollection() {
		return members.Collection(r.Owner, r.Navigation.Name)
	}
	ref, err := members.Reference(r.Owner, r.Navigation.Name)
	if err != nil || ref == nil {
		return nil, err
	}
	return []interface{}{ref}, nil
}

// Add links target through the end and through the inverse navigation.
func (r RelatedEnd) Add(target interface{}) error {
	if err := r.checkTarget(target); err != nil {
		return err
	}
	if r.IsCollection() {
		if err := members.AddToCollection(r.Owner, r.Navigation.Name, target); err != nil {
			return err
		}
	} else if err := members.SetReference(r.Owner, r.Navigation.Name, target); err != nil {
		return err
	}
	inv := r.Inverse()
	if inv == "" {
		return nil
	}
	if r.IsCollection() {
		return members.SetReference(target, inv, r.Owner)
	}
	return members.AddToCollection(target, inv, r.Owner)
}

// Remove unlinks target from the end and from the inverse navigation.
func (r RelatedEnd) Remove(target interface{}) error {
	if r.IsCollection() {
		if err := members.RemoveFromCollection(r.Owner, r.Navigation.Name, target); err != nil {
			return err
		}
	} else {
		ref, err := members.Reference(r.Owner, r.Navigation.Name)
		if err != nil {
			return err
		}
		if members.Same(ref, target) {
			if err := members.SetReference(r.Owner, r.Navigation.Name, nil); err != nil {
				return err
			}
		}
	}
	inv := r.Inverse()
	if inv == "" {
		return nil
	}
	if r.IsCollection() {
		ref, err := members.Reference(target, inv)
		if err != nil {
			return err
		}
		if members.Same(ref, r.Owner) {
			return members.SetReference(target, inv, nil)
		}
		return nil
	}
	return members.RemoveFromCollection(target, inv, r.Owner)
}

func (r RelatedEnd) checkTarget(target interface{}) error {
	want := r.Navigation.Target().TypeName
	got, err := members.TypeName(target)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("navigation '%s' expects %s, got %s", r.Navigation.Name, want, got)
	}
	return nil
}

// Manager holds the related ends of one entity.
type Manager struct {
	owner interface{}
	set   *metadata.EntitySet
}

// For returns the relationship manager of entity, which belongs to set.
func For(entity interface{}, set *metadata.EntitySet) *Manager {
	return &Manager{owner: entity, set: set}
}

// RelatedEnds lists the ends the entity actually exposes, sorted by name.
func (m *Manager) RelatedEnds() []RelatedEnd {
	var out []RelatedEnd
	for _, n := range m.set.Navigations() {
		if members.Has(m.owner, n.Name) {
			out = append(out, RelatedEnd{Owner: m.owner, Navigation: n})
		}
	}
	return out
}

// RelatedEnd returns the end called name.
func (m *Manager) RelatedEnd(name string) (RelatedEnd, error) {
	n, ok := m.set.Navigation(name)
	if !ok || !members.Has(m.owner, name) {
		return RelatedEnd{}, fmt.Errorf("%w '%s' on entity set '%s'", members.ErrUnknownMember, name, m.set.Name)
	}
	return RelatedEnd{Owner: m.owner, Navigation: n}, nil
}
