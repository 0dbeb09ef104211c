// Package metadata resolves entity sets, key members and associations from a
// loaded model. A Workspace is read-only once built.
package metadata

import (
	"fmt"
	"sort"

	"github.com/gxo-labs/entrack/internal/config"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
)

// Member is one scalar member of an entity set.
type Member struct {
	Name           string
	Column         string
	Kind           string
	Key            bool
	Nullable       bool
	StoreGenerated bool
	Ordinal        int
}

// EntitySet describes the rows of one set and how they map to entities.
type EntitySet struct {
	Name     string
	TypeName string
	Table    string
	Members  []Member
	// KeyMembers lists key member names in declaration order.
	KeyMembers []string

	memberIndex map[string]int
	navigations map[string]*Navigation
	principalOf []*Association
	dependentOf []*Association
}

// Member looks a member up by name.
func (s *EntitySet) Member(name string) (*Member, bool) {
	i, ok := s.memberIndex[name]
	if !ok {
		return nil, false
	}
	return &s.Members[i], true
}

// MemberNames returns every scalar member name in declaration order.
func (s *EntitySet) MemberNames() []string {
	out := make([]string, len(s.Members))
	for i, m := range s.Members {
		out[i] = m.Name
	}
	return out
}

// IsKeyMember reports whether name is part of the key.
func (s *EntitySet) IsKeyMember(name string) bool {
	m, ok := s.Member(name)
	return ok && m.Key
}

// Navigation looks a navigation property up by name.
func (s *EntitySet) Navigation(name string) (*Navigation, bool) {
	n, ok := s.navigations[name]
	return n, ok
}

// Navigations returns the navigation properties sorted by name.
func (s *EntitySet) Navigations() []*Navigation {
	out := make([]*Navigation, 0, len(s.navigations))
	for _, n := range s.navigations {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PrincipalOf lists associations in which this set is the principal.
func (s *EntitySet) PrincipalOf() []*Association { return s.principalOf }

// DependentOf lists associations in which this set is the dependent.
func (s *EntitySet) DependentOf() []*Association { return s.dependentOf }

// IsForeignKeyMember reports whether name carries a foreign key of any
// association the set depends on.
func (s *EntitySet) IsForeignKeyMember(name string) bool {
	for _, a := range s.dependentOf {
		for _, fk := range a.ForeignKey {
			if fk == name {
				return true
			}
		}
	}
	return false
}

// Columns maps member names to column names.
func (s *EntitySet) Columns() map[string]string {
	out := make(map[string]string, len(s.Members))
	for _, m := range s.Members {
		out[m.Name] = m.Column
	}
	return out
}

// Query builds a store query for the rows of s. Each element of keys holds
// key values in KeyMembers order; no keys selects the whole set.
func (s *EntitySet) Query(keys ...[]interface{}) store.Query {
	return store.Query{
		EntitySet:  s.Name,
		Table:      s.Table,
		Members:    s.MemberNames(),
		Columns:    s.Columns(),
		KeyMembers: append([]string(nil), s.KeyMembers...),
		Keys:       keys,
	}
}

// Association links a principal set to a dependent set. ForeignKey[i] on the
// dependent holds the value of the principal's KeyMembers[i].
type Association struct {
	Name          string
	Principal     *EntitySet
	Dependent     *EntitySet
	PrincipalNav  string // collection on the principal, may be empty
	DependentNav  string // reference on the dependent, may be empty
	ForeignKey    []string
	Required      bool
	CascadeDelete bool
}

// ForeignKeyNullable reports whether every FK member accepts null.
func (a *Association) ForeignKeyNullable() bool {
	for _, fk := range a.ForeignKey {
		if m, ok := a.Dependent.Member(fk); !ok || !m.Nullable {
			return false
		}
	}
	return true
}

// Navigation is a navigation property seen from its owning set.
type Navigation struct {
	Name        string
	Association *Association
	// FromPrincipal is true for the principal's collection of dependents and
	// false for the dependent's reference to its principal.
	FromPrincipal bool
}

// Target returns the set on the other side of the navigation.
func (n *Navigation) Target() *EntitySet {
	if n.FromPrincipal {
		return n.Association.Dependent
	}
	return n.Association.Principal
}

// Workspace is the metadata oracle consulted by the identity map.
type Workspace struct {
	sets         map[string]*EntitySet
	order        []*EntitySet
	byType       map[string][]*EntitySet
	associations []*Association
	types        *TypeRegistry
}

// NewWorkspace builds a Workspace from a validated model.
func NewWorkspace(model *config.Model) (*Workspace, error) {
	if model == nil {
		return nil, entrackerrors.NewConfigError("model cannot be nil", nil)
	}
	w := &Workspace{
		sets:   make(map[string]*EntitySet, len(model.EntitySets)),
		byType: make(map[string][]*EntitySet),
		types:  NewTypeRegistry(),
	}
	for i := range model.EntitySets {
		sc := &model.EntitySets[i]
		if _, dup := w.sets[sc.Name]; dup {
			return nil, entrackerrors.NewValidationError(fmt.Sprintf("entity set '%s' is declared more than once", sc.Name), nil)
		}
		set := &EntitySet{
			Name:        sc.Name,
			TypeName:    sc.TypeName(),
			Table:       sc.TableName(),
			memberIndex: make(map[string]int, len(sc.Members)),
			navigations: make(map[string]*Navigation),
		}
		for j := range sc.Members {
			mc := &sc.Members[j]
			set.Members = append(set.Members, Member{
				Name:           mc.Name,
				Column:         mc.ColumnName(),
				Kind:           mc.Kind,
				Key:            mc.Key,
				Nullable:       mc.Nullable,
				StoreGenerated: mc.StoreGenerated,
				Ordinal:        j,
			})
			set.memberIndex[mc.Name] = j
			if mc.Key {
				set.KeyMembers = append(set.KeyMembers, mc.Name)
			}
		}
		if len(set.KeyMembers) == 0 {
			return nil, entrackerrors.NewValidationError(fmt.Sprintf("entity set '%s' declares no key member", sc.Name), nil)
		}
		w.sets[set.Name] = set
		w.order = append(w.order, set)
		w.byType[set.TypeName] = append(w.byType[set.TypeName], set)
	}

	for _, ac := range model.Associations {
		principal, ok := w.sets[ac.Principal.EntitySet]
		if !ok {
			return nil, entrackerrors.NewValidationError(fmt.Sprintf("association '%s': unknown principal '%s'", ac.Name, ac.Principal.EntitySet), nil)
		}
		dependent, ok := w.sets[ac.Dependent.EntitySet]
		if !ok {
			return nil, entrackerrors.NewValidationError(fmt.Sprintf("association '%s': unknown dependent '%s'", ac.Name, ac.Dependent.EntitySet), nil)
		}
		if len(ac.ForeignKey) != len(principal.KeyMembers) {
			return nil, entrackerrors.NewValidationError(fmt.Sprintf("association '%s': foreign key arity does not match principal key", ac.Name), nil)
		}
		a := &Association{
			Name:          ac.Name,
			Principal:     principal,
			Dependent:     dependent,
			PrincipalNav:  ac.Principal.Navigation,
			DependentNav:  ac.Dependent.Navigation,
			ForeignKey:    append([]string(nil), ac.ForeignKey...),
			Required:      ac.Required,
			CascadeDelete: ac.OnDelete == config.OnDeleteCascade,
		}
		w.associations = append(w.associations, a)
		principal.principalOf = append(principal.principalOf, a)
		dependent.dependentOf = append(dependent.dependentOf, a)
		if a.PrincipalNav != "" {
			principal.navigations[a.PrincipalNav] = &Navigation{Name: a.PrincipalNav, Association: a, FromPrincipal: true}
		}
		if a.DependentNav != "" {
			dependent.navigations[a.DependentNav] = &Navigation{Name: a.DependentNav, Association: a}
		}
	}
	return w, nil
}

// EntitySet looks a set up by name.
func (w *Workspace) EntitySet(name string) (*EntitySet, bool) {
	s, ok := w.sets[name]
	return s, ok
}

// MustEntitySet is EntitySet returning a typed InvalidKey error on a miss.
func (w *Workspace) MustEntitySet(name string) (*EntitySet, error) {
	if s, ok := w.sets[name]; ok {
		return s, nil
	}
	return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeUnknownEntitySet, "", fmt.Sprintf("entity set '%s' is not declared", name), nil)
}

// EntitySets returns every set in declaration order.
func (w *Workspace) EntitySets() []*EntitySet {
	out := make([]*EntitySet, len(w.order))
	copy(out, w.order)
	return out
}

// EntitySetForType resolves the only set holding typeName.
func (w *Workspace) EntitySetForType(typeName string) (*EntitySet, error) {
	sets := w.byType[typeName]
	switch len(sets) {
	case 0:
		return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeTypeNotMapped, "", fmt.Sprintf("type '%s' is not mapped to an entity set", typeName), nil)
	case 1:
		return sets[0], nil
	default:
		return nil, entrackerrors.NewInvalidKeyError(entrackerrors.CodeAmbiguousEntitySet, "",
			fmt.Sprintf("type '%s' is mapped to %d entity sets; name one explicitly", typeName, len(sets)), nil)
	}
}

// Associations returns every association in declaration order.
func (w *Workspace) Associations() []*Association {
	out := make([]*Association, len(w.associations))
	copy(out, w.associations)
	return out
}

// Types returns the constructor registry.
func (w *Workspace) Types() *TypeRegistry { return w.types }
