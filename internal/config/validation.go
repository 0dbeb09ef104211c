package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct applies the validate tags on Model and flattens the field
// errors into one message.
func validateStruct(m *Model) error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s': rule '%s' expected '%s', got '%v'", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ValidateModelStructure checks the cross-references schema validation cannot
// express: unique names, key members, and association ends that resolve to
// real sets and members. All problems are returned.
func ValidateModelStructure(m *Model) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, entrackerrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	sets := make(map[string]*EntitySetConfig, len(m.EntitySets))
	navs := make(map[string]map[string]string)
	for i := range m.EntitySets {
		set := &m.EntitySets[i]
		if _, dup := sets[set.Name]; dup {
			add("entity set '%s' is declared more than once", set.Name)
			continue
		}
		sets[set.Name] = set
		navs[set.Name] = make(map[string]string)

		members := make(map[string]struct{}, len(set.Members))
		keys := 0
		for _, mem := range set.Members {
			if _, dup := members[mem.Name]; dup {
				add("entity set '%s': member '%s' is declared more than once", set.Name, mem.Name)
			}
			members[mem.Name] = struct{}{}
			if mem.Key {
				keys++
				if mem.Nullable {
					add("entity set '%s': key member '%s' cannot be nullable", set.Name, mem.Name)
				}
			}
		}
		if keys == 0 {
			add("entity set '%s' declares no key member", set.Name)
		}
	}

	assocNames := make(map[string]struct{}, len(m.Associations))
	for _, a := range m.Associations {
		if _, dup := assocNames[a.Name]; dup {
			add("association '%s' is declared more than once", a.Name)
		}
		assocNames[a.Name] = struct{}{}

		principal, okP := sets[a.Principal.EntitySet]
		dependent, okD := sets[a.Dependent.EntitySet]
		if !okP {
			add("association '%s': principal entity set '%s' is not declared", a.Name, a.Principal.EntitySet)
		}
		if !okD {
			add("association '%s': dependent entity set '%s' is not declared", a.Name, a.Dependent.EntitySet)
		}
		if !okP || !okD {
			continue
		}

		principalKeys := 0
		for _, mem := range principal.Members {
			if mem.Key {
				principalKeys++
			}
		}
		if len(a.ForeignKey) != principalKeys {
			add("association '%s': foreign key has %d member(s) but principal '%s' key has %d",
				a.Name, len(a.ForeignKey), principal.Name, principalKeys)
		}
		for _, fk := range a.ForeignKey {
			mem, found := findMember(dependent, fk)
			if !found {
				add("association '%s': foreign key member '%s' is not declared on '%s'", a.Name, fk, dependent.Name)
				continue
			}
			if a.Required && mem.Nullable {
				add("association '%s': required foreign key member '%s' cannot be nullable", a.Name, fk)
			}
		}

		checkNav := func(set *EntitySetConfig, nav string) {
			if nav == "" {
				return
			}
			if _, clash := findMember(set, nav); clash {
				add("association '%s': navigation '%s' collides with a member of '%s'", a.Name, nav, set.Name)
			}
			if owner, dup := navs[set.Name][nav]; dup {
				add("association '%s': navigation '%s' on '%s' is already used by association '%s'", a.Name, nav, set.Name, owner)
				return
			}
			navs[set.Name][nav] = a.Name
		}
		checkNav(principal, a.Principal.Navigation)
		checkNav(dependent, a.Dependent.Navigation)
	}

	if m.Connection != nil {
		if m.Connection.OpenDelay != "" {
			if d, err := time.ParseDuration(m.Connection.OpenDelay); err != nil || d < 0 {
				add("connection: invalid 'openDelay' '%s'", m.Connection.OpenDelay)
			}
		}
		if m.Connection.DSN != "" && m.Connection.DSNEnv != "" {
			add("connection: 'dsn' and 'dsnEnv' are mutually exclusive")
		}
	}
	return errs
}

func findMember(set *EntitySetConfig, name string) (*MemberConfig, bool) {
	for i := range set.Members {
		if set.Members[i].Name == name {
			return &set.Members[i], true
		}
	}
	return nil, false
}
