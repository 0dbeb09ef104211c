package objectstate

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gxo-labs/entrack/internal/members"
	"github.com/gxo-labs/entrack/internal/metadata"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
)

// KeyMember is one name/value pair of an EntityKey.
type KeyMember struct {
	Name  string
	Value interface{}
}

// EntityKey identifies one row: an entity set plus its key member values in
// declaration order, or a client-side temporary identity. Keys are immutable
// values; equality depends only on the set and the normalized values.
type EntityKey struct {
	entitySet string
	members   []KeyMember
	temporary string
	id        string
}

// NewEntityKey builds a permanent key. Values are normalized so that, for
// example, int32(1) and int64(1) produce equal keys. Nil values are rejected.
func NewEntityKey(entitySet string, keyMembers []KeyMember) (EntityKey, error) {
	if entitySet == "" {
		return EntityKey{}, entrackerrors.NewInvalidKeyError(entrackerrors.CodeKeyRequired, "", "entity set name is required", nil)
	}
	if len(keyMembers) == 0 {
		return EntityKey{}, entrackerrors.NewInvalidKeyError(entrackerrors.CodeInvalidKeyValue, entitySet, "key has no members", nil)
	}
	k := EntityKey{entitySet: entitySet, members: make([]KeyMember, len(keyMembers))}
	parts := make([]string, len(keyMembers))
	for i, m := range keyMembers {
		v := members.Normalize(m.Value)
		if v == nil {
			return EntityKey{}, entrackerrors.NewInvalidKeyError(entrackerrors.CodeInvalidKeyValue, entitySet,
				fmt.Sprintf("key member '%s' is null", m.Name), nil)
		}
		k.members[i] = KeyMember{Name: m.Name, Value: v}
		parts[i] = m.Name + "=" + canonical(v)
	}
	k.id = entitySet + "(" + strings.Join(parts, ",") + ")"
	return k, nil
}

// KeyFromValues builds the permanent key of set from a value bag holding at
// least the key members.
func KeyFromValues(set *metadata.EntitySet, values map[string]interface{}) (EntityKey, error) {
	kms := make([]KeyMember, len(set.KeyMembers))
	for i, name := range set.KeyMembers {
		kms[i] = KeyMember{Name: name, Value: values[name]}
	}
	return NewEntityKey(set.Name, kms)
}

// KeyFromEntity reads the key members of entity.
func KeyFromEntity(set *metadata.EntitySet, entity interface{}) (EntityKey, error) {
	kms := make([]KeyMember, len(set.KeyMembers))
	for i, name := range set.KeyMembers {
		v, err := members.Get(entity, name)
		if err != nil {
			return EntityKey{}, entrackerrors.NewInvalidKeyError(entrackerrors.CodeUnknownMember, set.Name,
				fmt.Sprintf("cannot read key member '%s'", name), err)
		}
		kms[i] = KeyMember{Name: name, Value: v}
	}
	return NewEntityKey(set.Name, kms)
}

// NewTemporaryKey returns a fresh client-side identity for an Added entity.
func NewTemporaryKey(entitySet string) EntityKey {
	t := uuid.NewString()
	return EntityKey{entitySet: entitySet, temporary: t, id: entitySet + "#" + t}
}

// IsZero reports whether k is the zero value.
func (k EntityKey) IsZero() bool { return k.id == "" }

// IsTemporary reports whether k is a client-side placeholder.
func (k EntityKey) IsTemporary() bool { return k.temporary != "" }

// EntitySet returns the entity set name.
func (k EntityKey) EntitySet() string { return k.entitySet }

// Members returns a copy of the key members. Temporary keys have none.
func (k EntityKey) Members() []KeyMember {
	out := make([]KeyMember, len(k.members))
	copy(out, k.members)
	return out
}

// Values returns the key values in member order.
func (k EntityKey) Values() []interface{} {
	out := make([]interface{}, len(k.members))
	for i, m := range k.members {
		out[i] = m.Value
	}
	return out
}

// Value returns the value of one key member.
func (k EntityKey) Value(name string) (interface{}, bool) {
	for _, m := range k.members {
		if m.Name == name {
			return m.Value, true
		}
	}
	return nil, false
}

// Equal compares two keys structurally.
func (k EntityKey) Equal(o EntityKey) bool { return k.id == o.id }

// ID is the canonical identity string, usable as a map key.
func (k EntityKey) ID() string { return k.id }

// String renders Customers(ID=1) or Customers(temporary).
func (k EntityKey) String() string {
	if k.id == "" {
		return "<no key>"
	}
	if k.IsTemporary() {
		return k.entitySet + "(temporary " + k.temporary[:8] + ")"
	}
	parts := make([]string, len(k.members))
	for i, m := range k.members {
		parts[i] = fmt.Sprintf("%s=%v", m.Name, m.Value)
	}
	return k.entitySet + "(" + strings.Join(parts, ",") + ")"
}

// canonical renders a normalized value with a type tag so values of
// different kinds never collide. Integral floats render as integers to
// agree with members.Equal.
func canonical(v interface{}) string {
	switch x := v.(type) {
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case uint64:
		return "u:" + strconv.FormatUint(x, 10)
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			return "i:" + strconv.FormatInt(int64(x), 10)
		}
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s:" + strconv.Quote(x)
	case bool:
		return "b:" + strconv.FormatBool(x)
	case []byte:
		return "x:" + hex.EncodeToString(x)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	case uuid.UUID:
		return "s:" + strconv.Quote(x.String())
	}
	return fmt.Sprintf("%T:%v", v, v)
}
