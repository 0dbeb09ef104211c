// Package members reads and writes entity members and navigations. Entities
// are either pointers to structs, whose fields are matched by name or by an
// `entrack:"name"` tag, or *Record value bags.
package members

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/gxo-labs/entrack/internal/util"
)

// Typed lets an entity name its identity type explicitly. Without it the
// struct type name is used.
type Typed interface {
	EntityType() string
}

// ErrUnknownMember is wrapped by errors for names an entity does not have.
var ErrUnknownMember = errors.New("unknown member")

// ErrNotEntity is returned for values that cannot be tracked.
var ErrNotEntity = errors.New("value is not a trackable entity")

var fieldCache sync.Map // reflect.Type -> map[string][]int

// Validate reports whether entity can be tracked: a non-nil *Record or a
// non-nil pointer to a struct.
func Validate(entity interface{}) error {
	if entity == nil {
		return ErrNotEntity
	}
	if r, ok := entity.(*Record); ok {
		if r == nil {
			return ErrNotEntity
		}
		return nil
	}
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: %T", ErrNotEntity, entity)
	}
	return nil
}

// TypeName returns the identity type of entity.
func TypeName(entity interface{}) (string, error) {
	if err := Validate(entity); err != nil {
		return "", err
	}
	if t, ok := entity.(Typed); ok {
		return t.EntityType(), nil
	}
	return reflect.TypeOf(entity).Elem().Name(), nil
}

// Same reports whether a and b are the same object.
func Same(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Ptr && vb.Kind() == reflect.Ptr {
		return va.Type() == vb.Type() && va.Pointer() == vb.Pointer()
	}
	return false
}

func fields(t reflect.Type) map[string][]int {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.(map[string][]int)
	}
	out := make(map[string][]int)
	collectFields(t, nil, out)
	actual, _ := fieldCache.LoadOrStore(t, out)
	return actual.(map[string][]int)
}

func collectFields(t reflect.Type, prefix []int, out map[string][]int) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(append([]int(nil), prefix...), i)
		tag := f.Tag.Get("entrack")
		if tag == "-" {
			continue
		}
		if f.Anonymous && tag == "" && f.Type.Kind() == reflect.Struct {
			collectFields(f.Type, index, out)
			continue
		}
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag != "" {
			name = strings.Split(tag, ",")[0]
		}
		if _, exists := out[name]; !exists || len(index) == 1 {
			out[name] = index
		}
	}
}

func field(entity interface{}, name string) (reflect.Value, error) {
	v := reflect.ValueOf(entity).Elem()
	index, ok := fields(v.Type())[name]
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w '%s' on %T", ErrUnknownMember, name, entity)
	}
	return v.FieldByIndex(index), nil
}

// Has reports whether entity exposes a member or navigation called name.
// Records accept every name.
func Has(entity interface{}, name string) bool {
	if _, ok := entity.(*Record); ok {
		return true
	}
	if Validate(entity) != nil {
		return false
	}
	_, ok := fields(reflect.TypeOf(entity).Elem())[name]
	return ok
}

// Get returns the value of a scalar member. Nil pointer fields read as nil,
// non-nil pointer fields are dereferenced.
func Get(entity interface{}, name string) (interface{}, error) {
	if r, ok := entity.(*Record); ok {
		return r.Get(name), nil
	}
	if err := Validate(entity); err != nil {
		return nil, err
	}
	f, err := field(entity, name)
	if err != nil {
		return nil, err
	}
	if f.Kind() == reflect.Ptr {
		if f.IsNil() {
			return nil, nil
		}
		return f.Elem().Interface(), nil
	}
	return f.Interface(), nil
}

// Set assigns value to a scalar member, converting between numeric kinds and
// between named and underlying types where that is lossless in intent.
func Set(entity interface{}, name string, value interface{}) error {
	if r, ok := entity.(*Record); ok {
		r.Set(name, value)
		return nil
	}
	if err := Validate(entity); err != nil {
		return err
	}
	f, err := field(entity, name)
	if err != nil {
		return err
	}
	cv, err := convert(value, f.Type())
	if err != nil {
		return fmt.Errorf("member '%s': %w", name, err)
	}
	f.Set(cv)
	return nil
}

// Snapshot copies the named scalar members into a value bag.
func Snapshot(entity interface{}, names []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(names))
	for _, n := range names {
		v, err := Get(entity, n)
		if err != nil {
			return nil, err
		}
		out[n] = util.CopyValue(v)
	}
	return out, nil
}

// Apply writes every value of a bag onto entity.
func Apply(entity interface{}, values map[string]interface{}) error {
	for n, v := range values {
		if err := Set(entity, n, util.CopyValue(v)); err != nil {
			return err
		}
	}
	return nil
}

func convert(value interface{}, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(t), nil
	}
	if t.Kind() == reflect.Ptr {
		raw := deref(value)
		if raw == nil {
			return reflect.Zero(t), nil
		}
		inner, err := convert(raw, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(inner)
		return p, nil
	}
	v := reflect.ValueOf(deref(value))
	if !v.IsValid() {
		return reflect.Zero(t), nil
	}
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	switch {
	case isNumeric(v.Kind()) && isNumeric(t.Kind()):
		if isInteger(t.Kind()) && isFloat(v.Kind()) && v.Float() != math.Trunc(v.Float()) {
			return reflect.Value{}, fmt.Errorf("cannot store %v in %s without truncation", v.Interface(), t)
		}
		return v.Convert(t), nil
	case v.Kind() == reflect.String && t.Kind() == reflect.String:
		return v.Convert(t), nil
	case v.Kind() == reflect.String && t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		return v.Convert(t), nil
	case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 && t.Kind() == reflect.String:
		return v.Convert(t), nil
	case t.Kind() == reflect.Bool && isInteger(v.Kind()):
		// sqlite stores booleans as integers.
		return reflect.ValueOf(toInt64(v) != 0).Convert(t), nil
	case v.Type().ConvertibleTo(t) && v.Kind() == t.Kind():
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot assign %T to %s", value, t)
}

func deref(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

func isInteger(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumeric(k reflect.Kind) bool {
	return isInteger(k) || isFloat(k)
}

func toInt64(v reflect.Value) int64 {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint())
	}
	return v.Int()
}
