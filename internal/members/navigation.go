package members

import (
	"fmt"
	"reflect"
)

// Reference returns the entity a reference navigation points at, or nil.
func Reference(entity interface{}, nav string) (interface{}, error) {
	if r, ok := entity.(*Record); ok {
		return r.Ref(nav), nil
	}
	if err := Validate(entity); err != nil {
		return nil, err
	}
	f, err := field(entity, nav)
	if err != nil {
		return nil, err
	}
	if isNilValue(f) {
		return nil, nil
	}
	return f.Interface(), nil
}

// SetReference points a reference navigation at target; nil clears it.
func SetReference(entity interface{}, nav string, target interface{}) error {
	if r, ok := entity.(*Record); ok {
		r.SetRef(nav, target)
		return nil
	}
	if err := Validate(entity); err != nil {
		return err
	}
	f, err := field(entity, nav)
	if err != nil {
		return err
	}
	if target == nil {
		f.Set(reflect.Zero(f.Type()))
		return nil
	}
	tv := reflect.ValueOf(target)
	if !tv.Type().AssignableTo(f.Type()) {
		return fmt.Errorf("navigation '%s': cannot assign %T to %s", nav, target, f.Type())
	}
	f.Set(tv)
	return nil
}

// Collection returns the entities of a collection navigation. Struct
// entities must declare the navigation as a slice of pointers or interfaces.
func Collection(entity interface{}, nav string) ([]interface{}, error) {
	if r, ok := entity.(*Record); ok {
		items := r.Collection(nav)
		out := make([]interface{}, len(items))
		copy(out, items)
		return out, nil
	}
	if err := Validate(entity); err != nil {
		return nil, err
	}
	f, err := field(entity, nav)
	if err != nil {
		return nil, err
	}
	if f.Kind() != reflect.Slice {
		return nil, fmt.Errorf("navigation '%s' on %T is not a collection", nav, entity)
	}
	out := make([]interface{}, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		if e := f.Index(i); !isNilValue(e) {
			out = append(out, e.Interface())
		}
	}
	return out, nil
}

// AddToCollection appends target unless the collection already holds it.
func AddToCollection(entity interface{}, nav string, target interface{}) error {
	if r, ok := entity.(*Record); ok {
		r.Add(nav, target)
		return nil
	}
	if err := Validate(entity); err != nil {
		return err
	}
	f, err := field(entity, nav)
	if err != nil {
		return err
	}
	if f.Kind() != reflect.Slice {
		return fmt.Errorf("navigation '%s' on %T is not a collection", nav, entity)
	}
	for i := 0; i < f.Len(); i++ {
		if Same(f.Index(i).Interface(), target) {
			return nil
		}
	}
	tv := reflect.ValueOf(target)
	if !tv.Type().AssignableTo(f.Type().Elem()) {
		return fmt.Errorf("navigation '%s': cannot add %T to %s", nav, target, f.Type())
	}
	f.Set(reflect.Append(f, tv))
	return nil
}

// RemoveFromCollection drops target from the collection if present.
func RemoveFromCollection(entity interface{}, nav string, target interface{}) error {
	if r, ok := entity.(*Record); ok {
		r.Remove(nav, target)
		return nil
	}
	if err := Validate(entity); err != nil {
		return err
	}
	f, err := field(entity, nav)
	if err != nil {
		return err
	}
	if f.Kind() != reflect.Slice {
		return fmt.Errorf("navigation '%s' on %T is not a collection", nav, entity)
	}
	for i := 0; i < f.Len(); i++ {
		if Same(f.Index(i).Interface(), target) {
			rest := reflect.AppendSlice(f.Slice3(0, i, i), f.Slice(i+1, f.Len()))
			f.Set(rest)
			return nil
		}
	}
	return nil
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return !v.IsValid()
}
