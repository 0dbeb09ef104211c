package util

import (
	"reflect"
	"time"
)

// CopyValue returns a copy of a member value that shares no mutable memory
// with v. Snapshots and store rows hold these copies so later mutation of an
// entity (for example appending to a []byte field) cannot rewrite history.
func CopyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, time.Time:
		return x
	case []byte:
		if x == nil {
			return []byte(nil)
		}
		out := make([]byte, len(x))
		copy(out, x)
		return out
	case map[string]interface{}:
		return CopyValues(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = CopyValue(e)
		}
		return out
	}
	return copyReflect(reflect.ValueOf(v)).Interface()
}

// CopyValues copies a value bag.
func CopyValues(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = CopyValue(v)
	}
	return out
}

// copyReflect handles named scalar types, pointers, slices, maps and arrays.
// Structs are copied by value; their own pointer fields are shared, which is
// fine for the value types stored in members (time.Time, uuid.UUID, ...).
func copyReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		p := reflect.New(v.Type().Elem())
		p.Elem().Set(copyReflect(v.Elem()))
		return p
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		s := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			s.Index(i).Set(copyReflect(v.Index(i)))
		}
		return s
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		m := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			m.SetMapIndex(iter.Key(), copyReflect(iter.Value()))
		}
		return m
	case reflect.Array:
		a := reflect.New(v.Type()).Elem()
		reflect.Copy(a, v)
		return a
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		c := copyReflect(v.Elem())
		out := reflect.New(v.Type()).Elem()
		out.Set(c)
		return out
	}
	return v
}
