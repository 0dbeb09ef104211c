package members

import "sort"

// Record is a value-bag entity used when no Go type is registered for an
// entity set. Scalar members, reference navigations and collection
// navigations are stored in separate maps.
type Record struct {
	typeName    string
	values      map[string]interface{}
	references  map[string]interface{}
	collections map[string][]interface{}
}

// NewRecord creates an empty Record of the given identity type.
func NewRecord(typeName string) *Record {
	return &Record{
		typeName:    typeName,
		values:      make(map[string]interface{}),
		references:  make(map[string]interface{}),
		collections: make(map[string][]interface{}),
	}
}

// NewRecordWith creates a Record with initial scalar values.
func NewRecordWith(typeName string, values map[string]interface{}) *Record {
	r := NewRecord(typeName)
	for k, v := range values {
		r.values[k] = v
	}
	return r
}

func (r *Record) EntityType() string { return r.typeName }

// Get returns a scalar member value.
func (r *Record) Get(name string) interface{} { return r.values[name] }

// Set assigns a scalar member value.
func (r *Record) Set(name string, value interface{}) { r.values[name] = value }

// Names returns the scalar member names in sorted order.
func (r *Record) Names() []string {
	names := make([]string, 0, len(r.values))
	for k := range r.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Ref returns the entity a reference navigation points at.
func (r *Record) Ref(nav string) interface{} { return r.references[nav] }

// SetRef points a reference navigation at target. Nil clears it.
func (r *Record) SetRef(nav string, target interface{}) {
	if target == nil {
		delete(r.references, nav)
		return
	}
	r.references[nav] = target
}

// Collection returns the members of a collection navigation.
func (r *Record) Collection(nav string) []interface{} { return r.collections[nav] }

// Add appends target to a collection navigation unless already present.
func (r *Record) Add(nav string, target interface{}) {
	for _, e := range r.collections[nav] {
		if e == target {
			return
		}
	}
	r.collections[nav] = append(r.collections[nav], target)
}

// Remove drops target from a collection navigation.
func (r *Record) Remove(nav string, target interface{}) {
	items := r.collections[nav]
	for i, e := range items {
		if e == target {
			r.collections[nav] = append(items[:i:i], items[i+1:]...)
			return
		}
	}
}
