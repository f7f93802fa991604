package models

import (
	"encoding/json"
	"sort"
)

// ObjectValue is the top-level field map of a document. Nested maps are
// shared between copies and replaced, never edited, on write.
type ObjectValue struct {
	fields map[string]Value
}

// NewObjectValue returns an empty object.
func NewObjectValue() ObjectValue { return ObjectValue{fields: map[string]Value{}} }

// ObjectValueOf wraps fields. The map is owned by the returned value.
func ObjectValueOf(fields map[string]Value) ObjectValue {
	if fields == nil {
		fields = map[string]Value{}
	}
	return ObjectValue{fields: fields}
}

// Fields returns the top-level fields. Callers must not modify the map.
func (o ObjectValue) Fields() map[string]Value {
	if o.fields == nil {
		return map[string]Value{}
	}
	return o.fields
}

// Len returns the number of top-level fields.
func (o ObjectValue) Len() int { return len(o.fields) }

// Get returns the value at path.
func (o ObjectValue) Get(path FieldPath) (Value, bool) {
	if len(path) == 0 {
		return MapValue(o.fields), true
	}
	cur := o.fields
	for i, seg := range path {
		v, ok := cur[seg]
		if !ok {
			return Value{}, false
		}
		if i == len(path)-1 {
			return v, true
		}
		if v.kind != KindMap {
			return Value{}, false
		}
		cur = v.m
	}
	return Value{}, false
}

// Set stores v at path, creating intermediate maps as needed.
func (o *ObjectValue) Set(path FieldPath, v Value) {
	if len(path) == 0 {
		if v.kind == KindMap {
			o.fields = v.m
		}
		return
	}
	o.fields = setIn(o.fields, path, v)
}

func setIn(m map[string]Value, path FieldPath, v Value) map[string]Value {
	out := make(map[string]Value, len(m)+1)
	for k, e := range m {
		out[k] = e
	}
	if len(path) == 1 {
		out[path[0]] = v
		return out
	}
	var child map[string]Value
	if cur, ok := m[path[0]]; ok && cur.kind == KindMap {
		child = cur.m
	}
	out[path[0]] = MapValue(setIn(child, path[1:], v))
	return out
}

// Delete removes the value at path if present.
func (o *ObjectValue) Delete(path FieldPath) {
	if len(path) == 0 {
		return
	}
	if _, ok := o.Get(path); !ok {
		return
	}
	o.fields = deleteIn(o.fields, path)
}

func deleteIn(m map[string]Value, path FieldPath) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, e := range m {
		out[k] = e
	}
	if len(path) == 1 {
		delete(out, path[0])
		return out
	}
	cur := m[path[0]]
	out[path[0]] = MapValue(deleteIn(cur.m, path[1:]))
	return out
}

// Clone returns a copy whose top-level map can be modified independently.
func (o ObjectValue) Clone() ObjectValue {
	out := make(map[string]Value, len(o.fields))
	for k, v := range o.fields {
		out[k] = v
	}
	return ObjectValue{fields: out}
}

// Equal reports structural equality.
func (o ObjectValue) Equal(other ObjectValue) bool {
	return ValuesEqual(MapValue(o.fields), MapValue(other.fields))
}

// ToValue returns o as a map Value.
func (o ObjectValue) ToValue() Value { return MapValue(o.Fields()) }

// FieldMask lists every leaf path in the object. Empty nested maps count as
// leaves.
func (o ObjectValue) FieldMask() *FieldMask {
	mask := &FieldMask{}
	collectLeaves(o.fields, nil, mask)
	return mask
}

func collectLeaves(m map[string]Value, prefix FieldPath, mask *FieldMask) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := append(append(FieldPath{}, prefix...), k)
		v := m[k]
		if v.kind == KindMap && len(v.m) > 0 {
			collectLeaves(v.m, path, mask)
			continue
		}
		mask.Fields = append(mask.Fields, path)
	}
}

func (o ObjectValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Fields())
}

func (o *ObjectValue) UnmarshalJSON(data []byte) error {
	var fields map[string]Value
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*o = ObjectValueOf(fields)
	return nil
}

func (o ObjectValue) String() string { return o.ToValue().CanonicalString() }
