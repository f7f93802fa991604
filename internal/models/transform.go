package models

import (
	"fmt"
	"math"
)

// TransformKind identifies a field transform.
type TransformKind int

const (
	TransformServerTimestamp TransformKind = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformIncrement
)

func (k TransformKind) String() string {
	switch k {
	case TransformServerTimestamp:
		return "serverTimestamp"
	case TransformArrayUnion:
		return "arrayUnion"
	case TransformArrayRemove:
		return "arrayRemove"
	case TransformIncrement:
		return "increment"
	}
	return fmt.Sprintf("TransformKind(%d)", int(k))
}

// FieldTransform describes a value the server computes at commit time.
// Elements is used by the array transforms and Operand by Increment.
type FieldTransform struct {
	Field    FieldPath     `json:"field"`
	Kind     TransformKind `json:"kind"`
	Elements []Value       `json:"elements,omitempty"`
	Operand  Value         `json:"operand"`
}

// ServerTimestampTransform sets field to the commit time.
func ServerTimestampTransform(field FieldPath) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformServerTimestamp}
}

// ArrayUnionTransform appends elements not already present.
func ArrayUnionTransform(field FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformArrayUnion, Elements: elements}
}

// ArrayRemoveTransform removes every occurrence of elements.
func ArrayRemoveTransform(field FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformArrayRemove, Elements: elements}
}

// IncrementTransform adds operand, which must be a number.
func IncrementTransform(field FieldPath, operand Value) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformIncrement, Operand: operand}
}

// ApplyToLocalView computes the optimistic value of the field given its
// previous value (nil when absent).
func (t FieldTransform) ApplyToLocalView(previous *Value, localWriteTime Timestamp) Value {
	switch t.Kind {
	case TransformServerTimestamp:
		// Chained pending timestamps keep the value from before the first one.
		if previous != nil && previous.kind == KindServerTimestamp {
			if p, ok := previous.PreviousValue(); ok {
				return ServerTimestampValue(localWriteTime, &p)
			}
			return ServerTimestampValue(localWriteTime, nil)
		}
		return ServerTimestampValue(localWriteTime, previous)
	case TransformArrayUnion:
		return t.applyArrayUnion(previous)
	case TransformArrayRemove:
		return t.applyArrayRemove(previous)
	case TransformIncrement:
		return t.applyIncrement(previous)
	}
	return NullValue()
}

// ApplyToRemoteDocument computes the committed value. The server reports the
// result of server timestamps and increments; array transforms are
// recomputed since the server returns null for them.
func (t FieldTransform) ApplyToRemoteDocument(previous *Value, serverResult Value) Value {
	switch t.Kind {
	case TransformArrayUnion:
		return t.applyArrayUnion(previous)
	case TransformArrayRemove:
		return t.applyArrayRemove(previous)
	}
	return serverResult
}

func coercedArray(v *Value) []Value {
	if v == nil || v.kind != KindArray {
		return nil
	}
	return v.arr
}

func (t FieldTransform) applyArrayUnion(previous *Value) Value {
	base := coercedArray(previous)
	out := make([]Value, 0, len(base)+len(t.Elements))
	out = append(out, base...)
	for _, e := range t.Elements {
		if !ArrayContains(out, e) {
			out = append(out, e)
		}
	}
	return ArrayValue(out...)
}

func (t FieldTransform) applyArrayRemove(previous *Value) Value {
	base := coercedArray(previous)
	out := make([]Value, 0, len(base))
	for _, e := range base {
		if !ArrayContains(t.Elements, e) {
			out = append(out, e)
		}
	}
	return ArrayValue(out...)
}

func (t FieldTransform) applyIncrement(previous *Value) Value {
	base := IntegerValue(0)
	if previous != nil && previous.IsNumber() {
		base = *previous
	}
	if base.kind == KindInteger && t.Operand.kind == KindInteger {
		return IntegerValue(saturatingAdd(base.i, t.Operand.i))
	}
	return DoubleValue(asDouble(base) + asDouble(t.Operand))
}

func asDouble(v Value) float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.d
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if a > 0 && b > 0 && sum < 0 {
		return math.MaxInt64
	}
	if a < 0 && b < 0 && sum >= 0 {
		return math.MinInt64
	}
	return sum
}

// IsIdempotent reports whether reapplying the transform is harmless.
func (t FieldTransform) IsIdempotent() bool { return t.Kind != TransformIncrement }
