package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInteger
	KindDouble
	KindTimestamp
	KindServerTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindVector
	KindMap
)

// Type precedence used for cross-type ordering. Integers and doubles share
// a slot.
const (
	typeOrderNull = iota
	typeOrderBool
	typeOrderNumber
	typeOrderTimestamp
	typeOrderServerTimestamp
	typeOrderString
	typeOrderBytes
	typeOrderReference
	typeOrderGeoPoint
	typeOrderArray
	typeOrderVector
	typeOrderMap
)

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Value is an immutable field value. The zero Value is null.
type Value struct {
	kind  ValueKind
	b     bool
	i     int64
	d     float64
	ts    Timestamp
	s     string
	bytes []byte
	geo   GeoPoint
	arr   []Value
	vec   []float64
	m     map[string]Value
	prev  *Value
}

func NullValue() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }
func IntegerValue(i int64) Value { return Value{kind: KindInteger, i: i} }
func DoubleValue(d float64) Value { return Value{kind: KindDouble, d: d} }
func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func BytesValue(b []byte) Value { return Value{kind: KindBytes, bytes: b} }
func TimestampValue(t Timestamp) Value { return Value{kind: KindTimestamp, ts: t} }

// ReferenceValue references another document by its path.
func ReferenceValue(key DocumentKey) Value { return Value{kind: KindReference, s: key.String()} }

func GeoPointValue(lat, lng float64) Value {
	return Value{kind: KindGeoPoint, geo: GeoPoint{Latitude: lat, Longitude: lng}}
}

func ArrayValue(vals ...Value) Value { return Value{kind: KindArray, arr: vals} }

func VectorValue(vec []float64) Value { return Value{kind: KindVector, vec: vec} }

func MapValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// ServerTimestampValue is the local placeholder for a pending server
// timestamp. previous is the value the field held before the write, if any.
func ServerTimestampValue(localWriteTime Timestamp, previous *Value) Value {
	v := Value{kind: KindServerTimestamp, ts: localWriteTime}
	if previous != nil {
		p := *previous
		v.prev = &p
	}
	return v
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) BoolVal() bool { return v.b }
func (v Value) IntegerVal() int64 { return v.i }
func (v Value) DoubleVal() float64 { return v.d }
func (v Value) StringVal() string { return v.s }
func (v Value) BytesVal() []byte { return v.bytes }
func (v Value) TimestampVal() Timestamp { return v.ts }
func (v Value) GeoPointVal() GeoPoint { return v.geo }
func (v Value) ArrayVal() []Value { return v.arr }
func (v Value) VectorVal() []float64 { return v.vec }
func (v Value) MapVal() map[string]Value { return v.m }
func (v Value) LocalWriteTime() Timestamp { return v.ts }

// PreviousValue returns the value a pending server timestamp replaced.
func (v Value) PreviousValue() (Value, bool) {
	if v.prev == nil {
		return Value{}, false
	}
	return *v.prev, true
}

// ReferenceKey returns the referenced document key.
func (v Value) ReferenceKey() DocumentKey { return DocumentKey{path: v.s} }

// IsNumber reports whether v is an integer or a double.
func (v Value) IsNumber() bool { return v.kind == KindInteger || v.kind == KindDouble }

// IsNaN reports whether v is the double NaN.
func (v Value) IsNaN() bool { return v.kind == KindDouble && math.IsNaN(v.d) }

// TypeOrder returns the cross-type precedence of v.
func (v Value) TypeOrder() int {
	switch v.kind {
	case KindNull:
		return typeOrderNull
	case KindBool:
		return typeOrderBool
	case KindInteger, KindDouble:
		return typeOrderNumber
	case KindTimestamp:
		return typeOrderTimestamp
	case KindServerTimestamp:
		return typeOrderServerTimestamp
	case KindString:
		return typeOrderString
	case KindBytes:
		return typeOrderBytes
	case KindReference:
		return typeOrderReference
	case KindGeoPoint:
		return typeOrderGeoPoint
	case KindArray:
		return typeOrderArray
	case KindVector:
		return typeOrderVector
	}
	return typeOrderMap
}

// CompareValues orders values by type precedence, then by per-type rules.
func CompareValues(a, b Value) int {
	ta, tb := a.TypeOrder(), b.TypeOrder()
	if ta != tb {
		return cmpInt(ta, tb)
	}
	switch ta {
	case typeOrderNull:
		return 0
	case typeOrderBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		}
		return 1
	case typeOrderNumber:
		return compareNumbers(a, b)
	case typeOrderTimestamp, typeOrderServerTimestamp:
		return a.ts.Compare(b.ts)
	case typeOrderString:
		return strings.Compare(a.s, b.s)
	case typeOrderBytes:
		return bytes.Compare(a.bytes, b.bytes)
	case typeOrderReference:
		return ParseResourcePath(a.s).Compare(ParseResourcePath(b.s))
	case typeOrderGeoPoint:
		if c := compareDoubles(a.geo.Latitude, b.geo.Latitude); c != 0 {
			return c
		}
		return compareDoubles(a.geo.Longitude, b.geo.Longitude)
	case typeOrderArray:
		n := min(len(a.arr), len(b.arr))
		for i := 0; i < n; i++ {
			if c := CompareValues(a.arr[i], b.arr[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(a.arr), len(b.arr))
	case typeOrderVector:
		if c := cmpInt(len(a.vec), len(b.vec)); c != 0 {
			return c
		}
		for i := range a.vec {
			if c := compareDoubles(a.vec[i], b.vec[i]); c != 0 {
				return c
			}
		}
		return 0
	}
	return compareMaps(a.m, b.m)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareDoubles orders NaN before every other number.
func compareDoubles(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	}
	return 1
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInteger && b.kind == KindInteger {
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	}
	if a.kind == KindDouble && b.kind == KindDouble {
		return compareDoubles(a.d, b.d)
	}
	if a.kind == KindInteger {
		return -compareDoubleToInt(b.d, a.i)
	}
	return compareDoubleToInt(a.d, b.i)
}

func compareDoubleToInt(d float64, i int64) int {
	if math.IsNaN(d) {
		return -1
	}
	if c := compareDoubles(d, float64(i)); c != 0 {
		return c
	}
	// float64(i) may have rounded; compare exactly when d is integral and in range.
	if d >= -9.223372036854775808e18 && d < 9.223372036854775808e18 {
		di := int64(d)
		switch {
		case di < i:
			return -1
		case di > i:
			return 1
		}
	}
	return 0
}

func compareMaps(a, b map[string]Value) int {
	ak := sortedKeys(a)
	bk := sortedKeys(b)
	n := min(len(ak), len(bk))
	for i := 0; i < n; i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(len(ak), len(bk))
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValuesEqual reports structural equality. Integers never equal doubles;
// NaN equals NaN.
func ValuesEqual(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInteger:
		return a.i == b.i
	case KindDouble:
		if math.IsNaN(a.d) && math.IsNaN(b.d) {
			return true
		}
		return math.Float64bits(a.d) == math.Float64bits(b.d)
	case KindTimestamp, KindServerTimestamp:
		return a.ts == b.ts
	case KindString, KindReference:
		return a.s == b.s
	case KindBytes:
		return bytes.Equal(a.bytes, b.bytes)
	case KindGeoPoint:
		return a.geo == b.geo
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !ValuesEqual(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindVector:
		if len(a.vec) != len(b.vec) {
			return false
		}
		for i := range a.vec {
			if math.Float64bits(a.vec[i]) != math.Float64bits(b.vec[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !ValuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// ArrayContains reports whether arr holds an element equal to v.
func ArrayContains(arr []Value, v Value) bool {
	for _, e := range arr {
		if ValuesEqual(e, v) {
			return true
		}
	}
	return false
}

// CanonicalString renders v deterministically; used to build canonical ids.
func (v Value) CanonicalString() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.d, 'g', -1, 64)
	case KindTimestamp:
		return fmt.Sprintf("time(%d,%d)", v.ts.Seconds, v.ts.Nanos)
	case KindServerTimestamp:
		return fmt.Sprintf("serverTimestamp(%d,%d)", v.ts.Seconds, v.ts.Nanos)
	case KindString:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.bytes)
	case KindReference:
		return v.s
	case KindGeoPoint:
		return fmt.Sprintf("geo(%g,%g)", v.geo.Latitude, v.geo.Longitude)
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.CanonicalString()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindVector:
		parts := make([]string, len(v.vec))
		for i, f := range v.vec {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return "vector[" + strings.Join(parts, ",") + "]"
	}
	keys := sortedKeys(v.m)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + v.m[k].CanonicalString()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (v Value) String() string { return v.CanonicalString() }

type serverTimestampJSON struct {
	LocalWriteTime Timestamp `json:"localWriteTime"`
	PreviousValue  *Value    `json:"previousValue,omitempty"`
}

type arrayJSON struct {
	Values []Value `json:"values"`
}

type mapJSON struct {
	Fields map[string]Value `json:"fields"`
}

func encodeDouble(d float64) any {
	switch {
	case math.IsNaN(d):
		return "NaN"
	case math.IsInf(d, 1):
		return "Infinity"
	case math.IsInf(d, -1):
		return "-Infinity"
	}
	return d
}

// MarshalJSON writes the tagged single-key form, e.g. {"integerValue":"5"}.
func (v Value) MarshalJSON() ([]byte, error) {
	var out map[string]any
	switch v.kind {
	case KindNull:
		out = map[string]any{"nullValue": nil}
	case KindBool:
		out = map[string]any{"booleanValue": v.b}
	case KindInteger:
		out = map[string]any{"integerValue": strconv.FormatInt(v.i, 10)}
	case KindDouble:
		out = map[string]any{"doubleValue": encodeDouble(v.d)}
	case KindTimestamp:
		out = map[string]any{"timestampValue": v.ts}
	case KindServerTimestamp:
		out = map[string]any{"serverTimestampValue": serverTimestampJSON{LocalWriteTime: v.ts, PreviousValue: v.prev}}
	case KindString:
		out = map[string]any{"stringValue": v.s}
	case KindBytes:
		out = map[string]any{"bytesValue": v.bytes}
	case KindReference:
		out = map[string]any{"referenceValue": v.s}
	case KindGeoPoint:
		out = map[string]any{"geoPointValue": v.geo}
	case KindArray:
		vals := v.arr
		if vals == nil {
			vals = []Value{}
		}
		out = map[string]any{"arrayValue": arrayJSON{Values: vals}}
	case KindVector:
		vals := make([]any, len(v.vec))
		for i, f := range v.vec {
			vals[i] = encodeDouble(f)
		}
		out = map[string]any{"vectorValue": vals}
	case KindMap:
		fields := v.m
		if fields == nil {
			fields = map[string]Value{}
		}
		out = map[string]any{"mapValue": mapJSON{Fields: fields}}
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
	return json.Marshal(out)
}

func decodeDouble(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return strconv.ParseFloat(s, 64)
	}
	var d float64
	err := json.Unmarshal(raw, &d)
	return d, err
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("decode value: expected exactly one tag, got %d", len(raw))
	}
	for tag, body := range raw {
		switch tag {
		case "nullValue":
			*v = NullValue()
		case "booleanValue":
			var b bool
			if err := json.Unmarshal(body, &b); err != nil {
				return err
			}
			*v = BoolValue(b)
		case "integerValue":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return err
			}
			i, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("decode integerValue: %w", err)
			}
			*v = IntegerValue(i)
		case "doubleValue":
			d, err := decodeDouble(body)
			if err != nil {
				return fmt.Errorf("decode doubleValue: %w", err)
			}
			*v = DoubleValue(d)
		case "timestampValue":
			var ts Timestamp
			if err := json.Unmarshal(body, &ts); err != nil {
				return err
			}
			*v = TimestampValue(ts)
		case "serverTimestampValue":
			var st serverTimestampJSON
			if err := json.Unmarshal(body, &st); err != nil {
				return err
			}
			*v = ServerTimestampValue(st.LocalWriteTime, st.PreviousValue)
		case "stringValue":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return err
			}
			*v = StringValue(s)
		case "bytesValue":
			var b []byte
			if err := json.Unmarshal(body, &b); err != nil {
				return err
			}
			*v = BytesValue(b)
		case "referenceValue":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return err
			}
			*v = Value{kind: KindReference, s: s}
		case "geoPointValue":
			var g GeoPoint
			if err := json.Unmarshal(body, &g); err != nil {
				return err
			}
			*v = GeoPointValue(g.Latitude, g.Longitude)
		case "arrayValue":
			var a arrayJSON
			if err := json.Unmarshal(body, &a); err != nil {
				return err
			}
			*v = ArrayValue(a.Values...)
		case "vectorValue":
			var raws []json.RawMessage
			if err := json.Unmarshal(body, &raws); err != nil {
				return err
			}
			vec := make([]float64, len(raws))
			for i, r := range raws {
				d, err := decodeDouble(r)
				if err != nil {
					return fmt.Errorf("decode vectorValue: %w", err)
				}
				vec[i] = d
			}
			*v = VectorValue(vec)
		case "mapValue":
			var m mapJSON
			if err := json.Unmarshal(body, &m); err != nil {
				return err
			}
			*v = MapValue(m.Fields)
		default:
			return fmt.Errorf("decode value: unknown tag %q", tag)
		}
	}
	return nil
}
