package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kilupskalvis/docsync/internal/models"
)

// parseFields decodes a plain JSON object, e.g. {"name":"lobby","size":3},
// into document fields. Whole numbers become integers.
func parseFields(data string) (models.ObjectValue, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return models.ObjectValue{}, fmt.Errorf("fields must be a JSON object: %w", err)
	}
	if dec.More() {
		return models.ObjectValue{}, fmt.Errorf("fields must be a single JSON object")
	}

	fields := make(map[string]models.Value, len(raw))
	for k, v := range raw {
		val, err := valueOf(v)
		if err != nil {
			return models.ObjectValue{}, fmt.Errorf("field %q: %w", k, err)
		}
		fields[k] = val
	}
	return models.ObjectValueOf(fields), nil
}

// parseLiteral reads a command line value. JSON literals keep their type;
// anything else is a string.
func parseLiteral(s string) models.Value {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil || dec.More() {
		return models.StringValue(s)
	}
	v, err := valueOf(raw)
	if err != nil {
		return models.StringValue(s)
	}
	return v
}

func valueOf(raw any) (models.Value, error) {
	switch v := raw.(type) {
	case nil:
		return models.NullValue(), nil
	case bool:
		return models.BoolValue(v), nil
	case string:
		return models.StringValue(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return models.IntegerValue(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return models.Value{}, err
		}
		return models.DoubleValue(f), nil
	case []any:
		vals := make([]models.Value, 0, len(v))
		for _, e := range v {
			val, err := valueOf(e)
			if err != nil {
				return models.Value{}, err
			}
			vals = append(vals, val)
		}
		return models.ArrayValue(vals...), nil
	case map[string]any:
		m := make(map[string]models.Value, len(v))
		for k, e := range v {
			val, err := valueOf(e)
			if err != nil {
				return models.Value{}, err
			}
			m[k] = val
		}
		return models.MapValue(m), nil
	}
	return models.Value{}, fmt.Errorf("unsupported JSON value %T", raw)
}

// plainValue converts a field value into something encoding/json writes
// the way a user typed it.
func plainValue(v models.Value) any {
	switch v.Kind() {
	case models.KindBool:
		return v.BoolVal()
	case models.KindInteger:
		return v.IntegerVal()
	case models.KindDouble:
		d := v.DoubleVal()
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Sprint(d)
		}
		return d
	case models.KindTimestamp:
		return v.TimestampVal().Time().Format(time.RFC3339Nano)
	case models.KindServerTimestamp:
		// Not yet resolved by the backend.
		return nil
	case models.KindString:
		return v.StringVal()
	case models.KindBytes:
		return v.BytesVal()
	case models.KindReference:
		return v.ReferenceKey().String()
	case models.KindGeoPoint:
		return v.GeoPointVal()
	case models.KindArray:
		out := make([]any, 0, len(v.ArrayVal()))
		for _, e := range v.ArrayVal() {
			out = append(out, plainValue(e))
		}
		return out
	case models.KindVector:
		return v.VectorVal()
	case models.KindMap:
		out := make(map[string]any, len(v.MapVal()))
		for k, e := range v.MapVal() {
			out[k] = plainValue(e)
		}
		return out
	}
	return nil
}

// formatFields renders document fields as indented JSON. encoding/json
// sorts map keys.
func formatFields(data models.ObjectValue) string {
	plain := make(map[string]any, data.Len())
	for k, v := range data.Fields() {
		plain[k] = plainValue(v)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plain); err != nil {
		return data.String()
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// compactFields renders document fields as single-line JSON.
func compactFields(data models.ObjectValue) string {
	plain := make(map[string]any, data.Len())
	for k, v := range data.Fields() {
		plain[k] = plainValue(v)
	}
	out, err := json.Marshal(plain)
	if err != nil {
		return data.String()
	}
	return string(out)
}
