package store

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/kilupskalvis/docsync/internal/models"
)

// Index values are written with a prefix-free, order-preserving encoding:
// a type code, then a type-specific body. Variable-length bodies escape
// 0x00 as 0x00 0xFF and end with 0x00 0x01. Descending segments are the
// bitwise complement of the ascending encoding.
const (
	codeNull byte = 0x10 + iota
	codeBool
	codeNumber
	codeTimestamp
	codeServerTimestamp
	codeString
	codeBytes
	codeReference
	codeGeoPoint
	codeArray
	codeVector
	codeMap
)

var typeCodes = [...]byte{
	codeNull, codeBool, codeNumber, codeTimestamp, codeServerTimestamp, codeString,
	codeBytes, codeReference, codeGeoPoint, codeArray, codeVector, codeMap,
}

func typeCode(v models.Value) byte { return typeCodes[v.TypeOrder()] }

func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			buf = append(buf, 0x00, 0xff)
			continue
		}
		buf = append(buf, c)
	}
	return append(buf, 0x00, 0x01)
}

func appendDouble(buf []byte, d float64) []byte {
	var bits uint64
	switch {
	case math.IsNaN(d):
		bits = 0
	case d == 0:
		bits = math.Float64bits(0) ^ (1 << 63)
	default:
		bits = math.Float64bits(d)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits ^= 1 << 63
		}
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return append(buf, b[:]...)
}

func appendIndexValue(buf []byte, v models.Value) []byte {
	buf = append(buf, typeCode(v))
	switch v.Kind() {
	case models.KindNull:
	case models.KindBool:
		if v.BoolVal() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case models.KindInteger:
		buf = appendDouble(buf, float64(v.IntegerVal()))
	case models.KindDouble:
		buf = appendDouble(buf, v.DoubleVal())
	case models.KindTimestamp, models.KindServerTimestamp:
		buf = append(buf, encodeTimestamp(v.TimestampVal())...)
	case models.KindString:
		buf = appendEscaped(buf, []byte(v.StringVal()))
	case models.KindBytes:
		buf = appendEscaped(buf, v.BytesVal())
	case models.KindReference:
		for _, seg := range v.ReferenceKey().Path() {
			buf = appendEscaped(buf, []byte(seg))
		}
		buf = append(buf, 0x00, 0x00)
	case models.KindGeoPoint:
		g := v.GeoPointVal()
		buf = appendDouble(buf, g.Latitude)
		buf = appendDouble(buf, g.Longitude)
	case models.KindArray:
		for _, e := range v.ArrayVal() {
			buf = appendIndexValue(buf, e)
		}
		buf = append(buf, 0x00)
	case models.KindVector:
		vec := v.VectorVal()
		buf = append(buf, encodeInt(int64(len(vec)))...)
		for _, f := range vec {
			buf = appendDouble(buf, f)
		}
	case models.KindMap:
		m := v.MapVal()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendEscaped(buf, []byte(k))
			buf = appendIndexValue(buf, m[k])
		}
		buf = append(buf, 0x00, 0x00)
	}
	return buf
}

// encodeIndexValue returns the encoding of v for a segment of the given
// kind.
func encodeIndexValue(v models.Value, kind models.SegmentKind) []byte {
	enc := appendIndexValue(nil, v)
	if kind == models.SegmentDescending {
		for i := range enc {
			enc[i] = ^enc[i]
		}
	}
	return enc
}
