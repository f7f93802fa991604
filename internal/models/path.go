// Package models defines the core data structures of the sync engine:
// document keys and paths, field values, documents, mutations and batches,
// queries and targets, and the remote events produced by the watch stream.
package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// KeyFieldName is the reserved field path that addresses a document's key.
const KeyFieldName = "__name__"

// ResourcePath is a slash separated path of collection and document ids.
type ResourcePath []string

// ParseResourcePath splits a slash separated path. Empty segments are ignored.
func ParseResourcePath(path string) ResourcePath {
	var segs ResourcePath
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func (p ResourcePath) String() string { return strings.Join(p, "/") }

// Child returns a new path with segs appended.
func (p ResourcePath) Child(segs ...string) ResourcePath {
	out := make(ResourcePath, 0, len(p)+len(segs))
	out = append(out, p...)
	return append(out, segs...)
}

// Parent returns the path without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// LastSegment returns the final segment or "" for the root path.
func (p ResourcePath) LastSegment() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// IsPrefixOf reports whether p is a (non-strict) prefix of other.
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p) > len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether other is exactly one segment below p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p)+1 == len(other) && p.IsPrefixOf(other)
}

// IsDocumentPath reports whether the path has an even, non-zero length.
func (p ResourcePath) IsDocumentPath() bool {
	return len(p) > 0 && len(p)%2 == 0
}

// Equal reports segment-wise equality.
func (p ResourcePath) Equal(other ResourcePath) bool {
	return len(p) == len(other) && p.IsPrefixOf(other)
}

// Compare orders paths segment by segment; a prefix sorts first.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := min(len(p), len(other))
	for i := 0; i < n; i++ {
		if c := compareSegments(p[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	}
	return 0
}

// numericID returns the integer encoded in a "__id<n>__" segment.
func numericID(seg string) (int64, bool) {
	if !strings.HasPrefix(seg, "__id") || !strings.HasSuffix(seg, "__") || len(seg) <= 6 {
		return 0, false
	}
	n, err := strconv.ParseInt(seg[4:len(seg)-2], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// compareSegments sorts numeric-id segments before name segments, numeric
// ids numerically, and names byte-wise.
func compareSegments(a, b string) int {
	an, aNum := numericID(a)
	bn, bNum := numericID(b)
	switch {
	case aNum && bNum:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(a, b)
}

// DocumentKey uniquely identifies a document. It is comparable and can be
// used as a map key.
type DocumentKey struct {
	path string
}

// NewDocumentKey parses and validates a document path.
func NewDocumentKey(path string) (DocumentKey, error) {
	p := ParseResourcePath(path)
	if !p.IsDocumentPath() {
		return DocumentKey{}, fmt.Errorf("invalid document path %q: must have an even number of segments", path)
	}
	return DocumentKey{path: p.String()}, nil
}

// MustDocumentKey is NewDocumentKey that panics on invalid input. Intended
// for tests and constants.
func MustDocumentKey(path string) DocumentKey {
	k, err := NewDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return k
}

// DocumentKeyFromPath builds a key from an already split path.
func DocumentKeyFromPath(p ResourcePath) (DocumentKey, error) {
	if !p.IsDocumentPath() {
		return DocumentKey{}, fmt.Errorf("invalid document path %q", p.String())
	}
	return DocumentKey{path: p.String()}, nil
}

// IsZero reports whether k is the zero key.
func (k DocumentKey) IsZero() bool { return k.path == "" }

func (k DocumentKey) String() string { return k.path }

// Path returns the key's segments.
func (k DocumentKey) Path() ResourcePath { return ParseResourcePath(k.path) }

// ID returns the last segment.
func (k DocumentKey) ID() string { return k.Path().LastSegment() }

// CollectionPath returns the path of the collection containing the document.
func (k DocumentKey) CollectionPath() ResourcePath { return k.Path().Parent() }

// CollectionGroup returns the id of the containing collection.
func (k DocumentKey) CollectionGroup() string {
	p := k.Path()
	return p[len(p)-2]
}

// Compare orders keys by path.
func (k DocumentKey) Compare(other DocumentKey) int {
	if k.path == other.path {
		return 0
	}
	return k.Path().Compare(other.Path())
}

func (k DocumentKey) MarshalText() ([]byte, error) { return []byte(k.path), nil }

func (k *DocumentKey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = DocumentKey{}
		return nil
	}
	key, err := NewDocumentKey(string(b))
	if err != nil {
		return err
	}
	*k = key
	return nil
}

// FieldPath addresses a (possibly nested) field within a document.
type FieldPath []string

var simpleSegment = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// ParseFieldPath splits a dotted path. Segments may be quoted with backticks
// to include dots.
func ParseFieldPath(s string) (FieldPath, error) {
	if s == "" {
		return nil, fmt.Errorf("empty field path")
	}
	var (
		segs   FieldPath
		cur    strings.Builder
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '`':
			quoted = !quoted
		case c == '\\' && quoted && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '.' && !quoted:
			if cur.Len() == 0 {
				return nil, fmt.Errorf("invalid field path %q: empty segment", s)
			}
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quoted {
		return nil, fmt.Errorf("invalid field path %q: unterminated backtick", s)
	}
	if cur.Len() == 0 {
		return nil, fmt.Errorf("invalid field path %q: empty segment", s)
	}
	return append(segs, cur.String()), nil
}

// MustFieldPath is ParseFieldPath that panics on invalid input.
func MustFieldPath(s string) FieldPath {
	p, err := ParseFieldPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// KeyField returns the field path addressing the document key.
func KeyField() FieldPath { return FieldPath{KeyFieldName} }

// IsKeyField reports whether the path is the document key path.
func (f FieldPath) IsKeyField() bool { return len(f) == 1 && f[0] == KeyFieldName }

// CanonicalString joins segments with dots, quoting segments that are not
// simple identifiers.
func (f FieldPath) CanonicalString() string {
	parts := make([]string, len(f))
	for i, s := range f {
		if simpleSegment.MatchString(s) {
			parts[i] = s
			continue
		}
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, "`", "\\`")
		parts[i] = "`" + s + "`"
	}
	return strings.Join(parts, ".")
}

func (f FieldPath) String() string { return f.CanonicalString() }

// Equal reports segment-wise equality.
func (f FieldPath) Equal(other FieldPath) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// IsPrefixOf reports whether f is a (non-strict) prefix of other.
func (f FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(f) > len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// Compare orders field paths segment-wise.
func (f FieldPath) Compare(other FieldPath) int {
	n := min(len(f), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(f[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(f) < len(other):
		return -1
	case len(f) > len(other):
		return 1
	}
	return 0
}

// Parent returns the path without its last segment.
func (f FieldPath) Parent() FieldPath {
	if len(f) == 0 {
		return nil
	}
	return f[:len(f)-1]
}

// FieldMask is a set of field paths. A nil *FieldMask means "every field".
type FieldMask struct {
	Fields []FieldPath `json:"fields"`
}

// Covers reports whether path is equal to or nested under a masked field.
func (m *FieldMask) Covers(path FieldPath) bool {
	if m == nil {
		return true
	}
	for _, f := range m.Fields {
		if f.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// Add inserts path if it is not already present.
func (m *FieldMask) Add(paths ...FieldPath) {
	for _, p := range paths {
		found := false
		for _, f := range m.Fields {
			if f.Equal(p) {
				found = true
				break
			}
		}
		if !found {
			m.Fields = append(m.Fields, p)
		}
	}
}

// Clone returns an independent copy; nil stays nil.
func (m *FieldMask) Clone() *FieldMask {
	if m == nil {
		return nil
	}
	out := &FieldMask{Fields: make([]FieldPath, len(m.Fields))}
	copy(out.Fields, m.Fields)
	return out
}
