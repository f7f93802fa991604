package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operator is a filter operator. And and Or form composite filters.
type Operator string

const (
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpEqual              Operator = "=="
	OpNotEqual           Operator = "!="
	OpGreaterThan        Operator = ">"
	OpGreaterThanOrEqual Operator = ">="
	OpArrayContains      Operator = "array-contains"
	OpArrayContainsAny   Operator = "array-contains-any"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not-in"
	OpAnd                Operator = "and"
	OpOr                 Operator = "or"
)

// IsInequality reports whether the operator restricts a range of values.
func (o Operator) IsInequality() bool {
	switch o {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual, OpNotEqual, OpNotIn:
		return true
	}
	return false
}

// Filter is either a field filter (Field, Op, Value) or a composite filter
// (Op is And or Or, with Filters).
type Filter struct {
	Field   FieldPath `json:"field,omitempty"`
	Op      Operator  `json:"op"`
	Value   Value     `json:"value"`
	Filters []Filter  `json:"filters,omitempty"`
}

// FieldFilter builds a field filter.
func FieldFilter(field FieldPath, op Operator, v Value) Filter {
	return Filter{Field: field, Op: op, Value: v}
}

// AndFilter combines filters conjunctively.
func AndFilter(filters ...Filter) Filter { return Filter{Op: OpAnd, Filters: filters} }

// OrFilter combines filters disjunctively.
func OrFilter(filters ...Filter) Filter { return Filter{Op: OpOr, Filters: filters} }

// IsComposite reports whether f combines other filters.
func (f Filter) IsComposite() bool { return f.Op == OpAnd || f.Op == OpOr }

// Flatten returns the field filters contained in f.
func (f Filter) Flatten() []Filter {
	if !f.IsComposite() {
		return []Filter{f}
	}
	var out []Filter
	for _, sub := range f.Filters {
		out = append(out, sub.Flatten()...)
	}
	return out
}

// Matches evaluates the filter against doc.
func (f Filter) Matches(doc *Document) bool {
	switch f.Op {
	case OpAnd:
		for _, sub := range f.Filters {
			if !sub.Matches(doc) {
				return false
			}
		}
		return true
	case OpOr:
		for _, sub := range f.Filters {
			if sub.Matches(doc) {
				return true
			}
		}
		return len(f.Filters) == 0
	}
	other, ok := fieldValue(doc, f.Field)
	switch f.Op {
	case OpArrayContains:
		return ok && other.kind == KindArray && ArrayContains(other.arr, f.Value)
	case OpArrayContainsAny:
		if !ok || other.kind != KindArray || f.Value.kind != KindArray {
			return false
		}
		for _, e := range f.Value.arr {
			if ArrayContains(other.arr, e) {
				return true
			}
		}
		return false
	case OpIn:
		return ok && f.Value.kind == KindArray && ArrayContains(f.Value.arr, other)
	case OpNotIn:
		if f.Value.kind != KindArray || ArrayContains(f.Value.arr, NullValue()) {
			return false
		}
		return ok && !other.IsNull() && !ArrayContains(f.Value.arr, other)
	case OpNotEqual:
		return ok && !other.IsNull() && CompareValues(other, f.Value) != 0
	}
	if !ok || other.TypeOrder() != f.Value.TypeOrder() {
		return false
	}
	c := CompareValues(other, f.Value)
	switch f.Op {
	case OpLessThan:
		return c < 0
	case OpLessThanOrEqual:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterThanOrEqual:
		return c >= 0
	}
	return false
}

// CanonicalID renders f deterministically.
func (f Filter) CanonicalID() string {
	if f.IsComposite() {
		parts := make([]string, len(f.Filters))
		for i, sub := range f.Filters {
			parts[i] = sub.CanonicalID()
		}
		return string(f.Op) + "(" + strings.Join(parts, ",") + ")"
	}
	return f.Field.CanonicalString() + string(f.Op) + f.Value.CanonicalString()
}

func (f Filter) Equal(other Filter) bool { return f.CanonicalID() == other.CanonicalID() }

// fieldValue reads path from doc; the key field yields a reference value.
func fieldValue(doc *Document, path FieldPath) (Value, bool) {
	if path.IsKeyField() {
		return ReferenceValue(doc.Key), true
	}
	return doc.Data.Get(path)
}

// Direction is a sort direction.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// OrderBy sorts on one field.
type OrderBy struct {
	Field     FieldPath `json:"field"`
	Direction Direction `json:"direction"`
}

func (o OrderBy) CanonicalID() string { return o.Field.CanonicalString() + string(o.Direction) }

func (o OrderBy) compare(a, b *Document) int {
	var c int
	if o.Field.IsKeyField() {
		c = a.Key.Compare(b.Key)
	} else {
		av, aok := a.Data.Get(o.Field)
		bv, bok := b.Data.Get(o.Field)
		switch {
		case aok && bok:
			c = CompareValues(av, bv)
		case aok:
			c = 1
		case bok:
			c = -1
		}
	}
	if o.Direction == Descending {
		return -c
	}
	return c
}

// Bound is a cursor position over the order-by fields.
type Bound struct {
	Position  []Value `json:"position"`
	Inclusive bool    `json:"inclusive"`
}

func (b *Bound) CanonicalID() string {
	if b == nil {
		return ""
	}
	parts := make([]string, len(b.Position))
	for i, v := range b.Position {
		parts[i] = v.CanonicalString()
	}
	prefix := "b:"
	if b.Inclusive {
		prefix = "a:"
	}
	return prefix + strings.Join(parts, ",")
}

func compareBoundToDocument(b *Bound, orderBy []OrderBy, doc *Document) int {
	c := 0
	for i, pos := range b.Position {
		if i >= len(orderBy) {
			break
		}
		ob := orderBy[i]
		if ob.Field.IsKeyField() {
			c = pos.ReferenceKey().Compare(doc.Key)
		} else {
			v, _ := doc.Data.Get(ob.Field)
			c = CompareValues(pos, v)
		}
		if ob.Direction == Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	return c
}

// SortsBeforeDocument reports whether the bound admits doc as a start.
func (b *Bound) SortsBeforeDocument(orderBy []OrderBy, doc *Document) bool {
	c := compareBoundToDocument(b, orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

// SortsAfterDocument reports whether the bound admits doc as an end.
func (b *Bound) SortsAfterDocument(orderBy []OrderBy, doc *Document) bool {
	c := compareBoundToDocument(b, orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}

// LimitType selects which end of the result a limit keeps.
type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

// Query is a user query over a collection or collection group.
type Query struct {
	Path            ResourcePath `json:"path"`
	CollectionGroup string       `json:"collectionGroup,omitempty"`
	Filters         []Filter     `json:"filters,omitempty"`
	ExplicitOrderBy []OrderBy    `json:"orderBy,omitempty"`
	Limit           int          `json:"limit,omitempty"`
	LimitType       LimitType    `json:"limitType,omitempty"`
	StartAt         *Bound       `json:"startAt,omitempty"`
	EndAt           *Bound       `json:"endAt,omitempty"`
}

// NewQuery queries the collection or single document at path.
func NewQuery(path ResourcePath) *Query { return &Query{Path: path} }

// NewCollectionGroupQuery queries every collection named group.
func NewCollectionGroupQuery(group string) *Query {
	return &Query{CollectionGroup: group}
}

func (q *Query) clone() *Query {
	c := *q
	c.Filters = append([]Filter(nil), q.Filters...)
	c.ExplicitOrderBy = append([]OrderBy(nil), q.ExplicitOrderBy...)
	return &c
}

// Where returns a copy with f added.
func (q *Query) Where(f Filter) *Query {
	c := q.clone()
	c.Filters = append(c.Filters, f)
	return c
}

// OrderBy returns a copy ordered additionally by field.
func (q *Query) OrderBy(field FieldPath, dir Direction) *Query {
	c := q.clone()
	c.ExplicitOrderBy = append(c.ExplicitOrderBy, OrderBy{Field: field, Direction: dir})
	return c
}

// LimitFirst keeps the first n results.
func (q *Query) LimitFirst(n int) *Query {
	c := q.clone()
	c.Limit, c.LimitType = n, LimitToFirst
	return c
}

// LimitLast keeps the last n results.
func (q *Query) LimitLast(n int) *Query {
	c := q.clone()
	c.Limit, c.LimitType = n, LimitToLast
	return c
}

// WithStartAt returns a copy starting at b.
func (q *Query) WithStartAt(b Bound) *Query {
	c := q.clone()
	c.StartAt = &b
	return c
}

// WithEndAt returns a copy ending at b.
func (q *Query) WithEndAt(b Bound) *Query {
	c := q.clone()
	c.EndAt = &b
	return c
}

// AsCollectionQueryAtPath rewrites a collection group query to one
// collection.
func (q *Query) AsCollectionQueryAtPath(path ResourcePath) *Query {
	c := q.clone()
	c.Path, c.CollectionGroup = path, ""
	return c
}

func (q *Query) HasLimit() bool { return q.Limit > 0 }

// IsDocumentQuery reports whether q reads a single document.
func (q *Query) IsDocumentQuery() bool {
	return q.Path.IsDocumentPath() && q.CollectionGroup == "" && len(q.Filters) == 0
}

func (q *Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

// MatchesAllDocuments reports whether q has no filters, bounds or limit.
func (q *Query) MatchesAllDocuments() bool {
	if len(q.Filters) != 0 || q.HasLimit() || q.StartAt != nil || q.EndAt != nil {
		return false
	}
	return len(q.ExplicitOrderBy) == 0 ||
		(len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField())
}

// InequalityFields returns the sorted fields restricted by inequality
// filters.
func (q *Query) InequalityFields() []FieldPath {
	var out []FieldPath
	for _, top := range q.Filters {
		for _, f := range top.Flatten() {
			if !f.Op.IsInequality() {
				continue
			}
			dup := false
			for _, e := range out {
				if e.Equal(f.Field) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, f.Field)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// NormalizedOrderBy returns the explicit order followed by implicit
// ordering on inequality fields and the document key.
func (q *Query) NormalizedOrderBy() []OrderBy {
	out := append([]OrderBy(nil), q.ExplicitOrderBy...)
	seen := make(map[string]bool, len(out))
	for _, o := range out {
		seen[o.Field.CanonicalString()] = true
	}
	last := Ascending
	if len(out) > 0 {
		last = out[len(out)-1].Direction
	}
	for _, f := range q.InequalityFields() {
		if !seen[f.CanonicalString()] && !f.IsKeyField() {
			out = append(out, OrderBy{Field: f, Direction: last})
			seen[f.CanonicalString()] = true
		}
	}
	if !seen[KeyFieldName] {
		out = append(out, OrderBy{Field: KeyField(), Direction: last})
	}
	return out
}

// Comparator orders documents according to the normalized order.
func (q *Query) Comparator() DocumentComparator {
	orderBy := q.NormalizedOrderBy()
	return func(a, b *Document) int {
		for _, o := range orderBy {
			if c := o.compare(a, b); c != 0 {
				return c
			}
		}
		return 0
	}
}

func (q *Query) matchesPath(doc *Document) bool {
	path := doc.Key.Path()
	switch {
	case q.CollectionGroup != "":
		return doc.Key.CollectionGroup() == q.CollectionGroup && q.Path.IsPrefixOf(path)
	case q.Path.IsDocumentPath():
		return q.Path.Equal(path)
	}
	return q.Path.IsImmediateParentOf(path)
}

func (q *Query) matchesOrderBy(doc *Document) bool {
	for _, o := range q.ExplicitOrderBy {
		if o.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Data.Get(o.Field); !ok {
			return false
		}
	}
	return true
}

func (q *Query) matchesBounds(doc *Document) bool {
	orderBy := q.NormalizedOrderBy()
	if q.StartAt != nil && !q.StartAt.SortsBeforeDocument(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.SortsAfterDocument(orderBy, doc) {
		return false
	}
	return true
}

// Matches reports whether doc belongs to the query result, ignoring limit.
func (q *Query) Matches(doc *Document) bool {
	if !doc.IsFoundDocument() || !q.matchesPath(doc) || !q.matchesOrderBy(doc) {
		return false
	}
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return q.matchesBounds(doc)
}

// ToTarget converts the query to the normalized form sent to the backend.
// Limit-to-last queries flip ordering and bounds.
func (q *Query) ToTarget() *Target {
	orderBy := q.NormalizedOrderBy()
	t := &Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		OrderBy:         orderBy,
		Limit:           q.Limit,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
	}
	if q.LimitType == LimitToFirst || !q.HasLimit() {
		return t
	}
	flipped := make([]OrderBy, len(orderBy))
	for i, o := range orderBy {
		dir := Descending
		if o.Direction == Descending {
			dir = Ascending
		}
		flipped[i] = OrderBy{Field: o.Field, Direction: dir}
	}
	t.OrderBy = flipped
	t.StartAt, t.EndAt = nil, nil
	if q.EndAt != nil {
		t.StartAt = &Bound{Position: q.EndAt.Position, Inclusive: !q.EndAt.Inclusive}
	}
	if q.StartAt != nil {
		t.EndAt = &Bound{Position: q.StartAt.Position, Inclusive: !q.StartAt.Inclusive}
	}
	return t
}

// CanonicalID identifies the query including its limit type.
func (q *Query) CanonicalID() string {
	lt := "F"
	if q.LimitType == LimitToLast {
		lt = "L"
	}
	return q.ToTarget().CanonicalID() + "|lt:" + lt
}

func (q *Query) Equal(other *Query) bool {
	return q.CanonicalID() == other.CanonicalID()
}

func (q *Query) String() string { return "Query(" + q.CanonicalID() + ")" }

// Target is the normalized form of a query as tracked by the backend.
type Target struct {
	Path            ResourcePath `json:"path"`
	CollectionGroup string       `json:"collectionGroup,omitempty"`
	Filters         []Filter     `json:"filters,omitempty"`
	OrderBy         []OrderBy    `json:"orderBy,omitempty"`
	Limit           int          `json:"limit,omitempty"`
	StartAt         *Bound       `json:"startAt,omitempty"`
	EndAt           *Bound       `json:"endAt,omitempty"`
}

// NewDocumentTarget targets a single document.
func NewDocumentTarget(key DocumentKey) *Target {
	return NewQuery(key.Path()).ToTarget()
}

// CanonicalID renders the target deterministically. Structurally equal
// targets share a canonical id.
func (t *Target) CanonicalID() string {
	var b strings.Builder
	b.WriteString(t.Path.String())
	if t.CollectionGroup != "" {
		b.WriteString("|cg:" + t.CollectionGroup)
	}
	b.WriteString("|f:")
	for _, f := range t.Filters {
		b.WriteString(f.CanonicalID())
	}
	b.WriteString("|ob:")
	for _, o := range t.OrderBy {
		b.WriteString(o.CanonicalID())
	}
	if t.Limit > 0 {
		b.WriteString("|l:" + strconv.Itoa(t.Limit))
	}
	if t.StartAt != nil {
		b.WriteString("|lb:" + t.StartAt.CanonicalID())
	}
	if t.EndAt != nil {
		b.WriteString("|ub:" + t.EndAt.CanonicalID())
	}
	return b.String()
}

// Equal reports structural equality.
func (t *Target) Equal(other *Target) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.CanonicalID() == other.CanonicalID()
}

// IsDocumentTarget reports whether t reads a single document.
func (t *Target) IsDocumentTarget() bool {
	return t.Path.IsDocumentPath() && t.CollectionGroup == "" && len(t.Filters) == 0
}

// AsQuery turns the target back into a limit-to-first query.
func (t *Target) AsQuery() *Query {
	return &Query{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Filters:         t.Filters,
		ExplicitOrderBy: t.OrderBy,
		Limit:           t.Limit,
		StartAt:         t.StartAt,
		EndAt:           t.EndAt,
	}
}

// CollectionGroupID returns the collection id the target scans.
func (t *Target) CollectionGroupID() string {
	if t.CollectionGroup != "" {
		return t.CollectionGroup
	}
	if t.Path.IsDocumentPath() {
		return t.Path.Parent().LastSegment()
	}
	return t.Path.LastSegment()
}

func (t *Target) String() string { return fmt.Sprintf("Target(%s)", t.CanonicalID()) }
