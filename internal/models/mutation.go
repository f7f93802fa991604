package models

import "fmt"

// Precondition restricts when a mutation may apply. The zero value is "none".
type Precondition struct {
	UpdateTime *SnapshotVersion `json:"updateTime,omitempty"`
	Exists     *bool            `json:"exists,omitempty"`
}

// PreconditionNone always applies.
func PreconditionNone() Precondition { return Precondition{} }

// PreconditionExists requires the document to exist (or not).
func PreconditionExists(exists bool) Precondition { return Precondition{Exists: &exists} }

// PreconditionUpdateTime requires the document to exist at version.
func PreconditionUpdateTime(version SnapshotVersion) Precondition {
	return Precondition{UpdateTime: &version}
}

// IsNone reports whether the precondition is empty.
func (p Precondition) IsNone() bool { return p.UpdateTime == nil && p.Exists == nil }

// IsValidFor reports whether doc satisfies the precondition.
func (p Precondition) IsValidFor(doc *Document) bool {
	if p.UpdateTime != nil {
		return doc.IsFoundDocument() && doc.Version == *p.UpdateTime
	}
	if p.Exists != nil {
		return *p.Exists == doc.IsFoundDocument()
	}
	return true
}

func (p Precondition) Equal(other Precondition) bool {
	switch {
	case p.UpdateTime != nil || other.UpdateTime != nil:
		return p.UpdateTime != nil && other.UpdateTime != nil && *p.UpdateTime == *other.UpdateTime
	case p.Exists != nil || other.Exists != nil:
		return p.Exists != nil && other.Exists != nil && *p.Exists == *other.Exists
	}
	return true
}

// MutationType tags the variant held by a Mutation.
type MutationType int

const (
	MutationSet MutationType = iota
	MutationPatch
	MutationDelete
	MutationVerify
)

func (t MutationType) String() string {
	switch t {
	case MutationSet:
		return "set"
	case MutationPatch:
		return "patch"
	case MutationDelete:
		return "delete"
	case MutationVerify:
		return "verify"
	}
	return fmt.Sprintf("MutationType(%d)", int(t))
}

// Mutation is a single write to one document. Value carries the new data
// for Set and Patch; Mask lists the fields a Patch touches.
type Mutation struct {
	Type         MutationType     `json:"type"`
	Key          DocumentKey      `json:"key"`
	Precondition Precondition     `json:"precondition"`
	Value        ObjectValue      `json:"value"`
	Mask         *FieldMask       `json:"mask,omitempty"`
	Transforms   []FieldTransform `json:"transforms,omitempty"`
}

// NewSetMutation overwrites the document.
func NewSetMutation(key DocumentKey, value ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Type: MutationSet, Key: key, Value: value, Transforms: transforms}
}

// NewPatchMutation updates the fields in mask. Fields in mask that are
// absent from value are deleted. Patches require the document to exist.
func NewPatchMutation(key DocumentKey, value ObjectValue, mask FieldMask, transforms ...FieldTransform) Mutation {
	return Mutation{
		Type:         MutationPatch,
		Key:          key,
		Value:        value,
		Mask:         &mask,
		Precondition: PreconditionExists(true),
		Transforms:   transforms,
	}
}

// NewDeleteMutation deletes the document.
func NewDeleteMutation(key DocumentKey) Mutation {
	return Mutation{Type: MutationDelete, Key: key}
}

// NewVerifyMutation asserts a precondition without writing. Only used by
// transactions.
func NewVerifyMutation(key DocumentKey, p Precondition) Mutation {
	return Mutation{Type: MutationVerify, Key: key, Precondition: p}
}

// WithPrecondition returns a copy of m with p.
func (m Mutation) WithPrecondition(p Precondition) Mutation {
	m.Precondition = p
	return m
}

// MutationResult is the server's response to one mutation.
type MutationResult struct {
	Version          SnapshotVersion `json:"version"`
	TransformResults []Value         `json:"transformResults,omitempty"`
}

// ApplyToRemoteDocument applies the acknowledged mutation to doc using the
// server result. doc is modified in place.
func (m Mutation) ApplyToRemoteDocument(doc *Document, result MutationResult) {
	switch m.Type {
	case MutationSet:
		data := m.Value.Clone()
		m.applyServerTransforms(doc, &data, result.TransformResults)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case MutationPatch:
		if !m.Precondition.IsValidFor(doc) {
			// The server applied a patch we cannot reproduce locally.
			doc.ConvertToUnknownDocument(result.Version)
			return
		}
		data := doc.Data.Clone()
		m.applyPatch(&data)
		m.applyServerTransforms(doc, &data, result.TransformResults)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case MutationDelete:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	case MutationVerify:
		// Verify never changes the document.
	}
}

// ApplyToLocalView applies the mutation optimistically. It returns the set
// of fields mutated so far: nil means the whole document was replaced.
func (m Mutation) ApplyToLocalView(doc *Document, previousMask *FieldMask, localWriteTime Timestamp) *FieldMask {
	if !m.Precondition.IsValidFor(doc) {
		return previousMask
	}
	switch m.Type {
	case MutationSet:
		data := m.Value.Clone()
		m.applyLocalTransforms(doc, &data, localWriteTime)
		doc.ConvertToFoundDocument(doc.Version, data).SetHasLocalMutations()
		return nil
	case MutationPatch:
		data := doc.Data.Clone()
		m.applyPatch(&data)
		m.applyLocalTransforms(doc, &data, localWriteTime)
		doc.ConvertToFoundDocument(doc.Version, data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		mask := previousMask.Clone()
		mask.Add(m.Mask.Fields...)
		for _, t := range m.Transforms {
			mask.Add(t.Field)
		}
		return mask
	case MutationDelete:
		doc.ConvertToNoDocument(doc.Version).SetHasLocalMutations()
		return nil
	}
	return previousMask
}

func (m Mutation) applyPatch(data *ObjectValue) {
	if m.Mask == nil {
		return
	}
	for _, path := range m.Mask.Fields {
		if len(path) == 0 {
			continue
		}
		if v, ok := m.Value.Get(path); ok {
			data.Set(path, v)
		} else {
			data.Delete(path)
		}
	}
}

func (m Mutation) applyLocalTransforms(doc *Document, data *ObjectValue, localWriteTime Timestamp) {
	for _, t := range m.Transforms {
		var prev *Value
		if v, ok := doc.Data.Get(t.Field); ok {
			prev = &v
		}
		data.Set(t.Field, t.ApplyToLocalView(prev, localWriteTime))
	}
}

func (m Mutation) applyServerTransforms(doc *Document, data *ObjectValue, results []Value) {
	for i, t := range m.Transforms {
		var prev *Value
		if v, ok := doc.Data.Get(t.Field); ok {
			prev = &v
		}
		result := NullValue()
		if i < len(results) {
			result = results[i]
		}
		data.Set(t.Field, t.ApplyToRemoteDocument(prev, result))
	}
}

// FieldMaskOfTransforms lists the fields written by m's transforms.
func (m Mutation) FieldMaskOfTransforms() []FieldPath {
	out := make([]FieldPath, len(m.Transforms))
	for i, t := range m.Transforms {
		out[i] = t.Field
	}
	return out
}

// Equal reports structural equality.
func (m Mutation) Equal(other Mutation) bool {
	if m.Type != other.Type || m.Key != other.Key || !m.Precondition.Equal(other.Precondition) {
		return false
	}
	if !m.Value.Equal(other.Value) || len(m.Transforms) != len(other.Transforms) {
		return false
	}
	if (m.Mask == nil) != (other.Mask == nil) {
		return false
	}
	if m.Mask != nil {
		if len(m.Mask.Fields) != len(other.Mask.Fields) {
			return false
		}
		for i := range m.Mask.Fields {
			if !m.Mask.Fields[i].Equal(other.Mask.Fields[i]) {
				return false
			}
		}
	}
	for i := range m.Transforms {
		a, b := m.Transforms[i], other.Transforms[i]
		if a.Kind != b.Kind || !a.Field.Equal(b.Field) || !ValuesEqual(a.Operand, b.Operand) ||
			!ValuesEqual(ArrayValue(a.Elements...), ArrayValue(b.Elements...)) {
			return false
		}
	}
	return true
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(%s)", m.Type, m.Key)
}

// CalculateOverlayMutation returns the single mutation that turns the
// remote version of doc into its current local view, or nil when doc has no
// local mutations. mask is the value returned by ApplyToLocalView.
func CalculateOverlayMutation(doc *Document, mask *FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && len(mask.Fields) == 0) {
		return nil
	}
	if mask == nil {
		if doc.IsNoDocument() {
			m := NewDeleteMutation(doc.Key)
			return &m
		}
		m := NewSetMutation(doc.Key, doc.Data.Clone())
		return &m
	}
	patch := NewObjectValue()
	var fields FieldMask
	for _, path := range mask.Fields {
		v, ok := doc.Data.Get(path)
		// A deleted nested field is expressed through its parent.
		if !ok && len(path) > 1 {
			path = path.Parent()
			v, ok = doc.Data.Get(path)
		}
		if ok {
			patch.Set(path, v)
		}
		fields.Add(path)
	}
	m := NewPatchMutation(doc.Key, patch, fields)
	m.Precondition = PreconditionNone()
	return &m
}
