// Package graph declares the fixed entity-graph descriptor the snapshot and
// restore paths iterate. Both sides traverse this table instead of inspecting
// live storage, so a snapshot captured under an older edition of the table
// stays restorable under a newer one: absent fields default per kind and
// undeclared entity types are skipped with a warning.
package graph

import (
	"time"

	"stagecore/pkg/domain"
)

// FieldKind classifies a declared field for defaulting.
type FieldKind string

// Field kinds.
const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindTime   FieldKind = "time"
	KindMap    FieldKind = "map"
)

// Field declares one field of an entity type.
type Field struct {
	Name string
	Kind FieldKind
}

// Descriptor declares one entity type: its parent edge, the natural key used
// to correlate records during reconciliation, and its field set.
type Descriptor struct {
	Type       domain.EntityType
	Parent     domain.EntityType // empty for workspace-rooted types
	NaturalKey string            // empty when the type has no stable natural key
	Fields     []Field
}

// WorkspaceRooted reports whether records of this type are owned directly by
// the workspace rather than by another entity.
func (d Descriptor) WorkspaceRooted() bool { return d.Parent == "" }

// model lists every entity type in parent-before-child order. The remapper
// relies on this ordering: by the time a child type is processed, every
// possible parent identifier has already been mapped.
var model = []Descriptor{
	{
		Type:       domain.EntitySubject,
		NaturalKey: "external_ref",
		Fields: []Field{
			{Name: "external_ref", Kind: KindString},
			{Name: "display_name", Kind: KindString},
			{Name: "cohort", Kind: KindString},
			{Name: "status", Kind: KindString},
			{Name: "attributes", Kind: KindMap},
		},
	},
	{
		Type:       domain.EntityOrder,
		Parent:     domain.EntitySubject,
		NaturalKey: "placed_label",
		Fields: []Field{
			{Name: "placed_label", Kind: KindString},
			{Name: "kind", Kind: KindString},
			{Name: "priority", Kind: KindNumber},
			{Name: "status", Kind: KindString},
			{Name: "ordered_at", Kind: KindTime},
			{Name: "detail", Kind: KindMap},
		},
	},
	{
		Type:       domain.EntityReading,
		Parent:     domain.EntityOrder,
		NaturalKey: "sample_label",
		Fields: []Field{
			{Name: "sample_label", Kind: KindString},
			{Name: "measure", Kind: KindString},
			{Name: "value", Kind: KindNumber},
			{Name: "unit", Kind: KindString},
			{Name: "taken_at", Kind: KindTime},
		},
	},
	{
		Type:       domain.EntityNote,
		Parent:     domain.EntitySubject,
		NaturalKey: "note_key",
		Fields: []Field{
			{Name: "note_key", Kind: KindString},
			{Name: "author", Kind: KindString},
			{Name: "body", Kind: KindString},
			{Name: "written_at", Kind: KindTime},
		},
	},
	{
		Type:       domain.EntityAssessment,
		Parent:     domain.EntitySubject,
		NaturalKey: "form_key",
		Fields: []Field{
			{Name: "form_key", Kind: KindString},
			{Name: "assessor", Kind: KindString},
			{Name: "score", Kind: KindNumber},
			{Name: "summary", Kind: KindString},
			{Name: "submitted_at", Kind: KindTime},
		},
	},
}

// Model returns the descriptor table in parent-before-child order.
func Model() []Descriptor {
	out := make([]Descriptor, len(model))
	copy(out, model)
	return out
}

// Lookup returns the descriptor for the given entity type.
func Lookup(t domain.EntityType) (Descriptor, bool) {
	for _, d := range model {
		if d.Type == t {
			return d, true
		}
	}
	return Descriptor{}, false
}

// DefaultValue returns the type-appropriate empty value for a field kind.
func DefaultValue(k FieldKind) any {
	switch k {
	case KindNumber:
		return float64(0)
	case KindBool:
		return false
	case KindTime:
		return time.Time{}
	case KindMap:
		return map[string]any{}
	default:
		return ""
	}
}

// Normalize projects an incoming record onto the declared field set: declared
// fields missing from the record receive their default, and keys not declared
// by the descriptor (including the reserved identifier keys) are dropped.
func (d Descriptor) Normalize(rec domain.Record) map[string]any {
	out := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		v, ok := rec[f.Name]
		if !ok || v == nil {
			out[f.Name] = DefaultValue(f.Kind)
			continue
		}
		out[f.Name] = v
	}
	return out
}
