package domain

import "time"

// Reserved record keys carried alongside declared fields inside a snapshot
// document. The identifier keys are remapped during materialization and never
// copied verbatim into a target workspace.
const (
	RecordKeyID     = "id"
	RecordKeyParent = "parent_id"
)

// Record is one plain field-value record inside a snapshot document.
type Record map[string]any

// Clone returns a shallow-value deep-map copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if m, ok := v.(map[string]any); ok {
			cp := make(map[string]any, len(m))
			for mk, mv := range m {
				cp[mk] = mv
			}
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// StringField returns the named field coerced to a string, or "" when absent
// or of another type.
func (r Record) StringField(name string) string {
	v, ok := r[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Document is the immutable point-in-time copy of one workspace's record
// graph: a map from entity-type name to an ordered list of plain records,
// plus capture metadata and per-type counts computed once at capture time.
type Document struct {
	SourceWorkspaceID string                  `json:"source_workspace_id"`
	CapturedAt        time.Time               `json:"captured_at"`
	CapturedBy        string                  `json:"captured_by"`
	Entities          map[EntityType][]Record `json:"entities"`
	Stats             map[EntityType]int      `json:"stats"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	cp := d
	if d.Entities != nil {
		cp.Entities = make(map[EntityType][]Record, len(d.Entities))
		for t, recs := range d.Entities {
			cloned := make([]Record, len(recs))
			for i, r := range recs {
				cloned[i] = r.Clone()
			}
			cp.Entities[t] = cloned
		}
	}
	cp.Stats = cloneStats(d.Stats)
	return cp
}

// Count returns the recorded number of records for the given entity type.
func (d Document) Count(t EntityType) int {
	return d.Stats[t]
}

// Empty reports whether the document holds no records at all.
func (d Document) Empty() bool {
	for _, recs := range d.Entities {
		if len(recs) > 0 {
			return false
		}
	}
	return true
}
