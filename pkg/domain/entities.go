// Package domain defines the persistent entities, snapshot document types,
// and error taxonomy used by the stagecore engine.
package domain

import "time"

// EntityType identifies the type of domain record held inside a workspace.
type EntityType string

// Supported entity type identifiers used in snapshot documents and persistence buckets.
const (
	// EntitySubject identifies a subject record (workspace-rooted).
	EntitySubject EntityType = "subject"
	// EntityOrder identifies an order record placed against a subject.
	EntityOrder EntityType = "order"
	// EntityReading identifies a reading captured for an order.
	EntityReading EntityType = "reading"
	// EntityNote identifies a free-text note attached to a subject.
	EntityNote EntityType = "note"
	// EntityAssessment identifies an assessment form submitted for a subject.
	EntityAssessment EntityType = "assessment"
)

// WorkspaceKind distinguishes why a workspace exists.
type WorkspaceKind string

// Workspace kinds.
const (
	// WorkspaceTemplateStaging is the editable staging area owned by a template.
	WorkspaceTemplateStaging WorkspaceKind = "template_staging"
	// WorkspaceInstance holds the materialized record graph of a running instance.
	WorkspaceInstance WorkspaceKind = "instance"
	// WorkspaceScratch is an unowned workspace (imports, ad-hoc tooling).
	WorkspaceScratch WorkspaceKind = "scratch"
)

// TemplateStatus enumerates template readiness states.
type TemplateStatus string

// Template statuses. A template becomes ready once it has at least one
// captured snapshot and can therefore be launched.
const (
	TemplateStatusDraft TemplateStatus = "draft"
	TemplateStatusReady TemplateStatus = "ready"
)

// InstanceStatus enumerates active-instance lifecycle states.
type InstanceStatus string

// Instance statuses.
const (
	// InstanceStatusRunning marks an instance inside its session window.
	InstanceStatusRunning InstanceStatus = "running"
	// InstanceStatusExpired marks a running instance whose window elapsed but
	// which has not yet been archived by the sweep.
	InstanceStatusExpired InstanceStatus = "expired"
	// InstanceStatusCompleted marks an instance archived to history.
	InstanceStatusCompleted InstanceStatus = "completed"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Workspace is an isolated container holding one coherent record graph.
type Workspace struct {
	Base
	Kind    WorkspaceKind  `json:"kind"`
	OwnerID *string        `json:"owner_id,omitempty"` // template or instance that owns this workspace
	Config  map[string]any `json:"config,omitempty"`
}

// Template is a named definition owning a staging workspace and a versioned
// snapshot history. Version advances only through snapshot capture; the live
// document is swapped atomically with every advance.
type Template struct {
	Base
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      TemplateStatus `json:"status"`
	WorkspaceID string         `json:"workspace_id"`
	Version     int            `json:"version"`
	Live        *Document      `json:"live,omitempty"`
	LiveNote    string         `json:"live_note,omitempty"`
}

// SnapshotVersion is one immutable archived document for a template. Content
// is never mutated after creation.
type SnapshotVersion struct {
	Base
	TemplateID string             `json:"template_id"`
	Version    int                `json:"version"`
	Document   Document           `json:"document"`
	Stats      map[EntityType]int `json:"stats"`
	Author     string             `json:"author"`
	Note       string             `json:"note,omitempty"`
}

// ActiveInstance is a time-bounded materialized copy launched from a template
// version. StartsAt/EndsAt define its session window.
type ActiveInstance struct {
	Base
	TemplateID    string         `json:"template_id"`
	LaunchVersion int            `json:"launch_version"`
	WorkspaceID   string         `json:"workspace_id"`
	Name          string         `json:"name"`
	Status        InstanceStatus `json:"status"`
	StartsAt      time.Time      `json:"starts_at"`
	EndsAt        time.Time      `json:"ends_at"`
	Participants  []string       `json:"participants,omitempty"`
}

// EffectiveStatus reports the instance status as of now: a running instance
// whose window elapsed is reported expired even before the sweep archives it.
func (i ActiveInstance) EffectiveStatus(now time.Time) InstanceStatus {
	if i.Status == InstanceStatusRunning && now.After(i.EndsAt) {
		return InstanceStatusExpired
	}
	return i.Status
}

// InstanceMetrics summarizes an instance at completion time.
type InstanceMetrics struct {
	RecordCounts   map[EntityType]int `json:"record_counts"`
	RecordTotal    int                `json:"record_total"`
	Participants   []string           `json:"participants,omitempty"`
	SessionSeconds int64              `json:"session_seconds"`
}

// InstanceHistory is the single archival record written when an instance
// completes. At most one row exists per instance.
type InstanceHistory struct {
	Base
	InstanceID    string          `json:"instance_id"`
	TemplateID    string          `json:"template_id"`
	LaunchVersion int             `json:"launch_version"`
	Name          string          `json:"name"`
	Metrics       InstanceMetrics `json:"metrics"`
	CompletedBy   string          `json:"completed_by,omitempty"`
}

// EntityRecord is a generic domain record scoped to exactly one workspace,
// optionally parented to another record of a different type.
type EntityRecord struct {
	Base
	WorkspaceID string         `json:"workspace_id"`
	Type        EntityType     `json:"type"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// CloneEntityRecord returns a deep copy of the record.
func CloneEntityRecord(r EntityRecord) EntityRecord {
	cp := r
	if r.ParentID != nil {
		id := *r.ParentID
		cp.ParentID = &id
	}
	if r.Fields != nil {
		cp.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	return cp
}

// CloneWorkspace returns a deep copy of the workspace.
func CloneWorkspace(w Workspace) Workspace {
	cp := w
	if w.OwnerID != nil {
		id := *w.OwnerID
		cp.OwnerID = &id
	}
	if w.Config != nil {
		cp.Config = make(map[string]any, len(w.Config))
		for k, v := range w.Config {
			cp.Config[k] = v
		}
	}
	return cp
}

// CloneTemplate returns a deep copy of the template including its live document.
func CloneTemplate(t Template) Template {
	cp := t
	if t.Live != nil {
		doc := t.Live.Clone()
		cp.Live = &doc
	}
	return cp
}

// CloneSnapshotVersion returns a deep copy of the archived version.
func CloneSnapshotVersion(v SnapshotVersion) SnapshotVersion {
	cp := v
	cp.Document = v.Document.Clone()
	cp.Stats = cloneStats(v.Stats)
	return cp
}

// CloneInstance returns a deep copy of the instance.
func CloneInstance(i ActiveInstance) ActiveInstance {
	cp := i
	cp.Participants = append([]string(nil), i.Participants...)
	return cp
}

// CloneHistory returns a deep copy of the history record.
func CloneHistory(h InstanceHistory) InstanceHistory {
	cp := h
	cp.Metrics.RecordCounts = cloneStats(h.Metrics.RecordCounts)
	cp.Metrics.Participants = append([]string(nil), h.Metrics.Participants...)
	return cp
}

func cloneStats(in map[EntityType]int) map[EntityType]int {
	if in == nil {
		return nil
	}
	out := make(map[EntityType]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
