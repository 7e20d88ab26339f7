package memory

import "stagecore/pkg/domain"

// Snapshot is the full exported store state, used by durable backends to
// persist and rehydrate the in-memory engine.
type Snapshot struct {
	Workspaces []domain.Workspace       `json:"workspaces"`
	Templates  []domain.Template        `json:"templates"`
	Versions   []domain.SnapshotVersion `json:"versions"`
	Instances  []domain.ActiveInstance  `json:"instances"`
	Records    []domain.EntityRecord    `json:"records"`
	History    []domain.InstanceHistory `json:"history"`
}

// ExportState clones the committed store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	for _, w := range s.state.workspaces {
		snap.Workspaces = append(snap.Workspaces, domain.CloneWorkspace(w))
	}
	for _, t := range s.state.templates {
		snap.Templates = append(snap.Templates, domain.CloneTemplate(t))
	}
	for _, v := range s.state.versions {
		snap.Versions = append(snap.Versions, domain.CloneSnapshotVersion(v))
	}
	for _, i := range s.state.instances {
		snap.Instances = append(snap.Instances, domain.CloneInstance(i))
	}
	for _, r := range s.state.records {
		snap.Records = append(snap.Records, domain.CloneEntityRecord(r))
	}
	for _, h := range s.state.history {
		snap.History = append(snap.History, domain.CloneHistory(h))
	}
	return snap
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := newState()
	for _, w := range snap.Workspaces {
		next.workspaces[w.ID] = domain.CloneWorkspace(w)
	}
	for _, t := range snap.Templates {
		next.templates[t.ID] = domain.CloneTemplate(t)
	}
	for _, v := range snap.Versions {
		next.versions[versionKey(v.TemplateID, v.Version)] = domain.CloneSnapshotVersion(v)
	}
	for _, i := range snap.Instances {
		next.instances[i.ID] = domain.CloneInstance(i)
	}
	for _, r := range snap.Records {
		next.records[r.ID] = domain.CloneEntityRecord(r)
	}
	for _, h := range snap.History {
		next.history[h.InstanceID] = domain.CloneHistory(h)
	}
	s.state = next
}
