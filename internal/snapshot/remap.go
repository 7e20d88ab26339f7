package snapshot

import (
	"github.com/google/uuid"

	"stagecore/pkg/domain"
)

// IdentifierMap is the ephemeral old-to-new identifier mapping built during a
// single restore call, partitioned by entity type. It is scoped to exactly
// one call and never shared across concurrent restores; callers discard it
// when the operation completes.
type IdentifierMap struct {
	byType map[domain.EntityType]map[string]string
}

// NewIdentifierMap returns an empty call-scoped mapping.
func NewIdentifierMap() *IdentifierMap {
	return &IdentifierMap{byType: make(map[domain.EntityType]map[string]string)}
}

// Mint allocates a brand-new identifier and, when oldID is non-empty, records
// the translation. Minting never reuses a source identifier, which keeps
// instances launched concurrently from the same template collision-free.
func (m *IdentifierMap) Mint(t domain.EntityType, oldID string) string {
	newID := uuid.NewString()
	if oldID != "" {
		m.bind(t, oldID, newID)
	}
	return newID
}

// Keep records a translation to an already-existing target identifier, used
// by reconciliation restores where matched records retain their identity.
func (m *IdentifierMap) Keep(t domain.EntityType, oldID, targetID string) {
	if oldID == "" {
		return
	}
	m.bind(t, oldID, targetID)
}

// Resolve translates a source identifier. The second return is false when the
// source record was absent from the snapshot or previously skipped.
func (m *IdentifierMap) Resolve(t domain.EntityType, oldID string) (string, bool) {
	ids, ok := m.byType[t]
	if !ok {
		return "", false
	}
	newID, ok := ids[oldID]
	return newID, ok
}

func (m *IdentifierMap) bind(t domain.EntityType, oldID, newID string) {
	ids, ok := m.byType[t]
	if !ok {
		ids = make(map[string]string)
		m.byType[t] = ids
	}
	ids[oldID] = newID
}
