package snapshot

import (
	"fmt"
	"time"

	"stagecore/internal/graph"
	"stagecore/pkg/domain"
)

// Apply materializes a snapshot document into the target workspace under the
// named mode. The mode is a required argument: fresh restores mint every
// identifier, reconciliation restores preserve target identifiers and
// correlate records by natural key. Apply runs inside the caller's
// transaction, so any returned error rolls the whole restore back; the report
// is still returned for diagnostics.
func Apply(tx domain.Transaction, targetWorkspaceID string, doc domain.Document, mode domain.RestoreMode, now time.Time) (domain.RestoreReport, error) {
	report := domain.NewRestoreReport(mode)

	if _, ok := tx.FindWorkspace(targetWorkspaceID); !ok {
		return report, domain.NotFoundError{Kind: "workspace", ID: targetWorkspaceID}
	}

	warnUnknownTypes(doc, &report)

	var err error
	switch mode {
	case domain.RestoreFresh:
		err = applyFresh(tx, targetWorkspaceID, doc, now, &report)
	case domain.RestoreReconcile:
		err = applyReconcile(tx, targetWorkspaceID, doc, now, &report)
	default:
		return report, fmt.Errorf("unknown restore mode %q", mode)
	}
	if err != nil {
		return report, err
	}

	if err := enforceParentIntegrity(tx, targetWorkspaceID, mode, &report); err != nil {
		return report, err
	}
	return report, nil
}

// warnUnknownTypes records a warning for every entity type present in the
// document but absent from the current graph model. Their records are
// skipped; the restore proceeds for all supported types.
func warnUnknownTypes(doc domain.Document, report *domain.RestoreReport) {
	for t, recs := range doc.Entities {
		if _, ok := graph.Lookup(t); !ok {
			report.Warn(domain.RestoreWarning{
				Code:    domain.WarnUnknownEntityType,
				Entity:  t,
				Message: fmt.Sprintf("entity type %q not declared by the current graph model; %d record(s) skipped", t, len(recs)),
			})
		}
	}
}

func applyFresh(tx domain.Transaction, workspaceID string, doc domain.Document, now time.Time, report *domain.RestoreReport) error {
	ids := NewIdentifierMap()
	for _, desc := range graph.Model() {
		for _, rec := range doc.Entities[desc.Type] {
			parentID, skip := resolveParent(desc, rec, ids, report)
			if skip {
				continue
			}
			newID := ids.Mint(desc.Type, rec.StringField(domain.RecordKeyID))
			created := domain.EntityRecord{
				Base:        domain.Base{ID: newID, CreatedAt: now, UpdatedAt: now},
				WorkspaceID: workspaceID,
				Type:        desc.Type,
				ParentID:    parentID,
				Fields:      desc.Normalize(rec),
			}
			if _, err := tx.CreateEntityRecord(created); err != nil {
				return err
			}
			report.Inserted[desc.Type]++
		}
	}
	return nil
}

func applyReconcile(tx domain.Transaction, workspaceID string, doc domain.Document, now time.Time, report *domain.RestoreReport) error {
	ids := NewIdentifierMap()
	for _, desc := range graph.Model() {
		existing := tx.ListEntityRecords(workspaceID, desc.Type)
		byKey := make(map[string]domain.EntityRecord)
		if desc.NaturalKey != "" {
			for _, r := range existing {
				if key, ok := r.Fields[desc.NaturalKey].(string); ok && key != "" {
					byKey[key] = r
				}
			}
		}

		matched := make(map[string]bool)
		for _, rec := range doc.Entities[desc.Type] {
			parentID, skip := resolveParent(desc, rec, ids, report)
			if skip {
				continue
			}
			oldID := rec.StringField(domain.RecordKeyID)

			key := ""
			if desc.NaturalKey != "" {
				key = rec.StringField(desc.NaturalKey)
			}
			if key == "" {
				report.Warn(domain.RestoreWarning{
					Code:     domain.WarnNoNaturalKey,
					Entity:   desc.Type,
					RecordID: oldID,
					Message:  "no natural key to correlate by; inserted as a new record",
				})
			}

			if target, ok := byKey[key]; key != "" && ok {
				// Matched records keep their original internal identifier;
				// externally printed artifacts encoding it stay valid.
				_, err := tx.UpdateEntityRecord(target.ID, func(er *domain.EntityRecord) error {
					er.Fields = desc.Normalize(rec)
					er.ParentID = parentID
					return nil
				})
				if err != nil {
					return err
				}
				ids.Keep(desc.Type, oldID, target.ID)
				matched[target.ID] = true
				report.Updated[desc.Type]++
				continue
			}

			newID := ids.Mint(desc.Type, oldID)
			created := domain.EntityRecord{
				Base:        domain.Base{ID: newID, CreatedAt: now, UpdatedAt: now},
				WorkspaceID: workspaceID,
				Type:        desc.Type,
				ParentID:    parentID,
				Fields:      desc.Normalize(rec),
			}
			if _, err := tx.CreateEntityRecord(created); err != nil {
				return err
			}
			matched[newID] = true
			report.Inserted[desc.Type]++
		}

		for _, r := range existing {
			if matched[r.ID] {
				continue
			}
			if err := tx.DeleteEntityRecord(r.ID); err != nil {
				return err
			}
			report.Deleted[desc.Type]++
		}
	}
	return nil
}

// resolveParent translates a record's parent reference through the call-scoped
// identifier map. Records whose parent is absent from the snapshot, or was
// previously skipped, are skipped with a warning rather than aborting.
func resolveParent(desc graph.Descriptor, rec domain.Record, ids *IdentifierMap, report *domain.RestoreReport) (*string, bool) {
	if desc.WorkspaceRooted() {
		return nil, false
	}
	oldParent := rec.StringField(domain.RecordKeyParent)
	recordID := rec.StringField(domain.RecordKeyID)
	if oldParent == "" {
		report.Warn(domain.RestoreWarning{
			Code:     domain.WarnMissingParent,
			Entity:   desc.Type,
			RecordID: recordID,
			Message:  "record carries no parent reference; skipped",
		})
		return nil, true
	}
	newParent, ok := ids.Resolve(desc.Parent, oldParent)
	if !ok {
		report.Warn(domain.RestoreWarning{
			Code:     domain.WarnMissingParent,
			Entity:   desc.Type,
			RecordID: recordID,
			Message:  fmt.Sprintf("parent %s %s did not materialize; skipped", desc.Parent, oldParent),
		})
		return nil, true
	}
	return &newParent, false
}

// enforceParentIntegrity walks the target workspace parent-before-child and
// verifies every child still references a live parent. A fresh restore treats
// a dangling reference as fatal; a reconciliation restore self-heals by
// deleting the dangling record and reporting it.
func enforceParentIntegrity(tx domain.Transaction, workspaceID string, mode domain.RestoreMode, report *domain.RestoreReport) error {
	for _, desc := range graph.Model() {
		if desc.WorkspaceRooted() {
			continue
		}
		parents := make(map[string]bool)
		for _, p := range tx.ListEntityRecords(workspaceID, desc.Parent) {
			parents[p.ID] = true
		}
		for _, r := range tx.ListEntityRecords(workspaceID, desc.Type) {
			if r.ParentID != nil && parents[*r.ParentID] {
				continue
			}
			if mode == domain.RestoreFresh {
				return domain.IntegrityError{
					Message: fmt.Sprintf("%s %s references a parent that failed to materialize", desc.Type, r.ID),
				}
			}
			if err := tx.DeleteEntityRecord(r.ID); err != nil {
				return err
			}
			report.Deleted[desc.Type]++
			report.Warn(domain.RestoreWarning{
				Code:     domain.WarnDanglingRemoved,
				Entity:   desc.Type,
				RecordID: r.ID,
				Message:  "parent no longer exists after reconciliation; record removed",
			})
		}
	}
	return nil
}
