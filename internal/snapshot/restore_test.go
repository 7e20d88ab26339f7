package snapshot

import (
	"context"
	"testing"
	"time"

	"stagecore/internal/infra/persistence/memory"
	"stagecore/pkg/domain"
)

func captureDoc(t *testing.T, store *memory.Store, workspaceID string) domain.Document {
	t.Helper()
	var doc domain.Document
	err := store.View(context.Background(), func(view domain.TransactionView) error {
		var err error
		doc, err = Capture(view, workspaceID, "tester", time.Now().UTC())
		return err
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	return doc
}

func applyDoc(t *testing.T, store *memory.Store, workspaceID string, doc domain.Document, mode domain.RestoreMode) domain.RestoreReport {
	t.Helper()
	var report domain.RestoreReport
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		report, err = Apply(tx, workspaceID, doc, mode, time.Now().UTC())
		return err
	})
	if err != nil {
		t.Fatalf("apply %s: %v", mode, err)
	}
	return report
}

func listRecords(t *testing.T, store *memory.Store, workspaceID string, entity domain.EntityType) []domain.EntityRecord {
	t.Helper()
	var out []domain.EntityRecord
	err := store.View(context.Background(), func(view domain.TransactionView) error {
		out = view.ListEntityRecords(workspaceID, entity)
		return nil
	})
	if err != nil {
		t.Fatalf("list %s: %v", entity, err)
	}
	return out
}

func TestFreshRestoreRoundTrip(t *testing.T) {
	store := memory.NewStore()
	src := seedWorkspace(t, store, domain.WorkspaceTemplateStaging)

	subjectID := seedRecord(t, store, src, domain.EntitySubject, nil, map[string]any{"external_ref": "subj-1", "display_name": "A"})
	orderID := seedRecord(t, store, src, domain.EntityOrder, &subjectID, map[string]any{"placed_label": "ord-1"})
	seedRecord(t, store, src, domain.EntityReading, &orderID, map[string]any{"sample_label": "smp-1", "value": 7.2})
	seedRecord(t, store, src, domain.EntityNote, &subjectID, map[string]any{"note_key": "n-1", "body": "hello"})

	doc := captureDoc(t, store, src)

	dst := seedWorkspace(t, store, domain.WorkspaceInstance)
	report := applyDoc(t, store, dst, doc, domain.RestoreFresh)

	if report.Applied() != 4 {
		t.Fatalf("applied = %d, want 4", report.Applied())
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("warnings = %+v, want none", report.Warnings)
	}

	subjects := listRecords(t, store, dst, domain.EntitySubject)
	if len(subjects) != 1 {
		t.Fatalf("subjects = %d, want 1", len(subjects))
	}
	if subjects[0].ID == subjectID {
		t.Fatal("fresh restore reused a source identifier")
	}

	orders := listRecords(t, store, dst, domain.EntityOrder)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].ParentID == nil || *orders[0].ParentID != subjects[0].ID {
		t.Fatalf("order parent not remapped: %v", orders[0].ParentID)
	}

	readings := listRecords(t, store, dst, domain.EntityReading)
	if len(readings) != 1 || readings[0].ParentID == nil || *readings[0].ParentID != orders[0].ID {
		t.Fatalf("reading parent not remapped: %+v", readings)
	}
	if readings[0].Fields["value"] != 7.2 {
		t.Fatalf("reading value = %v", readings[0].Fields["value"])
	}
}

func TestFreshRestoreTwiceNeverCollides(t *testing.T) {
	store := memory.NewStore()
	src := seedWorkspace(t, store, domain.WorkspaceTemplateStaging)
	subjectID := seedRecord(t, store, src, domain.EntitySubject, nil, map[string]any{"external_ref": "subj-1"})
	seedRecord(t, store, src, domain.EntityOrder, &subjectID, map[string]any{"placed_label": "ord-1"})

	doc := captureDoc(t, store, src)

	first := seedWorkspace(t, store, domain.WorkspaceInstance)
	second := seedWorkspace(t, store, domain.WorkspaceInstance)
	applyDoc(t, store, first, doc, domain.RestoreFresh)
	applyDoc(t, store, second, doc, domain.RestoreFresh)

	ids := map[string]bool{}
	for _, ws := range []string{first, second} {
		for _, entity := range []domain.EntityType{domain.EntitySubject, domain.EntityOrder} {
			for _, r := range listRecords(t, store, ws, entity) {
				if ids[r.ID] {
					t.Fatalf("identifier %s minted twice", r.ID)
				}
				ids[r.ID] = true
			}
		}
	}
}

func TestRestoreRequiresKnownWorkspace(t *testing.T) {
	store := memory.NewStore()
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := Apply(tx, "missing", domain.Document{}, domain.RestoreFresh, time.Now().UTC())
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestRestoreRejectsUnknownMode(t *testing.T) {
	store := memory.NewStore()
	ws := seedWorkspace(t, store, domain.WorkspaceInstance)
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := Apply(tx, ws, domain.Document{}, domain.RestoreMode("upsert"), time.Now().UTC())
		return err
	})
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestRestoreSkipsUnknownEntityTypes(t *testing.T) {
	store := memory.NewStore()
	ws := seedWorkspace(t, store, domain.WorkspaceInstance)

	doc := domain.Document{Entities: map[domain.EntityType][]domain.Record{
		"hologram": {{domain.RecordKeyID: "h-1", "shape": "cube"}},
		domain.EntitySubject: {
			{domain.RecordKeyID: "s-1", "external_ref": "subj-1"},
		},
	}}

	report := applyDoc(t, store, ws, doc, domain.RestoreFresh)
	if report.Inserted[domain.EntitySubject] != 1 {
		t.Fatalf("subject inserted = %d, want 1", report.Inserted[domain.EntitySubject])
	}
	found := false
	for _, w := range report.Warnings {
		if w.Code == domain.WarnUnknownEntityType && w.Entity == "hologram" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing unknown-entity-type warning: %+v", report.Warnings)
	}
}

func TestRestoreSkipsOrphanedChildrenWithWarning(t *testing.T) {
	store := memory.NewStore()
	ws := seedWorkspace(t, store, domain.WorkspaceInstance)

	// Order s-1's subject is absent from the document; its reading must also
	// cascade to skipped.
	doc := domain.Document{Entities: map[domain.EntityType][]domain.Record{
		domain.EntitySubject: {
			{domain.RecordKeyID: "s-1", "external_ref": "subj-1"},
		},
		domain.EntityOrder: {
			{domain.RecordKeyID: "o-1", domain.RecordKeyParent: "s-1", "placed_label": "ord-1"},
			{domain.RecordKeyID: "o-2", domain.RecordKeyParent: "s-missing", "placed_label": "ord-2"},
		},
		domain.EntityReading: {
			{domain.RecordKeyID: "r-1", domain.RecordKeyParent: "o-2", "sample_label": "smp-1"},
		},
	}}

	report := applyDoc(t, store, ws, doc, domain.RestoreFresh)

	if report.Inserted[domain.EntityOrder] != 1 {
		t.Fatalf("orders inserted = %d, want 1", report.Inserted[domain.EntityOrder])
	}
	if report.Inserted[domain.EntityReading] != 0 {
		t.Fatalf("readings inserted = %d, want 0", report.Inserted[domain.EntityReading])
	}
	skipped := 0
	for _, w := range report.Warnings {
		if w.Code == domain.WarnMissingParent {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("missing-parent warnings = %d, want 2", skipped)
	}
}

func TestFreshRestoreFailsOnPreexistingDanglingChild(t *testing.T) {
	store := memory.NewStore()
	ws := seedWorkspace(t, store, domain.WorkspaceInstance)
	ghost := "no-such-subject"
	seedRecord(t, store, ws, domain.EntityOrder, &ghost, map[string]any{"placed_label": "ord-x"})

	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := Apply(tx, ws, domain.Document{}, domain.RestoreFresh, time.Now().UTC())
		return err
	})
	if !domain.IsIntegrity(err) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
}

func TestReconcilePreservesMatchedIdentifiers(t *testing.T) {
	store := memory.NewStore()
	src := seedWorkspace(t, store, domain.WorkspaceTemplateStaging)
	srcSubject := seedRecord(t, store, src, domain.EntitySubject, nil, map[string]any{"external_ref": "subj-1", "display_name": "Updated Name"})
	seedRecord(t, store, src, domain.EntityOrder, &srcSubject, map[string]any{"placed_label": "ord-1", "kind": "panel"})
	doc := captureDoc(t, store, src)

	dst := seedWorkspace(t, store, domain.WorkspaceInstance)
	dstSubject := seedRecord(t, store, dst, domain.EntitySubject, nil, map[string]any{"external_ref": "subj-1", "display_name": "Old Name"})
	dstOrder := seedRecord(t, store, dst, domain.EntityOrder, &dstSubject, map[string]any{"placed_label": "ord-1", "kind": "stale"})
	extraOrder := seedRecord(t, store, dst, domain.EntityOrder, &dstSubject, map[string]any{"placed_label": "ord-extra"})

	report := applyDoc(t, store, dst, doc, domain.RestoreReconcile)

	if report.Updated[domain.EntitySubject] != 1 || report.Updated[domain.EntityOrder] != 1 {
		t.Fatalf("updated = %+v, want one subject and one order", report.Updated)
	}
	if report.Deleted[domain.EntityOrder] != 1 {
		t.Fatalf("deleted orders = %d, want 1", report.Deleted[domain.EntityOrder])
	}

	subjects := listRecords(t, store, dst, domain.EntitySubject)
	if len(subjects) != 1 || subjects[0].ID != dstSubject {
		t.Fatalf("matched subject lost its identifier: %+v", subjects)
	}
	if subjects[0].Fields["display_name"] != "Updated Name" {
		t.Fatalf("subject fields not reconciled: %v", subjects[0].Fields["display_name"])
	}

	orders := listRecords(t, store, dst, domain.EntityOrder)
	if len(orders) != 1 || orders[0].ID != dstOrder {
		t.Fatalf("matched order lost its identifier: %+v", orders)
	}
	if orders[0].Fields["kind"] != "panel" {
		t.Fatalf("order fields not reconciled: %v", orders[0].Fields["kind"])
	}
	for _, o := range orders {
		if o.ID == extraOrder {
			t.Fatal("extra order should have been deleted")
		}
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	src := seedWorkspace(t, store, domain.WorkspaceTemplateStaging)
	subjectID := seedRecord(t, store, src, domain.EntitySubject, nil, map[string]any{"external_ref": "subj-1"})
	seedRecord(t, store, src, domain.EntityNote, &subjectID, map[string]any{"note_key": "n-1", "body": "x"})
	doc := captureDoc(t, store, src)

	dst := seedWorkspace(t, store, domain.WorkspaceInstance)
	applyDoc(t, store, dst, doc, domain.RestoreFresh)

	first := listRecords(t, store, dst, domain.EntityNote)
	report := applyDoc(t, store, dst, doc, domain.RestoreReconcile)
	second := listRecords(t, store, dst, domain.EntityNote)

	if report.Inserted[domain.EntityNote] != 0 || report.Deleted[domain.EntityNote] != 0 {
		t.Fatalf("second reconcile mutated note set: %+v", report)
	}
	if len(first) != 1 || len(second) != 1 || first[0].ID != second[0].ID {
		t.Fatalf("note identity unstable across reconcile: %v vs %v", first, second)
	}
}

func TestReconcileInsertsWhenNaturalKeyEmpty(t *testing.T) {
	store := memory.NewStore()
	ws := seedWorkspace(t, store, domain.WorkspaceInstance)
	seedRecord(t, store, ws, domain.EntitySubject, nil, map[string]any{"external_ref": "", "display_name": "keyless"})

	doc := domain.Document{Entities: map[domain.EntityType][]domain.Record{
		domain.EntitySubject: {
			{domain.RecordKeyID: "s-1", "external_ref": "", "display_name": "incoming"},
		},
	}}

	report := applyDoc(t, store, ws, doc, domain.RestoreReconcile)

	if report.Inserted[domain.EntitySubject] != 1 {
		t.Fatalf("inserted = %d, want 1", report.Inserted[domain.EntitySubject])
	}
	if report.Deleted[domain.EntitySubject] != 1 {
		t.Fatalf("deleted = %d, want 1 (keyless existing cannot match)", report.Deleted[domain.EntitySubject])
	}
	found := false
	for _, w := range report.Warnings {
		if w.Code == domain.WarnNoNaturalKey {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing no-natural-key warning: %+v", report.Warnings)
	}
}

func TestIdentifierMapResolve(t *testing.T) {
	ids := NewIdentifierMap()
	minted := ids.Mint(domain.EntitySubject, "old-1")
	if minted == "old-1" || minted == "" {
		t.Fatalf("mint returned %q", minted)
	}
	got, ok := ids.Resolve(domain.EntitySubject, "old-1")
	if !ok || got != minted {
		t.Fatalf("resolve = %q, %v", got, ok)
	}
	if _, ok := ids.Resolve(domain.EntityOrder, "old-1"); ok {
		t.Fatal("resolve crossed entity-type partition")
	}
	ids.Keep(domain.EntityOrder, "old-2", "kept-2")
	if got, ok := ids.Resolve(domain.EntityOrder, "old-2"); !ok || got != "kept-2" {
		t.Fatalf("kept id resolve = %q, %v", got, ok)
	}
}
