package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagecore/pkg/domain"
)

func TestTransactionRollbackLeavesNoTrace(t *testing.T) {
	store := NewStore()
	boom := errors.New("boom")

	var ws string
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		created, err := tx.CreateWorkspace(domain.Workspace{Kind: domain.WorkspaceScratch})
		if err != nil {
			return err
		}
		ws = created.ID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	err = store.View(context.Background(), func(view domain.TransactionView) error {
		if _, ok := view.FindWorkspace(ws); ok {
			t.Fatal("rolled-back state leaked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestDeleteWorkspaceCascadesRecords(t *testing.T) {
	store := NewStore()
	var ws string
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		created, err := tx.CreateWorkspace(domain.Workspace{Kind: domain.WorkspaceInstance})
		if err != nil {
			return err
		}
		ws = created.ID
		_, err = tx.CreateEntityRecord(domain.EntityRecord{
			WorkspaceID: ws,
			Type:        domain.EntitySubject,
			Fields:      map[string]any{"external_ref": "subj-1"},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DeleteWorkspace(ws)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	err = store.View(context.Background(), func(view domain.TransactionView) error {
		if _, ok := view.FindWorkspace(ws); ok {
			t.Fatal("workspace survived delete")
		}
		if recs := view.ListEntityRecords(ws, domain.EntitySubject); len(recs) != 0 {
			t.Fatalf("records survived cascade: %d", len(recs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCreateEntityRecordRequiresWorkspace(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEntityRecord(domain.EntityRecord{
			WorkspaceID: "ghost",
			Type:        domain.EntitySubject,
		})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestCreateSnapshotVersionRejectsReuse(t *testing.T) {
	store := NewStore()
	write := func() error {
		return store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, err := tx.CreateSnapshotVersion(domain.SnapshotVersion{TemplateID: "tpl-1", Version: 1})
			return err
		})
	}
	if err := write(); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := write(); !domain.IsIntegrity(err) {
		t.Fatalf("second write err = %v, want IntegrityError", err)
	}
}

func TestCreateHistoryOncePerInstance(t *testing.T) {
	store := NewStore()
	write := func() error {
		return store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, err := tx.CreateHistory(domain.InstanceHistory{InstanceID: "inst-1"})
			return err
		})
	}
	if err := write(); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := write(); !domain.IsInvalidState(err) {
		t.Fatalf("second write err = %v, want InvalidState", err)
	}
}

func TestReadsReturnClones(t *testing.T) {
	store := NewStore()
	var ws, id string
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		created, err := tx.CreateWorkspace(domain.Workspace{Kind: domain.WorkspaceScratch})
		if err != nil {
			return err
		}
		ws = created.ID
		rec, err := tx.CreateEntityRecord(domain.EntityRecord{
			WorkspaceID: ws,
			Type:        domain.EntitySubject,
			Fields:      map[string]any{"external_ref": "subj-1"},
		})
		id = rec.ID
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Mutating a returned record must not affect committed state.
	err = store.View(context.Background(), func(view domain.TransactionView) error {
		recs := view.ListEntityRecords(ws, domain.EntitySubject)
		if len(recs) != 1 {
			t.Fatalf("records = %d, want 1", len(recs))
		}
		recs[0].Fields["external_ref"] = "mutated"
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	err = store.View(context.Background(), func(view domain.TransactionView) error {
		for _, r := range view.ListEntityRecords(ws, domain.EntitySubject) {
			if r.ID == id && r.Fields["external_ref"] != "subj-1" {
				t.Fatalf("committed state mutated: %v", r.Fields["external_ref"])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		ws, err := tx.CreateWorkspace(domain.Workspace{Kind: domain.WorkspaceTemplateStaging})
		if err != nil {
			return err
		}
		if _, err := tx.CreateTemplate(domain.Template{Name: "panel", WorkspaceID: ws.ID}); err != nil {
			return err
		}
		if _, err := tx.CreateSnapshotVersion(domain.SnapshotVersion{TemplateID: "tpl-1", Version: 3}); err != nil {
			return err
		}
		if _, err := tx.CreateInstance(domain.ActiveInstance{TemplateID: "tpl-1", WorkspaceID: ws.ID}); err != nil {
			return err
		}
		_, err = tx.CreateHistory(domain.InstanceHistory{InstanceID: "inst-1"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	snap := store.ExportState()
	restored := NewStore()
	restored.ImportState(snap)

	err = restored.View(context.Background(), func(view domain.TransactionView) error {
		if len(view.ListTemplates()) != 1 {
			t.Fatal("template lost in round trip")
		}
		if _, ok := view.FindSnapshotVersion("tpl-1", 3); !ok {
			t.Fatal("version lost in round trip")
		}
		if len(view.ListInstances()) != 1 {
			t.Fatal("instance lost in round trip")
		}
		if _, ok := view.FindHistoryByInstance("inst-1"); !ok {
			t.Fatal("history lost in round trip")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSetClockControlsTimestamps(t *testing.T) {
	store := NewStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })

	var created domain.Workspace
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateWorkspace(domain.Workspace{Kind: domain.WorkspaceScratch})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.CreatedAt.Equal(fixed) {
		t.Fatalf("created at = %v, want %v", created.CreatedAt, fixed)
	}
}
