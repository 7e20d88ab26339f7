package archive

import (
	"context"
	"testing"
	"time"

	"stagecore/internal/infra/persistence/memory"
	"stagecore/pkg/domain"
)

func seedTemplate(t *testing.T, store *memory.Store) string {
	t.Helper()
	var id string
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		ws, err := tx.CreateWorkspace(domain.Workspace{Kind: domain.WorkspaceTemplateStaging})
		if err != nil {
			return err
		}
		tpl, err := tx.CreateTemplate(domain.Template{
			Name:        "panel",
			Status:      domain.TemplateStatusDraft,
			WorkspaceID: ws.ID,
		})
		if err != nil {
			return err
		}
		id = tpl.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return id
}

func docWithSubjects(n int, actor string) domain.Document {
	recs := make([]domain.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, domain.Record{"external_ref": "subj"})
	}
	return domain.Document{
		CapturedAt: time.Now().UTC(),
		CapturedBy: actor,
		Entities:   map[domain.EntityType][]domain.Record{domain.EntitySubject: recs},
		Stats:      map[domain.EntityType]int{domain.EntitySubject: n},
	}
}

func advance(t *testing.T, store *memory.Store, templateID string, doc domain.Document, note string) AdvanceResult {
	t.Helper()
	var result AdvanceResult
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		result, err = ArchiveAndAdvance(tx, templateID, doc, doc.CapturedBy, note, time.Now().UTC())
		return err
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return result
}

func TestFirstAdvanceArchivesNothing(t *testing.T) {
	store := memory.NewStore()
	tpl := seedTemplate(t, store)

	result := advance(t, store, tpl, docWithSubjects(2, "alice"), "initial")
	if result.PreviousVersion != 0 || result.NewVersion != 1 {
		t.Fatalf("result = %+v, want 0 -> 1", result)
	}
	if result.ArchivedVersionID != "" {
		t.Fatalf("version 0 has no document to archive, got %q", result.ArchivedVersionID)
	}

	err := store.View(context.Background(), func(view domain.TransactionView) error {
		got, _ := view.FindTemplate(tpl)
		if got.Version != 1 || got.Live == nil {
			t.Fatalf("template = %+v", got)
		}
		if got.Status != domain.TemplateStatusReady {
			t.Fatalf("status = %s, want ready", got.Status)
		}
		if versions := view.ListSnapshotVersions(tpl); len(versions) != 0 {
			t.Fatalf("ledger entries = %d, want 0", len(versions))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestAdvanceArchivesPreviousLive(t *testing.T) {
	store := memory.NewStore()
	tpl := seedTemplate(t, store)

	advance(t, store, tpl, docWithSubjects(1, "alice"), "first")
	result := advance(t, store, tpl, docWithSubjects(3, "bob"), "second")
	if result.PreviousVersion != 1 || result.NewVersion != 2 {
		t.Fatalf("result = %+v, want 1 -> 2", result)
	}

	err := store.View(context.Background(), func(view domain.TransactionView) error {
		archived, ok := view.FindSnapshotVersion(tpl, 1)
		if !ok {
			t.Fatal("version 1 not archived")
		}
		if archived.Stats[domain.EntitySubject] != 1 {
			t.Fatalf("archived stats = %+v, want 1 subject", archived.Stats)
		}
		if archived.Author != "alice" || archived.Note != "first" {
			t.Fatalf("archived attribution = %q/%q", archived.Author, archived.Note)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestVersionsStrictlyIncrease(t *testing.T) {
	store := memory.NewStore()
	tpl := seedTemplate(t, store)

	last := 0
	for i := 1; i <= 5; i++ {
		result := advance(t, store, tpl, docWithSubjects(i, "alice"), "")
		if result.NewVersion <= last {
			t.Fatalf("version %d not greater than %d", result.NewVersion, last)
		}
		last = result.NewVersion
	}
	if last != 5 {
		t.Fatalf("final version = %d, want 5", last)
	}
}

func TestResolveDocument(t *testing.T) {
	store := memory.NewStore()
	tpl := seedTemplate(t, store)
	advance(t, store, tpl, docWithSubjects(1, "alice"), "")
	advance(t, store, tpl, docWithSubjects(2, "alice"), "")

	err := store.View(context.Background(), func(view domain.TransactionView) error {
		// Current version resolves to the live document.
		doc, stats, err := ResolveDocument(view, tpl, 2)
		if err != nil {
			return err
		}
		if stats[domain.EntitySubject] != 2 || len(doc.Entities[domain.EntitySubject]) != 2 {
			t.Fatalf("live doc stats = %+v", stats)
		}

		// Past version resolves from the ledger.
		_, stats, err = ResolveDocument(view, tpl, 1)
		if err != nil {
			return err
		}
		if stats[domain.EntitySubject] != 1 {
			t.Fatalf("archived stats = %+v", stats)
		}

		// Version 0 and unknown versions are NotFound.
		if _, _, err := ResolveDocument(view, tpl, 0); !domain.IsNotFound(err) {
			t.Fatalf("version 0 err = %v", err)
		}
		if _, _, err := ResolveDocument(view, tpl, 9); !domain.IsNotFound(err) {
			t.Fatalf("version 9 err = %v", err)
		}
		if _, _, err := ResolveDocument(view, "ghost", 1); !domain.IsNotFound(err) {
			t.Fatalf("ghost template err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestRestorePastVersionMovesForward(t *testing.T) {
	store := memory.NewStore()
	tpl := seedTemplate(t, store)
	advance(t, store, tpl, docWithSubjects(1, "alice"), "v1")
	advance(t, store, tpl, docWithSubjects(5, "alice"), "v2")

	var result AdvanceResult
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		result, err = RestorePastVersion(tx, tpl, 1, "bob", time.Now().UTC())
		return err
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if result.NewVersion != 3 {
		t.Fatalf("new version = %d, want 3", result.NewVersion)
	}

	err = store.View(context.Background(), func(view domain.TransactionView) error {
		got, _ := view.FindTemplate(tpl)
		if got.Version != 3 {
			t.Fatalf("template version = %d, want 3", got.Version)
		}
		// Live content now matches version 1.
		if got.Live.Stats[domain.EntitySubject] != 1 {
			t.Fatalf("live stats = %+v, want 1 subject", got.Live.Stats)
		}
		// The pre-restore live (version 2) is preserved in the ledger.
		archived, ok := view.FindSnapshotVersion(tpl, 2)
		if !ok || archived.Stats[domain.EntitySubject] != 5 {
			t.Fatalf("version 2 archive = %+v, %v", archived.Stats, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCompareZeroBaseline(t *testing.T) {
	store := memory.NewStore()
	tpl := seedTemplate(t, store)
	advance(t, store, tpl, docWithSubjects(2, "alice"), "")

	err := store.View(context.Background(), func(view domain.TransactionView) error {
		result, err := Compare(view, tpl, 0, 1)
		if err != nil {
			return err
		}
		for entity, n := range result.StatsOld {
			if n != 0 {
				t.Fatalf("baseline stats[%s] = %d, want 0", entity, n)
			}
		}
		if result.StatsNew[domain.EntitySubject] != 2 {
			t.Fatalf("new stats = %+v", result.StatsNew)
		}
		// Both sides cover the same entity-type set.
		if len(result.StatsOld) != len(result.StatsNew) {
			t.Fatalf("asymmetric stats: %d vs %d types", len(result.StatsOld), len(result.StatsNew))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCompareUnknownVersion(t *testing.T) {
	store := memory.NewStore()
	tpl := seedTemplate(t, store)
	advance(t, store, tpl, docWithSubjects(1, "alice"), "")

	err := store.View(context.Background(), func(view domain.TransactionView) error {
		if _, err := Compare(view, tpl, 1, 7); !domain.IsNotFound(err) {
			t.Fatalf("err = %v, want NotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
