// Package archive maintains each template's append-only snapshot ledger and
// the copy-on-write live document pointer. Every update archives the previous
// live document under its own version number and atomically swaps the
// pointer, so concurrent readers always see a complete document.
package archive

import (
	"fmt"
	"time"

	"stagecore/internal/graph"
	"stagecore/internal/snapshot"
	"stagecore/pkg/domain"
)

// AdvanceResult reports the outcome of one ledger advance.
type AdvanceResult struct {
	PreviousVersion   int    `json:"previous_version"`
	NewVersion        int    `json:"new_version"`
	ArchivedVersionID string `json:"archived_version_id,omitempty"`
}

// CompareResult carries per-entity-type counts for both sides of a
// comparison. Full structural diffing is deferred to the caller.
type CompareResult struct {
	StatsOld map[domain.EntityType]int `json:"stats_old"`
	StatsNew map[domain.EntityType]int `json:"stats_new"`
}

// ArchiveAndAdvance writes the template's current live document into the
// ledger under its current version number, then stores the incoming document
// as the new live snapshot at the incremented version. The archived entry
// preserves "the state just before this change", not the incoming one.
// Version numbers strictly increase per template with no reuse.
func ArchiveAndAdvance(tx domain.Transaction, templateID string, incoming domain.Document, author, note string, now time.Time) (AdvanceResult, error) {
	tpl, ok := tx.FindTemplate(templateID)
	if !ok {
		return AdvanceResult{}, domain.NotFoundError{Kind: "template", ID: templateID}
	}

	result := AdvanceResult{PreviousVersion: tpl.Version}

	if tpl.Live != nil {
		stats := tpl.Live.Stats
		if stats == nil {
			stats = snapshot.StatsOf(*tpl.Live)
		}
		archived, err := tx.CreateSnapshotVersion(domain.SnapshotVersion{
			TemplateID: templateID,
			Version:    tpl.Version,
			Document:   tpl.Live.Clone(),
			Stats:      stats,
			Author:     tpl.Live.CapturedBy,
			Note:       tpl.LiveNote,
		})
		if err != nil {
			return AdvanceResult{}, err
		}
		result.ArchivedVersionID = archived.ID
	}

	live := incoming.Clone()
	if live.Stats == nil {
		live.Stats = snapshot.StatsOf(live)
	}
	updated, err := tx.UpdateTemplate(templateID, func(t *domain.Template) error {
		t.Version++
		t.Live = &live
		t.LiveNote = note
		t.Status = domain.TemplateStatusReady
		return nil
	})
	if err != nil {
		return AdvanceResult{}, err
	}
	result.NewVersion = updated.Version
	return result, nil
}

// RestorePastVersion re-archives the document stored at the given version as
// a new live snapshot. Restoring history is itself a forward-moving, audited
// write; the ledger is never rewritten.
func RestorePastVersion(tx domain.Transaction, templateID string, version int, author string, now time.Time) (AdvanceResult, error) {
	doc, _, err := ResolveDocument(tx, templateID, version)
	if err != nil {
		return AdvanceResult{}, err
	}
	note := fmt.Sprintf("restore of version %d", version)
	return ArchiveAndAdvance(tx, templateID, doc, author, note, now)
}

// ResolveDocument returns the document and stats stored at a version. The
// template's live document counts as its current version; earlier versions
// come from the ledger. Version 0 has no document.
func ResolveDocument(view domain.TransactionView, templateID string, version int) (domain.Document, map[domain.EntityType]int, error) {
	tpl, ok := view.FindTemplate(templateID)
	if !ok {
		return domain.Document{}, nil, domain.NotFoundError{Kind: "template", ID: templateID}
	}
	if version <= 0 {
		return domain.Document{}, nil, domain.NotFoundError{Kind: "version", ID: fmt.Sprintf("%s@%d", templateID, version)}
	}
	if version == tpl.Version && tpl.Live != nil {
		doc := tpl.Live.Clone()
		stats := doc.Stats
		if stats == nil {
			stats = snapshot.StatsOf(doc)
		}
		return doc, stats, nil
	}
	archived, ok := view.FindSnapshotVersion(templateID, version)
	if !ok {
		return domain.Document{}, nil, domain.NotFoundError{Kind: "version", ID: fmt.Sprintf("%s@%d", templateID, version)}
	}
	stats := archived.Stats
	if stats == nil {
		stats = snapshot.StatsOf(archived.Document)
	}
	return archived.Document.Clone(), stats, nil
}

// Compare resolves both versions to their per-entity-type counts. Version 0
// denotes the empty baseline and yields all-zero counts.
func Compare(view domain.TransactionView, templateID string, versionOld, versionNew int) (CompareResult, error) {
	statsOld, err := resolveStats(view, templateID, versionOld)
	if err != nil {
		return CompareResult{}, err
	}
	statsNew, err := resolveStats(view, templateID, versionNew)
	if err != nil {
		return CompareResult{}, err
	}
	return CompareResult{StatsOld: statsOld, StatsNew: statsNew}, nil
}

func resolveStats(view domain.TransactionView, templateID string, version int) (map[domain.EntityType]int, error) {
	if version == 0 {
		return zeroStats(), nil
	}
	_, stats, err := ResolveDocument(view, templateID, version)
	if err != nil {
		return nil, err
	}
	// Older documents may predate entity types declared since; zero-fill so
	// both sides of a comparison cover the same type set.
	full := zeroStats()
	for t, n := range stats {
		full[t] = n
	}
	return full, nil
}

func zeroStats() map[domain.EntityType]int {
	stats := make(map[domain.EntityType]int)
	for _, desc := range graph.Model() {
		stats[desc.Type] = 0
	}
	return stats
}
