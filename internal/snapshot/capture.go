// Package snapshot implements point-in-time capture of a workspace's record
// graph and its materialization back into a workspace, remapping identifiers
// across the multi-table foreign-key graph.
package snapshot

import (
	"sort"
	"time"

	"stagecore/internal/graph"
	"stagecore/pkg/domain"
)

// Capture reads the full record graph of one workspace into an immutable
// document keyed by entity type, plus per-type counts computed once so
// callers needing only summary information never re-parse the document.
//
// The view is a cloned snapshot of store state, which makes the capture
// read-consistent: concurrent mutation of the source workspace can never
// yield a child record without its parent. Capture never mutates the source.
func Capture(view domain.TransactionView, workspaceID, actor string, now time.Time) (domain.Document, error) {
	if _, ok := view.FindWorkspace(workspaceID); !ok {
		return domain.Document{}, domain.NotFoundError{Kind: "workspace", ID: workspaceID}
	}

	doc := domain.Document{
		SourceWorkspaceID: workspaceID,
		CapturedAt:        now,
		CapturedBy:        actor,
		Entities:          make(map[domain.EntityType][]domain.Record),
		Stats:             make(map[domain.EntityType]int),
	}

	for _, desc := range graph.Model() {
		records := view.ListEntityRecords(workspaceID, desc.Type)
		sort.Slice(records, func(i, j int) bool {
			if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
				return records[i].CreatedAt.Before(records[j].CreatedAt)
			}
			return records[i].ID < records[j].ID
		})

		out := make([]domain.Record, 0, len(records))
		for _, r := range records {
			rec := domain.Record(desc.Normalize(domain.Record(r.Fields)))
			rec[domain.RecordKeyID] = r.ID
			if r.ParentID != nil {
				rec[domain.RecordKeyParent] = *r.ParentID
			}
			out = append(out, rec)
		}
		doc.Entities[desc.Type] = out
		doc.Stats[desc.Type] = len(out)
	}

	return doc, nil
}

// StatsOf recomputes per-type counts from a document's entity lists. Used
// when a document arrives without its derived stats (older archives).
func StatsOf(doc domain.Document) map[domain.EntityType]int {
	stats := make(map[domain.EntityType]int, len(doc.Entities))
	for t, recs := range doc.Entities {
		stats[t] = len(recs)
	}
	return stats
}
