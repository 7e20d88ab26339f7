package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"stagecore/internal/blob"
	"stagecore/pkg/domain"
)

const exportContentType = "application/json"

// Exporter writes snapshot documents to a blob store, giving operators a
// portable copy of ledger entries and a final archive of deleted instances.
type Exporter struct {
	blobs blob.Store
}

// NewExporter constructs an exporter over the given blob store.
func NewExporter(store blob.Store) *Exporter {
	return &Exporter{blobs: store}
}

// ExportVersion stores an archived version's document under
// templates/<id>/versions/<n>.json and returns the stored blob info.
func (e *Exporter) ExportVersion(ctx context.Context, templateID string, version int, doc domain.Document) (blob.Info, error) {
	key := fmt.Sprintf("templates/%s/versions/%d.json", templateID, version)
	return e.put(ctx, key, doc, map[string]string{
		"template_id": templateID,
		"version":     strconv.Itoa(version),
	})
}

// ExportInstanceFinal stores the final captured state of an instance
// workspace under instances/<id>/final.json, written before the instance is
// deleted with archive_first set.
func (e *Exporter) ExportInstanceFinal(ctx context.Context, inst domain.ActiveInstance, doc domain.Document) (blob.Info, error) {
	key := fmt.Sprintf("instances/%s/final.json", inst.ID)
	return e.put(ctx, key, doc, map[string]string{
		"instance_id":    inst.ID,
		"template_id":    inst.TemplateID,
		"launch_version": strconv.Itoa(inst.LaunchVersion),
	})
}

func (e *Exporter) put(ctx context.Context, key string, doc domain.Document, metadata map[string]string) (blob.Info, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode document: %w", err)
	}
	info, err := e.blobs.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: exportContentType,
		Metadata:    metadata,
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("store %s: %w", key, err)
	}
	return info, nil
}
