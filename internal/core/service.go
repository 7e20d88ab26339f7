// Package core exposes the transactional service surface of the engine:
// template definition, snapshot capture, versioned archive operations, and
// the instance lifecycle. Callers are pre-authorized; the actor argument is
// trusted identity used for attribution only.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagecore/internal/archive"
	"stagecore/internal/blob"
	"stagecore/internal/graph"
	"stagecore/internal/snapshot"
	"stagecore/pkg/domain"
)

// Service composes capture, archive, and restore into the operator-facing
// workflows. Every operation executes as one transaction against the store.
type Service struct {
	store    domain.PersistentStore
	exporter *archive.Exporter
	metrics  MetricsRecorder
	tracer   Tracer
	nowFn    func() time.Time
}

// Option customizes service construction.
type Option func(*Service)

// WithMetricsRecorder attaches a metrics recorder observed around every operation.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(s *Service) { s.metrics = rec }
}

// WithTracer attaches a tracer wrapping every operation.
func WithTracer(tr Tracer) Option {
	return func(s *Service) { s.tracer = tr }
}

// WithClock overrides the service clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFn = now }
}

// WithBlobStore enables snapshot export through the given blob store.
func WithBlobStore(store blob.Store) Option {
	return func(s *Service) { s.exporter = archive.NewExporter(store) }
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store: store,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

func (s *Service) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var span TraceSpan
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, operation)
	}
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.Observe(ctx, operation, err == nil, time.Since(start))
	}
	if span != nil {
		span.End(err)
	}
	return err
}

// CreateTemplateInput carries the parameters for CreateTemplate.
type CreateTemplateInput struct {
	Name        string
	Description string
	Defaults    map[string]any
}

// CreateTemplate defines a new template and provisions its staging workspace.
func (s *Service) CreateTemplate(ctx context.Context, actor string, in CreateTemplateInput) (domain.Template, error) {
	var created domain.Template
	err := s.observe(ctx, "create_template", func(ctx context.Context) error {
		if in.Name == "" {
			return fmt.Errorf("template name required")
		}
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			templateID := uuid.NewString()
			ws, err := tx.CreateWorkspace(domain.Workspace{
				Kind:    domain.WorkspaceTemplateStaging,
				OwnerID: &templateID,
				Config:  in.Defaults,
			})
			if err != nil {
				return err
			}
			created, err = tx.CreateTemplate(domain.Template{
				Base:        domain.Base{ID: templateID},
				Name:        in.Name,
				Description: in.Description,
				Status:      domain.TemplateStatusDraft,
				WorkspaceID: ws.ID,
			})
			return err
		})
	})
	return created, err
}

// CaptureResult reports a completed snapshot capture.
type CaptureResult struct {
	Version int                       `json:"version"`
	Stats   map[domain.EntityType]int `json:"stats"`
	Archive archive.AdvanceResult     `json:"archive"`
}

// CaptureSnapshot captures the template's staging workspace into a new live
// snapshot, archiving the previous live document in the same transaction.
func (s *Service) CaptureSnapshot(ctx context.Context, actor, templateID, note string) (CaptureResult, error) {
	var result CaptureResult
	err := s.observe(ctx, "capture_snapshot", func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			tpl, ok := tx.FindTemplate(templateID)
			if !ok {
				return domain.NotFoundError{Kind: "template", ID: templateID}
			}
			doc, err := snapshot.Capture(tx, tpl.WorkspaceID, actor, s.nowFn())
			if err != nil {
				return err
			}
			adv, err := archive.ArchiveAndAdvance(tx, templateID, doc, actor, note, s.nowFn())
			if err != nil {
				return err
			}
			result = CaptureResult{Version: adv.NewVersion, Stats: doc.Stats, Archive: adv}
			return nil
		})
	})
	return result, err
}

// LaunchInput carries the parameters for LaunchInstance.
type LaunchInput struct {
	Name         string
	Duration     time.Duration
	Participants []string
}

// LaunchInstance materializes the template's current live snapshot into a
// brand-new workspace via a fresh restore and starts the session window.
// Every record receives a newly minted identifier, so instances launched
// concurrently from the same snapshot never collide.
func (s *Service) LaunchInstance(ctx context.Context, actor, templateID string, in LaunchInput) (domain.ActiveInstance, domain.RestoreReport, error) {
	var (
		created domain.ActiveInstance
		report  domain.RestoreReport
	)
	err := s.observe(ctx, "launch_instance", func(ctx context.Context) error {
		if in.Duration <= 0 {
			return fmt.Errorf("launch duration must be positive")
		}
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			tpl, ok := tx.FindTemplate(templateID)
			if !ok {
				return domain.NotFoundError{Kind: "template", ID: templateID}
			}
			if tpl.Live == nil {
				return domain.InvalidStateError{
					Kind: "template", ID: templateID,
					Message: "no captured snapshot to launch from",
				}
			}

			instanceID := uuid.NewString()
			ws, err := tx.CreateWorkspace(domain.Workspace{
				Kind:    domain.WorkspaceInstance,
				OwnerID: &instanceID,
			})
			if err != nil {
				return err
			}

			now := s.nowFn()
			report, err = snapshot.Apply(tx, ws.ID, *tpl.Live, domain.RestoreFresh, now)
			if err != nil {
				return err
			}

			created, err = tx.CreateInstance(domain.ActiveInstance{
				Base:          domain.Base{ID: instanceID},
				TemplateID:    templateID,
				LaunchVersion: tpl.Version,
				WorkspaceID:   ws.ID,
				Name:          in.Name,
				Status:        domain.InstanceStatusRunning,
				StartsAt:      now,
				EndsAt:        now.Add(in.Duration),
				Participants:  in.Participants,
			})
			return err
		})
	})
	return created, report, err
}

// ResetInstance reconciles the instance workspace back to the owning
// template's current live snapshot and refreshes the session window. Matched
// records keep their identifiers, so externally printed artifacts encoding
// them stay scannable across the reset.
func (s *Service) ResetInstance(ctx context.Context, actor, instanceID string) (domain.ActiveInstance, domain.RestoreReport, error) {
	return s.reconcileInstance(ctx, "reset_instance", instanceID, true)
}

// SyncInstance reapplies the template's current live snapshot to a running
// instance after a template edit, preserving the session window. Operators
// typically preview the change with CompareVersions first.
func (s *Service) SyncInstance(ctx context.Context, actor, instanceID string) (domain.ActiveInstance, domain.RestoreReport, error) {
	return s.reconcileInstance(ctx, "sync_instance", instanceID, false)
}

func (s *Service) reconcileInstance(ctx context.Context, operation, instanceID string, refreshWindow bool) (domain.ActiveInstance, domain.RestoreReport, error) {
	var (
		updated domain.ActiveInstance
		report  domain.RestoreReport
	)
	err := s.observe(ctx, operation, func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			inst, ok := tx.FindInstance(instanceID)
			if !ok {
				return domain.NotFoundError{Kind: "instance", ID: instanceID}
			}
			if inst.Status == domain.InstanceStatusCompleted {
				return domain.InvalidStateError{
					Kind: "instance", ID: instanceID,
					Message: "completed instances cannot be reset",
				}
			}
			tpl, ok := tx.FindTemplate(inst.TemplateID)
			if !ok {
				return domain.NotFoundError{Kind: "template", ID: inst.TemplateID}
			}
			if tpl.Live == nil {
				return domain.InvalidStateError{
					Kind: "template", ID: tpl.ID,
					Message: "no captured snapshot to restore from",
				}
			}

			now := s.nowFn()
			var err error
			report, err = snapshot.Apply(tx, inst.WorkspaceID, *tpl.Live, domain.RestoreReconcile, now)
			if err != nil {
				return err
			}

			window := inst.EndsAt.Sub(inst.StartsAt)
			updated, err = tx.UpdateInstance(instanceID, func(i *domain.ActiveInstance) error {
				i.LaunchVersion = tpl.Version
				i.Status = domain.InstanceStatusRunning
				if refreshWindow {
					i.StartsAt = now
					i.EndsAt = now.Add(window)
				}
				return nil
			})
			return err
		})
	})
	return updated, report, err
}

// CompleteInstance archives a running or expired instance to history exactly
// once, computing its final metrics. A second call returns InvalidState.
func (s *Service) CompleteInstance(ctx context.Context, actor, instanceID string) (domain.InstanceHistory, error) {
	var history domain.InstanceHistory
	err := s.observe(ctx, "complete_instance", func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			history, err = completeInTx(tx, instanceID, actor, s.nowFn())
			return err
		})
	})
	return history, err
}

func completeInTx(tx domain.Transaction, instanceID, actor string, now time.Time) (domain.InstanceHistory, error) {
	inst, ok := tx.FindInstance(instanceID)
	if !ok {
		return domain.InstanceHistory{}, domain.NotFoundError{Kind: "instance", ID: instanceID}
	}
	if inst.Status == domain.InstanceStatusCompleted {
		return domain.InstanceHistory{}, domain.InvalidStateError{
			Kind: "instance", ID: instanceID,
			Message: "already completed",
		}
	}

	metrics := domain.InstanceMetrics{
		RecordCounts:   make(map[domain.EntityType]int),
		Participants:   append([]string(nil), inst.Participants...),
		SessionSeconds: int64(now.Sub(inst.StartsAt) / time.Second),
	}
	for _, desc := range graph.Model() {
		n := len(tx.ListEntityRecords(inst.WorkspaceID, desc.Type))
		metrics.RecordCounts[desc.Type] = n
		metrics.RecordTotal += n
	}

	history, err := tx.CreateHistory(domain.InstanceHistory{
		InstanceID:    instanceID,
		TemplateID:    inst.TemplateID,
		LaunchVersion: inst.LaunchVersion,
		Name:          inst.Name,
		Metrics:       metrics,
		CompletedBy:   actor,
	})
	if err != nil {
		return domain.InstanceHistory{}, err
	}
	if _, err := tx.UpdateInstance(instanceID, func(i *domain.ActiveInstance) error {
		i.Status = domain.InstanceStatusCompleted
		return nil
	}); err != nil {
		return domain.InstanceHistory{}, err
	}
	return history, nil
}

// SweepExpired completes every running instance whose session window elapsed
// as of now. Each instance is handled in its own transaction with a re-fetch,
// so the sweep is idempotent and tolerates concurrent completion or deletion:
// already-completed and already-gone instances are silent no-ops.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	var completed []string
	err := s.observe(ctx, "sweep_expired", func(ctx context.Context) error {
		var candidates []string
		if err := s.store.View(ctx, func(view domain.TransactionView) error {
			for _, inst := range view.ListInstances() {
				if inst.Status == domain.InstanceStatusRunning && now.After(inst.EndsAt) {
					candidates = append(candidates, inst.ID)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		for _, id := range candidates {
			err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				inst, ok := tx.FindInstance(id)
				if !ok || inst.Status != domain.InstanceStatusRunning || !now.After(inst.EndsAt) {
					return nil
				}
				if _, err := completeInTx(tx, id, "sweep", now); err != nil {
					if domain.IsInvalidState(err) {
						return nil
					}
					return err
				}
				completed = append(completed, id)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return completed, err
}

// DeleteInstance removes an instance, its workspace, and all contained
// records. With archiveFirst set, the workspace's final state is exported to
// the blob store before anything is deleted; export failure aborts the
// delete. The instance is re-fetched by id immediately before acting, so a
// concurrent delete or completion is tolerated: already gone is success.
func (s *Service) DeleteInstance(ctx context.Context, actor, instanceID string, archiveFirst bool) error {
	return s.observe(ctx, "delete_instance", func(ctx context.Context) error {
		if archiveFirst {
			var (
				inst domain.ActiveInstance
				doc  domain.Document
				gone bool
			)
			if err := s.store.View(ctx, func(view domain.TransactionView) error {
				var ok bool
				inst, ok = view.FindInstance(instanceID)
				if !ok {
					gone = true
					return nil
				}
				var err error
				doc, err = snapshot.Capture(view, inst.WorkspaceID, actor, s.nowFn())
				return err
			}); err != nil {
				return err
			}
			if gone {
				return nil
			}
			if s.exporter == nil {
				return fmt.Errorf("archive requested but no blob store configured")
			}
			if _, err := s.exporter.ExportInstanceFinal(ctx, inst, doc); err != nil {
				return err
			}
		}

		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			inst, ok := tx.FindInstance(instanceID)
			if !ok {
				return nil
			}
			if err := tx.DeleteWorkspace(inst.WorkspaceID); err != nil && !domain.IsNotFound(err) {
				return err
			}
			return tx.DeleteInstance(instanceID)
		})
	})
}

// RestoreVersion re-archives a past version's document as the new live
// snapshot and reconciles the staging workspace to match it, all in one
// transaction. The ledger only ever moves forward.
func (s *Service) RestoreVersion(ctx context.Context, actor, templateID string, version int) (archive.AdvanceResult, domain.RestoreReport, error) {
	var (
		result archive.AdvanceResult
		report domain.RestoreReport
	)
	err := s.observe(ctx, "restore_version", func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			doc, _, err := archive.ResolveDocument(tx, templateID, version)
			if err != nil {
				return err
			}
			result, err = archive.RestorePastVersion(tx, templateID, version, actor, s.nowFn())
			if err != nil {
				return err
			}
			tpl, ok := tx.FindTemplate(templateID)
			if !ok {
				return domain.NotFoundError{Kind: "template", ID: templateID}
			}
			report, err = snapshot.Apply(tx, tpl.WorkspaceID, doc, domain.RestoreReconcile, s.nowFn())
			return err
		})
	})
	return result, report, err
}

// CompareVersions resolves both versions to per-entity-type record counts.
// Version 0 denotes the empty baseline.
func (s *Service) CompareVersions(ctx context.Context, templateID string, versionOld, versionNew int) (archive.CompareResult, error) {
	var result archive.CompareResult
	err := s.observe(ctx, "compare_versions", func(ctx context.Context) error {
		return s.store.View(ctx, func(view domain.TransactionView) error {
			var err error
			result, err = archive.Compare(view, templateID, versionOld, versionNew)
			return err
		})
	})
	return result, err
}

// ExportVersion writes a version's document to the blob store and returns
// the stored blob info.
func (s *Service) ExportVersion(ctx context.Context, templateID string, version int) (blob.Info, error) {
	var info blob.Info
	err := s.observe(ctx, "export_version", func(ctx context.Context) error {
		if s.exporter == nil {
			return fmt.Errorf("no blob store configured")
		}
		var doc domain.Document
		if err := s.store.View(ctx, func(view domain.TransactionView) error {
			var err error
			doc, _, err = archive.ResolveDocument(view, templateID, version)
			return err
		}); err != nil {
			return err
		}
		var err error
		info, err = s.exporter.ExportVersion(ctx, templateID, version, doc)
		return err
	})
	return info, err
}

// GetTemplate retrieves a template by id.
func (s *Service) GetTemplate(ctx context.Context, templateID string) (domain.Template, error) {
	var tpl domain.Template
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		var ok bool
		tpl, ok = view.FindTemplate(templateID)
		if !ok {
			return domain.NotFoundError{Kind: "template", ID: templateID}
		}
		return nil
	})
	return tpl, err
}

// ListTemplates returns all templates.
func (s *Service) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	var out []domain.Template
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		out = view.ListTemplates()
		return nil
	})
	return out, err
}

// ListVersions returns a template's archived versions in version order.
func (s *Service) ListVersions(ctx context.Context, templateID string) ([]domain.SnapshotVersion, error) {
	var out []domain.SnapshotVersion
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindTemplate(templateID); !ok {
			return domain.NotFoundError{Kind: "template", ID: templateID}
		}
		out = view.ListSnapshotVersions(templateID)
		return nil
	})
	return out, err
}

// GetInstance retrieves an instance by id.
func (s *Service) GetInstance(ctx context.Context, instanceID string) (domain.ActiveInstance, error) {
	var inst domain.ActiveInstance
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		var ok bool
		inst, ok = view.FindInstance(instanceID)
		if !ok {
			return domain.NotFoundError{Kind: "instance", ID: instanceID}
		}
		return nil
	})
	return inst, err
}

// ListInstances returns all instances.
func (s *Service) ListInstances(ctx context.Context) ([]domain.ActiveInstance, error) {
	var out []domain.ActiveInstance
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		out = view.ListInstances()
		return nil
	})
	return out, err
}

// GetInstanceHistory retrieves the archival record for an instance.
func (s *Service) GetInstanceHistory(ctx context.Context, instanceID string) (domain.InstanceHistory, error) {
	var history domain.InstanceHistory
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		var ok bool
		history, ok = view.FindHistoryByInstance(instanceID)
		if !ok {
			return domain.NotFoundError{Kind: "history", ID: instanceID}
		}
		return nil
	})
	return history, err
}
