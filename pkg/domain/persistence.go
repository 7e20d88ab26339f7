package domain

import "context"

// TransactionView provides read-only access to a consistent snapshot of the
// store state. Views are served from a cloned state, so a capture reading
// through a view can never observe a child record without its parent.
type TransactionView interface {
	FindWorkspace(id string) (Workspace, bool)
	FindTemplate(id string) (Template, bool)
	ListTemplates() []Template
	FindSnapshotVersion(templateID string, version int) (SnapshotVersion, bool)
	ListSnapshotVersions(templateID string) []SnapshotVersion
	FindInstance(id string) (ActiveInstance, bool)
	ListInstances() []ActiveInstance
	FindHistoryByInstance(instanceID string) (InstanceHistory, bool)
	ListEntityRecords(workspaceID string, t EntityType) []EntityRecord
}

// Transaction exposes the domain mutations a persistence implementation must
// support within one atomic scope. It embeds TransactionView so operations
// can read and write against the same uncommitted state.
type Transaction interface {
	TransactionView

	CreateWorkspace(Workspace) (Workspace, error)
	DeleteWorkspace(id string) error // cascades to all entity records

	CreateTemplate(Template) (Template, error)
	UpdateTemplate(id string, mutator func(*Template) error) (Template, error)
	DeleteTemplate(id string) error

	CreateSnapshotVersion(SnapshotVersion) (SnapshotVersion, error)

	CreateInstance(ActiveInstance) (ActiveInstance, error)
	UpdateInstance(id string, mutator func(*ActiveInstance) error) (ActiveInstance, error)
	DeleteInstance(id string) error

	CreateHistory(InstanceHistory) (InstanceHistory, error)

	CreateEntityRecord(EntityRecord) (EntityRecord, error)
	UpdateEntityRecord(id string, mutator func(*EntityRecord) error) (EntityRecord, error)
	DeleteEntityRecord(id string) error
}

// PersistentStore is the minimal abstraction over durable backends. A
// transaction either commits completely or leaves no trace; no intermediate
// state is observable outside RunInTransaction.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error
}
