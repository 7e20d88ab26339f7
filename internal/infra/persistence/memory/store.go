// Package memory implements the canonical transactional store. Transactions
// run against a deep clone of the committed state and commit by pointer swap,
// so partial mutations are never observable and a failed transaction leaves
// no trace. Durable backends wrap this store and persist its exported state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

type state struct {
	workspaces map[string]domain.Workspace
	templates  map[string]domain.Template
	versions   map[string]domain.SnapshotVersion // keyed by templateID "@" version
	instances  map[string]domain.ActiveInstance
	records    map[string]domain.EntityRecord
	history    map[string]domain.InstanceHistory // keyed by instance ID
}

func newState() state {
	return state{
		workspaces: make(map[string]domain.Workspace),
		templates:  make(map[string]domain.Template),
		versions:   make(map[string]domain.SnapshotVersion),
		instances:  make(map[string]domain.ActiveInstance),
		records:    make(map[string]domain.EntityRecord),
		history:    make(map[string]domain.InstanceHistory),
	}
}

func (s state) clone() state {
	cloned := newState()
	for k, v := range s.workspaces {
		cloned.workspaces[k] = domain.CloneWorkspace(v)
	}
	for k, v := range s.templates {
		cloned.templates[k] = domain.CloneTemplate(v)
	}
	for k, v := range s.versions {
		cloned.versions[k] = domain.CloneSnapshotVersion(v)
	}
	for k, v := range s.instances {
		cloned.instances[k] = domain.CloneInstance(v)
	}
	for k, v := range s.records {
		cloned.records[k] = domain.CloneEntityRecord(v)
	}
	for k, v := range s.history {
		cloned.history[k] = domain.CloneHistory(v)
	}
	return cloned
}

func versionKey(templateID string, version int) string {
	return templateID + "@" + strconv.Itoa(version)
}

// Store provides the in-memory transactional store for the engine.
type Store struct {
	mu    sync.RWMutex
	state state
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock, used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

func newID() string { return uuid.NewString() }

// Transaction applies a mutation set to a cloned copy of the store state.
type Transaction struct {
	state *state
	now   time.Time
}

var _ domain.Transaction = (*Transaction)(nil)

// RunInTransaction executes fn against a transactional copy of the store
// state and commits it atomically on success.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	next := s.state.clone()
	tx := &Transaction{state: &next, now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = next
	return nil
}

// View executes fn against a read-only clone of the committed state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&Transaction{state: &snapshot, now: time.Now().UTC()})
}

// --- reads (shared by transactions and views) ---

// FindWorkspace retrieves a workspace by ID.
func (tx *Transaction) FindWorkspace(id string) (domain.Workspace, bool) {
	w, ok := tx.state.workspaces[id]
	if !ok {
		return domain.Workspace{}, false
	}
	return domain.CloneWorkspace(w), true
}

// FindTemplate retrieves a template by ID.
func (tx *Transaction) FindTemplate(id string) (domain.Template, bool) {
	t, ok := tx.state.templates[id]
	if !ok {
		return domain.Template{}, false
	}
	return domain.CloneTemplate(t), true
}

// ListTemplates returns all templates sorted by creation time.
func (tx *Transaction) ListTemplates() []domain.Template {
	out := make([]domain.Template, 0, len(tx.state.templates))
	for _, t := range tx.state.templates {
		out = append(out, domain.CloneTemplate(t))
	}
	sortByCreated(out, func(t domain.Template) (time.Time, string) { return t.CreatedAt, t.ID })
	return out
}

// FindSnapshotVersion retrieves an archived version of a template.
func (tx *Transaction) FindSnapshotVersion(templateID string, version int) (domain.SnapshotVersion, bool) {
	v, ok := tx.state.versions[versionKey(templateID, version)]
	if !ok {
		return domain.SnapshotVersion{}, false
	}
	return domain.CloneSnapshotVersion(v), true
}

// ListSnapshotVersions returns a template's archived versions in version order.
func (tx *Transaction) ListSnapshotVersions(templateID string) []domain.SnapshotVersion {
	var out []domain.SnapshotVersion
	for _, v := range tx.state.versions {
		if v.TemplateID == templateID {
			out = append(out, domain.CloneSnapshotVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// FindInstance retrieves an instance by ID.
func (tx *Transaction) FindInstance(id string) (domain.ActiveInstance, bool) {
	i, ok := tx.state.instances[id]
	if !ok {
		return domain.ActiveInstance{}, false
	}
	return domain.CloneInstance(i), true
}

// ListInstances returns all instances sorted by creation time.
func (tx *Transaction) ListInstances() []domain.ActiveInstance {
	out := make([]domain.ActiveInstance, 0, len(tx.state.instances))
	for _, i := range tx.state.instances {
		out = append(out, domain.CloneInstance(i))
	}
	sortByCreated(out, func(i domain.ActiveInstance) (time.Time, string) { return i.CreatedAt, i.ID })
	return out
}

// FindHistoryByInstance retrieves the archival record for an instance.
func (tx *Transaction) FindHistoryByInstance(instanceID string) (domain.InstanceHistory, bool) {
	h, ok := tx.state.history[instanceID]
	if !ok {
		return domain.InstanceHistory{}, false
	}
	return domain.CloneHistory(h), true
}

// ListEntityRecords returns all records of one type scoped to a workspace.
func (tx *Transaction) ListEntityRecords(workspaceID string, t domain.EntityType) []domain.EntityRecord {
	var out []domain.EntityRecord
	for _, r := range tx.state.records {
		if r.WorkspaceID == workspaceID && r.Type == t {
			out = append(out, domain.CloneEntityRecord(r))
		}
	}
	sortByCreated(out, func(r domain.EntityRecord) (time.Time, string) { return r.CreatedAt, r.ID })
	return out
}

// --- writes ---

// CreateWorkspace stores a new workspace.
func (tx *Transaction) CreateWorkspace(w domain.Workspace) (domain.Workspace, error) {
	if w.ID == "" {
		w.ID = newID()
	}
	if _, exists := tx.state.workspaces[w.ID]; exists {
		return domain.Workspace{}, fmt.Errorf("workspace %q already exists", w.ID)
	}
	w.CreatedAt = tx.now
	w.UpdatedAt = tx.now
	tx.state.workspaces[w.ID] = domain.CloneWorkspace(w)
	return domain.CloneWorkspace(w), nil
}

// DeleteWorkspace removes a workspace, cascading to all its entity records.
func (tx *Transaction) DeleteWorkspace(id string) error {
	if _, ok := tx.state.workspaces[id]; !ok {
		return domain.NotFoundError{Kind: "workspace", ID: id}
	}
	delete(tx.state.workspaces, id)
	for rid, r := range tx.state.records {
		if r.WorkspaceID == id {
			delete(tx.state.records, rid)
		}
	}
	return nil
}

// CreateTemplate stores a new template.
func (tx *Transaction) CreateTemplate(t domain.Template) (domain.Template, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	if _, exists := tx.state.templates[t.ID]; exists {
		return domain.Template{}, fmt.Errorf("template %q already exists", t.ID)
	}
	t.CreatedAt = tx.now
	t.UpdatedAt = tx.now
	tx.state.templates[t.ID] = domain.CloneTemplate(t)
	return domain.CloneTemplate(t), nil
}

// UpdateTemplate mutates a template using the provided mutator.
func (tx *Transaction) UpdateTemplate(id string, mutator func(*domain.Template) error) (domain.Template, error) {
	current, ok := tx.state.templates[id]
	if !ok {
		return domain.Template{}, domain.NotFoundError{Kind: "template", ID: id}
	}
	if err := mutator(&current); err != nil {
		return domain.Template{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.templates[id] = domain.CloneTemplate(current)
	return domain.CloneTemplate(current), nil
}

// DeleteTemplate removes a template record.
func (tx *Transaction) DeleteTemplate(id string) error {
	if _, ok := tx.state.templates[id]; !ok {
		return domain.NotFoundError{Kind: "template", ID: id}
	}
	delete(tx.state.templates, id)
	for key, v := range tx.state.versions {
		if v.TemplateID == id {
			delete(tx.state.versions, key)
		}
	}
	return nil
}

// CreateSnapshotVersion archives an immutable version. Version numbers are
// never reused per template.
func (tx *Transaction) CreateSnapshotVersion(v domain.SnapshotVersion) (domain.SnapshotVersion, error) {
	if v.ID == "" {
		v.ID = newID()
	}
	key := versionKey(v.TemplateID, v.Version)
	if _, exists := tx.state.versions[key]; exists {
		return domain.SnapshotVersion{}, domain.IntegrityError{
			Message: fmt.Sprintf("version %d already archived for template %s", v.Version, v.TemplateID),
		}
	}
	v.CreatedAt = tx.now
	v.UpdatedAt = tx.now
	tx.state.versions[key] = domain.CloneSnapshotVersion(v)
	return domain.CloneSnapshotVersion(v), nil
}

// CreateInstance stores a new active instance.
func (tx *Transaction) CreateInstance(i domain.ActiveInstance) (domain.ActiveInstance, error) {
	if i.ID == "" {
		i.ID = newID()
	}
	if _, exists := tx.state.instances[i.ID]; exists {
		return domain.ActiveInstance{}, fmt.Errorf("instance %q already exists", i.ID)
	}
	i.CreatedAt = tx.now
	i.UpdatedAt = tx.now
	tx.state.instances[i.ID] = domain.CloneInstance(i)
	return domain.CloneInstance(i), nil
}

// UpdateInstance mutates an instance using the provided mutator.
func (tx *Transaction) UpdateInstance(id string, mutator func(*domain.ActiveInstance) error) (domain.ActiveInstance, error) {
	current, ok := tx.state.instances[id]
	if !ok {
		return domain.ActiveInstance{}, domain.NotFoundError{Kind: "instance", ID: id}
	}
	if err := mutator(&current); err != nil {
		return domain.ActiveInstance{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.instances[id] = domain.CloneInstance(current)
	return domain.CloneInstance(current), nil
}

// DeleteInstance removes an instance record. History rows are kept.
func (tx *Transaction) DeleteInstance(id string) error {
	if _, ok := tx.state.instances[id]; !ok {
		return domain.NotFoundError{Kind: "instance", ID: id}
	}
	delete(tx.state.instances, id)
	return nil
}

// CreateHistory writes the single archival record for an instance. A second
// write for the same instance is rejected, which makes repeated sweeps safe.
func (tx *Transaction) CreateHistory(h domain.InstanceHistory) (domain.InstanceHistory, error) {
	if h.InstanceID == "" {
		return domain.InstanceHistory{}, fmt.Errorf("history requires an instance id")
	}
	if _, exists := tx.state.history[h.InstanceID]; exists {
		return domain.InstanceHistory{}, domain.InvalidStateError{
			Kind:    "instance",
			ID:      h.InstanceID,
			Message: "already archived to history",
		}
	}
	if h.ID == "" {
		h.ID = newID()
	}
	h.CreatedAt = tx.now
	h.UpdatedAt = tx.now
	tx.state.history[h.InstanceID] = domain.CloneHistory(h)
	return domain.CloneHistory(h), nil
}

// CreateEntityRecord stores a new entity record within its workspace.
func (tx *Transaction) CreateEntityRecord(r domain.EntityRecord) (domain.EntityRecord, error) {
	if r.ID == "" {
		r.ID = newID()
	}
	if _, exists := tx.state.records[r.ID]; exists {
		return domain.EntityRecord{}, fmt.Errorf("record %q already exists", r.ID)
	}
	if _, ok := tx.state.workspaces[r.WorkspaceID]; !ok {
		return domain.EntityRecord{}, domain.NotFoundError{Kind: "workspace", ID: r.WorkspaceID}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = tx.now
	}
	r.UpdatedAt = tx.now
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	tx.state.records[r.ID] = domain.CloneEntityRecord(r)
	return domain.CloneEntityRecord(r), nil
}

// UpdateEntityRecord mutates an entity record using the provided mutator.
func (tx *Transaction) UpdateEntityRecord(id string, mutator func(*domain.EntityRecord) error) (domain.EntityRecord, error) {
	current, ok := tx.state.records[id]
	if !ok {
		return domain.EntityRecord{}, domain.NotFoundError{Kind: "record", ID: id}
	}
	if err := mutator(&current); err != nil {
		return domain.EntityRecord{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.records[id] = domain.CloneEntityRecord(current)
	return domain.CloneEntityRecord(current), nil
}

// DeleteEntityRecord removes an entity record.
func (tx *Transaction) DeleteEntityRecord(id string) error {
	if _, ok := tx.state.records[id]; !ok {
		return domain.NotFoundError{Kind: "record", ID: id}
	}
	delete(tx.state.records, id)
	return nil
}

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}
