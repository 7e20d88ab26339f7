package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"stagecore/internal/blob"
	"stagecore/internal/core"
	"stagecore/internal/infra/persistence/memory"
	"stagecore/pkg/domain"
)

func newTestServer(t *testing.T) (*Server, *core.Service) {
	t.Helper()
	store := memory.NewStore()
	svc := core.NewService(store, core.WithBlobStore(blob.NewMemory()))
	return NewServer(svc, prometheus.NewRegistry()), svc
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "tester")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func seedCapturedTemplate(t *testing.T, srv *Server, svc *core.Service) domain.Template {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/templates", map[string]any{"name": "panel"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create template: %d %s", rec.Code, rec.Body.String())
	}
	tpl := decode[domain.Template](t, rec)

	err := svc.Store().RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateEntityRecord(domain.EntityRecord{
			WorkspaceID: tpl.WorkspaceID,
			Type:        domain.EntitySubject,
			Fields:      map[string]any{"external_ref": "subj-1"},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed staging: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/templates/"+tpl.ID+"/snapshots", map[string]any{"note": "v1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("capture: %d %s", rec.Code, rec.Body.String())
	}
	return tpl
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpointMounted(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTemplateLifecycleOverHTTP(t *testing.T) {
	srv, svc := newTestServer(t)
	tpl := seedCapturedTemplate(t, srv, svc)

	rec := doJSON(t, srv, http.MethodGet, "/api/templates/"+tpl.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get template: %d", rec.Code)
	}
	got := decode[domain.Template](t, rec)
	if got.Version != 1 || got.Status != domain.TemplateStatusReady {
		t.Fatalf("template = %+v", got)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/templates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list templates: %d", rec.Code)
	}
	if list := decode[[]domain.Template](t, rec); len(list) != 1 {
		t.Fatalf("templates = %d, want 1", len(list))
	}
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	srv, svc := newTestServer(t)
	tpl := seedCapturedTemplate(t, srv, svc)

	rec := doJSON(t, srv, http.MethodPost, "/api/templates/"+tpl.ID+"/instances", map[string]any{
		"name": "run 1", "duration_minutes": 60, "participants": []string{"bob"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("launch: %d %s", rec.Code, rec.Body.String())
	}
	launched := decode[struct {
		Instance domain.ActiveInstance `json:"instance"`
		Report   domain.RestoreReport  `json:"report"`
	}](t, rec)
	if launched.Instance.Status != domain.InstanceStatusRunning {
		t.Fatalf("instance = %+v", launched.Instance)
	}
	if launched.Report.Mode != domain.RestoreFresh {
		t.Fatalf("report mode = %s", launched.Report.Mode)
	}
	id := launched.Instance.ID

	rec = doJSON(t, srv, http.MethodPost, "/api/instances/"+id+"/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/instances/"+id+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	history := decode[domain.InstanceHistory](t, rec)
	if history.CompletedBy != "tester" {
		t.Fatalf("completed by = %s", history.CompletedBy)
	}

	// Completing again maps InvalidState to 409.
	rec = doJSON(t, srv, http.MethodPost, "/api/instances/"+id+"/complete", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second complete: %d, want 409", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/instances/"+id+"/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/instances/"+id+"?archive=true", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/instances/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d, want 404", rec.Code)
	}
}

func TestRestoreAndCompareOverHTTP(t *testing.T) {
	srv, svc := newTestServer(t)
	tpl := seedCapturedTemplate(t, srv, svc)

	// Second capture so there is history to restore.
	rec := doJSON(t, srv, http.MethodPost, "/api/templates/"+tpl.ID+"/snapshots", map[string]any{"note": "v2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("capture v2: %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/templates/"+tpl.ID+"/restore", map[string]any{"version": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", rec.Code, rec.Body.String())
	}
	restored := decode[restoreResponse](t, rec)
	if restored.NewVersion != 3 {
		t.Fatalf("new version = %d, want 3", restored.NewVersion)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/templates/"+tpl.ID+"/compare?old=0&new=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("compare: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/templates/"+tpl.ID+"/compare?old=x&new=1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad compare params: %d, want 400", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/templates/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decode[errorBody](t, rec)
	if body.Code != string(domain.CodeNotFound) {
		t.Fatalf("code = %s", body.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/templates", map[string]any{"name": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSweepEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/sweep", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode[map[string][]string](t, rec)
	if out["completed"] == nil {
		t.Fatalf("body = %s, want completed list", rec.Body.String())
	}
}
