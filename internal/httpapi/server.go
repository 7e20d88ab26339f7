// Package httpapi exposes the service over a JSON HTTP API. Authentication
// and authorization sit in front of this layer; the X-Actor header carries
// the already-authenticated caller identity for attribution.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagecore/internal/core"
	"stagecore/pkg/domain"
)

const defaultActor = "anonymous"

// Server wires the service into an HTTP router.
type Server struct {
	svc    *core.Service
	router chi.Router
}

// NewServer builds the router over svc. When gatherer is non-nil a /metrics
// endpoint is mounted for it.
func NewServer(svc *core.Service, gatherer prometheus.Gatherer) *Server {
	s := &Server{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Route("/{templateID}", func(r chi.Router) {
				r.Get("/", s.handleGetTemplate)
				r.Post("/snapshots", s.handleCaptureSnapshot)
				r.Get("/versions", s.handleListVersions)
				r.Post("/restore", s.handleRestoreVersion)
				r.Get("/compare", s.handleCompareVersions)
				r.Post("/export", s.handleExportVersion)
				r.Post("/instances", s.handleLaunchInstance)
			})
		})
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Route("/{instanceID}", func(r chi.Router) {
				r.Get("/", s.handleGetInstance)
				r.Post("/reset", s.handleResetInstance)
				r.Post("/sync", s.handleSyncInstance)
				r.Post("/complete", s.handleCompleteInstance)
				r.Get("/history", s.handleGetHistory)
				r.Delete("/", s.handleDeleteInstance)
			})
		})
		r.Post("/sweep", s.handleSweep)
	})

	s.router = r
	return s
}

// Handler returns the root http handler.
func (s *Server) Handler() http.Handler { return s.router }

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return defaultActor
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	case domain.IsInvalidState(err):
		status = http.StatusConflict
	case domain.IsIntegrity(err):
		status = http.StatusUnprocessableEntity
	}
	body := errorBody{Error: err.Error()}
	if code := domain.CodeOf(err); code != "" {
		body.Code = string(code)
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

type createTemplateRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Defaults    map[string]any `json:"defaults"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "name is required"})
		return
	}
	tpl, err := s.svc.CreateTemplate(r.Context(), actor(r), core.CreateTemplateInput{
		Name:        req.Name,
		Description: req.Description,
		Defaults:    req.Defaults,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.svc.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.svc.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

type captureRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleCaptureSnapshot(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.svc.CaptureSnapshot(r.Context(), actor(r), chi.URLParam(r, "templateID"), req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.svc.ListVersions(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type restoreRequest struct {
	Version int `json:"version"`
}

type restoreResponse struct {
	PreviousVersion int                  `json:"previous_version"`
	NewVersion      int                  `json:"new_version"`
	Report          domain.RestoreReport `json:"report"`
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, report, err := s.svc.RestoreVersion(r.Context(), actor(r), chi.URLParam(r, "templateID"), req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restoreResponse{
		PreviousVersion: result.PreviousVersion,
		NewVersion:      result.NewVersion,
		Report:          report,
	})
}

func (s *Server) handleCompareVersions(w http.ResponseWriter, r *http.Request) {
	old, errOld := strconv.Atoi(r.URL.Query().Get("old"))
	newV, errNew := strconv.Atoi(r.URL.Query().Get("new"))
	if errOld != nil || errNew != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "old and new query parameters must be integers"})
		return
	}
	result, err := s.svc.CompareVersions(r.Context(), chi.URLParam(r, "templateID"), old, newV)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExportVersion(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	info, err := s.svc.ExportVersion(r.Context(), chi.URLParam(r, "templateID"), req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type launchRequest struct {
	Name            string   `json:"name"`
	DurationMinutes int      `json:"duration_minutes"`
	Participants    []string `json:"participants"`
}

type instanceResponse struct {
	Instance domain.ActiveInstance `json:"instance"`
	Report   domain.RestoreReport  `json:"report"`
}

func (s *Server) handleLaunchInstance(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DurationMinutes <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "duration_minutes must be positive"})
		return
	}
	inst, report, err := s.svc.LaunchInstance(r.Context(), actor(r), chi.URLParam(r, "templateID"), core.LaunchInput{
		Name:         req.Name,
		Duration:     time.Duration(req.DurationMinutes) * time.Minute,
		Participants: req.Participants,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instanceResponse{Instance: inst, Report: report})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.svc.ListInstances(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.GetInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleResetInstance(w http.ResponseWriter, r *http.Request) {
	inst, report, err := s.svc.ResetInstance(r.Context(), actor(r), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{Instance: inst, Report: report})
}

func (s *Server) handleSyncInstance(w http.ResponseWriter, r *http.Request) {
	inst, report, err := s.svc.SyncInstance(r.Context(), actor(r), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{Instance: inst, Report: report})
}

func (s *Server) handleCompleteInstance(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.CompleteInstance(r.Context(), actor(r), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.GetInstanceHistory(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	archiveFirst := r.URL.Query().Get("archive") == "true"
	if err := s.svc.DeleteInstance(r.Context(), actor(r), chi.URLParam(r, "instanceID"), archiveFirst); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	completed, err := s.svc.SweepExpired(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	if completed == nil {
		completed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"completed": completed})
}
