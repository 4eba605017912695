// Package api is the HTTP surface consumed by the portal's CRUD layer. It
// exposes the engine's operations; everything else about the portal lives in
// other services.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"modsched/internal/domain"
	"modsched/internal/engine"
)

type Server struct {
	r      *chi.Mux
	engine *engine.Engine
}

func NewServer(e *engine.Engine) http.Handler {
	return NewServerWithDebug(e, false)
}

func NewServerWithDebug(e *engine.Engine, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, engine: e}

	r.Get("/health", s.health)
	r.Post("/api/moderators/{id}/activate", s.activate)
	r.Get("/api/moderators/{id}/workday", s.workday)
	r.Get("/api/moderators/{id}/tasks/today", s.tasksToday)
	r.Put("/api/moderators/{id}/send-config", s.upsertSendConfig)
	r.Get("/api/moderators/{id}/dispatches", s.dispatches)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type activateReq struct {
	WorkStartDate string `json:"work_start_date"`
	Timezone      string `json:"timezone"`
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req activateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.engine.ActivateModerator(r.Context(), id, req.WorkStartDate, req.Timezone); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) workday(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	day, tz, err := s.engine.GetCurrentWorkDay(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"work_day": day, "timezone": tz})
}

func (s *Server) tasksToday(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	insts, err := s.engine.GetTasksForToday(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(insts))
	for _, inst := range insts {
		out = append(out, map[string]any{
			"id":                 inst.ID,
			"task_definition_id": inst.TaskDefinitionID,
			"work_day":           inst.WorkDay,
			"status":             inst.Status,
			"created_at":         inst.CreatedAt,
		})
	}
	writeJSON(w, 200, map[string]any{"tasks": out})
}

type upsertReq struct {
	AdministratorID string                 `json:"administrator_id"`
	Days            map[int]domain.DayPlan `json:"days"`
}

func (s *Server) upsertSendConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req upsertReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.AdministratorID == "" {
		http.Error(w, "administrator_id is required", 400)
		return
	}
	if err := s.engine.UpsertSendConfig(r.Context(), id, req.AdministratorID, req.Days); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) dispatches(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	workDay, err := strconv.Atoi(r.URL.Query().Get("work_day"))
	if err != nil || workDay < 1 {
		http.Error(w, "work_day query parameter is required and must be positive", 400)
		return
	}
	rows, err := s.engine.DispatchAudit(r.Context(), id, workDay)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, d := range rows {
		out = append(out, map[string]any{
			"id":                 d.ID,
			"task_definition_id": d.TaskDefinitionID,
			"work_day":           d.WorkDay,
			"scheduled_at":       d.ScheduledAt,
			"source":             d.Source,
			"state":              d.State,
			"is_sent":            d.IsSent,
			"sent_at":            d.SentAt,
			"attempts":           d.Attempts,
		})
	}
	writeJSON(w, 200, map[string]any{"dispatches": out})
}

// writeError maps the engine's error taxonomy onto HTTP. A gating failure
// carries the outstanding gate list so the administrator sees what to fix.
func writeError(w http.ResponseWriter, err error) {
	var gf *domain.GateFailure
	if errors.As(err, &gf) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":             "tests_not_passed",
			"outstanding_gates": gf.Outstanding,
		})
		return
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrTestsNotPassed):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrInvalidConfiguration):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
