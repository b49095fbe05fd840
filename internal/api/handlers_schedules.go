package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"wingetd/internal/core"
	"wingetd/internal/store"
)

type createScheduleRequest struct {
	Name   *string            `json:"name"`
	Cron   string             `json:"cron"`
	Spec   commandSpecRequest `json:"spec"`
	Paused bool               `json:"paused"`
}

type updateScheduleRequest struct {
	Name   *string             `json:"name"`
	Cron   *string             `json:"cron"`
	Spec   *commandSpecRequest `json:"spec"`
	Paused *bool               `json:"paused"`
}

type scheduleResponse struct {
	ID        string             `json:"id"`
	Name      *string            `json:"name,omitempty"`
	Cron      string             `json:"cron"`
	Spec      commandSpecRequest `json:"spec"`
	Status    string             `json:"status"`
	Scheduled bool               `json:"scheduled"`
	LastRunAt *string            `json:"last_run_at,omitempty"`
	NextRunAt *string            `json:"next_run_at,omitempty"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Cron = strings.TrimSpace(req.Cron)
	schedule, err := core.ParseCron(req.Cron)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		return
	}
	spec := req.Spec.spec()
	if err := s.engine.Validate(spec); err != nil {
		writeTaskError(w, err)
		return
	}

	sched := &core.Schedule{
		ID:     core.NewID(),
		Name:   trimmedOrNil(req.Name),
		Cron:   req.Cron,
		Spec:   spec,
		Status: core.ScheduleStatusActive,
	}
	if req.Paused {
		sched.Status = core.ScheduleStatusPaused
	} else {
		sched.NextRunAt = s.nextRun(schedule)
	}

	if err := s.store.InsertSchedule(r.Context(), sched); err != nil {
		s.logger.Error("insert schedule", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert schedule")
		return
	}
	if err := s.scheduler.AddOrUpdate(r.Context(), sched); err != nil {
		s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
	}
	writeJSON(w, http.StatusCreated, s.scheduleToResponse(sched))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.ScheduleStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.ScheduleStatus(status)
		switch st {
		case core.ScheduleStatusActive, core.ScheduleStatusPaused:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be active or paused")
			return
		}
	}
	schedules, err := s.store.ListSchedules(r.Context(), statusFilter)
	if err != nil {
		s.logger.Error("list schedules", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list schedules")
		return
	}
	res := make([]scheduleResponse, 0, len(schedules))
	for _, sched := range schedules {
		res = append(res, s.scheduleToResponse(sched))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.scheduleToResponse(sched))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		sched.Name = trimmedOrNil(req.Name)
	}
	if req.Spec != nil {
		spec := req.Spec.spec()
		if err := s.engine.Validate(spec); err != nil {
			writeTaskError(w, err)
			return
		}
		sched.Spec = spec
	}
	if req.Cron != nil {
		expr := strings.TrimSpace(*req.Cron)
		if _, err := core.ParseCron(expr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
			return
		}
		sched.Cron = expr
	}
	if req.Paused != nil {
		if *req.Paused {
			sched.Status = core.ScheduleStatusPaused
		} else {
			sched.Status = core.ScheduleStatusActive
		}
	}

	if sched.Status == core.ScheduleStatusActive {
		parsed, err := core.ParseCron(sched.Cron)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
			return
		}
		sched.NextRunAt = s.nextRun(parsed)
	} else {
		sched.NextRunAt = nil
	}

	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "schedule not found")
			return
		}
		s.logger.Error("update schedule", "schedule_id", sched.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update schedule")
		return
	}
	if err := s.scheduler.AddOrUpdate(r.Context(), sched); err != nil {
		s.logger.Error("re-register schedule", "schedule_id", sched.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, s.scheduleToResponse(sched))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	if err := s.store.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		} else {
			s.logger.Error("delete schedule", "schedule_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete schedule")
		}
		return
	}
	s.scheduler.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.loadSchedule(w, r)
	if !ok {
		return
	}
	task, err := s.scheduler.RunNow(r.Context(), sched)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submittedTaskResponse{
		ID:      task.ID,
		PID:     task.PID,
		Command: task.Command,
		Mode:    task.Mode.String(),
	})
}

func (s *Server) loadSchedule(w http.ResponseWriter, r *http.Request) (*core.Schedule, bool) {
	id := chi.URLParam(r, "scheduleID")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		} else {
			s.logger.Error("get schedule", "schedule_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load schedule")
		}
		return nil, false
	}
	return sched, true
}

func (s *Server) nextRun(schedule cron.Schedule) *time.Time {
	next := schedule.Next(time.Now().In(s.location))
	if next.IsZero() {
		return nil
	}
	utc := next.UTC()
	return &utc
}

func (s *Server) scheduleToResponse(sched *core.Schedule) scheduleResponse {
	return scheduleResponse{
		ID:        sched.ID,
		Name:      sched.Name,
		Cron:      sched.Cron,
		Spec:      specToRequest(sched.Spec),
		Status:    string(sched.Status),
		Scheduled: s.scheduler.Scheduled(sched.ID),
		LastRunAt: formatOptionalTime(sched.LastRunAt),
		NextRunAt: formatOptionalTime(sched.NextRunAt),
		CreatedAt: sched.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: sched.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
