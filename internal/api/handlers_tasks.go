package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"wingetd/internal/core"
)

type commandSpecRequest struct {
	Verb          string   `json:"verb"`
	TargetID      string   `json:"target_id"`
	TaskID        string   `json:"task_id,omitempty"`
	Flags         []string `json:"flags,omitempty"`
	Source        string   `json:"source,omitempty"`
	Proxy         string   `json:"proxy,omitempty"`
	OutputDir     string   `json:"output_dir,omitempty"`
	KeepArtifacts bool     `json:"keep_artifacts,omitempty"`
}

func (r commandSpecRequest) spec() core.CommandSpec {
	return core.CommandSpec{
		Verb:          core.Verb(strings.ToLower(strings.TrimSpace(r.Verb))),
		TargetID:      strings.TrimSpace(r.TargetID),
		TaskID:        strings.TrimSpace(r.TaskID),
		Flags:         r.Flags,
		Source:        strings.TrimSpace(r.Source),
		Proxy:         strings.TrimSpace(r.Proxy),
		OutputDir:     strings.TrimSpace(r.OutputDir),
		KeepArtifacts: r.KeepArtifacts,
	}
}

func specToRequest(spec core.CommandSpec) commandSpecRequest {
	return commandSpecRequest{
		Verb:          string(spec.Verb),
		TargetID:      spec.TargetID,
		TaskID:        spec.TaskID,
		Flags:         spec.Flags,
		Source:        spec.Source,
		Proxy:         spec.Proxy,
		OutputDir:     spec.OutputDir,
		KeepArtifacts: spec.KeepArtifacts,
	}
}

type submittedTaskResponse struct {
	ID      string `json:"id"`
	PID     int    `json:"pid"`
	Command string `json:"cmd"`
	Mode    string `json:"mode"`
}

type activeTaskResponse struct {
	ID        string `json:"id"`
	PID       int    `json:"pid"`
	Command   string `json:"cmd"`
	Mode      string `json:"mode"`
	StartedAt string `json:"started_at"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req commandSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.engine.Submit(req.spec())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	// Progress is followed through /v1/events.
	task.Detach()
	writeJSON(w, http.StatusAccepted, submittedTaskResponse{
		ID:      task.ID,
		PID:     task.PID,
		Command: task.Command,
		Mode:    task.Mode.String(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.engine.Active()
	res := make([]activeTaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, activeTaskResponse{
			ID:        t.ID,
			PID:       t.PID,
			Command:   t.Command,
			Mode:      t.Mode.String(),
			StartedAt: t.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.engine.Cancel(taskID); err != nil {
		writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
