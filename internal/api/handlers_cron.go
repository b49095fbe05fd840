package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"wingetd/internal/core"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 10
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	Timezone  string   `json:"timezone,omitempty"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handleCronPreview validates an expression and lists its next fire times.
// An unparseable expression is a 200 with valid=false.
func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "cron expression is required"})
		return
	}
	schedule, err := core.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > maxPreviewCount {
		count = defaultPreviewCount
	}
	base := time.Now().In(s.location)
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "now must be RFC3339"})
			return
		}
		base = parsed.In(s.location)
	}

	times := core.NextOccurrences(schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, Timezone: s.location.String(), NextTimes: formatted})
}
