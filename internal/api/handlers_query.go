package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"wingetd/internal/core"
)

type queryResponse struct {
	Kind   string `json:"kind"`
	Term   string `json:"term,omitempty"`
	Output string `json:"output"`
}

// handleQuery runs a read-only winget command. The raw text is returned for
// table parsers on the client side.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req := core.QueryRequest{
		Kind:  chi.URLParam(r, "kind"),
		Term:  r.URL.Query().Get("q"),
		Proxy: r.URL.Query().Get("proxy"),
	}
	out, err := s.engine.Query(r.Context(), req)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Kind: req.Kind, Term: req.Term, Output: out})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.ReadSettings(r.Context())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEnableSetting(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	out, err := s.engine.EnableSetting(r.Context(), name)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"setting": name, "output": out})
}
