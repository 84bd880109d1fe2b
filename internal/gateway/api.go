package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nextlevelbuilder/clawd/internal/sessions"
	"github.com/nextlevelbuilder/clawd/internal/workflow"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("GET /api/cron", s.handleCronStatus)
	mux.HandleFunc("POST /api/cron/{id}/pause", s.handleCronPause)
	mux.HandleFunc("POST /api/cron/{id}/resume", s.handleCronResume)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows/{name}/run", s.handleRunWorkflow)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []sessions.ListItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	}
	// An empty body is a valid "all defaults" request.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	model := body.Model
	if model == "" {
		model = s.cfg().Model.Name
	}
	meta, err := s.store.Create(sessions.CreateOptions{Name: body.Name, Model: model})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.PathValue("id")); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleCronStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cron().Statuses())
}

func (s *Server) handleCronPause(w http.ResponseWriter, r *http.Request) {
	if err := s.cron().Pause(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleCronResume(w http.ResponseWriter, r *http.Request) {
	if err := s.cron().Resume(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

type workflowInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Steps       int            `json:"steps"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := s.workflows().List()
	out := make([]workflowInfo, 0, len(defs))
	for _, wf := range defs {
		out = append(out, workflowInfo{
			Name:        wf.Name,
			Description: wf.Description,
			Parameters:  wf.ParameterSchema(),
			Steps:       len(wf.Steps),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	res, err := s.workflows().Run(r.Context(), r.PathValue("name"), body.Parameters)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		// Anything else at this boundary is a parameter problem.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
