// Package http exposes the engine over a small JSON API.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dmarkov/agentflow/internal/log"
	"github.com/dmarkov/agentflow/pkg/capability"
	"github.com/dmarkov/agentflow/pkg/knowledge"
	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/orchestrator"
	"github.com/dmarkov/agentflow/pkg/storage"
	"github.com/pkg/errors"
)

type Server struct {
	store storage.Store
	orch  *orchestrator.Orchestrator
	kb    *knowledge.Service
	dec   capability.Decomposer
}

// NewHandler wires the API routes. The handler is returned rather than
// registered globally so tests can mount it on httptest.
func NewHandler(store storage.Store, orch *orchestrator.Orchestrator, kb *knowledge.Service, dec capability.Decomposer) http.Handler {
	s := &Server{store: store, orch: orch, kb: kb, dec: dec}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /projects", s.listProjects)
	mux.HandleFunc("POST /projects", s.createProject)
	mux.HandleFunc("GET /projects/{id}", s.getProject)
	mux.HandleFunc("GET /projects/{id}/progress", s.projectProgress)
	mux.HandleFunc("POST /projects/{id}/run", s.runProject)
	mux.HandleFunc("GET /knowledge/search", s.searchKnowledge)
	mux.HandleFunc("GET /knowledge/stats", s.knowledgeStats)
	return mux
}

func StartServer(port string, store storage.Store, orch *orchestrator.Orchestrator, kb *knowledge.Service, dec capability.Decomposer) error {
	log.GetLogger().Infof("Starting AgentFlow server on :%s", port)
	return http.ListenAndServe(":"+port, NewHandler(store, orch, kb, dec))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		log.GetLogger().Errorf("Failed to list projects: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Request     string `json:"request"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	if req.Name == "" || req.Request == "" {
		writeError(w, http.StatusBadRequest, errors.New("'name' and 'request' are required"))
		return
	}
	project, err := s.orch.CreateProject(r.Context(), req.Name, req.Description, req.Request, s.dec)
	if err != nil {
		log.GetLogger().Errorf("Failed to create project: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		log.GetLogger().Errorf("Failed to get project: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) projectProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.orch.ProjectProgress(r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		log.GetLogger().Errorf("Failed to get progress: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// runProject kicks off execution in the background and returns
// immediately; callers poll the progress endpoint.
func (s *Server) runProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetProject(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	go func() {
		if _, err := s.orch.ExecuteProject(context.Background(), id); err != nil {
			log.GetLogger().Errorf("Project %s run failed: %v", id, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"project_id": id, "status": "running"})
}

func (s *Server) searchKnowledge(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, errors.New("'q' parameter is required"))
		return
	}
	k := 5
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("'k' must be a positive integer"))
			return
		}
		k = parsed
	}
	filter := knowledge.Filter{
		Capability:  models.CapabilityType(r.URL.Query().Get("capability")),
		ContentType: r.URL.Query().Get("content_type"),
	}
	results, err := s.kb.Search(query, k, filter)
	if err != nil {
		log.GetLogger().Errorf("Knowledge search failed: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) knowledgeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.kb.Stats()
	if err != nil {
		log.GetLogger().Errorf("Knowledge stats failed: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
