package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mqxerror/qa-guardian/internal/models"
)

const (
	routeHealth    = "/health"
	routeStatus    = "/status"
	routeRunEvents = "/runs/{run_id}/events"
)

// setupRoutes configures all HTTP routes. Run management belongs to the
// calling layer; this server only streams events and reports health.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	if s.app.WSBroadcaster != nil {
		mux.HandleFunc(s.wsPath(), s.app.WSBroadcaster.HandleWebSocket)
		mux.HandleFunc("GET "+routeRunEvents, s.handleRunEvents)
	}
	mux.Handle(routeHealth, methods{http.MethodGet: s.handleHealth})
	mux.Handle(routeStatus, methods{http.MethodGet: s.handleStatus})

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.app.Status(r.Context())
	if err != nil {
		s.app.Logger.Error().Err(err).Msg("Failed to read status")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRunEvents streams the events of one run, scoped to its organization
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.app.Get(r.Context(), runID)
	if errors.Is(err, models.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "run_id": runID})
		return
	}
	if err != nil {
		s.app.Logger.Error().Err(err).Str("run_id", runID).Msg("Failed to load run for event stream")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	scoped := r.Clone(r.Context())
	q := scoped.URL.Query()
	q.Set("run_id", run.ID)
	q.Set("org_id", run.OrganizationID)
	scoped.URL.RawQuery = q.Encode()
	s.app.WSBroadcaster.HandleWebSocket(w, scoped)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
