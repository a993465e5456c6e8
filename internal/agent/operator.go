package agent

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/sentinel-agent/internal/audit"
	"github.com/aristath/sentinel-agent/internal/safety"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// operatorServer exposes the loopback-only operator HTTP surface
// (SPEC_FULL.md's supplemented-features section): status, safety reset,
// audit export, and credential provisioning. Grounded on the teacher's
// chi-based internal/server package, trimmed to the handful of routes an
// operator (not the control plane) needs against a running agent.
type operatorServer struct {
	addr      string
	store     *audit.Store
	validator *safety.Validator
	creds     *audit.CredentialBundle
	log       zerolog.Logger
	router    chi.Router
}

func newOperatorServer(addr string, store *audit.Store, validator *safety.Validator, creds *audit.CredentialBundle, log zerolog.Logger) *operatorServer {
	s := &operatorServer{addr: addr, store: store, validator: validator, creds: creds, log: log.With().Str("component", "operator-http").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/status", s.handleStatus)
	r.Post("/safety/reset", s.handleSafetyReset)
	r.Post("/audit/export", s.handleAuditExport)
	r.Post("/credentials", s.handleCredentials)

	s.router = r
	return s
}

func (s *operatorServer) listenAndServe() error {
	return http.ListenAndServe(s.addr, s.router)
}

func (s *operatorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"safetyLatched": s.validator.Latched(),
	})
}

func (s *operatorServer) handleSafetyReset(w http.ResponseWriter, r *http.Request) {
	s.validator.Reset(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *operatorServer) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AfterSeq int64 `json:"afterSeq"`
		Limit    int   `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 1000
	}
	events, err := s.store.Window(r.Context(), req.AfterSeq, req.Limit)
	if err != nil {
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *operatorServer) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.creds.Set(r.Context(), req.Key, req.Value); err != nil {
		http.Error(w, "failed to persist credential", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
