// Package broker implements the REST HTTP surface of spec §6: a plain
// net/http mux of resource-oriented handlers over internal/persistence,
// replacing the teacher's JSON-RPC-over-WebSocket ACP gateway (grounded on
// the shape of its openai_handler.go: method check → authorize → decode →
// dispatch → encode).
package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/brokererr"
	"github.com/orbiter-labs/fleetbroker/internal/bus"
	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/httpapi"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
	"github.com/orbiter-labs/fleetbroker/internal/router"
)

// Version is the broker's reported build version (spec §6, GET /health).
const Version = "0.1.0"

// Config wires a Server's dependencies.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Router *router.Router
	Auth     config.AuthConfig
	CORS     config.CORSConfig
	Channels config.ChannelsConfig
	Logger   *slog.Logger

	// PollInterval is how often the poll loop re-checks ResolveTrigger.
	// Default 2s (spec §4.2/§9, "bounded loop of short store polls").
	PollInterval time.Duration
	// PollTimeout bounds a single /api/poll call. Default 55s.
	PollTimeout time.Duration
}

// Server holds the broker's REST mux and dependencies.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	mux       *http.ServeMux
	validator *httpapi.Validator
}

// New constructs a broker Server with its route table wired.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 55 * time.Second
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, mux: http.NewServeMux(), validator: httpapi.MustNewValidator()}
	s.routes()
	return s
}

// Handler wraps the route mux with the CORS and auth middleware chain,
// grounded on the teacher's gateway middleware ordering (CORS outermost,
// then auth, then the mux).
func (s *Server) Handler() http.Handler {
	auth := NewAuthMiddleware(s.cfg.Auth)
	cors := NewCORSMiddleware(s.cfg.CORS)
	sizeLimit := RequestSizeLimitMiddleware(0)
	return cors(auth.Wrap(sizeLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /me", s.handleMe)
	s.mux.HandleFunc("POST /ping", s.handlePing)
	s.mux.HandleFunc("POST /close", s.handleClose)
	s.mux.HandleFunc("POST /agents", s.handleRegisterAgent)

	s.mux.HandleFunc("GET /api/poll", s.handlePoll)

	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/claim", s.handleClaimTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/accept", s.handleAcceptTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/reject", s.handleRejectTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/dispatch", s.handleDispatchTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/finish", s.handleFinishTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePauseTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	s.mux.HandleFunc("GET /api/paused-tasks", s.handleListPausedTasks)
	s.mux.HandleFunc("GET /cancelled-tasks", s.handleListCancelledTasks)

	s.mux.HandleFunc("POST /api/session-logs", s.handleSessionLogs)
	s.mux.HandleFunc("GET /api/session-logs", s.handleGetSessionLogs)
	s.mux.HandleFunc("POST /api/session-costs", s.handleSessionCosts)

	s.mux.HandleFunc("POST /api/epics", s.handleCreateEpic)
	s.mux.HandleFunc("GET /api/epics/{id}", s.handleGetEpic)
	s.mux.HandleFunc("GET /api/epics/{id}/progress", s.handleEpicProgress)

	s.mux.HandleFunc("POST /api/channels", s.handleRegisterChannel)
	s.mux.HandleFunc("GET /api/channels", s.handleListChannels)

	s.mux.HandleFunc("POST /api/services", s.handleRegisterService)
	s.mux.HandleFunc("GET /api/services", s.handleListServices)

	s.mux.HandleFunc("POST /webhooks/{source}", s.handleWebhook)
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError classifies err via brokererr and writes a JSON error body,
// following the "classify by inspecting the error, map to a fixed small
// enum" pattern of the teacher's ClassifyError/openAIError.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := brokererr.StatusFor(err)
	s.logger.Warn("broker request failed", "error", err, "status", status)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
