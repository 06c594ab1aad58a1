// Package app exposes the orchestrator over HTTP and runs the background
// maintenance schedule.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"bridgeagent/internal/bridge"
	"bridgeagent/internal/config"
	"bridgeagent/internal/domain"
	"bridgeagent/internal/observability"
	"bridgeagent/internal/orchestrator"
	"bridgeagent/internal/repo"
	"bridgeagent/internal/transcript"
)

const version = "0.1.0"

const healthProbeTimeout = 5 * time.Second

// Orchestrator is the slice of the conversation service the HTTP surface
// needs.
type Orchestrator interface {
	Submit(ctx context.Context, text string) (domain.Conversation, error)
	ResolveConfirmation(ctx context.Context, turnID string, approve bool) (domain.Conversation, error)
	Snapshot() (domain.Conversation, error)
	NewConversation() (domain.Conversation, error)
	SelectConversation(conversationID string) (domain.Conversation, error)
	ListConversations() ([]domain.Conversation, error)
	DeleteConversation(conversationID string) error
	Catalog() domain.ToolCatalog
	RefreshCatalog(ctx context.Context) error
	Flush() error
}

// BridgeHealth reports whether the tool bridge is reachable.
type BridgeHealth interface {
	CheckHealth(ctx context.Context) (bridge.Health, error)
}

type Server struct {
	cfg       config.Config
	orch      Orchestrator
	bridge    BridgeHealth
	logger    *slog.Logger
	cron      *cron.Cron
	startedAt time.Time
}

func NewServer(cfg config.Config, orch Orchestrator, bridgeHealth BridgeHealth, logger *slog.Logger) (*Server, error) {
	if orch == nil {
		return nil, errors.New("missing orchestrator dependency")
	}
	if bridgeHealth == nil {
		return nil, errors.New("missing bridge health dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		bridge:    bridgeHealth,
		logger:    logger,
		startedAt: time.Now(),
	}
	if err := s.startMaintenance(cfg.MaintenanceCron); err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops the maintenance scheduler and waits for a running job to
// finish.
func (s *Server) Close() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(observability.RequestID)
	r.Use(observability.RequestLogger(s.logger))
	r.Use(cors)
	r.Use(observability.APIKey(s.cfg.APIKey))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/version", s.handleVersion)
	r.Get("/runtime-config", s.handleRuntimeConfig)

	r.Route("/chat", func(r chi.Router) {
		r.Get("/current", s.getCurrentConversation)
		r.Post("/messages", s.postMessage)
		r.Post("/confirmations/{turn_id}", s.postConfirmation)
	})
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.listConversations)
		r.Post("/", s.createConversation)
		r.Post("/{conversation_id}/select", s.selectConversation)
		r.Delete("/{conversation_id}", s.deleteConversation)
	})
	r.Route("/tools", func(r chi.Router) {
		r.Get("/", s.getCatalog)
		r.Post("/refresh", s.refreshCatalog)
	})
	return r
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

type runtimeConfigResponse struct {
	Version         string `json:"version"`
	BridgeURL       string `json:"bridge_url"`
	ModelName       string `json:"model_name,omitempty"`
	ModelTimeoutMS  int    `json:"model_timeout_ms,omitempty"`
	MaxToolHops     int    `json:"max_tool_hops"`
	MaintenanceCron string `json:"maintenance_cron"`
	AuthRequired    bool   `json:"auth_required"`
}

// handleRuntimeConfig reports the effective non-secret configuration.
func (s *Server) handleRuntimeConfig(w http.ResponseWriter, _ *http.Request) {
	maxHops := s.cfg.MaxToolHops
	if maxHops <= 0 {
		maxHops = orchestrator.DefaultMaxToolHops
	}
	writeJSON(w, http.StatusOK, runtimeConfigResponse{
		Version:         version,
		BridgeURL:       s.cfg.BridgeURL,
		ModelName:       s.cfg.ModelName,
		ModelTimeoutMS:  s.cfg.ModelTimeoutMS,
		MaxToolHops:     maxHops,
		MaintenanceCron: s.cfg.MaintenanceCron,
		AuthRequired:    strings.TrimSpace(s.cfg.APIKey) != "",
	})
}

// handleHealthz always answers 200 for liveness; the bridge section tells the
// caller whether tool execution is currently possible.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	resp := map[string]interface{}{
		"ok":       true,
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	}
	health, err := s.bridge.CheckHealth(ctx)
	if err != nil {
		resp["bridge"] = map[string]interface{}{"ok": false}
	} else {
		resp["bridge"] = map[string]interface{}{
			"ok":      true,
			"status":  health.Status,
			"servers": health.ServerCount,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeErr(w, http.StatusBadRequest, "empty_message", "message text is empty", nil)
		return
	}
	conv, err := s.orch.Submit(r.Context(), body.Text)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) postConfirmation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approve bool `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}
	conv, err := s.orch.ResolveConfirmation(r.Context(), chi.URLParam(r, "turn_id"), body.Approve)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) getCurrentConversation(w http.ResponseWriter, _ *http.Request) {
	conv, err := s.orch.Snapshot()
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) listConversations(w http.ResponseWriter, _ *http.Request) {
	all, err := s.orch.ListConversations()
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if all == nil {
		all = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) createConversation(w http.ResponseWriter, _ *http.Request) {
	conv, err := s.orch.NewConversation()
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) selectConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.orch.SelectConversation(chi.URLParam(r, "conversation_id"))
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteConversation(chi.URLParam(r, "conversation_id")); err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) getCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Catalog())
}

func (s *Server) refreshCatalog(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.RefreshCatalog(r.Context()); err != nil {
		writeErr(w, http.StatusBadGateway, "bridge_unreachable", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Catalog())
}

func writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		writeErr(w, http.StatusConflict, "turn_in_progress", "a turn is already in progress", nil)
	case errors.Is(err, orchestrator.ErrTurnNotSuspended):
		writeErr(w, http.StatusConflict, "not_awaiting_confirmation", "turn is not awaiting confirmation", nil)
	case errors.Is(err, transcript.ErrConfirmationSettled):
		writeErr(w, http.StatusConflict, "confirmation_settled", "confirmation was already settled", nil)
	case errors.Is(err, orchestrator.ErrNoConversation):
		writeErr(w, http.StatusNotFound, "no_conversation", "no active conversation", nil)
	case errors.Is(err, transcript.ErrTurnNotFound):
		writeErr(w, http.StatusNotFound, "turn_not_found", "turn not found", nil)
	case errors.Is(err, repo.ErrNotFound):
		writeErr(w, http.StatusNotFound, "conversation_not_found", "conversation not found", nil)
	default:
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string, details interface{}) {
	writeJSON(w, code, domain.APIErrorBody{Error: domain.APIError{Code: errCode, Message: message, Details: details}})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key,X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
