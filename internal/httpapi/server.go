package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/teamtasks/internal/config"
	"github.com/ent0n29/teamtasks/internal/observability"
	"github.com/ent0n29/teamtasks/internal/policy"
	"github.com/ent0n29/teamtasks/internal/tasks"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
	maxBodyBytes    = 1 << 20
)

type Server struct {
	cfg      config.Config
	manager  *tasks.Manager
	metrics  *observability.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager *tasks.Manager, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		manager: manager,
		metrics: metrics,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogMiddleware)
	r.Use(bodyLimitMiddleware)
	if s.cfg.AllowAnyOrigin {
		r.Use(corsMiddleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/stats/operations", s.handleOperationStats)

	r.Group(func(r chi.Router) {
		r.Use(actorMiddleware)

		r.Put("/v1/memberships", s.handleSaveMembership)

		r.Post("/v1/tasks", s.handleCreateTask)
		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Patch("/v1/tasks/{id}", s.handleUpdateTask)
		r.Delete("/v1/tasks/{id}", s.handleDeleteTask)
		r.Post("/v1/tasks/{id}/status", s.handleChangeStatus)
		r.Post("/v1/tasks/{id}/assign", s.handleAssignTask)

		r.Get("/v1/tasks/{id}/subtasks", s.handleListSubtasks)
		r.Post("/v1/tasks/{id}/subtasks", s.handleAttachSubtask)
		r.Delete("/v1/tasks/{id}/parent", s.handleDetachSubtask)
		r.Get("/v1/tasks/{id}/progress", s.handleProgress)

		r.Get("/v1/tasks/{id}/blocking", s.handleListBlocking)
		r.Get("/v1/tasks/{id}/dependents", s.handleListDependents)
		r.Post("/v1/tasks/{id}/dependencies", s.handleAddDependency)
		r.Delete("/v1/dependencies/{id}", s.handleRemoveDependency)

		r.Post("/v1/bulk/status", s.handleBulkStatus)
		r.Post("/v1/bulk/assign", s.handleBulkAssign)
		r.Post("/v1/bulk/delete", s.handleBulkDelete)

		r.Get("/v1/tasks/{id}/attachments", s.handleListAttachments)
		r.Post("/v1/tasks/{id}/attachments", s.handleAddAttachment)
		r.Delete("/v1/attachments/{id}", s.handleRemoveAttachment)

		r.Get("/v1/tasks/{id}/activity", s.handleActivity)
		r.Get("/v1/activity/ws", s.handleActivityWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.manager.Store().Mode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.manager.Store().ListMemberships(ctx, "readyz"); err != nil {
		s.log.Warn("readiness probe failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "task store is not reachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.manager.Store().Mode(),
	})
}

func (s *Server) handleOperationStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "metrics not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.OperationSnapshot())
}

type membershipRequest struct {
	UserID string `json:"user_id"`
	TeamID string `json:"team_id"`
	Active *bool  `json:"active"`
}

func (s *Server) handleSaveMembership(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != policy.RoleAdmin {
		respondError(w, http.StatusForbidden, string(tasks.KindForbidden), "only admins manage team memberships")
		return
	}
	var req membershipRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	m := tasks.Membership{UserID: req.UserID, TeamID: req.TeamID, Active: req.Active == nil || *req.Active}
	if err := s.manager.SaveMembership(r.Context(), m); err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondTaskError renders a core error. Internal causes are never exposed.
func respondTaskError(w http.ResponseWriter, err error) {
	var e *tasks.Error
	if !errors.As(err, &e) {
		respondError(w, http.StatusInternalServerError, string(tasks.KindInternal), "internal error")
		return
	}
	respondJSON(w, statusForKind(e.Kind), errorResponse{Error: e.Message, Code: e.Code(), TaskIDs: e.TaskIDs})
}

func statusForKind(kind tasks.Kind) int {
	switch kind {
	case tasks.KindNotFound:
		return http.StatusNotFound
	case tasks.KindForbidden:
		return http.StatusForbidden
	case tasks.KindValidation:
		return http.StatusBadRequest
	case tasks.KindSelfDependency, tasks.KindDuplicateEdge, tasks.KindCycle, tasks.KindPartialFailure:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
