package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/teamtasks/internal/tasks"
)

type statusRequest struct {
	Status tasks.TaskStatus `json:"status"`
}

type assignRequest struct {
	AssigneeID *string `json:"assignee_id"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.manager.CreateTask(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.GetTask(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.manager.UpdateTask(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteTask(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.manager.ChangeStatus(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	task, err := s.manager.AssignTask(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.AssigneeID)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	out, err := s.manager.ListAttachments(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"attachments": nonNil(out)})
}

func (s *Server) handleAddAttachment(w http.ResponseWriter, r *http.Request) {
	var req tasks.AttachmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	att, err := s.manager.AddAttachment(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, att)
}

func (s *Server) handleRemoveAttachment(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveAttachment(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	out, err := s.manager.GetActivity(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"activity": nonNil(out)})
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
