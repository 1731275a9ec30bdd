package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type attachSubtaskRequest struct {
	ChildID string `json:"child_id"`
}

type addDependencyRequest struct {
	BlockingTaskID string `json:"blocking_task_id"`
}

func (s *Server) handleListSubtasks(w http.ResponseWriter, r *http.Request) {
	out, err := s.manager.ListSubtasks(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"subtasks": nonNil(out)})
}

func (s *Server) handleAttachSubtask(w http.ResponseWriter, r *http.Request) {
	var req attachSubtaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	child, err := s.manager.AttachSubtask(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.ChildID)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, child)
}

func (s *Server) handleDetachSubtask(w http.ResponseWriter, r *http.Request) {
	child, err := s.manager.DetachSubtask(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, child)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.ComputeProgress(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleListBlocking(w http.ResponseWriter, r *http.Request) {
	out, err := s.manager.ListBlocking(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"blocking": nonNil(out)})
}

func (s *Server) handleListDependents(w http.ResponseWriter, r *http.Request) {
	out, err := s.manager.ListDependents(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dependents": nonNil(out)})
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	var req addDependencyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	edge, err := s.manager.AddDependency(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.BlockingTaskID)
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, edge)
}

func (s *Server) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveDependency(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
