package httpapi

import (
	"net/http"

	"github.com/ent0n29/teamtasks/internal/tasks"
)

type bulkRequest struct {
	TaskIDs    []string         `json:"task_ids"`
	Status     tasks.TaskStatus `json:"status,omitempty"`
	AssigneeID *string          `json:"assignee_id,omitempty"`
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondBulk(w)(s.manager.BulkStatusChange(r.Context(), actorFrom(r.Context()), req.TaskIDs, req.Status))
}

func (s *Server) handleBulkAssign(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondBulk(w)(s.manager.BulkAssign(r.Context(), actorFrom(r.Context()), req.TaskIDs, req.AssigneeID))
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.respondBulk(w)(s.manager.BulkDelete(r.Context(), actorFrom(r.Context()), req.TaskIDs))
}

func (s *Server) respondBulk(w http.ResponseWriter) func(tasks.BulkResult, error) {
	return func(res tasks.BulkResult, err error) {
		if err != nil {
			respondTaskError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}
