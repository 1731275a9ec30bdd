package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/teamtasks/internal/policy"
)

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "TODO"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusInReview   TaskStatus = "IN_REVIEW"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusInReview, TaskStatusDone, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

type TaskType string

const (
	TaskTypePersonal TaskType = "PERSONAL"
	TaskTypeTeam     TaskType = "TEAM"
)

func (t TaskType) Valid() bool {
	return t == TaskTypePersonal || t == TaskTypeTeam
}

type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	Priority     Priority   `json:"priority"`
	Type         TaskType   `json:"type"`
	CreatorID    string     `json:"creator_id"`
	AssigneeID   *string    `json:"assignee_id,omitempty"`
	TeamID       *string    `json:"team_id,omitempty"`
	ParentTaskID *string    `json:"parent_task_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (t Task) Clone() Task {
	out := t
	out.AssigneeID = cloneString(t.AssigneeID)
	out.TeamID = cloneString(t.TeamID)
	out.ParentTaskID = cloneString(t.ParentTaskID)
	return out
}

func (t Task) resource() policy.Resource {
	return policy.Resource{
		ID:         t.ID,
		CreatorID:  t.CreatorID,
		AssigneeID: deref(t.AssigneeID),
		Team:       t.Type == TaskTypeTeam,
		TeamID:     deref(t.TeamID),
	}
}

// Dependency is a directed edge: DependentTaskID waits on BlockingTaskID.
type Dependency struct {
	ID              string    `json:"id"`
	DependentTaskID string    `json:"dependent_task_id"`
	BlockingTaskID  string    `json:"blocking_task_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type ActivityAction string

const (
	ActionCreated           ActivityAction = "created"
	ActionUpdated           ActivityAction = "updated"
	ActionStatusChanged     ActivityAction = "status_changed"
	ActionAssigned          ActivityAction = "assigned"
	ActionUnassigned        ActivityAction = "unassigned"
	ActionDependencyAdded   ActivityAction = "dependency_added"
	ActionDependencyRemoved ActivityAction = "dependency_removed"
	ActionAttachmentAdded   ActivityAction = "attachment_added"
	ActionAttachmentRemoved ActivityAction = "attachment_removed"
	ActionSubtaskAdded      ActivityAction = "subtask_added"
)

// Activity is an append-only audit record. Seq is assigned by the store and orders
// records written within the same instant.
type Activity struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	TaskID      string         `json:"task_id"`
	UserID      string         `json:"user_id"`
	Action      ActivityAction `json:"action"`
	OldValue    *string        `json:"old_value,omitempty"`
	NewValue    *string        `json:"new_value,omitempty"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Membership struct {
	UserID string `json:"user_id"`
	TeamID string `json:"team_id"`
	Active bool   `json:"active"`
}

type Attachment struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	FileName    string    `json:"file_name"`
	StoragePath string    `json:"storage_path"`
	UploadedBy  string    `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Actor is the authenticated identity handed over by the auth layer. Teams is
// refreshed from stored memberships before every decision.
type Actor struct {
	UserID string      `json:"user_id"`
	Role   policy.Role `json:"role"`
	Teams  []string    `json:"teams,omitempty"`
}

func (a Actor) subject() policy.Subject {
	return policy.Subject{UserID: a.UserID, Role: a.Role, Teams: a.Teams}
}

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

type CreateRequest struct {
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Priority     Priority   `json:"priority"`
	Type         TaskType   `json:"type"`
	AssigneeID   *string    `json:"assignee_id"`
	TeamID       *string    `json:"team_id"`
	ParentTaskID *string    `json:"parent_task_id"`
}

func (r *CreateRequest) normalize() error {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.AssigneeID = trimOptional(r.AssigneeID)
	r.TeamID = trimOptional(r.TeamID)
	r.ParentTaskID = trimOptional(r.ParentTaskID)
	if r.Status == "" {
		r.Status = TaskStatusTodo
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if r.Type == "" {
		r.Type = TaskTypePersonal
		if r.TeamID != nil {
			r.Type = TaskTypeTeam
		}
	}
	switch {
	case r.Title == "":
		return fmt.Errorf("title is required")
	case !r.Status.Valid():
		return fmt.Errorf("invalid status %q", r.Status)
	case !r.Priority.Valid():
		return fmt.Errorf("invalid priority %q", r.Priority)
	case !r.Type.Valid():
		return fmt.Errorf("invalid type %q", r.Type)
	case r.Type == TaskTypePersonal && r.TeamID != nil:
		return fmt.Errorf("personal tasks cannot belong to a team")
	case r.Type == TaskTypeTeam && r.TeamID == nil:
		return fmt.Errorf("team_id is required for team tasks")
	}
	return nil
}

// UpdateRequest carries the editable scalar fields; nil means unchanged.
type UpdateRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Priority    *Priority `json:"priority"`
}

type AttachmentRequest struct {
	FileName    string `json:"file_name"`
	StoragePath string `json:"storage_path"`
}

type TaskResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type BulkResult struct {
	UpdatedCount int          `json:"updated_count"`
	Results      []TaskResult `json:"results"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func sameOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
