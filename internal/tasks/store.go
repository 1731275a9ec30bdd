package tasks

import (
	"context"
	"time"
)

// EdgeFilter selects dependency edges. Empty fields match anything; at least one
// field should be set.
type EdgeFilter struct {
	ID          string
	DependentID string
	BlockingID  string
}

// TaskPatch is a batch update applied to every listed task. Assignee is only
// written when SetAssignee is true, so nil can clear it.
type TaskPatch struct {
	Status      *TaskStatus
	SetAssignee bool
	AssigneeID  *string
	SetParent   bool
	ParentID    *string
	UpdatedAt   time.Time
}

// Store is the persistence boundary of the engine.
// Implementations: *MemoryStore, *SQLiteStore and *PostgresStore.
type Store interface {
	// Tasks
	FindTask(ctx context.Context, taskID string) (Task, error)
	FindTasks(ctx context.Context, taskIDs []string) ([]Task, error)
	SaveTask(ctx context.Context, task Task) error
	ListChildren(ctx context.Context, parentID string) ([]Task, error)
	BatchUpdateTasks(ctx context.Context, taskIDs []string, patch TaskPatch) (int, error)
	// DeleteTasks removes the tasks together with their edges, activity and
	// attachments, and clears parent links of surviving children.
	DeleteTasks(ctx context.Context, taskIDs []string) (int, error)

	// Dependency edges
	FindEdges(ctx context.Context, filter EdgeFilter) ([]Dependency, error)
	InsertEdge(ctx context.Context, edge Dependency) error
	DeleteEdge(ctx context.Context, edgeID string) error

	// Activity
	InsertActivity(ctx context.Context, records ...Activity) error
	ListActivity(ctx context.Context, taskID string, limit int) ([]Activity, error)

	// Team membership facts
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
	SaveMembership(ctx context.Context, m Membership) error

	// Attachments
	InsertAttachment(ctx context.Context, a Attachment) error
	FindAttachment(ctx context.Context, attachmentID string) (Attachment, error)
	ListAttachments(ctx context.Context, taskIDs []string) ([]Attachment, error)
	DeleteAttachment(ctx context.Context, attachmentID string) error

	// Atomic runs fn against a transactional view. fn's writes are committed only
	// when it returns nil. Nested calls on the view run inline.
	Atomic(ctx context.Context, fn func(tx Store) error) error

	Mode() string
	Close() error
}
