package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ent0n29/teamtasks/internal/policy"
)

// AttachSubtask makes childID a direct child of parentID. Re-attaching to the
// current parent is a no-op.
func (m *Manager) AttachSubtask(ctx context.Context, actor Actor, parentID, childID string) (Task, error) {
	const op = "attach_subtask"
	parentID = strings.TrimSpace(parentID)
	childID = strings.TrimSpace(childID)
	if parentID != "" && parentID == childID {
		m.metrics.IncCycleRejected("hierarchy")
		return Task{}, selfParent(op, childID)
	}
	var (
		out     Task
		records []Activity
	)
	err := m.run(ctx, op, []string{parentID, childID}, func(ctx context.Context) error {
		m.graphMu.Lock()
		defer m.graphMu.Unlock()
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			parent, err := m.loadTask(ctx, tx, op, parentID)
			if err != nil {
				return err
			}
			child, err := m.loadTask(ctx, tx, op, childID)
			if err != nil {
				return err
			}
			if err := authorize(sub, parent, op, policy.OpEdit); err != nil {
				return err
			}
			if err := authorize(sub, child, op, policy.OpEdit); err != nil {
				return err
			}
			if parent.ID == child.ID {
				m.metrics.IncCycleRejected("hierarchy")
				return selfParent(op, child.ID)
			}
			out = child
			if child.ParentTaskID != nil && *child.ParentTaskID == parent.ID {
				return nil
			}
			if err := m.checkAncestors(ctx, tx, op, parent, child.ID); err != nil {
				if errors.Is(err, ErrCycle) {
					m.metrics.IncCycleRejected("hierarchy")
				}
				return err
			}
			now := m.timestamp()
			child.ParentTaskID = strPtr(parent.ID)
			child.UpdatedAt = now
			if err := m.setParent(ctx, tx, op, child.ID, child.ParentTaskID, now); err != nil {
				return err
			}
			records = append(records, m.record(now, actor, parent.ID, ActionSubtaskAdded, nil, strPtr(child.ID),
				fmt.Sprintf("Added subtask %q", child.Title)))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			out = child
			return nil
		})
	})
	if err != nil {
		return Task{}, err
	}
	m.commit(records)
	return out, nil
}

func selfParent(op, taskID string) *Error {
	return &Error{Kind: KindCycle, Op: op, Message: "a task cannot be its own subtask", TaskIDs: []string{taskID}}
}

// setParent writes only the parent link and updated_at.
func (m *Manager) setParent(ctx context.Context, tx Store, op, childID string, parentID *string, now time.Time) error {
	n, err := tx.BatchUpdateTasks(ctx, []string{childID}, TaskPatch{SetParent: true, ParentID: parentID, UpdatedAt: now})
	if err != nil {
		return m.storeErr(op, err)
	}
	if n != 1 {
		return notFound(op, "task", childID)
	}
	return nil
}

// checkAncestors walks upward from start and fails when it meets target. The
// walk is bounded by the configured depth and a visited set, so corrupt parent
// chains are reported as cycles instead of looping.
func (m *Manager) checkAncestors(ctx context.Context, st Store, op string, start Task, target string) error {
	visited := map[string]bool{start.ID: true}
	cur := start
	for depth := 0; cur.ParentTaskID != nil; depth++ {
		next := *cur.ParentTaskID
		if next == target {
			return &Error{
				Kind:    KindCycle,
				Op:      op,
				Message: fmt.Sprintf("task %s is an ancestor of %s", target, start.ID),
				TaskIDs: []string{target, start.ID},
			}
		}
		if visited[next] || depth >= m.maxDepth {
			return &Error{
				Kind:    KindCycle,
				Op:      op,
				Message: fmt.Sprintf("parent chain of %s is cyclic or deeper than %d", start.ID, m.maxDepth),
				TaskIDs: []string{start.ID},
			}
		}
		if err := ctx.Err(); err != nil {
			return m.storeErr(op, err)
		}
		visited[next] = true
		parent, err := st.FindTask(ctx, next)
		if err != nil {
			if errors.Is(err, ErrStoreNotFound) {
				return nil
			}
			return m.storeErr(op, err)
		}
		cur = parent
	}
	return nil
}

// DetachSubtask clears childID's parent link.
func (m *Manager) DetachSubtask(ctx context.Context, actor Actor, childID string) (Task, error) {
	const op = "detach_subtask"
	childID = strings.TrimSpace(childID)
	var (
		out     Task
		records []Activity
	)
	err := m.run(ctx, op, []string{childID}, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			child, err := m.loadTask(ctx, tx, op, childID)
			if err != nil {
				return err
			}
			if err := authorize(sub, child, op, policy.OpEdit); err != nil {
				return err
			}
			out = child
			if child.ParentTaskID == nil {
				return nil
			}
			previous := *child.ParentTaskID
			if parent, err := tx.FindTask(ctx, previous); err == nil {
				if err := authorize(sub, parent, op, policy.OpEdit); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrStoreNotFound) {
				return m.storeErr(op, err)
			}
			now := m.timestamp()
			child.ParentTaskID = nil
			child.UpdatedAt = now
			if err := m.setParent(ctx, tx, op, child.ID, nil, now); err != nil {
				return err
			}
			records = append(records, m.record(now, actor, child.ID, ActionUpdated, strPtr(previous), nil,
				fmt.Sprintf("Detached from parent task %s", previous)))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			out = child
			return nil
		})
	})
	if err != nil {
		return Task{}, err
	}
	m.commit(records)
	return out, nil
}

// ComputeProgress counts direct children only. It never writes.
func (m *Manager) ComputeProgress(ctx context.Context, actor Actor, taskID string) (Progress, error) {
	const op = "compute_progress"
	var out Progress
	err := m.run(ctx, op, nil, func(ctx context.Context) error {
		sub, err := m.subject(ctx, m.store, op, actor)
		if err != nil {
			return err
		}
		task, err := m.loadTask(ctx, m.store, op, taskID)
		if err != nil {
			return err
		}
		if err := authorize(sub, task, op, policy.OpView); err != nil {
			return err
		}
		children, err := m.store.ListChildren(ctx, task.ID)
		if err != nil {
			return m.storeErr(op, err)
		}
		out = progressOf(children)
		return nil
	})
	return out, err
}

func progressOf(children []Task) Progress {
	p := Progress{Total: len(children)}
	for _, c := range children {
		if c.Status == TaskStatusDone {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percent = int(math.Round(100 * float64(p.Completed) / float64(p.Total)))
	}
	return p
}

// ListSubtasks returns the direct children the actor may view, oldest first.
func (m *Manager) ListSubtasks(ctx context.Context, actor Actor, taskID string) ([]Task, error) {
	const op = "list_subtasks"
	var out []Task
	err := m.run(ctx, op, nil, func(ctx context.Context) error {
		sub, err := m.subject(ctx, m.store, op, actor)
		if err != nil {
			return err
		}
		task, err := m.loadTask(ctx, m.store, op, taskID)
		if err != nil {
			return err
		}
		if err := authorize(sub, task, op, policy.OpView); err != nil {
			return err
		}
		children, err := m.store.ListChildren(ctx, task.ID)
		if err != nil {
			return m.storeErr(op, err)
		}
		out = visible(sub, children)
		return nil
	})
	return out, err
}

func visible(sub policy.Subject, ts []Task) []Task {
	if len(ts) == 0 {
		return nil
	}
	resources := make([]policy.Resource, len(ts))
	byID := make(map[string]Task, len(ts))
	for i, t := range ts {
		resources[i] = t.resource()
		byID[t.ID] = t
	}
	part := policy.CanOperateAll(sub, resources, policy.OpView)
	out := make([]Task, 0, len(part.Allowed))
	for _, r := range part.Allowed {
		out = append(out, byID[r.ID])
	}
	return out
}
