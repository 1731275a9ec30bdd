package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/teamtasks/internal/policy"
)

// Relation pairs an edge with the task on its far end.
type Relation struct {
	Dependency Dependency `json:"dependency"`
	Task       Task       `json:"task"`
}

// AddDependency records that dependentID waits on blockingID. Checks run in
// order: existence and permission, self edge, duplicate edge, cycle.
func (m *Manager) AddDependency(ctx context.Context, actor Actor, dependentID, blockingID string) (Dependency, error) {
	const op = "add_dependency"
	dependentID = strings.TrimSpace(dependentID)
	blockingID = strings.TrimSpace(blockingID)
	var (
		out     Dependency
		records []Activity
	)
	err := m.run(ctx, op, []string{dependentID, blockingID}, func(ctx context.Context) error {
		m.graphMu.Lock()
		defer m.graphMu.Unlock()
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			dependent, err := m.loadTask(ctx, tx, op, dependentID)
			if err != nil {
				return err
			}
			blocking, err := m.loadTask(ctx, tx, op, blockingID)
			if err != nil {
				return err
			}
			if err := authorize(sub, dependent, op, policy.OpEdit); err != nil {
				return err
			}
			if err := authorize(sub, blocking, op, policy.OpView); err != nil {
				return err
			}
			if dependent.ID == blocking.ID {
				return &Error{Kind: KindSelfDependency, Op: op, Message: "a task cannot depend on itself", TaskIDs: []string{dependent.ID}}
			}
			existing, err := tx.FindEdges(ctx, EdgeFilter{DependentID: dependent.ID, BlockingID: blocking.ID})
			if err != nil {
				return m.storeErr(op, err)
			}
			if len(existing) > 0 {
				return duplicateEdge(op, dependent.ID, blocking.ID)
			}
			if err := m.checkReachable(ctx, tx, op, blocking.ID, dependent.ID); err != nil {
				if errors.Is(err, ErrCycle) {
					m.metrics.IncCycleRejected("dependency")
				}
				return err
			}
			now := m.timestamp()
			edge := Dependency{
				ID:              uuid.NewString(),
				DependentTaskID: dependent.ID,
				BlockingTaskID:  blocking.ID,
				CreatedAt:       now,
			}
			if err := tx.InsertEdge(ctx, edge); err != nil {
				if errors.Is(err, ErrStoreDuplicate) {
					return duplicateEdge(op, dependent.ID, blocking.ID)
				}
				return m.storeErr(op, err)
			}
			records = append(records, m.record(now, actor, dependent.ID, ActionDependencyAdded, nil, strPtr(blocking.ID),
				fmt.Sprintf("Now blocked by %q", blocking.Title)))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			out = edge
			return nil
		})
	})
	if err != nil {
		return Dependency{}, err
	}
	m.commit(records)
	return out, nil
}

func duplicateEdge(op, dependentID, blockingID string) *Error {
	return &Error{
		Kind:    KindDuplicateEdge,
		Op:      op,
		Message: fmt.Sprintf("task %s already depends on %s", dependentID, blockingID),
		TaskIDs: []string{dependentID, blockingID},
	}
}

// checkReachable walks "is blocked by" edges breadth-first from start and fails
// with a cycle error when target is reached. Every node is expanded once.
func (m *Manager) checkReachable(ctx context.Context, st Store, op, start, target string) error {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return m.storeErr(op, err)
		}
		node := queue[0]
		queue = queue[1:]
		if node == target {
			return &Error{
				Kind:    KindCycle,
				Op:      op,
				Message: fmt.Sprintf("task %s already waits on %s", start, target),
				TaskIDs: []string{target, start},
			}
		}
		edges, err := st.FindEdges(ctx, EdgeFilter{DependentID: node})
		if err != nil {
			return m.storeErr(op, err)
		}
		for _, e := range edges {
			if !visited[e.BlockingTaskID] {
				visited[e.BlockingTaskID] = true
				queue = append(queue, e.BlockingTaskID)
			}
		}
	}
	return nil
}

func (m *Manager) RemoveDependency(ctx context.Context, actor Actor, edgeID string) error {
	const op = "remove_dependency"
	edgeID = strings.TrimSpace(edgeID)
	if edgeID == "" {
		return newError(KindValidation, op, "dependency id is required")
	}
	var records []Activity
	err := m.run(ctx, op, nil, func(ctx context.Context) error {
		m.graphMu.Lock()
		defer m.graphMu.Unlock()
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			edges, err := tx.FindEdges(ctx, EdgeFilter{ID: edgeID})
			if err != nil {
				return m.storeErr(op, err)
			}
			if len(edges) == 0 {
				return notFound(op, "dependency", edgeID)
			}
			edge := edges[0]
			dependent, err := m.loadTask(ctx, tx, op, edge.DependentTaskID)
			if err != nil {
				return err
			}
			if err := authorize(sub, dependent, op, policy.OpEdit); err != nil {
				return err
			}
			if err := tx.DeleteEdge(ctx, edge.ID); err != nil {
				if errors.Is(err, ErrStoreNotFound) {
					return notFound(op, "dependency", edgeID)
				}
				return m.storeErr(op, err)
			}
			title := edge.BlockingTaskID
			if blocking, err := tx.FindTask(ctx, edge.BlockingTaskID); err == nil {
				title = blocking.Title
			}
			records = append(records, m.record(m.timestamp(), actor, dependent.ID, ActionDependencyRemoved,
				strPtr(edge.BlockingTaskID), nil, fmt.Sprintf("No longer blocked by %q", title)))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	m.commit(records)
	return nil
}

// ListBlocking returns the tasks taskID waits on.
func (m *Manager) ListBlocking(ctx context.Context, actor Actor, taskID string) ([]Relation, error) {
	return m.listRelations(ctx, actor, "list_blocking", taskID, true)
}

// ListDependents returns the tasks waiting on taskID.
func (m *Manager) ListDependents(ctx context.Context, actor Actor, taskID string) ([]Relation, error) {
	return m.listRelations(ctx, actor, "list_dependents", taskID, false)
}

func (m *Manager) listRelations(ctx context.Context, actor Actor, op, taskID string, blocking bool) ([]Relation, error) {
	var out []Relation
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
		filter := EdgeFilter{BlockingID: task.ID}
		if blocking {
			filter = EdgeFilter{DependentID: task.ID}
		}
		edges, err := m.store.FindEdges(ctx, filter)
		if err != nil {
			return m.storeErr(op, err)
		}
		ids := make([]string, len(edges))
		for i, e := range edges {
			ids[i] = e.DependentTaskID
			if blocking {
				ids[i] = e.BlockingTaskID
			}
		}
		related, err := m.store.FindTasks(ctx, ids)
		if err != nil {
			return m.storeErr(op, err)
		}
		shown := make(map[string]Task, len(related))
		for _, t := range visible(sub, related) {
			shown[t.ID] = t
		}
		for i, e := range edges {
			if t, ok := shown[ids[i]]; ok {
				out = append(out, Relation{Dependency: e, Task: t})
			}
		}
		return nil
	})
	return out, err
}
