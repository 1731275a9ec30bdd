package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/teamtasks/internal/policy"
)

const (
	resultUpdated = "updated"
	resultDeleted = "deleted"
)

// bulkApply mutates the already authorized batch inside the atomic unit and
// returns the activity to write.
type bulkApply func(ctx context.Context, tx Store, batch []Task, now time.Time) (int, []Activity, error)

// BulkStatusChange moves every task to status. The whole batch commits or none of it does.
func (m *Manager) BulkStatusChange(ctx context.Context, actor Actor, taskIDs []string, status TaskStatus) (BulkResult, error) {
	const op = "bulk_status"
	if !status.Valid() {
		return BulkResult{}, newError(KindValidation, op, "invalid status %q", status)
	}
	return m.bulk(ctx, actor, op, policy.OpStatus, taskIDs, resultUpdated,
		func(ctx context.Context, tx Store, batch []Task, now time.Time) (int, []Activity, error) {
			n, err := tx.BatchUpdateTasks(ctx, ids(batch), TaskPatch{Status: &status, UpdatedAt: now})
			if err != nil {
				return 0, nil, m.storeErr(op, err)
			}
			records := make([]Activity, 0, len(batch))
			for _, t := range batch {
				records = append(records, m.record(now, actor, t.ID, ActionStatusChanged,
					strPtr(string(t.Status)), strPtr(string(status)),
					fmt.Sprintf("Bulk status change from %s to %s", t.Status, status)))
			}
			return n, records, nil
		})
}

// BulkAssign sets or, with a nil assigneeID, clears the assignee on every task.
func (m *Manager) BulkAssign(ctx context.Context, actor Actor, taskIDs []string, assigneeID *string) (BulkResult, error) {
	const op = "bulk_assign"
	assigneeID = trimOptional(assigneeID)
	return m.bulk(ctx, actor, op, policy.OpAssign, taskIDs, resultUpdated,
		func(ctx context.Context, tx Store, batch []Task, now time.Time) (int, []Activity, error) {
			if assigneeID != nil {
				checked := make(map[string]bool)
				for _, t := range batch {
					if t.Type != TaskTypeTeam || checked[deref(t.TeamID)] {
						continue
					}
					checked[deref(t.TeamID)] = true
					if err := m.requireMember(ctx, tx, op, *assigneeID, deref(t.TeamID)); err != nil {
						return 0, nil, err
					}
				}
			}
			n, err := tx.BatchUpdateTasks(ctx, ids(batch), TaskPatch{SetAssignee: true, AssigneeID: assigneeID, UpdatedAt: now})
			if err != nil {
				return 0, nil, m.storeErr(op, err)
			}
			records := make([]Activity, 0, len(batch))
			for _, t := range batch {
				records = append(records, m.assignmentRecord(now, actor, t.ID, t.AssigneeID, assigneeID))
			}
			return n, records, nil
		})
}

// BulkDelete removes every task with its edges, activity and attachments, then
// deletes stored attachment files best-effort.
func (m *Manager) BulkDelete(ctx context.Context, actor Actor, taskIDs []string) (BulkResult, error) {
	const op = "bulk_delete"
	var attachments []Attachment
	res, err := m.bulk(ctx, actor, op, policy.OpDelete, taskIDs, resultDeleted,
		func(ctx context.Context, tx Store, batch []Task, _ time.Time) (int, []Activity, error) {
			var err error
			attachments, err = tx.ListAttachments(ctx, ids(batch))
			if err != nil {
				return 0, nil, m.storeErr(op, err)
			}
			n, err := tx.DeleteTasks(ctx, ids(batch))
			if err != nil {
				return 0, nil, m.storeErr(op, err)
			}
			return n, nil, nil
		})
	if err != nil {
		return BulkResult{}, err
	}
	m.removeFiles(ctx, op, attachments)
	return res, nil
}

func (m *Manager) bulk(ctx context.Context, actor Actor, op string, operation policy.Operation, taskIDs []string, outcome string, apply bulkApply) (BulkResult, error) {
	batchIDs := normalizeIDs(taskIDs)
	if len(batchIDs) == 0 {
		return BulkResult{}, newError(KindValidation, op, "at least one task id is required")
	}
	if d := policy.CanBulk(actor.subject(), operation); !d.Allowed {
		return BulkResult{}, &Error{Kind: KindForbidden, Op: op, Message: d.Reason, TaskIDs: batchIDs}
	}
	m.metrics.ObserveBulkSize(op, len(batchIDs))

	var (
		result  BulkResult
		records []Activity
	)
	err := m.run(ctx, op, batchIDs, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			records = nil
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			batch, err := m.loadTasks(ctx, tx, op, batchIDs)
			if err != nil {
				return err
			}
			if m.bulkAuth == BulkAuthStrict {
				resources := make([]policy.Resource, len(batch))
				for i, t := range batch {
					resources[i] = t.resource()
				}
				if part := policy.CanOperateAll(sub, resources, operation); len(part.Denied) > 0 {
					denied := make([]string, len(part.Denied))
					for i, r := range part.Denied {
						denied[i] = r.ID
					}
					return &Error{
						Kind:    KindForbidden,
						Op:      op,
						Message: fmt.Sprintf("not allowed to %s tasks: %s", operation, strings.Join(denied, ", ")),
						TaskIDs: denied,
					}
				}
			}
			n, recs, err := apply(ctx, tx, batch, m.timestamp())
			if err != nil {
				return err
			}
			if n != len(batch) {
				return &Error{
					Kind:    KindPartialFailure,
					Op:      op,
					Message: fmt.Sprintf("expected %d rows, store changed %d; nothing was applied", len(batch), n),
					TaskIDs: batchIDs,
				}
			}
			if len(recs) > 0 {
				if err := tx.InsertActivity(ctx, recs...); err != nil {
					return m.storeErr(op, err)
				}
			}
			records = recs
			result = BulkResult{UpdatedCount: n, Results: make([]TaskResult, len(batch))}
			for i, t := range batch {
				result.Results[i] = TaskResult{TaskID: t.ID, Status: outcome}
			}
			return nil
		})
	})
	if err != nil {
		return BulkResult{}, err
	}
	m.commit(records)
	m.log.Info("bulk operation applied", "op", op, "actor", actor.UserID, "count", result.UpdatedCount)
	return result, nil
}

func normalizeIDs(in []string) []string {
	trimmed := make([]string, len(in))
	for i, id := range in {
		trimmed[i] = strings.TrimSpace(id)
	}
	return dedupe(trimmed)
}

func ids(ts []Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
