package tasks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/teamtasks/internal/policy"
)

func (m *Manager) CreateTask(ctx context.Context, actor Actor, req CreateRequest) (Task, error) {
	const op = "create_task"
	if err := req.normalize(); err != nil {
		return Task{}, newError(KindValidation, op, "%s", err.Error())
	}
	var (
		out     Task
		records []Activity
	)
	err := m.run(ctx, op, []string{deref(req.ParentTaskID)}, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			if req.Type == TaskTypeTeam {
				if !slices.Contains(sub.Teams, *req.TeamID) {
					return newError(KindForbidden, op, "creator is not an active member of team %s", *req.TeamID)
				}
				if req.AssigneeID != nil {
					if err := m.requireMember(ctx, tx, op, *req.AssigneeID, *req.TeamID); err != nil {
						return err
					}
				}
			}
			now := m.timestamp()
			task := Task{
				ID:           uuid.NewString(),
				Title:        req.Title,
				Description:  req.Description,
				Status:       req.Status,
				Priority:     req.Priority,
				Type:         req.Type,
				CreatorID:    sub.UserID,
				AssigneeID:   cloneString(req.AssigneeID),
				TeamID:       cloneString(req.TeamID),
				ParentTaskID: cloneString(req.ParentTaskID),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if req.ParentTaskID != nil {
				parent, err := m.loadTask(ctx, tx, op, *req.ParentTaskID)
				if err != nil {
					return err
				}
				if err := authorize(sub, parent, op, policy.OpEdit); err != nil {
					return err
				}
				records = append(records, m.record(now, actor, parent.ID, ActionSubtaskAdded, nil, strPtr(task.ID),
					fmt.Sprintf("Added subtask %q", task.Title)))
			}
			if err := tx.SaveTask(ctx, task); err != nil {
				return m.storeErr(op, err)
			}
			records = append([]Activity{m.record(now, actor, task.ID, ActionCreated, nil, strPtr(string(task.Status)),
				fmt.Sprintf("Created task %q", task.Title))}, records...)
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			out = task
			return nil
		})
	})
	if err != nil {
		return Task{}, err
	}
	m.commit(records)
	return out, nil
}

func (m *Manager) requireMember(ctx context.Context, st Store, op, userID, teamID string) error {
	memberships, err := st.ListMemberships(ctx, userID)
	if err != nil {
		return m.storeErr(op, err)
	}
	for _, ms := range memberships {
		if ms.TeamID == teamID && ms.Active {
			return nil
		}
	}
	return newError(KindValidation, op, "user %s is not an active member of team %s", userID, teamID)
}

func (m *Manager) GetTask(ctx context.Context, actor Actor, taskID string) (Task, error) {
	const op = "get_task"
	var out Task
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
		out = task
		return nil
	})
	return out, err
}

func (m *Manager) UpdateTask(ctx context.Context, actor Actor, taskID string, req UpdateRequest) (Task, error) {
	const op = "update_task"
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return Task{}, newError(KindValidation, op, "title cannot be empty")
		}
		req.Title = &title
	}
	if req.Priority != nil && !req.Priority.Valid() {
		return Task{}, newError(KindValidation, op, "invalid priority %q", *req.Priority)
	}
	var (
		out     Task
		records []Activity
	)
	err := m.run(ctx, op, []string{taskID}, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			task, err := m.loadTask(ctx, tx, op, taskID)
			if err != nil {
				return err
			}
			if err := authorize(sub, task, op, policy.OpEdit); err != nil {
				return err
			}
			var fields, oldVals, newVals []string
			if req.Title != nil && *req.Title != task.Title {
				fields = append(fields, "title")
				oldVals = append(oldVals, "title="+task.Title)
				newVals = append(newVals, "title="+*req.Title)
				task.Title = *req.Title
			}
			if req.Description != nil {
				desc := strings.TrimSpace(*req.Description)
				if desc != task.Description {
					fields = append(fields, "description")
					task.Description = desc
				}
			}
			if req.Priority != nil && *req.Priority != task.Priority {
				fields = append(fields, "priority")
				oldVals = append(oldVals, "priority="+string(task.Priority))
				newVals = append(newVals, "priority="+string(*req.Priority))
				task.Priority = *req.Priority
			}
			out = task
			if len(fields) == 0 {
				return nil
			}
			now := m.timestamp()
			task.UpdatedAt = now
			if err := tx.SaveTask(ctx, task); err != nil {
				return m.storeErr(op, err)
			}
			var oldValue, newValue *string
			if len(oldVals) > 0 {
				oldValue = strPtr(strings.Join(oldVals, "; "))
				newValue = strPtr(strings.Join(newVals, "; "))
			}
			records = append(records, m.record(now, actor, task.ID, ActionUpdated, oldValue, newValue,
				"Updated "+strings.Join(fields, ", ")))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			out = task
			return nil
		})
	})
	if err != nil {
		return Task{}, err
	}
	m.commit(records)
	return out, nil
}

func (m *Manager) ChangeStatus(ctx context.Context, actor Actor, taskID string, status TaskStatus) (Task, error) {
	const op = "change_status"
	if !status.Valid() {
		return Task{}, newError(KindValidation, op, "invalid status %q", status)
	}
	var (
		out     Task
		records []Activity
	)
	err := m.run(ctx, op, []string{taskID}, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			task, err := m.loadTask(ctx, tx, op, taskID)
			if err != nil {
				return err
			}
			if err := authorize(sub, task, op, policy.OpStatus); err != nil {
				return err
			}
			out = task
			if task.Status == status {
				return nil
			}
			now := m.timestamp()
			previous := task.Status
			task.Status = status
			task.UpdatedAt = now
			if err := tx.SaveTask(ctx, task); err != nil {
				return m.storeErr(op, err)
			}
			records = append(records, m.record(now, actor, task.ID, ActionStatusChanged,
				strPtr(string(previous)), strPtr(string(status)),
				fmt.Sprintf("Changed status from %s to %s", previous, status)))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			out = task
			return nil
		})
	})
	if err != nil {
		return Task{}, err
	}
	m.commit(records)
	return out, nil
}

// AssignTask sets or, with a nil assigneeID, clears the assignee.
func (m *Manager) AssignTask(ctx context.Context, actor Actor, taskID string, assigneeID *string) (Task, error) {
	const op = "assign_task"
	assigneeID = trimOptional(assigneeID)
	var (
		out     Task
		records []Activity
	)
	err := m.run(ctx, op, []string{taskID}, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			task, err := m.loadTask(ctx, tx, op, taskID)
			if err != nil {
				return err
			}
			if err := authorize(sub, task, op, policy.OpAssign); err != nil {
				return err
			}
			out = task
			if sameOptional(task.AssigneeID, assigneeID) {
				return nil
			}
			if assigneeID != nil && task.Type == TaskTypeTeam {
				if err := m.requireMember(ctx, tx, op, *assigneeID, deref(task.TeamID)); err != nil {
					return err
				}
			}
			now := m.timestamp()
			previous := task.AssigneeID
			task.AssigneeID = assigneeID
			task.UpdatedAt = now
			if err := tx.SaveTask(ctx, task); err != nil {
				return m.storeErr(op, err)
			}
			records = append(records, m.assignmentRecord(now, actor, task.ID, previous, assigneeID))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			out = task
			return nil
		})
	})
	if err != nil {
		return Task{}, err
	}
	m.commit(records)
	return out, nil
}

func (m *Manager) assignmentRecord(at time.Time, actor Actor, taskID string, previous, next *string) Activity {
	if next == nil {
		return m.record(at, actor, taskID, ActionUnassigned, previous, nil,
			fmt.Sprintf("Unassigned %s", deref(previous)))
	}
	return m.record(at, actor, taskID, ActionAssigned, previous, next,
		fmt.Sprintf("Assigned to %s", *next))
}

// DeleteTask removes one task with its edges, activity and attachments. Children
// survive as top-level tasks.
func (m *Manager) DeleteTask(ctx context.Context, actor Actor, taskID string) error {
	const op = "delete_task"
	var attachments []Attachment
	err := m.run(ctx, op, []string{taskID}, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			task, err := m.loadTask(ctx, tx, op, taskID)
			if err != nil {
				return err
			}
			if err := authorize(sub, task, op, policy.OpDelete); err != nil {
				return err
			}
			attachments, err = tx.ListAttachments(ctx, []string{task.ID})
			if err != nil {
				return m.storeErr(op, err)
			}
			n, err := tx.DeleteTasks(ctx, []string{task.ID})
			if err != nil {
				return m.storeErr(op, err)
			}
			if n != 1 {
				return &Error{Kind: KindPartialFailure, Op: op, Message: "task changed during delete", TaskIDs: []string{task.ID}}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	m.removeFiles(ctx, op, attachments)
	return nil
}

func (m *Manager) AddAttachment(ctx context.Context, actor Actor, taskID string, req AttachmentRequest) (Attachment, error) {
	const op = "add_attachment"
	req.FileName = strings.TrimSpace(req.FileName)
	req.StoragePath = strings.TrimSpace(req.StoragePath)
	if req.FileName == "" || req.StoragePath == "" {
		return Attachment{}, newError(KindValidation, op, "file_name and storage_path are required")
	}
	var (
		out     Attachment
		records []Activity
	)
	err := m.run(ctx, op, []string{taskID}, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			task, err := m.loadTask(ctx, tx, op, taskID)
			if err != nil {
				return err
			}
			if err := authorize(sub, task, op, policy.OpComment); err != nil {
				return err
			}
			now := m.timestamp()
			a := Attachment{
				ID:          uuid.NewString(),
				TaskID:      task.ID,
				FileName:    req.FileName,
				StoragePath: req.StoragePath,
				UploadedBy:  sub.UserID,
				CreatedAt:   now,
			}
			if err := tx.InsertAttachment(ctx, a); err != nil {
				return m.storeErr(op, err)
			}
			records = append(records, m.record(now, actor, task.ID, ActionAttachmentAdded, nil, strPtr(a.FileName),
				fmt.Sprintf("Attached %s", a.FileName)))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			out = a
			return nil
		})
	})
	if err != nil {
		return Attachment{}, err
	}
	m.commit(records)
	return out, nil
}

// RemoveAttachment is allowed for the uploader and for anyone who may edit the task.
func (m *Manager) RemoveAttachment(ctx context.Context, actor Actor, attachmentID string) error {
	const op = "remove_attachment"
	var (
		removed Attachment
		records []Activity
	)
	err := m.run(ctx, op, nil, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			records = records[:0]
			sub, err := m.subject(ctx, tx, op, actor)
			if err != nil {
				return err
			}
			a, err := tx.FindAttachment(ctx, strings.TrimSpace(attachmentID))
			if err != nil {
				if errors.Is(err, ErrStoreNotFound) {
					return notFound(op, "attachment", attachmentID)
				}
				return m.storeErr(op, err)
			}
			task, err := m.loadTask(ctx, tx, op, a.TaskID)
			if err != nil {
				return err
			}
			if a.UploadedBy != sub.UserID {
				if err := authorize(sub, task, op, policy.OpEdit); err != nil {
					return err
				}
			}
			if err := tx.DeleteAttachment(ctx, a.ID); err != nil {
				return m.storeErr(op, err)
			}
			records = append(records, m.record(m.timestamp(), actor, task.ID, ActionAttachmentRemoved, strPtr(a.FileName), nil,
				fmt.Sprintf("Removed attachment %s", a.FileName)))
			if err := tx.InsertActivity(ctx, records...); err != nil {
				return m.storeErr(op, err)
			}
			removed = a
			return nil
		})
	})
	if err != nil {
		return err
	}
	m.commit(records)
	m.removeFiles(ctx, op, []Attachment{removed})
	return nil
}

func (m *Manager) ListAttachments(ctx context.Context, actor Actor, taskID string) ([]Attachment, error) {
	const op = "list_attachments"
	var out []Attachment
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
		out, err = m.store.ListAttachments(ctx, []string{task.ID})
		return m.storeErr(op, err)
	})
	return out, err
}

// GetActivity returns newest records first. limit <= 0 uses the default page size.
func (m *Manager) GetActivity(ctx context.Context, actor Actor, taskID string, limit int) ([]Activity, error) {
	const op = "get_activity"
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	var out []Activity
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
		out, err = m.store.ListActivity(ctx, task.ID, limit)
		return m.storeErr(op, err)
	})
	return out, err
}
