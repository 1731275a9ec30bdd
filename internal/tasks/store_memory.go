package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for local/dev use and tests.
type MemoryStore struct {
	mu   *sync.Mutex
	st   *memState
	inTx bool
}

type memState struct {
	tasks       map[string]Task
	edges       map[string]Dependency
	activity    []Activity
	memberships map[string]Membership
	attachments map[string]Attachment
	seq         int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		st: &memState{
			tasks:       make(map[string]Task),
			edges:       make(map[string]Dependency),
			memberships: make(map[string]Membership),
			attachments: make(map[string]Attachment),
		},
	}
}

func (st *memState) clone() *memState {
	out := &memState{
		tasks:       make(map[string]Task, len(st.tasks)),
		edges:       make(map[string]Dependency, len(st.edges)),
		activity:    append([]Activity(nil), st.activity...),
		memberships: make(map[string]Membership, len(st.memberships)),
		attachments: make(map[string]Attachment, len(st.attachments)),
		seq:         st.seq,
	}
	for k, v := range st.tasks {
		out.tasks[k] = v.Clone()
	}
	for k, v := range st.edges {
		out.edges[k] = v
	}
	for k, v := range st.memberships {
		out.memberships[k] = v
	}
	for k, v := range st.attachments {
		out.attachments[k] = v
	}
	return out
}

func (s *MemoryStore) with(fn func(st *memState) error) error {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.st)
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.st.clone()
	tx := &MemoryStore{mu: s.mu, st: s.st, inTx: true}
	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		*s.st = *snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) FindTask(_ context.Context, taskID string) (Task, error) {
	var out Task
	err := s.with(func(st *memState) error {
		t, ok := st.tasks[taskID]
		if !ok {
			return ErrStoreNotFound
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

func (s *MemoryStore) FindTasks(_ context.Context, taskIDs []string) ([]Task, error) {
	var out []Task
	err := s.with(func(st *memState) error {
		for _, id := range taskIDs {
			if t, ok := st.tasks[id]; ok {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) SaveTask(_ context.Context, task Task) error {
	return s.with(func(st *memState) error {
		st.tasks[task.ID] = task.Clone()
		return nil
	})
}

func (s *MemoryStore) ListChildren(_ context.Context, parentID string) ([]Task, error) {
	var out []Task
	err := s.with(func(st *memState) error {
		for _, t := range st.tasks {
			if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	sortTasksByCreated(out)
	return out, err
}

func (s *MemoryStore) BatchUpdateTasks(_ context.Context, taskIDs []string, patch TaskPatch) (int, error) {
	n := 0
	err := s.with(func(st *memState) error {
		for _, id := range taskIDs {
			t, ok := st.tasks[id]
			if !ok {
				continue
			}
			if patch.Status != nil {
				t.Status = *patch.Status
			}
			if patch.SetAssignee {
				t.AssigneeID = cloneString(patch.AssigneeID)
			}
			if patch.SetParent {
				t.ParentTaskID = cloneString(patch.ParentID)
			}
			if !patch.UpdatedAt.IsZero() {
				t.UpdatedAt = patch.UpdatedAt
			}
			st.tasks[id] = t
			n++
		}
		return nil
	})
	return n, err
}

func (s *MemoryStore) DeleteTasks(_ context.Context, taskIDs []string) (int, error) {
	n := 0
	err := s.with(func(st *memState) error {
		doomed := make(map[string]bool, len(taskIDs))
		for _, id := range taskIDs {
			if _, ok := st.tasks[id]; ok && !doomed[id] {
				doomed[id] = true
				n++
			}
		}
		for id := range doomed {
			delete(st.tasks, id)
		}
		for id, t := range st.tasks {
			if t.ParentTaskID != nil && doomed[*t.ParentTaskID] {
				t.ParentTaskID = nil
				st.tasks[id] = t
			}
		}
		for id, e := range st.edges {
			if doomed[e.DependentTaskID] || doomed[e.BlockingTaskID] {
				delete(st.edges, id)
			}
		}
		kept := st.activity[:0]
		for _, a := range st.activity {
			if !doomed[a.TaskID] {
				kept = append(kept, a)
			}
		}
		st.activity = kept
		for id, a := range st.attachments {
			if doomed[a.TaskID] {
				delete(st.attachments, id)
			}
		}
		return nil
	})
	return n, err
}

func (s *MemoryStore) FindEdges(_ context.Context, filter EdgeFilter) ([]Dependency, error) {
	var out []Dependency
	err := s.with(func(st *memState) error {
		for _, e := range st.edges {
			if filter.ID != "" && e.ID != filter.ID {
				continue
			}
			if filter.DependentID != "" && e.DependentTaskID != filter.DependentID {
				continue
			}
			if filter.BlockingID != "" && e.BlockingTaskID != filter.BlockingID {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (s *MemoryStore) InsertEdge(_ context.Context, edge Dependency) error {
	return s.with(func(st *memState) error {
		if _, ok := st.tasks[edge.DependentTaskID]; !ok {
			return fmt.Errorf("dependent task %s: %w", edge.DependentTaskID, ErrStoreNotFound)
		}
		if _, ok := st.tasks[edge.BlockingTaskID]; !ok {
			return fmt.Errorf("blocking task %s: %w", edge.BlockingTaskID, ErrStoreNotFound)
		}
		for _, e := range st.edges {
			if e.DependentTaskID == edge.DependentTaskID && e.BlockingTaskID == edge.BlockingTaskID {
				return ErrStoreDuplicate
			}
		}
		if edge.ID == "" {
			edge.ID = uuid.NewString()
		}
		st.edges[edge.ID] = edge
		return nil
	})
}

func (s *MemoryStore) DeleteEdge(_ context.Context, edgeID string) error {
	return s.with(func(st *memState) error {
		if _, ok := st.edges[edgeID]; !ok {
			return ErrStoreNotFound
		}
		delete(st.edges, edgeID)
		return nil
	})
}

func (s *MemoryStore) InsertActivity(_ context.Context, records ...Activity) error {
	return s.with(func(st *memState) error {
		for _, r := range records {
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = time.Now().UTC()
			}
			st.seq++
			r.Seq = st.seq
			st.activity = append(st.activity, r)
		}
		return nil
	})
}

func (s *MemoryStore) ListActivity(_ context.Context, taskID string, limit int) ([]Activity, error) {
	var out []Activity
	err := s.with(func(st *memState) error {
		for i := len(st.activity) - 1; i >= 0; i-- {
			if st.activity[i].TaskID == taskID {
				out = append(out, st.activity[i])
			}
		}
		return nil
	})
	sortActivityDesc(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, err
}

func (s *MemoryStore) ListMemberships(_ context.Context, userID string) ([]Membership, error) {
	var out []Membership
	err := s.with(func(st *memState) error {
		for _, m := range st.memberships {
			if m.UserID == userID {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out, err
}

func (s *MemoryStore) SaveMembership(_ context.Context, m Membership) error {
	return s.with(func(st *memState) error {
		st.memberships[m.UserID+"|"+m.TeamID] = m
		return nil
	})
}

func (s *MemoryStore) InsertAttachment(_ context.Context, a Attachment) error {
	return s.with(func(st *memState) error {
		if _, ok := st.tasks[a.TaskID]; !ok {
			return fmt.Errorf("task %s: %w", a.TaskID, ErrStoreNotFound)
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		st.attachments[a.ID] = a
		return nil
	})
}

func (s *MemoryStore) FindAttachment(_ context.Context, attachmentID string) (Attachment, error) {
	var out Attachment
	err := s.with(func(st *memState) error {
		a, ok := st.attachments[attachmentID]
		if !ok {
			return ErrStoreNotFound
		}
		out = a
		return nil
	})
	return out, err
}

func (s *MemoryStore) ListAttachments(_ context.Context, taskIDs []string) ([]Attachment, error) {
	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}
	var out []Attachment
	err := s.with(func(st *memState) error {
		for _, a := range st.attachments {
			if want[a.TaskID] {
				out = append(out, a)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *MemoryStore) DeleteAttachment(_ context.Context, attachmentID string) error {
	return s.with(func(st *memState) error {
		if _, ok := st.attachments[attachmentID]; !ok {
			return ErrStoreNotFound
		}
		delete(st.attachments, attachmentID)
		return nil
	})
}

func (s *MemoryStore) Mode() string { return "memory" }

func (s *MemoryStore) Close() error { return nil }

func sortTasksByCreated(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func sortActivityDesc(as []Activity) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].Seq > as[j].Seq
		}
		return as[i].CreatedAt.After(as[j].CreatedAt)
	})
}
