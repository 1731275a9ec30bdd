package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		backends["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return backends
}

func seedTask(t *testing.T, st Store, title string, parent *string) Task {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	task := Task{
		ID:           uuid.NewString(),
		Title:        title,
		Status:       TaskStatusTodo,
		Priority:     PriorityMedium,
		Type:         TaskTypePersonal,
		CreatorID:    "u1",
		ParentTaskID: parent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, st.SaveTask(context.Background(), task))
	return task
}

func TestStoreContract(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("tasks", func(t *testing.T) { testStoreTasks(t, open(t)) })
			t.Run("edges", func(t *testing.T) { testStoreEdges(t, open(t)) })
			t.Run("activity", func(t *testing.T) { testStoreActivity(t, open(t)) })
			t.Run("delete cascade", func(t *testing.T) { testStoreDeleteCascade(t, open(t)) })
			t.Run("atomic rollback", func(t *testing.T) { testStoreAtomicRollback(t, open(t)) })
			t.Run("memberships", func(t *testing.T) { testStoreMemberships(t, open(t)) })
		})
	}
}

func testStoreTasks(t *testing.T, st Store) {
	ctx := context.Background()
	parent := seedTask(t, st, "parent", nil)
	child := seedTask(t, st, "child", &parent.ID)

	got, err := st.FindTask(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "child", got.Title)
	require.NotNil(t, got.ParentTaskID)
	assert.Equal(t, parent.ID, *got.ParentTaskID)
	assert.Nil(t, got.AssigneeID)

	_, err = st.FindTask(ctx, "missing")
	assert.True(t, errors.Is(err, ErrStoreNotFound))

	children, err := st.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	done := TaskStatusDone
	assignee := "u2"
	n, err := st.BatchUpdateTasks(ctx, []string{parent.ID, child.ID, "missing"}, TaskPatch{
		Status:      &done,
		SetAssignee: true,
		AssigneeID:  &assignee,
		UpdatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := st.FindTasks(ctx, []string{parent.ID, child.ID})
	require.NoError(t, err)
	require.Len(t, found, 2)
	for _, task := range found {
		assert.Equal(t, TaskStatusDone, task.Status)
		require.NotNil(t, task.AssigneeID)
		assert.Equal(t, "u2", *task.AssigneeID)
	}

	n, err = st.BatchUpdateTasks(ctx, []string{child.ID}, TaskPatch{SetParent: true, UpdatedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	detached, err := st.FindTask(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, detached.ParentTaskID)
	assert.Equal(t, TaskStatusDone, detached.Status)
	children, err = st.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func testStoreEdges(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedTask(t, st, "a", nil)
	b := seedTask(t, st, "b", nil)

	edge := Dependency{ID: uuid.NewString(), DependentTaskID: a.ID, BlockingTaskID: b.ID, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.InsertEdge(ctx, edge))

	dup := Dependency{ID: uuid.NewString(), DependentTaskID: a.ID, BlockingTaskID: b.ID, CreatedAt: time.Now().UTC()}
	err := st.InsertEdge(ctx, dup)
	assert.True(t, errors.Is(err, ErrStoreDuplicate), "got %v", err)

	byDependent, err := st.FindEdges(ctx, EdgeFilter{DependentID: a.ID})
	require.NoError(t, err)
	require.Len(t, byDependent, 1)
	byID, err := st.FindEdges(ctx, EdgeFilter{ID: edge.ID})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, b.ID, byID[0].BlockingTaskID)

	require.NoError(t, st.DeleteEdge(ctx, edge.ID))
	assert.True(t, errors.Is(st.DeleteEdge(ctx, edge.ID), ErrStoreNotFound))
}

func testStoreActivity(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedTask(t, st, "a", nil)
	at := time.Now().UTC().Truncate(time.Microsecond)
	var records []Activity
	for _, action := range []ActivityAction{ActionCreated, ActionStatusChanged, ActionAssigned} {
		records = append(records, Activity{
			ID:          uuid.NewString(),
			TaskID:      a.ID,
			UserID:      "u1",
			Action:      action,
			Description: string(action),
			CreatedAt:   at,
		})
	}
	require.NoError(t, st.InsertActivity(ctx, records...))

	got, err := st.ListActivity(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Same timestamp: insertion order decides, newest first.
	assert.Equal(t, ActionAssigned, got[0].Action)
	assert.Equal(t, ActionStatusChanged, got[1].Action)
	assert.Equal(t, ActionCreated, got[2].Action)
	assert.Greater(t, got[0].Seq, got[1].Seq)

	limited, err := st.ListActivity(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testStoreDeleteCascade(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedTask(t, st, "a", nil)
	b := seedTask(t, st, "b", &a.ID)
	c := seedTask(t, st, "c", nil)
	now := time.Now().UTC()
	require.NoError(t, st.InsertEdge(ctx, Dependency{ID: uuid.NewString(), DependentTaskID: c.ID, BlockingTaskID: a.ID, CreatedAt: now}))
	require.NoError(t, st.InsertActivity(ctx, Activity{ID: uuid.NewString(), TaskID: a.ID, UserID: "u1", Action: ActionCreated, CreatedAt: now}))
	require.NoError(t, st.InsertAttachment(ctx, Attachment{ID: uuid.NewString(), TaskID: a.ID, FileName: "f", StoragePath: "a/f", UploadedBy: "u1", CreatedAt: now}))

	n, err := st.DeleteTasks(ctx, []string{a.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	edges, err := st.FindEdges(ctx, EdgeFilter{DependentID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, edges)
	acts, err := st.ListActivity(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, acts)
	atts, err := st.ListAttachments(ctx, []string{a.ID})
	require.NoError(t, err)
	assert.Empty(t, atts)

	orphan, err := st.FindTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, orphan.ParentTaskID)
}

func testStoreAtomicRollback(t *testing.T, st Store) {
	ctx := context.Background()
	a := seedTask(t, st, "a", nil)
	boom := errors.New("boom")

	err := st.Atomic(ctx, func(tx Store) error {
		done := TaskStatusDone
		if _, err := tx.BatchUpdateTasks(ctx, []string{a.ID}, TaskPatch{Status: &done, UpdatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		if err := tx.InsertActivity(ctx, Activity{ID: uuid.NewString(), TaskID: a.ID, UserID: "u1", Action: ActionStatusChanged, CreatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := st.FindTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusTodo, got.Status)
	acts, err := st.ListActivity(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, acts)

	require.NoError(t, st.Atomic(ctx, func(tx Store) error {
		return tx.Atomic(ctx, func(inner Store) error {
			_, err := inner.BatchUpdateTasks(ctx, []string{a.ID}, TaskPatch{SetAssignee: true, AssigneeID: strPtr("u9"), UpdatedAt: time.Now().UTC()})
			return err
		})
	}))
	got, err = st.FindTask(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssigneeID)
	assert.Equal(t, "u9", *got.AssigneeID)
}

func testStoreMemberships(t *testing.T, st Store) {
	ctx := context.Background()
	require.NoError(t, st.SaveMembership(ctx, Membership{UserID: "u1", TeamID: "red", Active: true}))
	require.NoError(t, st.SaveMembership(ctx, Membership{UserID: "u1", TeamID: "blue", Active: true}))
	require.NoError(t, st.SaveMembership(ctx, Membership{UserID: "u1", TeamID: "red", Active: false}))

	got, err := st.ListMemberships(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "blue", got[0].TeamID)
	assert.True(t, got[0].Active)
	assert.Equal(t, "red", got[1].TeamID)
	assert.False(t, got[1].Active)
}

func TestNewStoreSelectsDriver(t *testing.T) {
	ctx := context.Background()
	st, err := NewStore(ctx, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "memory", st.Mode())

	st, err = NewStore(ctx, "", "", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", st.Mode())
	require.NoError(t, st.Close())

	_, err = NewStore(ctx, "postgres", "", "")
	assert.Error(t, err)
	_, err = NewStore(ctx, "cassandra", "", "")
	assert.Error(t, err)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	st, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (x INT);\n\n  CREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, got)

	_, err := parseMigrationVersion("init.sql")
	assert.Error(t, err)
	v, err := parseMigrationVersion("0002_edges.sql")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
