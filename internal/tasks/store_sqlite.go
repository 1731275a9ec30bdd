package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore keeps the engine state in a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	q    sqlQuerier
	inTx bool
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// pending migrations. ":memory:" gives a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: SQLite allows one writer and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, q: db}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	_ = rows.Close()

	migs, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteErr(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLiteErr(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

const sqliteTaskColumns = `id, title, description, status, priority, type, creator_id, assignee_id,
	team_id, parent_task_id, created_at, updated_at`

func (s *SQLiteStore) FindTask(ctx context.Context, taskID string) (Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id=?`, taskID)
	task, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, classifySQLiteErr(fmt.Errorf("get task: %w", err))
	}
	return task, nil
}

func (s *SQLiteStore) FindTasks(ctx context.Context, taskIDs []string) ([]Task, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	ph, args := sqlitePlaceholders(taskIDs)
	return s.queryTasks(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id IN (`+ph+`)`, args...)
}

func (s *SQLiteStore) ListChildren(ctx context.Context, parentID string) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+sqliteTaskColumns+` FROM tasks WHERE parent_task_id=? ORDER BY created_at ASC, id ASC`,
		parentID,
	)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteErr(fmt.Errorf("list tasks: %w", err))
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteErr(fmt.Errorf("iterate task rows: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tasks (`+sqliteTaskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			status=excluded.status,
			priority=excluded.priority,
			type=excluded.type,
			assignee_id=excluded.assignee_id,
			team_id=excluded.team_id,
			parent_task_id=excluded.parent_task_id,
			updated_at=excluded.updated_at`,
		task.ID,
		task.Title,
		task.Description,
		string(task.Status),
		string(task.Priority),
		string(task.Type),
		task.CreatorID,
		nullString(task.AssigneeID),
		nullString(task.TeamID),
		nullString(task.ParentTaskID),
		task.CreatedAt.UnixNano(),
		task.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return classifySQLiteErr(fmt.Errorf("upsert task: %w", err))
	}
	return nil
}

func (s *SQLiteStore) BatchUpdateTasks(ctx context.Context, taskIDs []string, patch TaskPatch) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	sets := []string{"updated_at=?"}
	args := []any{patch.UpdatedAt.UnixNano()}
	if patch.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*patch.Status))
	}
	if patch.SetAssignee {
		sets = append(sets, "assignee_id=?")
		args = append(args, nullString(patch.AssigneeID))
	}
	if patch.SetParent {
		sets = append(sets, "parent_task_id=?")
		args = append(args, nullString(patch.ParentID))
	}
	ph, idArgs := sqlitePlaceholders(taskIDs)
	args = append(args, idArgs...)
	res, err := s.q.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return 0, classifySQLiteErr(fmt.Errorf("batch update tasks: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("batch update rows: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteTasks(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	ph, args := sqlitePlaceholders(taskIDs)
	both := append(append([]any{}, args...), args...)
	cleanup := []struct {
		stmt string
		args []any
	}{
		{`DELETE FROM task_dependencies WHERE dependent_task_id IN (` + ph + `) OR blocking_task_id IN (` + ph + `)`, both},
		{`DELETE FROM task_activity WHERE task_id IN (` + ph + `)`, args},
		{`DELETE FROM task_attachments WHERE task_id IN (` + ph + `)`, args},
		{`UPDATE tasks SET parent_task_id=NULL WHERE parent_task_id IN (` + ph + `)`, args},
	}
	for _, c := range cleanup {
		if _, err := s.q.ExecContext(ctx, c.stmt, c.args...); err != nil {
			return 0, classifySQLiteErr(fmt.Errorf("delete task relations: %w", err))
		}
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return 0, classifySQLiteErr(fmt.Errorf("delete tasks: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) FindEdges(ctx context.Context, filter EdgeFilter) ([]Dependency, error) {
	var (
		where []string
		args  []any
	)
	if filter.ID != "" {
		where = append(where, "id=?")
		args = append(args, filter.ID)
	}
	if filter.DependentID != "" {
		where = append(where, "dependent_task_id=?")
		args = append(args, filter.DependentID)
	}
	if filter.BlockingID != "" {
		where = append(where, "blocking_task_id=?")
		args = append(args, filter.BlockingID)
	}
	query := `SELECT id, dependent_task_id, blocking_task_id, created_at FROM task_dependencies`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteErr(fmt.Errorf("list dependencies: %w", err))
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var (
			d       Dependency
			created int64
		)
		if err := rows.Scan(&d.ID, &d.DependentTaskID, &d.BlockingTaskID, &created); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		d.CreatedAt = fromUnixNano(created)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteErr(fmt.Errorf("iterate dependency rows: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) InsertEdge(ctx context.Context, edge Dependency) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO task_dependencies (id, dependent_task_id, blocking_task_id, created_at) VALUES (?,?,?,?)`,
		edge.ID, edge.DependentTaskID, edge.BlockingTaskID, edge.CreatedAt.UnixNano(),
	)
	if err != nil {
		return classifySQLiteErr(fmt.Errorf("insert dependency: %w", err))
	}
	return nil
}

func (s *SQLiteStore) DeleteEdge(ctx context.Context, edgeID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM task_dependencies WHERE id=?`, edgeID)
	if err != nil {
		return classifySQLiteErr(fmt.Errorf("delete dependency: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertActivity(ctx context.Context, records ...Activity) error {
	for _, r := range records {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO task_activity (id, task_id, user_id, action, old_value, new_value, description, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			r.ID, r.TaskID, r.UserID, string(r.Action), nullString(r.OldValue), nullString(r.NewValue),
			r.Description, r.CreatedAt.UnixNano(),
		)
		if err != nil {
			return classifySQLiteErr(fmt.Errorf("insert activity: %w", err))
		}
	}
	return nil
}

func (s *SQLiteStore) ListActivity(ctx context.Context, taskID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT seq, id, task_id, user_id, action, old_value, new_value, description, created_at
		   FROM task_activity WHERE task_id=? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, classifySQLiteErr(fmt.Errorf("list activity: %w", err))
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			a        Activity
			action   string
			oldValue sql.NullString
			newValue sql.NullString
			created  int64
		)
		if err := rows.Scan(&a.Seq, &a.ID, &a.TaskID, &a.UserID, &action, &oldValue, &newValue, &a.Description, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Action = ActivityAction(action)
		a.OldValue = stringPtr(oldValue)
		a.NewValue = stringPtr(newValue)
		a.CreatedAt = fromUnixNano(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteErr(fmt.Errorf("iterate activity rows: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT user_id, team_id, active FROM team_memberships WHERE user_id=? ORDER BY team_id`, userID)
	if err != nil {
		return nil, classifySQLiteErr(fmt.Errorf("list memberships: %w", err))
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.TeamID, &m.Active); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveMembership(ctx context.Context, m Membership) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO team_memberships (user_id, team_id, active) VALUES (?,?,?)
		ON CONFLICT (user_id, team_id) DO UPDATE SET active=excluded.active`,
		m.UserID, m.TeamID, m.Active,
	)
	if err != nil {
		return classifySQLiteErr(fmt.Errorf("save membership: %w", err))
	}
	return nil
}

func (s *SQLiteStore) InsertAttachment(ctx context.Context, a Attachment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO task_attachments (id, task_id, file_name, storage_path, uploaded_by, created_at)
		VALUES (?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.FileName, a.StoragePath, a.UploadedBy, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return classifySQLiteErr(fmt.Errorf("insert attachment: %w", err))
	}
	return nil
}

func (s *SQLiteStore) FindAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var (
		a       Attachment
		created int64
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, task_id, file_name, storage_path, uploaded_by, created_at FROM task_attachments WHERE id=?`,
		attachmentID,
	).Scan(&a.ID, &a.TaskID, &a.FileName, &a.StoragePath, &a.UploadedBy, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attachment{}, ErrStoreNotFound
		}
		return Attachment{}, classifySQLiteErr(fmt.Errorf("get attachment: %w", err))
	}
	a.CreatedAt = fromUnixNano(created)
	return a, nil
}

func (s *SQLiteStore) ListAttachments(ctx context.Context, taskIDs []string) ([]Attachment, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	ph, args := sqlitePlaceholders(taskIDs)
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, task_id, file_name, storage_path, uploaded_by, created_at
		   FROM task_attachments WHERE task_id IN (`+ph+`) ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, classifySQLiteErr(fmt.Errorf("list attachments: %w", err))
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var (
			a       Attachment
			created int64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.FileName, &a.StoragePath, &a.UploadedBy, &created); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.CreatedAt = fromUnixNano(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM task_attachments WHERE id=?`, attachmentID)
	if err != nil {
		return classifySQLiteErr(fmt.Errorf("delete attachment: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil || s.inTx {
		return nil
	}
	return s.db.Close()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row sqliteScanner) (Task, error) {
	var (
		task     Task
		status   string
		priority string
		typ      string
		assignee sql.NullString
		team     sql.NullString
		parent   sql.NullString
		created  int64
		updated  int64
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&status,
		&priority,
		&typ,
		&task.CreatorID,
		&assignee,
		&team,
		&parent,
		&created,
		&updated,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	task.Priority = Priority(priority)
	task.Type = TaskType(typ)
	task.AssigneeID = stringPtr(assignee)
	task.TeamID = stringPtr(team)
	task.ParentTaskID = stringPtr(parent)
	task.CreatedAt = fromUnixNano(created)
	task.UpdatedAt = fromUnixNano(updated)
	return task, nil
}

func sqlitePlaceholders(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

// classifySQLiteErr maps driver codes onto the store sentinels.
func classifySQLiteErr(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch code := se.Code(); {
	case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", ErrStoreDuplicate, err)
	case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %v", ErrStoreNotFound, err)
	case code&0xff == sqlite3.SQLITE_BUSY || code&0xff == sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", ErrStoreConflict, err)
	}
	return err
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
