package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgQuerier
	inTx bool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, q: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied := make(map[int]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	migs, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
				}
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`,
				m.Version, time.Now().Unix())
			return err
		}); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

// Atomic runs fn in a SERIALIZABLE transaction; serialization failures surface
// as ErrStoreConflict so the caller can retry the whole unit.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyPgErr(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PostgresStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgErr(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

const pgTaskColumns = `id, title, description, status, priority, type, creator_id, assignee_id,
	team_id, parent_task_id, created_at, updated_at`

func (s *PostgresStore) FindTask(ctx context.Context, taskID string) (Task, error) {
	row := s.q.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanPgTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, classifyPgErr(fmt.Errorf("get task: %w", err))
	}
	return task, nil
}

func (s *PostgresStore) FindTasks(ctx context.Context, taskIDs []string) ([]Task, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	return s.queryTasks(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = ANY($1)`, taskIDs)
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE parent_task_id=$1 ORDER BY created_at ASC, id ASC`,
		parentID,
	)
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgErr(fmt.Errorf("list tasks: %w", err))
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanPgTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgErr(fmt.Errorf("iterate task rows: %w", err))
	}
	return out, nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO tasks (`+pgTaskColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			description=EXCLUDED.description,
			status=EXCLUDED.status,
			priority=EXCLUDED.priority,
			type=EXCLUDED.type,
			assignee_id=EXCLUDED.assignee_id,
			team_id=EXCLUDED.team_id,
			parent_task_id=EXCLUDED.parent_task_id,
			updated_at=EXCLUDED.updated_at`,
		task.ID,
		task.Title,
		task.Description,
		string(task.Status),
		string(task.Priority),
		string(task.Type),
		task.CreatorID,
		task.AssigneeID,
		task.TeamID,
		task.ParentTaskID,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return classifyPgErr(fmt.Errorf("upsert task: %w", err))
	}
	return nil
}

func (s *PostgresStore) BatchUpdateTasks(ctx context.Context, taskIDs []string, patch TaskPatch) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	sets := []string{"updated_at=$2"}
	args := []any{taskIDs, patch.UpdatedAt}
	if patch.Status != nil {
		args = append(args, string(*patch.Status))
		sets = append(sets, "status=$"+strconv.Itoa(len(args)))
	}
	if patch.SetAssignee {
		args = append(args, patch.AssigneeID)
		sets = append(sets, "assignee_id=$"+strconv.Itoa(len(args)))
	}
	if patch.SetParent {
		args = append(args, patch.ParentID)
		sets = append(sets, "parent_task_id=$"+strconv.Itoa(len(args)))
	}
	tag, err := s.q.Exec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ANY($1)`, args...)
	if err != nil {
		return 0, classifyPgErr(fmt.Errorf("batch update tasks: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteTasks(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	cleanup := []string{
		`DELETE FROM task_dependencies WHERE dependent_task_id = ANY($1) OR blocking_task_id = ANY($1)`,
		`DELETE FROM task_activity WHERE task_id = ANY($1)`,
		`DELETE FROM task_attachments WHERE task_id = ANY($1)`,
		`UPDATE tasks SET parent_task_id=NULL WHERE parent_task_id = ANY($1)`,
	}
	for _, stmt := range cleanup {
		if _, err := s.q.Exec(ctx, stmt, taskIDs); err != nil {
			return 0, classifyPgErr(fmt.Errorf("delete task relations: %w", err))
		}
	}
	tag, err := s.q.Exec(ctx, `DELETE FROM tasks WHERE id = ANY($1)`, taskIDs)
	if err != nil {
		return 0, classifyPgErr(fmt.Errorf("delete tasks: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) FindEdges(ctx context.Context, filter EdgeFilter) ([]Dependency, error) {
	var (
		where []string
		args  []any
	)
	if filter.ID != "" {
		args = append(args, filter.ID)
		where = append(where, "id=$"+strconv.Itoa(len(args)))
	}
	if filter.DependentID != "" {
		args = append(args, filter.DependentID)
		where = append(where, "dependent_task_id=$"+strconv.Itoa(len(args)))
	}
	if filter.BlockingID != "" {
		args = append(args, filter.BlockingID)
		where = append(where, "blocking_task_id=$"+strconv.Itoa(len(args)))
	}
	query := `SELECT id, dependent_task_id, blocking_task_id, created_at FROM task_dependencies`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgErr(fmt.Errorf("list dependencies: %w", err))
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.ID, &d.DependentTaskID, &d.BlockingTaskID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgErr(fmt.Errorf("iterate dependency rows: %w", err))
	}
	return out, nil
}

func (s *PostgresStore) InsertEdge(ctx context.Context, edge Dependency) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO task_dependencies (id, dependent_task_id, blocking_task_id, created_at) VALUES ($1,$2,$3,$4)`,
		edge.ID, edge.DependentTaskID, edge.BlockingTaskID, edge.CreatedAt,
	)
	if err != nil {
		return classifyPgErr(fmt.Errorf("insert dependency: %w", err))
	}
	return nil
}

func (s *PostgresStore) DeleteEdge(ctx context.Context, edgeID string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM task_dependencies WHERE id=$1`, edgeID)
	if err != nil {
		return classifyPgErr(fmt.Errorf("delete dependency: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, records ...Activity) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO task_activity (id, task_id, user_id, action, old_value, new_value, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			r.ID, r.TaskID, r.UserID, string(r.Action), r.OldValue, r.NewValue, r.Description, r.CreatedAt,
		)
	}
	br := s.sendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return classifyPgErr(fmt.Errorf("insert activity: %w", err))
		}
	}
	return nil
}

func (s *PostgresStore) sendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	if tx, ok := s.q.(pgx.Tx); ok {
		return tx.SendBatch(ctx, b)
	}
	return s.pool.SendBatch(ctx, b)
}

func (s *PostgresStore) ListActivity(ctx context.Context, taskID string, limit int) ([]Activity, error) {
	query := `SELECT seq, id, task_id, user_id, action, old_value, new_value, description, created_at
		   FROM task_activity WHERE task_id=$1 ORDER BY created_at DESC, seq DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgErr(fmt.Errorf("list activity: %w", err))
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			a      Activity
			action string
		)
		if err := rows.Scan(&a.Seq, &a.ID, &a.TaskID, &a.UserID, &action, &a.OldValue, &a.NewValue, &a.Description, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Action = ActivityAction(action)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgErr(fmt.Errorf("iterate activity rows: %w", err))
	}
	return out, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.q.Query(ctx,
		`SELECT user_id, team_id, active FROM team_memberships WHERE user_id=$1 ORDER BY team_id`, userID)
	if err != nil {
		return nil, classifyPgErr(fmt.Errorf("list memberships: %w", err))
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

func (s *PostgresStore) SaveMembership(ctx context.Context, m Membership) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO team_memberships (user_id, team_id, active) VALUES ($1,$2,$3)
		ON CONFLICT (user_id, team_id) DO UPDATE SET active=EXCLUDED.active`,
		m.UserID, m.TeamID, m.Active,
	)
	if err != nil {
		return classifyPgErr(fmt.Errorf("save membership: %w", err))
	}
	return nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO task_attachments (id, task_id, file_name, storage_path, uploaded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.TaskID, a.FileName, a.StoragePath, a.UploadedBy, a.CreatedAt,
	)
	if err != nil {
		return classifyPgErr(fmt.Errorf("insert attachment: %w", err))
	}
	return nil
}

func (s *PostgresStore) FindAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var a Attachment
	err := s.q.QueryRow(ctx,
		`SELECT id, task_id, file_name, storage_path, uploaded_by, created_at FROM task_attachments WHERE id=$1`,
		attachmentID,
	).Scan(&a.ID, &a.TaskID, &a.FileName, &a.StoragePath, &a.UploadedBy, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attachment{}, ErrStoreNotFound
		}
		return Attachment{}, classifyPgErr(fmt.Errorf("get attachment: %w", err))
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, taskIDs []string) ([]Attachment, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, task_id, file_name, storage_path, uploaded_by, created_at
		   FROM task_attachments WHERE task_id = ANY($1) ORDER BY created_at ASC`,
		taskIDs,
	)
	if err != nil {
		return nil, classifyPgErr(fmt.Errorf("list attachments: %w", err))
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.FileName, &a.StoragePath, &a.UploadedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM task_attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return classifyPgErr(fmt.Errorf("delete attachment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	if s.inTx {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanPgTask(row pgx.Row) (Task, error) {
	var (
		task     Task
		status   string
		priority string
		typ      string
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&status,
		&priority,
		&typ,
		&task.CreatorID,
		&task.AssigneeID,
		&task.TeamID,
		&task.ParentTaskID,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	task.Priority = Priority(priority)
	task.Type = TaskType(typ)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return task, nil
}

func classifyPgErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %v", ErrStoreDuplicate, err)
	case "23503":
		return fmt.Errorf("%w: %v", ErrStoreNotFound, err)
	case "40001", "40P01":
		return fmt.Errorf("%w: %v", ErrStoreConflict, err)
	}
	return err
}
