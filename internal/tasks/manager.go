package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/teamtasks/internal/policy"
	"github.com/ent0n29/teamtasks/internal/reliability"
)

const (
	defaultMaxHierarchyDepth = 1000
	defaultStoreRetries      = 3
	defaultRetryBase         = 25 * time.Millisecond
	defaultRetryCap          = 500 * time.Millisecond
	defaultActivityLimit     = 100
)

// BulkAuthMode selects how bulk operations are authorized.
type BulkAuthMode string

const (
	// BulkAuthStrict checks the role capability and then every task in the batch.
	BulkAuthStrict BulkAuthMode = "strict"
	// BulkAuthCapability only checks the role capability.
	BulkAuthCapability BulkAuthMode = "capability"
)

// Instruments receives operation telemetry. observability.Metrics implements it.
type Instruments interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveBulkSize(op string, n int)
	IncStoreRetry(op string)
	IncCycleRejected(graph string)
	AddActivity(n int)
	SetSubscribers(n int)
}

// AttachmentRemover deletes stored attachment files after their rows are gone.
type AttachmentRemover interface {
	RemoveAll(ctx context.Context, paths []string) error
}

type Options struct {
	Logger            *slog.Logger
	Instruments       Instruments
	Remover           AttachmentRemover
	OperationTimeout  time.Duration
	MaxHierarchyDepth int
	StoreRetries      int
	RetryBase         time.Duration
	RetryCap          time.Duration
	BulkAuth          BulkAuthMode
	Now               func() time.Time
}

type Manager struct {
	store   Store
	log     *slog.Logger
	metrics Instruments
	remover AttachmentRemover
	tracer  trace.Tracer

	opTimeout time.Duration
	maxDepth  int
	retries   int
	retryBase time.Duration
	retryCap  time.Duration
	bulkAuth  BulkAuthMode
	now       func() time.Time

	locks *lockSet
	// graphMu serializes cycle checks with the edge or parent write they guard.
	graphMu sync.Mutex
	feed    *feed
}

func NewManager(store Store, opts Options) *Manager {
	m := &Manager{
		store:     store,
		log:       opts.Logger,
		metrics:   opts.Instruments,
		remover:   opts.Remover,
		tracer:    otel.Tracer("github.com/ent0n29/teamtasks/internal/tasks"),
		opTimeout: opts.OperationTimeout,
		maxDepth:  opts.MaxHierarchyDepth,
		retries:   opts.StoreRetries,
		retryBase: opts.RetryBase,
		retryCap:  opts.RetryCap,
		bulkAuth:  opts.BulkAuth,
		now:       opts.Now,
		locks:     newLockSet(),
		feed:      newFeed(),
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = noopInstruments{}
	}
	if m.maxDepth <= 0 {
		m.maxDepth = defaultMaxHierarchyDepth
	}
	if m.retries <= 0 {
		m.retries = defaultStoreRetries
	}
	if m.retryBase <= 0 {
		m.retryBase = defaultRetryBase
	}
	if m.retryCap < m.retryBase {
		m.retryCap = defaultRetryCap
	}
	if m.bulkAuth == "" {
		m.bulkAuth = BulkAuthCapability
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) Store() Store { return m.store }

// Subscribe streams committed activity. An empty taskID receives every record.
func (m *Manager) Subscribe(taskID string) (<-chan Activity, func()) {
	ch, cancel := m.feed.subscribe(taskID)
	m.metrics.SetSubscribers(m.feed.count())
	return ch, func() {
		cancel()
		m.metrics.SetSubscribers(m.feed.count())
	}
}

// SaveMembership records a team membership fact consumed by authorization.
func (m *Manager) SaveMembership(ctx context.Context, membership Membership) error {
	const op = "save_membership"
	membership.UserID = strings.TrimSpace(membership.UserID)
	membership.TeamID = strings.TrimSpace(membership.TeamID)
	if membership.UserID == "" || membership.TeamID == "" {
		return newError(KindValidation, op, "user_id and team_id are required")
	}
	return m.run(ctx, op, nil, func(ctx context.Context) error {
		return m.atomic(ctx, op, func(tx Store) error {
			return tx.SaveMembership(ctx, membership)
		})
	})
}

// run wraps an operation with its span, per-task locks, timeout and telemetry.
func (m *Manager) run(ctx context.Context, op string, lockIDs []string, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "tasks."+op, trace.WithAttributes(
		attribute.String("tasks.op", op),
		attribute.Int("tasks.count", len(lockIDs)),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			m.logFailure(op, err)
		}
		m.metrics.ObserveOperation(op, outcome, time.Since(start))
		span.End()
	}()

	if m.opTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.opTimeout)
			defer cancel()
		}
	}
	if len(lockIDs) > 0 {
		unlock := m.locks.lock(lockIDs...)
		defer unlock()
	}
	if err := ctx.Err(); err != nil {
		return m.storeErr(op, err)
	}
	return fn(ctx)
}

func (m *Manager) logFailure(op string, err error) {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		m.log.Debug("task operation rejected", "op", op, "code", e.Kind, "message", e.Message)
		return
	}
	m.log.Error("task operation failed", "op", op, "error", err)
}

// atomic runs fn as one store unit, retrying the whole unit on write conflicts.
func (m *Manager) atomic(ctx context.Context, op string, fn func(tx Store) error) error {
	err := reliability.Retry(ctx, m.retries, m.retryBase, m.retryCap,
		func(err error) bool { return errors.Is(err, ErrStoreConflict) },
		func(attempt int, err error) {
			m.metrics.IncStoreRetry(op)
			m.log.Warn("retrying task store unit", "op", op, "attempt", attempt, "error", err)
		},
		func() error { return m.store.Atomic(ctx, fn) },
	)
	if err != nil {
		return m.storeErr(op, err)
	}
	return nil
}

// commit publishes records that are now durable.
func (m *Manager) commit(records []Activity) {
	if len(records) == 0 {
		return
	}
	m.metrics.AddActivity(len(records))
	if dropped := m.feed.publish(records); dropped > 0 {
		m.log.Warn("activity feed subscriber lagging", "dropped", dropped)
	}
}

// storeErr maps store and context failures onto *Error. Causes stay in Err and
// are never rendered in Message.
func (m *Manager) storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindInternal, Op: op, Message: "operation cancelled or timed out", Err: err}
	case errors.Is(err, ErrStoreNotFound):
		return &Error{Kind: KindNotFound, Op: op, Message: "record not found", Err: err}
	case errors.Is(err, ErrStoreDuplicate):
		return &Error{Kind: KindDuplicateEdge, Op: op, Message: "record already exists", Err: err}
	default:
		return &Error{Kind: KindInternal, Op: op, Message: "storage failure", Err: err}
	}
}

// subject refreshes the actor's team memberships from the store.
func (m *Manager) subject(ctx context.Context, st Store, op string, actor Actor) (policy.Subject, error) {
	actor.UserID = strings.TrimSpace(actor.UserID)
	if actor.UserID == "" {
		return policy.Subject{}, newError(KindForbidden, op, "an authenticated actor is required")
	}
	memberships, err := st.ListMemberships(ctx, actor.UserID)
	if err != nil {
		return policy.Subject{}, m.storeErr(op, err)
	}
	actor.Teams = actor.Teams[:0:0]
	for _, ms := range memberships {
		if ms.Active {
			actor.Teams = append(actor.Teams, ms.TeamID)
		}
	}
	return actor.subject(), nil
}

func (m *Manager) loadTask(ctx context.Context, st Store, op, taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, newError(KindValidation, op, "task id is required")
	}
	task, err := st.FindTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, notFound(op, "task", taskID)
		}
		return Task{}, m.storeErr(op, err)
	}
	return task, nil
}

// loadTasks returns the tasks in ids order or a not-found error naming the
// missing ids.
func (m *Manager) loadTasks(ctx context.Context, st Store, op string, ids []string) ([]Task, error) {
	found, err := st.FindTasks(ctx, ids)
	if err != nil {
		return nil, m.storeErr(op, err)
	}
	byID := make(map[string]Task, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	out := make([]Task, 0, len(ids))
	var missing []string
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, t)
	}
	if len(missing) > 0 {
		return nil, &Error{
			Kind:    KindNotFound,
			Op:      op,
			Message: fmt.Sprintf("tasks not found: %s", strings.Join(missing, ", ")),
			TaskIDs: missing,
		}
	}
	return out, nil
}

func authorize(sub policy.Subject, task Task, op string, operation policy.Operation) error {
	d := policy.Decide(sub, task.resource(), operation)
	if d.Allowed {
		return nil
	}
	return &Error{
		Kind:    KindForbidden,
		Op:      op,
		Message: fmt.Sprintf("not allowed to %s task %s", operation, task.ID),
		TaskIDs: []string{task.ID},
	}
}

func (m *Manager) record(at time.Time, actor Actor, taskID string, action ActivityAction, oldValue, newValue *string, description string) Activity {
	return Activity{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		UserID:      actor.UserID,
		Action:      action,
		OldValue:    cloneString(oldValue),
		NewValue:    cloneString(newValue),
		Description: description,
		CreatedAt:   at,
	}
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC()
}

// removeFiles deletes stored attachment files. Failures are logged only.
func (m *Manager) removeFiles(ctx context.Context, op string, attachments []Attachment) {
	if m.remover == nil || len(attachments) == 0 {
		return
	}
	paths := make([]string, 0, len(attachments))
	for _, a := range attachments {
		if a.StoragePath != "" {
			paths = append(paths, a.StoragePath)
		}
	}
	sort.Strings(paths)
	if err := m.remover.RemoveAll(context.WithoutCancel(ctx), paths); err != nil {
		m.log.Warn("attachment file cleanup failed", "op", op, "files", len(paths), "error", err)
	}
}

func strPtr(s string) *string { return &s }

type noopInstruments struct{}

func (noopInstruments) ObserveOperation(string, string, time.Duration) {}
func (noopInstruments) ObserveBulkSize(string, int)                    {}
func (noopInstruments) IncStoreRetry(string)                           {}
func (noopInstruments) IncCycleRejected(string)                        {}
func (noopInstruments) AddActivity(int)                                {}
func (noopInstruments) SetSubscribers(int)                             {}
