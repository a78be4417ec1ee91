// Package sqlite provides the durable task registry backed by SQLite.
// The database is the source of truth for task state and the ID sequence,
// which makes both survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"hive/internal/log"
	"hive/internal/pubsub"
	"hive/internal/task"
)

// Schema is applied on every open. AUTOINCREMENT guarantees the sequence
// never reuses a number, even after rows are deleted or the process restarts.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL,
	state TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Registry is a task.Registry persisted in SQLite.
type Registry struct {
	db        *sql.DB
	ownsDB    bool
	publisher pubsub.Publisher[task.Task]
}

// Option configures a Registry.
type Option func(*Registry)

// WithEventPublisher mirrors every create and state change onto a broker so
// observers (status views, tests) can watch task activity.
func WithEventPublisher(p pubsub.Publisher[task.Task]) Option {
	return func(r *Registry) {
		r.publisher = p
	}
}

// Open opens (or creates) the registry database at path and applies the
// schema.
func Open(path string, opts ...Option) (*Registry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// a single connection serializes writers and keeps :memory: handles
	// coherent; the busy timeout covers overlapping CLI invocations
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set registry busy timeout: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	r := NewRegistry(db, opts...)
	r.ownsDB = true
	return r, nil
}

// NewRegistry wraps an existing database handle. The caller keeps ownership
// of db and must have applied Schema.
func NewRegistry(db *sql.DB, opts ...Option) *Registry {
	r := &Registry{db: db}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Create(ctx context.Context, payload string) (task.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Insert with a placeholder ID to claim the next sequence number, then
	// stamp the formatted ID in the same transaction.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (task_id, payload, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		placeholderID(), payload, string(task.StateSubmitted), now, now,
	)
	if err != nil {
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}

	id := task.FormatID(seq)
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET task_id = ? WHERE seq = ?`, id, seq); err != nil {
		if isUniqueViolation(err) {
			return task.Task{}, &task.DuplicateTaskIDError{TaskID: id}
		}
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}

	t := task.Task{
		ID:        id,
		Payload:   payload,
		State:     task.StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	log.Info(log.CatTask, "task created", "task", id)
	r.publish(pubsub.CreatedEvent, t)
	return t, nil
}

func (r *Registry) Get(ctx context.Context, id string) (task.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT task_id, payload, state, assigned_to, failure_reason, created_at, updated_at
		 FROM tasks WHERE task_id = ?`, id)
	return scanTask(row)
}

func (r *Registry) Transition(ctx context.Context, id string, to task.State, opts ...task.TransitionOption) (task.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Task{}, fmt.Errorf("transition task %s: %w", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT task_id, payload, state, assigned_to, failure_reason, created_at, updated_at
		 FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return task.Task{}, err
	}

	if !t.State.CanTransitionTo(to) {
		return task.Task{}, &task.InvalidTransitionError{TaskID: id, From: t.State, To: to}
	}

	from := t.State
	t.State = to
	for _, opt := range opts {
		opt(&t)
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET state = ?, assigned_to = ?, failure_reason = ?, updated_at = ? WHERE task_id = ?`,
		string(t.State), t.AssignedTo, t.FailureReason, t.UpdatedAt, id,
	)
	if err != nil {
		return task.Task{}, fmt.Errorf("transition task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return task.Task{}, fmt.Errorf("transition task %s: %w", id, err)
	}

	log.Info(log.CatTask, "task transitioned", "task", id, "from", from, "to", to)
	r.publish(pubsub.UpdatedEvent, t)
	return t, nil
}

func (r *Registry) All(ctx context.Context) ([]task.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT task_id, payload, state, assigned_to, failure_reason, created_at, updated_at
		 FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *Registry) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

func (r *Registry) publish(eventType pubsub.EventType, t task.Task) {
	if r.publisher != nil {
		r.publisher.Publish(eventType, t)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var t task.Task
	var state string
	err := row.Scan(&t.ID, &t.Payload, &state, &t.AssignedTo, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrTaskNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.State = task.State(state)
	return t, nil
}

// placeholderID must be unique per insert so the UNIQUE constraint on
// task_id does not reject concurrent creates before the real ID is stamped.
func placeholderID() string {
	return "pending-" + uuid.New().String()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
