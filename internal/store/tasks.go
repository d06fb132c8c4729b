package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

const taskColumns = `id, title, notes, completed, completed_at, due_at, priority,
	attributes, created_at, last_modified_at, deleted_at`

// FindTask loads a task by id, including tombstones.
// Returns ErrNotFound if no row exists.
func (t *Tx) FindTask(ctx context.Context, id string) (*schema.Task, error) {
	return findTask(ctx, t, id)
}

// InsertTask inserts a new task row. The task must validate.
func (t *Tx) InsertTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	args, err := taskArgs(task)
	if err != nil {
		return err
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := t.ExecContext(ctx, query, args...); err != nil {
		return storageErr(fmt.Sprintf("failed to insert task %s", task.ID), err)
	}
	return nil
}

// PutTask writes task unconditionally, inserting or replacing every column.
// Used when a pulled remote record overwrites local state.
func (t *Tx) PutTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	args, err := taskArgs(task)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		notes = excluded.notes,
		completed = excluded.completed,
		completed_at = excluded.completed_at,
		due_at = excluded.due_at,
		priority = excluded.priority,
		attributes = excluded.attributes,
		created_at = excluded.created_at,
		last_modified_at = excluded.last_modified_at,
		deleted_at = excluded.deleted_at
	`
	if _, err := t.ExecContext(ctx, query, args...); err != nil {
		return storageErr(fmt.Sprintf("failed to upsert task %s", task.ID), err)
	}
	return nil
}

// UpdateTask loads the task, applies mutator and writes the result back.
// Returns ErrNotFound if the task does not exist. The mutator is
// responsible for stamping LastModifiedAt.
func (t *Tx) UpdateTask(ctx context.Context, id string, mutator func(*schema.Task) error) (*schema.Task, error) {
	task, err := t.FindTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := mutator(task); err != nil {
		return nil, err
	}
	if task.ID != id {
		return nil, fmt.Errorf("task id cannot change (%s -> %s)", id, task.ID)
	}

	if err := t.PutTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask loads a task by id outside a write block.
func (db *DB) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	return findTask(ctx, db.conn, id)
}

// ListTasksFilter restricts ListTasks results.
type ListTasksFilter struct {
	// IncludeCompleted includes completed tasks
	IncludeCompleted bool
	// IncludeDeleted includes tombstones
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListTasks retrieves tasks matching the filter.
// Results are ordered by priority DESC (4 first), then created_at ASC, then id.
func (db *DB) ListTasks(ctx context.Context, filter ListTasksFilter) ([]*schema.Task, error) {
	var conditions []string
	var args []any

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if !filter.IncludeCompleted {
		conditions = append(conditions, "completed = 0")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to list tasks", err)
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("error iterating tasks", err)
	}
	return tasks, nil
}

// TaskCount returns the number of live (non-deleted) tasks.
func (db *DB) TaskCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE deleted_at IS NULL").Scan(&count)
	if err != nil {
		return 0, storageErr("failed to count tasks", err)
	}
	return count, nil
}

func findTask(ctx context.Context, q Querier, id string) (*schema.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*schema.Task, error) {
	var task schema.Task
	var completed int
	var attrs sql.NullString
	var createdAt, modifiedAt string
	var completedAt, dueAt, deletedAt sql.NullString

	err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Notes,
		&completed,
		&completedAt,
		&dueAt,
		&task.Priority,
		&attrs,
		&createdAt,
		&modifiedAt,
		&deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("failed to scan task", err)
	}

	task.Completed = completed != 0
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s: bad created_at: %w", task.ID, err)
	}
	if task.LastModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, fmt.Errorf("task %s: bad last_modified_at: %w", task.ID, err)
	}
	task.CompletedAt = nullStringToTime(completedAt)
	task.DueAt = nullStringToTime(dueAt)
	task.DeletedAt = nullStringToTime(deletedAt)

	if attrs.Valid && attrs.String != "" && attrs.String != "null" {
		if err := json.Unmarshal([]byte(attrs.String), &task.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}

	return &task, nil
}

func taskArgs(task *schema.Task) ([]any, error) {
	var attrs sql.NullString
	if len(task.Attributes) > 0 {
		data, err := json.Marshal(task.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attributes: %w", err)
		}
		attrs = sql.NullString{String: string(data), Valid: true}
	}

	completed := 0
	if task.Completed {
		completed = 1
	}

	return []any{
		task.ID,
		task.Title,
		task.Notes,
		completed,
		timeToNullString(task.CompletedAt),
		timeToNullString(task.DueAt),
		task.Priority,
		attrs,
		formatTime(task.CreatedAt),
		formatTime(task.LastModifiedAt),
		timeToNullString(task.DeletedAt),
	}, nil
}

// timeLayout is RFC 3339 with a fixed nine-digit fraction, so stored text
// sorts in time order. Last-write-wins compares timestamps after a round
// trip, so sub-second digits must survive too.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders t in UTC with timeLayout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
