// Task queue storage: enqueue writes QUEUED, claim_next flips the oldest
// QUEUED row to PROCESSING inside the same transaction it reads it in.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/discodeploy/disco/pkg/disco"
)

type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

type Task struct {
	ID        string
	Name      string
	Status    TaskStatus
	Body      string
	Result    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *DB) Enqueue(ctx context.Context, name, body string) (*Task, error) {
	t := &Task{ID: NewID(), Name: name, Status: TaskQueued, Body: body}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO tasks (id, name, status, body) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Status, t.Body)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	return t, nil
}

// ClaimNext atomically selects the oldest QUEUED task and flips it to
// PROCESSING in the same transaction; returns nil, nil when the queue is
// empty.
func (d *DB) ClaimNext(ctx context.Context) (*Task, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, disco.InternalError(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, name, status, body, result, created_at, updated_at FROM tasks
		 WHERE status = ? ORDER BY created_at ASC LIMIT 1`, TaskQueued)

	t, err := scanTask(row)
	if err != nil {
		if disco.Is(err, disco.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, TaskProcessing, t.ID); err != nil {
		return nil, disco.InternalError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, disco.InternalError(err)
	}
	t.Status = TaskProcessing
	return t, nil
}

// Complete is idempotent: calling it twice on a terminal task is a no-op
// the second time.
func (d *DB) Complete(ctx context.Context, id, result string) error {
	return d.finish(ctx, id, TaskCompleted, result)
}

func (d *DB) Fail(ctx context.Context, id, result string) error {
	return d.finish(ctx, id, TaskFailed, result)
}

func (d *DB) finish(ctx context.Context, id string, status TaskStatus, result string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN (?, ?)`,
		status, result, id, TaskCompleted, TaskFailed)
	if err != nil {
		return disco.InternalError(err)
	}
	return nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var result sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Body, &result, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, disco.NotFound("no queued task")
		}
		return nil, disco.InternalError(err)
	}
	t.Result = result.String
	return &t, nil
}
