package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskStarted TaskState = "STARTED"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
)

type Task struct {
	ID        string
	Kind      string
	Args      json.RawMessage
	State     TaskState
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

func InsertTask(ctx context.Context, q Querier, id, kind string, args any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, args) VALUES ($1, $2, $3)
	`, id, kind, raw)
	return err
}

func GetTask(ctx context.Context, q Querier, id string) (*Task, error) {
	var t Task
	var state string
	err := q.QueryRowContext(ctx, `
		SELECT id, kind, args, state, result, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.Kind, &t.Args, &state, &t.Result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.State = TaskState(state)
	return &t, nil
}

// ClaimNextTask grabs one pending task with SKIP LOCKED so workers never
// contend on the same row.
func ClaimNextTask(ctx context.Context, tx *sql.Tx) (*Task, error) {
	var t Task
	var state string
	err := tx.QueryRowContext(ctx, `
		SELECT id, kind, args, state, result, created_at, updated_at
		FROM tasks WHERE state = 'PENDING'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`).Scan(&t.ID, &t.Kind, &t.Args, &state, &t.Result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.State = TaskState(state)
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = 'STARTED', updated_at = now() WHERE id = $1
	`, t.ID); err != nil {
		return nil, err
	}
	t.State = TaskStarted
	return &t, nil
}

func FinishTask(ctx context.Context, q Querier, id string, state TaskState, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE tasks SET state = $1, result = $2, updated_at = now() WHERE id = $3
	`, string(state), raw, id)
	return err
}
