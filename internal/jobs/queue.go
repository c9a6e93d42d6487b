package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viescolaire/procto/internal/db"
)

// Handler executes one task kind; the returned value is stored as the task
// result.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Queue is the Postgres-backed task queue behind long-running work (batch
// rasterisation, bulk export). Claims use SKIP LOCKED so several workers
// can poll the same table.
type Queue struct {
	database *sql.DB
	handlers map[string]Handler
	log      *zap.SugaredLogger
}

func NewQueue(database *sql.DB, log *zap.SugaredLogger) *Queue {
	return &Queue{
		database: database,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

func (q *Queue) Register(kind string, h Handler) { q.handlers[kind] = h }

// Enqueue stores a PENDING task and returns its id for status polling.
func (q *Queue) Enqueue(ctx context.Context, kind string, args any) (string, error) {
	if _, ok := q.handlers[kind]; !ok {
		return "", fmt.Errorf("unknown task kind %q", kind)
	}
	id := uuid.NewString()
	if err := db.InsertTask(ctx, q.database, id, kind, args); err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) Status(ctx context.Context, id string) (*db.Task, error) {
	return db.GetTask(ctx, q.database, id)
}

// RunOnce claims and executes at most one pending task. Returns false when
// the queue was empty.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	var task *db.Task
	err := db.Within(ctx, q.database, func(tx *sql.Tx) error {
		var err error
		task, err = db.ClaimNextTask(ctx, tx)
		return err
	})
	if err != nil || task == nil {
		return false, err
	}

	h, ok := q.handlers[task.Kind]
	if !ok {
		_ = db.FinishTask(ctx, q.database, task.ID, db.TaskFailure,
			map[string]any{"error": "no handler for kind " + task.Kind})
		return true, nil
	}

	result, herr := h(ctx, task.Args)
	if herr != nil {
		q.log.Errorw("task failed", "task_id", task.ID, "kind", task.Kind, "err", herr)
		_ = db.FinishTask(ctx, q.database, task.ID, db.TaskFailure, map[string]any{"error": herr.Error()})
		return true, nil
	}
	return true, db.FinishTask(ctx, q.database, task.ID, db.TaskSuccess, result)
}

// Drain keeps executing until the queue is empty (used by the runner tick).
func (q *Queue) Drain(ctx context.Context) error {
	for {
		ran, err := q.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}
