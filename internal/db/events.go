package db

import (
	"context"
	"encoding/json"

	"github.com/viescolaire/procto/internal/models"
)

func InsertEvent(ctx context.Context, q Querier, e models.GradingEvent) (int64, error) {
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO grading_events (copy_id, action, actor, at, meta)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, e.CopyID, string(e.Action), e.Actor, e.At, raw).Scan(&id)
	return id, err
}

// HasSuccessfulFinalizeEvent backs the get-or-create on FINALIZE so retried
// commits never duplicate the success row.
func HasSuccessfulFinalizeEvent(ctx context.Context, q Querier, copyID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM grading_events
		WHERE copy_id = $1 AND action = 'FINALIZE' AND COALESCE(meta->>'success', 'true') <> 'false'
	`, copyID).Scan(&n)
	return n > 0, err
}

func ListEventsByCopy(ctx context.Context, q Querier, copyID int64, desc bool) ([]models.GradingEvent, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, copy_id, action, actor, at, meta
		FROM grading_events WHERE copy_id = $1 ORDER BY at `+order+`, id `+order, copyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.GradingEvent
	for rows.Next() {
		var e models.GradingEvent
		var action string
		var raw []byte
		if err := rows.Scan(&e.ID, &e.CopyID, &action, &e.Actor, &e.At, &raw); err != nil {
			return nil, err
		}
		e.Action = models.EventAction(action)
		if err := json.Unmarshal(raw, &e.Meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents is a test helper kept in the store for symmetry with reads.
func CountEvents(ctx context.Context, q Querier, copyID int64, action models.EventAction) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM grading_events WHERE copy_id = $1 AND action = $2
	`, copyID, string(action)).Scan(&n)
	return n, err
}
