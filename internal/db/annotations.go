package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/viescolaire/procto/internal/models"
)

const annotationColumns = `
	id, copy_id, page_index, x, y, w, h, content, kind, score_delta,
	created_by, version, created_at, updated_at`

func scanAnnotation(row interface{ Scan(...any) error }) (*models.Annotation, error) {
	var a models.Annotation
	var kind string
	err := row.Scan(
		&a.ID, &a.CopyID, &a.PageIndex, &a.X, &a.Y, &a.W, &a.H, &a.Content,
		&kind, &a.ScoreDelta, &a.CreatedBy, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Kind = models.AnnotationKind(kind)
	return &a, nil
}

func InsertAnnotation(ctx context.Context, q Querier, a models.Annotation) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO annotations (copy_id, page_index, x, y, w, h, content, kind, score_delta, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, a.CopyID, a.PageIndex, a.X, a.Y, a.W, a.H, a.Content, string(a.Kind), a.ScoreDelta, a.CreatedBy).Scan(&id)
	return id, err
}

func GetAnnotation(ctx context.Context, q Querier, id int64) (*models.Annotation, error) {
	return scanAnnotation(q.QueryRowContext(ctx,
		`SELECT`+annotationColumns+` FROM annotations WHERE id = $1`, id))
}

func ListAnnotationsByCopy(ctx context.Context, q Querier, copyID int64) ([]models.Annotation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT`+annotationColumns+` FROM annotations WHERE copy_id = $1 ORDER BY page_index, id`, copyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAnnotationVersioned applies the optimistic update: zero rows
// affected means the caller lost the version race.
func UpdateAnnotationVersioned(ctx context.Context, q Querier, a models.Annotation, expectedVersion int) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE annotations
		SET page_index = $1, x = $2, y = $3, w = $4, h = $5,
		    content = $6, kind = $7, score_delta = $8,
		    version = version + 1, updated_at = now()
		WHERE id = $9 AND version = $10
	`, a.PageIndex, a.X, a.Y, a.W, a.H, a.Content, string(a.Kind), a.ScoreDelta, a.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func DeleteAnnotation(ctx context.Context, q Querier, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM annotations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func ReassignAnnotations(ctx context.Context, tx *sql.Tx, srcCopyID, dstCopyID int64) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE annotations SET copy_id = $1 WHERE copy_id = $2
	`, dstCopyID, srcCopyID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
