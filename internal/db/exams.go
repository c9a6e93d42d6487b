package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/viescolaire/procto/internal/models"
)

func CreateExam(ctx context.Context, tx *sql.Tx, e models.Exam) (int64, error) {
	raw, err := e.Schema.MarshalSchema()
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO exams (name, exam_date, upload_mode, scoring_schema)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, e.Name, e.Date, string(e.UploadMode), raw).Scan(&id)
	if err != nil {
		return 0, err
	}
	for i, uid := range e.Correctors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exam_correctors (exam_id, user_id, position) VALUES ($1, $2, $3)
		`, id, uid, i); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func GetExam(ctx context.Context, q Querier, id int64) (*models.Exam, error) {
	var e models.Exam
	var raw []byte
	var mode string
	err := q.QueryRowContext(ctx, `
		SELECT id, name, exam_date, upload_mode, scoring_schema, results_released_at, created_at
		FROM exams WHERE id = $1
	`, id).Scan(&e.ID, &e.Name, &e.Date, &mode, &raw, &e.ResultsReleasedAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.UploadMode = models.UploadMode(mode)
	if e.Schema, err = models.UnmarshalSchema(raw); err != nil {
		return nil, err
	}
	if e.Correctors, err = ExamCorrectors(ctx, q, id); err != nil {
		return nil, err
	}
	return &e, nil
}

// ExamCorrectors returns corrector user ids in their configured order.
func ExamCorrectors(ctx context.Context, q Querier, examID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM exam_correctors WHERE exam_id = $1 ORDER BY position
	`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func IsCorrector(ctx context.Context, q Querier, examID, userID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM exam_correctors WHERE exam_id = $1 AND user_id = $2
	`, examID, userID).Scan(&n)
	return n > 0, err
}

// ExamHasNonStagingCopies tells whether the barème is frozen.
func ExamHasNonStagingCopies(ctx context.Context, q Querier, examID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM copies WHERE exam_id = $1 AND status <> 'STAGING'
	`, examID).Scan(&n)
	return n > 0, err
}

func UpdateExamSchema(ctx context.Context, q Querier, examID int64, schema models.ScoringNode) error {
	raw, err := schema.MarshalSchema()
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE exams SET scoring_schema = $1 WHERE id = $2`, raw, examID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func ReleaseExamResults(ctx context.Context, q Querier, examID int64, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE exams SET results_released_at = $1 WHERE id = $2
	`, at, examID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func CreateExamSourcePDF(ctx context.Context, q Querier, examID int64, blobPath string, pageCount int) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO exam_source_pdfs (exam_id, blob_path, page_count)
		VALUES ($1, $2, $3) RETURNING id
	`, examID, blobPath, pageCount).Scan(&id)
	return id, err
}
