package db

import (
	"context"
	"database/sql"

	"github.com/viescolaire/procto/internal/models"
)

// UpsertQuestionScore keeps (copy, question) unique; a re-grade overwrites.
func UpsertQuestionScore(ctx context.Context, q Querier, s models.QuestionScore) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO question_scores (copy_id, question, score, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (copy_id, question) DO UPDATE SET score = EXCLUDED.score, created_by = EXCLUDED.created_by
	`, s.CopyID, s.Question, s.Score, s.CreatedBy)
	return err
}

func ListQuestionScoresByCopy(ctx context.Context, q Querier, copyID int64) ([]models.QuestionScore, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, copy_id, question, score, created_by
		FROM question_scores WHERE copy_id = $1 ORDER BY question
	`, copyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.QuestionScore
	for rows.Next() {
		var s models.QuestionScore
		if err := rows.Scan(&s.ID, &s.CopyID, &s.Question, &s.Score, &s.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReassignQuestionScores moves source scores to the merge target except
// where the target already scored that question (target wins).
func ReassignQuestionScores(ctx context.Context, tx *sql.Tx, srcCopyID, dstCopyID int64) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE question_scores src
		SET copy_id = $1
		WHERE src.copy_id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM question_scores dst
			WHERE dst.copy_id = $1 AND dst.question = src.question
		  )
	`, dstCopyID, srcCopyID)
	if err != nil {
		return 0, err
	}
	moved, _ := res.RowsAffected()
	// leftovers are the target-wins losers
	if _, err := tx.ExecContext(ctx, `DELETE FROM question_scores WHERE copy_id = $1`, srcCopyID); err != nil {
		return 0, err
	}
	return int(moved), nil
}

func InsertQuestionRemark(ctx context.Context, q Querier, r models.QuestionRemark) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO question_remarks (copy_id, question, remark, created_by)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, r.CopyID, r.Question, r.Remark, r.CreatedBy).Scan(&id)
	return id, err
}

func ListQuestionRemarksByCopy(ctx context.Context, q Querier, copyID int64) ([]models.QuestionRemark, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, copy_id, question, remark, created_by
		FROM question_remarks WHERE copy_id = $1 ORDER BY id
	`, copyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.QuestionRemark
	for rows.Next() {
		var r models.QuestionRemark
		if err := rows.Scan(&r.ID, &r.CopyID, &r.Question, &r.Remark, &r.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReassignQuestionRemarks applies the same target-wins rule as scores,
// keyed by (copy, question).
func ReassignQuestionRemarks(ctx context.Context, tx *sql.Tx, srcCopyID, dstCopyID int64) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE question_remarks src
		SET copy_id = $1
		WHERE src.copy_id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM question_remarks dst
			WHERE dst.copy_id = $1 AND dst.question = src.question
		  )
	`, dstCopyID, srcCopyID)
	if err != nil {
		return 0, err
	}
	moved, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM question_remarks WHERE copy_id = $1`, srcCopyID); err != nil {
		return 0, err
	}
	return int(moved), nil
}
