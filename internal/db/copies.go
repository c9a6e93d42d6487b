package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/viescolaire/procto/internal/models"
)

const copyColumns = `
	id, exam_id, anonymous_id, status, student_id, is_identified, validated_at,
	assigned_corrector, assigned_at, dispatch_run_id, locked_by, locked_at,
	graded_at, grading_retries, grading_error, final_pdf, appreciation, created_at`

func scanCopy(row interface{ Scan(...any) error }) (*models.Copy, error) {
	var c models.Copy
	var status string
	err := row.Scan(
		&c.ID, &c.ExamID, &c.AnonymousID, &status, &c.StudentID, &c.IsIdentified,
		&c.ValidatedAt, &c.AssignedCorrector, &c.AssignedAt, &c.DispatchRunID,
		&c.LockedBy, &c.LockedAt, &c.GradedAt, &c.GradingRetries, &c.GradingError,
		&c.FinalPDF, &c.Appreciation, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.CopyStatus(status)
	return &c, nil
}

func CreateCopy(ctx context.Context, q Querier, examID int64, anonymousID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO copies (exam_id, anonymous_id) VALUES ($1, $2) RETURNING id
	`, examID, anonymousID).Scan(&id)
	return id, err
}

func GetCopy(ctx context.Context, q Querier, id int64) (*models.Copy, error) {
	return scanCopy(q.QueryRowContext(ctx, `SELECT`+copyColumns+` FROM copies WHERE id = $1`, id))
}

// GetCopyForUpdate takes the row lock every copy-mutating path serialises on.
func GetCopyForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Copy, error) {
	return scanCopy(tx.QueryRowContext(ctx, `SELECT`+copyColumns+` FROM copies WHERE id = $1 FOR UPDATE`, id))
}

func ListCopiesByExam(ctx context.Context, q Querier, examID int64) ([]models.Copy, error) {
	rows, err := q.QueryContext(ctx, `SELECT`+copyColumns+` FROM copies WHERE exam_id = $1 ORDER BY id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Copy
	for rows.Next() {
		c, err := scanCopy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CandidateCopiesForDispatch selects READY unassigned copies with SKIP LOCKED
// so parallel dispatch runs partition the candidate set instead of blocking.
func CandidateCopiesForDispatch(ctx context.Context, tx *sql.Tx, examID int64) ([]models.Copy, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT`+copyColumns+`
		FROM copies
		WHERE exam_id = $1 AND status = 'READY' AND assigned_corrector IS NULL
		ORDER BY id
		FOR UPDATE SKIP LOCKED
	`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Copy
	for rows.Next() {
		c, err := scanCopy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CorrectorLoads counts assigned copies per corrector for one exam.
func CorrectorLoads(ctx context.Context, q Querier, examID int64) (map[int64]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT assigned_corrector, count(*)
		FROM copies
		WHERE exam_id = $1 AND assigned_corrector IS NOT NULL
		GROUP BY assigned_corrector
	`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	loads := make(map[int64]int)
	for rows.Next() {
		var uid int64
		var n int
		if err := rows.Scan(&uid, &n); err != nil {
			return nil, err
		}
		loads[uid] = n
	}
	return loads, rows.Err()
}

// AssignCopies bulk-writes one corrector's share of a dispatch run.
func AssignCopies(ctx context.Context, tx *sql.Tx, copyIDs []int64, corrector int64, runID string, at time.Time) error {
	if len(copyIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE copies
		SET assigned_corrector = $1, dispatch_run_id = $2, assigned_at = $3
		WHERE id = ANY($4)
	`, corrector, runID, at, pq.Array(copyIDs))
	return err
}

func MarkCopyValidated(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copies SET status = 'READY', validated_at = COALESCE(validated_at, $1) WHERE id = $2
	`, at, id)
	return err
}

func SetCopyLocked(ctx context.Context, tx *sql.Tx, id, owner int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copies SET status = 'LOCKED', locked_by = $1, locked_at = $2 WHERE id = $3
	`, owner, at, id)
	return err
}

func SetCopyUnlocked(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copies SET status = 'READY', locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND status = 'LOCKED'
	`, id)
	return err
}

// BeginGrading moves a copy into GRADING_IN_PROGRESS and burns one retry.
func BeginGrading(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copies
		SET status = 'GRADING_IN_PROGRESS',
		    grading_retries = grading_retries + 1,
		    locked_by = NULL, locked_at = NULL
		WHERE id = $1
	`, id)
	return err
}

// CommitGraded is idempotent on final_pdf: the first committed artefact wins.
func CommitGraded(ctx context.Context, tx *sql.Tx, id int64, finalPDF string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copies
		SET status = 'GRADED',
		    graded_at = $1,
		    final_pdf = COALESCE(final_pdf, $2),
		    grading_error = NULL
		WHERE id = $3
	`, at, finalPDF, id)
	return err
}

func FailGrading(ctx context.Context, tx *sql.Tx, id int64, msg string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copies SET status = 'GRADING_FAILED', grading_error = $1 WHERE id = $2
	`, msg, id)
	return err
}

// ResetGradingFailure is the admin escape hatch after retry exhaustion.
func ResetGradingFailure(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copies
		SET status = 'READY', grading_retries = 0, grading_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func IdentifyCopyRow(ctx context.Context, tx *sql.Tx, id, studentID int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copies
		SET student_id = $1, is_identified = true, validated_at = COALESCE(validated_at, $2)
		WHERE id = $3
	`, studentID, at, id)
	return err
}

// FindIdentifiedCopyForUpdate locates the rival copy during identification.
func FindIdentifiedCopyForUpdate(ctx context.Context, tx *sql.Tx, examID, studentID, excludeID int64) (*models.Copy, error) {
	c, err := scanCopy(tx.QueryRowContext(ctx, `
		SELECT`+copyColumns+`
		FROM copies
		WHERE exam_id = $1 AND student_id = $2 AND is_identified AND id <> $3
		FOR UPDATE
	`, examID, studentID, excludeID))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func DeleteCopy(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM copies WHERE id = $1`, id)
	return err
}

// TotalPages sums bound booklet page counts; annotations index into this.
func TotalPages(ctx context.Context, q Querier, copyID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(jsonb_array_length(pages)), 0) FROM booklets WHERE copy_id = $1
	`, copyID).Scan(&n)
	return n, err
}

// DuplicateIdentifications finds (student, copies) groups that violate the
// one-identified-copy invariant. Belt and braces: the partial unique index
// should make this impossible.
func DuplicateIdentifications(ctx context.Context, q Querier, examID int64) (map[int64][]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT student_id, array_agg(id ORDER BY validated_at, id)
		FROM copies
		WHERE exam_id = $1 AND is_identified AND student_id IS NOT NULL
		GROUP BY student_id
		HAVING count(*) > 1
	`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]int64)
	for rows.Next() {
		var student int64
		var ids pq.Int64Array
		if err := rows.Scan(&student, &ids); err != nil {
			return nil, err
		}
		out[student] = ids
	}
	return out, rows.Err()
}
