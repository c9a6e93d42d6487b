package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/viescolaire/procto/internal/models"
)

func CreateBooklet(ctx context.Context, q Querier, b models.Booklet) (int64, error) {
	pages, err := json.Marshal(b.Pages)
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO booklets (exam_id, copy_id, page_start, page_end, pages)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, b.ExamID, b.CopyID, b.PageStart, b.PageEnd, pages).Scan(&id)
	return id, err
}

func GetBooklet(ctx context.Context, q Querier, id int64) (*models.Booklet, error) {
	var b models.Booklet
	var pages []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, exam_id, copy_id, page_start, page_end, pages, created_at
		FROM booklets WHERE id = $1
	`, id).Scan(&b.ID, &b.ExamID, &b.CopyID, &b.PageStart, &b.PageEnd, &pages, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pages, &b.Pages); err != nil {
		return nil, err
	}
	return &b, nil
}

func ListBookletsByCopy(ctx context.Context, q Querier, copyID int64) ([]models.Booklet, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, exam_id, copy_id, page_start, page_end, pages, created_at
		FROM booklets WHERE copy_id = $1 ORDER BY page_start, id
	`, copyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Booklet
	for rows.Next() {
		var b models.Booklet
		var pages []byte
		if err := rows.Scan(&b.ID, &b.ExamID, &b.CopyID, &b.PageStart, &b.PageEnd, &pages, &b.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(pages, &b.Pages); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BindBookletToCopy staples a loose booklet onto a STAGING copy.
func BindBookletToCopy(ctx context.Context, tx *sql.Tx, bookletID, copyID int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE booklets SET copy_id = $1 WHERE id = $2`, copyID, bookletID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ReassignBooklets moves every booklet of src to dst (merge step). Returns
// the number moved.
func ReassignBooklets(ctx context.Context, tx *sql.Tx, srcCopyID, dstCopyID int64) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE booklets SET copy_id = $1 WHERE copy_id = $2
	`, dstCopyID, srcCopyID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteBookletsOfCopy removes booklets with their STAGING copy.
func DeleteBookletsOfCopy(ctx context.Context, tx *sql.Tx, copyID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM booklets WHERE copy_id = $1`, copyID)
	return err
}
