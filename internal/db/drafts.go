package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/viescolaire/procto/internal/models"
)

func GetDraft(ctx context.Context, q Querier, copyID, owner int64) (*models.Draft, error) {
	var d models.Draft
	err := q.QueryRowContext(ctx, `
		SELECT copy_id, owner, payload, client_id, lock_token, version, updated_at
		FROM copy_drafts WHERE copy_id = $1 AND owner = $2
	`, copyID, owner).Scan(&d.CopyID, &d.Owner, &d.Payload, &d.ClientID, &d.LockToken, &d.Version, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func InsertDraft(ctx context.Context, tx *sql.Tx, d models.Draft, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO copy_drafts (copy_id, owner, payload, client_id, lock_token, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
	`, d.CopyID, d.Owner, d.Payload, d.ClientID, d.LockToken, at)
	return err
}

// UpdateDraftFenced bumps the draft only when client_id still matches; zero
// rows means another session took over.
func UpdateDraftFenced(ctx context.Context, tx *sql.Tx, d models.Draft, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE copy_drafts
		SET payload = $1, lock_token = $2, version = version + 1, updated_at = $3
		WHERE copy_id = $4 AND owner = $5 AND client_id = $6
	`, d.Payload, d.LockToken, at, d.CopyID, d.Owner, d.ClientID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func DeleteDraft(ctx context.Context, q Querier, copyID, owner int64) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM copy_drafts WHERE copy_id = $1 AND owner = $2
	`, copyID, owner)
	return err
}

// DeleteDraftsOfCopy drops every draft on release or finalise.
func DeleteDraftsOfCopy(ctx context.Context, tx *sql.Tx, copyID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM copy_drafts WHERE copy_id = $1`, copyID)
	return err
}
