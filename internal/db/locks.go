package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/viescolaire/procto/internal/models"
)

func GetLock(ctx context.Context, q Querier, copyID int64) (*models.Lock, error) {
	var l models.Lock
	err := q.QueryRowContext(ctx, `
		SELECT copy_id, owner, token, expires_at FROM copy_locks WHERE copy_id = $1
	`, copyID).Scan(&l.CopyID, &l.Owner, &l.Token, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLockForUpdate pins the lock row inside the caller's transaction.
func GetLockForUpdate(ctx context.Context, tx *sql.Tx, copyID int64) (*models.Lock, error) {
	var l models.Lock
	err := tx.QueryRowContext(ctx, `
		SELECT copy_id, owner, token, expires_at FROM copy_locks WHERE copy_id = $1 FOR UPDATE
	`, copyID).Scan(&l.CopyID, &l.Owner, &l.Token, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func InsertLock(ctx context.Context, tx *sql.Tx, l models.Lock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO copy_locks (copy_id, owner, token, expires_at)
		VALUES ($1, $2, $3, $4)
	`, l.CopyID, l.Owner, l.Token, l.ExpiresAt)
	return err
}

func ExtendLock(ctx context.Context, tx *sql.Tx, copyID int64, expiresAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE copy_locks SET expires_at = $1 WHERE copy_id = $2
	`, expiresAt, copyID)
	return err
}

func DeleteLock(ctx context.Context, tx *sql.Tx, copyID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM copy_locks WHERE copy_id = $1`, copyID)
	return err
}

// DeleteExpiredLocks is the sweep used by the background job; it returns the
// copy ids whose leases just lapsed so their status can be reconciled.
func DeleteExpiredLocks(ctx context.Context, tx *sql.Tx, now time.Time) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM copy_locks WHERE expires_at <= $1 RETURNING copy_id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
