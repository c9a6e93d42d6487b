package grading

import (
	"context"
	"database/sql"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/models"
)

// checkActiveLock verifies a non-expired lease held by user with the given
// token. Callers must hold the copy row lock already.
func (s *Service) checkActiveLock(ctx context.Context, tx *sql.Tx, copyID, user int64, token string) (*models.Lock, error) {
	lock, err := db.GetLockForUpdate(ctx, tx, copyID)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Expired(s.now()) {
		return nil, models.ErrLockLost
	}
	if lock.Owner != user {
		return nil, &models.LockHeldError{CopyID: copyID, Owner: lock.Owner}
	}
	if lock.Token != token {
		return nil, models.ErrInvalidToken
	}
	return lock, nil
}

// PutDraft autosaves in-flight work. Fenced twice: the lock token proves the
// lease, the client_id fences competing browser sessions of the same user.
func (s *Service) PutDraft(ctx context.Context, copyID, user int64, payload []byte, lockToken, clientID string) (int, error) {
	var version int
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		if _, err := s.loadCopyForUpdate(ctx, tx, copyID); err != nil {
			return err
		}
		if _, err := s.checkActiveLock(ctx, tx, copyID, user, lockToken); err != nil {
			return err
		}
		existing, err := db.GetDraft(ctx, tx, copyID, user)
		if err != nil {
			return err
		}
		d := models.Draft{
			CopyID:    copyID,
			Owner:     user,
			Payload:   payload,
			ClientID:  clientID,
			LockToken: lockToken,
		}
		if existing == nil {
			if err := db.InsertDraft(ctx, tx, d, s.now()); err != nil {
				return err
			}
			version = 1
			return nil
		}
		if existing.ClientID != clientID {
			return models.ErrSessionConflict
		}
		ok, err := db.UpdateDraftFenced(ctx, tx, d, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrSessionConflict
		}
		version = existing.Version + 1
		return nil
	})
	return version, err
}

// GetDraft returns the saved draft or nil. Advisory only: the finaliser
// never reads it.
func (s *Service) GetDraft(ctx context.Context, copyID, user int64) (*models.Draft, error) {
	return db.GetDraft(ctx, s.database, copyID, user)
}

func (s *Service) DropDraft(ctx context.Context, copyID, user int64) error {
	return db.DeleteDraft(ctx, s.database, copyID, user)
}
