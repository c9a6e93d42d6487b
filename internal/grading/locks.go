package grading

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/metrics"
	"github.com/viescolaire/procto/internal/models"
)

const (
	MinLockTTL     = time.Second
	MaxLockTTL     = time.Hour
	DefaultLockTTL = 10 * time.Minute
)

// ClampTTL bounds the requested lease. Non-positive TTLs are rejected at
// the boundary before reaching here; zero means "use the default".
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return DefaultLockTTL
	}
	if ttl < MinLockTTL {
		return MinLockTTL
	}
	if ttl > MaxLockTTL {
		return MaxLockTTL
	}
	return ttl
}

type LockGrant struct {
	Token     string
	ExpiresAt time.Time
	Created   bool // false when the owner extended an existing lease
}

// AcquireLock takes or extends the exclusive lease on a copy.
func (s *Service) AcquireLock(ctx context.Context, copyID, user int64, ttl time.Duration) (*LockGrant, error) {
	ttl = ClampTTL(ttl)
	var grant *LockGrant
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status == models.StatusGraded {
			return models.ErrAlreadyFinalized
		}
		now := s.now()
		lock, err := db.GetLockForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if lock != nil && lock.Owner == user {
			expires := now.Add(ttl)
			if err := db.ExtendLock(ctx, tx, copyID, expires); err != nil {
				return err
			}
			grant = &LockGrant{Token: lock.Token, ExpiresAt: expires, Created: false}
			return nil
		}
		if lock != nil {
			return &models.LockHeldError{CopyID: copyID, Owner: lock.Owner}
		}
		if c.Status != models.StatusReady {
			return fmt.Errorf("lock on %s copy: %w", c.Status, models.ErrInvalidState)
		}
		l := models.Lock{
			CopyID:    copyID,
			Owner:     user,
			Token:     uuid.NewString(),
			ExpiresAt: now.Add(ttl),
		}
		if err := db.InsertLock(ctx, tx, l); err != nil {
			return err
		}
		if err := db.SetCopyLocked(ctx, tx, copyID, user, now); err != nil {
			return err
		}
		if err := s.emit(ctx, tx, copyID, models.EvLock, user, map[string]any{
			"ttl_seconds": int(ttl.Seconds()),
		}); err != nil {
			return err
		}
		grant = &LockGrant{Token: l.Token, ExpiresAt: l.ExpiresAt, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.LockAcquired(grant.Created)
	return grant, nil
}

// HeartbeatLock refreshes the lease; owner and token must both match.
func (s *Service) HeartbeatLock(ctx context.Context, copyID, user int64, token string, ttl time.Duration) (time.Time, error) {
	ttl = ClampTTL(ttl)
	var expires time.Time
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		if _, err := s.loadCopyForUpdate(ctx, tx, copyID); err != nil {
			return err
		}
		lock, err := db.GetLockForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if lock == nil {
			return models.ErrLockLost
		}
		if lock.Owner != user {
			return &models.LockHeldError{CopyID: copyID, Owner: lock.Owner}
		}
		if lock.Token != token {
			return models.ErrInvalidToken
		}
		expires = s.now().Add(ttl)
		return db.ExtendLock(ctx, tx, copyID, expires)
	})
	return expires, err
}

// ReleaseLock ends the lease and moves the copy back to READY.
func (s *Service) ReleaseLock(ctx context.Context, copyID, user int64, token string) error {
	return db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		lock, err := db.GetLockForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if lock == nil {
			return models.ErrLockLost
		}
		if lock.Owner != user {
			return &models.LockHeldError{CopyID: copyID, Owner: lock.Owner}
		}
		if lock.Token != token {
			return models.ErrInvalidToken
		}
		if err := db.DeleteLock(ctx, tx, copyID); err != nil {
			return err
		}
		if err := db.DeleteDraftsOfCopy(ctx, tx, copyID); err != nil {
			return err
		}
		// finalize clears the lock itself before moving to
		// GRADING_IN_PROGRESS, so LOCKED is the only state to repair here
		if c.Status == models.StatusLocked {
			if err := db.SetCopyUnlocked(ctx, tx, copyID); err != nil {
				return err
			}
		}
		return s.emit(ctx, tx, copyID, models.EvUnlock, user, nil)
	})
}

type LockStatus struct {
	Locked       bool
	Owner        int64
	ExpiresAt    time.Time
	IsActiveUser bool
}

// GetLockStatus reports the lease, sweeping an expired one on the way.
func (s *Service) GetLockStatus(ctx context.Context, copyID, viewer int64) (*LockStatus, error) {
	var st LockStatus
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status != models.StatusLocked || c.LockedBy == nil {
			return nil
		}
		lock, err := db.GetLockForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if lock == nil {
			return nil
		}
		st = LockStatus{
			Locked:       true,
			Owner:        lock.Owner,
			ExpiresAt:    lock.ExpiresAt,
			IsActiveUser: lock.Owner == viewer,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SweepExpiredLocks reverts copies whose lease lapsed without a release.
// Run periodically by the jobs runner; readers also repair lazily.
func (s *Service) SweepExpiredLocks(ctx context.Context) (int, error) {
	var swept int
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		ids, err := db.DeleteExpiredLocks(ctx, tx, s.now())
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := db.SetCopyUnlocked(ctx, tx, id); err != nil {
				return err
			}
			if err := db.DeleteDraftsOfCopy(ctx, tx, id); err != nil {
				return err
			}
		}
		swept = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		s.log.Infow("expired locks swept", "count", swept)
	}
	return swept, nil
}
