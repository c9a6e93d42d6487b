package grading

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/models"
)

// transitions is the closed edge set of the copy state machine. Everything
// absent is rejected with ErrInvalidState.
var transitions = map[models.CopyStatus][]models.CopyStatus{
	models.StatusStaging:           {models.StatusReady},
	models.StatusReady:             {models.StatusLocked},
	models.StatusLocked:            {models.StatusReady, models.StatusGradingInProgress},
	models.StatusGradingInProgress: {models.StatusGraded, models.StatusGradingFailed},
	models.StatusGradingFailed:     {models.StatusGradingInProgress},
}

func canTransition(from, to models.CopyStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// reconcile repairs any disagreement between copy.status and the lock row.
// Called on every read path that already holds the copy row lock.
func (s *Service) reconcile(ctx context.Context, tx *sql.Tx, c *models.Copy) error {
	lock, err := db.GetLockForUpdate(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	now := s.now()
	if lock != nil && lock.Expired(now) {
		if err := db.DeleteLock(ctx, tx, c.ID); err != nil {
			return err
		}
		lock = nil
	}
	switch {
	case c.Status == models.StatusLocked && lock == nil:
		if err := db.SetCopyUnlocked(ctx, tx, c.ID); err != nil {
			return err
		}
		c.Status = models.StatusReady
		c.LockedBy, c.LockedAt = nil, nil
	case c.Status == models.StatusReady && lock != nil:
		if err := db.SetCopyLocked(ctx, tx, c.ID, lock.Owner, now); err != nil {
			return err
		}
		c.Status = models.StatusLocked
		c.LockedBy = &lock.Owner
	}
	return nil
}

// loadCopyForUpdate is the entry point of every mutating path: copy row
// locked, lock row reconciled.
func (s *Service) loadCopyForUpdate(ctx context.Context, tx *sql.Tx, copyID int64) (*models.Copy, error) {
	c, err := db.GetCopyForUpdate(ctx, tx, copyID)
	if err != nil {
		return nil, err
	}
	if err := s.reconcile(ctx, tx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ImportCopy creates a STAGING copy with its first booklet. anonymousID must
// never carry the student identity; callers generate it.
func (s *Service) ImportCopy(ctx context.Context, examID int64, anonymousID string, pages []string, actor int64) (int64, error) {
	var copyID int64
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		var err error
		copyID, err = db.CreateCopy(ctx, tx, examID, anonymousID)
		if err != nil {
			return err
		}
		if len(pages) > 0 {
			if _, err := db.CreateBooklet(ctx, tx, models.Booklet{
				ExamID:  examID,
				CopyID:  &copyID,
				PageEnd: len(pages) - 1,
				Pages:   pages,
			}); err != nil {
				return err
			}
		}
		return s.emit(ctx, tx, copyID, models.EvImport, actor, map[string]any{
			"anonymous_id": anonymousID,
			"pages":        len(pages),
		})
	})
	return copyID, err
}

// StapleBooklet binds one more booklet to a STAGING copy (agrafage).
func (s *Service) StapleBooklet(ctx context.Context, copyID, bookletID int64, actor int64) error {
	return db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status != models.StatusStaging {
			return fmt.Errorf("staple on %s copy: %w", c.Status, models.ErrInvalidState)
		}
		b, err := db.GetBooklet(ctx, tx, bookletID)
		if err != nil {
			return err
		}
		if b.ExamID != c.ExamID {
			return models.NewValidation("booklet belongs to another exam")
		}
		if b.CopyID != nil && *b.CopyID != copyID {
			other, err := db.GetCopy(ctx, tx, *b.CopyID)
			if err != nil {
				return err
			}
			if other.Status != models.StatusStaging {
				return models.NewValidation("booklet is bound to a validated copy and cannot be moved")
			}
		}
		return db.BindBookletToCopy(ctx, tx, bookletID, copyID)
	})
}

// ValidateCopy drives STAGING -> READY. A copy needs at least one booklet
// before it can be graded.
func (s *Service) ValidateCopy(ctx context.Context, copyID int64, actor int64) error {
	return db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if !canTransition(c.Status, models.StatusReady) || c.Status != models.StatusStaging {
			return fmt.Errorf("validate on %s copy: %w", c.Status, models.ErrInvalidState)
		}
		pages, err := db.TotalPages(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if pages == 0 {
			return models.NewValidation("copy has no pages; staple at least one booklet")
		}
		if err := db.MarkCopyValidated(ctx, tx, copyID, s.now()); err != nil {
			return err
		}
		return s.emit(ctx, tx, copyID, models.EvValidate, actor, map[string]any{"pages": pages})
	})
}

// ResetFailedCopy is the administrative reset after retry exhaustion.
// Admin-only; the boundary enforces the permission predicate.
func (s *Service) ResetFailedCopy(ctx context.Context, copyID int64, actor int64) error {
	return db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status != models.StatusGradingFailed {
			return fmt.Errorf("reset on %s copy: %w", c.Status, models.ErrInvalidState)
		}
		if err := db.ResetGradingFailure(ctx, tx, copyID); err != nil {
			return err
		}
		return s.emit(ctx, tx, copyID, models.EvValidate, actor, map[string]any{"reset": true})
	})
}

// GetCopy reads a copy with reconciliation applied.
func (s *Service) GetCopy(ctx context.Context, copyID int64) (*models.Copy, error) {
	var c *models.Copy
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		var err error
		c, err = s.loadCopyForUpdate(ctx, tx, copyID)
		return err
	})
	return c, err
}
