package grading

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/models"
)

// CreateExam validates the barème (leaves sum to 20) and stores the exam
// with its ordered corrector list.
func (s *Service) CreateExam(ctx context.Context, e models.Exam) (int64, error) {
	if err := e.Schema.Validate(); err != nil {
		return 0, err
	}
	if e.UploadMode == "" {
		e.UploadMode = models.UploadBatchA3
	}
	var id int64
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		var err error
		id, err = db.CreateExam(ctx, tx, e)
		return err
	})
	return id, err
}

func (s *Service) GetExam(ctx context.Context, examID int64) (*models.Exam, error) {
	return db.GetExam(ctx, s.database, examID)
}

// UpdateExamSchema replaces the barème while it is still mutable. Once any
// copy left STAGING the schema is frozen.
func (s *Service) UpdateExamSchema(ctx context.Context, examID int64, schema models.ScoringNode) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	return db.Within(ctx, s.database, func(tx *sql.Tx) error {
		frozen, err := db.ExamHasNonStagingCopies(ctx, tx, examID)
		if err != nil {
			return err
		}
		if frozen {
			return fmt.Errorf("barème frozen, exam has validated copies: %w", models.ErrInvalidState)
		}
		return db.UpdateExamSchema(ctx, tx, examID, schema)
	})
}

// ReleaseResults opens graded copies to students on the portal.
func (s *Service) ReleaseResults(ctx context.Context, examID int64) error {
	return db.ReleaseExamResults(ctx, s.database, examID, s.now())
}

func (s *Service) ListCopies(ctx context.Context, examID int64) ([]models.Copy, error) {
	return db.ListCopiesByExam(ctx, s.database, examID)
}

// AuditTrail returns the copy's event log, newest first.
func (s *Service) AuditTrail(ctx context.Context, copyID int64) ([]models.GradingEvent, error) {
	return db.ListEventsByCopy(ctx, s.database, copyID, true)
}

// FinalPDF streams the graded artefact. Only GRADED copies have one.
func (s *Service) FinalPDF(ctx context.Context, copyID int64) ([]byte, error) {
	c, err := s.GetCopy(ctx, copyID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.StatusGraded {
		return nil, fmt.Errorf("final pdf on %s copy: %w", c.Status, models.ErrInvalidState)
	}
	if c.FinalPDF == nil {
		return nil, models.ErrNotFound
	}
	return s.blobs.Get(ctx, *c.FinalPDF)
}
