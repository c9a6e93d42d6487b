package grading

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/models"
)

type AnnotationInput struct {
	PageIndex  int
	X, Y, W, H float64
	Content    string
	Kind       models.AnnotationKind
	ScoreDelta *float64
}

func (s *Service) validateAnnotationInput(ctx context.Context, q db.Querier, copyID int64, in AnnotationInput) error {
	if !models.ValidAnnotationKind(in.Kind) {
		return models.NewValidation(fmt.Sprintf("unknown annotation kind %q", in.Kind))
	}
	if err := models.ValidateRect(in.X, in.Y, in.W, in.H); err != nil {
		return err
	}
	total, err := db.TotalPages(ctx, q, copyID)
	if err != nil {
		return err
	}
	if total == 0 {
		return models.NewValidation("copy has no pages")
	}
	if in.PageIndex < 0 || in.PageIndex >= total {
		return models.NewValidation(fmt.Sprintf("page_index %d out of range [0, %d)", in.PageIndex, total))
	}
	return nil
}

// CreateAnnotation writes a new annotation under an active lock.
func (s *Service) CreateAnnotation(ctx context.Context, copyID, user int64, token string, in AnnotationInput) (*models.Annotation, error) {
	var created *models.Annotation
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status == models.StatusGraded {
			return models.ErrAlreadyFinalized
		}
		if c.Status != models.StatusLocked {
			return fmt.Errorf("annotate on %s copy: %w", c.Status, models.ErrInvalidState)
		}
		if _, err := s.checkActiveLock(ctx, tx, copyID, user, token); err != nil {
			return err
		}
		if err := s.validateAnnotationInput(ctx, tx, copyID, in); err != nil {
			return err
		}
		a := models.Annotation{
			CopyID:     copyID,
			PageIndex:  in.PageIndex,
			X:          in.X,
			Y:          in.Y,
			W:          in.W,
			H:          in.H,
			Content:    in.Content,
			Kind:       in.Kind,
			ScoreDelta: in.ScoreDelta,
			CreatedBy:  user,
		}
		id, err := db.InsertAnnotation(ctx, tx, a)
		if err != nil {
			return err
		}
		if err := s.emit(ctx, tx, copyID, models.EvCreateAnn, user, map[string]any{
			"annotation_id": id,
			"page":          in.PageIndex,
			"kind":          string(in.Kind),
		}); err != nil {
			return err
		}
		created, err = db.GetAnnotation(ctx, tx, id)
		return err
	})
	return created, err
}

// UpdateAnnotation applies an optimistic update: expectedVersion must match
// the stored row, and only the creator may edit, under their active lock.
func (s *Service) UpdateAnnotation(ctx context.Context, annID, user int64, token string, expectedVersion int, in AnnotationInput) (*models.Annotation, error) {
	var updated *models.Annotation
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		a, err := db.GetAnnotation(ctx, tx, annID)
		if err != nil {
			return err
		}
		c, err := s.loadCopyForUpdate(ctx, tx, a.CopyID)
		if err != nil {
			return err
		}
		if c.Status == models.StatusGraded {
			return models.ErrAlreadyFinalized
		}
		if c.Status != models.StatusLocked {
			return fmt.Errorf("annotate on %s copy: %w", c.Status, models.ErrInvalidState)
		}
		if _, err := s.checkActiveLock(ctx, tx, a.CopyID, user, token); err != nil {
			return err
		}
		if a.CreatedBy != user {
			return models.ErrForbidden
		}
		if err := s.validateAnnotationInput(ctx, tx, a.CopyID, in); err != nil {
			return err
		}
		next := *a
		next.PageIndex = in.PageIndex
		next.X, next.Y, next.W, next.H = in.X, in.Y, in.W, in.H
		next.Content = in.Content
		next.Kind = in.Kind
		next.ScoreDelta = in.ScoreDelta
		ok, err := db.UpdateAnnotationVersioned(ctx, tx, next, expectedVersion)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrVersionMismatch
		}
		if err := s.emit(ctx, tx, a.CopyID, models.EvUpdateAnn, user, map[string]any{
			"annotation_id": annID,
			"version":       expectedVersion + 1,
		}); err != nil {
			return err
		}
		updated, err = db.GetAnnotation(ctx, tx, annID)
		return err
	})
	return updated, err
}

// DeleteAnnotation removes an annotation; creators delete their own, admins
// delete anything.
func (s *Service) DeleteAnnotation(ctx context.Context, annID int64, user models.User, token string) error {
	return db.Within(ctx, s.database, func(tx *sql.Tx) error {
		a, err := db.GetAnnotation(ctx, tx, annID)
		if err != nil {
			return err
		}
		c, err := s.loadCopyForUpdate(ctx, tx, a.CopyID)
		if err != nil {
			return err
		}
		if c.Status == models.StatusGraded {
			return models.ErrAlreadyFinalized
		}
		if !user.IsAdmin() {
			if c.Status != models.StatusLocked {
				return fmt.Errorf("annotate on %s copy: %w", c.Status, models.ErrInvalidState)
			}
			if _, err := s.checkActiveLock(ctx, tx, a.CopyID, user.ID, token); err != nil {
				return err
			}
			if a.CreatedBy != user.ID {
				return models.ErrForbidden
			}
		}
		if err := db.DeleteAnnotation(ctx, tx, annID); err != nil {
			return err
		}
		return s.emit(ctx, tx, a.CopyID, models.EvDeleteAnn, user.ID, map[string]any{
			"annotation_id": annID,
		})
	})
}

// ListAnnotations is read-only; any teacher or admin with exam access may
// list, whatever the copy state.
func (s *Service) ListAnnotations(ctx context.Context, copyID int64) ([]models.Annotation, error) {
	return db.ListAnnotationsByCopy(ctx, s.database, copyID)
}

func (s *Service) GetAnnotation(ctx context.Context, annID int64) (*models.Annotation, error) {
	return db.GetAnnotation(ctx, s.database, annID)
}

// SetQuestionScore records the per-question score under the active lock.
func (s *Service) SetQuestionScore(ctx context.Context, copyID, user int64, token, question string, score float64) error {
	return db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status == models.StatusGraded {
			return models.ErrAlreadyFinalized
		}
		if c.Status != models.StatusLocked {
			return fmt.Errorf("score on %s copy: %w", c.Status, models.ErrInvalidState)
		}
		if _, err := s.checkActiveLock(ctx, tx, copyID, user, token); err != nil {
			return err
		}
		exam, err := db.GetExam(ctx, tx, c.ExamID)
		if err != nil {
			return err
		}
		leaf := findLeaf(exam.Schema, question)
		if leaf == nil {
			return models.NewValidation(fmt.Sprintf("unknown question %q", question))
		}
		if score < 0 || score > leaf.MaxPoints {
			return models.NewValidation(fmt.Sprintf("score %g out of range for %q (max %g)", score, question, leaf.MaxPoints))
		}
		return db.UpsertQuestionScore(ctx, tx, models.QuestionScore{
			CopyID:    copyID,
			Question:  question,
			Score:     score,
			CreatedBy: user,
		})
	})
}

func findLeaf(schema models.ScoringNode, path string) *models.QuestionLeaf {
	for _, leaf := range schema.Leaves() {
		if leaf.Path == path {
			l := leaf
			return &l
		}
	}
	return nil
}
