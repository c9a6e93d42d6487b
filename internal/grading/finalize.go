package grading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/viescolaire/procto/internal/blob"
	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/metrics"
	"github.com/viescolaire/procto/internal/models"
	"github.com/viescolaire/procto/internal/raster"
)

const gradingErrorLimit = 500

type FinalizeResult struct {
	Status     models.CopyStatus
	FinalScore float64
	FinalPDF   string
	Retries    int
}

// Finalize drives LOCKED (or GRADING_FAILED) to GRADED. The intermediate
// GRADING_IN_PROGRESS state is committed before the heavyweight flattening
// so annotation writes cannot race the artefact, and a concurrent second
// call loses with AlreadyFinalized.
func (s *Service) Finalize(ctx context.Context, copyID, user int64, token string) (*FinalizeResult, error) {
	started := s.now()

	prep, err := s.beginFinalize(ctx, copyID, user, token)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyFinalized) {
			metrics.FinalizeOutcomes.WithLabelValues("already").Inc()
		}
		return nil, err
	}

	pdf, err := s.buildArtefact(ctx, prep)
	if err == nil {
		err = s.commitGraded(ctx, prep, pdf, user)
	}
	if err != nil {
		s.failGrading(ctx, prep, user, err)
		metrics.FinalizeOutcomes.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.FinalizeOutcomes.WithLabelValues("graded").Inc()
	metrics.FinalizeDuration.Observe(time.Since(started).Seconds())
	return &FinalizeResult{
		Status:     models.StatusGraded,
		FinalScore: prep.score,
		FinalPDF:   blob.FinalPDFPath(copyID),
		Retries:    prep.retries,
	}, nil
}

type finalizePrep struct {
	copyID      int64
	examName    string
	anonymousID string
	score       float64
	retries     int
	booklets    []models.Booklet
	annotations []models.Annotation
	breakdown   []raster.ScoreLine
	hasArtefact bool
}

// beginFinalize is the short critical section: state checks, lock
// verification, score computation and the GRADING_IN_PROGRESS commit.
func (s *Service) beginFinalize(ctx context.Context, copyID, user int64, token string) (*finalizePrep, error) {
	prep := &finalizePrep{copyID: copyID}
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		switch c.Status {
		case models.StatusGraded, models.StatusGradingInProgress:
			// GRADING_IN_PROGRESS means another caller already won the
			// race and is producing the artefact
			return models.ErrAlreadyFinalized
		case models.StatusLocked:
			if _, err := s.checkActiveLock(ctx, tx, copyID, user, token); err != nil {
				return err
			}
		case models.StatusGradingFailed:
			if c.GradingRetries >= models.MaxGradingRetries {
				return fmt.Errorf("grading retries exhausted, admin reset required: %w", models.ErrInvalidState)
			}
		default:
			return fmt.Errorf("finalize on %s copy: %w", c.Status, models.ErrInvalidState)
		}

		exam, err := db.GetExam(ctx, tx, c.ExamID)
		if err != nil {
			return err
		}
		prep.examName = exam.Name
		prep.anonymousID = c.AnonymousID
		prep.hasArtefact = c.FinalPDF != nil

		// score is computed while the copy row (and for LOCKED copies the
		// lease) is still held, so edits cannot race it
		if prep.annotations, err = db.ListAnnotationsByCopy(ctx, tx, copyID); err != nil {
			return err
		}
		scores, err := db.ListQuestionScoresByCopy(ctx, tx, copyID)
		if err != nil {
			return err
		}
		prep.score = ComputeScore(prep.annotations, scores)
		prep.breakdown = breakdown(exam.Schema, scores)

		if prep.booklets, err = db.ListBookletsByCopy(ctx, tx, copyID); err != nil {
			return err
		}

		if err := db.BeginGrading(ctx, tx, copyID); err != nil {
			return err
		}
		prep.retries = c.GradingRetries + 1
		if err := db.DeleteLock(ctx, tx, copyID); err != nil {
			return err
		}
		return db.DeleteDraftsOfCopy(ctx, tx, copyID)
	})
	if err != nil {
		return nil, err
	}
	return prep, nil
}

// buildArtefact runs outside any transaction: fetch page images, flatten,
// store the final PDF. Skipped when a previous attempt already committed an
// artefact reference.
func (s *Service) buildArtefact(ctx context.Context, prep *finalizePrep) (string, error) {
	path := blob.FinalPDFPath(prep.copyID)
	if prep.hasArtefact {
		return path, nil
	}

	var pages [][]byte
	var pagePaths []string
	for _, b := range prep.booklets {
		for _, p := range b.Pages {
			img, err := s.blobs.Get(ctx, p)
			if err != nil {
				return "", &models.RasterError{Stage: "flatten", Err: fmt.Errorf("page %s: %w", p, err)}
			}
			pages = append(pages, img)
			pagePaths = append(pagePaths, p)
		}
	}

	req := raster.FlattenRequest{
		Pages:     pages,
		PagePaths: pagePaths,
		Summary: raster.Summary{
			AnonymousID: prep.anonymousID,
			ExamName:    prep.examName,
			FinalScore:  prep.score,
			Breakdown:   prep.breakdown,
		},
	}
	for _, a := range prep.annotations {
		req.Annotations = append(req.Annotations, raster.PageAnnotation{
			Page:       a.PageIndex,
			X:          a.X,
			Y:          a.Y,
			W:          a.W,
			H:          a.H,
			Kind:       string(a.Kind),
			Content:    a.Content,
			ScoreDelta: a.ScoreDelta,
		})
	}

	pdf, err := s.raster.Flatten(ctx, req)
	if err != nil {
		return "", err
	}
	if err := s.blobs.Put(ctx, path, pdf); err != nil {
		return "", fmt.Errorf("store final pdf: %w", err)
	}
	return path, nil
}

// commitGraded is the idempotent terminal commit: the first artefact wins
// and the FINALIZE success event is written at most once.
func (s *Service) commitGraded(ctx context.Context, prep *finalizePrep, pdfPath string, user int64) error {
	return db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := db.GetCopyForUpdate(ctx, tx, prep.copyID)
		if err != nil {
			return err
		}
		if c.Status == models.StatusGraded {
			return models.ErrAlreadyFinalized
		}
		if err := db.CommitGraded(ctx, tx, prep.copyID, pdfPath, s.now()); err != nil {
			return err
		}
		done, err := db.HasSuccessfulFinalizeEvent(ctx, tx, prep.copyID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		return s.emit(ctx, tx, prep.copyID, models.EvFinalize, user, map[string]any{
			"final_score": prep.score,
			"retries":     prep.retries,
		})
	})
}

// failGrading records the failure in a fresh transaction so the retry path
// is observable, then raises the operational alarm when retries run out.
func (s *Service) failGrading(ctx context.Context, prep *finalizePrep, user int64, cause error) {
	msg := cause.Error()
	if len(msg) > gradingErrorLimit {
		msg = msg[:gradingErrorLimit]
	}
	var failed *models.Copy
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := db.GetCopyForUpdate(ctx, tx, prep.copyID)
		if err != nil {
			return err
		}
		if c.Status != models.StatusGradingInProgress {
			// a concurrent path already resolved the copy
			return nil
		}
		if err := db.FailGrading(ctx, tx, prep.copyID, msg); err != nil {
			return err
		}
		failed = c
		return s.emit(ctx, tx, prep.copyID, models.EvFinalize, user, map[string]any{
			"success": false,
			"detail":  msg,
			"retries": prep.retries,
		})
	})
	if err != nil {
		s.log.Errorw("failed to record grading failure", "copy_id", prep.copyID, "err", err)
		return
	}
	if failed != nil && prep.retries >= models.MaxGradingRetries {
		failed.Status = models.StatusGradingFailed
		failed.GradingRetries = prep.retries
		s.alarm(ctx, *failed, msg)
	}
}

func breakdown(schema models.ScoringNode, scores []models.QuestionScore) []raster.ScoreLine {
	byQuestion := make(map[string]float64, len(scores))
	for _, qs := range scores {
		byQuestion[qs.Question] = qs.Score
	}
	var lines []raster.ScoreLine
	for _, leaf := range schema.Leaves() {
		lines = append(lines, raster.ScoreLine{
			Question: leaf.Path,
			Score:    byQuestion[leaf.Path],
			Max:      leaf.MaxPoints,
		})
	}
	return lines
}
