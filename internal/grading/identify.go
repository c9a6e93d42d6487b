package grading

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/models"
)

type IdentifyResult struct {
	Merged   bool
	TargetID int64
	Counts   MergeCounts
}

type MergeCounts struct {
	Booklets    int `json:"booklets_transferred"`
	Annotations int `json:"annotations_transferred"`
	Scores      int `json:"scores_transferred"`
	Remarks     int `json:"remarks_transferred"`
}

// Identify binds a student to a copy. When the student already has an
// identified copy on the exam, the two are merged and the source deleted.
// method names the matcher that proposed the binding (ocr engine, manual).
func (s *Service) Identify(ctx context.Context, copyID, studentID, actor int64, method string) (*IdentifyResult, error) {
	var res IdentifyResult
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		c, err := s.loadCopyForUpdate(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status == models.StatusStaging {
			return models.NewValidation("copy must be agrafée (validated) before identification")
		}
		if c.Status != models.StatusReady && c.Status != models.StatusLocked {
			return fmt.Errorf("identify on %s copy: %w", c.Status, models.ErrInvalidState)
		}
		if _, err := db.GetStudent(ctx, tx, studentID); err != nil {
			return err
		}

		target, err := db.FindIdentifiedCopyForUpdate(ctx, tx, c.ExamID, studentID, copyID)
		if err != nil {
			return err
		}
		now := s.now()
		if target == nil {
			if err := db.IdentifyCopyRow(ctx, tx, copyID, studentID, now); err != nil {
				return err
			}
			res = IdentifyResult{TargetID: copyID}
			return s.emit(ctx, tx, copyID, models.EvIdentify, actor, map[string]any{
				"student_id": studentID,
				"method":     method,
				"merged":     false,
			})
		}
		counts, err := s.merge(ctx, tx, c, target)
		if err != nil {
			return err
		}
		res = IdentifyResult{Merged: true, TargetID: target.ID, Counts: counts}
		return s.emit(ctx, tx, target.ID, models.EvIdentify, actor, map[string]any{
			"student_id":              studentID,
			"method":                  method,
			"merged":                  true,
			"merged_from_copy_id":     c.ID,
			"booklets_transferred":    counts.Booklets,
			"annotations_transferred": counts.Annotations,
			"scores_transferred":      counts.Scores,
			"remarks_transferred":     counts.Remarks,
		})
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// merge folds src into dst: booklets, annotations, question scores and
// remarks (target wins on key collisions), then deletes src. Both copy rows
// are already locked by the caller's transaction.
func (s *Service) merge(ctx context.Context, tx *sql.Tx, src, dst *models.Copy) (MergeCounts, error) {
	var counts MergeCounts
	var err error
	if counts.Booklets, err = db.ReassignBooklets(ctx, tx, src.ID, dst.ID); err != nil {
		return counts, err
	}
	if counts.Annotations, err = db.ReassignAnnotations(ctx, tx, src.ID, dst.ID); err != nil {
		return counts, err
	}
	if counts.Scores, err = db.ReassignQuestionScores(ctx, tx, src.ID, dst.ID); err != nil {
		return counts, err
	}
	if counts.Remarks, err = db.ReassignQuestionRemarks(ctx, tx, src.ID, dst.ID); err != nil {
		return counts, err
	}
	if err := db.DeleteLock(ctx, tx, src.ID); err != nil {
		return counts, err
	}
	if err := db.DeleteDraftsOfCopy(ctx, tx, src.ID); err != nil {
		return counts, err
	}
	if err := db.DeleteCopy(ctx, tx, src.ID); err != nil {
		return counts, err
	}
	return counts, nil
}

// CheckForDuplicates lists (student -> copies) groups breaking the single
// identified copy invariant.
func (s *Service) CheckForDuplicates(ctx context.Context, examID int64) (map[int64][]int64, error) {
	return db.DuplicateIdentifications(ctx, s.database, examID)
}

// FixDuplicates merges every duplicate group into a deterministic target:
// oldest validated_at first, id as tie-break (the group query orders so).
func (s *Service) FixDuplicates(ctx context.Context, examID, actor int64) (int, error) {
	groups, err := db.DuplicateIdentifications(ctx, s.database, examID)
	if err != nil {
		return 0, err
	}
	merged := 0
	for studentID, ids := range groups {
		targetID := ids[0]
		for _, srcID := range ids[1:] {
			err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
				src, err := s.loadCopyForUpdate(ctx, tx, srcID)
				if err != nil {
					return err
				}
				dst, err := db.GetCopyForUpdate(ctx, tx, targetID)
				if err != nil {
					return err
				}
				counts, err := s.merge(ctx, tx, src, dst)
				if err != nil {
					return err
				}
				return s.emit(ctx, tx, dst.ID, models.EvMerge, actor, map[string]any{
					"student_id":              studentID,
					"merged_from_copy_id":     src.ID,
					"booklets_transferred":    counts.Booklets,
					"annotations_transferred": counts.Annotations,
					"scores_transferred":      counts.Scores,
					"remarks_transferred":     counts.Remarks,
				})
			})
			if err != nil {
				return merged, err
			}
			merged++
		}
	}
	return merged, nil
}
