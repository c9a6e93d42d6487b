package grading

import (
	"context"
	"database/sql"
	"math/rand"

	"github.com/google/uuid"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/metrics"
	"github.com/viescolaire/procto/internal/models"
)

type DispatchResult struct {
	RunID          string
	CopiesAssigned int
	Correctors     int
	Distribution   map[int64]int // corrector -> copies assigned by this run
	MinAssigned    int
	MaxAssigned    int
}

// Dispatch assigns READY unassigned copies to the exam's correctors,
// levelling total load. Candidates are taken with SKIP LOCKED so parallel
// runs partition the set; a re-run with nothing new assigns zero copies.
func (s *Service) Dispatch(ctx context.Context, examID, actor int64) (*DispatchResult, error) {
	res := &DispatchResult{
		RunID:        uuid.NewString(),
		Distribution: make(map[int64]int),
	}
	err := db.Within(ctx, s.database, func(tx *sql.Tx) error {
		correctors, err := db.ExamCorrectors(ctx, tx, examID)
		if err != nil {
			return err
		}
		if len(correctors) == 0 {
			return models.ErrNoCorrectors
		}
		res.Correctors = len(correctors)
		for _, c := range correctors {
			res.Distribution[c] = 0
		}

		candidates, err := db.CandidateCopiesForDispatch(ctx, tx, examID)
		if err != nil {
			return err
		}
		// loads are read under the same tx, after the candidate rows are
		// locked, so two runs cannot double-count
		loads, err := db.CorrectorLoads(ctx, tx, examID)
		if err != nil {
			return err
		}

		// deterministic permutation: same exam, same unassigned set, same
		// order across re-runs
		perm := make([]models.Copy, len(candidates))
		copy(perm, candidates)
		rng := rand.New(rand.NewSource(examID))
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		byCorrector := make(map[int64][]int64)
		for _, c := range perm {
			best := correctors[0]
			for _, cand := range correctors[1:] {
				if loads[cand] < loads[best] {
					best = cand
				}
			}
			loads[best]++
			byCorrector[best] = append(byCorrector[best], c.ID)
		}

		now := s.now()
		for corrector, ids := range byCorrector {
			if err := db.AssignCopies(ctx, tx, ids, corrector, res.RunID, now); err != nil {
				return err
			}
			res.Distribution[corrector] += len(ids)
			res.CopiesAssigned += len(ids)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	first := true
	for _, n := range res.Distribution {
		if first || n < res.MinAssigned {
			res.MinAssigned = n
		}
		if first || n > res.MaxAssigned {
			res.MaxAssigned = n
		}
		first = false
	}
	metrics.DispatchAssigned.Observe(float64(res.CopiesAssigned))
	s.log.Infow("dispatch run",
		"exam_id", examID,
		"run_id", res.RunID,
		"assigned", res.CopiesAssigned,
		"correctors", res.Correctors,
		"actor", actor,
	)
	return res, nil
}
