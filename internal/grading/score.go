package grading

import (
	"math"

	"github.com/viescolaire/procto/internal/models"
)

// ComputeScore sums annotation deltas and question scores. Non-finite
// values are skipped. No clamping here: [0,20] is an export concern.
func ComputeScore(annotations []models.Annotation, scores []models.QuestionScore) float64 {
	total := 0.0
	for _, a := range annotations {
		if a.ScoreDelta == nil {
			continue
		}
		if d := *a.ScoreDelta; !math.IsNaN(d) && !math.IsInf(d, 0) {
			total += d
		}
	}
	for _, qs := range scores {
		if !math.IsNaN(qs.Score) && !math.IsInf(qs.Score, 0) {
			total += qs.Score
		}
	}
	return Round2(total)
}

func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// ClampScore bounds the exported note into [0, 20].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 20 {
		return 20
	}
	return v
}
