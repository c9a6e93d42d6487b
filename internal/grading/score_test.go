package grading

import (
	"math"
	"testing"

	"github.com/viescolaire/procto/internal/models"
)

func fptr(v float64) *float64 { return &v }

func TestComputeScore(t *testing.T) {
	t.Run("sums_deltas_and_question_scores", func(t *testing.T) {
		anns := []models.Annotation{
			{Kind: models.AnnBonus, ScoreDelta: fptr(1.5)},
			{Kind: models.AnnMalus, ScoreDelta: fptr(-0.5)},
			{Kind: models.AnnComment}, // no delta
		}
		scores := []models.QuestionScore{
			{Question: "ex1.q1", Score: 3},
			{Question: "ex1.q2", Score: 2.25},
		}
		if got := ComputeScore(anns, scores); got != 6.25 {
			t.Fatalf("got %v, want 6.25", got)
		}
	})

	t.Run("skips_non_finite", func(t *testing.T) {
		anns := []models.Annotation{
			{ScoreDelta: fptr(math.NaN())},
			{ScoreDelta: fptr(math.Inf(1))},
			{ScoreDelta: fptr(2)},
		}
		scores := []models.QuestionScore{{Score: math.Inf(-1)}, {Score: 1}}
		if got := ComputeScore(anns, scores); got != 3 {
			t.Fatalf("got %v, want 3", got)
		}
	})

	t.Run("rounds_to_two_decimals", func(t *testing.T) {
		anns := []models.Annotation{
			{ScoreDelta: fptr(0.1)},
			{ScoreDelta: fptr(0.2)},
		}
		if got := ComputeScore(anns, nil); got != 0.3 {
			t.Fatalf("got %v, want 0.3", got)
		}
	})

	t.Run("empty_is_zero", func(t *testing.T) {
		if got := ComputeScore(nil, nil); got != 0 {
			t.Fatalf("got %v, want 0", got)
		}
	})
}

func TestClampScore(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{-3, 0},
		{0, 0},
		{12.5, 12.5},
		{20, 20},
		{24.75, 20},
	}
	for _, c := range cases {
		if got := ClampScore(c.in); got != c.want {
			t.Fatalf("ClampScore(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestClampTTL(t *testing.T) {
	if got := ClampTTL(0); got != DefaultLockTTL {
		t.Fatalf("zero ttl: got %v, want default %v", got, DefaultLockTTL)
	}
	if got := ClampTTL(MinLockTTL / 2); got != MinLockTTL {
		t.Fatalf("below floor: got %v", got)
	}
	if got := ClampTTL(2 * MaxLockTTL); got != MaxLockTTL {
		t.Fatalf("above ceiling: got %v", got)
	}
	if got := ClampTTL(DefaultLockTTL); got != DefaultLockTTL {
		t.Fatalf("in range: got %v", got)
	}
}
