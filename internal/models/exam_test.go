package models

import (
	"testing"
)

func leaf(name string, pts float64) ScoringNode {
	return ScoringNode{Name: name, MaxPoints: pts}
}

func TestScoringNodeValidate(t *testing.T) {
	t.Run("flat_sums_to_20", func(t *testing.T) {
		n := ScoringNode{Name: "bac", Children: []ScoringNode{
			leaf("q1", 5), leaf("q2", 7), leaf("q3", 8),
		}}
		if err := n.Validate(); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	})

	t.Run("nested_sums_to_20", func(t *testing.T) {
		n := ScoringNode{Name: "bac", Children: []ScoringNode{
			{Name: "ex1", Children: []ScoringNode{leaf("q1", 4), leaf("q2", 6)}},
			{Name: "ex2", Children: []ScoringNode{leaf("q1", 10)}},
		}}
		if err := n.Validate(); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	})

	t.Run("total_off_by_half_point", func(t *testing.T) {
		n := ScoringNode{Name: "bac", Children: []ScoringNode{
			leaf("q1", 10), leaf("q2", 9.5),
		}}
		if err := n.Validate(); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("fractional_points_still_exact", func(t *testing.T) {
		n := ScoringNode{Name: "bac", Children: []ScoringNode{
			leaf("q1", 6.5), leaf("q2", 6.5), leaf("q3", 7),
		}}
		if err := n.Validate(); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	})

	t.Run("negative_leaf_rejected", func(t *testing.T) {
		n := ScoringNode{Name: "bac", Children: []ScoringNode{
			leaf("q1", 25), leaf("q2", -5),
		}}
		if err := n.Validate(); err == nil {
			t.Fatal("expected validation error")
		}
	})
}

func TestScoringNodeLeaves(t *testing.T) {
	n := ScoringNode{Name: "bac", Children: []ScoringNode{
		{Name: "ex1", Children: []ScoringNode{leaf("q1", 4), leaf("q2", 6)}},
		leaf("bonus", 10),
	}}
	leaves := n.Leaves()
	want := []string{"bac/ex1/q1", "bac/ex1/q2", "bac/bonus"}
	if len(leaves) != len(want) {
		t.Fatalf("got %d leaves, want %d", len(leaves), len(want))
	}
	for i, w := range want {
		if leaves[i].Path != w {
			t.Fatalf("leaf %d: got %q, want %q", i, leaves[i].Path, w)
		}
	}
}
