package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type UploadMode string

const (
	UploadBatchA3     UploadMode = "batch_a3"
	UploadIndividual  UploadMode = "individual_a4"
	scoringTotalLimit            = 20.0
)

type Exam struct {
	ID                int64
	Name              string
	Date              time.Time
	UploadMode        UploadMode
	Schema            ScoringNode
	Correctors        []int64 // ordered, ties in dispatch break by position
	ResultsReleasedAt *time.Time
	CreatedAt         time.Time
}

// ScoringNode is the barème tree. A node is either a group (Children set)
// or a gradable leaf (MaxPoints set). Leaves must sum to 20 per exam.
type ScoringNode struct {
	Name      string        `json:"name"`
	MaxPoints float64       `json:"max_points,omitempty"`
	Children  []ScoringNode `json:"children,omitempty"`
}

func (n ScoringNode) IsLeaf() bool { return len(n.Children) == 0 }

// LeafTotal sums max_points over all leaves.
func (n ScoringNode) LeafTotal() float64 {
	if n.IsLeaf() {
		return n.MaxPoints
	}
	total := 0.0
	for _, c := range n.Children {
		total += c.LeafTotal()
	}
	return total
}

// Leaves returns slash-joined question paths in depth-first order.
func (n ScoringNode) Leaves() []QuestionLeaf {
	var out []QuestionLeaf
	n.walk("", &out)
	return out
}

type QuestionLeaf struct {
	Path      string
	MaxPoints float64
}

func (n ScoringNode) walk(prefix string, out *[]QuestionLeaf) {
	path := n.Name
	if prefix != "" {
		path = prefix + "/" + n.Name
	}
	if n.IsLeaf() {
		*out = append(*out, QuestionLeaf{Path: path, MaxPoints: n.MaxPoints})
		return
	}
	for _, c := range n.Children {
		c.walk(path, out)
	}
}

// Validate checks the barème: leaves positive, total exactly 20.
func (n ScoringNode) Validate() error {
	for _, leaf := range n.Leaves() {
		if leaf.MaxPoints <= 0 || math.IsNaN(leaf.MaxPoints) || math.IsInf(leaf.MaxPoints, 0) {
			return NewValidation(fmt.Sprintf("question %q: max_points must be positive", leaf.Path))
		}
	}
	if total := n.LeafTotal(); math.Abs(total-scoringTotalLimit) > 1e-9 {
		return NewValidation(fmt.Sprintf("barème total is %.2f, must be 20", total))
	}
	return nil
}

func (n ScoringNode) MarshalSchema() ([]byte, error) { return json.Marshal(n) }

func UnmarshalSchema(raw []byte) (ScoringNode, error) {
	var n ScoringNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return ScoringNode{}, fmt.Errorf("scoring schema: %w", err)
	}
	return n, nil
}
