package models

import (
	"fmt"
	"time"
)

type AnnotationKind string

const (
	AnnComment AnnotationKind = "comment"
	AnnError   AnnotationKind = "error"
	AnnBonus   AnnotationKind = "bonus"
	AnnMalus   AnnotationKind = "malus"
)

// RectEpsilon absorbs float noise on the x+w<=1 / y+h<=1 edges.
const RectEpsilon = 1e-9

type Annotation struct {
	ID         int64
	CopyID     int64
	PageIndex  int
	X, Y, W, H float64 // normalised to page size
	Content    string
	Kind       AnnotationKind
	ScoreDelta *float64
	CreatedBy  int64
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func ValidAnnotationKind(k AnnotationKind) bool {
	switch k {
	case AnnComment, AnnError, AnnBonus, AnnMalus:
		return true
	}
	return false
}

// ValidateRect enforces the normalised-rectangle invariants.
func ValidateRect(x, y, w, h float64) error {
	if x < 0 || y < 0 {
		return NewValidation("annotation origin must be non-negative")
	}
	if w <= 0 || h <= 0 {
		return NewValidation("annotation width and height must be positive")
	}
	if x+w > 1+RectEpsilon || y+h > 1+RectEpsilon {
		return NewValidation(fmt.Sprintf("annotation exceeds page bounds (x+w=%g, y+h=%g)", x+w, y+h))
	}
	return nil
}
