// Package raster is the contract to the external rasterisation / flattening
// service. The engine never renders PDFs itself.
package raster

import "context"

type PageAnnotation struct {
	Page       int      `json:"page"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	W          float64  `json:"w"`
	H          float64  `json:"h"`
	Kind       string   `json:"kind"`
	Content    string   `json:"content"`
	ScoreDelta *float64 `json:"score_delta,omitempty"`
}

type ScoreLine struct {
	Question string  `json:"question"`
	Score    float64 `json:"score"`
	Max      float64 `json:"max"`
}

// Summary becomes the appended A4 recap page of the final PDF.
type Summary struct {
	AnonymousID string      `json:"anonymous_id"`
	ExamName    string      `json:"exam_name"`
	FinalScore  float64     `json:"final_score"`
	Breakdown   []ScoreLine `json:"breakdown"`
}

type FlattenRequest struct {
	Pages       [][]byte         `json:"-"`
	PagePaths   []string         `json:"pages"`
	Annotations []PageAnnotation `json:"annotations"`
	Summary     Summary          `json:"summary"`
}

type Client interface {
	// RasterisePDF splits a source PDF into ordered page PNGs.
	RasterisePDF(ctx context.Context, pdf []byte) ([][]byte, error)
	// Flatten burns annotations into page images and appends the summary
	// page, returning the final PDF bytes.
	Flatten(ctx context.Context, req FlattenRequest) ([]byte, error)
}
