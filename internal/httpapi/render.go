package httpapi

import (
	"time"

	"github.com/viescolaire/procto/internal/models"
)

// Wire shapes. The models package carries no json tags; the HTTP contract
// is pinned here so storage changes do not leak into responses.

type copyJSON struct {
	ID                int64      `json:"id"`
	ExamID            int64      `json:"exam_id"`
	AnonymousID       string     `json:"anonymous_id"`
	Status            string     `json:"status"`
	StudentID         *int64     `json:"student_id,omitempty"`
	IsIdentified      bool       `json:"is_identified"`
	ValidatedAt       *time.Time `json:"validated_at,omitempty"`
	AssignedCorrector *int64     `json:"assigned_corrector,omitempty"`
	LockedBy          *int64     `json:"locked_by,omitempty"`
	GradedAt          *time.Time `json:"graded_at,omitempty"`
	GradingRetries    int        `json:"grading_retries"`
	GradingError      *string    `json:"grading_error,omitempty"`
	Appreciation      *string    `json:"appreciation,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func renderCopy(c models.Copy) copyJSON {
	return copyJSON{
		ID:                c.ID,
		ExamID:            c.ExamID,
		AnonymousID:       c.AnonymousID,
		Status:            string(c.Status),
		StudentID:         c.StudentID,
		IsIdentified:      c.IsIdentified,
		ValidatedAt:       c.ValidatedAt,
		AssignedCorrector: c.AssignedCorrector,
		LockedBy:          c.LockedBy,
		GradedAt:          c.GradedAt,
		GradingRetries:    c.GradingRetries,
		GradingError:      c.GradingError,
		Appreciation:      c.Appreciation,
		CreatedAt:         c.CreatedAt,
	}
}

func renderCopies(cc []models.Copy) []copyJSON {
	out := make([]copyJSON, len(cc))
	for i, c := range cc {
		out[i] = renderCopy(c)
	}
	return out
}

type annotationJSON struct {
	ID         int64    `json:"id"`
	CopyID     int64    `json:"copy_id"`
	PageIndex  int      `json:"page_index"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	W          float64  `json:"w"`
	H          float64  `json:"h"`
	Content    string   `json:"content"`
	Kind       string   `json:"kind"`
	ScoreDelta *float64 `json:"score_delta,omitempty"`
	CreatedBy  int64    `json:"created_by"`
	Version    int      `json:"version"`
}

func renderAnnotation(a models.Annotation) annotationJSON {
	return annotationJSON{
		ID:         a.ID,
		CopyID:     a.CopyID,
		PageIndex:  a.PageIndex,
		X:          a.X,
		Y:          a.Y,
		W:          a.W,
		H:          a.H,
		Content:    a.Content,
		Kind:       string(a.Kind),
		ScoreDelta: a.ScoreDelta,
		CreatedBy:  a.CreatedBy,
		Version:    a.Version,
	}
}

type eventJSON struct {
	ID     int64          `json:"id"`
	CopyID int64          `json:"copy_id"`
	Action string         `json:"action"`
	Actor  int64          `json:"actor"`
	At     time.Time      `json:"at"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func renderEvents(evs []models.GradingEvent) []eventJSON {
	out := make([]eventJSON, len(evs))
	for i, ev := range evs {
		out[i] = eventJSON{
			ID:     ev.ID,
			CopyID: ev.CopyID,
			Action: string(ev.Action),
			Actor:  ev.Actor,
			At:     ev.At,
			Meta:   ev.Meta,
		}
	}
	return out
}

type examJSON struct {
	ID                int64              `json:"id"`
	Name              string             `json:"name"`
	Date              time.Time          `json:"date"`
	UploadMode        string             `json:"upload_mode"`
	Schema            models.ScoringNode `json:"scoring_schema"`
	Correctors        []int64            `json:"correctors"`
	ResultsReleasedAt *time.Time         `json:"results_released_at,omitempty"`
}

func renderExam(e models.Exam) examJSON {
	return examJSON{
		ID:                e.ID,
		Name:              e.Name,
		Date:              e.Date,
		UploadMode:        string(e.UploadMode),
		Schema:            e.Schema,
		Correctors:        e.Correctors,
		ResultsReleasedAt: e.ResultsReleasedAt,
	}
}
