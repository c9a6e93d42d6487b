package models

import "time"

type CopyStatus string

const (
	StatusStaging           CopyStatus = "STAGING"
	StatusReady             CopyStatus = "READY"
	StatusLocked            CopyStatus = "LOCKED"
	StatusGradingInProgress CopyStatus = "GRADING_IN_PROGRESS"
	StatusGraded            CopyStatus = "GRADED"
	StatusGradingFailed     CopyStatus = "GRADING_FAILED"
)

// MaxGradingRetries bounds finalize attempts; past it the copy stays in
// GRADING_FAILED until an admin reset.
const MaxGradingRetries = 3

type Copy struct {
	ID                int64
	ExamID            int64
	AnonymousID       string
	Status            CopyStatus
	StudentID         *int64
	IsIdentified      bool
	ValidatedAt       *time.Time
	AssignedCorrector *int64
	AssignedAt        *time.Time
	DispatchRunID     *string
	LockedBy          *int64
	LockedAt          *time.Time
	GradedAt          *time.Time
	GradingRetries    int
	GradingError      *string
	FinalPDF          *string // blob path, set exactly once
	Appreciation      *string
	CreatedAt         time.Time
}

type Booklet struct {
	ID        int64
	ExamID    int64
	CopyID    *int64
	PageStart int
	PageEnd   int
	Pages     []string // blob paths, in order
	CreatedAt time.Time
}

func (b Booklet) PageCount() int { return len(b.Pages) }

type Student struct {
	ID        int64
	FullName  string
	BirthDate time.Time
	UserID    *int64
}

type Lock struct {
	CopyID    int64
	Owner     int64
	Token     string
	ExpiresAt time.Time
}

func (l Lock) Expired(now time.Time) bool { return !l.ExpiresAt.After(now) }

type Draft struct {
	CopyID    int64
	Owner     int64
	Payload   []byte // opaque JSON, advisory only
	ClientID  string
	LockToken string
	Version   int
	UpdatedAt time.Time
}

type QuestionScore struct {
	ID        int64
	CopyID    int64
	Question  string
	Score     float64
	CreatedBy int64
}

type QuestionRemark struct {
	ID        int64
	CopyID    int64
	Question  string
	Remark    string
	CreatedBy int64
}
