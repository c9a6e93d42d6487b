// Package export produces the PRONOTE CSV feed and the operator XLSX
// overview for a graded exam.
package export

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/metrics"
	"github.com/viescolaire/procto/internal/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

const (
	pronoteHeaderRow = "NOM;PRENOM;DATE_NAISSANCE;MATIERE;NOTE;COEFF;COMMENTAIRE"
	commentLimit     = 500
)

type PronoteOptions struct {
	Coefficient float64 // default 1.0
	Actor       int64
}

type PronoteResult struct {
	Filename string
	Data     []byte
	Rows     int
	Warnings []string
}

// Pronote validates and renders the CSV: UTF-8 with BOM, CRLF, semicolon
// delimiter, French decimal comma. Same state, same bytes.
func Pronote(ctx context.Context, database *sql.DB, examID int64, opt PronoteOptions) (*PronoteResult, error) {
	if opt.Coefficient == 0 {
		opt.Coefficient = 1.0
	}
	exam, err := db.GetExam(ctx, database, examID)
	if err != nil {
		return nil, err
	}
	copies, err := db.ListCopiesByExam(ctx, database, examID)
	if err != nil {
		return nil, err
	}

	graded, problems := validate(copies)
	if len(problems) > 0 {
		blocked := &models.ExportBlockedError{Problems: problems}
		for _, c := range graded {
			if !c.IsIdentified || c.StudentID == nil {
				_, _ = db.InsertEvent(ctx, database, models.GradingEvent{
					CopyID: c.ID,
					Action: models.EvExport,
					Actor:  opt.Actor,
					At:     time.Now(),
					Meta:   map[string]any{"success": false, "detail": "unidentified copy blocks export"},
				})
			}
		}
		return nil, blocked
	}

	var buf bytes.Buffer
	buf.Write(utf8BOM)
	w := csv.NewWriter(&buf)
	w.Comma = ';'
	w.UseCRLF = true
	if err := w.Write(strings.Split(pronoteHeaderRow, ";")); err != nil {
		return nil, err
	}

	var warnings []string
	for _, c := range graded {
		student, err := db.GetStudent(ctx, database, *c.StudentID)
		if err != nil {
			return nil, err
		}
		score, err := copyScore(ctx, database, c.ID)
		if err != nil {
			return nil, err
		}

		nom, prenom := splitName(student.FullName)
		if prenom == "" {
			warnings = append(warnings, fmt.Sprintf("copy %s: student name %q has no first name", c.AnonymousID, student.FullName))
		}
		comment := sanitizeComment(deref(c.Appreciation))
		if strings.Contains(deref(c.Appreciation), ";") {
			warnings = append(warnings, fmt.Sprintf("copy %s: comment contains a semicolon", c.AnonymousID))
		}
		if startsWithCombining(comment) {
			warnings = append(warnings, fmt.Sprintf("copy %s: comment starts with a combining accent", c.AnonymousID))
		}

		row := []string{
			nom,
			prenom,
			student.BirthDate.Format("02/01/2006"),
			exam.Name,
			frenchDecimal(grading.ClampScore(score), 2),
			frenchDecimal(opt.Coefficient, 1),
			comment,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	for _, c := range graded {
		if _, err := db.InsertEvent(ctx, database, models.GradingEvent{
			CopyID: c.ID,
			Action: models.EvExport,
			Actor:  opt.Actor,
			At:     time.Now(),
			Meta:   map[string]any{"format": "pronote", "coefficient": opt.Coefficient},
		}); err != nil {
			return nil, err
		}
	}
	metrics.ExportRows.Add(float64(len(graded)))

	return &PronoteResult{
		Filename: fmt.Sprintf("export_pronote_%s_%s.csv", exam.Name, exam.Date.Format("2006-01-02")),
		Data:     buf.Bytes(),
		Rows:     len(graded),
		Warnings: warnings,
	}, nil
}

func validate(copies []models.Copy) (graded []models.Copy, problems []string) {
	if len(copies) == 0 {
		return nil, []string{"exam has no copies"}
	}
	for _, c := range copies {
		if c.Status == models.StatusGraded {
			graded = append(graded, c)
		}
	}
	if len(graded) == 0 {
		return nil, []string{"exam has no graded copies"}
	}
	for _, c := range graded {
		if !c.IsIdentified || c.StudentID == nil {
			problems = append(problems, fmt.Sprintf("graded copy %s is not identified", c.AnonymousID))
		}
	}
	return graded, problems
}

// copyScore recomputes the final score; a GRADED copy is immutable so the
// same state always yields the same note.
func copyScore(ctx context.Context, database *sql.DB, copyID int64) (float64, error) {
	anns, err := db.ListAnnotationsByCopy(ctx, database, copyID)
	if err != nil {
		return 0, err
	}
	scores, err := db.ListQuestionScoresByCopy(ctx, database, copyID)
	if err != nil {
		return 0, err
	}
	return grading.ComputeScore(anns, scores), nil
}

// splitName cuts on the first space: "DUPONT Marie Anne" -> NOM "DUPONT",
// PRENOM "Marie Anne".
func splitName(full string) (nom, prenom string) {
	full = strings.TrimSpace(full)
	if i := strings.IndexByte(full, ' '); i >= 0 {
		return full[:i], strings.TrimSpace(full[i+1:])
	}
	return full, ""
}

// sanitizeComment guards against CSV formula injection and flattens
// newlines before the 500-char cap.
func sanitizeComment(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	s = strings.TrimLeft(s, "=+-@")
	s = strings.TrimSpace(s)
	if len(s) > commentLimit {
		runes := []rune(s)
		if len(runes) > commentLimit {
			s = string(runes[:commentLimit-1]) + "…"
		}
	}
	return s
}

func frenchDecimal(v float64, places int) string {
	return strings.Replace(fmt.Sprintf("%.*f", places, v), ".", ",", 1)
}

func startsWithCombining(s string) bool {
	for _, r := range s {
		return unicode.Is(unicode.Mn, r)
	}
	return false
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
