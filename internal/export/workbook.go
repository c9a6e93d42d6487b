package export

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/models"
)

// GradingWorkbook renders the operator overview of an exam: one row per
// copy with status, corrector and score.
func GradingWorkbook(ctx context.Context, database *sql.DB, examID int64) (*excelize.File, error) {
	exam, err := db.GetExam(ctx, database, examID)
	if err != nil {
		return nil, err
	}
	copies, err := db.ListCopiesByExam(ctx, database, examID)
	if err != nil {
		return nil, err
	}

	header := []string{"Copie", "Statut", "Correcteur", "Note", "Corrigée le"}
	rows := make([][]string, 0, len(copies))
	for _, c := range copies {
		note := ""
		if c.Status == models.StatusGraded {
			score, err := copyScore(ctx, database, c.ID)
			if err != nil {
				return nil, err
			}
			note = frenchDecimal(grading.ClampScore(score), 2)
		}
		corrector := ""
		if c.AssignedCorrector != nil {
			corrector = fmt.Sprintf("%d", *c.AssignedCorrector)
		}
		gradedAt := ""
		if c.GradedAt != nil {
			gradedAt = c.GradedAt.Format("02/01/2006 15:04")
		}
		rows = append(rows, []string{c.AnonymousID, string(c.Status), corrector, note, gradedAt})
	}

	f := excelize.NewFile()
	sheet := exam.Name
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	bold, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	for col, h := range header {
		cell := fmt.Sprintf("%s1", colName(col+1))
		if err := f.SetCellStr(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("set cell %s: %w", cell, err)
		}
	}
	end := colName(len(header)) + "1"
	_ = f.SetCellStyle(sheet, "A1", end, bold)
	_ = f.AutoFilter(sheet, "A1:"+end, nil)

	for r, row := range rows {
		for c, val := range row {
			cell := fmt.Sprintf("%s%d", colName(c+1), r+2)
			if err := f.SetCellStr(sheet, cell, val); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}
	// width heuristic: header length and the first rows
	for c := 1; c <= len(header); c++ {
		maxim := len(header[c-1])
		for r := 0; r < minim(50, len(rows)); r++ {
			if l := len(rows[r][c-1]); l > maxim {
				maxim = l
			}
		}
		w := float64(maxim) * 0.9
		if w < 12 {
			w = 12
		}
		if w > 40 {
			w = 40
		}
		_ = f.SetColWidth(sheet, colName(c), colName(c), w)
	}
	return f, nil
}

func WorkbookFilename(examName string) string {
	return fmt.Sprintf("suivi_%s_%s.xlsx", examName, time.Now().Format("2006-01-02"))
}

// helpers
func colName(n int) string {
	s := ""
	for n > 0 {
		n--
		s = string(rune('A'+(n%26))) + s
		n /= 26
	}
	return s
}

func minim(a, b int) int {
	if a < b {
		return a
	}
	return b
}
