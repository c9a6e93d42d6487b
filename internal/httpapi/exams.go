package httpapi

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/viescolaire/procto/internal/export"
	"github.com/viescolaire/procto/internal/models"
)

func (s *Server) createExam(c echo.Context) error {
	if _, err := requireAdmin(c); err != nil {
		return err
	}
	var req struct {
		Name       string             `json:"name" validate:"required"`
		Date       time.Time          `json:"date" validate:"required"`
		UploadMode string             `json:"upload_mode" validate:"required,oneof=batch_a3 individual_a4"`
		Schema     models.ScoringNode `json:"scoring_schema" validate:"required"`
		Correctors []int64            `json:"correctors"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	id, err := s.svc.CreateExam(c.Request().Context(), models.Exam{
		Name:       req.Name,
		Date:       req.Date,
		UploadMode: models.UploadMode(req.UploadMode),
		Schema:     req.Schema,
		Correctors: req.Correctors,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": id})
}

func (s *Server) getExam(c echo.Context) error {
	if _, err := requireTeacher(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	exam, err := s.svc.GetExam(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, renderExam(*exam))
}

func (s *Server) updateExamSchema(c echo.Context) error {
	if _, err := requireAdmin(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		Schema models.ScoringNode `json:"scoring_schema" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := s.svc.UpdateExamSchema(c.Request().Context(), id, req.Schema); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) releaseResults(c echo.Context) error {
	if _, err := requireAdmin(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.svc.ReleaseResults(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listCopies(c echo.Context) error {
	if _, err := requireTeacher(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	copies, err := s.svc.ListCopies(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, renderCopies(copies))
}

func (s *Server) importCopy(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		AnonymousID string   `json:"anonymous_id" validate:"required"`
		Pages       []string `json:"pages"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	copyID, err := s.svc.ImportCopy(c.Request().Context(), id, req.AnonymousID, req.Pages, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": copyID})
}

func (s *Server) dispatch(c echo.Context) error {
	user, err := requireAdmin(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Dispatch(c.Request().Context(), id, user.ID)
	if err != nil {
		return err
	}
	dist := make(map[string]int, len(res.Distribution))
	for corrector, n := range res.Distribution {
		dist[strconv.FormatInt(corrector, 10)] = n
	}
	return c.JSON(http.StatusOK, echo.Map{
		"run_id":          res.RunID,
		"copies_assigned": res.CopiesAssigned,
		"correctors":      res.Correctors,
		"distribution":    dist,
		"min_assigned":    res.MinAssigned,
		"max_assigned":    res.MaxAssigned,
	})
}

func (s *Server) listDuplicates(c echo.Context) error {
	if _, err := requireTeacher(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	dups, err := s.svc.CheckForDuplicates(c.Request().Context(), id)
	if err != nil {
		return err
	}
	out := make(map[string][]int64, len(dups))
	for student, copies := range dups {
		out[strconv.FormatInt(student, 10)] = copies
	}
	return c.JSON(http.StatusOK, echo.Map{"duplicates": out})
}

func (s *Server) fixDuplicates(c echo.Context) error {
	user, err := requireAdmin(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	merged, err := s.svc.FixDuplicates(c.Request().Context(), id, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"merged": merged})
}

type exportTaskArgs struct {
	ExamID      int64   `json:"exam_id"`
	Coefficient float64 `json:"coefficient"`
	Actor       int64   `json:"actor"`
}

// exportPronote renders the CSV inline, or enqueues it with ?async=1 and
// returns the task id for polling.
func (s *Server) exportPronote(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		Coefficient *float64 `json:"coefficient" validate:"omitempty,gt=0"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	coeff := 1.0
	if req.Coefficient != nil {
		coeff = *req.Coefficient
	}
	if c.QueryParam("async") == "1" {
		taskID, err := s.queue.Enqueue(c.Request().Context(), "export_pronote", exportTaskArgs{
			ExamID:      id,
			Coefficient: coeff,
			Actor:       user.ID,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, echo.Map{"task_id": taskID})
	}
	res, err := export.Pronote(c.Request().Context(), s.database, id, export.PronoteOptions{
		Coefficient: coeff,
		Actor:       user.ID,
	})
	if err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	if len(res.Warnings) > 0 {
		h.Set("X-Export-Warnings", strings.Join(res.Warnings, "; "))
	}
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", res.Data)
}

func (s *Server) exportWorkbook(c echo.Context) error {
	if _, err := requireTeacher(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	exam, err := s.svc.GetExam(ctx, id)
	if err != nil {
		return err
	}
	f, err := export.GradingWorkbook(ctx, s.database, id)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return err
	}
	c.Response().Header().Set("Content-Disposition",
		`attachment; filename="`+export.WorkbookFilename(exam.Name)+`"`)
	return c.Blob(http.StatusOK,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (s *Server) taskStatus(c echo.Context) error {
	if _, err := requireTeacher(c); err != nil {
		return err
	}
	task, err := s.queue.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if task == nil {
		return models.ErrNotFound
	}
	body := echo.Map{
		"id":    task.ID,
		"kind":  task.Kind,
		"state": string(task.State),
	}
	if len(task.Result) > 0 {
		body["result"] = task.Result
	}
	return c.JSON(http.StatusOK, body)
}
