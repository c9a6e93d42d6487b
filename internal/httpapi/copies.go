package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/models"
)

const (
	headerLockToken = "X-Lock-Token"
	headerClientID  = "X-Client-ID"
)

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "bad id")
	}
	return id, nil
}

func lockToken(c echo.Context) (string, error) {
	tok := c.Request().Header.Get(headerLockToken)
	if tok == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, headerLockToken+" header required")
	}
	return tok, nil
}

// ttlSeconds maps an omitted ttl_seconds to zero so the lock manager applies
// its default; explicit non-positive values were already rejected by
// validation.
func ttlSeconds(v *int) time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(*v) * time.Second
}

func (s *Server) getCopy(c echo.Context) error {
	if _, err := requireTeacher(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cp, err := s.svc.GetCopy(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, renderCopy(*cp))
}

func (s *Server) stapleBooklet(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		BookletID int64 `json:"booklet_id" validate:"required,gt=0"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := s.svc.StapleBooklet(c.Request().Context(), id, req.BookletID, user.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) validateCopy(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.svc.ValidateCopy(c.Request().Context(), id, user.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) resetCopy(c echo.Context) error {
	user, err := requireAdmin(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.svc.ResetFailedCopy(c.Request().Context(), id, user.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) identifyCopy(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		StudentID int64  `json:"student_id" validate:"required,gt=0"`
		Method    string `json:"method" validate:"omitempty,oneof=manual barcode"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if req.Method == "" {
		req.Method = "manual"
	}
	res, err := s.svc.Identify(c.Request().Context(), id, req.StudentID, user.ID, req.Method)
	if err != nil {
		return err
	}
	body := echo.Map{"merged": res.Merged, "copy_id": res.TargetID}
	if res.Merged {
		body["transferred"] = res.Counts
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) acquireLock(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req struct {
		TTLSeconds *int `json:"ttl_seconds" validate:"omitempty,gt=0"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	grant, err := s.svc.AcquireLock(c.Request().Context(), id, user.ID, ttlSeconds(req.TTLSeconds))
	if err != nil {
		return err
	}
	code := http.StatusOK
	if grant.Created {
		code = http.StatusCreated
	}
	return c.JSON(code, echo.Map{
		"token":       grant.Token,
		"expires_at":  grant.ExpiresAt,
		"server_time": time.Now().UTC(),
	})
}

func (s *Server) heartbeatLock(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	tok, err := lockToken(c)
	if err != nil {
		return err
	}
	var req struct {
		TTLSeconds *int `json:"ttl_seconds" validate:"omitempty,gt=0"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	expires, err := s.svc.HeartbeatLock(c.Request().Context(), id, user.ID, tok, ttlSeconds(req.TTLSeconds))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"expires_at": expires})
}

func (s *Server) releaseLock(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	tok, err := lockToken(c)
	if err != nil {
		return err
	}
	if err := s.svc.ReleaseLock(c.Request().Context(), id, user.ID, tok); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) lockStatus(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	st, err := s.svc.GetLockStatus(c.Request().Context(), id, user.ID)
	if err != nil {
		return err
	}
	body := echo.Map{"locked": st.Locked, "server_time": time.Now().UTC()}
	if st.Locked {
		body["owner"] = st.Owner
		body["expires_at"] = st.ExpiresAt
		body["is_active_user"] = st.IsActiveUser
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) getDraft(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := s.svc.GetDraft(c.Request().Context(), id, user.ID)
	if err != nil {
		return err
	}
	if d == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"payload":    json.RawMessage(d.Payload),
		"version":    d.Version,
		"client_id":  d.ClientID,
		"updated_at": d.UpdatedAt,
	})
}

func (s *Server) putDraft(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	tok, err := lockToken(c)
	if err != nil {
		return err
	}
	clientID := c.Request().Header.Get(headerClientID)
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, headerClientID+" header required")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if !json.Valid(payload) {
		return echo.NewHTTPError(http.StatusBadRequest, "draft payload must be JSON")
	}
	version, err := s.svc.PutDraft(c.Request().Context(), id, user.ID, payload, tok, clientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"version": version})
}

func (s *Server) dropDraft(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.svc.DropDraft(c.Request().Context(), id, user.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type annotationBody struct {
	PageIndex  *int     `json:"page_index" validate:"omitempty,gte=0"`
	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	W          *float64 `json:"w"`
	H          *float64 `json:"h"`
	Content    *string  `json:"content"`
	Kind       *string  `json:"kind" validate:"omitempty,oneof=comment error bonus malus"`
	ScoreDelta *float64 `json:"score_delta"`
}

func (s *Server) listAnnotations(c echo.Context) error {
	if _, err := requireTeacher(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	anns, err := s.svc.ListAnnotations(c.Request().Context(), id)
	if err != nil {
		return err
	}
	out := make([]annotationJSON, len(anns))
	for i, a := range anns {
		out[i] = renderAnnotation(a)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createAnnotation(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	tok, err := lockToken(c)
	if err != nil {
		return err
	}
	var req annotationBody
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if req.PageIndex == nil || req.X == nil || req.Y == nil || req.W == nil || req.H == nil || req.Kind == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "page_index, x, y, w, h and kind are required")
	}
	in := grading.AnnotationInput{
		PageIndex:  *req.PageIndex,
		X:          *req.X,
		Y:          *req.Y,
		W:          *req.W,
		H:          *req.H,
		Kind:       models.AnnotationKind(*req.Kind),
		ScoreDelta: req.ScoreDelta,
	}
	if req.Content != nil {
		in.Content = *req.Content
	}
	a, err := s.svc.CreateAnnotation(c.Request().Context(), id, user.ID, tok, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, renderAnnotation(*a))
}

// updateAnnotation merges the body over the current row and writes it back
// with the caller's expected version; a concurrent writer wins by version.
func (s *Server) updateAnnotation(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	tok, err := lockToken(c)
	if err != nil {
		return err
	}
	var req struct {
		annotationBody
		Version int `json:"version" validate:"required,gt=0"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	cur, err := s.svc.GetAnnotation(c.Request().Context(), id)
	if err != nil {
		return err
	}
	in := grading.AnnotationInput{
		PageIndex:  cur.PageIndex,
		X:          cur.X,
		Y:          cur.Y,
		W:          cur.W,
		H:          cur.H,
		Content:    cur.Content,
		Kind:       cur.Kind,
		ScoreDelta: cur.ScoreDelta,
	}
	if req.PageIndex != nil {
		in.PageIndex = *req.PageIndex
	}
	if req.X != nil {
		in.X = *req.X
	}
	if req.Y != nil {
		in.Y = *req.Y
	}
	if req.W != nil {
		in.W = *req.W
	}
	if req.H != nil {
		in.H = *req.H
	}
	if req.Content != nil {
		in.Content = *req.Content
	}
	if req.Kind != nil {
		in.Kind = models.AnnotationKind(*req.Kind)
	}
	if req.ScoreDelta != nil {
		in.ScoreDelta = req.ScoreDelta
	}
	a, err := s.svc.UpdateAnnotation(c.Request().Context(), id, user.ID, tok, req.Version, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, renderAnnotation(*a))
}

func (s *Server) deleteAnnotation(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	tok, err := lockToken(c)
	if err != nil {
		return err
	}
	if err := s.svc.DeleteAnnotation(c.Request().Context(), id, user, tok); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) setQuestionScore(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	tok, err := lockToken(c)
	if err != nil {
		return err
	}
	var req struct {
		Question string  `json:"question" validate:"required"`
		Score    float64 `json:"score" validate:"gte=0"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := s.svc.SetQuestionScore(c.Request().Context(), id, user.ID, tok, req.Question, req.Score); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) finalizeCopy(c echo.Context) error {
	user, err := requireTeacher(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	tok, err := lockToken(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Finalize(c.Request().Context(), id, user.ID, tok)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":      string(res.Status),
		"final_score": res.FinalScore,
	})
}

// finalPDF streams the flattened artefact. Teachers see it as soon as it
// exists; the student who owns the copy only after results are released.
func (s *Server) finalPDF(c echo.Context) error {
	user := requestUser(c)
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	cp, err := s.svc.GetCopy(ctx, id)
	if err != nil {
		return err
	}
	if !user.IsTeacher() {
		owns, err := s.auth.Owns(ctx, user, *cp)
		if err != nil {
			return err
		}
		if !owns {
			return models.ErrForbidden
		}
		exam, err := db.GetExam(ctx, s.database, cp.ExamID)
		if err != nil {
			return err
		}
		if exam.ResultsReleasedAt == nil {
			return models.ErrForbidden
		}
	}
	if cp.Status != models.StatusGraded {
		return models.ErrForbidden
	}
	data, err := s.svc.FinalPDF(ctx, id)
	if err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set("Content-Disposition", `inline; filename="copie_`+strconv.FormatInt(id, 10)+`.pdf"`)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "private, no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	return c.Blob(http.StatusOK, "application/pdf", data)
}

func (s *Server) auditTrail(c echo.Context) error {
	if _, err := requireTeacher(c); err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	evs, err := s.svc.AuditTrail(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, renderEvents(evs))
}
