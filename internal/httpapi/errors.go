package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/viescolaire/procto/internal/models"
	"github.com/viescolaire/procto/internal/observability"
)

// newHTTPErrorHandler maps the domain error taxonomy onto status codes.
// Anything unlisted is a 500: logged with detail, surfaced without it.
func newHTTPErrorHandler(log *zap.SugaredLogger) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		if ctx.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := any(http.StatusText(http.StatusInternalServerError))

		var (
			httpErr    *echo.HTTPError
			lockHeld   *models.LockHeldError
			validation *models.ValidationError
			blocked    *models.ExportBlockedError
			rasterErr  *models.RasterError
			fieldErrs  validator.ValidationErrors
		)
		switch {
		case errors.As(err, &httpErr):
			code = httpErr.Code
			message = httpErr.Message
		case errors.As(err, &fieldErrs):
			flds := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				flds[fe.Field()] = fe.Tag()
			}
			code = http.StatusBadRequest
			message = flds
		case errors.Is(err, models.ErrNotFound):
			code, message = http.StatusNotFound, "not found"
		case errors.Is(err, models.ErrLockLost):
			code, message = http.StatusNotFound, "lock absent or expired"
		case errors.Is(err, models.ErrAlreadyFinalized):
			code, message = http.StatusConflict, "copy already finalized"
		case errors.As(err, &lockHeld):
			code, message = http.StatusConflict, echo.Map{
				"error":     "lock held by another user",
				"locked_by": lockHeld.Owner,
			}
		case errors.Is(err, models.ErrVersionMismatch):
			code, message = http.StatusConflict, "version mismatch"
		case errors.Is(err, models.ErrSessionConflict):
			code, message = http.StatusConflict, "draft belongs to another session"
		case errors.Is(err, models.ErrInvalidToken):
			code, message = http.StatusForbidden, "invalid lock token"
		case errors.Is(err, models.ErrForbidden):
			code, message = http.StatusForbidden, "permission denied"
		case errors.Is(err, models.ErrInvalidState):
			code, message = http.StatusBadRequest, err.Error()
		case errors.Is(err, models.ErrDuplicateIdent):
			code, message = http.StatusBadRequest, err.Error()
		case errors.Is(err, models.ErrNoCorrectors):
			code, message = http.StatusBadRequest, "exam has no correctors"
		case errors.As(err, &validation):
			code, message = http.StatusBadRequest, validation.Msg
		case errors.As(err, &blocked):
			code, message = http.StatusBadRequest, echo.Map{
				"error":    "export blocked",
				"problems": blocked.Problems,
			}
		case errors.As(err, &rasterErr):
			code, message = http.StatusInternalServerError, "artefact generation failed"
		case errors.Is(err, models.ErrTransient):
			code, message = http.StatusServiceUnavailable, "temporary failure, retry"
		default:
			log.Errorw("unhandled error", "path", ctx.Path(), "err", err)
			observability.CaptureErr(err)
		}

		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}
		if ctx.Request().Method == http.MethodHead {
			_ = ctx.NoContent(code)
			return
		}
		_ = ctx.JSON(code, message)
	}
}
