package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/viescolaire/procto/internal/models"
)

func mapErr(t *testing.T, err error) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	newHTTPErrorHandler(zap.NewNop().Sugar())(err, ctx)
	return rec
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not_found", models.ErrNotFound, http.StatusNotFound},
		{"lock_lost", models.ErrLockLost, http.StatusNotFound},
		{"already_finalized", models.ErrAlreadyFinalized, http.StatusConflict},
		{"version_mismatch", models.ErrVersionMismatch, http.StatusConflict},
		{"session_conflict", models.ErrSessionConflict, http.StatusConflict},
		{"invalid_token", models.ErrInvalidToken, http.StatusForbidden},
		{"forbidden", models.ErrForbidden, http.StatusForbidden},
		{"invalid_state", models.ErrInvalidState, http.StatusBadRequest},
		{"no_correctors", models.ErrNoCorrectors, http.StatusBadRequest},
		{"validation", models.NewValidation("bad rect"), http.StatusBadRequest},
		{"transient", models.ErrTransient, http.StatusServiceUnavailable},
		{"raster", &models.RasterError{Stage: "flatten", Err: errors.New("down")}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := mapErr(t, c.err)
			if rec.Code != c.code {
				t.Fatalf("got %d, want %d", rec.Code, c.code)
			}
		})
	}
}

func TestLockHeldPayload(t *testing.T) {
	rec := mapErr(t, &models.LockHeldError{CopyID: 7, Owner: 42})
	if rec.Code != http.StatusConflict {
		t.Fatalf("got %d, want 409", rec.Code)
	}
	var body struct {
		LockedBy int64 `json:"locked_by"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.LockedBy != 42 {
		t.Fatalf("locked_by %d, want 42", body.LockedBy)
	}
}

func TestWrappedErrorsStillMap(t *testing.T) {
	rec := mapErr(t, errors.Join(errors.New("context"), models.ErrAlreadyFinalized))
	if rec.Code != http.StatusConflict {
		t.Fatalf("got %d, want 409", rec.Code)
	}
}
