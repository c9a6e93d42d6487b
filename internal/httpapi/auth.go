package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/viescolaire/procto/internal/ctxutil"
	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/models"
)

const ctxUserKey = "procto.user"

// Authorizer exposes the permission predicates the core consumes. The real
// authentication layer sits in front; this resolves its tokens to users.
type Authorizer interface {
	UserForToken(ctx context.Context, token string) (*models.User, error)
	IsCorrectorOf(ctx context.Context, user models.User, examID int64) (bool, error)
	Owns(ctx context.Context, user models.User, c models.Copy) (bool, error)
}

// StaticTokenAuth maps bearer tokens to user ids (rosters come from the
// school IL; out of scope here). Predicates run against the store.
type StaticTokenAuth struct {
	DB     db.Querier
	Tokens map[string]int64
}

func (a *StaticTokenAuth) UserForToken(ctx context.Context, token string) (*models.User, error) {
	id, ok := a.Tokens[token]
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unknown token")
	}
	return db.GetUser(ctx, a.DB, id)
}

func (a *StaticTokenAuth) IsCorrectorOf(ctx context.Context, user models.User, examID int64) (bool, error) {
	if user.IsAdmin() {
		return true, nil
	}
	return db.IsCorrector(ctx, a.DB, examID, user.ID)
}

func (a *StaticTokenAuth) Owns(ctx context.Context, user models.User, c models.Copy) (bool, error) {
	if c.StudentID == nil {
		return false, nil
	}
	st, err := db.GetStudent(ctx, a.DB, *c.StudentID)
	if err != nil {
		return false, err
	}
	return st.UserID != nil && *st.UserID == user.ID, nil
}

// authMiddleware resolves the Authorization bearer token into the request
// user.
func authMiddleware(auth Authorizer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			token := strings.TrimPrefix(header, "Bearer ")
			user, err := auth.UserForToken(c.Request().Context(), token)
			if err != nil {
				return err
			}
			c.Set(ctxUserKey, *user)
			c.SetRequest(c.Request().WithContext(
				ctxutil.WithActorID(c.Request().Context(), user.ID)))
			return next(c)
		}
	}
}

func requestUser(c echo.Context) models.User {
	u, _ := c.Get(ctxUserKey).(models.User)
	return u
}

func requireTeacher(c echo.Context) (models.User, error) {
	u := requestUser(c)
	if !u.IsTeacher() {
		return u, echo.NewHTTPError(http.StatusForbidden, "teachers only")
	}
	return u, nil
}

func requireAdmin(c echo.Context) (models.User, error) {
	u := requestUser(c)
	if !u.IsAdmin() {
		return u, echo.NewHTTPError(http.StatusForbidden, "admins only")
	}
	return u, nil
}
