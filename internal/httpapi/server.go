// Package httpapi exposes the grading engine over HTTP. Handlers stay
// thin: parse, call the service, render; all state rules live in grading.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/jobs"
	"github.com/viescolaire/procto/internal/metrics"
)

type Server struct {
	echo     *echo.Echo
	svc      *grading.Service
	queue    *jobs.Queue
	database *sql.DB
	auth     Authorizer
	log      *zap.SugaredLogger
}

func New(svc *grading.Service, queue *jobs.Queue, database *sql.DB, auth Authorizer, log *zap.SugaredLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = newHTTPErrorHandler(log)
	e.Validator = &echoValidator{v: validator.New()}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{echo: e, svc: svc, queue: queue, database: database, auth: auth, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api", authMiddleware(s.auth))

	api.POST("/exams", s.createExam)
	api.GET("/exams/:id", s.getExam)
	api.PUT("/exams/:id/schema", s.updateExamSchema)
	api.POST("/exams/:id/release", s.releaseResults)
	api.GET("/exams/:id/copies", s.listCopies)
	api.POST("/exams/:id/copies", s.importCopy)
	api.POST("/exams/:id/dispatch", s.dispatch)
	api.GET("/exams/:id/duplicates", s.listDuplicates)
	api.POST("/exams/:id/duplicates/fix", s.fixDuplicates)
	api.POST("/exams/:id/export-pronote", s.exportPronote)
	api.GET("/exams/:id/export/workbook", s.exportWorkbook)

	api.GET("/copies/:id", s.getCopy)
	api.POST("/copies/:id/staple", s.stapleBooklet)
	api.POST("/copies/:id/validate", s.validateCopy)
	api.POST("/copies/:id/reset", s.resetCopy)
	api.POST("/copies/:id/identify", s.identifyCopy)

	api.POST("/copies/:id/lock", s.acquireLock)
	api.GET("/copies/:id/lock", s.lockStatus)
	api.POST("/copies/:id/lock/heartbeat", s.heartbeatLock)
	api.DELETE("/copies/:id/lock", s.releaseLock)

	api.GET("/copies/:id/draft", s.getDraft)
	api.PUT("/copies/:id/draft", s.putDraft)
	api.DELETE("/copies/:id/draft", s.dropDraft)

	api.GET("/copies/:id/annotations", s.listAnnotations)
	api.POST("/copies/:id/annotations", s.createAnnotation)
	api.PATCH("/annotations/:id", s.updateAnnotation)
	api.DELETE("/annotations/:id", s.deleteAnnotation)

	api.PUT("/copies/:id/scores", s.setQuestionScore)
	api.POST("/copies/:id/finalize", s.finalizeCopy)
	api.GET("/copies/:id/final-pdf", s.finalPDF)
	api.GET("/copies/:id/audit", s.auditTrail)

	api.GET("/tasks/:id", s.taskStatus)
}

func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 800*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	if err := s.database.PingContext(ctx); err != nil {
		return c.String(http.StatusServiceUnavailable, "db not ok: "+err.Error())
	}
	metrics.ObserveDBPing(time.Since(t0))
	return c.String(http.StatusOK, "ok")
}

type echoValidator struct{ v *validator.Validate }

func (ev *echoValidator) Validate(i any) error { return ev.v.Struct(i) }

// Handler exposes the routed mux, mostly for in-process tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
