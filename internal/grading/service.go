// Package grading implements the copy lifecycle engine: the state machine,
// lock and draft protocol, annotation CRUD, dispatch, identification merge
// and finalisation.
package grading

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/viescolaire/procto/internal/blob"
	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/models"
	"github.com/viescolaire/procto/internal/raster"
)

// AlarmFunc fires when a copy exhausts its grading retries. The process
// wires this to the operator alert channel.
type AlarmFunc func(ctx context.Context, c models.Copy, detail string)

type Service struct {
	database *sql.DB
	blobs    blob.Store
	raster   raster.Client
	log      *zap.SugaredLogger
	now      func() time.Time
	alarm    AlarmFunc
}

type Option func(*Service)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithAlarm(fn AlarmFunc) Option {
	return func(s *Service) { s.alarm = fn }
}

func New(database *sql.DB, blobs blob.Store, rc raster.Client, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		database: database,
		blobs:    blobs,
		raster:   rc,
		log:      log,
		now:      time.Now,
		alarm:    func(context.Context, models.Copy, string) {},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// emit appends one audit row inside the caller's transaction so the event
// and the state change commit or roll back together.
func (s *Service) emit(ctx context.Context, q db.Querier, copyID int64, action models.EventAction, actor int64, meta map[string]any) error {
	_, err := db.InsertEvent(ctx, q, models.GradingEvent{
		CopyID: copyID,
		Action: action,
		Actor:  actor,
		At:     s.now(),
		Meta:   meta,
	})
	return err
}
