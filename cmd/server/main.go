package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/viescolaire/procto/internal/alert"
	"github.com/viescolaire/procto/internal/blob"
	"github.com/viescolaire/procto/internal/config"
	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/export"
	"github.com/viescolaire/procto/internal/grading"
	"github.com/viescolaire/procto/internal/httpapi"
	"github.com/viescolaire/procto/internal/jobs"
	"github.com/viescolaire/procto/internal/logging"
	"github.com/viescolaire/procto/internal/observability"
	"github.com/viescolaire/procto/internal/raster"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env not found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer lg.Closer()

	closeSentry, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, "procto-server")
	if err != nil {
		lg.Sugar.Warnw("sentry init failed", "err", err)
	} else {
		defer closeSentry()
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		lg.Sugar.Fatalw("db open", "err", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		lg.Sugar.Fatalw("db migrate", "err", err)
	}

	blobs, err := blob.NewFSStore(cfg.BlobRoot)
	if err != nil {
		lg.Sugar.Fatalw("blob store", "err", err)
	}

	notifier, err := alert.New(cfg.BotToken, cfg.AlertChatIDs, lg.Sugar)
	if err != nil {
		lg.Sugar.Fatalw("alert notifier", "err", err)
	}

	svc := grading.New(database, blobs, raster.NewHTTPClient(cfg.RasterURL), lg.Sugar,
		grading.WithAlarm(notifier.GradingFailed))

	queue := jobs.NewQueue(database, lg.Sugar)
	queue.Register("export_pronote", func(ctx context.Context, args json.RawMessage) (any, error) {
		var a struct {
			ExamID      int64   `json:"exam_id"`
			Coefficient float64 `json:"coefficient"`
			Actor       int64   `json:"actor"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		res, err := export.Pronote(ctx, database, a.ExamID, export.PronoteOptions{
			Coefficient: a.Coefficient,
			Actor:       a.Actor,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"filename": res.Filename,
			"rows":     res.Rows,
			"warnings": res.Warnings,
		}, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := jobs.New(ctx)
	runner.Every(cfg.SweepInterval, "lock_sweep", func(ctx context.Context) error {
		_, err := svc.SweepExpiredLocks(ctx)
		return err
	})
	runner.Every(5*time.Second, "task_queue", queue.Drain)

	auth := &httpapi.StaticTokenAuth{DB: database, Tokens: cfg.AuthTokens}
	server := httpapi.New(svc, queue, database, auth, lg.Sugar)

	go func() {
		lg.Sugar.Infow("http listening", "addr", cfg.HTTPAddr)
		if err := server.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Sugar.Fatalw("http server", "err", err)
		}
	}()

	<-ctx.Done()
	lg.Sugar.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shCtx); err != nil {
		lg.Sugar.Errorw("shutdown", "err", err)
	}
}
