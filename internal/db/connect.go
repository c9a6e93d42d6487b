package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Open connects to Postgres with the session defaults the engine assumes:
// statement timeout 30s, idle-in-transaction timeout 60s. The parameters go
// into the connection config so every pooled connection carries them.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.RuntimeParams["statement_timeout"] = "30s"
	cfg.RuntimeParams["idle_in_transaction_session_timeout"] = "60s"

	database := sql.OpenDB(stdlib.GetConnector(*cfg))
	database.SetMaxOpenConns(20)
	database.SetMaxIdleConns(5)
	database.SetConnMaxLifetime(30 * time.Minute)
	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}
