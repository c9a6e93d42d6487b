package db_test

import (
	"context"
	"testing"

	"github.com/viescolaire/procto/internal/db"
	"github.com/viescolaire/procto/internal/testutil/testdb"
)

// session timeouts come from the connection config, so every pooled
// connection must carry them, not just the first one
func TestOpenSessionDefaults(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	database, err := db.Open(h.URI)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	// drop idle conns so each round trip below runs on a fresh connection
	database.SetMaxIdleConns(0)

	for i := 0; i < 3; i++ {
		var stmt, idle string
		if err := database.QueryRowContext(ctx,
			`SELECT current_setting('statement_timeout'), current_setting('idle_in_transaction_session_timeout')`,
		).Scan(&stmt, &idle); err != nil {
			t.Fatal(err)
		}
		if stmt != "30s" {
			t.Fatalf("statement_timeout %q, want 30s", stmt)
		}
		if idle != "60s" && idle != "1min" {
			t.Fatalf("idle_in_transaction_session_timeout %q, want 60s", idle)
		}
	}
}
