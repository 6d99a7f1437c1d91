package db_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/lestiti/presence-guardian-04-sub000/internal/db"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "presence.db")

	conn, err := db.Open(ctx, db.Config{Path: path, Logger: silentLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	v, err := db.Version(ctx, conn)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 1 {
		t.Errorf("expected schema version 1, got %d", v)
	}

	// second run is a no-op
	if err := db.Migrate(ctx, conn, silentLogger()); err != nil {
		t.Fatalf("re-Migrate: %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 migration row, got %d", n)
	}
}

func TestVersion_FreshDatabase(t *testing.T) {
	ctx := context.Background()
	conn, err := sql.Open("sqlite", db.DSN(filepath.Join(t.TempDir(), "fresh.db")))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer conn.Close()

	v, err := db.Version(ctx, conn)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 0 {
		t.Errorf("expected version 0 before any migration, got %d", v)
	}
}

func TestWorker_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Path: filepath.Join(t.TempDir(), "w.db"), Logger: silentLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	w := db.NewWorker(conn)
	defer w.Close()

	boom := errors.New("boom")
	err = w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scan_records(id, session_id, subject_id, source, direction, captured_at_ms, committed_at_ms)
VALUES ('r1', 's', 'X', 'OPTICAL', 'IN', 0, 0);`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM scan_records").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback, found %d rows", n)
	}
}

func TestWorker_DoAfterClose(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Path: filepath.Join(t.TempDir(), "c.db"), Logger: silentLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	w := db.NewWorker(conn)
	w.Close()
	w.Close()

	err = w.Do(ctx, func(context.Context, *sql.Tx) error { return nil })
	if !errors.Is(err, db.ErrWorkerClosed) {
		t.Fatalf("expected ErrWorkerClosed, got %v", err)
	}
}
