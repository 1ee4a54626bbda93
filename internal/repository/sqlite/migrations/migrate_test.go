package migrations_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/msomdec/user-admin/internal/repository/sqlite/migrations"
	_ "modernc.org/sqlite"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func schemaVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	return v
}

func TestRun_CreatesSchema(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	if err := migrations.Run(ctx, db); err != nil {
		t.Fatalf("Run: %v", err)
	}

	now := time.Now()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sessions (key, user_id, access_token, refresh_token, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"k1", "u1", []byte("a"), []byte("r"), now, now,
	); err != nil {
		t.Fatalf("insert into sessions: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sync_issues (id, kind, user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"i1", "email_sync", "u1", now, now,
	); err != nil {
		t.Fatalf("insert into sync_issues: %v", err)
	}

	if v := schemaVersion(t, db); v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
}

func TestRun_Idempotent(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	if err := migrations.Run(ctx, db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// A second run would fail on CREATE TABLE if the file were applied again.
	if err := migrations.Run(ctx, db); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if v := schemaVersion(t, db); v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
}

func TestRun_SkipsAppliedVersions(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA user_version = 1"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	if err := migrations.Run(ctx, db); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'sessions'").Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if n != 0 {
		t.Fatal("expected version 1 to be treated as applied")
	}
}
