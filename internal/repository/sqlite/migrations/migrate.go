// Package migrations holds the SQLite schema and brings a database up to it.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
)

// Schema files are named NNN_description.sql. Applying file NNN moves the
// database to schema version NNN.
//
//go:embed *.sql
var schema embed.FS

// Run applies every schema file newer than the version recorded in
// PRAGMA user_version. Each file and its version bump commit together.
func Run(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	names, err := fs.Glob(schema, "*.sql")
	if err != nil {
		return fmt.Errorf("list schema files: %w", err)
	}
	for _, name := range names {
		version, err := schemaVersion(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		if err := apply(ctx, db, name, version); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		slog.Info("schema migrated", "version", version, "file", name)
		current = version
	}
	return nil
}

func schemaVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("schema file %s: missing version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("schema file %s: invalid version %q", name, prefix)
	}
	return v, nil
}

func apply(ctx context.Context, db *sql.DB, name string, version int) error {
	stmts, err := schema.ReadFile(name)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(stmts)); err != nil {
		return err
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}
