package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/msomdec/user-admin/internal/cryptox"
	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/repository/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// DB is the local SQLite database holding sessions and the sync ledger.
type DB struct {
	SqlDB  *sql.DB
	sealer *cryptox.Sealer
}

var _ domain.Database = (*DB)(nil)

// New opens a SQLite database at the given path and configures it for use.
// It enables WAL mode and foreign keys. Session tokens are sealed with sealer.
func New(dbPath string, sealer *cryptox.Sealer) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{SqlDB: db, sealer: sealer}, nil
}

// Migrate applies pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	return migrations.Run(ctx, d.SqlDB)
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.SqlDB.Close()
}

// Sessions returns the session repository.
func (d *DB) Sessions() *SessionRepository {
	return NewSessionRepository(d)
}

// SyncIssues returns the sync ledger repository.
func (d *DB) SyncIssues() *SyncIssueRepository {
	return NewSyncIssueRepository(d)
}
