package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/msomdec/user-admin/internal/cryptox"
	"github.com/msomdec/user-admin/internal/domain"
)

// SessionRepository implements domain.SessionRepository using SQLite.
// Tokens are sealed with the session key as additional data.
type SessionRepository struct {
	db     *sql.DB
	sealer *cryptox.Sealer
}

// NewSessionRepository creates a new SQLite-backed SessionRepository.
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db.SqlDB, sealer: db.sealer}
}

// Save inserts or replaces the session stored under session.Key.
func (r *SessionRepository) Save(ctx context.Context, session *domain.Session) error {
	access, err := r.sealer.Seal([]byte(session.AccessToken), []byte(session.Key))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.sealer.Seal([]byte(session.RefreshToken), []byte(session.Key))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (key, user_id, email, access_token, refresh_token, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   user_id = excluded.user_id,
		   email = excluded.email,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at`,
		session.Key, session.UserID, session.Email, access, refresh, session.ExpiresAt.UTC(), session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, key string) (*domain.Session, error) {
	s := &domain.Session{}
	var access, refresh []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT key, user_id, email, access_token, refresh_token, expires_at, created_at
		 FROM sessions WHERE key = ?`, key,
	).Scan(&s.Key, &s.UserID, &s.Email, &access, &refresh, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}

	plainAccess, err := r.sealer.Open(access, []byte(s.Key))
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	plainRefresh, err := r.sealer.Open(refresh, []byte(s.Key))
	if err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	s.AccessToken = string(plainAccess)
	s.RefreshToken = string(plainRefresh)
	return s, nil
}

func (r *SessionRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteByUser(ctx context.Context, userID string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT key FROM sessions WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions by user: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session key: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return nil, fmt.Errorf("delete sessions by user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return keys, nil
}
