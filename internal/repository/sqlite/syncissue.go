package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msomdec/user-admin/internal/domain"
)

// SyncIssueRepository implements domain.SyncIssueRepository using SQLite.
type SyncIssueRepository struct {
	db *sql.DB
}

// NewSyncIssueRepository creates a new SQLite-backed SyncIssueRepository.
func NewSyncIssueRepository(db *DB) *SyncIssueRepository {
	return &SyncIssueRepository{db: db.SqlDB}
}

func (r *SyncIssueRepository) Create(ctx context.Context, issue *domain.SyncIssue) error {
	now := time.Now().UTC()
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.Status == "" {
		issue.Status = domain.SyncStatusPending
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_issues (id, kind, user_id, email, last_error, attempts, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, string(issue.Kind), issue.UserID, issue.Email, issue.LastError, issue.Attempts, issue.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert sync issue: %w", err)
	}
	issue.CreatedAt = now
	issue.UpdatedAt = now
	return nil
}

func (r *SyncIssueRepository) GetByID(ctx context.Context, id string) (*domain.SyncIssue, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, kind, user_id, email, last_error, attempts, status, created_at, updated_at
		 FROM sync_issues WHERE id = ?`, id)
	issue, err := scanSyncIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query sync issue: %w", err)
	}
	return issue, nil
}

// ListPending returns unresolved issues, newest first.
func (r *SyncIssueRepository) ListPending(ctx context.Context) ([]domain.SyncIssue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, user_id, email, last_error, attempts, status, created_at, updated_at
		 FROM sync_issues WHERE status = ? ORDER BY created_at DESC`, domain.SyncStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending sync issues: %w", err)
	}
	defer rows.Close()

	var issues []domain.SyncIssue
	for rows.Next() {
		issue, err := scanSyncIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync issue: %w", err)
		}
		issues = append(issues, *issue)
	}
	return issues, rows.Err()
}

// RecordAttempt increments the attempt counter and stores the error text.
func (r *SyncIssueRepository) RecordAttempt(ctx context.Context, id string, attemptErr error) error {
	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_issues SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update sync issue: %w", err)
	}
	return requireOneRow(res)
}

func (r *SyncIssueRepository) Resolve(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_issues SET status = ?, last_error = '', updated_at = ? WHERE id = ?`,
		domain.SyncStatusResolved, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve sync issue: %w", err)
	}
	return requireOneRow(res)
}

func (r *SyncIssueRepository) ResolvePending(ctx context.Context, userID string, kinds ...domain.SyncIssueKind) (int, error) {
	query := `UPDATE sync_issues SET status = ?, last_error = '', updated_at = ?
		WHERE user_id = ? AND status = ?`
	args := []any{domain.SyncStatusResolved, time.Now().UTC(), userID, domain.SyncStatusPending}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(`, ?`, len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("resolve pending sync issues: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncIssue(s scanner) (*domain.SyncIssue, error) {
	var issue domain.SyncIssue
	var kind string
	if err := s.Scan(&issue.ID, &kind, &issue.UserID, &issue.Email, &issue.LastError,
		&issue.Attempts, &issue.Status, &issue.CreatedAt, &issue.UpdatedAt); err != nil {
		return nil, err
	}
	issue.Kind = domain.SyncIssueKind(kind)
	return &issue, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
