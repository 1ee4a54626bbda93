package domain

import (
	"context"
	"time"
)

// SyncIssueKind names the inconsistency between the users table and the
// auth provider that a SyncIssue tracks.
type SyncIssueKind string

const (
	// SyncEmail: the row email changed but the identity email did not.
	SyncEmail SyncIssueKind = "email_sync"
	// SyncOrphanedIdentity: an identity was created but its row insert failed.
	SyncOrphanedIdentity SyncIssueKind = "orphaned_identity"
)

const (
	SyncStatusPending  = "pending"
	SyncStatusResolved = "resolved"
)

// SyncIssue is a ledger entry for a cross-service inconsistency.
type SyncIssue struct {
	ID        string
	Kind      SyncIssueKind
	UserID    string
	Email     string
	LastError string
	Attempts  int
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncIssueRepository persists the ledger.
type SyncIssueRepository interface {
	Create(ctx context.Context, issue *SyncIssue) error
	GetByID(ctx context.Context, id string) (*SyncIssue, error)
	ListPending(ctx context.Context) ([]SyncIssue, error)
	RecordAttempt(ctx context.Context, id string, attemptErr error) error
	Resolve(ctx context.Context, id string) error
	// ResolvePending resolves the user's pending issues of the given kinds,
	// or of every kind when none are given, and returns how many changed.
	ResolvePending(ctx context.Context, userID string, kinds ...SyncIssueKind) (int, error)
}
