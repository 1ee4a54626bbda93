package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/msomdec/user-admin/internal/domain"
)

// Reconciler schedules background repair of a recorded sync issue.
type Reconciler interface {
	Enqueue(ctx context.Context, issue *domain.SyncIssue) error
}

// SessionTerminator ends every local session of an identity.
type SessionTerminator interface {
	ForceSignOut(ctx context.Context, userID string) (int, error)
}

// UserService manages users rows together with their backing identities.
type UserService struct {
	identity domain.IdentityProvider
	users    domain.UserStore
	effects  domain.SideEffects
	issues   domain.SyncIssueRepository
	sessions SessionTerminator
	queue    Reconciler
}

// NewUserService creates a new UserService. queue may be nil, in which case
// sync issues are only recorded.
func NewUserService(identity domain.IdentityProvider, users domain.UserStore, effects domain.SideEffects, issues domain.SyncIssueRepository, sessions SessionTerminator, queue Reconciler) *UserService {
	return &UserService{
		identity: identity,
		users:    users,
		effects:  effects,
		issues:   issues,
		sessions: sessions,
		queue:    queue,
	}
}

// List returns every user ordered by creation time, oldest first.
func (s *UserService) List(ctx context.Context) ([]domain.User, error) {
	return s.users.List(ctx)
}

// GetByID returns one user or an error satisfying domain.ErrNotFound.
func (s *UserService) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrNotFound)
	}
	return s.users.GetByID(ctx, id)
}

// Create validates in, creates the identity when a password is given and
// inserts the users row under the identity's id.
func (s *UserService) Create(ctx context.Context, in domain.UserInput) (*domain.User, error) {
	if verrs := validateInput(in); verrs != nil {
		return nil, verrs
	}

	row := domain.NewUser{
		Name:   in.Name,
		Email:  in.Email,
		Age:    in.Age,
		Number: in.Number,
		Role:   in.Role,
	}
	if row.Role == "" {
		row.Role = domain.DefaultRole
	}

	signedUp := false
	if in.Password != "" {
		ident, err := s.identity.SignUp(ctx, in.Email, in.Password)
		if err != nil {
			return nil, fmt.Errorf("sign up: %w", err)
		}
		row.ID = ident.ID
		signedUp = true
	}

	created, err := s.users.Insert(ctx, row)
	if err != nil {
		if signedUp {
			s.recordIssue(ctx, domain.SyncOrphanedIdentity, row.ID, row.Email, err)
		}
		return nil, err
	}
	return created, nil
}

// Update applies upd to the row. When the email changes the identity is
// updated too; if that fails the updated row is returned with an error
// satisfying domain.ErrSideEffect.
func (s *UserService) Update(ctx context.Context, id string, upd domain.UserUpdate) (*domain.User, error) {
	if verrs := validateUpdate(upd); verrs != nil {
		return nil, verrs
	}

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.IsEmpty() {
		return current, nil
	}

	updated, err := s.users.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}

	if upd.Email == nil || *upd.Email == current.Email {
		return updated, nil
	}
	if err := s.effects.SyncEmail(ctx, id, *upd.Email); err != nil {
		s.recordIssue(ctx, domain.SyncEmail, id, *upd.Email, err)
		return updated, fmt.Errorf("%w: sync email for user %s: %w", domain.ErrSideEffect, id, err)
	}
	// Older failed syncs would now move the identity backwards.
	s.resolvePending(ctx, id, domain.SyncEmail)
	return updated, nil
}

// Delete removes the user through the delete function. Sessions of the
// deleted identity are ended on success; when actor is that identity they
// are ended regardless of the outcome.
func (s *UserService) Delete(ctx context.Context, id string, actor *domain.Session) error {
	err := s.effects.FinalizeDelete(ctx, id)
	if err == nil {
		s.resolvePending(ctx, id)
	}

	if err == nil || IsSelf(actor, id) {
		if n, ferr := s.sessions.ForceSignOut(ctx, id); ferr != nil {
			slog.Error("force sign out deleted user", "user_id", id, "error", ferr)
		} else if n > 0 {
			slog.Info("signed out deleted user", "user_id", id, "sessions", n)
		}
	}
	return err
}

// PendingSyncIssues returns unresolved sync issues, newest first.
func (s *UserService) PendingSyncIssues(ctx context.Context) ([]domain.SyncIssue, error) {
	return s.issues.ListPending(ctx)
}

// Reconcile retries the repair of one sync issue and resolves it on
// success. Resolved issues are left alone.
func (s *UserService) Reconcile(ctx context.Context, issueID string) error {
	issue, err := s.issues.GetByID(ctx, issueID)
	if err != nil {
		return fmt.Errorf("get sync issue: %w", err)
	}
	if issue.Status == domain.SyncStatusResolved {
		return nil
	}

	var repairErr error
	switch issue.Kind {
	case domain.SyncEmail:
		current, err := s.users.FindByID(ctx, issue.UserID)
		if err != nil {
			return fmt.Errorf("%w: reconcile %s for user %s: %w", domain.ErrSideEffect, issue.Kind, issue.UserID, err)
		}
		if current == nil || current.Email != issue.Email {
			// The row was deleted or its email changed again since.
			if err := s.issues.Resolve(ctx, issue.ID); err != nil {
				return fmt.Errorf("resolve sync issue: %w", err)
			}
			slog.Info("superseded sync issue", "issue_id", issue.ID, "user_id", issue.UserID)
			return nil
		}
		repairErr = s.effects.SyncEmail(ctx, issue.UserID, issue.Email)
	case domain.SyncOrphanedIdentity:
		repairErr = s.effects.FinalizeDelete(ctx, issue.UserID)
	default:
		return fmt.Errorf("unknown sync issue kind %q", issue.Kind)
	}

	if repairErr != nil {
		if err := s.issues.RecordAttempt(ctx, issue.ID, repairErr); err != nil {
			slog.Error("record sync attempt", "issue_id", issue.ID, "error", err)
		}
		return fmt.Errorf("%w: reconcile %s for user %s: %w", domain.ErrSideEffect, issue.Kind, issue.UserID, repairErr)
	}
	if err := s.issues.Resolve(ctx, issue.ID); err != nil {
		return fmt.Errorf("resolve sync issue: %w", err)
	}
	slog.Info("reconciled sync issue", "issue_id", issue.ID, "kind", issue.Kind, "user_id", issue.UserID)
	return nil
}

func (s *UserService) resolvePending(ctx context.Context, userID string, kinds ...domain.SyncIssueKind) {
	n, err := s.issues.ResolvePending(context.WithoutCancel(ctx), userID, kinds...)
	if err != nil {
		slog.Error("resolve pending sync issues", "user_id", userID, "error", err)
		return
	}
	if n > 0 {
		slog.Info("resolved pending sync issues", "user_id", userID, "count", n)
	}
}

// recordIssue writes the ledger entry even when the request that hit the
// failure has been canceled.
func (s *UserService) recordIssue(ctx context.Context, kind domain.SyncIssueKind, userID, email string, cause error) {
	ctx = context.WithoutCancel(ctx)
	issue := &domain.SyncIssue{
		Kind:      kind,
		UserID:    userID,
		Email:     email,
		LastError: cause.Error(),
		Attempts:  1,
	}
	if err := s.issues.Create(ctx, issue); err != nil {
		slog.Error("record sync issue", "kind", kind, "user_id", userID, "error", err)
		return
	}
	slog.Warn("recorded sync issue", "issue_id", issue.ID, "kind", kind, "user_id", userID, "error", cause)

	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(ctx, issue); err != nil {
		slog.Error("enqueue sync issue", "issue_id", issue.ID, "error", err)
	}
}

// validateInput applies the form rules to typed input. A password is not
// required; without one no identity is created.
func validateInput(in domain.UserInput) ValidationErrors {
	form := domain.UserForm{Name: in.Name, Email: in.Email, Password: in.Password}
	if in.Age != nil {
		form.Age = strconv.Itoa(*in.Age)
	}
	if in.Number != nil {
		form.Number = *in.Number
	}
	return ValidateUser(form, false)
}

// validateUpdate applies the form rules to the fields an update sets.
func validateUpdate(upd domain.UserUpdate) ValidationErrors {
	form := domain.UserForm{Name: "placeholder", Email: "placeholder@example.com"}
	if upd.Name != nil {
		form.Name = *upd.Name
	}
	if upd.Email != nil {
		form.Email = *upd.Email
	}
	if upd.Age != nil {
		form.Age = strconv.Itoa(*upd.Age)
	}
	if upd.Number != nil {
		form.Number = *upd.Number
	}
	return ValidateUser(form, false)
}

// IsSelf reports whether the session belongs to the user id.
func IsSelf(sess *domain.Session, userID string) bool {
	return sess != nil && sess.UserID == userID
}
