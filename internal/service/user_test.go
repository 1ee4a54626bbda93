package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/repository/supabase/supabasetest"
	"github.com/msomdec/user-admin/internal/service"
)

func TestUserService_List(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	users, err := env.users.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no users, got %d", len(users))
	}

	env.srv.AddUser(domain.User{Name: "First", Email: "1@b.com"})
	env.srv.AddUser(domain.User{Name: "Second", Email: "2@b.com"})
	users, err = env.users.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 2 || users[0].Name != "First" {
		t.Fatalf("unexpected users: %+v", users)
	}

	env.srv.Fail("GET /rest/v1/users", http.StatusServiceUnavailable)
	if _, err := env.users.List(ctx); !errors.Is(err, domain.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

func TestUserService_GetByID_NotFound(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []string{"", "missing"} {
		_, err := env.users.GetByID(context.Background(), id)
		if !errors.Is(err, domain.ErrNotFound) || !errors.Is(err, domain.ErrData) {
			t.Fatalf("id %q: expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestUserService_Create_WithPassword(t *testing.T) {
	env := newTestEnv(t)

	created, err := env.users.Create(context.Background(), domain.UserInput{
		Name: "Alice", Email: "alice@example.com", Password: "secret", Age: intPtr(30),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !env.srv.HasIdentity(created.ID) {
		t.Fatalf("row id %s does not match an identity", created.ID)
	}
	if created.Role != domain.DefaultRole {
		t.Fatalf("expected default role, got %q", created.Role)
	}

	payloads := env.srv.InsertPayloads()
	if len(payloads) != 1 {
		t.Fatalf("expected one insert, got %d", len(payloads))
	}
	if _, ok := payloads[0]["password"]; ok {
		t.Fatal("password must not be sent to the users table")
	}
	if payloads[0]["role"] != domain.DefaultRole || payloads[0]["id"] != created.ID {
		t.Fatalf("unexpected payload: %v", payloads[0])
	}
}

func TestUserService_Create_WithoutPassword(t *testing.T) {
	env := newTestEnv(t)

	created, err := env.users.Create(context.Background(), domain.UserInput{Name: "Bob", Email: "bob@example.com"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.srv.IdentityCount() != 0 {
		t.Fatal("no identity should be created without a password")
	}
	if created.ID == "" {
		t.Fatal("expected table-assigned id")
	}
}

func TestUserService_Create_ValidationHappensFirst(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.users.Create(context.Background(), domain.UserInput{Name: "Al", Email: "bad", Password: "pw", Age: intPtr(0)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var verrs service.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 3 {
		t.Fatalf("expected three field errors, got %v", verrs)
	}
	if env.srv.IdentityCount() != 0 || len(env.srv.InsertPayloads()) != 0 {
		t.Fatal("validation failure must not reach the network")
	}
}

func TestUserService_Create_SignUpFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddIdentity("taken@example.com", "pw")

	_, err := env.users.Create(context.Background(), domain.UserInput{Name: "Taken", Email: "taken@example.com", Password: "pw"})
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if len(env.srv.InsertPayloads()) != 0 {
		t.Fatal("no insert expected after failed sign up")
	}
}

func TestUserService_Create_InsertFailureRecordsOrphan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.srv.Fail("POST /rest/v1/users", http.StatusConflict)

	_, err := env.users.Create(ctx, domain.UserInput{Name: "Alice", Email: "alice@example.com", Password: "pw"})
	if !errors.Is(err, domain.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}

	issues, err := env.users.PendingSyncIssues(ctx)
	if err != nil {
		t.Fatalf("PendingSyncIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != domain.SyncOrphanedIdentity {
		t.Fatalf("expected one orphaned identity issue, got %+v", issues)
	}
	if !env.srv.HasIdentity(issues[0].UserID) {
		t.Fatal("issue should reference the created identity")
	}
	queued := env.queue.Issues()
	if len(queued) != 1 || queued[0].ID != issues[0].ID {
		t.Fatalf("expected issue enqueued, got %+v", queued)
	}

	// Compensation removes the identity.
	if err := env.users.Reconcile(ctx, issues[0].ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if env.srv.HasIdentity(issues[0].UserID) {
		t.Fatal("expected orphaned identity deleted")
	}
	if pending, _ := env.users.PendingSyncIssues(ctx); len(pending) != 0 {
		t.Fatalf("expected issue resolved, got %+v", pending)
	}
}

func TestUserService_Update_EmailChangeSyncsIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.srv.AddIdentity("old@example.com", "pw")
	env.srv.AddUser(domain.User{ID: id, Name: "Alice", Email: "old@example.com"})

	updated, err := env.users.Update(ctx, id, domain.UserUpdate{Email: strPtr("new@example.com")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Email != "new@example.com" {
		t.Fatalf("expected row email updated, got %q", updated.Email)
	}
	calls := env.srv.FunctionCalls(supabasetest.EmailSyncFunction)
	if len(calls) != 1 || calls[0].Body["user_id"] != id || calls[0].Body["new_email"] != "new@example.com" {
		t.Fatalf("unexpected sync calls: %+v", calls)
	}
	if env.srv.IdentityEmail(id) != "new@example.com" {
		t.Fatal("expected identity email updated")
	}
}

func TestUserService_Update_NoEmailChangeSkipsSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.srv.AddUser(domain.User{Name: "Alice", Email: "same@example.com"})

	updated, err := env.users.Update(ctx, u.ID, domain.UserUpdate{Name: strPtr("Alicia"), Email: strPtr("same@example.com")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "Alicia" {
		t.Fatalf("expected name updated, got %q", updated.Name)
	}
	if calls := env.srv.FunctionCalls(supabasetest.EmailSyncFunction); len(calls) != 0 {
		t.Fatalf("expected no sync calls, got %+v", calls)
	}
}

func TestUserService_Update_SyncFailureKeepsUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.srv.AddIdentity("old@example.com", "pw")
	env.srv.AddUser(domain.User{ID: id, Name: "Alice", Email: "old@example.com"})
	env.srv.FailFunction(supabasetest.EmailSyncFunction, http.StatusInternalServerError)

	updated, err := env.users.Update(ctx, id, domain.UserUpdate{Email: strPtr("new@example.com")})
	if !errors.Is(err, domain.ErrSideEffect) {
		t.Fatalf("expected ErrSideEffect, got %v", err)
	}
	if updated == nil || updated.Email != "new@example.com" {
		t.Fatalf("expected updated record alongside error, got %+v", updated)
	}
	if env.srv.IdentityEmail(id) != "old@example.com" {
		t.Fatal("identity email should be unchanged")
	}

	issues, _ := env.users.PendingSyncIssues(ctx)
	if len(issues) != 1 || issues[0].Kind != domain.SyncEmail || issues[0].Email != "new@example.com" {
		t.Fatalf("expected email sync issue, got %+v", issues)
	}

	// A retry while the function still fails counts the attempt.
	if err := env.users.Reconcile(ctx, issues[0].ID); !errors.Is(err, domain.ErrSideEffect) {
		t.Fatalf("expected ErrSideEffect on failed retry, got %v", err)
	}
	env.srv.FailFunction(supabasetest.EmailSyncFunction, 0)
	if err := env.users.Reconcile(ctx, issues[0].ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if env.srv.IdentityEmail(id) != "new@example.com" {
		t.Fatal("expected identity email synced by retry")
	}
	// Resolved issues are not retried.
	if err := env.users.Reconcile(ctx, issues[0].ID); err != nil {
		t.Fatalf("Reconcile resolved: %v", err)
	}
	if calls := env.srv.FunctionCalls(supabasetest.EmailSyncFunction); len(calls) != 3 {
		t.Fatalf("expected 3 sync calls, got %d", len(calls))
	}
}

func TestUserService_Update_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.srv.AddUser(domain.User{Name: "Alice", Email: "a@example.com"})

	if _, err := env.users.Update(ctx, "missing", domain.UserUpdate{Name: strPtr("Nobody")}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.users.Update(ctx, u.ID, domain.UserUpdate{Age: intPtr(200)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	env.srv.Fail("PATCH /rest/v1/users", http.StatusInternalServerError)
	if _, err := env.users.Update(ctx, u.ID, domain.UserUpdate{Name: strPtr("Alicia")}); !errors.Is(err, domain.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

func TestUserService_Delete_SelfForcesSignOutOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.srv.AddIdentity("me@example.com", "pw")
	env.srv.AddUser(domain.User{ID: id, Name: "Me", Email: "me@example.com"})

	res, err := env.sessions.SignIn(ctx, "me@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	events := record(t, env.sessions)

	if err := env.users.Delete(ctx, id, res.Session); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ev := events.next(t)
	if ev.Kind != domain.AuthSignedOut || ev.Session != nil || ev.Key != res.Session.Key {
		t.Fatalf("unexpected event: %+v", ev)
	}
	events.expectNone(t)

	if calls := env.srv.FunctionCalls(supabasetest.DeleteFunction); len(calls) != 1 {
		t.Fatalf("expected one delete call, got %d", len(calls))
	}
	if env.srv.HasIdentity(id) || len(env.srv.Users()) != 0 {
		t.Fatal("expected row and identity removed")
	}
}

func TestUserService_Delete_SelfFailureStillSignsOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.srv.AddIdentity("me@example.com", "pw")
	res, err := env.sessions.SignIn(ctx, "me@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	events := record(t, env.sessions)
	env.srv.FailFunction(supabasetest.DeleteFunction, http.StatusUnauthorized)

	if err := env.users.Delete(ctx, id, res.Session); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if ev := events.next(t); ev.Kind != domain.AuthSignedOut {
		t.Fatalf("expected forced sign out, got %+v", ev)
	}
}

func TestUserService_Delete_OtherUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.srv.AddIdentity("admin@example.com", "pw")
	target := env.srv.AddIdentity("target@example.com", "pw")

	admin, err := env.sessions.SignIn(ctx, "admin@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn admin: %v", err)
	}
	targetSess, err := env.sessions.SignIn(ctx, "target@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn target: %v", err)
	}
	events := record(t, env.sessions)

	env.srv.FailFunction(supabasetest.DeleteFunction, http.StatusInternalServerError)
	if err := env.users.Delete(ctx, target, admin.Session); !errors.Is(err, domain.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
	events.expectNone(t)

	env.srv.FailFunction(supabasetest.DeleteFunction, 0)
	if err := env.users.Delete(ctx, target, admin.Session); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ev := events.next(t)
	if ev.Kind != domain.AuthSignedOut || ev.Key != targetSess.Session.Key {
		t.Fatalf("expected target session signed out, got %+v", ev)
	}
	if sess, _ := env.sessions.Current(ctx, admin.Session.Key); sess == nil {
		t.Fatal("admin session should survive")
	}
}

func TestUserService_Update_SuccessfulSyncResolvesOlderFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.srv.AddIdentity("a@example.com", "pw")
	env.srv.AddUser(domain.User{ID: id, Name: "Alice", Email: "a@example.com"})

	env.srv.FailFunction(supabasetest.EmailSyncFunction, http.StatusInternalServerError)
	if _, err := env.users.Update(ctx, id, domain.UserUpdate{Email: strPtr("b@example.com")}); !errors.Is(err, domain.ErrSideEffect) {
		t.Fatalf("expected ErrSideEffect, got %v", err)
	}
	stale, _ := env.users.PendingSyncIssues(ctx)
	if len(stale) != 1 {
		t.Fatalf("expected one pending issue, got %+v", stale)
	}

	env.srv.FailFunction(supabasetest.EmailSyncFunction, 0)
	if _, err := env.users.Update(ctx, id, domain.UserUpdate{Email: strPtr("c@example.com")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if pending, _ := env.users.PendingSyncIssues(ctx); len(pending) != 0 {
		t.Fatalf("expected older issue resolved by the newer sync, got %+v", pending)
	}

	// A retry already queued for the old entry must not move the identity back.
	if err := env.users.Reconcile(ctx, stale[0].ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := env.srv.IdentityEmail(id); got != "c@example.com" {
		t.Fatalf("expected identity email c@example.com, got %q", got)
	}
}

func TestUserService_Reconcile_SkipsSupersededEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.srv.AddIdentity("a@example.com", "pw")
	env.srv.AddUser(domain.User{ID: id, Name: "Alice", Email: "a@example.com"})

	env.srv.FailFunction(supabasetest.EmailSyncFunction, http.StatusInternalServerError)
	for _, email := range []string{"b@example.com", "c@example.com"} {
		if _, err := env.users.Update(ctx, id, domain.UserUpdate{Email: strPtr(email)}); !errors.Is(err, domain.ErrSideEffect) {
			t.Fatalf("expected ErrSideEffect for %s, got %v", email, err)
		}
	}
	env.srv.FailFunction(supabasetest.EmailSyncFunction, 0)

	issues, _ := env.users.PendingSyncIssues(ctx)
	if len(issues) != 2 {
		t.Fatalf("expected two pending issues, got %+v", issues)
	}
	before := len(env.srv.FunctionCalls(supabasetest.EmailSyncFunction))

	// Oldest first, the way a backlog drains.
	for i := len(issues) - 1; i >= 0; i-- {
		if err := env.users.Reconcile(ctx, issues[i].ID); err != nil {
			t.Fatalf("Reconcile %s: %v", issues[i].Email, err)
		}
	}

	if got := env.srv.IdentityEmail(id); got != "c@example.com" {
		t.Fatalf("expected identity email c@example.com, got %q", got)
	}
	if calls := len(env.srv.FunctionCalls(supabasetest.EmailSyncFunction)) - before; calls != 1 {
		t.Fatalf("expected only the current email synced, got %d calls", calls)
	}
	if pending, _ := env.users.PendingSyncIssues(ctx); len(pending) != 0 {
		t.Fatalf("expected both issues resolved, got %+v", pending)
	}
}

// cancelOnInsert cancels the caller's request and then lets the insert
// fail with it.
type cancelOnInsert struct {
	domain.UserStore
	cancel context.CancelFunc
}

func (s *cancelOnInsert) Insert(ctx context.Context, user domain.NewUser) (*domain.User, error) {
	s.cancel()
	return s.UserStore.Insert(ctx, user)
}

func TestUserService_Create_CanceledInsertStillRecordsOrphan(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &cancelOnInsert{UserStore: env.client.Users(), cancel: cancel}
	users := service.NewUserService(env.client, store, env.client, env.db.SyncIssues(), env.sessions, env.queue)

	if _, err := users.Create(ctx, domain.UserInput{Name: "Alice", Email: "alice@example.com", Password: "pw"}); err == nil {
		t.Fatal("expected the canceled insert to fail")
	}

	issues, err := env.users.PendingSyncIssues(context.Background())
	if err != nil {
		t.Fatalf("PendingSyncIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != domain.SyncOrphanedIdentity {
		t.Fatalf("expected orphaned identity recorded, got %+v", issues)
	}
	if !env.srv.HasIdentity(issues[0].UserID) {
		t.Fatal("issue should reference the created identity")
	}
	if queued := env.queue.Issues(); len(queued) != 1 {
		t.Fatalf("expected issue enqueued, got %+v", queued)
	}
}

func TestUserService_Delete_ResolvesPendingIssues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.srv.AddIdentity("a@example.com", "pw")
	env.srv.AddUser(domain.User{ID: id, Name: "Alice", Email: "a@example.com"})

	env.srv.FailFunction(supabasetest.EmailSyncFunction, http.StatusInternalServerError)
	if _, err := env.users.Update(ctx, id, domain.UserUpdate{Email: strPtr("b@example.com")}); !errors.Is(err, domain.ErrSideEffect) {
		t.Fatalf("expected ErrSideEffect, got %v", err)
	}

	if err := env.users.Delete(ctx, id, nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if pending, _ := env.users.PendingSyncIssues(ctx); len(pending) != 0 {
		t.Fatalf("expected issues of the deleted user resolved, got %+v", pending)
	}
}
