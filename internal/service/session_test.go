package service_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/repository/supabase"
	"github.com/msomdec/user-admin/internal/repository/supabase/supabasetest"
	"github.com/msomdec/user-admin/internal/service"
)

func TestSessionManager_SignIn_Success(t *testing.T) {
	env := newTestEnv(t)
	events := record(t, env.sessions)
	ctx := context.Background()

	id := env.srv.AddIdentity("admin@example.com", "secret")
	env.srv.AddUser(domain.User{ID: id, Name: "Admin", Email: "admin@example.com"})

	res, err := env.sessions.SignIn(ctx, "admin@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.Session.UserID != id || res.Session.Key == "" || !res.Session.HasAccessToken() {
		t.Fatalf("unexpected session: %+v", res.Session)
	}
	if res.User == nil || res.User.Name != "Admin" {
		t.Fatalf("expected user row, got %+v", res.User)
	}
	if res.Claims.Email != "admin@example.com" {
		t.Fatalf("expected claims email, got %q", res.Claims.Email)
	}

	ev := events.next(t)
	if ev.Kind != domain.AuthSignedIn || ev.Key != res.Session.Key || ev.Session == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}

	current, err := env.sessions.Current(ctx, res.Session.Key)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current == nil || current.AccessToken != res.Session.AccessToken {
		t.Fatalf("expected stored session, got %+v", current)
	}
}

func TestSessionManager_SignIn_NoUserRow(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddIdentity("orphan@example.com", "secret")

	res, err := env.sessions.SignIn(context.Background(), "orphan@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.User != nil {
		t.Fatalf("expected nil user, got %+v", res.User)
	}
	if res.Session == nil {
		t.Fatal("expected session despite missing row")
	}
}

func TestSessionManager_SignIn_LookupFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddIdentity("a@b.com", "secret")
	env.srv.Fail("GET /rest/v1/users", http.StatusInternalServerError)

	res, err := env.sessions.SignIn(context.Background(), "a@b.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.User != nil || res.Session == nil {
		t.Fatalf("expected session without user, got %+v", res)
	}
}

func TestSessionManager_SignIn_BadCredentials(t *testing.T) {
	env := newTestEnv(t)
	events := record(t, env.sessions)
	env.srv.AddIdentity("a@b.com", "secret")

	_, err := env.sessions.SignIn(context.Background(), "a@b.com", "nope")
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	events.expectNone(t)
}

func TestSessionManager_Current_Unknown(t *testing.T) {
	env := newTestEnv(t)

	for _, key := range []string{"", "does-not-exist"} {
		sess, err := env.sessions.Current(context.Background(), key)
		if err != nil || sess != nil {
			t.Fatalf("key %q: expected nil, nil; got %+v, %v", key, sess, err)
		}
	}
}

func TestSessionManager_Current_RefreshesExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetTokenTTL(-time.Minute)
	env.srv.AddIdentity("a@b.com", "secret")
	ctx := context.Background()

	res, err := env.sessions.SignIn(ctx, "a@b.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	events := record(t, env.sessions)

	env.srv.SetTokenTTL(time.Hour)
	sess, err := env.sessions.Current(ctx, res.Session.Key)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if sess.RefreshToken == res.Session.RefreshToken {
		t.Fatal("expected rotated refresh token")
	}
	if sess.Expired(time.Now()) {
		t.Fatalf("expected refreshed expiry in the future, got %v", sess.ExpiresAt)
	}

	ev := events.next(t)
	if ev.Kind != domain.AuthTokenRefreshed || ev.Key != res.Session.Key {
		t.Fatalf("unexpected event: %+v", ev)
	}

	again, err := env.sessions.Current(ctx, res.Session.Key)
	if err != nil || again.AccessToken != sess.AccessToken {
		t.Fatalf("expected stored refreshed session, got %+v, %v", again, err)
	}
}

func TestSessionManager_Current_RefreshFailureRemovesSession(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetTokenTTL(-time.Minute)
	env.srv.AddIdentity("a@b.com", "secret")
	ctx := context.Background()

	res, err := env.sessions.SignIn(ctx, "a@b.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	events := record(t, env.sessions)
	env.srv.Fail("POST /auth/v1/token", http.StatusBadRequest)

	if _, err := env.sessions.Current(ctx, res.Session.Key); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	ev := events.next(t)
	if ev.Kind != domain.AuthSignedOut || ev.Session != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}

	sess, err := env.sessions.Current(ctx, res.Session.Key)
	if err != nil || sess != nil {
		t.Fatalf("expected session gone, got %+v, %v", sess, err)
	}
}

func TestSessionManager_Current_RefreshOutageKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetTokenTTL(-time.Minute)
	env.srv.AddIdentity("a@b.com", "secret")
	ctx := context.Background()

	res, err := env.sessions.SignIn(ctx, "a@b.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	events := record(t, env.sessions)
	env.srv.Fail("POST /auth/v1/token", http.StatusServiceUnavailable)

	if _, err := env.sessions.Current(ctx, res.Session.Key); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	events.expectNone(t)

	env.srv.Fail("POST /auth/v1/token", 0)
	env.srv.SetTokenTTL(time.Hour)
	sess, err := env.sessions.Current(ctx, res.Session.Key)
	if err != nil || sess == nil {
		t.Fatalf("expected session to survive the outage, got %+v, %v", sess, err)
	}
	if ev := events.next(t); ev.Kind != domain.AuthTokenRefreshed {
		t.Fatalf("expected token_refreshed, got %s", ev.Kind)
	}
}

// cancelOnRefresh cancels the caller's request while a refresh is in flight.
type cancelOnRefresh struct {
	domain.IdentityProvider
	cancel context.CancelFunc
}

func (p *cancelOnRefresh) Refresh(ctx context.Context, refreshToken string) (*domain.Tokens, error) {
	p.cancel()
	return p.IdentityProvider.Refresh(ctx, refreshToken)
}

func TestSessionManager_Current_CanceledCallerKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetTokenTTL(-time.Minute)
	env.srv.AddIdentity("a@b.com", "secret")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	identity := &cancelOnRefresh{IdentityProvider: env.client, cancel: cancel}
	sessions := service.NewSessionManager(identity, env.db.Sessions(), env.client.Users(), supabase.NewTokenParser(supabasetest.JWTSecret), time.Hour)
	t.Cleanup(sessions.Close)

	res, err := sessions.SignIn(context.Background(), "a@b.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	events := record(t, sessions)
	env.srv.SetTokenTTL(time.Hour)

	// The caller may see its own cancellation; the refresh still completes.
	_, _ = sessions.Current(ctx, res.Session.Key)

	if ev := events.next(t); ev.Kind != domain.AuthTokenRefreshed {
		t.Fatalf("expected token_refreshed, got %s", ev.Kind)
	}
	events.expectNone(t)

	sess, err := sessions.Current(context.Background(), res.Session.Key)
	if err != nil || sess == nil {
		t.Fatalf("expected session kept, got %+v, %v", sess, err)
	}
	if sess.Expired(time.Now()) {
		t.Fatal("expected the refreshed tokens to be stored")
	}
}

func TestSessionManager_SignOut(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddIdentity("a@b.com", "secret")
	ctx := context.Background()

	res, err := env.sessions.SignIn(ctx, "a@b.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	events := record(t, env.sessions)

	if err := env.sessions.SignOut(ctx, res.Session.Key); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if env.srv.SignOuts() != 1 {
		t.Fatalf("expected remote sign out, got %d", env.srv.SignOuts())
	}
	ev := events.next(t)
	if ev.Kind != domain.AuthSignedOut || ev.Key != res.Session.Key || ev.Session != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Signing out an unknown session is a no-op.
	if err := env.sessions.SignOut(ctx, res.Session.Key); err != nil {
		t.Fatalf("second SignOut: %v", err)
	}
	events.expectNone(t)
}

func TestSessionManager_SignOut_RemoteFailureStillClearsLocal(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddIdentity("a@b.com", "secret")
	ctx := context.Background()

	res, err := env.sessions.SignIn(ctx, "a@b.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	env.srv.Fail("POST /auth/v1/logout", http.StatusInternalServerError)

	if err := env.sessions.SignOut(ctx, res.Session.Key); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	sess, err := env.sessions.Current(ctx, res.Session.Key)
	if err != nil || sess != nil {
		t.Fatalf("expected local session cleared, got %+v, %v", sess, err)
	}
}

func TestSessionManager_ForceSignOut(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddIdentity("a@b.com", "secret")
	env.srv.AddIdentity("other@b.com", "secret")
	ctx := context.Background()

	first, _ := env.sessions.SignIn(ctx, "a@b.com", "secret")
	second, _ := env.sessions.SignIn(ctx, "a@b.com", "secret")
	other, _ := env.sessions.SignIn(ctx, "other@b.com", "secret")
	events := record(t, env.sessions)

	n, err := env.sessions.ForceSignOut(ctx, first.Session.UserID)
	if err != nil {
		t.Fatalf("ForceSignOut: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions removed, got %d", n)
	}

	seen := map[string]bool{}
	for range 2 {
		ev := events.next(t)
		if ev.Kind != domain.AuthSignedOut {
			t.Fatalf("unexpected event: %+v", ev)
		}
		seen[ev.Key] = true
	}
	if !seen[first.Session.Key] || !seen[second.Session.Key] {
		t.Fatalf("expected both sessions signed out, got %v", seen)
	}
	events.expectNone(t)

	if sess, _ := env.sessions.Current(ctx, other.Session.Key); sess == nil {
		t.Fatal("other identity's session should survive")
	}
	if env.srv.SignOuts() != 0 {
		t.Fatal("forced sign out must not call the remote service")
	}
}

func TestSessionManager_UnsubscribeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddIdentity("a@b.com", "secret")

	var mu sync.Mutex
	calls := 0
	unsubscribe := env.sessions.Subscribe(func(domain.AuthEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsubscribe()
		}()
	}
	wg.Wait()
	unsubscribe()

	if _, err := env.sessions.SignIn(context.Background(), "a@b.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", calls)
	}
}

func TestSessionManager_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddIdentity("a@b.com", "secret")
	ctx := context.Background()

	got := make(chan domain.AuthEventKind, 4)
	unsubscribe := env.sessions.Subscribe(func(ev domain.AuthEvent) {
		got <- ev.Kind
		if ev.Kind == domain.AuthSignedIn {
			panic("listener failure")
		}
	})
	defer unsubscribe()

	res, err := env.sessions.SignIn(ctx, "a@b.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if err := env.sessions.SignOut(ctx, res.Session.Key); err != nil {
		t.Fatalf("SignOut: %v", err)
	}

	for _, want := range []domain.AuthEventKind{domain.AuthSignedIn, domain.AuthSignedOut} {
		select {
		case kind := <-got:
			if kind != want {
				t.Fatalf("expected %s, got %s", want, kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
