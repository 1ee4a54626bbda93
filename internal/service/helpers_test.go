package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/msomdec/user-admin/internal/cryptox"
	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/repository/sqlite"
	"github.com/msomdec/user-admin/internal/repository/supabase"
	"github.com/msomdec/user-admin/internal/repository/supabase/supabasetest"
	"github.com/msomdec/user-admin/internal/service"
)

const testSessionSecret = "test-session-secret-at-least-32-chars!"

type testEnv struct {
	srv      *supabasetest.Server
	client   *supabase.Client
	db       *sqlite.DB
	sessions *service.SessionManager
	users    *service.UserService
	queue    *recordingQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := supabasetest.NewServer(t)
	client, err := supabase.New(supabase.Config{BaseURL: srv.URL, APIKey: supabasetest.APIKey})
	if err != nil {
		t.Fatalf("supabase.New: %v", err)
	}

	sealer, err := cryptox.NewSealer(testSessionSecret)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	db, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"), sealer)
	if err != nil {
		t.Fatalf("New DB: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := service.NewSessionManager(client, db.Sessions(), client.Users(), supabase.NewTokenParser(supabasetest.JWTSecret), time.Hour)
	t.Cleanup(sessions.Close)

	queue := &recordingQueue{}
	users := service.NewUserService(client, client.Users(), client, db.SyncIssues(), sessions, queue)

	return &testEnv{srv: srv, client: client, db: db, sessions: sessions, users: users, queue: queue}
}

// recordingQueue is a service.Reconciler that remembers enqueued issues.
type recordingQueue struct {
	mu     sync.Mutex
	issues []domain.SyncIssue
}

func (q *recordingQueue) Enqueue(_ context.Context, issue *domain.SyncIssue) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.issues = append(q.issues, *issue)
	return nil
}

func (q *recordingQueue) Issues() []domain.SyncIssue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.SyncIssue(nil), q.issues...)
}

// eventRecorder collects auth events delivered to a subscription.
type eventRecorder struct {
	ch chan domain.AuthEvent
}

func record(t *testing.T, m *service.SessionManager) *eventRecorder {
	t.Helper()
	r := &eventRecorder{ch: make(chan domain.AuthEvent, 64)}
	unsubscribe := m.Subscribe(func(ev domain.AuthEvent) { r.ch <- ev })
	t.Cleanup(unsubscribe)
	return r
}

func (r *eventRecorder) next(t *testing.T) domain.AuthEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for auth event")
		return domain.AuthEvent{}
	}
}

func (r *eventRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected auth event %s for %s", ev.Kind, ev.Key)
	case <-time.After(50 * time.Millisecond):
	}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
