package handler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msomdec/user-admin/internal/cryptox"
	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/handler"
	"github.com/msomdec/user-admin/internal/repository/sqlite"
	"github.com/msomdec/user-admin/internal/repository/supabase"
	"github.com/msomdec/user-admin/internal/repository/supabase/supabasetest"
	"github.com/msomdec/user-admin/internal/service"
)

const testSessionSecret = "handler-test-session-secret-32-chars!!"

const (
	adminEmail    = "admin@example.com"
	adminPassword = "password123"
)

type testApp struct {
	remote   *supabasetest.Server
	db       *sqlite.DB
	sessions *service.SessionManager
	users    *service.UserService
	server   *httptest.Server
	client   *http.Client
	adminID  string
}

type appOption func(*handler.Config)

func withLoginRateLimit(n int) appOption {
	return func(cfg *handler.Config) { cfg.LoginRateLimit = n }
}

func withAccountThrottle(perMinute int) appOption {
	return func(cfg *handler.Config) {
		cfg.Throttle = service.NewAccountThrottle(context.Background(), perMinute)
	}
}

func withStreamsDone(done <-chan struct{}) appOption {
	return func(cfg *handler.Config) { cfg.StreamsDone = done }
}

func withQueuePinger(p handler.Pinger) appOption {
	return func(cfg *handler.Config) { cfg.QueuePinger = p }
}

// newTestApp wires the real services against a fake Supabase project and
// serves the full router. The project has one admin identity with a users
// row.
func newTestApp(t *testing.T, opts ...appOption) *testApp {
	t.Helper()
	remote := supabasetest.NewServer(t)
	client, err := supabase.New(supabase.Config{BaseURL: remote.URL, APIKey: supabasetest.APIKey})
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
	users := service.NewUserService(client, client.Users(), client, db.SyncIssues(), sessions, nil)

	cfg := handler.Config{
		Sessions:       sessions,
		Users:          users,
		SessionTTL:     time.Hour,
		CookieSecure:   false,
		LoginRateLimit: 100,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	server := httptest.NewServer(handler.NewRouter(cfg))
	t.Cleanup(server.Close)

	adminID := remote.AddIdentity(adminEmail, adminPassword)
	remote.AddUser(domain.User{ID: adminID, Name: "Admin", Email: adminEmail})

	return &testApp{
		remote:   remote,
		db:       db,
		sessions: sessions,
		users:    users,
		server:   server,
		client:   newBrowser(t),
		adminID:  adminID,
	}
}

// newBrowser returns a client with a cookie jar that does not follow
// redirects.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("create cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (a *testApp) url(path string) string {
	return a.server.URL + path
}

// signIn logs the browser in and fails the test unless it is redirected
// home.
func (a *testApp) signIn(t *testing.T, browser *http.Client, email, password string) {
	t.Helper()
	resp, err := browser.PostForm(a.url("/login"), url.Values{"email": {email}, "password": {password}})
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Fatalf("login: expected 303 to /, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func (a *testApp) sessionKey(t *testing.T, browser *http.Client) string {
	t.Helper()
	u, _ := url.Parse(a.server.URL)
	for _, c := range browser.Jar.Cookies(u) {
		if c.Name == handler.SessionCookie {
			return c.Value
		}
	}
	return ""
}

func (a *testApp) get(t *testing.T, browser *http.Client, path string) (*http.Response, string) {
	t.Helper()
	resp, err := browser.Get(a.url(path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, readBody(t, resp)
}

func (a *testApp) post(t *testing.T, browser *http.Client, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := browser.PostForm(a.url(path), form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, readBody(t, resp)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func expectRedirect(t *testing.T, resp *http.Response, location string) {
	t.Helper()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != location {
		t.Fatalf("expected redirect to %s, got %s", location, got)
	}
}

func userForm(name, email, password, age, number string) url.Values {
	return url.Values{
		"name":     {name},
		"email":    {email},
		"password": {password},
		"age":      {age},
		"number":   {number},
	}
}

func findUserByEmail(users []domain.User, email string) *domain.User {
	for i := range users {
		if strings.EqualFold(users[i].Email, email) {
			return &users[i]
		}
	}
	return nil
}
