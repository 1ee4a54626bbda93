// Package supabasetest provides an in-memory stand-in for a Supabase
// project: GoTrue password auth, the PostgREST users table and the two
// Edge Functions the application calls.
package supabasetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/msomdec/user-admin/internal/domain"
)

const (
	APIKey    = "test-service-key"
	JWTSecret = "test-jwt-secret-for-supabasetest"

	DeleteFunction    = "smooth-function"
	EmailSyncFunction = "update-user"
)

type identity struct {
	id       string
	email    string
	password string
}

// FunctionCall is one recorded Edge Function invocation.
type FunctionCall struct {
	Name string
	Body map[string]string
}

// Server is a fake Supabase project. The zero value is not usable; call
// NewServer.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	tokenTTL       time.Duration
	identities     map[string]*identity // by id
	users          map[string]domain.User
	refreshTokens  map[string]string // token -> identity id
	revoked        map[string]bool
	created        time.Time
	functionCalls  []FunctionCall
	insertPayloads []map[string]any
	failFunctions  map[string]int
	failStatus     map[string]int
	signOuts       int
}

// NewServer starts a fake project that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		tokenTTL:      time.Hour,
		identities:    make(map[string]*identity),
		users:         make(map[string]domain.User),
		refreshTokens: make(map[string]string),
		revoked:       make(map[string]bool),
		created:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		failFunctions: make(map[string]int),
		failStatus:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", s.handleToken)
	mux.HandleFunc("POST /auth/v1/signup", s.handleSignUp)
	mux.HandleFunc("POST /auth/v1/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/v1/user", s.handleGetUser)
	mux.HandleFunc("GET /rest/v1/users", s.handleSelect)
	mux.HandleFunc("POST /rest/v1/users", s.handleInsert)
	mux.HandleFunc("PATCH /rest/v1/users", s.handleUpdate)
	mux.HandleFunc("POST /functions/v1/{name}", s.handleFunction)

	s.Server = httptest.NewServer(s.withFailures(s.requireAPIKey(mux)))
	t.Cleanup(s.Close)
	return s
}

// SetTokenTTL sets the lifetime of access tokens issued from now on. A
// negative ttl issues tokens that are already expired.
func (s *Server) SetTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = ttl
}

// AddIdentity registers an auth identity and returns its id.
func (s *Server) AddIdentity(email, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.identities[id] = &identity{id: id, email: email, password: password}
	return id
}

// AddUser inserts a users row directly.
func (s *Server) AddUser(u domain.User) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = domain.DefaultRole
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.nextCreatedAt()
	}
	s.users[u.ID] = u
	return u
}

// Users returns the table rows ordered by created_at.
func (s *Server) Users() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedUsers()
}

// HasIdentity reports whether an identity with the id exists.
func (s *Server) HasIdentity(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.identities[id]
	return ok
}

// IdentityEmail returns the email held by the identity.
func (s *Server) IdentityEmail(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ident, ok := s.identities[id]; ok {
		return ident.email
	}
	return ""
}

// IdentityCount returns the number of identities.
func (s *Server) IdentityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

// FunctionCalls returns recorded invocations of the named function.
func (s *Server) FunctionCalls(name string) []FunctionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var calls []FunctionCall
	for _, c := range s.functionCalls {
		if c.Name == name {
			calls = append(calls, c)
		}
	}
	return calls
}

// InsertPayloads returns the raw JSON objects received by insert calls.
func (s *Server) InsertPayloads() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.insertPayloads...)
}

// SignOuts returns how many logout calls succeeded.
func (s *Server) SignOuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signOuts
}

// FailFunction makes the named function answer with status until cleared
// with status 0.
func (s *Server) FailFunction(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failFunctions, name)
		return
	}
	s.failFunctions[name] = status
}

// Fail makes every request matching "METHOD /path" answer with status until
// cleared with status 0.
func (s *Server) Fail(methodPath string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failStatus, methodPath)
		return
	}
	s.failStatus[methodPath] = status
}

// IssueAccessToken signs a token for the identity, expiring after ttl.
func (s *Server) IssueAccessToken(id, email string, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"sub":   id,
		"email": email,
		"role":  "authenticated",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(JWTSecret))
	if err != nil {
		panic(err)
	}
	return signed
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.failStatus[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]any{"message": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) nextCreatedAt() time.Time {
	s.created = s.created.Add(time.Minute)
	return s.created
}

func (s *Server) sortedUsers() []domain.User {
	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users
}

func (s *Server) grant(ident *identity) map[string]any {
	refresh := uuid.NewString()
	s.refreshTokens[refresh] = ident.id
	return map[string]any{
		"access_token":  s.IssueAccessToken(ident.id, ident.email, s.tokenTTL),
		"token_type":    "bearer",
		"expires_in":    int64(s.tokenTTL.Seconds()),
		"expires_at":    time.Now().Add(s.tokenTTL).Unix(),
		"refresh_token": refresh,
		"user":          map[string]string{"id": ident.id, "email": ident.email},
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Query().Get("grant_type") {
	case "password":
		for _, ident := range s.identities {
			if strings.EqualFold(ident.email, body["email"]) && ident.password == body["password"] {
				writeJSON(w, http.StatusOK, s.grant(ident))
				return
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials",
		})
	case "refresh_token":
		id, ok := s.refreshTokens[body["refresh_token"]]
		ident := s.identities[id]
		if !ok || ident == nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"code": 400, "error_code": "refresh_token_not_found", "msg": "Invalid Refresh Token: Refresh Token Not Found",
			})
			return
		}
		delete(s.refreshTokens, body["refresh_token"])
		writeJSON(w, http.StatusOK, s.grant(ident))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
	}
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"msg": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ident := range s.identities {
		if strings.EqualFold(ident.email, body["email"]) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"code": 422, "error_code": "user_already_exists", "msg": "User already registered",
			})
			return
		}
	}
	ident := &identity{id: uuid.NewString(), email: body["email"], password: body["password"]}
	s.identities[ident.id] = ident
	writeJSON(w, http.StatusOK, map[string]any{"id": ident.id, "email": ident.email, "aud": "authenticated"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked[token] {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "msg": "session revoked"})
		return
	}
	s.revoked[token] = true
	s.signOuts++
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return []byte(JWTSecret), nil })

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil || s.revoked[token] {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "msg": "invalid JWT"})
		return
	}
	sub, _ := claims.GetSubject()
	ident, ok := s.identities[sub]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "error_code": "user_not_found", "msg": "User not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": ident.id, "email": ident.email})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.sortedUsers()
	if id, ok := strings.CutPrefix(r.URL.Query().Get("id"), "eq."); ok {
		users = filterByID(users, id)
	}
	if r.URL.Query().Get("order") == "created_at.desc" {
		for i, j := 0, len(users)-1; i < j; i, j = i+1, j-1 {
			users[i], users[j] = users[j], users[i]
		}
	}
	writeRows(w, r, users)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "PGRST102", "message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertPayloads = append(s.insertPayloads, payload)

	if _, ok := payload["password"]; ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "PGRST204", "message": "Could not find the 'password' column of 'users'"})
		return
	}

	u := domain.User{Role: domain.DefaultRole}
	if err := remarshal(payload, &u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "22P02", "message": err.Error()})
		return
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if s.conflicts(u.ID, u.Email, "") {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code": "23505", "message": "duplicate key value violates unique constraint \"users_email_key\"",
		})
		return
	}
	u.CreatedAt = s.nextCreatedAt()
	s.users[u.ID] = u
	writeRows(w, r, []domain.User{u})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "PGRST102", "message": err.Error()})
		return
	}
	id, _ := strings.CutPrefix(r.URL.Query().Get("id"), "eq.")

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		writeRows(w, r, nil)
		return
	}
	if email, ok := payload["email"].(string); ok && s.conflicts("", email, id) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code": "23505", "message": "duplicate key value violates unique constraint \"users_email_key\"",
		})
		return
	}
	// Nullable columns are reset before merging so explicit nulls clear them.
	if v, ok := payload["age"]; ok && v == nil {
		u.Age = nil
	}
	if v, ok := payload["number"]; ok && v == nil {
		u.Number = nil
	}
	if err := remarshal(payload, &u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "22P02", "message": err.Error()})
		return
	}
	u.ID = id
	s.users[id] = u
	writeRows(w, r, []domain.User{u})
}

func (s *Server) handleFunction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionCalls = append(s.functionCalls, FunctionCall{Name: name, Body: body})

	if status, ok := s.failFunctions[name]; ok {
		writeJSON(w, status, map[string]any{"error": "function failed"})
		return
	}

	switch name {
	case DeleteFunction:
		id := body["user_id"]
		delete(s.users, id)
		delete(s.identities, id)
		for token, owner := range s.refreshTokens {
			if owner == id {
				delete(s.refreshTokens, token)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case EmailSyncFunction:
		ident, ok := s.identities[body["user_id"]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
			return
		}
		ident.email = body["new_email"]
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "function not found"})
	}
}

func (s *Server) conflicts(id, email, exceptID string) bool {
	for _, u := range s.users {
		if u.ID == exceptID {
			continue
		}
		if (id != "" && u.ID == id) || (email != "" && strings.EqualFold(u.Email, email)) {
			return true
		}
	}
	return false
}

func filterByID(users []domain.User, id string) []domain.User {
	var out []domain.User
	for _, u := range users {
		if u.ID == id {
			out = append(out, u)
		}
	}
	return out
}

// writeRows answers with an array, or with a single object when the client
// asked for one, mirroring PostgREST's singular response handling.
func writeRows(w http.ResponseWriter, r *http.Request, users []domain.User) {
	if strings.Contains(r.Header.Get("Accept"), "vnd.pgrst.object") {
		if len(users) != 1 {
			writeJSON(w, http.StatusNotAcceptable, map[string]any{
				"code":    "PGRST116",
				"message": "JSON object requested, multiple (or no) rows returned",
			})
			return
		}
		writeJSON(w, http.StatusOK, users[0])
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func remarshal(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
