package domain

import (
	"context"
	"time"
)

// Session is the server-side view of a remote auth session. Key is the
// opaque value stored in the browser cookie.
type Session struct {
	Key          string
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// HasAccessToken reports whether the session carries an access token.
func (s *Session) HasAccessToken() bool {
	return s != nil && s.AccessToken != ""
}

// Expired reports whether the access token is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Identity is an auth provider account.
type Identity struct {
	ID    string
	Email string
}

// Tokens is a token grant returned by the auth provider.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Identity     Identity
}

// IdentityProvider is the auth half of the remote account service.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Tokens, error)
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	GetUser(ctx context.Context, accessToken string) (*Identity, error)
	SignOut(ctx context.Context, accessToken string) error
}

// SessionRepository persists sessions locally.
type SessionRepository interface {
	Save(ctx context.Context, session *Session) error
	Get(ctx context.Context, key string) (*Session, error)
	Delete(ctx context.Context, key string) error
	// DeleteByUser removes every session of the identity and returns their keys.
	DeleteByUser(ctx context.Context, userID string) ([]string, error)
}

// AuthEventKind names a session transition.
type AuthEventKind string

const (
	AuthSignedIn       AuthEventKind = "signed_in"
	AuthSignedOut      AuthEventKind = "signed_out"
	AuthTokenRefreshed AuthEventKind = "token_refreshed"
)

// AuthEvent is delivered to session subscribers. Session is nil on sign-out.
type AuthEvent struct {
	Kind    AuthEventKind
	Key     string
	Session *Session
}

// TokenClaims are the claims of an access token that sessions rely on.
type TokenClaims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}
