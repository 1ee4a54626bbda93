package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/msomdec/user-admin/internal/domain"
)

// subscriberBuffer is the number of undelivered events a subscriber may
// hold before further events are dropped.
const subscriberBuffer = 16

// ClaimsParser extracts the claims of an access token.
type ClaimsParser interface {
	Parse(token string) (domain.TokenClaims, error)
}

// SignInResult is returned by a successful sign-in. User is nil when the
// identity has no users row or the lookup failed.
type SignInResult struct {
	Session *domain.Session
	User    *domain.User
	Claims  domain.TokenClaims
}

// SessionManager owns the server-side sessions that hold remote tokens on
// behalf of browsers, and notifies subscribers of every transition.
type SessionManager struct {
	identity domain.IdentityProvider
	sessions domain.SessionRepository
	users    domain.UserStore
	claims   ClaimsParser
	ttl      time.Duration

	refresh singleflight.Group

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	events chan domain.AuthEvent
	done   chan struct{}
	once   sync.Once
}

// NewSessionManager creates a new SessionManager. Sessions older than ttl
// are discarded; a zero ttl keeps them until sign-out.
func NewSessionManager(identity domain.IdentityProvider, sessions domain.SessionRepository, users domain.UserStore, claims ClaimsParser, ttl time.Duration) *SessionManager {
	return &SessionManager{
		identity: identity,
		sessions: sessions,
		users:    users,
		claims:   claims,
		ttl:      ttl,
		subs:     make(map[uint64]*subscriber),
	}
}

// Subscribe registers fn for every session transition. Events are delivered
// on a goroutine owned by the subscription; when fn falls behind, events
// are dropped. The returned func unsubscribes and may be called any number
// of times.
func (m *SessionManager) Subscribe(fn func(domain.AuthEvent)) func() {
	sub := &subscriber{
		events: make(chan domain.AuthEvent, subscriberBuffer),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.events:
				deliver(fn, ev)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		sub.once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(sub.done)
		})
	}
}

func deliver(fn func(domain.AuthEvent), ev domain.AuthEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("auth event listener panicked", "event", ev.Kind, "panic", r)
		}
	}()
	fn(ev)
}

func (m *SessionManager) emit(ev domain.AuthEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub.events <- ev:
		default:
			slog.Warn("dropped auth event", "event", ev.Kind, "session", shortKey(ev.Key))
		}
	}
}

// Close unsubscribes every listener.
func (m *SessionManager) Close() {
	m.mu.Lock()
	subs := make([]*subscriber, 0, len(m.subs))
	for id, sub := range m.subs {
		subs = append(subs, sub)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}
}

// Current returns the session stored under key, or nil if there is none.
// An expired access token is refreshed first.
func (m *SessionManager) Current(ctx context.Context, key string) (*domain.Session, error) {
	if key == "" {
		return nil, nil
	}
	sess, err := m.sessions.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	now := time.Now()
	if m.ttl > 0 && now.Sub(sess.CreatedAt) > m.ttl {
		m.discard(ctx, key)
		return nil, nil
	}
	if !sess.Expired(now) {
		return sess, nil
	}
	if sess.RefreshToken == "" {
		m.discard(ctx, key)
		return nil, nil
	}

	// Refresh tokens are single use, so concurrent requests for the same
	// session share one refresh. It outlives the request that started it.
	ch := m.refresh.DoChan(key, func() (any, error) {
		return m.refreshSession(context.WithoutCancel(ctx), key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		refreshed, _ := res.Val.(*domain.Session)
		return refreshed, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// statusCoder is implemented by remote errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// rejected reports whether the remote service refused the request itself,
// as opposed to being unreachable or overloaded.
func rejected(err error) bool {
	var sc statusCoder
	if !errors.As(err, &sc) {
		return false
	}
	status := sc.HTTPStatus()
	return status >= 400 && status < 500 && status != 408 && status != 429
}

func (m *SessionManager) refreshSession(ctx context.Context, key string) (*domain.Session, error) {
	sess, err := m.sessions.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !sess.Expired(time.Now()) {
		return sess, nil
	}

	tokens, err := m.identity.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if !rejected(err) {
			return nil, fmt.Errorf("%w: refresh session: %w", domain.ErrUnavailable, err)
		}
		m.discard(ctx, key)
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	refreshed := *sess
	refreshed.AccessToken = tokens.AccessToken
	refreshed.RefreshToken = tokens.RefreshToken
	refreshed.ExpiresAt = tokens.ExpiresAt
	if claims, err := m.claims.Parse(tokens.AccessToken); err == nil {
		if refreshed.ExpiresAt.IsZero() {
			refreshed.ExpiresAt = claims.ExpiresAt
		}
		if claims.Email != "" {
			refreshed.Email = claims.Email
		}
	} else {
		slog.Warn("parse refreshed token", "error", err)
	}

	if err := m.sessions.Save(ctx, &refreshed); err != nil {
		return nil, fmt.Errorf("save refreshed session: %w", err)
	}
	m.emit(domain.AuthEvent{Kind: domain.AuthTokenRefreshed, Key: refreshed.Key, Session: &refreshed})
	return &refreshed, nil
}

// discard removes a session locally and reports the sign-out. The removal
// is not tied to the caller's cancellation.
func (m *SessionManager) discard(ctx context.Context, key string) {
	if err := m.sessions.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.Error("delete session", "error", err)
	}
	m.emit(domain.AuthEvent{Kind: domain.AuthSignedOut, Key: key})
}

// SignIn authenticates with the remote service, stores a new session and
// looks up the identity's users row.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	tokens, err := m.identity.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}

	ident := tokens.Identity
	if ident.ID == "" {
		fetched, err := m.identity.GetUser(ctx, tokens.AccessToken)
		if err != nil {
			return nil, err
		}
		ident = *fetched
	}

	claims, err := m.claims.Parse(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if claims.Subject != ident.ID {
		return nil, fmt.Errorf("%w: token subject does not match identity", domain.ErrAuth)
	}

	sess := &domain.Session{
		Key:          uuid.NewString(),
		UserID:       ident.ID,
		Email:        ident.Email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
	}
	if sess.Email == "" {
		sess.Email = claims.Email
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = claims.ExpiresAt
	}
	if err := m.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Key: sess.Key, Session: sess})

	user, err := m.users.FindByID(ctx, ident.ID)
	if err != nil {
		slog.Warn("look up signed-in user", "user_id", ident.ID, "error", err)
		user = nil
	}
	return &SignInResult{Session: sess, User: user, Claims: claims}, nil
}

// SignOut revokes the remote session and always clears the local one.
func (m *SessionManager) SignOut(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	sess, err := m.sessions.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get session: %w", err)
	}

	var remoteErr error
	if sess.HasAccessToken() {
		remoteErr = m.identity.SignOut(ctx, sess.AccessToken)
	}
	m.discard(ctx, key)
	return remoteErr
}

// ForceSignOut removes every local session of the identity without
// contacting the remote service, and returns how many were removed.
func (m *SessionManager) ForceSignOut(ctx context.Context, userID string) (int, error) {
	keys, err := m.sessions.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("force sign out: %w", err)
	}
	for _, key := range keys {
		m.emit(domain.AuthEvent{Kind: domain.AuthSignedOut, Key: key})
	}
	return len(keys), nil
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
