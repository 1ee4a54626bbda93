package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/msomdec/user-admin/internal/domain"
)

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         *authUser `json:"user"`
}

func (t *tokenResponse) tokens(now time.Time) (*domain.Tokens, error) {
	if t.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response without access token", domain.ErrAuth)
	}
	out := &domain.Tokens{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
	switch {
	case t.ExpiresAt > 0:
		out.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		out.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	if t.User != nil {
		out.Identity = domain.Identity{ID: t.User.ID, Email: t.User.Email}
	}
	return out, nil
}

// SignInWithPassword exchanges email and password for a token grant.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*domain.Tokens, error) {
	var resp tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   map[string]string{"email": email, "password": password},
	}, &resp)
	if err != nil {
		return nil, authError("sign in", err)
	}
	return resp.tokens(time.Now())
}

// Refresh exchanges a refresh token for a new grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.Tokens, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", domain.ErrAuth)
	}
	var resp tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": refreshToken},
	}, &resp)
	if err != nil {
		return nil, authError("refresh", err)
	}
	return resp.tokens(time.Now())
}

// signUpResponse is either a bare user (email confirmation pending) or a
// token grant with the user nested.
type signUpResponse struct {
	ID    string    `json:"id"`
	Email string    `json:"email"`
	User  *authUser `json:"user"`
}

// SignUp creates a new identity.
func (c *Client) SignUp(ctx context.Context, email, password string) (*domain.Identity, error) {
	var resp signUpResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body:   map[string]string{"email": email, "password": password},
	}, &resp)
	if err != nil {
		return nil, authError("sign up", err)
	}

	identity := &domain.Identity{ID: resp.ID, Email: resp.Email}
	if resp.User != nil && resp.User.ID != "" {
		identity = &domain.Identity{ID: resp.User.ID, Email: resp.User.Email}
	}
	if identity.ID == "" {
		return nil, fmt.Errorf("%w: sign up returned no identity id", domain.ErrAuth)
	}
	return identity, nil
}

// GetUser returns the identity that owns accessToken.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*domain.Identity, error) {
	var user authUser
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/auth/v1/user",
		bearer: accessToken,
	}, &user)
	if err != nil {
		return nil, authError("get user", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: get user returned no id", domain.ErrAuth)
	}
	return &domain.Identity{ID: user.ID, Email: user.Email}, nil
}

// SignOut revokes the session that owns accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		bearer: accessToken,
	}, nil)
	if err != nil {
		return authError("sign out", err)
	}
	return nil
}

func authError(op string, err error) error {
	if errors.Is(err, domain.ErrAuth) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrAuth, op, err)
}
