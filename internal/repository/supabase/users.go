package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/msomdec/user-admin/internal/domain"
)

const (
	usersPath    = "/rest/v1/users"
	objectAccept = "application/vnd.pgrst.object+json"
)

// Users returns the users table store.
func (c *Client) Users() *UserStore {
	return &UserStore{client: c}
}

// UserStore implements domain.UserStore over PostgREST.
type UserStore struct {
	client *Client
}

// List returns every row ordered by created_at ascending.
func (s *UserStore) List(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	err := s.client.do(ctx, request{
		method: http.MethodGet,
		path:   usersPath,
		query:  url.Values{"select": {"*"}, "order": {"created_at.asc"}},
	}, &users)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", domain.ErrData, err)
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, nil
}

// GetByID expects exactly one row. Zero rows or a failed query is
// domain.ErrNotFound.
func (s *UserStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := s.client.do(ctx, request{
		method: http.MethodGet,
		path:   usersPath,
		query:  url.Values{"select": {"*"}, "id": {"eq." + id}},
		header: http.Header{"Accept": {objectAccept}},
	}, &user)
	if err != nil {
		return nil, fmt.Errorf("%w: user %s: %w", domain.ErrNotFound, id, err)
	}
	return &user, nil
}

// FindByID returns nil, nil when no row matches.
func (s *UserStore) FindByID(ctx context.Context, id string) (*domain.User, error) {
	var users []domain.User
	err := s.client.do(ctx, request{
		method: http.MethodGet,
		path:   usersPath,
		query:  url.Values{"select": {"*"}, "id": {"eq." + id}, "limit": {"2"}},
	}, &users)
	if err != nil {
		return nil, fmt.Errorf("%w: find user %s: %w", domain.ErrData, id, err)
	}
	switch len(users) {
	case 0:
		return nil, nil
	case 1:
		return &users[0], nil
	default:
		return nil, fmt.Errorf("%w: multiple rows for user %s", domain.ErrData, id)
	}
}

// Insert writes one row and returns it as stored.
func (s *UserStore) Insert(ctx context.Context, user domain.NewUser) (*domain.User, error) {
	var created domain.User
	err := s.client.do(ctx, request{
		method: http.MethodPost,
		path:   usersPath,
		query:  url.Values{"select": {"*"}},
		body:   user,
		header: http.Header{
			"Prefer": {"return=representation"},
			"Accept": {objectAccept},
		},
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("%w: insert user: %w", domain.ErrData, err)
	}
	return &created, nil
}

// Update applies the provided fields to the row and returns it.
func (s *UserStore) Update(ctx context.Context, id string, update domain.UserUpdate) (*domain.User, error) {
	var updated domain.User
	err := s.client.do(ctx, request{
		method: http.MethodPatch,
		path:   usersPath,
		query:  url.Values{"select": {"*"}, "id": {"eq." + id}},
		body:   update.Fields(),
		header: http.Header{
			"Prefer": {"return=representation"},
			"Accept": {objectAccept},
		},
	}, &updated)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.isNotSingular() {
			return nil, fmt.Errorf("%w: user %s: %w", domain.ErrNotFound, id, err)
		}
		return nil, fmt.Errorf("%w: update user %s: %w", domain.ErrData, id, err)
	}
	return &updated, nil
}
