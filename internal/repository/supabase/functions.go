package supabase

import (
	"context"
	"fmt"
	"net/http"

	"github.com/msomdec/user-admin/internal/domain"
)

// FinalizeDelete calls the delete function, which removes the users row and
// invalidates the backing identity.
func (c *Client) FinalizeDelete(ctx context.Context, userID string) error {
	return c.invoke(ctx, c.deleteFunction, map[string]string{"user_id": userID})
}

// SyncEmail calls the function that copies a changed email to the identity.
func (c *Client) SyncEmail(ctx context.Context, userID, newEmail string) error {
	return c.invoke(ctx, c.emailSyncFunction, map[string]string{"user_id": userID, "new_email": newEmail})
}

func (c *Client) invoke(ctx context.Context, name string, payload any) error {
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/functions/v1/" + name,
		body:   payload,
	}, nil)
	if err == nil {
		return nil
	}
	if apiErr, ok := asAPIError(err); ok && apiErr.IsAuthFailure() {
		return fmt.Errorf("%w: function %s: %w", domain.ErrAuth, name, err)
	}
	return fmt.Errorf("%w: function %s: %w", domain.ErrData, name, err)
}
