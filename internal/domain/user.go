package domain

import (
	"context"
	"time"
)

// DefaultRole is assigned to every record created without an explicit role.
const DefaultRole = "user"

// User is a row of the remote users table. ID equals the identity id
// issued by the auth provider when the account was created.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Age       *int      `json:"age"`
	Number    *string   `json:"number"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// NewUser is the insert payload for the users table. It has no password
// field so a password can never reach the table.
type NewUser struct {
	ID     string  `json:"id,omitempty"`
	Name   string  `json:"name"`
	Email  string  `json:"email"`
	Age    *int    `json:"age"`
	Number *string `json:"number"`
	Role   string  `json:"role"`
}

// UserInput is the validated input for creating a user.
type UserInput struct {
	Name     string
	Email    string
	Password string
	Age      *int
	Number   *string
	Role     string
}

// UserUpdate is a partial update. Nil fields are left untouched; the
// Clear flags set the nullable columns to null.
type UserUpdate struct {
	Name        *string
	Email       *string
	Age         *int
	Number      *string
	ClearAge    bool
	ClearNumber bool
}

// IsEmpty reports whether the update changes nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.Name == nil && u.Email == nil && u.Age == nil && u.Number == nil &&
		!u.ClearAge && !u.ClearNumber
}

// Fields returns the column values to write, keyed by column name.
func (u UserUpdate) Fields() map[string]any {
	fields := make(map[string]any)
	if u.Name != nil {
		fields["name"] = *u.Name
	}
	if u.Email != nil {
		fields["email"] = *u.Email
	}
	switch {
	case u.Age != nil:
		fields["age"] = *u.Age
	case u.ClearAge:
		fields["age"] = nil
	}
	switch {
	case u.Number != nil:
		fields["number"] = *u.Number
	case u.ClearNumber:
		fields["number"] = nil
	}
	return fields
}

// UserForm holds raw form values before validation and conversion.
type UserForm struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Age      string `json:"age"`
	Number   string `json:"number"`
}

// UserStore is the users table of the remote account service.
type UserStore interface {
	List(ctx context.Context) ([]User, error)
	// GetByID expects exactly one row.
	GetByID(ctx context.Context, id string) (*User, error)
	// FindByID returns nil, nil when no row matches.
	FindByID(ctx context.Context, id string) (*User, error)
	Insert(ctx context.Context, user NewUser) (*User, error)
	Update(ctx context.Context, id string, update UserUpdate) (*User, error)
}

// SideEffects are the remote functions with consequences outside the table.
type SideEffects interface {
	// FinalizeDelete removes the row and invalidates the backing identity.
	FinalizeDelete(ctx context.Context, userID string) error
	// SyncEmail propagates an email change to the backing identity.
	SyncEmail(ctx context.Context, userID, newEmail string) error
}
