package identity

import (
	"context"

	"PPresence/tools/errs"
)

// User is the profile slice this layer needs from the identity service.
type User struct {
	ID       string   `json:"id" bson:"-"`
	Username string   `json:"username" bson:"username"`
	Roles    []string `json:"roles" bson:"roles"`
}

func (u *User) HasAnyRole(roles ...string) bool {
	for _, have := range u.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

var ErrUserNotFound = errs.NewCodeError(errs.RecordNotFoundError, "user not found")

// Loader reads a user from the system of record.
type Loader interface {
	Load(ctx context.Context, userID string) (*User, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, userID string) (*User, error)

func (f LoaderFunc) Load(ctx context.Context, userID string) (*User, error) { return f(ctx, userID) }
