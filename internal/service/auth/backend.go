// Package auth signs users in and out of chat sessions on top of an
// identity backend.
package auth

import (
	"context"
	"time"

	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
)

// Credentials is an email and password pair.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Grant is the result of a successful sign-up or sign-in. AccessToken may be
// empty when the backend created the account but did not open a session.
type Grant struct {
	User        user.Identity
	AccessToken string
	ExpiresAt   time.Time
}

// Backend is an identity provider.
type Backend interface {
	SignUp(ctx context.Context, creds Credentials) (*Grant, error)
	SignInWithPassword(ctx context.Context, creds Credentials) (*Grant, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (user.Identity, error)
}
