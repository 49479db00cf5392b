package auth

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
	"github.com/zhouzirui/dify-chat/backend/internal/service/chat"
)

// Manager attaches identities from a Backend to chat sessions.
type Manager struct {
	backend Backend
}

// NewManager returns a Manager using backend.
func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend}
}

// SignUp registers a new account and signs the session in as that account.
func (m *Manager) SignUp(ctx context.Context, sess *chat.Session, email, password string) (user.Identity, error) {
	return m.open(ctx, sess, "sign-up", email, password, m.backend.SignUp)
}

// SignIn signs the session in with an existing account.
func (m *Manager) SignIn(ctx context.Context, sess *chat.Session, email, password string) (user.Identity, error) {
	return m.open(ctx, sess, "sign-in", email, password, m.backend.SignInWithPassword)
}

func (m *Manager) open(ctx context.Context, sess *chat.Session, op, email, password string,
	call func(context.Context, Credentials) (*Grant, error)) (user.Identity, error) {
	creds := Credentials{Email: strings.TrimSpace(email), Password: password}
	if creds.Email == "" || creds.Password == "" {
		return user.Identity{}, rejected("Email and password are required.")
	}

	end := sess.BeginEvent()
	defer end()

	grant, err := call(ctx, creds)
	if err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Str("op", op).Msg("authentication failed")
		return user.Identity{}, asAuthError(err)
	}
	if grant == nil || grant.User.Empty() {
		return user.Identity{}, rejected(op + " did not return a user")
	}

	// A different account replaces the previous one together with its history.
	if current, ok := sess.User(); ok && current.ID != grant.User.ID {
		sess.Reset()
	}
	sess.Authenticate(grant.User, grant.AccessToken)
	log.Info().Str("session", sess.ID).Str("user", grant.User.ID).Str("op", op).Msg("session authenticated")
	return grant.User, nil
}

// SignOut clears the session user and transcript. It is idempotent; a
// backend failure is returned after the session has been cleared.
func (m *Manager) SignOut(ctx context.Context, sess *chat.Session) error {
	end := sess.BeginEvent()
	defer end()

	_, signedIn := sess.User()
	token := sess.AccessToken()
	sess.Reset()

	if !signedIn || token == "" {
		return nil
	}
	if err := m.backend.SignOut(ctx, token); err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("backend sign-out failed")
		return asAuthError(err)
	}
	log.Info().Str("session", sess.ID).Msg("session signed out")
	return nil
}

// CurrentUser returns the signed-in identity without contacting the backend.
func (m *Manager) CurrentUser(sess *chat.Session) (user.Identity, bool) {
	return sess.User()
}

// Verify asks the backend whether the stored token is still valid. A rejected
// token signs the session out.
func (m *Manager) Verify(ctx context.Context, sess *chat.Session) (user.Identity, error) {
	current, ok := sess.User()
	if !ok {
		return user.Identity{}, ErrNotAuthenticated
	}
	token := sess.AccessToken()
	if token == "" {
		return current, nil
	}

	identity, err := m.backend.GetUser(ctx, token)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			sess.Reset()
			return user.Identity{}, ErrNotAuthenticated
		}
		return user.Identity{}, asAuthError(err)
	}
	return identity, nil
}

func asAuthError(err error) error {
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrTransport) {
		return err
	}
	return transport("unexpected backend failure", err)
}
