// Package middleware holds the HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dify-chat/backend/internal/service/chat"
	"github.com/zhouzirui/dify-chat/backend/pkg/utils"
)

type ctxKey string

const SessionKey ctxKey = "session"

// GetSession extracts the client session from context.
func GetSession(ctx context.Context) *chat.Session {
	sess, ok := ctx.Value(SessionKey).(*chat.Session)
	if !ok {
		return nil
	}
	return sess
}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess *chat.Session) context.Context {
	return context.WithValue(ctx, SessionKey, sess)
}

// SessionLoader resolves the session named by the cookie, creating a fresh
// one when the cookie is missing or refers to an expired session.
func SessionLoader(sessions *chat.Service, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var sess *chat.Session
			if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
				sess, _ = sessions.GetSession(ctx, cookie.Value)
			}
			if sess == nil {
				created, err := sessions.CreateSession(ctx)
				if err != nil {
					log.Error().Err(err).Msg("create session failed")
					utils.RespondError(w, http.StatusInternalServerError, "session unavailable")
					return
				}
				sess = created
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    sess.ID,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
					Secure:   r.TLS != nil,
				})
				log.Debug().Str("session", sess.ID).Msg("session created")
			}
			sess.Touch(time.Now().UTC())

			next.ServeHTTP(w, r.WithContext(WithSession(ctx, sess)))
		})
	}
}

// RequireUser rejects requests whose session has no signed-in user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := GetSession(r.Context())
		if sess == nil {
			utils.RespondError(w, http.StatusUnauthorized, "Please sign in first.")
			return
		}
		if _, ok := sess.User(); !ok {
			utils.RespondError(w, http.StatusUnauthorized, "Please sign in first.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
