package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
	"github.com/zhouzirui/dify-chat/backend/internal/service/chat"
)

func TestOriginAllowed(t *testing.T) {
	origins := []string{"http://localhost:3000", "*.example.com"}

	require.True(t, originAllowed(origins, "http://localhost:3000"))
	require.True(t, originAllowed(origins, "https://app.example.com"))
	require.False(t, originAllowed(origins, "http://localhost:4000"))
	require.False(t, originAllowed(origins, ""))
	require.True(t, originAllowed([]string{"*"}, "http://anything"))
}

func TestSessionLoaderReusesCookieSession(t *testing.T) {
	sessions := chat.NewService()
	var seen []string
	h := SessionLoader(sessions, "sid")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := GetSession(r.Context())
		require.NotNil(t, sess)
		seen = append(seen, sess.ID)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := first.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "sid", cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)

	require.Empty(t, second.Result().Cookies())
	require.Equal(t, seen[0], seen[1])
	require.Equal(t, 1, sessions.Len())
}

func TestSessionLoaderReplacesUnknownCookie(t *testing.T) {
	sessions := chat.NewService()
	h := SessionLoader(sessions, "sid")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "expired"})
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	cookies := resp.Result().Cookies()
	require.Len(t, cookies, 1)
	require.NotEqual(t, "expired", cookies[0].Value)
}

func TestRequireUser(t *testing.T) {
	h := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	sess, err := chat.NewService().CreateSession(context.Background())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithSession(req.Context(), sess))

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	sess.Authenticate(user.Identity{ID: "u1"}, "")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	require.Equal(t, http.StatusTeapot, resp.Code)
}

func TestRateLimitPerSession(t *testing.T) {
	limiter := NewLimiter(1, 2)
	h := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	service := chat.NewService()
	first, err := service.CreateSession(context.Background())
	require.NoError(t, err)
	second, err := service.CreateSession(context.Background())
	require.NoError(t, err)

	call := func(sess *chat.Session) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithSession(req.Context(), sess))
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		return resp.Code
	}

	require.Equal(t, http.StatusNoContent, call(first))
	require.Equal(t, http.StatusNoContent, call(first))
	require.Equal(t, http.StatusTooManyRequests, call(first))
	require.Equal(t, http.StatusNoContent, call(second))
}

func TestLimiterDisabledAndPrune(t *testing.T) {
	unlimited := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("s"))
	}

	limiter := NewLimiter(60, 1)
	require.True(t, limiter.Allow("a"))
	require.Equal(t, 0, limiter.Prune(time.Now(), time.Minute))
	require.Equal(t, 1, limiter.Prune(time.Now().Add(2*time.Minute), time.Minute))
}
