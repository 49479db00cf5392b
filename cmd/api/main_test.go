package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/dify-chat/backend/internal/config"
	"github.com/zhouzirui/dify-chat/backend/internal/middleware"
	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
	"github.com/zhouzirui/dify-chat/backend/internal/service/auth"
	"github.com/zhouzirui/dify-chat/backend/internal/service/chat"
	"github.com/zhouzirui/dify-chat/backend/internal/service/completion"
)

func TestNewAuthBackend(t *testing.T) {
	backend, err := newAuthBackend(config.AuthConfig{})
	require.NoError(t, err)
	require.IsType(t, &auth.MemoryBackend{}, backend)

	backend, err = newAuthBackend(config.AuthConfig{SupabaseURL: "https://x.supabase.co", SupabaseKey: "anon"})
	require.NoError(t, err)
	require.IsType(t, &auth.SupabaseBackend{}, backend)

	_, err = newAuthBackend(config.AuthConfig{SupabaseURL: "https://x.supabase.co"})
	require.Error(t, err)
}

func TestNewCompletionClient(t *testing.T) {
	cfg := &config.Config{Completion: config.CompletionConfig{Provider: config.ProviderDify, URL: "http://localhost", APIKey: "k"}}
	client, err := newCompletionClient(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &completion.DifyClient{}, client)

	cfg.Completion.APIKey = ""
	_, err = newCompletionClient(context.Background(), cfg)
	require.Error(t, err)

	cfg.Completion.Provider = config.ProviderArk
	_, err = newCompletionClient(context.Background(), cfg)
	require.Error(t, err)
}

func TestPruneLoopRemovesIdleSessions(t *testing.T) {
	sessions := chat.NewService()
	sess, err := sessions.CreateSession(context.Background())
	require.NoError(t, err)
	sess.Authenticate(user.Identity{ID: "u"}, "")
	sess.Touch(time.Now().UTC().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pruneLoop(ctx, sessions, middleware.NewLimiter(0, 0), 20*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestRunServerStopsOnCancel(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runServer(ctx, srv) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
