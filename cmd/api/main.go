package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/dify-chat/backend/internal/config"
	"github.com/zhouzirui/dify-chat/backend/internal/controller"
	"github.com/zhouzirui/dify-chat/backend/internal/handler"
	"github.com/zhouzirui/dify-chat/backend/internal/middleware"
	"github.com/zhouzirui/dify-chat/backend/internal/service/ai"
	"github.com/zhouzirui/dify-chat/backend/internal/service/auth"
	"github.com/zhouzirui/dify-chat/backend/internal/service/chat"
	"github.com/zhouzirui/dify-chat/backend/internal/service/completion"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		addr    string
	)

	cmd := &cobra.Command{
		Use:           "dify-chat",
		Short:         "Chat backend for a Dify-compatible assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loadEnvFile(envFile)

			cfg, err := config.Load()
			if err != nil {
				return errors.Wrap(err, "failed to load configuration")
			}
			setupLogger(cfg.Log)
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides PORT")
	return cmd
}

func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("env file not loaded, continuing with process environment")
	}
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *config.Config) error {
	sessions := chat.NewService()

	backend, err := newAuthBackend(cfg.Auth)
	if err != nil {
		return err
	}

	client, err := newCompletionClient(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("completion backend unavailable, chat requests will fail")
		client = nil
	}

	ctl := controller.New(client, controller.Options{
		Streaming: cfg.Completion.Streaming(),
		Timeout:   cfg.Completion.Timeout,
	})

	var limiter *middleware.Limiter
	if cfg.Session.RatePerMinute > 0 {
		limiter = middleware.NewLimiter(cfg.Session.RatePerMinute, cfg.Session.RateBurst)
		log.Info().Float64("per_minute", cfg.Session.RatePerMinute).Int("burst", cfg.Session.RateBurst).Msg("chat rate limit enabled")
	}

	router := handler.NewRouter(handler.Deps{
		Sessions:    sessions,
		Limiter:     limiter,
		Auth:        auth.NewManager(backend),
		Controller:  ctl,
		CookieName:  cfg.Session.CookieName,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return startServer(gctx, cfg.Server, router)
	})
	g.Go(func() error {
		pruneLoop(gctx, sessions, limiter, cfg.Session.IdleTimeout)
		return nil
	})
	return g.Wait()
}

func newAuthBackend(cfg config.AuthConfig) (auth.Backend, error) {
	switch cfg.Provider() {
	case config.AuthBackendSupabase:
		if problem := cfg.CheckSupabase(); problem != "" {
			return nil, errors.New(problem)
		}
		log.Info().Str("url", cfg.SupabaseURL).Msg("using supabase identity backend")
		return auth.NewSupabaseBackend(cfg.SupabaseURL, cfg.SupabaseKey, &http.Client{Timeout: 30 * time.Second}), nil
	case config.AuthBackendMemory:
		log.Warn().Msg("using in-memory identity backend, accounts are lost on restart")
		return auth.NewMemoryBackend(), nil
	default:
		return nil, errors.Errorf("unknown AUTH_BACKEND %q", cfg.Backend)
	}
}

func newCompletionClient(ctx context.Context, cfg *config.Config) (completion.Client, error) {
	switch strings.ToLower(cfg.Completion.Provider) {
	case config.ProviderDify:
		if cfg.Completion.APIKey == "" {
			return nil, errors.New("COMPLETION_API_KEY is not configured")
		}
		log.Info().Str("endpoint", cfg.Completion.URL).Str("mode", cfg.Completion.Mode).Msg("using dify completion backend")
		return completion.NewDifyClient(cfg.Completion.URL, cfg.Completion.APIKey,
			completion.WithLogger(log.With().Str("component", "dify").Logger())), nil
	case config.ProviderArk:
		if !cfg.AI.Enabled() {
			return nil, errors.New("ark credentials are not configured")
		}
		svc, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			return nil, errors.Wrap(err, "init ark model")
		}
		log.Info().Str("model", cfg.AI.Model).Msg("using ark completion backend")
		return svc, nil
	default:
		return nil, errors.Errorf("unknown COMPLETION_PROVIDER %q", cfg.Completion.Provider)
	}
}

// pruneLoop drops sessions and rate buckets idle longer than idle.
func pruneLoop(ctx context.Context, sessions *chat.Service, limiter *middleware.Limiter, idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sessions.Prune(now.UTC(), idle); n > 0 {
				log.Info().Int("removed", n).Int("active", sessions.Len()).Msg("pruned idle sessions")
			}
			if limiter != nil {
				limiter.Prune(now, idle)
			}
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("chat backend listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
