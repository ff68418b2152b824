// Package main runs the web client core against a backend: it restores the
// cached session, confirms it with the server and keeps it fresh until
// interrupted, persisting the session on exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hoangphuc173/web1/pkg/cache"
	"github.com/hoangphuc173/web1/pkg/client"
	"github.com/hoangphuc173/web1/pkg/config"
	"github.com/hoangphuc173/web1/pkg/logging"
	"github.com/hoangphuc173/web1/pkg/metrics"
	"github.com/hoangphuc173/web1/pkg/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("webclient: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("webclient", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config (defaults and WEBCLIENT_* env when empty)")
	refresh := fs.Duration("refresh", 0, "re-check the session at this interval until interrupted (0 checks once)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logging.Setup(cfg.Log.LoggingConfig())
	logger := logging.NewLogger("webclient")

	otel.SetTextMapPropagator(propagation.TraceContext{})

	blobs, closeBlobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeBlobs()

	store := cache.NewManager(blobs,
		cache.WithStorageKey(cfg.Storage.Key),
		cache.WithSessionKey(cfg.Storage.Keys.User),
		cache.WithSweepInterval(cfg.Storage.SweepInterval),
	)
	// Unload hook: persist, never clear, so the next run resumes the session.
	defer store.Close()

	api, err := client.New(cfg.API.ClientConfig())
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}
	registerInterceptors(api, store, cfg, logger)

	auth := session.NewManager(api, store,
		session.WithEndpoints(session.Endpoints{
			CheckAuth: cfg.API.Endpoints.CheckAuth,
			Login:     cfg.API.Endpoints.Login,
			Register:  cfg.API.Endpoints.Register,
			Logout:    cfg.API.Endpoints.Logout,
		}),
		session.WithUserKey(cfg.Storage.Keys.User),
		session.WithUserTTL(cfg.Storage.TTL.User),
	)
	auth.OnAuthStateChange(func(u *session.User) {
		printState(stdout, u)
	})

	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics.Addr, logger)
		defer srv.Shutdown(context.Background())
	}

	auth.CheckAuth(ctx)
	if *refresh <= 0 {
		return nil
	}

	ticker := time.NewTicker(*refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down, persisting session")
			return nil
		case <-ticker.C:
			auth.CheckAuth(ctx)
		}
	}
}

// registerInterceptors installs the default pipeline: cookie auth
// passthrough, request ids, trace propagation, the 401 handler and
// user-facing error logging.
func registerInterceptors(api *client.Client, store *cache.Manager, cfg *config.Config, logger zerolog.Logger) {
	api.AddRequestInterceptor(session.PassthroughRequestInterceptor)
	api.AddRequestInterceptor(client.RequestIDInterceptor())
	api.AddRequestInterceptor(client.TracePropagationInterceptor(nil))

	nav := session.NavigatorFunc(func(target string) {
		logger.Warn().Str("target", target).Msg("Login required")
	})
	api.AddErrorInterceptor(session.UnauthorizedInterceptor(
		store, cfg.Storage.Keys.User, nav, cfg.Session.RedirectTarget, cfg.Session.RedirectDelay,
	))
	api.AddErrorInterceptor(userMessageInterceptor(cfg.Messages, logger))
}

// userMessageInterceptor logs the configured user-facing message for each
// failed request and passes the error on unchanged.
func userMessageInterceptor(msgs client.Messages, logger zerolog.Logger) client.ErrorInterceptor {
	return func(_ context.Context, err error) error {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			logger.Warn().
				Str("kind", string(apiErr.Kind())).
				Int("status", apiErr.StatusCode).
				Msg(apiErr.UserMessage(msgs))
		}
		return err
	}
}

// openBlobStore builds the durable tier for the configured backend.
func openBlobStore(ctx context.Context, cfg config.StorageConfig) (cache.BlobStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, noop, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return cache.NewRedisBlobStore(redisClient, cfg.Redis.SessionTTL), redisClient.Close, nil

	case "sqlite":
		store, err := cache.OpenSQLiteBlobStore(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	default:
		return cache.NewMemoryBlobStore(), noop, nil
	}
}

func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func printState(w io.Writer, u *session.User) {
	if u == nil {
		fmt.Fprintln(w, "not authenticated")
		return
	}
	fmt.Fprintf(w, "authenticated: %s <%s>\n", u.Name, u.Email)
}
