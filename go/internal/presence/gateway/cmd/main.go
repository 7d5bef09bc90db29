package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/punchclock/go/internal/dbconfig"
	"github.com/mcdev12/punchclock/go/internal/presence/auth"
	"github.com/mcdev12/punchclock/go/internal/presence/gateway"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := gateway.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dbCfg := dbconfig.NewConfigFromEnv()
	if cfg.Listener.DatabaseURL == "" {
		cfg.Listener.DatabaseURL = dbCfg.DSN()
	}

	authenticator, closeAuth, err := setupAuth(ctx, cfg.Auth, dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up authentication")
	}
	defer closeAuth()

	log.Info().
		Str("port", cfg.Port).
		Bool("nats", cfg.NATS.Enabled).
		Bool("listener", cfg.Listener.Enabled).
		Bool("token_store", cfg.Auth.TokenStore).
		Msg("starting presence gateway")

	gatewayService, err := gateway.NewService(cfg, authenticator, clockwork.NewRealClock())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway service")
	}

	server := setupServer(cfg, gatewayService)

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the service
	// closes them itself.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("timed out waiting for gateway service")
	}

	log.Info().Msg("presence gateway shutdown complete")
}

// setupAuth builds the authenticator chain: JWT access tokens first, then
// opaque API tokens from Postgres when enabled.
func setupAuth(ctx context.Context, cfg gateway.AuthConfig, dbCfg dbconfig.Config) (auth.Authenticator, func(), error) {
	var chain auth.Chain
	closeFn := func() {}

	if cfg.JWTSecret != "" {
		chain = append(chain, auth.NewJWTAuthenticator(cfg.JWTSecret))
	}
	if cfg.TokenStore {
		poolCfg, err := dbCfg.PoolConfig()
		if err != nil {
			return nil, nil, err
		}
		store, pool, err := auth.OpenTokenStore(ctx, poolCfg)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, store)
		closeFn = pool.Close
	}
	if len(chain) == 0 {
		return nil, nil, errors.New("no authenticator configured: set JWT_SECRET or TOKEN_STORE_ENABLED")
	}
	return chain, closeFn, nil
}

func setupServer(cfg gateway.Config, service *gateway.Service) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodOptions,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	service.RegisterRoutes(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		stats := service.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"presence-gateway","connections":%d,"tenants":%d}`,
			stats.TotalConnections, stats.ActiveTenants)
	})

	return &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}
