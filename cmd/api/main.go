package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/atlastree/explorer/backend/internal/config"
	"github.com/atlastree/explorer/backend/internal/handler"
	"github.com/atlastree/explorer/backend/internal/service/ai"
	"github.com/atlastree/explorer/backend/internal/service/relay"
	"github.com/atlastree/explorer/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupLogger()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load .env file, continuing with system environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	store := session.NewStore(cfg.Chat.MaxHistoryLength)
	cleaner := session.NewCleaner(store, cfg.Chat.SessionTimeout, cfg.Chat.CleanupInterval)

	var rly *relay.Relay
	if cfg.AI.Enabled() {
		aiSvc, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize completion client, chat will report unavailable")
		} else {
			rly = relay.New(store, aiSvc, ai.NewAssembler(cfg.Chat), relay.Config{
				RequestTimeout:      cfg.AI.RequestTimeout,
				IdleTimeout:         cfg.AI.StreamIdleTimeout,
				KeepPartialOnCancel: cfg.Chat.KeepPartialOnCancel,
			})
			log.Info().Str("model", cfg.AI.Model).Msg("completion client initialized")
		}
	} else {
		log.Info().Msg("ark credentials not configured, chat will report unavailable")
	}

	router := handler.NewRouter(store, rly, cfg.Chat)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cleaner.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("atlas explorer chat backend listening")
		return runServer(gctx, srv)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func setupLogger() {
	level := zerolog.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
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
