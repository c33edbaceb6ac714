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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/livechat/internal/config"
	"github.com/zhouzirui/livechat/internal/handler"
	"github.com/zhouzirui/livechat/internal/service/chat"
	"github.com/zhouzirui/livechat/internal/service/persistence"
	"github.com/zhouzirui/livechat/internal/service/transport"
	"github.com/zhouzirui/livechat/internal/store"
	"github.com/zhouzirui/livechat/internal/widget"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg)
	log.Logger = logger
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	kv, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open session store")
	}
	defer closeStore()
	logger.Info().Str("backend", cfg.Store.Backend).Msg("session store ready")

	persist := persistence.New(kv, cfg.Store.HistoryLimit, logger)

	locators := detachedLocators
	if cfg.Transport.Enabled() {
		locators = dialLocators(cfg.Transport.URL, logger)
		logger.Info().Str("url", cfg.Transport.URL).Msg("sessions will dial the chat relay")
	} else {
		logger.Warn().Msg("LIVECHAT_TRANSPORT_URL not set, visitor messages stay queued")
	}

	sessionCfg := chat.Config{
		PollInterval: cfg.Transport.PollInterval,
		Widget:       widget.Options{AutoOpenOnAdmin: cfg.Widget.AutoOpenOnAdmin},
		IdleTimeout:  cfg.Sessions.IdleTimeout,
	}
	manager := chat.NewManager(ctx, persist, locators, sessionCfg, logger)
	defer manager.CloseAll()
	go manager.RunReaper(ctx)

	router := handler.NewRouter(manager, kv, logger)

	startServer(ctx, cfg.Server, router, logger)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	return logger.Level(cfg.LogLevel)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.KV, func(), error) {
	switch cfg.Backend {
	case config.StoreRedis:
		s, err := store.NewRedisStore(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.SQLitePath, cfg.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoreMemory:
		s := store.NewMemoryStore(cfg.SessionTTL)
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// detachedLocators gives every session an empty slot, so discovery keeps
// polling and sends stay queued.
func detachedLocators(string) (transport.Locator, error) {
	return &transport.Slot{}, nil
}

func dialLocators(rawURL string, logger zerolog.Logger) chat.LocatorFactory {
	return func(sessionID string) (transport.Locator, error) {
		return transport.NewDialLocator(rawURL, sessionID, transport.DefaultOptions(), logger)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("live chat backend listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
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
