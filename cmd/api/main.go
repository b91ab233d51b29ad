package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/chatrelay/backend/internal/config"
	"github.com/zhouzirui/chatrelay/backend/internal/handler"
	"github.com/zhouzirui/chatrelay/backend/internal/logging"
	"github.com/zhouzirui/chatrelay/backend/internal/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/service/broker"
	"github.com/zhouzirui/chatrelay/backend/internal/service/room"
	"github.com/zhouzirui/chatrelay/backend/internal/service/session"
	"github.com/zhouzirui/chatrelay/backend/internal/store"
	"github.com/zhouzirui/chatrelay/backend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file, continuing with system environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(os.Stdout, cfg.Log)
	slog.SetDefault(log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	} else if cfg.Telemetry.Endpoint != "" {
		log.Info("tracing enabled", "endpoint", cfg.Telemetry.Endpoint)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(cfg.Store.URL, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("store close failed", "error", err)
		}
	}()
	log.Info("message store ready", "url", cfg.Store.URL)

	origins, invalid := middleware.NewOriginPolicy(cfg.Server.AllowedOrigins)
	for _, o := range invalid {
		log.Warn("ignoring invalid allowed origin", "origin", o)
	}

	dispatcher := broker.New(session.NewRegistry(), room.NewRouter(log), st, log)
	router, wsHandler := handler.NewRouter(handler.Deps{
		Dispatcher: dispatcher,
		History:    st,
		Origins:    origins,
		Server:     cfg.Server,
		Log:        log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("chat relay listening", "addr", cfg.Server.Addr)
	err = runServer(ctx, srv)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := wsHandler.Shutdown(closeCtx); cerr != nil {
		log.Warn("websocket shutdown incomplete", "error", cerr)
	}
	return err
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
