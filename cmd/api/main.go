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

	"account-backend/internal/app"
	"account-backend/internal/observability"
)

func main() {
	rt, err := app.Build(app.Options{LoadDotEnv: true, RunMigrations: true})
	if err != nil {
		observability.NewLogger().Error("bootstrap_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	logger := rt.Logger
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", rt.Config.Port),
		Handler:           rt.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("server_start", map[string]any{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server_failed", map[string]any{"error": err.Error()})
		_ = rt.Close()
		os.Exit(1)
	}

	if err := rt.Close(); err != nil {
		logger.Error("shutdown_failed", map[string]any{"error": err.Error()})
	}
	logger.Info("server_stopped", nil)
}
