// Command llmgateway is the LLM reverse proxy server.
//
// It reads configuration from LLM_-prefixed environment variables (or a
// .env file) and starts an OpenAI-compatible HTTP proxy on the configured
// port.
//
// Quick-start (legacy single-provider mode, no registry directory needed):
//
//	LLM_PROXY_TARGET_URL=http://localhost:19000 LLM_PROXY_AUTHORIZATION_TYPE=NONE ./llmgateway serve
//
// A second subcommand starts a local OpenAI-compatible fake upstream for
// exercising the proxy without real provider credentials:
//
//	./llmgateway serve-mock-upstream
//
// See internal/config for all available configuration variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nulpointcorp/llmgateway/internal/app"
	"github.com/nulpointcorp/llmgateway/internal/config"
	"github.com/nulpointcorp/llmgateway/internal/logging"
	"github.com/nulpointcorp/llmgateway/internal/mockupstream"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		runServe()
	case "serve-mock-upstream":
		runServeMockUpstream()
	default:
		fmt.Fprintf(os.Stderr, "llmgateway: unknown command %q (expected serve|serve-mock-upstream)\n", cmd)
		os.Exit(2)
	}
}

func runServe() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Build(cfg.LogLevel)
	slog.SetDefault(logger)

	appVersion := version
	if cfg.Version != "" {
		appVersion = cfg.Version
	}

	a, err := app.New(ctx, cfg, logger, appVersion)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func runServeMockUpstream() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	addr := ":" + portFromEnv("MOCK_UPSTREAM_PORT", 19000)
	cfg := mockupstream.LoadConfigFromEnv()

	srv := &http.Server{
		Addr:         addr,
		Handler:      mockupstream.NewHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("mock upstream listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mock upstream server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down mock upstream")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fmt.Sprintf("%d", defaultPort)
}
