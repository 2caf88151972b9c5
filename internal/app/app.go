// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initRegistry  — provider registry (JSON files) + legacy single-provider fallback
//  2. initServices  — metrics registry, trace sink, header denylist
//  3. initServer    — proxy engine + HTTP server + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llmgateway/internal/config"
	"github.com/nulpointcorp/llmgateway/internal/header"
	"github.com/nulpointcorp/llmgateway/internal/metrics"
	"github.com/nulpointcorp/llmgateway/internal/provider"
	"github.com/nulpointcorp/llmgateway/internal/proxy"
	"github.com/nulpointcorp/llmgateway/internal/registry"
	"github.com/nulpointcorp/llmgateway/internal/trace"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	reg      *registry.Registry
	legacy   *provider.Provider
	prom     *metrics.Registry
	tracer   trace.Sink
	denylist *header.Denylist

	mgmt   *proxy.ManagementRoutes
	server *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"registry", a.initRegistry},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("registry_providers", a.reg.Len()),
		slog.Bool("legacy_provider", a.legacy != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close flushes and stops the trace adapter, the only subsystem it shuts
// down. Calling it again after it has returned is a no-op; concurrent calls
// are not synchronised with each other.
func (a *App) Close() {
	if adapter, ok := a.tracer.(*trace.Adapter); ok {
		if err := adapter.Close(); err != nil {
			a.log.Error("trace sink close error", slog.String("error", err.Error()))
		}
	}
	a.tracer = nil
}
