package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llmgateway/internal/auth"
	"github.com/nulpointcorp/llmgateway/internal/header"
	"github.com/nulpointcorp/llmgateway/internal/metrics"
	"github.com/nulpointcorp/llmgateway/internal/provider"
	"github.com/nulpointcorp/llmgateway/internal/proxy"
	"github.com/nulpointcorp/llmgateway/internal/registry"
	"github.com/nulpointcorp/llmgateway/internal/trace"
)

// initRegistry loads the multi-provider registry (if LLM_HUB_ENABLED) and
// builds the legacy single-provider fallback from the PROXY_* settings.
func (a *App) initRegistry(ctx context.Context) error {
	if a.cfg.LLMHubEnabled {
		reg, err := registry.Load(a.cfg.LLMHubDirectory, a.log)
		if err != nil {
			return fmt.Errorf("load provider registry: %w", err)
		}
		a.reg = reg
		a.log.Info("provider registry loaded", slog.Int("providers", reg.Len()))
	} else {
		a.reg = &registry.Registry{}
	}

	legacy, err := provider.New(provider.Config{
		Prefix:  "legacy",
		BaseURL: a.cfg.ProxyTargetURL,
		Auth: provider.AuthConfig{
			Type:        auth.Mode(a.cfg.ProxyAuthorizationType),
			OIDCURL:     a.cfg.ProxyOIDCAuthorizationURL,
			Credentials: a.cfg.ProxyOIDCCredentials,
			Scope:       a.cfg.ProxyOIDCScope,
			APIKey:      a.cfg.ProxyAPIKey,
			CertPath:    a.cfg.ProxyAPICertPath,
			CertKeyPath: a.cfg.ProxyAPICertKeyPath,
		},
		VerifySSL: a.cfg.ProxyVerifySSL,
		Timeouts: provider.Timeouts{
			ConnectS: a.cfg.ProxyConnectTimeout.Seconds(),
			ReadS:    a.cfg.ProxyReadTimeout.Seconds(),
			WriteS:   a.cfg.ProxyWriteTimeout.Seconds(),
		},
		MaxRetries:       a.cfg.ProxyMaxRetries,
		BaseDelay:        a.cfg.ProxyBaseDelay,
		BackoffFactor:    a.cfg.ProxyBackoffFactor,
		FailureThreshold: a.cfg.ProxyFailureThreshold,
		RecoveryTimeS:    a.cfg.ProxyRecoveryTime,
		WindowSizeS:      a.cfg.ProxyWindowSize,
		Log:              a.log,
	})
	if err != nil {
		return fmt.Errorf("build legacy provider: %w", err)
	}
	a.legacy = legacy

	return nil
}

// initServices builds the metrics registry, the trace sink and the header
// denylist shared by every forwarder.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.TracingEnabled {
		a.tracer = trace.NewAdapter(a.baseCtx, a.log, a.cfg.TracingLogIO)
	} else {
		a.tracer = trace.NoopSink{}
	}

	a.denylist = header.NewDenylist(a.cfg.ProxyExcludeHeaders)

	return nil
}

// initServer wires the Engine and Server and sets up the management routes.
func (a *App) initServer(ctx context.Context) error {
	engine := &proxy.Engine{
		Legacy:   a.legacy,
		Registry: a.reg,
		Denylist: a.denylist,
		Metrics:  a.prom,
		Trace:    a.tracer,
		Log:      a.log,
	}

	a.server = &proxy.Server{
		Engine:  engine,
		Version: a.version,
		Health: func() map[string]any {
			return map[string]any{
				"status":             "ok",
				"version":            a.version,
				"registry_providers": a.reg.Len(),
			}
		},
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
