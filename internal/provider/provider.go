// Package provider defines the Provider record: one upstream backend with
// its own HTTP client, circuit breaker, auth strategy and token cache. This
// collapses the coupled LlmHub/LlmProvider/CircuitBreaker/TokenCache classes
// the source split across several files into one composed value, per the
// design notes' "coupled classes" guidance.
package provider

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nulpointcorp/llmgateway/internal/auth"
	"github.com/nulpointcorp/llmgateway/internal/breaker"
	"github.com/nulpointcorp/llmgateway/internal/retry"
	"github.com/nulpointcorp/llmgateway/internal/token"
)

// Timeouts holds the per-phase timeouts read from a provider's config, in
// seconds. Only ConnectS is applied to the HTTP client (as the dial timeout,
// 10s when unset); ReadS, WriteS and PoolS are carried but not applied.
type Timeouts struct {
	ConnectS float64
	ReadS    float64
	WriteS   float64
	PoolS    *float64
}

// AuthConfig mirrors the provider registry file's "auth" object.
type AuthConfig struct {
	Type        auth.Mode
	OIDCURL     string
	Credentials string
	Scope       string
	APIKey      string
	CertPath    string
	CertKeyPath string
}

// Config is everything needed to construct a Provider.
type Config struct {
	Prefix        string
	BaseURL       string
	Auth          AuthConfig
	Models        []string
	VerifySSL     bool
	CABundlePath  string
	Timeouts      Timeouts
	MaxRetries    int
	BaseDelay     float64
	BackoffFactor float64

	FailureThreshold int
	RecoveryTimeS    float64
	WindowSizeS      float64

	Log *slog.Logger
}

// Provider is one upstream LLM backend, fully composed: HTTP client,
// breaker, auth header builder and (if BEARER) token cache.
type Provider struct {
	Prefix    string
	BaseURL   string
	Models    map[string]struct{}
	Retry     retry.Policy
	Breaker   *breaker.Breaker
	AuthBuild *auth.Builder
	Client    *http.Client
}

// New builds a Provider from cfg, constructing its own HTTP client (with
// per-provider connection pooling and optional client-cert/CA trust) and
// owning a breaker and, for BEARER auth, a token cache.
func New(cfg Config) (*Provider, error) {
	client, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = struct{}{}
	}

	builder := &auth.Builder{Mode: cfg.Auth.Type, APIKey: cfg.Auth.APIKey, Log: cfg.Log}
	if cfg.Auth.Type == auth.ModeBearer {
		builder.TokenCache = token.New(token.Config{
			OIDCURL:     cfg.Auth.OIDCURL,
			Credentials: cfg.Auth.Credentials,
			Scope:       cfg.Auth.Scope,
		})
	}

	return &Provider{
		Prefix:  cfg.Prefix,
		BaseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		Models:  models,
		Retry: retry.Policy{
			MaxRetries:    cfg.MaxRetries,
			BaseDelay:     time.Duration(cfg.BaseDelay * float64(time.Second)),
			BackoffFactor: cfg.BackoffFactor,
		},
		Breaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			RecoveryS:        time.Duration(cfg.RecoveryTimeS * float64(time.Second)),
			WindowS:          time.Duration(cfg.WindowSizeS * float64(time.Second)),
		}),
		AuthBuild: builder,
		Client:    client,
	}, nil
}

func buildHTTPClient(cfg Config) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: !cfg.VerifySSL}

	if cfg.CABundlePath != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(cfg.CABundlePath)
		if err == nil {
			pool.AppendCertsFromPEM(pem)
			tlsConfig.RootCAs = pool
		}
	}
	if cfg.Auth.Type == auth.ModeCert && cfg.Auth.CertPath != "" && cfg.Auth.CertKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Auth.CertPath, cfg.Auth.CertKeyPath)
		if err == nil {
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	connectTimeout := durationOrDefault(cfg.Timeouts.ConnectS, 10)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{Transport: transport}
	// No overall client.Timeout: per spec.md §5, timeouts are per-phase and
	// there is no overall request deadline; streaming responses must not be
	// cut off by a blanket client timeout.
	return client, nil
}

func durationOrDefault(seconds float64, fallback float64) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

// HasModel reports whether m is one of this provider's published models.
// An empty Models set (no models listed in the registry file) admits any
// model name, since some providers publish an open-ended catalogue.
func (p *Provider) HasModel(m string) bool {
	if len(p.Models) == 0 {
		return true
	}
	_, ok := p.Models[m]
	return ok
}
