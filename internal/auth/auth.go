// Package auth builds outbound Authorization-style headers for a provider
// based on its configured auth mode.
package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/llmgateway/internal/header"
	"github.com/nulpointcorp/llmgateway/internal/token"
)

// Mode is a provider's authentication strategy.
type Mode string

const (
	ModeNone   Mode = "NONE"
	ModeAPIKey Mode = "APIKEY"
	ModeBearer Mode = "BEARER"
	ModeCert   Mode = "CERT"
)

// Builder produces the auth headers a forwarder adds to each outbound request.
// A zero-value Builder behaves as ModeNone.
type Builder struct {
	Mode       Mode
	APIKey     string
	TokenCache *token.Cache // required when Mode == ModeBearer
	Log        *slog.Logger
}

// Headers returns the auth headers to merge into an outbound request.
// APIKEY with no configured key logs a warning and returns no headers.
// CERT and NONE never add headers — the certificate, if any, is carried at
// the TLS layer by the provider's http.Client.
func (b *Builder) Headers(ctx context.Context, httpClient *http.Client) ([]header.Header, error) {
	switch b.Mode {
	case ModeAPIKey:
		if b.APIKey == "" {
			if b.Log != nil {
				b.Log.Warn("auth: APIKEY mode configured with no api_key")
			}
			return nil, nil
		}
		return []header.Header{{Name: "X-API-KEY", Value: b.APIKey}}, nil

	case ModeBearer:
		tok, err := b.TokenCache.GetToken(ctx, httpClient)
		if err != nil {
			return nil, err
		}
		return []header.Header{{Name: "Authorization", Value: "Bearer " + tok}}, nil

	case ModeCert, ModeNone, "":
		return nil, nil

	default:
		return nil, nil
	}
}
