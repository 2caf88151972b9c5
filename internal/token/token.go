// Package token implements the OIDC client-credentials token cache used by
// BEARER-auth providers. A single upstream token refresh is shared by any
// number of concurrent callers that observe an expired cache, via
// golang.org/x/sync/singleflight.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// expiryMarginMs is subtracted from the upstream-reported expiry so that a
// token is treated as stale slightly before it would actually be rejected.
const expiryMarginMs = 20_000

// Config holds the OIDC client-credentials parameters for one provider.
type Config struct {
	OIDCURL     string
	Credentials string // pre-encoded "Basic" credentials, e.g. base64(id:secret)
	Scope       string
}

// Cache caches a single bearer token and refreshes it on demand.
type Cache struct {
	cfg Config

	mu          sync.Mutex
	token       string
	expiresAtMs int64
	hasToken    bool
	sf          singleflight.Group
}

// New returns a Cache for cfg.
func New(cfg Config) *Cache {
	return &Cache{cfg: cfg}
}

// GetToken returns a cached, unexpired token, fetching a fresh one via
// httpClient if necessary. Concurrent callers that observe an expired
// cache at the same time share exactly one upstream POST.
func (c *Cache) GetToken(ctx context.Context, httpClient *http.Client) (string, error) {
	c.mu.Lock()
	if c.hasToken && nowMs() < c.expiresAtMs {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		// Re-check under the singleflight call in case another goroutine's
		// in-flight refresh just completed.
		c.mu.Lock()
		if c.hasToken && nowMs() < c.expiresAtMs {
			tok := c.token
			c.mu.Unlock()
			return tok, nil
		}
		c.mu.Unlock()

		tok, expMs, err := c.fetch(ctx, httpClient)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expiresAtMs = expMs - expiryMarginMs
		c.hasToken = true
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) fetch(ctx context.Context, httpClient *http.Client) (string, int64, error) {
	form := url.Values{"scope": {c.cfg.Scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OIDCURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+c.cfg.Credentials)
	req.Header.Set("RqUID", uuid.New().String())

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token: oidc request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("token: read oidc response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("token: oidc status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		Tok         string `json:"tok"`
		ExpiresAt   int64  `json:"expires_at"`
		Exp         int64  `json:"exp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("token: parse oidc response: %w", err)
	}

	tok := payload.AccessToken
	if tok == "" {
		tok = payload.Tok
	}
	if tok == "" {
		return "", 0, fmt.Errorf("token: oidc response missing access_token/tok")
	}

	expMs := payload.ExpiresAt
	if expMs == 0 {
		expMs = payload.Exp
	}
	if expMs == 0 {
		return "", 0, fmt.Errorf("token: oidc response missing expires_at/exp")
	}

	return tok, expMs, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
