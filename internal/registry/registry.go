// Package registry loads the multi-provider registry from a directory of
// JSON files and resolves virtual "prefix/model" names to a Provider.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/nulpointcorp/llmgateway/internal/auth"
	"github.com/nulpointcorp/llmgateway/internal/provider"
)

// fileRecord mirrors the on-disk provider registry file format of
// spec.md §6.
type fileRecord struct {
	Prefix  string `json:"prefix"`
	BaseURL string `json:"base_url"`
	Auth    struct {
		Type        string `json:"type"`
		OIDCURL     string `json:"oidc_url"`
		Credentials string `json:"credentials"`
		Scope       string `json:"scope"`
		APIKey      string `json:"api_key"`
		CertPath    string `json:"cert_path"`
		CertKeyPath string `json:"cert_key_path"`
	} `json:"auth"`
	Models    []string `json:"models"`
	VerifySSL *bool    `json:"verify_ssl"`
	Timeout   struct {
		Connect float64  `json:"connect"`
		Read    float64  `json:"read"`
		Write   float64  `json:"write"`
		Pool    *float64 `json:"pool"`
	} `json:"timeout"`
	FailureThreshold int     `json:"failure_threshold"`
	RecoveryTime     float64 `json:"recovery_time"`
	WindowSize       float64 `json:"window_size"`
	MaxRetries       int     `json:"max_retries"`
	BaseDelay        float64 `json:"base_delay"`
	BackoffFactor    float64 `json:"backoff_factor"`
}

// Registry is the loaded, validated set of providers, keyed by prefix.
type Registry struct {
	providers map[string]*provider.Provider
	order     []string
}

// Len reports the number of loaded providers.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.providers)
}

// Load reads every *.json file in dir (sorted by filename ascending),
// skipping files whose top-level object has no "prefix" field, rejecting
// duplicate prefixes (first occurrence wins), expanding ${NAME}
// environment references in the raw file contents before parsing, and
// logging+skipping malformed or schema-violating records.
func Load(dir string, log *slog.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{providers: map[string]*provider.Provider{}}, nil
		}
		return nil, fmt.Errorf("registry: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	reg := &Registry{providers: map[string]*provider.Provider{}}

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Error("registry: read file failed", slog.String("file", path), slog.String("error", err.Error()))
			continue
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			log.Error("registry: malformed json", slog.String("file", path), slog.String("error", err.Error()))
			continue
		}
		if _, ok := probe["prefix"]; !ok {
			// Belongs to another static-artifact subsystem co-located in
			// the same directory (prompt hub, chain hub, ...).
			continue
		}

		expanded := expandEnv(string(raw))

		var rec fileRecord
		if err := json.Unmarshal([]byte(expanded), &rec); err != nil {
			log.Error("registry: schema violation", slog.String("file", path), slog.String("error", err.Error()))
			continue
		}
		if !validPrefix(rec.Prefix) {
			log.Error("registry: invalid prefix", slog.String("file", path), slog.String("prefix", rec.Prefix))
			continue
		}
		if _, dup := reg.providers[rec.Prefix]; dup {
			log.Error("registry: duplicate prefix, keeping first occurrence",
				slog.String("file", path), slog.String("prefix", rec.Prefix))
			continue
		}

		p, err := buildProvider(rec, log)
		if err != nil {
			log.Error("registry: build provider failed", slog.String("file", path), slog.String("error", err.Error()))
			continue
		}

		reg.providers[rec.Prefix] = p
		reg.order = append(reg.order, rec.Prefix)
	}

	return reg, nil
}

var prefixRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validPrefix(p string) bool {
	return p != "" && prefixRe.MatchString(p)
}

func buildProvider(rec fileRecord, log *slog.Logger) (*provider.Provider, error) {
	verifySSL := true
	if rec.VerifySSL != nil {
		verifySSL = *rec.VerifySSL
	}

	cfg := provider.Config{
		Prefix:  rec.Prefix,
		BaseURL: rec.BaseURL,
		Auth: provider.AuthConfig{
			Type:        auth.Mode(strings.ToUpper(rec.Auth.Type)),
			OIDCURL:     rec.Auth.OIDCURL,
			Credentials: rec.Auth.Credentials,
			Scope:       rec.Auth.Scope,
			APIKey:      rec.Auth.APIKey,
			CertPath:    rec.Auth.CertPath,
			CertKeyPath: rec.Auth.CertKeyPath,
		},
		Models:           rec.Models,
		VerifySSL:        verifySSL,
		Timeouts:         provider.Timeouts{ConnectS: rec.Timeout.Connect, ReadS: rec.Timeout.Read, WriteS: rec.Timeout.Write, PoolS: rec.Timeout.Pool},
		MaxRetries:       rec.MaxRetries,
		BaseDelay:        rec.BaseDelay,
		BackoffFactor:    rec.BackoffFactor,
		FailureThreshold: rec.FailureThreshold,
		RecoveryTimeS:    rec.RecoveryTime,
		WindowSizeS:      rec.WindowSize,
		Log:              log,
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 0.5
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
	if rec.RecoveryTime <= 0 {
		cfg.RecoveryTimeS = 30
	}
	if rec.WindowSize <= 0 {
		cfg.WindowSizeS = 60
	}

	return provider.New(cfg)
}

var envRefRe = regexp.MustCompile(`\$\{([^}]*)\}`)

// expandEnv replaces ${NAME} references with the environment variable's
// value, or empty string if undefined.
func expandEnv(s string) string {
	return envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// Resolve splits model on the first "/". If there is no "/", or the prefix
// names no loaded provider, it returns ok == false.
func (r *Registry) Resolve(model string) (p *provider.Provider, stripped string, ok bool) {
	if r == nil {
		return nil, "", false
	}
	idx := strings.Index(model, "/")
	if idx < 0 {
		return nil, "", false
	}
	prefix, rest := model[:idx], model[idx+1:]
	pr, found := r.providers[prefix]
	if !found {
		return nil, "", false
	}
	return pr, rest, true
}

// MergedModelsEntry is one entry of MergedModels' "data" array.
type MergedModelsEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

// MergedModels returns the OpenAI-compatible merged model listing across
// every loaded provider, in deterministic (load-order) order.
func (r *Registry) MergedModels() map[string]any {
	data := make([]MergedModelsEntry, 0)
	for _, prefix := range r.order {
		p := r.providers[prefix]
		models := make([]string, 0, len(p.Models))
		for m := range p.Models {
			models = append(models, m)
		}
		sort.Strings(models)
		for _, m := range models {
			data = append(data, MergedModelsEntry{
				ID:      prefix + "/" + m,
				Object:  "model",
				OwnedBy: prefix,
				Created: 0,
			})
		}
	}
	return map[string]any{"object": "list", "data": data}
}
