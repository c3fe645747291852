// Package auth acquires and caches OAuth2 client-credentials tokens for the
// gated chat provider and classifies provider failures as authentication errors.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llmerr"
	"archcanvas/llmservice/internal/log"
	"archcanvas/llmservice/internal/telemetry"
)

type cachedToken struct {
	value     string
	fetchedAt time.Time
	ttl       time.Duration
}

func (c cachedToken) validAt(now time.Time) bool {
	return c.value != "" && now.Sub(c.fetchedAt) < c.ttl
}

// TokenCache holds at most one bearer token per process.
//
// The mutex guards only the cached value. Token exchanges run outside it, so
// concurrent misses may each fetch and the last writer wins.
type TokenCache struct {
	cfg        config.TokenConfig
	httpClient *http.Client
	now        func() time.Time
	metrics    *telemetry.Metrics

	mu    sync.Mutex
	token cachedToken
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *TokenCache) { t.now = now }
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(t *TokenCache) { t.httpClient = c }
}

// WithMetrics records cache and fetch counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *TokenCache) { t.metrics = m }
}

// NewTokenCache creates an empty TokenCache.
func NewTokenCache(cfg config.TokenConfig, opts ...Option) *TokenCache {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := &TokenCache{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Token returns a bearer token, from cache when caching is enabled, the cached
// token is still valid and forceRefresh is false. Otherwise it performs a
// client-credentials exchange against the configured token URL.
func (t *TokenCache) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if t.cfg.CacheEnabled && !forceRefresh {
		t.mu.Lock()
		cached := t.token
		t.mu.Unlock()
		if cached.validAt(t.now()) {
			log.DebugLogger.Printf("Using cached token (age %s)", t.now().Sub(cached.fetchedAt).Round(time.Second))
			t.metrics.CacheHit(ctx, telemetry.CacheToken)
			return cached.value, nil
		}
	}
	t.metrics.CacheMiss(ctx, telemetry.CacheToken)

	value, err := t.fetch(ctx)
	t.metrics.TokenFetch(ctx, err)
	if err != nil {
		return "", err
	}

	if t.cfg.CacheEnabled {
		t.mu.Lock()
		t.token = cachedToken{value: value, fetchedAt: t.now(), ttl: t.cfg.CacheTTL}
		t.mu.Unlock()
	}
	return value, nil
}

func (t *TokenCache) fetch(ctx context.Context) (string, error) {
	if t.cfg.URL == "" {
		return "", fmt.Errorf("%w: TOKEN_URL not configured", llmerr.ErrConfig)
	}
	if t.cfg.ClientID == "" || t.cfg.ClientSecret == "" {
		return "", fmt.Errorf("%w: CLIENT_ID and CLIENT_SECRET must be configured", llmerr.ErrConfig)
	}

	cc := clientcredentials.Config{
		ClientID:     t.cfg.ClientID,
		ClientSecret: t.cfg.ClientSecret,
		TokenURL:     t.cfg.URL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, t.httpClient))
	if err != nil {
		log.ErrorLogger.Printf("Token request failed: %v", err)
		return "", fmt.Errorf("%w: token request failed: %w", llmerr.ErrAuth, err)
	}

	log.InfoLogger.Printf("🔑 Fetched new access token")
	return tok.AccessToken, nil
}

// Valid reports whether a cached token is present and younger than its TTL.
func (t *TokenCache) Valid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token.validAt(t.now())
}

// Clear drops the cached token so the next call performs a fresh exchange.
func (t *TokenCache) Clear() {
	t.mu.Lock()
	t.token = cachedToken{}
	t.mu.Unlock()
	log.InfoLogger.Printf("Token cache cleared")
}

// TokenInfo describes the cached token without exposing it.
type TokenInfo struct {
	CachingEnabled bool       `json:"caching_enabled"`
	Cached         bool       `json:"cached"`
	Valid          bool       `json:"valid"`
	Age            string     `json:"age,omitempty"`
	TTL            string     `json:"ttl"`
	Subject        string     `json:"subject,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Info reports cache state. When the token is a JWT its subject and expiry are
// read from the unverified claims; the signature is the provider's concern.
func (t *TokenCache) Info() TokenInfo {
	t.mu.Lock()
	cached := t.token
	t.mu.Unlock()

	now := t.now()
	info := TokenInfo{
		CachingEnabled: t.cfg.CacheEnabled,
		Cached:         cached.value != "",
		Valid:          cached.validAt(now),
		TTL:            t.cfg.CacheTTL.String(),
	}
	if !info.Cached {
		return info
	}
	info.Age = now.Sub(cached.fetchedAt).Round(time.Second).String()

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(cached.value, claims); err == nil {
		info.Subject, _ = claims.GetSubject()
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			expiresAt := exp.Time
			info.ExpiresAt = &expiresAt
		}
	}
	return info
}
