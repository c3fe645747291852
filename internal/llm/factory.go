package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"archcanvas/llmservice/internal/auth"
	"archcanvas/llmservice/internal/cache"
	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llmerr"
	"archcanvas/llmservice/internal/log"
	"archcanvas/llmservice/internal/telemetry"
)

// TokenState is the token cache as seen by the factory.
type TokenState interface {
	Clear()
	Info() auth.TokenInfo
}

// Factory hands out ChatModels, reusing a cached client per provider and
// model until it is older than the LLM cache TTL.
type Factory struct {
	defaultProvider string
	cacheEnabled    bool
	ttl             time.Duration
	adapters        map[string]Adapter
	cache           *cache.LLMCache[*guardedModel]
	tokens          TokenState
	metrics         *telemetry.Metrics
}

// FactoryOption configures a Factory.
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	now     func() time.Time
	metrics *telemetry.Metrics
}

// WithClock replaces time.Now for cache ages.
func WithClock(now func() time.Time) FactoryOption {
	return func(o *factoryOptions) { o.now = now }
}

// WithMetrics records cache hits and client builds.
func WithMetrics(m *telemetry.Metrics) FactoryOption {
	return func(o *factoryOptions) { o.metrics = m }
}

// NewFactory creates a Factory over the given adapters, keyed by their
// Provider name. tokens may be nil when no gated provider is configured.
func NewFactory(cfg config.LLMConfig, adapters []Adapter, tokens TokenState, opts ...FactoryOption) *Factory {
	o := factoryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Provider()] = a
	}
	log.InfoLogger.Printf("LLM factory initialized (default provider %s)", cfg.Provider)
	return &Factory{
		defaultProvider: string(cfg.Provider),
		cacheEnabled:    cfg.CacheEnabled,
		ttl:             cfg.CacheTTL,
		adapters:        byName,
		cache:           cache.NewLLMCache[*guardedModel](cfg.CacheTTL, o.now),
		tokens:          tokens,
		metrics:         o.metrics,
	}
}

// GetLLM returns a chat client for provider, or the default provider when
// provider is empty. A cached client is returned unless caching is disabled or
// forceRefresh is set. A failed build leaves any cached client in place.
//
// Calls on the returned client that fail with an auth error invalidate the
// cached client and token, then run once more on a freshly built client.
func (f *Factory) GetLLM(ctx context.Context, provider string, forceRefresh bool) (ChatModel, error) {
	model, err := f.get(ctx, provider, forceRefresh)
	if err != nil {
		return nil, err
	}
	return model, nil
}

func (f *Factory) get(ctx context.Context, provider string, forceRefresh bool) (*guardedModel, error) {
	provider, adapter, err := f.adapter(provider)
	if err != nil {
		return nil, err
	}

	key := provider + ":" + adapter.Model()
	if f.cacheEnabled && !forceRefresh {
		if model, ok := f.cache.Get(key); ok {
			log.DebugLogger.Printf("Using cached LLM for %s", key)
			f.metrics.CacheHit(ctx, telemetry.CacheLLM)
			return model, nil
		}
	}
	f.metrics.CacheMiss(ctx, telemetry.CacheLLM)

	log.InfoLogger.Printf("Creating new LLM instance for provider: %s", provider)
	inner, err := adapter.CreateClient(ctx)
	f.metrics.LLMBuild(ctx, provider, err)
	if err != nil {
		log.ErrorLogger.Printf("%s provider failed: %v", provider, err)
		return nil, err
	}

	model := &guardedModel{ChatModel: inner, factory: f, provider: provider}
	if f.cacheEnabled {
		f.cache.Set(key, model)
	}
	return model, nil
}

func (f *Factory) adapter(provider string) (string, Adapter, error) {
	if provider == "" {
		provider = f.defaultProvider
	}
	provider = strings.ToLower(strings.TrimSpace(provider))

	adapter, ok := f.adapters[provider]
	if !ok {
		log.ErrorLogger.Printf("Unknown LLM provider: %s", provider)
		return "", nil, fmt.Errorf("%w: unknown llm provider %q", llmerr.ErrConfig, provider)
	}
	return provider, adapter, nil
}

// Invalidate drops the cached client for provider and the cached token, so
// the next GetLLM authenticates again.
func (f *Factory) Invalidate(provider string) {
	provider, adapter, err := f.adapter(provider)
	if err != nil {
		return
	}
	f.cache.Delete(provider + ":" + adapter.Model())
	if f.tokens != nil {
		f.tokens.Clear()
	}
	log.InfoLogger.Printf("LLM client for %s invalidated", provider)
}

// reauthenticate replaces a client whose call was rejected with callErr.
func (f *Factory) reauthenticate(ctx context.Context, provider string, callErr error) (ChatModel, error) {
	log.WarnLogger.Printf("%s rejected the request, re-authenticating: %v", provider, callErr)
	f.Invalidate(provider)
	fresh, err := f.get(ctx, provider, true)
	if err != nil {
		return nil, errors.Join(callErr, err)
	}
	return fresh.ChatModel, nil
}

// guardedModel is the client handed out by the factory.
type guardedModel struct {
	ChatModel
	factory  *Factory
	provider string
}

func (m *guardedModel) Complete(ctx context.Context, messages []Message) (string, error) {
	reply, err := m.ChatModel.Complete(ctx, messages)
	if err == nil || !auth.IsAuthError(err) {
		return reply, err
	}
	fresh, err := m.factory.reauthenticate(ctx, m.provider, err)
	if err != nil {
		return "", err
	}
	return fresh.Complete(ctx, messages)
}

// Stream retries on a fresh client only when the rejection came before any
// chunk was delivered.
func (m *guardedModel) Stream(ctx context.Context, messages []Message, ch chan<- string) error {
	defer close(ch)

	sent, err := forward(ctx, m.ChatModel, messages, ch)
	if err == nil || sent > 0 || !auth.IsAuthError(err) {
		return err
	}
	fresh, err := m.factory.reauthenticate(ctx, m.provider, err)
	if err != nil {
		return err
	}
	_, err = forward(ctx, fresh, messages, ch)
	return err
}

// forward streams from model into out without closing out.
func forward(ctx context.Context, model ChatModel, messages []Message, out chan<- string) (int, error) {
	chunks := make(chan string)
	errc := make(chan error, 1)
	go func() { errc <- model.Stream(ctx, messages, chunks) }()

	sent := 0
	for chunk := range chunks {
		if ctx.Err() != nil {
			continue
		}
		select {
		case out <- chunk:
			sent++
		case <-ctx.Done():
		}
	}
	return sent, <-errc
}

// ClearCache drops every cached client.
func (f *Factory) ClearCache() {
	f.cache.Clear()
	log.InfoLogger.Printf("LLM cache cleared")
}

// ClearAll drops cached clients and the cached token, so the next call
// re-authenticates with current credentials.
func (f *Factory) ClearAll() {
	f.ClearCache()
	if f.tokens != nil {
		f.tokens.Clear()
	}
}

// Info reports the factory's cache and token state.
type Info struct {
	DefaultProvider string             `json:"default_provider"`
	Providers       []string           `json:"providers"`
	CachingEnabled  bool               `json:"caching_enabled"`
	CacheTTL        string             `json:"cache_ttl"`
	Cached          []cache.HandleInfo `json:"cached"`
	Token           *auth.TokenInfo    `json:"token,omitempty"`
}

// Info returns a snapshot for diagnostics.
func (f *Factory) Info() Info {
	providers := make([]string, 0, len(f.adapters))
	for name := range f.adapters {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	info := Info{
		DefaultProvider: f.defaultProvider,
		Providers:       providers,
		CachingEnabled:  f.cacheEnabled,
		CacheTTL:        f.ttl.String(),
		Cached:          f.cache.Info(),
	}
	if f.tokens != nil {
		token := f.tokens.Info()
		info.Token = &token
	}
	return info
}
