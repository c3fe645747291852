// Package telemetry records cache, credential, provider and projection counters
// through OpenTelemetry and exposes them to Prometheus.
package telemetry

import (
	"context"
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Cache names used as the "cache" attribute.
const (
	CacheToken     = "token"
	CacheLLM       = "llm"
	CacheEmbedding = "embedding"
)

// Metrics holds the counters of the LLM access layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	tokenFetches       metric.Int64Counter
	llmBuilds          metric.Int64Counter
	embedCalls         metric.Int64Counter
	projectionDegraded metric.Int64Counter
}

// New creates the counters on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.cacheHits, "llm.cache.hits", "Cache lookups served from memory", "{lookup}"},
		{&m.cacheMisses, "llm.cache.misses", "Cache lookups that required a rebuild or fetch", "{lookup}"},
		{&m.cacheEvictions, "llm.cache.evictions", "Entries removed to make room in a bounded cache", "{entry}"},
		{&m.tokenFetches, "llm.token.fetches", "OAuth2 token exchanges against the token endpoint", "{call}"},
		{&m.llmBuilds, "llm.client.builds", "Chat model client constructions", "{call}"},
		{&m.embedCalls, "llm.embedding.calls", "Batch calls made to an embedding backend", "{call}"},
		{&m.projectionDegraded, "llm.projection.degraded", "Projections served by an emergency or random fallback", "{vector}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

// CacheHit counts a lookup served from the named cache.
func (m *Metrics) CacheHit(ctx context.Context, cache string) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

// CacheMiss counts a lookup the named cache could not serve.
func (m *Metrics) CacheMiss(ctx context.Context, cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

// CacheEvicted counts n entries evicted from the named cache.
func (m *Metrics) CacheEvicted(ctx context.Context, cache string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cache", cache)))
}

// TokenFetch counts a token exchange and its outcome.
func (m *Metrics) TokenFetch(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.tokenFetches.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

// LLMBuild counts a chat client construction for provider.
func (m *Metrics) LLMBuild(ctx context.Context, provider string, err error) {
	if m == nil {
		return
	}
	m.llmBuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), outcome(err)))
}

// EmbedCall counts a batch call to an embedding backend.
func (m *Metrics) EmbedCall(ctx context.Context, backend string, err error) {
	if m == nil {
		return
	}
	m.embedCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend), outcome(err)))
}

// ProjectionDegraded counts a projection that fell back; reason is "emergency" or "random".
func (m *Metrics) ProjectionDegraded(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.projectionDegraded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Provider bundles a meter provider with the Prometheus registry it exports to.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Registry      *promclient.Registry
	Metrics       *Metrics
}

// NewPrometheusProvider builds a meter provider backed by a dedicated Prometheus
// registry and creates the service counters on it.
func NewPrometheusProvider() (*Provider, error) {
	registry := promclient.NewRegistry()
	exp, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	m, err := New(mp.Meter("archcanvas/llmservice"))
	if err != nil {
		return nil, err
	}
	return &Provider{MeterProvider: mp, Registry: registry, Metrics: m}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.MeterProvider == nil {
		return nil
	}
	return p.MeterProvider.Shutdown(ctx)
}
