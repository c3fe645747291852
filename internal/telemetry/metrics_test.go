package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "expected Sum[int64], got %T", m.Data)
				return sum
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return metricdata.Sum[int64]{}
}

func valueFor(sum metricdata.Sum[int64], key, value string) int64 {
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestCacheCountersByName(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CacheHit(ctx, CacheLLM)
	m.CacheHit(ctx, CacheLLM)
	m.CacheHit(ctx, CacheEmbedding)
	m.CacheMiss(ctx, CacheToken)
	m.CacheEvicted(ctx, CacheEmbedding, 3)
	m.CacheEvicted(ctx, CacheEmbedding, 0)

	hits := collectSum(t, reader, "llm.cache.hits")
	assert.Equal(t, int64(2), valueFor(hits, "cache", CacheLLM))
	assert.Equal(t, int64(1), valueFor(hits, "cache", CacheEmbedding))

	misses := collectSum(t, reader, "llm.cache.misses")
	assert.Equal(t, int64(1), valueFor(misses, "cache", CacheToken))

	evictions := collectSum(t, reader, "llm.cache.evictions")
	assert.Equal(t, int64(3), valueFor(evictions, "cache", CacheEmbedding))
}

func TestOutcomeAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TokenFetch(ctx, nil)
	m.TokenFetch(ctx, errors.New("401"))
	m.TokenFetch(ctx, errors.New("timeout"))

	sum := collectSum(t, reader, "llm.token.fetches")
	assert.Equal(t, int64(1), valueFor(sum, "outcome", "ok"))
	assert.Equal(t, int64(2), valueFor(sum, "outcome", "error"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.CacheHit(ctx, CacheLLM)
		m.CacheMiss(ctx, CacheLLM)
		m.CacheEvicted(ctx, CacheLLM, 1)
		m.TokenFetch(ctx, nil)
		m.LLMBuild(ctx, "azure", nil)
		m.EmbedCall(ctx, "openai", nil)
		m.ProjectionDegraded(ctx, "random")
	})
}

func TestPrometheusProviderRegistersCounters(t *testing.T) {
	p, err := NewPrometheusProvider()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.Metrics.LLMBuild(context.Background(), "openai", nil)

	families, err := p.Registry.Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "llm_client_builds") {
			found = true
		}
	}
	assert.True(t, found, "llm_client_builds not exported")
}
