package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archcanvas/llmservice/internal/auth"
	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llmerr"
)

type fakeModel struct {
	provider, model string
	build           int
	err             error
}

func (m *fakeModel) Complete(ctx context.Context, messages []Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("reply from build %d", m.build), nil
}

func (m *fakeModel) Stream(ctx context.Context, messages []Message, ch chan<- string) error {
	defer close(ch)
	if m.err != nil {
		return m.err
	}
	for _, chunk := range []string{"reply ", fmt.Sprint(m.build)} {
		ch <- chunk
	}
	return nil
}

func (m *fakeModel) Provider() string { return m.provider }
func (m *fakeModel) Model() string    { return m.model }

type fakeAdapter struct {
	mu       sync.Mutex
	provider string
	model    string
	builds   int
	err      error
	// callErrs[i] is returned by every call on the client from build i+1
	callErrs []error
}

func (a *fakeAdapter) Provider() string { return a.provider }
func (a *fakeAdapter) Model() string    { return a.model }

func (a *fakeAdapter) CreateClient(ctx context.Context) (ChatModel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.builds++
	if a.err != nil {
		return nil, a.err
	}
	m := &fakeModel{provider: a.provider, model: a.model, build: a.builds}
	if a.builds <= len(a.callErrs) {
		m.err = a.callErrs[a.builds-1]
	}
	return m, nil
}

func (a *fakeAdapter) buildCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.builds
}

type fakeTokens struct {
	mu     sync.Mutex
	clears int
}

func (t *fakeTokens) Clear() {
	t.mu.Lock()
	t.clears++
	t.mu.Unlock()
}

func (t *fakeTokens) Info() auth.TokenInfo { return auth.TokenInfo{CachingEnabled: true, TTL: "55m0s"} }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func llmConfig() config.LLMConfig {
	return config.LLMConfig{Provider: config.ProviderAzure, CacheEnabled: true, CacheTTL: time.Hour}
}

func TestGetLLMReturnsSameHandleWithinTTL(t *testing.T) {
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1"}
	f := NewFactory(llmConfig(), []Adapter{azure}, nil, WithClock(clk.Now))
	ctx := context.Background()

	first, err := f.GetLLM(ctx, "", false)
	require.NoError(t, err)
	second, err := f.GetLLM(ctx, "azure", false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, azure.builds)

	clk.now = clk.now.Add(time.Hour + time.Second)
	third, err := f.GetLLM(ctx, "azure", false)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, azure.builds)
}

func TestGetLLMForceRefreshRebuilds(t *testing.T) {
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1"}
	f := NewFactory(llmConfig(), []Adapter{azure}, nil)
	ctx := context.Background()

	first, err := f.GetLLM(ctx, "", false)
	require.NoError(t, err)
	refreshed, err := f.GetLLM(ctx, "", true)
	require.NoError(t, err)
	assert.NotSame(t, first, refreshed)

	// the forced build replaced the cached entry
	cached, err := f.GetLLM(ctx, "", false)
	require.NoError(t, err)
	assert.Same(t, refreshed, cached)
	assert.Equal(t, 2, azure.builds)
}

func TestGetLLMCachingDisabled(t *testing.T) {
	cfg := llmConfig()
	cfg.CacheEnabled = false
	openai := &fakeAdapter{provider: "openai", model: "gpt-4o-mini"}
	f := NewFactory(cfg, []Adapter{openai}, nil)

	for i := 0; i < 3; i++ {
		_, err := f.GetLLM(context.Background(), "openai", false)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, openai.builds)
	assert.Empty(t, f.Info().Cached)
}

func TestGetLLMUnknownProvider(t *testing.T) {
	f := NewFactory(llmConfig(), nil, nil)

	model, err := f.GetLLM(context.Background(), "bedrock", false)
	assert.Nil(t, model)
	assert.ErrorIs(t, err, llmerr.ErrConfig)
}

func TestFailedBuildKeepsCachedHandle(t *testing.T) {
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1"}
	f := NewFactory(llmConfig(), []Adapter{azure}, nil)
	ctx := context.Background()

	good, err := f.GetLLM(ctx, "azure", false)
	require.NoError(t, err)

	azure.err = errors.New("gateway down")
	_, err = f.GetLLM(ctx, "azure", true)
	require.Error(t, err)

	cached, err := f.GetLLM(ctx, "azure", false)
	require.NoError(t, err)
	assert.Same(t, good, cached)
}

func TestProvidersHaveSeparateSlots(t *testing.T) {
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1"}
	openai := &fakeAdapter{provider: "openai", model: "gpt-4o-mini"}
	f := NewFactory(llmConfig(), []Adapter{azure, openai}, nil)
	ctx := context.Background()

	a, err := f.GetLLM(ctx, "azure", false)
	require.NoError(t, err)
	o, err := f.GetLLM(ctx, "OpenAI", false)
	require.NoError(t, err)

	assert.Equal(t, "azure", a.Provider())
	assert.Equal(t, "openai", o.Provider())

	info := f.Info()
	assert.Equal(t, []string{"azure", "openai"}, info.Providers)
	require.Len(t, info.Cached, 2)
	assert.Equal(t, "azure:gpt-4.1", info.Cached[0].Key)
	assert.Equal(t, "openai:gpt-4o-mini", info.Cached[1].Key)
}

func TestClearAllClearsTokens(t *testing.T) {
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1"}
	tokens := &fakeTokens{}
	f := NewFactory(llmConfig(), []Adapter{azure}, tokens)
	ctx := context.Background()

	_, err := f.GetLLM(ctx, "", false)
	require.NoError(t, err)

	f.ClearCache()
	assert.Empty(t, f.Info().Cached)
	assert.Equal(t, 0, tokens.clears)

	_, err = f.GetLLM(ctx, "", false)
	require.NoError(t, err)
	assert.Equal(t, 2, azure.builds)

	f.ClearAll()
	assert.Equal(t, 1, tokens.clears)
	require.NotNil(t, f.Info().Token)
	assert.Equal(t, "55m0s", f.Info().Token.TTL)
}

func collect(t *testing.T, model ChatModel) (string, error) {
	t.Helper()
	ch := make(chan string)
	errc := make(chan error, 1)
	go func() { errc <- model.Stream(context.Background(), nil, ch) }()
	var out string
	for chunk := range ch {
		out += chunk
	}
	return out, <-errc
}

func TestAuthRejectedCallRebuildsClient(t *testing.T) {
	rejected := errors.New("Error code: 401 - invalid token")
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1", callErrs: []error{rejected}}
	tokens := &fakeTokens{}
	f := NewFactory(llmConfig(), []Adapter{azure}, tokens)
	ctx := context.Background()

	model, err := f.GetLLM(ctx, "", false)
	require.NoError(t, err)

	reply, err := model.Complete(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "reply from build 2", reply)
	assert.Equal(t, 2, azure.builds)
	assert.Equal(t, 1, tokens.clears)

	// the rebuilt client replaced the rejected one in the cache
	cached, err := f.GetLLM(ctx, "", false)
	require.NoError(t, err)
	reply, err = cached.Complete(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "reply from build 2", reply)
	assert.Equal(t, 2, azure.builds)
}

func TestAuthRejectedStreamRebuildsClient(t *testing.T) {
	rejected := errors.New("401 Unauthorized")
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1", callErrs: []error{rejected}}
	tokens := &fakeTokens{}
	f := NewFactory(llmConfig(), []Adapter{azure}, tokens)

	model, err := f.GetLLM(context.Background(), "", false)
	require.NoError(t, err)

	out, err := collect(t, model)
	require.NoError(t, err)
	assert.Equal(t, "reply 2", out)
	assert.Equal(t, 1, tokens.clears)
}

func TestAuthRejectionRetriedOnlyOnce(t *testing.T) {
	rejected := errors.New("token expired")
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1", callErrs: []error{rejected, rejected, rejected}}
	f := NewFactory(llmConfig(), []Adapter{azure}, &fakeTokens{})

	model, err := f.GetLLM(context.Background(), "", false)
	require.NoError(t, err)

	_, err = model.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 2, azure.builds)
}

func TestNonAuthCallErrorKeepsClient(t *testing.T) {
	overloaded := errors.New("503 service unavailable")
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1", callErrs: []error{overloaded}}
	tokens := &fakeTokens{}
	f := NewFactory(llmConfig(), []Adapter{azure}, tokens)

	model, err := f.GetLLM(context.Background(), "", false)
	require.NoError(t, err)

	_, err = model.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, overloaded)
	_, err = collect(t, model)
	assert.ErrorIs(t, err, overloaded)

	assert.Equal(t, 1, azure.builds)
	assert.Equal(t, 0, tokens.clears)
	assert.Len(t, f.Info().Cached, 1)
}

func TestRebuildFailureReportsBothErrors(t *testing.T) {
	rejected := errors.New("invalid token")
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1", callErrs: []error{rejected}}
	f := NewFactory(llmConfig(), []Adapter{azure}, &fakeTokens{})

	model, err := f.GetLLM(context.Background(), "", false)
	require.NoError(t, err)

	azure.err = llmerr.ErrProvider
	_, err = model.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, rejected)
	assert.ErrorIs(t, err, llmerr.ErrProvider)
	assert.Empty(t, f.Info().Cached)
}

func TestInvalidateDropsOnlyThatProvider(t *testing.T) {
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1"}
	openai := &fakeAdapter{provider: "openai", model: "gpt-4o-mini"}
	tokens := &fakeTokens{}
	f := NewFactory(llmConfig(), []Adapter{azure, openai}, tokens)
	ctx := context.Background()

	_, err := f.GetLLM(ctx, "azure", false)
	require.NoError(t, err)
	_, err = f.GetLLM(ctx, "openai", false)
	require.NoError(t, err)

	f.Invalidate("azure")
	f.Invalidate("bedrock")

	info := f.Info()
	require.Len(t, info.Cached, 1)
	assert.Equal(t, "openai:gpt-4o-mini", info.Cached[0].Key)
	assert.Equal(t, 1, tokens.clears)
}

func TestGetLLMConcurrentCallers(t *testing.T) {
	azure := &fakeAdapter{provider: "azure", model: "gpt-4.1"}
	f := NewFactory(llmConfig(), []Adapter{azure}, &fakeTokens{})
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(force bool) {
			defer wg.Done()
			model, err := f.GetLLM(ctx, "azure", force)
			if err == nil {
				_, err = model.Complete(ctx, nil)
			}
			errs <- err
			_ = f.Info()
		}(i%4 == 0)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	builds := azure.buildCount()
	assert.GreaterOrEqual(t, builds, 1)
	assert.LessOrEqual(t, builds, callers)

	// whichever build landed last is the one served now
	cached, err := f.GetLLM(ctx, "azure", false)
	require.NoError(t, err)
	again, err := f.GetLLM(ctx, "azure", false)
	require.NoError(t, err)
	assert.Same(t, cached, again)
	assert.Equal(t, builds, azure.buildCount())
}
