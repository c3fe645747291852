// Package embedding turns text into fixed-size vectors: it picks a backend
// (remote API or local model), projects vectors onto the target dimension and
// caches results by content hash.
package embedding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"archcanvas/llmservice/internal/cache"
	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llmerr"
	"archcanvas/llmservice/internal/log"
	"archcanvas/llmservice/internal/projection"
	"archcanvas/llmservice/internal/provider"
	"archcanvas/llmservice/internal/telemetry"
)

// Service embeds text through the configured backends. Failures never
// propagate: callers get ok == false and decide whether that matters.
type Service struct {
	mode       config.EmbeddingMode
	target     int
	projection config.ProjectionConfig
	fallback   string
	tertiary   string

	cache   *cache.EmbeddingCache
	store   projection.WeightStore
	metrics *telemetry.Metrics

	// backend resolvers; replaced in tests
	remote    func(ctx context.Context) (provider.Embedder, error)
	local     func(ctx context.Context, name string) (provider.Embedder, error)
	dimension func(ctx context.Context, name string) (int, error)
	loaded    func() []string

	mu         sync.Mutex
	projectors map[string]*projection.Projector
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records cache and backend counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service. embeddings may be nil to disable caching, and
// store may be nil to keep projection weights in process.
func NewService(cfg *config.Config, embeddings *cache.EmbeddingCache, local *provider.LocalProvider, store projection.WeightStore, opts ...Option) *Service {
	s := &Service{
		mode:       cfg.Embedding.Provider,
		target:     cfg.Embedding.TargetDimension,
		projection: cfg.Projection,
		fallback:   cfg.Embedding.FallbackModel,
		tertiary:   cfg.Embedding.TertiaryModel,
		store:      store,
		projectors: make(map[string]*projection.Projector),
	}
	if cfg.Embedding.CacheEnabled {
		s.cache = embeddings
	}
	openaiCfg := cfg.OpenAI
	s.remote = func(ctx context.Context) (provider.Embedder, error) {
		e, err := provider.NewOpenAIEmbedder(openaiCfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	s.local = func(ctx context.Context, name string) (provider.Embedder, error) {
		if local == nil {
			return nil, fmt.Errorf("%w: local provider not configured", llmerr.ErrConfig)
		}
		m, err := local.LoadModel(ctx, name)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	s.dimension = func(ctx context.Context, name string) (int, error) {
		if d := provider.KnownDimension(name); d > 0 || local == nil {
			return d, nil
		}
		return local.ModelDimension(ctx, name)
	}
	s.loaded = func() []string {
		if local == nil {
			return nil
		}
		return local.LoadedModels()
	}
	for _, opt := range opts {
		opt(s)
	}
	log.InfoLogger.Printf("EmbeddingService initialized (mode %s, target %dd)", s.mode, s.target)
	return s
}

type backend struct {
	label   string
	resolve func(ctx context.Context) (provider.Embedder, error)
}

func (s *Service) backends() []backend {
	remote := backend{"remote", s.remote}
	localModel := func(name string) backend {
		return backend{"local:" + name, func(ctx context.Context) (provider.Embedder, error) {
			return s.local(ctx, name)
		}}
	}
	var locals []backend
	for _, name := range []string{s.fallback, s.tertiary} {
		if name != "" {
			locals = append(locals, localModel(name))
		}
	}

	switch s.mode {
	case config.EmbeddingRemote:
		return []backend{remote}
	case config.EmbeddingLocal:
		return locals
	default:
		return append([]backend{remote}, locals...)
	}
}

// EmbedQuery returns the vector for text.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, bool) {
	vecs, ok := s.EmbedDocuments(ctx, []string{text})
	if !ok {
		return nil, false
	}
	return vecs[0], true
}

// EmbedDocuments returns one vector per text, in order. Cached texts are not
// sent to a backend; the rest go in a single batch.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, bool) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, true
	}

	keys := make([]string, len(texts))
	pending := make(map[string][]int)
	var order []string
	for i, text := range texts {
		key := cache.ComputeKey(text)
		keys[i] = key
		if s.cache != nil {
			if vec, ok := s.cache.Get(key); ok {
				s.metrics.CacheHit(ctx, telemetry.CacheEmbedding)
				out[i] = vec
				continue
			}
			s.metrics.CacheMiss(ctx, telemetry.CacheEmbedding)
		}
		if _, seen := pending[key]; !seen {
			order = append(order, key)
		}
		pending[key] = append(pending[key], i)
	}
	if len(order) == 0 {
		log.DebugLogger.Printf("Embedding cache served all %d texts", len(texts))
		return out, true
	}

	batch := make([]string, len(order))
	for i, key := range order {
		batch[i] = texts[pending[key][0]]
	}

	vecs, err := s.embed(ctx, batch)
	if err != nil {
		log.ErrorLogger.Printf("Failed to generate embeddings: %v", err)
		return nil, false
	}

	for i, key := range order {
		// off-target vectors (projection disabled) are served but not cached
		if s.cache != nil && len(vecs[i]) == s.target {
			s.cache.Set(key, vecs[i])
		}
		for j, idx := range pending[key] {
			if j == 0 {
				out[idx] = vecs[i]
				continue
			}
			dup := make([]float32, len(vecs[i]))
			copy(dup, vecs[i])
			out[idx] = dup
		}
	}
	return out, true
}

// embed tries each backend in turn and returns projected vectors from the
// first one that succeeds.
func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	backends := s.backends()
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no embedding backend configured for mode %q", llmerr.ErrEmbeddingUnavailable, s.mode)
	}

	var lastErr error
	for _, b := range backends {
		embedder, err := b.resolve(ctx)
		if err != nil {
			log.WarnLogger.Printf("Embedding backend %s unavailable: %v", b.label, err)
			lastErr = err
			continue
		}

		vecs, err := embedder.Embed(ctx, texts)
		s.metrics.EmbedCall(ctx, b.label, err)
		if err == nil && len(vecs) != len(texts) {
			err = fmt.Errorf("backend returned %d vectors for %d texts", len(vecs), len(texts))
		}
		if err != nil {
			log.WarnLogger.Printf("Embedding backend %s (%s) failed: %v", b.label, embedder.Name(), err)
			lastErr = err
			continue
		}

		native := embedder.Dimensions()
		for i, vec := range vecs {
			vecs[i] = s.fit(ctx, vec, native)
		}
		return vecs, nil
	}
	return nil, fmt.Errorf("%w: %w", llmerr.ErrEmbeddingUnavailable, lastErr)
}

// fit maps vec from a backend of native size onto the target dimension. The
// projector is chosen by the declared native size; a vector of any other
// length takes the projector's mismatch path.
func (s *Service) fit(ctx context.Context, vec []float32, native int) []float32 {
	if native <= 0 {
		native = len(vec)
	}
	if native == s.target && len(vec) == s.target {
		return vec
	}
	if !s.projection.Enabled {
		log.WarnLogger.Printf("Embedding has %d dimensions, target is %d, and projection is disabled", len(vec), s.target)
		return vec
	}
	return s.projector(ctx, native).Project(vec)
}

// projector returns the initialized projector for in→target, creating it on
// first use.
func (s *Service) projector(ctx context.Context, in int) *projection.Projector {
	key := fmt.Sprintf("%d_%d", in, s.target)

	s.mu.Lock()
	p, ok := s.projectors[key]
	if !ok {
		p = projection.New(in, s.target, projection.Method(s.projection.Method), s.store, s.projection.CacheKey,
			projection.WithMetrics(s.metrics))
		s.projectors[key] = p
	}
	s.mu.Unlock()

	// Initialize is idempotent and blocks until the first caller finishes.
	if err := p.Initialize(ctx); err != nil {
		log.WarnLogger.Printf("Projector %s initialized without shared weights: %v", key, err)
	}
	return p
}

// InitializeProjectors prepares projectors for the local fallback models, so
// the first local embedding does not pay for weight generation.
func (s *Service) InitializeProjectors(ctx context.Context) {
	if !s.projection.Enabled || s.mode == config.EmbeddingRemote {
		return
	}
	for _, name := range []string{s.fallback, s.tertiary} {
		if name == "" {
			continue
		}
		dim, err := s.dimension(ctx, name)
		if err != nil {
			log.WarnLogger.Printf("Skipping projector for %s: %v", name, err)
			continue
		}
		if dim == 0 || dim == s.target {
			continue
		}
		p := s.projector(ctx, dim)
		log.InfoLogger.Printf("Initialized %s projector for %s: %dd → %dd", p.Method(), name, p.InputDim(), p.OutputDim())
	}
}

// ClearCache drops every cached embedding.
func (s *Service) ClearCache() {
	if s.cache != nil {
		s.cache.Clear()
	}
	log.InfoLogger.Printf("Embedding cache cleared")
}

// Stats describes the service for diagnostics.
type Stats struct {
	Mode              string                `json:"mode"`
	TargetDimension   int                   `json:"target_dimension"`
	ProjectionEnabled bool                  `json:"projection_enabled"`
	ProjectionMethod  string                `json:"projection_method"`
	Cache             *cache.EmbeddingStats `json:"cache,omitempty"`
	Projectors        []map[string]any      `json:"projectors"`
	LocalModels       []string              `json:"local_models"`
}

// Stats returns a snapshot of cache and projector state.
func (s *Service) Stats() Stats {
	st := Stats{
		Mode:              string(s.mode),
		TargetDimension:   s.target,
		ProjectionEnabled: s.projection.Enabled,
		ProjectionMethod:  string(s.projection.Method),
		Projectors:        []map[string]any{},
		LocalModels:       []string{},
	}
	if s.loaded != nil {
		st.LocalModels = append(st.LocalModels, s.loaded()...)
		sort.Strings(st.LocalModels)
	}
	if s.cache != nil {
		cs := s.cache.Stats()
		st.Cache = &cs
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.projectors))
	for k := range s.projectors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		st.Projectors = append(st.Projectors, s.projectors[k].Info())
	}
	s.mu.Unlock()
	return st
}
