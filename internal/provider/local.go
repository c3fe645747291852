package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llm"
	"archcanvas/llmservice/internal/llmerr"
	"archcanvas/llmservice/internal/log"
)

const dimensionProbeText = "test"

type embedRuntime interface {
	embed(ctx context.Context, texts []string) ([][]float32, error)
	batchSize() int
}

// LocalModel is a loaded local embedding model. It implements Embedder.
type LocalModel struct {
	name       string
	runtime    embedRuntime
	dimensions int
	workers    int
}

func (m *LocalModel) Name() string { return m.name }

func (m *LocalModel) Dimensions() int { return m.dimensions }

// Embed encodes texts in batches on a bounded worker pool. Output order
// matches input order.
func (m *LocalModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	size := m.runtime.batchSize()
	if size <= 0 {
		size = len(texts)
	}
	out := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		g.Go(func() error {
			vecs, err := m.runtime.embed(ctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("local model %s: %w", m.name, err)
	}
	return out, nil
}

// LocalProvider owns the loaded local embedding models and builds chat
// clients for an OpenAI-compatible local server.
type LocalProvider struct {
	cfg        config.LocalConfig
	llm        config.LLMConfig
	httpClient *http.Client

	mu     sync.Mutex
	models map[string]*LocalModel
}

// NewLocalProvider creates a LocalProvider with no models loaded.
func NewLocalProvider(cfg *config.Config) *LocalProvider {
	return &LocalProvider{
		cfg:        cfg.Local,
		llm:        cfg.LLM,
		httpClient: &http.Client{Timeout: cfg.Local.Timeout},
		models:     make(map[string]*LocalModel),
	}
}

func (p *LocalProvider) newRuntime(name string) (embedRuntime, error) {
	switch p.cfg.ServerType {
	case "huggingface":
		if p.cfg.HFToken == "" {
			log.WarnLogger.Printf("⚠️  No HuggingFace API token found. Some models may require authentication.")
		}
		return newHFRuntime(name, p.cfg.HFToken), nil
	case "tei", "ollama", "custom", "":
		if p.cfg.ServerURL == "" {
			return nil, fmt.Errorf("%w: LOCAL_EMBEDDING_URL not configured", llmerr.ErrConfig)
		}
		serverType := p.cfg.ServerType
		if serverType == "" {
			serverType = "tei"
		}
		return &httpRuntime{serverURL: p.cfg.ServerURL, serverType: serverType, model: name, httpClient: p.httpClient}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported local server type %q", llmerr.ErrConfig, p.cfg.ServerType)
	}
}

// LoadModel returns the handle for name, loading it on first use. Loading the
// same name again returns the same handle. Models missing from the dimension
// table are probed once to measure their size.
func (p *LocalProvider) LoadModel(ctx context.Context, name string) (*LocalModel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty local model name", llmerr.ErrConfig)
	}

	p.mu.Lock()
	if m, ok := p.models[name]; ok {
		p.mu.Unlock()
		return m, nil
	}
	p.mu.Unlock()

	log.InfoLogger.Printf("🏠 Loading local embedding model %s (%s)", name, p.cfg.ServerType)
	runtime, err := p.newRuntime(name)
	if err != nil {
		return nil, err
	}
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	m := &LocalModel{name: name, runtime: runtime, workers: workers, dimensions: KnownDimension(name)}

	if m.dimensions == 0 {
		vecs, err := runtime.embed(ctx, []string{dimensionProbeText})
		if err != nil {
			return nil, fmt.Errorf("failed to detect embedding dimensions for %s: %w", name, err)
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return nil, fmt.Errorf("received empty embedding during dimension detection for %s", name)
		}
		m.dimensions = len(vecs[0])
		log.InfoLogger.Printf("✅ Detected %d embedding dimensions for %s", m.dimensions, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.models[name]; ok {
		return existing, nil
	}
	p.models[name] = m
	return m, nil
}

// ModelDimension returns the native size of name, from the dimension table
// when listed, else by loading and measuring the model.
func (p *LocalProvider) ModelDimension(ctx context.Context, name string) (int, error) {
	if d := KnownDimension(name); d > 0 {
		return d, nil
	}
	m, err := p.LoadModel(ctx, name)
	if err != nil {
		return 0, err
	}
	return m.Dimensions(), nil
}

// LoadedModels lists the names of the loaded models.
func (p *LocalProvider) LoadedModels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.models))
	for name := range p.models {
		names = append(names, name)
	}
	return names
}

// ClearModels releases every loaded model handle.
func (p *LocalProvider) ClearModels() {
	p.mu.Lock()
	n := len(p.models)
	p.models = make(map[string]*LocalModel)
	p.mu.Unlock()
	log.InfoLogger.Printf("🧹 Released %d local models", n)
}

// ChatAdapter returns the llm.Adapter for the local chat server.
func (p *LocalProvider) ChatAdapter() llm.Adapter {
	return &localChatAdapter{p: p}
}

type localChatAdapter struct {
	p *LocalProvider
}

func (a *localChatAdapter) Provider() string { return string(config.ProviderLocal) }

func (a *localChatAdapter) Model() string { return a.p.cfg.ChatModel }

// CreateClient builds a client for the OpenAI-compatible endpoint at
// <LOCAL_EMBEDDING_URL>/v1, as served by Ollama and similar runtimes.
func (a *localChatAdapter) CreateClient(ctx context.Context) (llm.ChatModel, error) {
	cfg := a.p.cfg
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("%w: LOCAL_EMBEDDING_URL not configured", llmerr.ErrConfig)
	}
	if cfg.ChatModel == "" {
		return nil, fmt.Errorf("%w: LOCAL_CHAT_MODEL not configured", llmerr.ErrConfig)
	}
	clientCfg := openai.DefaultConfig("local")
	clientCfg.BaseURL = strings.TrimRight(cfg.ServerURL, "/") + "/v1"
	log.InfoLogger.Printf("🏠 Initializing local chat client at %s with model: %s", clientCfg.BaseURL, cfg.ChatModel)
	return newChatModel(openai.NewClientWithConfig(clientCfg), a.Provider(), cfg.ChatModel, ChatOptions{
		Temperature: a.p.llm.Temperature,
		MaxTokens:   a.p.llm.MaxTokens,
	}), nil
}
