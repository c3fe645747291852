package provider

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llm"
	"archcanvas/llmservice/internal/llmerr"
	"archcanvas/llmservice/internal/log"
)

// DefaultEmbeddingModel is used when no OpenAI embedding model is configured.
const DefaultEmbeddingModel openai.EmbeddingModel = "text-embedding-3-small"

func newOpenAIClient(cfg config.OpenAIConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}

// OpenAIAdapter builds chat clients for the public OpenAI API.
type OpenAIAdapter struct {
	openai config.OpenAIConfig
	llm    config.LLMConfig
}

// NewOpenAIAdapter creates the API-key provider adapter.
func NewOpenAIAdapter(cfg *config.Config) *OpenAIAdapter {
	return &OpenAIAdapter{openai: cfg.OpenAI, llm: cfg.LLM}
}

func (a *OpenAIAdapter) Provider() string { return string(config.ProviderOpenAI) }

func (a *OpenAIAdapter) Model() string { return a.openai.FallbackModel }

// CreateClient builds a client for OpenAIFallbackModel. A missing API key fails
// immediately.
func (a *OpenAIAdapter) CreateClient(ctx context.Context) (llm.ChatModel, error) {
	if a.openai.APIKey == "" {
		log.ErrorLogger.Printf("OPENAI_API_KEY not configured")
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not configured", llmerr.ErrConfig)
	}
	log.InfoLogger.Printf("🌐 Initializing OpenAI chat client with model: %s", a.openai.FallbackModel)
	return newChatModel(newOpenAIClient(a.openai), a.Provider(), a.openai.FallbackModel, ChatOptions{
		Temperature: a.llm.Temperature,
		MaxTokens:   a.llm.MaxTokens,
	}), nil
}

// OpenAIEmbedder embeds text with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates the remote embedding backend.
func NewOpenAIEmbedder(cfg config.OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not configured", llmerr.ErrConfig)
	}
	model := openai.EmbeddingModel(cfg.EmbeddingModel)
	if model == "" {
		model = DefaultEmbeddingModel
	}
	if model != DefaultEmbeddingModel {
		log.InfoLogger.Printf("📝 Using custom OpenAI embedding model: %s", model)
	}
	return &OpenAIEmbedder{client: newOpenAIClient(cfg), model: model}, nil
}

// Embed creates one vector per input text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai returned embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the native size of the configured model.
func (e *OpenAIEmbedder) Dimensions() int {
	if d := KnownDimension(string(e.model)); d > 0 {
		return d
	}
	return 1536
}

func (e *OpenAIEmbedder) Name() string { return string(e.model) }
