package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"archcanvas/llmservice/internal/auth"
	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llm"
	"archcanvas/llmservice/internal/llmerr"
	"archcanvas/llmservice/internal/log"
	"archcanvas/llmservice/internal/resilience"
)

// TokenSource supplies bearer tokens for the gated provider. *auth.TokenCache
// satisfies it.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
	Clear()
}

// AzureAdapter builds Azure OpenAI chat clients authenticated with an OAuth2
// token from a TokenSource.
type AzureAdapter struct {
	tokenURL string
	azure    config.AzureConfig
	llm      config.LLMConfig
	tokens   TokenSource

	// build turns a token and user payload into a client. Replaced in tests.
	build func(token, user string) (llm.ChatModel, error)
}

// NewAzureAdapter creates the gated provider adapter.
func NewAzureAdapter(cfg *config.Config, tokens TokenSource) *AzureAdapter {
	a := &AzureAdapter{
		tokenURL: cfg.Token.URL,
		azure:    cfg.Azure,
		llm:      cfg.LLM,
		tokens:   tokens,
	}
	a.build = a.newClient
	return a
}

func (a *AzureAdapter) Provider() string { return string(config.ProviderAzure) }

func (a *AzureAdapter) Model() string { return a.llm.Model }

// userPayload is the JSON the gateway expects in the request's user field.
func (a *AzureAdapter) userPayload() (string, error) {
	payload := map[string]string{"appkey": a.azure.AppKey}
	if a.azure.UserID != "" {
		payload["user_id"] = a.azure.UserID
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *AzureAdapter) newClient(token, user string) (llm.ChatModel, error) {
	if a.azure.Endpoint == "" {
		return nil, fmt.Errorf("%w: AZURE_ENDPOINT not configured", llmerr.ErrConfig)
	}
	clientCfg := openai.DefaultAzureConfig(token, a.azure.Endpoint)
	if a.azure.APIVersion != "" {
		clientCfg.APIVersion = a.azure.APIVersion
	}
	// deployment name = model name
	clientCfg.AzureModelMapperFunc = func(model string) string { return model }
	client := openai.NewClientWithConfig(clientCfg)
	return newChatModel(client, a.Provider(), a.llm.Model, ChatOptions{
		Temperature: a.llm.Temperature,
		MaxTokens:   a.llm.MaxTokens,
		User:        user,
	}), nil
}

// CreateClient fetches a token and builds a client, retrying up to LLMMaxRetries
// times with a constant delay. Every auth-classified failure clears the token
// cache so the next attempt exchanges credentials again.
func (a *AzureAdapter) CreateClient(ctx context.Context) (llm.ChatModel, error) {
	if a.tokenURL == "" {
		log.ErrorLogger.Printf("TOKEN_URL not configured for Azure authentication")
		return nil, fmt.Errorf("%w: TOKEN_URL not configured for Azure authentication", llmerr.ErrConfig)
	}

	user, err := a.userPayload()
	if err != nil {
		return nil, fmt.Errorf("%w: build user payload: %w", llmerr.ErrConfig, err)
	}

	retry := resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts: a.llm.MaxRetries,
		Delay:       a.llm.RetryDelay,
		RetryIf:     func(err error) bool { return !errors.Is(err, llmerr.ErrConfig) },
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.WarnLogger.Printf("Azure client attempt %d failed, retrying in %s: %v", attempt, delay, err)
		},
	})

	var model llm.ChatModel
	err = retry.Execute(ctx, func(ctx context.Context) error {
		token, err := a.tokens.Token(ctx, false)
		if err == nil {
			model, err = a.build(token, user)
		}
		if err != nil {
			if auth.IsAuthError(err) {
				log.DebugLogger.Printf("Token authentication error detected, clearing cache")
				a.tokens.Clear()
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, llmerr.ErrConfig) {
			return nil, err
		}
		log.ErrorLogger.Printf("Failed to create Azure client after %d attempts: %v", retry.Config().MaxAttempts, err)
		return nil, fmt.Errorf("%w: azure client after %d attempts: %w", llmerr.ErrProvider, retry.Config().MaxAttempts, err)
	}

	log.InfoLogger.Printf("✅ Azure chat client ready (model %s)", a.llm.Model)
	return model, nil
}
