package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archcanvas/llmservice/internal/auth"
	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llm"
	"archcanvas/llmservice/internal/llmerr"
)

type fakeTokens struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	clears int
}

func (f *fakeTokens) Token(ctx context.Context, forceRefresh bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return "tok", nil
}

func (f *fakeTokens) Clear() {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
}

type stubModel struct {
	token, user string
	attempt     int
}

func (s *stubModel) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	return "ok", nil
}

func (s *stubModel) Stream(ctx context.Context, messages []llm.Message, ch chan<- string) error {
	close(ch)
	return nil
}

func (s *stubModel) Provider() string { return "azure" }
func (s *stubModel) Model() string    { return "gpt-4.1" }

func azureConfig() *config.Config {
	cfg := config.Default()
	cfg.Token.URL = "https://id.example.com/oauth2/token"
	cfg.Azure.AppKey = "canvas-app"
	cfg.LLM.RetryDelay = 0
	return cfg
}

func TestAzureAdapterClearsTokenOnAuthFailures(t *testing.T) {
	tokens := &fakeTokens{}
	a := NewAzureAdapter(azureConfig(), tokens)
	attempt := 0
	a.build = func(token, user string) (llm.ChatModel, error) {
		attempt++
		if attempt <= 2 {
			return nil, errors.New("Error code: 401 - invalid token")
		}
		return &stubModel{token: token, user: user, attempt: attempt}, nil
	}

	model, err := a.CreateClient(context.Background())
	require.NoError(t, err)
	require.NotNil(t, model)

	assert.Equal(t, 3, tokens.calls)
	assert.Equal(t, 2, tokens.clears)

	stub := model.(*stubModel)
	assert.Equal(t, 3, stub.attempt)
	assert.Equal(t, "tok", stub.token)
	assert.JSONEq(t, `{"appkey":"canvas-app"}`, stub.user)
}

func TestAzureAdapterClearsTokenOnTokenRejection(t *testing.T) {
	tokens := &fakeTokens{errs: []error{
		errors.New("401 Unauthorized"),
		errors.New("token expired"),
	}}
	a := NewAzureAdapter(azureConfig(), tokens)
	a.build = func(token, user string) (llm.ChatModel, error) {
		return &stubModel{token: token, user: user}, nil
	}

	_, err := a.CreateClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, tokens.calls)
	assert.Equal(t, 2, tokens.clears)
}

func TestAzureAdapterNonAuthFailureKeepsToken(t *testing.T) {
	tokens := &fakeTokens{}
	a := NewAzureAdapter(azureConfig(), tokens)
	builds := 0
	a.build = func(token, user string) (llm.ChatModel, error) {
		builds++
		if builds == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return &stubModel{token: token, user: user}, nil
	}

	_, err := a.CreateClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.Equal(t, 0, tokens.clears)
}

func TestAzureAdapterExhaustsRetries(t *testing.T) {
	boom := errors.New("unauthorized")
	tokens := &fakeTokens{errs: []error{boom, boom, boom, boom}}
	cfg := azureConfig()
	cfg.LLM.MaxRetries = 3
	a := NewAzureAdapter(cfg, tokens)

	model, err := a.CreateClient(context.Background())
	assert.Nil(t, model)
	assert.ErrorIs(t, err, llmerr.ErrProvider)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, tokens.calls)
	assert.Equal(t, 3, tokens.clears)
}

func TestAzureAdapterRequiresTokenURL(t *testing.T) {
	tokens := &fakeTokens{}
	cfg := azureConfig()
	cfg.Token.URL = ""
	a := NewAzureAdapter(cfg, tokens)

	_, err := a.CreateClient(context.Background())
	assert.ErrorIs(t, err, llmerr.ErrConfig)
	assert.Equal(t, 0, tokens.calls)
}

func TestAzureAdapterDoesNotRetryConfigErrors(t *testing.T) {
	tokens := &fakeTokens{errs: []error{llmerr.ErrConfig}}
	a := NewAzureAdapter(azureConfig(), tokens)

	_, err := a.CreateClient(context.Background())
	assert.ErrorIs(t, err, llmerr.ErrConfig)
	assert.NotErrorIs(t, err, llmerr.ErrProvider)
	assert.Equal(t, 1, tokens.calls)
}

func TestAzureClientEndToEnd(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"azure-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var gotKey, gotPath, gotVersion string
	var gotReq openai.ChatCompletionRequest
	chatSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "diagram ok"},
			}},
		})
	}))
	defer chatSrv.Close()

	cfg := azureConfig()
	cfg.Token.URL = tokenSrv.URL
	cfg.Token.ClientID = "canvas"
	cfg.Token.ClientSecret = "secret"
	cfg.Azure.Endpoint = chatSrv.URL
	cfg.Azure.UserID = "u-42"
	tokens := auth.NewTokenCache(cfg.Token)

	model, err := NewAzureAdapter(cfg, tokens).CreateClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "azure", model.Provider())
	assert.Equal(t, "gpt-4.1", model.Model())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := model.Complete(ctx, []llm.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	assert.Equal(t, "diagram ok", reply)
	assert.Equal(t, "azure-token", gotKey)
	assert.True(t, strings.Contains(gotPath, "/deployments/gpt-4.1/"), gotPath)
	assert.Equal(t, cfg.Azure.APIVersion, gotVersion)
	assert.JSONEq(t, `{"appkey":"canvas-app","user_id":"u-42"}`, gotReq.User)
	assert.True(t, tokens.Valid())
}
