package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archcanvas/llmservice/internal/config"
	"archcanvas/llmservice/internal/llm"
	"archcanvas/llmservice/internal/llmerr"
)

func TestOpenAIAdapterRequiresKey(t *testing.T) {
	cfg := config.Default()
	cfg.OpenAI.APIKey = ""

	model, err := NewOpenAIAdapter(cfg).CreateClient(context.Background())
	assert.Nil(t, model)
	assert.ErrorIs(t, err, llmerr.ErrConfig)

	_, err = NewOpenAIEmbedder(cfg.OpenAI)
	assert.ErrorIs(t, err, llmerr.ErrConfig)
}

func TestOpenAIAdapterUsesFallbackModelAndBaseURL(t *testing.T) {
	var gotModel, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "pong"}}},
		})
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.OpenAI.BaseURL = srv.URL + "/v1"

	a := NewOpenAIAdapter(cfg)
	assert.Equal(t, "gpt-4o-mini", a.Model())

	model, err := a.CreateClient(context.Background())
	require.NoError(t, err)

	reply, err := model.Complete(context.Background(), []llm.Message{{Role: "user", Content: "ping"}})
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
	assert.Equal(t, "gpt-4o-mini", gotModel)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		// answer out of order
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "model": req.Model, "data": data})
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(config.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", e.Name())
	assert.Equal(t, 1536, e.Dimensions())

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
}

func TestKnownDimension(t *testing.T) {
	assert.Equal(t, 3072, KnownDimension("text-embedding-3-large"))
	assert.Equal(t, 768, KnownDimension("sentence-transformers/all-mpnet-base-v2"))
	assert.Equal(t, 384, KnownDimension("sentence-transformers/all-MiniLM-L6-v2"))
	assert.Equal(t, 1024, KnownDimension("BAAI/bge-large-en"))
	assert.Equal(t, 0, KnownDimension("my-custom-encoder"))
}
