package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/go-huggingface"
)

// hfRuntime embeds through the Hugging Face inference API.
type hfRuntime struct {
	model  string
	client *huggingface.InferenceClient
}

func newHFRuntime(model, token string) *hfRuntime {
	client := huggingface.NewInferenceClient(token)
	client.SetModel(model)
	return &hfRuntime{model: model, client: client}
}

func (r *hfRuntime) batchSize() int { return 8 }

func (r *hfRuntime) embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := &huggingface.FeatureExtractionRequest{
		Inputs: texts,
		Options: huggingface.Options{
			WaitForModel: huggingface.PTR(true),
			UseCache:     huggingface.PTR(true),
		},
	}

	resp, err := r.client.FeatureExtractionWithAutomaticReduction(ctx, req)
	if err != nil {
		if strings.Contains(err.Error(), "Invalid username or password") ||
			strings.Contains(strings.ToLower(err.Error()), "unauthorized") {
			return nil, fmt.Errorf("authentication failed for model %s; set HUGGINGFACEHUB_API_TOKEN: %w", r.model, err)
		}
		return nil, fmt.Errorf("failed to get embeddings from HuggingFace model %s: %w", r.model, err)
	}
	if len(resp) != len(texts) {
		return nil, fmt.Errorf("huggingface returned %d embeddings for %d inputs", len(resp), len(texts))
	}
	return resp, nil
}
