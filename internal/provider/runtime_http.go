package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// httpRuntime talks to a local embedding server (TEI, Ollama or an
// OpenAI-like custom server).
type httpRuntime struct {
	serverURL  string
	serverType string
	model      string
	httpClient *http.Client
}

func (r *httpRuntime) batchSize() int {
	if r.serverType == "ollama" {
		return 1
	}
	return 32
}

func (r *httpRuntime) embed(ctx context.Context, texts []string) ([][]float32, error) {
	requestBody, err := r.createRequestBody(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to create request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(), bytes.NewReader(requestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request to local embedding server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("local embedding server returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	embeddings, err := r.parseResponse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("local embedding server returned %d embeddings for %d inputs", len(embeddings), len(texts))
	}
	return embeddings, nil
}

// endpoint returns the embedding endpoint URL based on server type
func (r *httpRuntime) endpoint() string {
	baseURL := strings.TrimRight(r.serverURL, "/")

	switch r.serverType {
	case "ollama":
		return baseURL + "/api/embeddings"
	case "custom":
		return baseURL + "/embeddings"
	default:
		return baseURL + "/embed"
	}
}

func (r *httpRuntime) createRequestBody(texts []string) ([]byte, error) {
	switch r.serverType {
	case "ollama":
		if len(texts) != 1 {
			return nil, fmt.Errorf("ollama only supports single text embedding")
		}
		return json.Marshal(map[string]any{"model": r.model, "prompt": texts[0]})
	case "custom":
		request := map[string]any{"input": texts}
		if r.model != "" {
			request["model"] = r.model
		}
		return json.Marshal(request)
	default:
		return json.Marshal(map[string]any{"inputs": texts})
	}
}

func (r *httpRuntime) parseResponse(body io.Reader) ([][]float32, error) {
	switch r.serverType {
	case "ollama":
		var response struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.NewDecoder(body).Decode(&response); err != nil {
			return nil, fmt.Errorf("failed to decode Ollama response: %w", err)
		}
		return [][]float32{response.Embedding}, nil

	case "custom":
		var response struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
			Embeddings [][]float32 `json:"embeddings"` // Alternative format
		}
		if err := json.NewDecoder(body).Decode(&response); err != nil {
			return nil, fmt.Errorf("failed to decode custom response: %w", err)
		}
		if len(response.Data) > 0 {
			embeddings := make([][]float32, len(response.Data))
			for i, item := range response.Data {
				embeddings[i] = item.Embedding
			}
			return embeddings, nil
		}
		if len(response.Embeddings) > 0 {
			return response.Embeddings, nil
		}
		return nil, fmt.Errorf("no embeddings found in custom response")

	default:
		var embeddings [][]float32
		if err := json.NewDecoder(body).Decode(&embeddings); err != nil {
			return nil, fmt.Errorf("failed to decode TEI response: %w", err)
		}
		return embeddings, nil
	}
}
