package provider

import (
	"context"
	"strings"
)

// Embedder creates vector embeddings from text. Implementations return one
// vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the native vector size of the backend.
	Dimensions() int
	Name() string
}

var knownDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
	"all-mpnet-base-v2":      768,
	"all-minilm-l6-v2":       384,
	"all-minilm-l12-v2":      384,
	"bge-large-en-v1.5":      1024,
	"bge-base-en-v1.5":       768,
	"bge-small-en-v1.5":      384,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
}

// KnownDimension returns the native size of well-known embedding models, or 0.
// Organisation prefixes such as "sentence-transformers/" and letter case are ignored.
func KnownDimension(model string) int {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if d, ok := knownDimensions[name]; ok {
		return d
	}
	switch {
	case strings.HasPrefix(name, "bge-large"):
		return 1024
	case strings.HasPrefix(name, "bge-base"):
		return 768
	case strings.HasPrefix(name, "bge-small"):
		return 384
	}
	return 0
}
