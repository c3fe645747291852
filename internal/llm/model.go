// Package llm hands out cached chat-model clients for the configured providers.
package llm

import "context"

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatModel is a ready-to-use chat client bound to one provider and model.
type ChatModel interface {
	// Complete returns the full assistant reply.
	Complete(ctx context.Context, messages []Message) (string, error)
	// Stream sends reply chunks to ch and closes it when the reply ends.
	Stream(ctx context.Context, messages []Message, ch chan<- string) error
	Provider() string
	Model() string
}

// Adapter builds ChatModels for one provider.
type Adapter interface {
	Provider() string
	// Model is the model the next CreateClient call will bind to.
	Model() string
	CreateClient(ctx context.Context) (ChatModel, error)
}
