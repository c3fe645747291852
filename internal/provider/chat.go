package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"archcanvas/llmservice/internal/llm"
	"archcanvas/llmservice/internal/log"
)

// ChatOptions are the request defaults applied to every chat call.
type ChatOptions struct {
	Temperature float32
	MaxTokens   int
	// User is sent as the request's user field. The gated provider reads its
	// app key from it.
	User string
}

// chatModel implements llm.ChatModel on top of an OpenAI-compatible client.
type chatModel struct {
	client   *openai.Client
	provider string
	model    string
	opts     ChatOptions
}

func newChatModel(client *openai.Client, provider, model string, opts ChatOptions) *chatModel {
	return &chatModel{client: client, provider: provider, model: model, opts: opts}
}

func (c *chatModel) Provider() string { return c.provider }

func (c *chatModel) Model() string { return c.model }

func (c *chatModel) request(messages []llm.Message, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
		User:        c.opts.User,
		Stream:      stream,
	}
}

// Complete generates the assistant reply for the given conversation.
func (c *chatModel) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages, false))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", c.provider)
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream generates the reply and sends it to ch chunk by chunk.
func (c *chatModel) Stream(ctx context.Context, messages []llm.Message, ch chan<- string) error {
	defer close(ch)

	stream, err := c.client.CreateChatCompletionStream(ctx, c.request(messages, true))
	if err != nil {
		log.ErrorLogger.Printf("CreateChatCompletionStream error: %v", err)
		return err
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.DebugLogger.Println("Stream finished.")
			return nil
		}
		if err != nil {
			log.ErrorLogger.Printf("Stream error: %v", err)
			return err
		}
		if len(response.Choices) > 0 {
			select {
			case ch <- response.Choices[0].Delta.Content:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
