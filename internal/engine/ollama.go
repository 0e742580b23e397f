package engine

import (
	"context"
	"encoding/json"

	"github.com/kalambet/aibridge/internal/ollama"
)

// OllamaBackend adapts the internal/ollama.Client to the Backend interface.
type OllamaBackend struct {
	client *ollama.Client
}

// NewOllamaBackend creates an OllamaBackend backed by an Ollama server at baseURL.
func NewOllamaBackend(baseURL string) *OllamaBackend {
	return &OllamaBackend{client: ollama.New(baseURL)}
}

func (b *OllamaBackend) Name() string { return "ollama" }

func (b *OllamaBackend) Chat(ctx context.Context, model string, messages []Message, schema json.RawMessage, p Params) (string, error) {
	return b.client.Chat(ctx, model, toOllamaMessages(messages), schema, ollamaOptions(p))
}

func (b *OllamaBackend) ChatStream(ctx context.Context, model string, messages []Message, schema json.RawMessage, p Params, onChunk func(string)) error {
	return b.client.ChatStream(ctx, model, toOllamaMessages(messages), schema, ollamaOptions(p), onChunk)
}

func (b *OllamaBackend) IsRunning(ctx context.Context) bool {
	return b.client.IsRunning(ctx)
}

func (b *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	return b.client.ListModels(ctx)
}

func (b *OllamaBackend) HasModel(ctx context.Context, name string) bool {
	return b.client.HasModel(ctx, name)
}

func (b *OllamaBackend) ModelLanguages(ctx context.Context, model string) ([]string, error) {
	return b.client.ModelLanguages(ctx, model)
}

func (b *OllamaBackend) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return b.client.PullModel(ctx, name, cb)
}

func toOllamaMessages(messages []Message) []ollama.Message {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return msgs
}

func ollamaOptions(p Params) *ollama.Options {
	return &ollama.Options{Temperature: p.Temperature, NumPredict: p.MaxTokens}
}
