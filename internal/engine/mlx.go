package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// MLXBackend drives an OpenAI-compatible chat server such as mlx-lm or oMLX
// running on a configurable port.
type MLXBackend struct {
	client openai.Client
}

// NewMLXBackend creates a backend for the server at baseURL, e.g.
// "http://localhost:8080/v1". Local servers ignore the API key.
func NewMLXBackend(baseURL string) *MLXBackend {
	baseURL = strings.TrimRight(baseURL, "/") + "/"
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey("local"),
		option.WithMaxRetries(0),
	)
	return &MLXBackend{client: client}
}

func (b *MLXBackend) Name() string { return "mlx" }

func (b *MLXBackend) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := b.client.Models.List(ctx)
	return err == nil
}

func (b *MLXBackend) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	page, err := b.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	names := make([]string, len(page.Data))
	for i, m := range page.Data {
		names[i] = m.ID
	}
	return names, nil
}

func (b *MLXBackend) HasModel(ctx context.Context, name string) bool {
	models, err := b.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name {
			return true
		}
	}
	return false
}

func (b *MLXBackend) Chat(ctx context.Context, model string, messages []Message, schema json.RawMessage, p Params) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, mlxParams(model, messages, schema, p))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *MLXBackend) ChatStream(ctx context.Context, model string, messages []Message, schema json.RawMessage, p Params, onChunk func(string)) error {
	stream := b.client.Chat.Completions.NewStreaming(ctx, mlxParams(model, messages, schema, p))
	defer stream.Close()

	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				onChunk(ch.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("chat completion stream: %w", err)
	}
	return nil
}

func mlxParams(model string, messages []Message, schema json.RawMessage, p Params) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages:            msgs,
		Model:               model,
		Temperature:         openai.Float(p.Temperature),
		MaxCompletionTokens: openai.Int(int64(p.MaxTokens)),
	}
	if schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "response",
					Schema: schema,
				},
			},
		}
	}
	return params
}
