package engine

import (
	"context"
	"encoding/json"
)

// Backend is a chat-completion server the Local engine drives. Messages are
// the full conversation including any system instructions.
type Backend interface {
	// Name identifies the backend in status output and logs.
	Name() string
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	ListModels(ctx context.Context) ([]string, error)

	// Chat returns the complete assistant reply. A non-nil schema constrains
	// the reply to a JSON document matching it.
	Chat(ctx context.Context, model string, messages []Message, schema json.RawMessage, p Params) (string, error)

	// ChatStream calls onChunk with each content fragment in order and
	// returns when the reply is complete or ctx is cancelled.
	ChatStream(ctx context.Context, model string, messages []Message, schema json.RawMessage, p Params, onChunk func(string)) error
}

// Puller is implemented by backends that can download missing models.
type Puller interface {
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// LanguageLister is implemented by backends that can read the languages a
// model declares. Codes are BCP 47.
type LanguageLister interface {
	ModelLanguages(ctx context.Context, model string) ([]string, error)
}
