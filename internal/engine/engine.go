package engine

import (
	"context"
	"encoding/json"
)

// ErrorPrefix marks a response or streamed chunk that carries an engine error
// instead of generated text.
const ErrorPrefix = "Error:"

// Native is the capability boundary to an inference engine. Sessions and
// streams are identified by small integer handles owned by the engine; the
// coordinator in package bridge layers its bookkeeping on top and never
// depends on how calls are marshalled.
//
// Implementations must be safe for concurrent use. Streaming callbacks may be
// invoked from any goroutine.
type Native interface {
	// Availability reports whether the engine can serve requests. The reason
	// is a human readable explanation when the status is not StatusAvailable.
	Availability(ctx context.Context) (Status, string)

	// CreateSession allocates a session and returns its handle, or
	// InvalidSession on failure.
	CreateSession(ctx context.Context, opts SessionOptions) SessionHandle

	// DestroySession releases the session and cancels its active streams.
	// Destroying an unknown handle is a no-op.
	DestroySession(h SessionHandle)

	// Generate produces a complete response for prompt.
	Generate(ctx context.Context, h SessionHandle, prompt string, p Params) (string, error)

	// GenerateStructured produces a JSON document of the form
	// {"text": ..., "object": ...}. A nil schema selects the session default.
	GenerateStructured(ctx context.Context, h SessionHandle, prompt string, schema json.RawMessage, p Params) (string, error)

	// StartStream begins an asynchronous generation. It returns immediately
	// with a positive handle, or a non-positive value if the stream could not
	// be started. On success cb is called with id zero or more times with
	// chunks and then once with final set, unless an error chunk was
	// delivered or the stream was cancelled.
	StartStream(h SessionHandle, req StreamRequest, id ContextID, cb Callback) StreamHandle

	// CancelStream stops a running stream. It reports whether the stream was
	// known to the engine.
	CancelStream(s StreamHandle) bool

	// History returns the session transcript as a JSON array of messages.
	History(h SessionHandle) (string, bool)

	// ClearHistory drops the session transcript.
	ClearHistory(h SessionHandle) bool

	// AppendHistory adds a message with the given role to the transcript.
	AppendHistory(h SessionHandle, role, content string) bool

	// SupportedLanguages lists display names of the languages the model
	// serves. An engine that cannot tell returns an empty list.
	SupportedLanguages(ctx context.Context) []string
}

// ModelLister is implemented by engines that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}
