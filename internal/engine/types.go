package engine

import (
	"encoding/json"
	"fmt"
)

// SessionHandle identifies a live engine session. Valid handles are 1..255.
type SessionHandle uint8

// InvalidSession is returned by CreateSession on failure.
const InvalidSession SessionHandle = 0

// StreamHandle identifies a running stream. Valid handles are positive.
type StreamHandle int64

// ContextID is an opaque token handed to StartStream and passed back verbatim
// on every callback for that stream.
type ContextID uint64

// Callback receives streamed chunks. final marks the end of the stream; chunk
// is nil in that case.
type Callback func(id ContextID, chunk []byte, final bool)

// Status is the engine availability code.
type Status int

const (
	StatusAvailable     Status = 1
	StatusNotEligible   Status = -1
	StatusNotEnabled    Status = -2
	StatusModelNotReady Status = -3
	StatusUnknown       Status = -99
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusNotEligible:
		return "not eligible"
	case StatusNotEnabled:
		return "not enabled"
	case StatusModelNotReady:
		return "model not ready"
	case StatusUnknown:
		return "unknown error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// SessionOptions configures a new session.
type SessionOptions struct {
	Instructions     string          `json:"instructions,omitempty"`
	EnableHistory    bool            `json:"enable_history"`
	EnableStructured bool            `json:"enable_structured"`
	DefaultSchema    json.RawMessage `json:"default_schema,omitempty"`
	Prewarm          bool            `json:"prewarm"`
}

// DefaultSessionOptions returns the options used when the caller has no
// preference: history on, prewarm on.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{EnableHistory: true, Prewarm: true}
}

// Params controls a single generation.
type Params struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// DefaultParams returns temperature 1.0 and a 1000 token budget.
func DefaultParams() Params {
	return Params{Temperature: 1.0, MaxTokens: 1000}
}

// StreamRequest describes a streaming generation. A non-nil Schema or
// Structured set to true requests a structured response.
type StreamRequest struct {
	Prompt     string
	Schema     json.RawMessage
	Structured bool
	Params     Params
}

// Message is a single transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidRole reports whether role may appear in a transcript.
func ValidRole(role string) bool {
	switch role {
	case "user", "assistant", "system", "tool":
		return true
	}
	return false
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
