package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/aibridge/internal/bridge"
	"github.com/kalambet/aibridge/internal/engine"
	"github.com/kalambet/aibridge/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Bridge   *bridge.Bridge
	Store    *storage.Store // optional; nil hides the transcripts resource
	Defaults engine.Params
	Timeout  time.Duration // per tool call; defaults to two minutes
}

// NewMCPServer creates an MCP server exposing generation over the bridge.
// Every tool call runs in its own short-lived session.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Defaults == (engine.Params{}) {
		deps.Defaults = engine.DefaultParams()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultStreamTimeout
	}

	s := server.NewMCPServer(
		"aibridge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("aibridge: on-device text generation through a local model."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("generate",
			mcp.WithDescription("Generate text with the local model."),
			mcp.WithString("prompt", mcp.Description("Prompt text"), mcp.Required()),
			mcp.WithString("instructions", mcp.Description("Optional system instructions")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature, 0 to 2")),
			mcp.WithNumber("max_tokens", mcp.Description("Maximum tokens to generate, 1 to 100000")),
		),
		mcpGenerate(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_structured",
			mcp.WithDescription("Generate a JSON object that conforms to a JSON schema."),
			mcp.WithString("prompt", mcp.Description("Prompt text"), mcp.Required()),
			mcp.WithString("schema", mcp.Description("JSON schema as a string; defaults to any object")),
			mcp.WithString("instructions", mcp.Description("Optional system instructions")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature, 0 to 2")),
			mcp.WithNumber("max_tokens", mcp.Description("Maximum tokens to generate, 1 to 100000")),
		),
		mcpGenerateStructured(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"aibridge://status",
			"Engine Status",
			mcp.WithResourceDescription("Engine availability and live session counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	if deps.Store != nil {
		s.AddResource(
			mcp.NewResource(
				"aibridge://transcripts/recent",
				"Recent Transcripts",
				mcp.WithResourceDescription("Last 10 saved transcripts (titles and first prompt only)"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

func toolParams(deps MCPDeps, req mcp.CallToolRequest) engine.Params {
	return engine.Params{
		Temperature: req.GetFloat("temperature", deps.Defaults.Temperature),
		MaxTokens:   req.GetInt("max_tokens", deps.Defaults.MaxTokens),
	}
}

func mcpGenerate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		ctx, cancel := context.WithTimeout(ctx, deps.Timeout)
		defer cancel()

		sess, err := deps.Bridge.CreateSession(ctx, engine.SessionOptions{
			Instructions: req.GetString("instructions", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("creating session: %v", err)), nil
		}
		defer sess.Destroy()

		q := bridge.NewTokenQueue()
		h, err := sess.Stream(prompt, toolParams(deps, req), q.Push)
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		text, err := q.Collect(ctx)
		if err != nil {
			deps.Bridge.CancelStream(h)
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}
		deps.Bridge.ReleaseStream(h)

		return mcpText(text), nil
	}
}

func mcpGenerateStructured(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		var schema json.RawMessage
		if raw := req.GetString("schema", ""); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcpError("schema is not valid JSON"), nil
			}
			schema = json.RawMessage(raw)
		}

		ctx, cancel := context.WithTimeout(ctx, deps.Timeout)
		defer cancel()

		sess, err := deps.Bridge.CreateSession(ctx, engine.SessionOptions{
			Instructions:     req.GetString("instructions", ""),
			EnableStructured: true,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("creating session: %v", err)), nil
		}
		defer sess.Destroy()

		sr, err := sess.GenerateStructured(ctx, prompt, schema, toolParams(deps, req))
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		return mcpText(string(sr.Object)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(statusOf(ctx, deps.Bridge))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		transcripts, err := deps.Store.ListTranscripts(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list transcripts: %w", err)
		}

		type transcriptSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt string `json:"updated_at"`
			Prompt    string `json:"prompt,omitempty"`
		}

		summaries := make([]transcriptSummary, len(transcripts))
		for i, t := range transcripts {
			summaries[i] = transcriptSummary{
				ID:        t.ID,
				Title:     t.Title,
				UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
				Prompt:    firstPrompt(t.Messages),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transcripts: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// firstPrompt returns the first user message, cut to 200 characters.
func firstPrompt(msgs []storage.Message) string {
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		if utf8.RuneCountInString(m.Content) > 200 {
			runes := []rune(m.Content)
			return string(runes[:200]) + "..."
		}
		return m.Content
	}
	return ""
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
