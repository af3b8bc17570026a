// Package model provides a provider-agnostic abstraction over streaming chat
// completion APIs. The execution engine invokes models through Client and
// consumes incremental Chunk values; adapters under model/anthropic and
// model/openai translate provider SDKs into these types.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client is the contract the engine uses to invoke LLM calls.
	// Implementations wrap provider SDKs and must be safe for concurrent use.
	Client interface {
		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks. The returned Streamer must be closed by
		// the caller; closing abandons an in-flight response.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return Chunk values until io.EOF.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases the underlying connection.
		Close() error
	}

	// Request captures the normalized parameters of one model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// System is the system prompt, sent separately from the history.
		System string
		// Messages is the ordered chat history.
		Messages []Message
		// Tools lists the tool schemas exposed for function calling.
		Tools []ToolDefinition
		// Temperature controls sampling; zero means provider default.
		Temperature float32
		// MaxTokens caps completion length; zero means provider default.
		MaxTokens int
	}

	// Message mirrors one chat message.
	Message struct {
		// Role is "user", "assistant" or "tool".
		Role string
		// Content is the message text. For tool results this is the encoded
		// result payload.
		Content string
		// ToolCalls carries the calls an assistant message requested.
		ToolCalls []ToolCall
		// ToolCallID links a tool-role message to the call it answers.
		ToolCallID string
	}

	// ToolDefinition describes one tool schema passed to the provider.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// ToolCall is one tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call id.
		ID string `json:"id"`
		// Name is the tool name.
		Name string `json:"name"`
		// Arguments is the raw JSON arguments object.
		Arguments json.RawMessage `json:"arguments"`
	}

	// TokenUsage reports token counts when the provider supplies them.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// ChunkType discriminates streamed chunk kinds.
	ChunkType string

	// Chunk is one increment of model output.
	Chunk struct {
		// Type is the chunk kind.
		Type ChunkType
		// Text carries the text delta when Type == ChunkText.
		Text string
		// ToolCall carries a completed tool invocation when Type ==
		// ChunkToolCall. Adapters buffer argument fragments and emit the call
		// once its block closes.
		ToolCall *ToolCall
		// Usage reports token usage when Type == ChunkUsage.
		Usage *TokenUsage
		// StopReason explains termination when Type == ChunkStop.
		StopReason string
	}
)

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkUsage    ChunkType = "usage"
	ChunkStop     ChunkType = "stop"
)

// ErrStreamingUnsupported is returned by providers without streaming support.
var ErrStreamingUnsupported = errors.New("model: streaming unsupported")
