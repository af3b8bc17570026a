// Package openai adapts the OpenAI Chat Completions API to the model.Client
// interface. Tool call argument fragments are accumulated per index and the
// completed calls are emitted when the stream finishes.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"github.com/loomworks/agentd/model"
)

type (
	// ChatClient is the subset of the SDK chat completion service the
	// adapter uses. Narrowed for test fakes.
	ChatClient interface {
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when the request leaves Model empty.
		DefaultModel string
		// MaxTokens caps completions when the request leaves it unset.
		MaxTokens int
		// Temperature is the default sampling temperature.
		Temperature float64
	}

	// Client implements model.Client over the Chat Completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}
)

// New constructs a Client over an SDK chat completion service.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Stream invokes Chat.Completions.NewStreaming and adapts incremental chunks
// into model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	msgs, err := encodeMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: msgs,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

func encodeMessages(system string, msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case "user":
			if m.Content == "" {
				continue
			}
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			asst := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = sdk.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					},
				})
			}
			if m.Content == "" && len(asst.ToolCalls) == 0 {
				continue
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			if m.ToolCallID == "" {
				return nil, errors.New("openai: tool result message missing tool call id")
			}
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []model.ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	tools := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := sdk.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if def.InputSchema != nil {
			fn.Parameters = sdk.FunctionParameters(def.InputSchema)
		}
		tools = append(tools, sdk.ChatCompletionFunctionTool(fn))
	}
	return tools
}

// classifyError wraps an SDK error in a model.ProviderError keyed by the HTTP
// status when available.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := model.KindOther
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			kind = model.KindRateLimit
		case http.StatusServiceUnavailable:
			kind = model.KindOverloaded
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			kind = model.KindTimeout
		case http.StatusBadRequest:
			if model.Classify(err) == model.KindContextLength {
				kind = model.KindContextLength
			}
		}
		return &model.ProviderError{Kind: kind, Err: err}
	}
	if kind := model.Classify(err); kind != model.KindOther {
		return &model.ProviderError{Kind: kind, Err: err}
	}
	return fmt.Errorf("openai: %w", err)
}
