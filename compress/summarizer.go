package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loomworks/agentd/model"
)

// LLMSummarizer produces conversation summaries through a small model.
type LLMSummarizer struct {
	client model.Client
	// Model is the summarization model id.
	Model string
}

const summarizerPrompt = `Summarize the conversation below for an AI agent that will continue it.
Write two sections:

Summary:
A compact narrative of what happened and what the agent is working on.

Key facts:
A bullet list of identifiers, decisions, constraints and open items that must not be lost.`

// NewLLMSummarizer constructs a summarizer over the given client and model.
func NewLLMSummarizer(client model.Client, modelID string) (*LLMSummarizer, error) {
	if client == nil {
		return nil, errors.New("model client is required")
	}
	if modelID == "" {
		return nil, errors.New("summarization model id is required")
	}
	return &LLMSummarizer{client: client, Model: modelID}, nil
}

// Summarize renders the messages as a transcript and asks the model for a
// summary plus facts block.
func (s *LLMSummarizer) Summarize(ctx context.Context, msgs []model.Message) (string, string, error) {
	var transcript strings.Builder
	for _, m := range msgs {
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&transcript, "\n[tool call %s %s]", tc.Name, string(tc.Arguments))
		}
		transcript.WriteString("\n")
	}
	stream, err := s.client.Stream(ctx, model.Request{
		Model:  s.Model,
		System: summarizerPrompt,
		Messages: []model.Message{
			{Role: "user", Content: transcript.String()},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("summarization call: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("summarization stream: %w", err)
		}
		if chunk.Type == model.ChunkText {
			text.WriteString(chunk.Text)
		}
	}
	summary, facts := splitSummary(text.String())
	if summary == "" {
		return "", "", errors.New("summarization returned empty output")
	}
	return summary, facts, nil
}

// splitSummary separates the facts block from the narrative when the model
// followed the prompt format; otherwise everything is the summary.
func splitSummary(text string) (string, string) {
	lower := strings.ToLower(text)
	idx := strings.LastIndex(lower, "key facts:")
	if idx < 0 {
		return strings.TrimSpace(text), ""
	}
	summary := strings.TrimSpace(text[:idx])
	facts := strings.TrimSpace(text[idx+len("key facts:"):])
	summary = strings.TrimSpace(strings.TrimPrefix(summary, "Summary:"))
	return summary, facts
}
