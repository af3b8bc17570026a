// Package compress keeps LLM requests under the model's safety threshold by
// summarizing a prefix of the conversation. Token counting is a deterministic
// heuristic; the summary itself comes from an LLM call through a Summarizer.
// Compression never fails a turn: on any error the original messages are
// returned unchanged and the engine decides what to do with an oversized
// request.
package compress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/agentd/model"
	"github.com/loomworks/agentd/telemetry"
)

type (
	// Request carries everything the compressor needs for one gate check.
	Request struct {
		Messages     []model.Message
		SystemPrompt string
		ModelName    string
		// ContextWindow is the model's context window in tokens.
		ContextWindow int
		ThreadID      string
	}

	// Outcome reports what the gate decided.
	Outcome struct {
		// Messages is the (possibly replaced) conversation.
		Messages []model.Message
		// Compressed is true when a summarization ran.
		Compressed bool
		// Reason explains a skip: "too_few_messages", "under_threshold",
		// "failed" or "compressed".
		Reason string
		// TokensBefore and TokensAfter are counted over system prompt plus
		// messages.
		TokensBefore int
		TokensAfter  int
		// Threshold is the computed safety threshold.
		Threshold int
	}

	// Summarizer produces the compact replacement for a conversation prefix.
	Summarizer interface {
		// Summarize returns a summary narrative and a facts block for the
		// given messages.
		Summarize(ctx context.Context, msgs []model.Message) (summary, facts string, err error)
	}

	// Options configures a Compressor.
	Options struct {
		// Summarizer is required.
		Summarizer Summarizer
		// Counter defaults to the heuristic tokenizer.
		Counter *Counter
		// TailKeep is how many recent messages survive verbatim. Defaults
		// to 10.
		TailKeep int
		// Timeout bounds one summarization call. Defaults to 60s.
		Timeout time.Duration
		// Logger and Metrics are optional.
		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Compressor is the token-count gate invoked before each LLM call.
	Compressor struct {
		summarizer Summarizer
		counter    *Counter
		tailKeep   int
		timeout    time.Duration
		logger     telemetry.Logger
		metrics    *telemetry.WorkerMetrics
	}
)

// New constructs a Compressor.
func New(opts Options) (*Compressor, error) {
	if opts.Summarizer == nil {
		return nil, fmt.Errorf("summarizer is required")
	}
	counter := opts.Counter
	if counter == nil {
		counter = NewCounter()
	}
	tailKeep := opts.TailKeep
	if tailKeep <= 0 {
		tailKeep = 10
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Compressor{
		summarizer: opts.Summarizer,
		counter:    counter,
		tailKeep:   tailKeep,
		timeout:    timeout,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// SafetyThreshold computes the token count at which compression triggers.
// Large windows reserve a fixed headroom; small windows use 84% of the
// window.
func SafetyThreshold(window int) int {
	switch {
	case window >= 1_000_000:
		return window - 300_000
	case window >= 400_000:
		return window - 64_000
	case window >= 200_000:
		return window - 32_000
	case window >= 100_000:
		return window - 16_000
	default:
		return int(0.84 * float64(window))
	}
}

// Maybe applies the compression policy: skip for short conversations or when
// the count is below threshold, otherwise summarize a prefix. Counts at or
// above the threshold trigger; below it skip.
func (c *Compressor) Maybe(ctx context.Context, req Request) Outcome {
	threshold := SafetyThreshold(req.ContextWindow)
	out := Outcome{Messages: req.Messages, Threshold: threshold}
	if len(req.Messages) <= 2 {
		out.Reason = "too_few_messages"
		return out
	}
	before := c.count(req)
	out.TokensBefore = before
	out.TokensAfter = before
	if before < threshold {
		out.Reason = "under_threshold"
		return out
	}
	compressed, err := c.summarizePrefix(ctx, req)
	if err != nil {
		c.logger.Warn(ctx, "compression failed, keeping original messages",
			"thread_id", req.ThreadID, "model", req.ModelName, "tokens", before, "error", err)
		out.Reason = "failed"
		return out
	}
	out.Messages = compressed
	out.Compressed = true
	out.Reason = "compressed"
	out.TokensAfter = c.count(Request{
		Messages:      compressed,
		SystemPrompt:  req.SystemPrompt,
		ModelName:     req.ModelName,
		ContextWindow: req.ContextWindow,
	})
	if c.metrics != nil {
		c.metrics.CompressionRuns.WithLabelValues("compressed").Inc()
	}
	c.logger.Info(ctx, "context compressed",
		"thread_id", req.ThreadID, "tokens_before", before, "tokens_after", out.TokensAfter,
		"messages_before", len(req.Messages), "messages_after", len(compressed))
	return out
}

// Force summarizes unconditionally. Used when the provider rejected the
// request for length even though the gate let it through.
func (c *Compressor) Force(ctx context.Context, req Request) Outcome {
	threshold := SafetyThreshold(req.ContextWindow)
	out := Outcome{Messages: req.Messages, Threshold: threshold}
	before := c.count(req)
	out.TokensBefore = before
	out.TokensAfter = before
	if len(req.Messages) <= 2 {
		out.Reason = "too_few_messages"
		return out
	}
	compressed, err := c.summarizePrefix(ctx, req)
	if err != nil {
		c.logger.Warn(ctx, "forced compression failed", "thread_id", req.ThreadID, "error", err)
		out.Reason = "failed"
		return out
	}
	out.Messages = compressed
	out.Compressed = true
	out.Reason = "compressed"
	out.TokensAfter = c.count(Request{
		Messages:      compressed,
		SystemPrompt:  req.SystemPrompt,
		ModelName:     req.ModelName,
		ContextWindow: req.ContextWindow,
	})
	if c.metrics != nil {
		c.metrics.CompressionRuns.WithLabelValues("compressed").Inc()
	}
	return out
}

// Count returns the token count of the request's system prompt plus messages.
func (c *Compressor) Count(req Request) int {
	return c.count(req)
}

func (c *Compressor) count(req Request) int {
	total := c.counter.Count(req.ModelName, req.SystemPrompt)
	for _, m := range req.Messages {
		total += c.counter.CountMessage(req.ModelName, m)
	}
	return total
}

func (c *Compressor) summarizePrefix(ctx context.Context, req Request) ([]model.Message, error) {
	tail := c.tailKeep
	if tail >= len(req.Messages) {
		tail = len(req.Messages) / 2
	}
	split := len(req.Messages) - tail
	if split < 1 {
		split = 1
	}
	prefix := req.Messages[:split]
	suffix := req.Messages[split:]

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	summary, facts, err := c.summarizer.Summarize(cctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("summarize %d messages: %w", len(prefix), err)
	}

	var b strings.Builder
	b.WriteString("[Earlier conversation compressed]\n\n")
	b.WriteString("Summary:\n")
	b.WriteString(summary)
	if facts != "" {
		b.WriteString("\n\nKey facts:\n")
		b.WriteString(facts)
	}
	replacement := model.Message{Role: "user", Content: b.String()}

	out := make([]model.Message, 0, 1+len(suffix))
	out = append(out, replacement)
	out = append(out, suffix...)
	return out, nil
}
