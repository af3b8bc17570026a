// Package engine drives the agent conversation: the turn loop of compress,
// stream the LLM call, parse and execute tool calls, and append every side
// effect to the WAL. The engine owns a run from claim to release; everything
// durable goes through the WAL and everything user-visible goes through the
// output stream publisher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomworks/agentd/compress"
	"github.com/loomworks/agentd/config"
	"github.com/loomworks/agentd/errmap"
	"github.com/loomworks/agentd/model"
	"github.com/loomworks/agentd/ownership"
	"github.com/loomworks/agentd/prep"
	"github.com/loomworks/agentd/retry"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/stream"
	"github.com/loomworks/agentd/telemetry"
	"github.com/loomworks/agentd/toolcall"
	"github.com/loomworks/agentd/wal"

	"github.com/loomworks/agentd/flusher"
)

type (
	// CostFn prices one turn from its token usage.
	CostFn func(modelName string, usage model.TokenUsage) float64

	// WindowFn returns the context window for a model id.
	WindowFn func(modelName string) int

	// Options configures an Engine.
	Options struct {
		// Model, Compressor, Executor, WAL, Ownership and Config are
		// required.
		Model      model.Client
		Compressor *compress.Compressor
		Executor   *toolcall.Executor
		WAL        *wal.Log
		Ownership  *ownership.Manager
		Config     *config.Config
		// Idempotency guards duplicate turn appends on resume. Optional.
		Idempotency *ownership.Idempotency
		// Publisher receives output events. Optional.
		Publisher stream.Publisher
		// Cost prices turns. Defaults to a flat token price.
		Cost CostFn
		// Window maps model ids to context windows. Defaults to 200k.
		Window WindowFn
		// Logger and Metrics are optional.
		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Engine executes runs.
	Engine struct {
		model       model.Client
		compressor  *compress.Compressor
		executor    *toolcall.Executor
		wal         *wal.Log
		ownership   *ownership.Manager
		idempotency *ownership.Idempotency
		publisher   stream.Publisher
		cfg         *config.Config
		cost        CostFn
		window      WindowFn
		logger      telemetry.Logger
		metrics     *telemetry.WorkerMetrics
	}

	// autoContinueState tracks the loop's progress across turns.
	autoContinueState struct {
		count              int
		active             bool
		accumulatedContent strings.Builder
		threadRunID        string
		toolResultTokens   int
	}

	// turnOutput is what one streamed LLM call produced.
	turnOutput struct {
		text       string
		calls      []model.ToolCall
		usage      model.TokenUsage
		stopReason string
	}
)

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Compressor == nil {
		return nil, errors.New("compressor is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if opts.WAL == nil {
		return nil, errors.New("wal is required")
	}
	if opts.Ownership == nil {
		return nil, errors.New("ownership manager is required")
	}
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	e := &Engine{
		model:       opts.Model,
		compressor:  opts.Compressor,
		executor:    opts.Executor,
		wal:         opts.WAL,
		ownership:   opts.Ownership,
		idempotency: opts.Idempotency,
		publisher:   opts.Publisher,
		cfg:         opts.Config,
		cost:        opts.Cost,
		window:      opts.Window,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if e.cost == nil {
		e.cost = defaultCost
	}
	if e.window == nil {
		e.window = func(string) int { return 200_000 }
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	return e, nil
}

// defaultCost prices tokens at a flat rate. Deployments supply a per-model
// cost function.
func defaultCost(_ string, usage model.TokenUsage) float64 {
	return float64(usage.InputTokens)*3e-6 + float64(usage.OutputTokens)*15e-6
}

// Execute runs the turn loop for a claimed run until a terminal tool call,
// a cap, an error or cancellation. It releases ownership before returning.
// The returned status is the run's final status.
func (e *Engine) Execute(ctx context.Context, req run.Request, pr prep.Result) (run.Status, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.execute",
		attribute.String("run_id", req.RunID),
		attribute.String("model", req.ModelName))
	defer span.End()

	started := time.Now()
	if e.metrics != nil {
		e.metrics.RunsStarted.WithLabelValues(req.ModelName).Inc()
	}

	messages := toModelMessages(pr.Messages)
	tools := append(append([]model.ToolDefinition{}, pr.Tools...), pr.MCPTools...)
	state := autoContinueState{threadRunID: req.RunID, active: true}
	maxContinues := req.AgentConfig.NativeMaxAutoContinues
	if maxContinues <= 0 {
		maxContinues = e.cfg.NativeMaxAutoContinues
	}
	strategy := req.AgentConfig.ToolStrategy
	if strategy == "" {
		strategy = run.ToolStrategySequential
	}

	for step := 1; ; step++ {
		if status, done := e.checkCancellation(ctx, req); done {
			return status, nil
		}
		if step > e.cfg.MaxSteps {
			return e.failRun(ctx, req, "step_cap", errmap.CodeInternalError,
				fmt.Sprintf("run exceeded %d steps", e.cfg.MaxSteps))
		}
		if time.Since(started) > e.cfg.MaxDuration {
			return e.failRun(ctx, req, "duration_cap", errmap.CodeInternalError,
				fmt.Sprintf("run exceeded %s", e.cfg.MaxDuration))
		}

		messages = e.compressGate(ctx, req, pr.SystemPrompt, messages)

		out, err := e.streamTurn(ctx, req, pr.SystemPrompt, messages, tools)
		if err != nil {
			return e.turnError(ctx, req, err)
		}

		turnStart := time.Now()
		assistantMsgID := uuid.NewString()

		// Native calls come from the provider; the XML dialect rides in the
		// assistant text. Both feed the same executor.
		calls := out.calls
		content := out.text
		if toolcall.ContainsXMLCalls(out.text) {
			xmlCalls, perr := toolcall.ParseXMLCalls(out.text, assistantMsgID)
			if perr != nil {
				e.logger.Warn(ctx, "xml tool call parse failed", "run_id", req.RunID, "error", perr)
			} else {
				calls = append(calls, xmlCalls...)
				content = toolcall.StripXMLCalls(out.text)
			}
		}

		results, execErr := e.executor.Execute(ctx, calls, pr.Tier, strategy)
		if execErr != nil {
			// Cancellation mid-execution. Completed results still get
			// appended below before release.
			e.appendTurn(ctx, req, step, assistantMsgID, content, calls, results, out.usage)
			return e.releaseCancelled(ctx, req)
		}

		terminal := false
		for _, r := range results {
			if r.Terminal {
				terminal = true
			}
		}

		e.appendTurn(ctx, req, step, assistantMsgID, content, calls, results, out.usage)
		state.accumulatedContent.WriteString(content)
		state.toolResultTokens += len(results)

		if e.metrics != nil {
			e.metrics.TurnDuration.WithLabelValues(req.ModelName).Observe(time.Since(turnStart).Seconds())
			e.metrics.TokensUsed.WithLabelValues(req.ModelName, "input").Add(float64(out.usage.InputTokens))
			e.metrics.TokensUsed.WithLabelValues(req.ModelName, "output").Add(float64(out.usage.OutputTokens))
		}
		e.publish(ctx, stream.NewEvent(stream.EventContextUsage, req.RunID, stream.ContextUsagePayload{
			CurrentTokens: out.usage.InputTokens + out.usage.OutputTokens,
			MessageCount:  len(messages) + 1 + len(results),
		}))

		// Feed the turn back into the conversation.
		assistant := model.Message{Role: "assistant", Content: content, ToolCalls: calls}
		messages = append(messages, assistant)
		for _, r := range results {
			messages = append(messages, model.Message{Role: "tool", Content: r.Content, ToolCallID: r.CallID})
		}

		if terminal {
			return e.completeRun(ctx, req)
		}
		if len(calls) == 0 {
			if state.count < maxContinues && out.stopReason == "max_tokens" {
				state.count++
				continue
			}
			return e.completeRun(ctx, req)
		}
	}
}

// checkCancellation looks at the local context and the broker status key;
// admin cancellation lands in the latter.
func (e *Engine) checkCancellation(ctx context.Context, req run.Request) (run.Status, bool) {
	if ctx.Err() != nil {
		status, _ := e.releaseCancelled(context.WithoutCancel(ctx), req)
		return status, true
	}
	status, err := e.ownership.Status(ctx, req.RunID)
	if err == nil && status == run.StatusCancelled {
		s, _ := e.releaseCancelled(ctx, req)
		return s, true
	}
	return "", false
}

// compressGate applies the token gate, emitting a summarizing event when a
// compression ran, and re-checks once for late growth.
func (e *Engine) compressGate(ctx context.Context, req run.Request, system string, messages []model.Message) []model.Message {
	creq := compress.Request{
		Messages:      messages,
		SystemPrompt:  system,
		ModelName:     req.ModelName,
		ContextWindow: e.window(req.ModelName),
		ThreadID:      req.ThreadID,
	}
	out := e.compressor.Maybe(ctx, creq)
	if out.Compressed {
		e.publishSummarizing(ctx, req.RunID, out, len(messages))
		// Late re-check: schema insertion or caching may have pushed the
		// compressed request back over.
		if out.TokensAfter >= out.Threshold {
			creq.Messages = out.Messages
			again := e.compressor.Maybe(ctx, creq)
			if again.Compressed {
				e.publishSummarizing(ctx, req.RunID, again, len(out.Messages))
				return again.Messages
			}
		}
		return out.Messages
	}
	return messages
}

func (e *Engine) publishSummarizing(ctx context.Context, runID string, out compress.Outcome, msgsBefore int) {
	e.publish(ctx, stream.NewEvent(stream.EventSummarizing, runID, stream.SummarizingPayload{
		Status:         out.Reason,
		TokensBefore:   out.TokensBefore,
		TokensAfter:    out.TokensAfter,
		MessagesBefore: msgsBefore,
		MessagesAfter:  len(out.Messages),
	}))
}

// streamTurn issues one LLM call with transient retry and context-length
// recovery, accumulating the streamed output.
func (e *Engine) streamTurn(ctx context.Context, req run.Request, system string, messages []model.Message, tools []model.ToolDefinition) (turnOutput, error) {
	e.publish(ctx, stream.NewEvent(stream.EventThinking, req.RunID, stream.ThinkingPayload{Message: "thinking"}))

	mreq := model.Request{
		Model:       req.ModelName,
		System:      system,
		Messages:    messages,
		Tools:       tools,
		Temperature: req.AgentConfig.Temperature,
		MaxTokens:   req.AgentConfig.MaxTokens,
	}

	var (
		out        turnOutput
		lastErr    error
		compressed bool
		rcfg       = retry.DefaultConfig()
	)
	rcfg.MaxAttempts = e.cfg.ErrorRetryCount

	for attempt := 0; attempt < rcfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(retry.Backoff(rcfg, attempt)):
			}
		}
		var err error
		out, err = e.streamOnce(ctx, mreq)
		if err == nil {
			return out, nil
		}
		lastErr = err
		kind := model.Classify(err)
		switch {
		case kind == model.KindContextLength && !compressed:
			// One forced compression, then one more try.
			forced := e.compressor.Force(ctx, compress.Request{
				Messages:      mreq.Messages,
				SystemPrompt:  system,
				ModelName:     req.ModelName,
				ContextWindow: e.window(req.ModelName),
				ThreadID:      req.ThreadID,
			})
			if !forced.Compressed {
				return out, errmap.WithCode(errmap.CodeContextTooLong, err)
			}
			e.publishSummarizing(ctx, req.RunID, forced, len(mreq.Messages))
			mreq.Messages = forced.Messages
			compressed = true
			attempt--
		case kind == model.KindContextLength:
			return out, errmap.WithCode(errmap.CodeContextTooLong, err)
		case kind.Transient():
			e.logger.Warn(ctx, "llm call failed, retrying",
				"run_id", req.RunID, "attempt", attempt+1, "kind", string(kind), "error", err)
			if attempt >= 1 {
				e.publish(ctx, stream.NewEvent(stream.EventDegradation, req.RunID, stream.DegradationPayload{
					Component:  "llm",
					Message:    "the model provider is responding slowly, retrying",
					Severity:   "warning",
					UserImpact: "your run may take longer than usual",
				}))
			}
		default:
			return out, err
		}
	}
	return out, lastErr
}

func (e *Engine) streamOnce(ctx context.Context, mreq model.Request) (turnOutput, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	streamer, err := e.model.Stream(cctx, mreq)
	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.LLMRequests.WithLabelValues(mreq.Model, status).Inc()
	}
	if err != nil {
		return turnOutput{}, err
	}
	defer streamer.Close()

	var (
		out  turnOutput
		text strings.Builder
	)
	for {
		chunk, rerr := streamer.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return turnOutput{}, rerr
		}
		switch chunk.Type {
		case model.ChunkText:
			text.WriteString(chunk.Text)
		case model.ChunkToolCall:
			if chunk.ToolCall != nil {
				out.calls = append(out.calls, *chunk.ToolCall)
			}
		case model.ChunkUsage:
			if chunk.Usage != nil {
				out.usage = *chunk.Usage
			}
		case model.ChunkStop:
			out.stopReason = chunk.StopReason
		}
	}
	out.text = text.String()
	return out, nil
}

// appendTurn writes the turn's side effects to the WAL: the assistant
// message, one tool message per result, and the credit entry. Idempotency
// keyed on the step keeps a resumed run from double-appending.
func (e *Engine) appendTurn(ctx context.Context, req run.Request, step int, assistantMsgID, content string, calls []model.ToolCall, results []toolcall.Result, usage model.TokenUsage) {
	if e.idempotency != nil {
		first, err := e.idempotency.CheckAndMark(ctx, req.RunID, step, "append_turn")
		if err != nil {
			e.logger.Warn(ctx, "idempotency check failed, appending anyway", "run_id", req.RunID, "step", step, "error", err)
		} else if !first {
			e.logger.Info(ctx, "turn already appended, skipping", "run_id", req.RunID, "step", step)
			return
		}
	}

	meta := map[string]any{"step": step}
	if len(calls) > 0 {
		meta["tool_calls"] = calls
	}
	assistant := run.Message{
		MessageID: assistantMsgID,
		ThreadID:  req.ThreadID,
		Role:      run.RoleAssistant,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
		AgentID:   req.AgentConfig.AgentID,
		IsLLM:     true,
	}
	e.appendWAL(ctx, req.RunID, wal.WriteMessage, assistant)

	for _, r := range results {
		toolMsg := run.Message{
			MessageID: uuid.NewString(),
			ThreadID:  req.ThreadID,
			Role:      run.RoleTool,
			Content:   r.Content,
			Metadata: map[string]any{
				"tool_call_id": r.CallID,
				"tool_name":    r.Name,
				"is_error":     r.IsError,
			},
			CreatedAt: time.Now().UTC(),
			AgentID:   req.AgentConfig.AgentID,
		}
		e.appendWAL(ctx, req.RunID, wal.WriteMessage, toolMsg)
	}

	if amount := e.cost(req.ModelName, usage); amount > 0 {
		e.appendWAL(ctx, req.RunID, wal.WriteCredit, flusher.CreditWrite{
			AccountID:   req.AccountID,
			Amount:      amount,
			ThreadID:    req.ThreadID,
			RunID:       req.RunID,
			Description: fmt.Sprintf("step %d", step),
		})
	}
}

func (e *Engine) appendWAL(ctx context.Context, runID string, wt wal.WriteType, payload any) {
	if _, err := e.wal.Append(ctx, runID, wt, payload); err != nil {
		// Append only fails when both the broker and the local buffer are
		// unavailable; the entry is already counted as dropped.
		e.logger.Error(ctx, "wal append failed", "run_id", runID, "write_type", string(wt), "error", err)
	}
}

func (e *Engine) completeRun(ctx context.Context, req run.Request) (run.Status, error) {
	e.appendWAL(ctx, req.RunID, wal.WriteStatus, flusher.StatusWrite{Status: run.StatusCompleted})
	if err := e.ownership.Release(ctx, req.RunID, run.StatusCompleted); err != nil {
		e.logger.Error(ctx, "release failed", "run_id", req.RunID, "error", err)
	}
	e.publish(ctx, stream.NewEvent(stream.EventStatus, req.RunID, stream.StatusPayload{Status: string(run.StatusCompleted)}))
	return run.StatusCompleted, nil
}

func (e *Engine) releaseCancelled(ctx context.Context, req run.Request) (run.Status, error) {
	e.appendWAL(ctx, req.RunID, wal.WriteStatus, flusher.StatusWrite{Status: run.StatusCancelled})
	if err := e.ownership.Release(ctx, req.RunID, run.StatusCancelled); err != nil {
		e.logger.Error(ctx, "release failed", "run_id", req.RunID, "error", err)
	}
	e.publish(ctx, stream.NewEvent(stream.EventStatus, req.RunID, stream.StatusPayload{Status: string(run.StatusCancelled)}))
	return run.StatusCancelled, nil
}

func (e *Engine) failRun(ctx context.Context, req run.Request, reason string, code errmap.Code, message string) (run.Status, error) {
	e.logger.Error(ctx, "run failed", "run_id", req.RunID, "reason", reason, "message", message)
	e.appendWAL(ctx, req.RunID, wal.WriteStatus, flusher.StatusWrite{Status: run.StatusFailed, Error: message})
	if err := e.ownership.Release(ctx, req.RunID, run.StatusFailed); err != nil {
		e.logger.Error(ctx, "release failed", "run_id", req.RunID, "error", err)
	}
	ue := errmap.FromCode(code)
	e.publish(ctx, stream.ErrorEvent(req.RunID, ue))
	e.publish(ctx, stream.NewEvent(stream.EventStatus, req.RunID, stream.StatusPayload{Status: string(run.StatusFailed), Detail: reason}))
	return run.StatusFailed, nil
}

// turnError maps a turn-fatal error to its user error and fails the run.
func (e *Engine) turnError(ctx context.Context, req run.Request, err error) (run.Status, error) {
	if errors.Is(err, context.Canceled) {
		return e.releaseCancelled(context.WithoutCancel(ctx), req)
	}
	ue := errmap.Map(err)
	e.logger.Error(ctx, "turn failed", "run_id", req.RunID, "code", string(ue.Code), "error", err)
	e.appendWAL(ctx, req.RunID, wal.WriteStatus, flusher.StatusWrite{Status: run.StatusFailed, Error: ue.Message})
	if rerr := e.ownership.Release(ctx, req.RunID, run.StatusFailed); rerr != nil {
		e.logger.Error(ctx, "release failed", "run_id", req.RunID, "error", rerr)
	}
	e.publish(ctx, stream.ErrorEvent(req.RunID, ue))
	e.publish(ctx, stream.NewEvent(stream.EventStatus, req.RunID, stream.StatusPayload{Status: string(run.StatusFailed)}))
	return run.StatusFailed, err
}

func (e *Engine) publish(ctx context.Context, ev stream.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ctx, ev)
	}
}

// toModelMessages converts stored thread history to provider messages.
// Status events are skipped; image context collapses into user content.
func toModelMessages(msgs []run.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case run.RoleUser, run.RoleImageContext:
			out = append(out, model.Message{Role: "user", Content: m.Content})
		case run.RoleAssistant:
			mm := model.Message{Role: "assistant", Content: m.Content}
			if raw, ok := m.Metadata["tool_calls"].([]model.ToolCall); ok {
				mm.ToolCalls = raw
			}
			out = append(out, mm)
		case run.RoleTool:
			id, _ := m.Metadata["tool_call_id"].(string)
			out = append(out, model.Message{Role: "tool", Content: m.Content, ToolCallID: id})
		}
	}
	return out
}
