package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/loomworks/agentd/model"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/telemetry"
)

type (
	// Result is the outcome of one tool call execution.
	Result struct {
		// CallID links the result to the call it answers.
		CallID string `json:"call_id"`
		// Name is the tool name.
		Name string `json:"name"`
		// Content is the result payload handed back to the model.
		Content string `json:"content"`
		// IsError marks error-enveloped results.
		IsError bool `json:"is_error,omitempty"`
		// Terminal marks results of terminating tools.
		Terminal bool `json:"terminal,omitempty"`
	}

	// Executor runs a turn's tool calls against the registry.
	Executor struct {
		registry *Registry
		timeout  time.Duration
		logger   telemetry.Logger
	}

	// ExecutorOptions configures an Executor.
	ExecutorOptions struct {
		// Registry is required.
		Registry *Registry
		// Timeout is the per-call wall clock cap. Defaults to 120s.
		Timeout time.Duration
		// Logger is optional.
		Logger telemetry.Logger
	}

	errorEnvelope struct {
		Error string `json:"error"`
		Code  string `json:"code,omitempty"`
	}
)

// NewExecutor constructs an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Registry == nil {
		return nil, errRegistryRequired
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{registry: opts.Registry, timeout: timeout, logger: logger}, nil
}

var errRegistryRequired = errors.New("registry is required")

// Execute runs the calls per the strategy and returns results in call order.
// Tier-denied tools get an access-denied result without execution. Errors
// are encoded into the result content; Execute itself fails only on context
// cancellation between sequential calls.
func (e *Executor) Execute(ctx context.Context, calls []model.ToolCall, tier run.TierInfo, strategy run.ToolStrategy) ([]Result, error) {
	results := make([]Result, len(calls))
	if strategy == run.ToolStrategyParallel {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call model.ToolCall) {
				defer wg.Done()
				results[i] = e.executeOne(ctx, call, tier)
			}(i, call)
		}
		wg.Wait()
		return results, nil
	}
	for i, call := range calls {
		// Cancellation is honored between calls; completed results are kept.
		if err := ctx.Err(); err != nil {
			return results[:i], err
		}
		results[i] = e.executeOne(ctx, call, tier)
	}
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, call model.ToolCall, tier run.TierInfo) Result {
	res := Result{CallID: call.ID, Name: call.Name, Terminal: IsTerminal(call.Name)}
	if !tier.AllowsTool(call.Name) {
		res.IsError = true
		res.Content = encodeError(errorEnvelope{
			Error: "tool " + call.Name + " is not available on the " + tier.TierName + " tier",
			Code:  "TOOL_ACCESS_DENIED",
		})
		return res
	}
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		res.IsError = true
		res.Content = encodeError(errorEnvelope{Error: "unknown tool " + call.Name, Code: "UNKNOWN_TOOL"})
		return res
	}
	args, err := DecodeArguments(call.Arguments)
	if err != nil {
		res.IsError = true
		res.Content = encodeError(errorEnvelope{Error: err.Error(), Code: "INVALID_ARGUMENTS"})
		return res
	}
	if err := tool.Validate(args); err != nil {
		res.IsError = true
		res.Content = encodeError(errorEnvelope{Error: err.Error(), Code: "INVALID_ARGUMENTS"})
		return res
	}
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	content, err := tool.Handler(cctx, args)
	if err != nil {
		e.logger.Warn(ctx, "tool execution failed", "tool", call.Name, "call_id", call.ID, "error", err)
		res.IsError = true
		res.Content = encodeError(errorEnvelope{Error: err.Error(), Code: "TOOL_EXECUTION_FAILED"})
		return res
	}
	res.Content = content
	return res
}

func encodeError(env errorEnvelope) string {
	data, err := json.Marshal(env)
	if err != nil {
		return `{"error":"tool error"}`
	}
	return string(data)
}
