// Package prep gates a run with a parallel precheck fan-out: billing
// reservation, concurrency limits, message history, system prompt, tool
// schemas and MCP warm-up all run concurrently and are awaited together.
// A failed billing or limits check blocks the run with its specific error
// code; any other precheck failure collapses to PREP_ERROR.
package prep

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/agentd/errmap"
	"github.com/loomworks/agentd/history"
	"github.com/loomworks/agentd/model"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/store"
	"github.com/loomworks/agentd/stream"
	"github.com/loomworks/agentd/telemetry"
	"github.com/loomworks/agentd/toolcall"
)

type (
	// PromptBuilder assembles the system prompt for a run.
	PromptBuilder interface {
		Build(ctx context.Context, req run.Request, messages []run.Message, tools []model.ToolDefinition) (string, error)
	}

	// MCPLoader warms external tool metadata. Optional; the worker runs
	// without MCP servers configured.
	MCPLoader interface {
		// Warm returns the MCP tool definitions for an agent, from cache
		// when possible.
		Warm(ctx context.Context, agentID string) ([]model.ToolDefinition, error)
	}

	// Result aggregates the precheck outputs.
	Result struct {
		CanProceed   bool
		ErrorCode    errmap.Code
		ErrorMessage string

		Tier         run.TierInfo
		Messages     []run.Message
		SystemPrompt string
		Tools        []model.ToolDefinition
		MCPTools     []model.ToolDefinition
		// ReservedCredits is the billing hold estimate.
		ReservedCredits float64
	}

	// Options configures the pipeline.
	Options struct {
		// Store is required.
		Store store.Store
		// Registry is required.
		Registry *toolcall.Registry
		// Prompt is required.
		Prompt PromptBuilder
		// History is the optional warm message cache.
		History *history.Cache
		// MCP is optional.
		MCP MCPLoader
		// Publisher receives prep_stage events. Optional.
		Publisher stream.Publisher
		// MessageLimit caps fetched history. Defaults to 50.
		MessageLimit int
		// MessageTimeout bounds the history fetch. Defaults to 10s.
		MessageTimeout time.Duration
		// BillingTimeout bounds the billing precheck. Defaults to 3s.
		BillingTimeout time.Duration
		// ReserveAmount is the per-run credit hold. Defaults to 1.
		ReserveAmount float64
		// LocalMode bypasses billing entirely.
		LocalMode bool
		// SkipLimits short-circuits the limits precheck.
		SkipLimits bool
		// Logger is optional.
		Logger telemetry.Logger
	}

	// Pipeline runs the precheck fan-out.
	Pipeline struct {
		store          store.Store
		registry       *toolcall.Registry
		prompt         PromptBuilder
		history        *history.Cache
		mcp            MCPLoader
		publisher      stream.Publisher
		messageLimit   int
		messageTimeout time.Duration
		billingTimeout time.Duration
		reserveAmount  float64
		localMode      bool
		skipLimits     bool
		logger         telemetry.Logger
	}

	billingResult struct {
		canRun    bool
		errorCode errmap.Code
		message   string
		tier      run.TierInfo
		reserved  float64
	}
)

// New constructs a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if opts.Prompt == nil {
		return nil, fmt.Errorf("prompt builder is required")
	}
	p := &Pipeline{
		store:          opts.Store,
		registry:       opts.Registry,
		prompt:         opts.Prompt,
		history:        opts.History,
		mcp:            opts.MCP,
		publisher:      opts.Publisher,
		messageLimit:   opts.MessageLimit,
		messageTimeout: opts.MessageTimeout,
		billingTimeout: opts.BillingTimeout,
		reserveAmount:  opts.ReserveAmount,
		localMode:      opts.LocalMode,
		skipLimits:     opts.SkipLimits,
		logger:         opts.Logger,
	}
	if p.messageLimit <= 0 {
		p.messageLimit = 50
	}
	if p.messageTimeout <= 0 {
		p.messageTimeout = 10 * time.Second
	}
	if p.billingTimeout <= 0 {
		p.billingTimeout = 3 * time.Second
	}
	if p.reserveAmount <= 0 {
		p.reserveAmount = 1
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	return p, nil
}

// Run executes all prechecks concurrently and aggregates them. The returned
// Result always carries whatever succeeded; CanProceed is false iff billing
// or limits failed or any precheck raised.
func (p *Pipeline) Run(ctx context.Context, req run.Request) Result {
	var (
		res     Result
		billing billingResult
		msgs    []run.Message
		tools   []model.ToolDefinition
		mcpDefs []model.ToolDefinition
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.stage(gctx, req.RunID, "billing", "reserving credits")
		var err error
		billing, err = p.checkBilling(gctx, req)
		return err
	})

	var limitsErr *prepError
	g.Go(func() error {
		if p.skipLimits {
			return nil
		}
		p.stage(gctx, req.RunID, "limits", "checking concurrency")
		var err error
		limitsErr, err = p.checkLimits(gctx, req)
		return err
	})

	g.Go(func() error {
		p.stage(gctx, req.RunID, "messages", "loading history")
		var err error
		msgs, err = p.fetchMessages(gctx, req.ThreadID)
		return err
	})

	g.Go(func() error {
		tools = p.registry.Definitions(req.AgentConfig.EnabledTools)
		return nil
	})

	g.Go(func() error {
		if p.mcp == nil {
			return nil
		}
		p.stage(gctx, req.RunID, "mcp", "warming tool metadata")
		var err error
		mcpDefs, err = p.mcp.Warm(gctx, req.AgentConfig.AgentID)
		if err != nil {
			return fmt.Errorf("mcp warm: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		p.logger.Warn(ctx, "preparation failed", "run_id", req.RunID, "error", err)
		res.ErrorCode = errmap.CodePrepError
		res.ErrorMessage = err.Error()
		return res
	}

	if !billing.canRun {
		res.Tier = billing.tier
		res.ErrorCode = billing.errorCode
		res.ErrorMessage = billing.message
		return res
	}
	if limitsErr != nil {
		res.Tier = billing.tier
		res.ErrorCode = limitsErr.code
		res.ErrorMessage = limitsErr.message
		return res
	}

	// Prompt depends on history and tools, so it runs after the fan-out.
	p.stage(ctx, req.RunID, "prompt", "building system prompt")
	allTools := append(append([]model.ToolDefinition{}, tools...), mcpDefs...)
	systemPrompt, err := p.prompt.Build(ctx, req, msgs, allTools)
	if err != nil {
		p.logger.Warn(ctx, "prompt build failed", "run_id", req.RunID, "error", err)
		res.ErrorCode = errmap.CodePrepError
		res.ErrorMessage = err.Error()
		return res
	}

	res.CanProceed = true
	res.Tier = billing.tier
	res.Messages = msgs
	res.SystemPrompt = systemPrompt
	res.Tools = tools
	res.MCPTools = mcpDefs
	res.ReservedCredits = billing.reserved
	return res
}

type prepError struct {
	code    errmap.Code
	message string
}

func (p *Pipeline) checkBilling(ctx context.Context, req run.Request) (billingResult, error) {
	cctx, cancel := context.WithTimeout(ctx, p.billingTimeout)
	defer cancel()

	tier, err := p.store.GetTierInfo(cctx, req.AccountID)
	if err != nil {
		return billingResult{}, fmt.Errorf("tier info: %w", err)
	}
	res := billingResult{tier: tier}
	if !tier.AllowsModel(req.ModelName) {
		res.errorCode = errmap.CodeModelAccessDenied
		res.message = fmt.Sprintf("model %s is not available on the %s tier", req.ModelName, tier.TierName)
		return res, nil
	}
	if p.localMode {
		res.canRun = true
		return res, nil
	}
	ok, err := p.store.ReserveCredits(cctx, req.AccountID, p.reserveAmount)
	if err != nil {
		return billingResult{}, fmt.Errorf("reserve credits: %w", err)
	}
	if !ok {
		res.errorCode = errmap.CodeInsufficientCredits
		res.message = "insufficient credits to start an agent run"
		return res, nil
	}
	res.canRun = true
	res.reserved = p.reserveAmount
	return res, nil
}

func (p *Pipeline) checkLimits(ctx context.Context, req run.Request) (*prepError, error) {
	tier, err := p.store.GetTierInfo(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("tier info: %w", err)
	}
	if tier.ConcurrentRunsLimit <= 0 {
		return nil, nil
	}
	active, err := p.store.CountActiveRuns(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("count active runs: %w", err)
	}
	if active >= tier.ConcurrentRunsLimit {
		return &prepError{
			code: errmap.CodeAgentRunLimitExceeded,
			message: fmt.Sprintf("account has %d active runs, the %s tier allows %d",
				active, tier.TierName, tier.ConcurrentRunsLimit),
		}, nil
	}
	return nil, nil
}

func (p *Pipeline) fetchMessages(ctx context.Context, threadID string) ([]run.Message, error) {
	if p.history != nil {
		if msgs, ok := p.history.Get(threadID); ok {
			return msgs, nil
		}
	}
	cctx, cancel := context.WithTimeout(ctx, p.messageTimeout)
	defer cancel()
	msgs, err := p.store.GetMessages(cctx, threadID, p.messageLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if p.history != nil {
		p.history.Replace(threadID, msgs)
	}
	return msgs, nil
}

func (p *Pipeline) stage(ctx context.Context, runID, stage, detail string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(ctx, stream.NewEvent(stream.EventPrepStage, runID,
		stream.PrepStagePayload{Stage: stage, Detail: detail}))
}
