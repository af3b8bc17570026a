package prep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/agentd/errmap"
	"github.com/loomworks/agentd/history"
	"github.com/loomworks/agentd/model"
	"github.com/loomworks/agentd/run"
	storeinmem "github.com/loomworks/agentd/store/inmem"
	"github.com/loomworks/agentd/stream"
	"github.com/loomworks/agentd/toolcall"
)

type fakeMCP struct {
	defs []model.ToolDefinition
	err  error
}

func (f fakeMCP) Warm(context.Context, string) ([]model.ToolDefinition, error) {
	return f.defs, f.err
}

func request() run.Request {
	return run.Request{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		AccountID: "acct-1",
		ModelName: "claude-sonnet-4-5",
	}
}

func registryWith(t *testing.T, names ...string) *toolcall.Registry {
	t.Helper()
	r := toolcall.NewRegistry()
	for _, name := range names {
		require.NoError(t, r.Register(toolcall.Tool{
			Name:    name,
			Handler: func(context.Context, map[string]any) (string, error) { return "", nil },
		}))
	}
	return r
}

func newPipeline(t *testing.T, st *storeinmem.Store, mutate func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{
		Store:    st,
		Registry: registryWith(t, "complete", "web_search"),
		Prompt:   DefaultPromptBuilder{Base: "base prompt"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func TestRunSucceeds(t *testing.T) {
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	seedMessages(t, st, 3)
	pub := &stream.CapturePublisher{}
	p := newPipeline(t, st, func(o *Options) { o.Publisher = pub })

	res := p.Run(context.Background(), request())
	require.True(t, res.CanProceed, "error: %s", res.ErrorMessage)
	assert.Len(t, res.Messages, 3)
	assert.Len(t, res.Tools, 2)
	assert.Contains(t, res.SystemPrompt, "base prompt")
	assert.Contains(t, res.SystemPrompt, "web_search")
	assert.Equal(t, float64(1), res.ReservedCredits)
	assert.NotEmpty(t, pub.ByType(stream.EventPrepStage))
}

func TestRunInsufficientCredits(t *testing.T) {
	st := storeinmem.New()
	// No balance seeded: reservation fails.
	p := newPipeline(t, st, nil)

	res := p.Run(context.Background(), request())
	assert.False(t, res.CanProceed)
	assert.Equal(t, errmap.CodeInsufficientCredits, res.ErrorCode)
}

func TestRunLocalModeBypassesBilling(t *testing.T) {
	st := storeinmem.New()
	p := newPipeline(t, st, func(o *Options) { o.LocalMode = true })

	res := p.Run(context.Background(), request())
	assert.True(t, res.CanProceed)
	assert.Zero(t, res.ReservedCredits)
}

func TestRunModelAccessDenied(t *testing.T) {
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	st.SetTier("acct-1", run.TierInfo{
		TierName:      "free",
		AllowedModels: []string{"small-model"},
	})
	p := newPipeline(t, st, nil)

	res := p.Run(context.Background(), request())
	assert.False(t, res.CanProceed)
	assert.Equal(t, errmap.CodeModelAccessDenied, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "free")
}

func TestRunConcurrencyLimitExceeded(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	st.SetTier("acct-1", run.TierInfo{TierName: "free", ConcurrentRunsLimit: 2})
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, st.CreateRun(ctx, run.Run{RunID: id, AccountID: "acct-1", Status: run.StatusRunning}))
	}
	p := newPipeline(t, st, nil)

	res := p.Run(ctx, request())
	assert.False(t, res.CanProceed)
	assert.Equal(t, errmap.CodeAgentRunLimitExceeded, res.ErrorCode)
}

func TestRunSkipLimits(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	st.SetTier("acct-1", run.TierInfo{TierName: "free", ConcurrentRunsLimit: 1})
	require.NoError(t, st.CreateRun(ctx, run.Run{RunID: "r1", AccountID: "acct-1", Status: run.StatusRunning}))
	p := newPipeline(t, st, func(o *Options) { o.SkipLimits = true })

	res := p.Run(ctx, request())
	assert.True(t, res.CanProceed)
}

func TestRunStoreFailureCollapsesToPrepError(t *testing.T) {
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	st.Fail = func(op string) error {
		if op == "get_messages" {
			return errors.New("db down")
		}
		return nil
	}
	p := newPipeline(t, st, nil)

	res := p.Run(context.Background(), request())
	assert.False(t, res.CanProceed)
	assert.Equal(t, errmap.CodePrepError, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "db down")
}

func TestRunMCPFailureCollapsesToPrepError(t *testing.T) {
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	p := newPipeline(t, st, func(o *Options) {
		o.MCP = fakeMCP{err: errors.New("mcp unreachable")}
	})

	res := p.Run(context.Background(), request())
	assert.False(t, res.CanProceed)
	assert.Equal(t, errmap.CodePrepError, res.ErrorCode)
}

func TestRunMergesMCPToolsIntoPrompt(t *testing.T) {
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	p := newPipeline(t, st, func(o *Options) {
		o.MCP = fakeMCP{defs: []model.ToolDefinition{{Name: "jira_create", Description: "create a ticket"}}}
	})

	res := p.Run(context.Background(), request())
	require.True(t, res.CanProceed)
	require.Len(t, res.MCPTools, 1)
	assert.Contains(t, res.SystemPrompt, "jira_create")
}

func TestFetchMessagesUsesWarmCache(t *testing.T) {
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	cache := history.New(10, 10, time.Minute)
	cache.Replace("thread-1", []run.Message{{MessageID: "cached", ThreadID: "thread-1", Role: run.RoleUser, Content: "hi"}})
	st.Fail = func(op string) error {
		if op == "get_messages" {
			return errors.New("must not hit the store")
		}
		return nil
	}
	p := newPipeline(t, st, func(o *Options) { o.History = cache })

	res := p.Run(context.Background(), request())
	require.True(t, res.CanProceed, "error: %s", res.ErrorMessage)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "cached", res.Messages[0].MessageID)
}

func TestFetchMessagesSeedsCacheOnMiss(t *testing.T) {
	st := storeinmem.New()
	st.SetBalance("acct-1", 10)
	seedMessages(t, st, 2)
	cache := history.New(10, 10, time.Minute)
	p := newPipeline(t, st, func(o *Options) { o.History = cache })

	res := p.Run(context.Background(), request())
	require.True(t, res.CanProceed)
	cached, ok := cache.Get("thread-1")
	assert.True(t, ok)
	assert.Len(t, cached, 2)
}

func seedMessages(t *testing.T, st *storeinmem.Store, n int) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		require.NoError(t, st.InsertMessage(context.Background(), run.Message{
			MessageID: string(rune('a' + i)),
			ThreadID:  "thread-1",
			Role:      run.RoleUser,
			Content:   "msg",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
}
