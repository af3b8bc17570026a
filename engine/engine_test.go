package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/agentd/broker/inmem"
	"github.com/loomworks/agentd/compress"
	"github.com/loomworks/agentd/config"
	"github.com/loomworks/agentd/errmap"
	"github.com/loomworks/agentd/model"
	"github.com/loomworks/agentd/ownership"
	"github.com/loomworks/agentd/prep"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/stream"
	"github.com/loomworks/agentd/toolcall"
	"github.com/loomworks/agentd/wal"
)

type (
	// scriptTurn is one scripted model call: either a Stream error or a chunk
	// sequence.
	scriptTurn struct {
		err    error
		chunks []model.Chunk
	}

	scriptedClient struct {
		mu    sync.Mutex
		turns []scriptTurn
		reqs  []model.Request
	}

	chunkStreamer struct {
		chunks []model.Chunk
		idx    int
	}

	stubSummarizer struct{}

	fixture struct {
		broker *inmem.Broker
		wal    *wal.Log
		owners *ownership.Manager
		pub    *stream.CapturePublisher
		client *scriptedClient
		cfg    *config.Config
		eng    *Engine
	}
)

func (c *scriptedClient) Stream(_ context.Context, req model.Request) (model.Streamer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	i := len(c.reqs) - 1
	if i >= len(c.turns) {
		return nil, errors.New("script exhausted")
	}
	if c.turns[i].err != nil {
		return nil, c.turns[i].err
	}
	return &chunkStreamer{chunks: c.turns[i].chunks}, nil
}

func (c *scriptedClient) requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Request, len(c.reqs))
	copy(out, c.reqs)
	return out
}

func (s *chunkStreamer) Recv() (model.Chunk, error) {
	if s.idx >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	ch := s.chunks[s.idx]
	s.idx++
	return ch, nil
}

func (s *chunkStreamer) Close() error { return nil }

func (stubSummarizer) Summarize(context.Context, []model.Message) (string, string, error) {
	return "the earlier conversation", "nothing notable", nil
}

func textTurn(text, stopReason string, usage model.TokenUsage) scriptTurn {
	return scriptTurn{chunks: []model.Chunk{
		{Type: model.ChunkText, Text: text},
		{Type: model.ChunkUsage, Usage: &usage},
		{Type: model.ChunkStop, StopReason: stopReason},
	}}
}

func toolTurn(name, id string, args string) scriptTurn {
	return scriptTurn{chunks: []model.Chunk{
		{Type: model.ChunkToolCall, ToolCall: &model.ToolCall{
			ID:        id,
			Name:      name,
			Arguments: json.RawMessage(args),
		}},
		{Type: model.ChunkStop, StopReason: "tool_use"},
	}}
}

func newFixture(t *testing.T, turns []scriptTurn, mutate func(*Options)) *fixture {
	t.Helper()
	b := inmem.New()
	w, err := wal.New(wal.Options{Broker: b})
	require.NoError(t, err)
	owners, err := ownership.New(ownership.Options{Broker: b, WorkerID: "worker-1"})
	require.NoError(t, err)

	registry := toolcall.NewRegistry()
	require.NoError(t, registry.Register(toolcall.Tool{
		Name:    toolcall.ToolComplete,
		Handler: func(context.Context, map[string]any) (string, error) { return "done", nil },
	}))
	require.NoError(t, registry.Register(toolcall.Tool{
		Name:    toolcall.ToolAsk,
		Handler: func(context.Context, map[string]any) (string, error) { return "asked", nil },
	}))
	require.NoError(t, registry.Register(toolcall.Tool{
		Name:    "lookup",
		Handler: func(context.Context, map[string]any) (string, error) { return "result", nil },
	}))
	exec, err := toolcall.NewExecutor(toolcall.ExecutorOptions{Registry: registry})
	require.NoError(t, err)

	comp, err := compress.New(compress.Options{Summarizer: stubSummarizer{}})
	require.NoError(t, err)

	cfg := config.Default()
	client := &scriptedClient{turns: turns}
	pub := &stream.CapturePublisher{}
	opts := Options{
		Model:       client,
		Compressor:  comp,
		Executor:    exec,
		WAL:         w,
		Ownership:   owners,
		Config:      &cfg,
		Idempotency: ownership.NewIdempotency(b, time.Hour),
		Publisher:   pub,
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	return &fixture{broker: b, wal: w, owners: owners, pub: pub, client: client, cfg: &cfg, eng: eng}
}

func (f *fixture) claim(t *testing.T, runID string) {
	t.Helper()
	ok, err := f.owners.Claim(context.Background(), runID)
	require.NoError(t, err)
	require.True(t, ok)
}

func request() run.Request {
	return run.Request{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		AccountID: "acct-1",
		ModelName: "claude-sonnet-4-5",
	}
}

func prepResult(msgs ...run.Message) prep.Result {
	if len(msgs) == 0 {
		msgs = []run.Message{userMsg("m1", "hi")}
	}
	return prep.Result{
		CanProceed:   true,
		Tier:         run.TierInfo{TierName: "free"},
		Messages:     msgs,
		SystemPrompt: "you are a helpful assistant",
	}
}

func userMsg(id, content string) run.Message {
	return run.Message{
		MessageID: id,
		ThreadID:  "thread-1",
		Role:      run.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// walTypes counts the run's pending entries per write type.
func walTypes(t *testing.T, w *wal.Log, runID string) map[wal.WriteType]int {
	t.Helper()
	entries, err := w.GetPending(context.Background(), runID)
	require.NoError(t, err)
	counts := make(map[wal.WriteType]int)
	for _, e := range entries {
		counts[e.Type]++
	}
	return counts
}

func TestExecuteTextOnlyCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		textTurn("Hello world", "end_turn", model.TokenUsage{InputTokens: 1000, OutputTokens: 100}),
	}, nil)
	f.claim(t, "run-1")

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, status)

	counts := walTypes(t, f.wal, "run-1")
	assert.Equal(t, 1, counts[wal.WriteMessage])
	assert.Equal(t, 1, counts[wal.WriteCredit])
	assert.Equal(t, 1, counts[wal.WriteStatus])

	got, err := f.owners.Status(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got)
	assert.False(t, f.owners.Owns("run-1"))

	assert.NotEmpty(t, f.pub.ByType(stream.EventThinking))
	assert.NotEmpty(t, f.pub.ByType(stream.EventContextUsage))
	assert.NotEmpty(t, f.pub.ByType(stream.EventStatus))
}

func TestExecuteToolTurnFeedsResultBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		toolTurn("lookup", "call-1", `{"q":"weather"}`),
		toolTurn(toolcall.ToolComplete, "call-2", `{"result":"sunny"}`),
	}, nil)
	f.claim(t, "run-1")

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, status)

	reqs := f.client.requests()
	require.Len(t, reqs, 2)
	// The second call sees the first turn's assistant message and tool result.
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "assistant", second[1].Role)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, "lookup", second[1].ToolCalls[0].Name)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "result", second[2].Content)
	assert.Equal(t, "call-1", second[2].ToolCallID)

	// Two turns, each an assistant message plus a tool message. Zero usage
	// means no credit entries.
	counts := walTypes(t, f.wal, "run-1")
	assert.Equal(t, 4, counts[wal.WriteMessage])
	assert.Zero(t, counts[wal.WriteCredit])
}

func TestExecuteStepCapFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		toolTurn("lookup", "call-1", `{}`),
		toolTurn("lookup", "call-2", `{}`),
	}, func(o *Options) { o.Config.MaxSteps = 2 })
	f.claim(t, "run-1")

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, status)

	got, err := f.owners.Status(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got)

	events := f.pub.ByType(stream.EventStatus)
	require.NotEmpty(t, events)
	last := events[len(events)-1].Payload.(stream.StatusPayload)
	assert.Equal(t, string(run.StatusFailed), last.Status)
	assert.Equal(t, "step_cap", last.Detail)
	assert.NotEmpty(t, f.pub.ByType(stream.EventError))
}

func TestExecuteAutoContinuesOnMaxTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		textTurn("first half", "max_tokens", model.TokenUsage{}),
		textTurn("second half", "end_turn", model.TokenUsage{}),
	}, nil)
	f.claim(t, "run-1")

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, status)

	reqs := f.client.requests()
	require.Len(t, reqs, 2)
	// The continuation sees the truncated assistant text.
	assert.Equal(t, "first half", reqs[1].Messages[len(reqs[1].Messages)-1].Content)
}

func TestExecuteAutoContinueBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		textTurn("a", "max_tokens", model.TokenUsage{}),
		textTurn("b", "max_tokens", model.TokenUsage{}),
	}, nil)
	f.claim(t, "run-1")

	req := request()
	req.AgentConfig.NativeMaxAutoContinues = 1

	status, err := f.eng.Execute(ctx, req, prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, status)
	assert.Len(t, f.client.requests(), 2)
}

func TestExecuteRetriesTransientProviderErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		{err: errors.New("overloaded")},
		{err: errors.New("529 overloaded")},
		textTurn("recovered", "end_turn", model.TokenUsage{}),
	}, nil)
	f.claim(t, "run-1")

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, status)
	assert.Len(t, f.client.requests(), 3)
	// The second consecutive failure surfaces as a degradation notice.
	assert.NotEmpty(t, f.pub.ByType(stream.EventDegradation))
}

func TestExecuteFatalProviderErrorFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		{err: errors.New("invalid request: unknown model")},
	}, nil)
	f.claim(t, "run-1")

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, status)
	assert.Len(t, f.client.requests(), 1)

	counts := walTypes(t, f.wal, "run-1")
	assert.Equal(t, 1, counts[wal.WriteStatus])
	assert.NotEmpty(t, f.pub.ByType(stream.EventError))
}

func TestExecuteContextLengthForcesCompression(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		{err: errors.New("prompt is too long")},
		textTurn("ok", "end_turn", model.TokenUsage{}),
	}, nil)
	f.claim(t, "run-1")

	pr := prepResult(
		userMsg("m1", strings.Repeat("a", 400)),
		userMsg("m2", strings.Repeat("b", 400)),
		userMsg("m3", strings.Repeat("c", 400)),
		userMsg("m4", strings.Repeat("d", 400)),
	)
	status, err := f.eng.Execute(ctx, request(), pr)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, status)

	reqs := f.client.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Messages, 4)
	// The retry carries the summary message plus the kept tail.
	require.Len(t, reqs[1].Messages, 3)
	assert.Contains(t, reqs[1].Messages[0].Content, "[Earlier conversation compressed]")
	assert.NotEmpty(t, f.pub.ByType(stream.EventSummarizing))
}

func TestExecuteContextLengthWithoutRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		{err: errors.New("context length exceeded")},
	}, nil)
	f.claim(t, "run-1")

	// A two-message conversation cannot be compressed.
	status, err := f.eng.Execute(ctx, request(), prepResult(userMsg("m1", "hi")))
	require.Error(t, err)
	assert.Equal(t, run.StatusFailed, status)

	events := f.pub.ByType(stream.EventError)
	require.NotEmpty(t, events)
	payload := events[0].Payload.(stream.ErrorPayload)
	assert.Equal(t, errmap.CodeContextTooLong, payload.ErrorCode)
}

func TestExecuteCancelledViaBrokerStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.claim(t, "run-1")
	require.NoError(t, f.owners.Release(ctx, "run-1", run.StatusCancelled))

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, status)
	assert.Empty(t, f.client.requests())
}

func TestExecuteCancelledContext(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.claim(t, "run-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, status)
	assert.Empty(t, f.client.requests())

	got, gerr := f.owners.Status(context.Background(), "run-1")
	require.NoError(t, gerr)
	assert.Equal(t, run.StatusCancelled, got)
}

func TestExecuteSkipsAlreadyAppendedTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []scriptTurn{
		textTurn("hello again", "end_turn", model.TokenUsage{InputTokens: 10, OutputTokens: 10}),
	}, nil)
	f.claim(t, "run-1")

	// A resumed run already committed step 1.
	idem := ownership.NewIdempotency(f.broker, time.Hour)
	first, err := idem.CheckAndMark(ctx, "run-1", 1, "append_turn")
	require.NoError(t, err)
	require.True(t, first)

	status, err := f.eng.Execute(ctx, request(), prepResult())
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, status)

	counts := walTypes(t, f.wal, "run-1")
	assert.Zero(t, counts[wal.WriteMessage])
	assert.Zero(t, counts[wal.WriteCredit])
	assert.Equal(t, 1, counts[wal.WriteStatus])
}
