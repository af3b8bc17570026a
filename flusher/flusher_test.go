package flusher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/agentd/broker/inmem"
	"github.com/loomworks/agentd/dlq"
	"github.com/loomworks/agentd/history"
	"github.com/loomworks/agentd/run"
	storeinmem "github.com/loomworks/agentd/store/inmem"
	"github.com/loomworks/agentd/wal"
)

type staticRuns []string

func (s staticRuns) Owned() []string { return s }

func newFixture(t *testing.T, b *inmem.Broker, st *storeinmem.Store, mutate func(*Options)) (*Flusher, *wal.Log, *dlq.Queue) {
	t.Helper()
	w, err := wal.New(wal.Options{Broker: b})
	require.NoError(t, err)
	q, err := dlq.New(dlq.Options{Broker: b})
	require.NoError(t, err)
	opts := Options{
		WAL:   w,
		Store: st,
		DLQ:   q,
		Runs:  staticRuns{"run-1"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f, err := New(opts)
	require.NoError(t, err)
	return f, w, q
}

func appendMessage(t *testing.T, w *wal.Log, runID, msgID string) {
	t.Helper()
	_, err := w.Append(context.Background(), runID, wal.WriteMessage, run.Message{
		MessageID: msgID,
		ThreadID:  "thread-1",
		Role:      run.RoleAssistant,
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func appendCredit(t *testing.T, w *wal.Log, runID string, amount float64) {
	t.Helper()
	_, err := w.Append(context.Background(), runID, wal.WriteCredit, CreditWrite{
		AccountID: "acct-1",
		ThreadID:  "thread-1",
		RunID:     runID,
		Amount:    amount,
	})
	require.NoError(t, err)
}

func TestFlushRunDrainsAllWriteTypes(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	f, w, q := newFixture(t, b, st, nil)

	appendMessage(t, w, "run-1", "m1")
	appendMessage(t, w, "run-1", "m2")
	appendCredit(t, w, "run-1", 0.5)
	appendCredit(t, w, "run-1", 0.25)
	appendCredit(t, w, "run-1", 0.25)
	_, err := w.Append(ctx, "run-1", wal.WriteStatus, StatusWrite{Status: run.StatusCompleted})
	require.NoError(t, err)

	res, err := f.FlushRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 6, res.SuccessCount)
	assert.Zero(t, res.FailedCount)
	assert.Zero(t, res.DLQCount)
	assert.Zero(t, w.PendingCount(ctx, "run-1"))
	assert.Zero(t, q.Depth(ctx))

	assert.Len(t, st.Messages("thread-1"), 2)

	deductions := st.Deductions()
	require.Len(t, deductions, 1)
	assert.Equal(t, "acct-1", deductions[0].AccountID)
	assert.Equal(t, "run-1", deductions[0].RunID)
	assert.InDelta(t, 1.0, deductions[0].Amount, 1e-9)
	assert.Equal(t, "agent run run-1 usage (3 turns)", deductions[0].Description)

	r, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)

	assert.Positive(t, f.LastDuration())
}

func TestFlushRunEmptyIsNoop(t *testing.T) {
	b := inmem.New()
	f, _, _ := newFixture(t, b, storeinmem.New(), nil)

	res, err := f.FlushRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, res)
}

func TestFlushRunWarmsHistoryCache(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	cache := history.New(10, 10, time.Minute)
	cache.Replace("thread-1", []run.Message{{MessageID: "m0", ThreadID: "thread-1", Role: run.RoleUser, Content: "hi"}})
	f, w, _ := newFixture(t, b, st, func(o *Options) { o.History = cache })

	appendMessage(t, w, "run-1", "m1")
	_, err := f.FlushRun(ctx, "run-1")
	require.NoError(t, err)

	cached, ok := cache.Get("thread-1")
	require.True(t, ok)
	assert.Len(t, cached, 2)
}

func TestFlushRunRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	f, w, _ := newFixture(t, b, st, func(o *Options) { o.BatchSize = 1 })

	appendMessage(t, w, "run-1", "m1")
	appendMessage(t, w, "run-1", "m2")
	appendMessage(t, w, "run-1", "m3")

	res, err := f.FlushRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 2, w.PendingCount(ctx, "run-1"))

	// The remainder drains on subsequent cycles.
	res, err = f.FlushRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	res, err = f.FlushRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Zero(t, w.PendingCount(ctx, "run-1"))
}

func TestFlushRunDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	// Permanent failure: no transient marker, so the retry loop fails fast.
	st.Fail = func(op string) error {
		if op == "insert_message" {
			return errors.New("unique constraint violated")
		}
		return nil
	}
	f, w, q := newFixture(t, b, st, nil)

	appendMessage(t, w, "run-1", "m1")

	for cycle := 0; cycle < 2; cycle++ {
		res, err := f.FlushRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.FailedCount)
		assert.Zero(t, res.DLQCount)
		assert.Equal(t, 1, w.PendingCount(ctx, "run-1"))
	}

	res, err := f.FlushRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DLQCount)
	assert.Zero(t, res.FailedCount)
	assert.Zero(t, w.PendingCount(ctx, "run-1"))

	entries, err := q.GetEntries(ctx, 0, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, wal.WriteMessage, entries[0].Type)
	assert.Contains(t, entries[0].Error, "unique constraint violated")
}

func TestFlushRunUndecodableMessageGoesStraightToDLQ(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	f, w, q := newFixture(t, b, st, nil)

	_, err := w.Append(ctx, "run-1", wal.WriteMessage, "not a message")
	require.NoError(t, err)

	res, err := f.FlushRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DLQCount)
	assert.Zero(t, w.PendingCount(ctx, "run-1"))
	assert.Equal(t, 1, q.Depth(ctx))
	assert.Empty(t, st.Messages("thread-1"))
}

func TestFlushRunUnknownWriteType(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	f, w, q := newFixture(t, b, st, nil)

	_, err := w.Append(ctx, "run-1", wal.WriteType("bogus"), map[string]any{"x": 1})
	require.NoError(t, err)

	res, err := f.FlushRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DLQCount)
	assert.Zero(t, w.PendingCount(ctx, "run-1"))
	assert.Equal(t, 1, q.Depth(ctx))
}

func TestFlushRunCreditFailureKeepsEntriesPending(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	st.Fail = func(op string) error {
		if op == "deduct_credits" {
			return errors.New("check constraint failed")
		}
		return nil
	}
	f, w, _ := newFixture(t, b, st, nil)

	appendMessage(t, w, "run-1", "m1")
	appendCredit(t, w, "run-1", 0.5)
	appendCredit(t, w, "run-1", 0.5)

	res, err := f.FlushRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 2, res.FailedCount)
	assert.Equal(t, 2, w.PendingCount(ctx, "run-1"))
	assert.Empty(t, st.Deductions())
}

func TestFlushAndCleanupRemovesStream(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	f, w, _ := newFixture(t, b, st, nil)

	appendMessage(t, w, "run-1", "m1")
	require.NoError(t, f.FlushAndCleanup(ctx, "run-1"))

	assert.Zero(t, w.PendingCount(ctx, "run-1"))
	assert.Empty(t, b.Keys("wal:"))
}

func TestFlushAndCleanupKeepsStreamWhilePending(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	st.Fail = func(op string) error {
		if op == "insert_message" {
			return errors.New("permission denied")
		}
		return nil
	}
	f, w, _ := newFixture(t, b, st, nil)

	appendMessage(t, w, "run-1", "m1")
	require.NoError(t, f.FlushAndCleanup(ctx, "run-1"))

	assert.Equal(t, 1, w.PendingCount(ctx, "run-1"))
}

func TestFlushAllDrainsEveryOwnedRun(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	st := storeinmem.New()
	f, w, _ := newFixture(t, b, st, func(o *Options) {
		o.Runs = staticRuns{"run-1", "run-2"}
	})

	appendMessage(t, w, "run-1", "m1")
	appendMessage(t, w, "run-2", "m2")

	f.FlushAll(ctx)
	assert.Zero(t, w.PendingCount(ctx, "run-1"))
	assert.Zero(t, w.PendingCount(ctx, "run-2"))
}
