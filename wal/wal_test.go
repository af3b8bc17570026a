package wal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/agentd/broker/inmem"
)

type msgPayload struct {
	Content string `json:"content"`
}

func newLog(t *testing.T, b *inmem.Broker, opts Options) *Log {
	t.Helper()
	opts.Broker = b
	l, err := New(opts)
	require.NoError(t, err)
	return l
}

func TestAppendAndGetPending(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	l := newLog(t, b, Options{})

	id, err := l.Append(ctx, "run-1", WriteMessage, msgPayload{Content: "hello"})
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(id, "local-"))

	entries, err := l.GetPending(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].EntryID)
	assert.Equal(t, WriteMessage, entries[0].Type)

	var p msgPayload
	require.NoError(t, json.Unmarshal(entries[0].Payload, &p))
	assert.Equal(t, "hello", p.Content)
}

func TestAppendFallsBackToLocalBuffer(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	b.Fail = func(op string) error {
		if op == "streamadd" {
			return errors.New("broker down")
		}
		return nil
	}
	l := newLog(t, b, Options{})

	id, err := l.Append(ctx, "run-1", WriteStatus, map[string]string{"status": "completed"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "local-"))
	assert.Equal(t, 1, l.LocalDepth())

	// Broker back up: pending serves local entries too.
	b.Fail = nil
	entries, err := l.GetPending(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].EntryID)
	assert.Equal(t, 1, l.PendingCount(ctx, "run-1"))
}

func TestMarkCompletedRemovesBothStores(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	l := newLog(t, b, Options{})

	brokerID, err := l.Append(ctx, "run-1", WriteMessage, msgPayload{Content: "a"})
	require.NoError(t, err)

	b.Fail = func(op string) error {
		if op == "streamadd" {
			return errors.New("broker down")
		}
		return nil
	}
	localID, err := l.Append(ctx, "run-1", WriteMessage, msgPayload{Content: "b"})
	require.NoError(t, err)
	b.Fail = nil

	require.NoError(t, l.MarkCompleted(ctx, "run-1", []string{brokerID, localID}))
	entries, err := l.GetPending(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, l.LocalDepth())
}

func TestMarkFailedTracksAttempts(t *testing.T) {
	ctx := context.Background()
	l := newLog(t, inmem.New(), Options{})

	id, err := l.Append(ctx, "run-1", WriteCredit, map[string]any{"amount": 0.5})
	require.NoError(t, err)

	l.MarkFailed(ctx, "run-1", id, errors.New("store unavailable"))
	l.MarkFailed(ctx, "run-1", id, errors.New("store unavailable"))
	assert.Equal(t, 2, l.Attempts(id))

	entries, err := l.GetPending(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].AttemptCount)
	assert.Equal(t, "store unavailable", entries[0].LastError)

	// Completion clears the attempt record.
	require.NoError(t, l.MarkCompleted(ctx, "run-1", []string{id}))
	assert.Zero(t, l.Attempts(id))
}

func TestLocalPerRunCapEvictsWholeRun(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	b.Fail = func(op string) error {
		if op == "streamadd" {
			return errors.New("broker down")
		}
		return nil
	}
	l := newLog(t, b, Options{MaxLocalPerRun: 3})

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, "run-1", WriteMessage, msgPayload{Content: "x"})
		require.NoError(t, err)
	}
	// Overflow dropped the first three; only the overflowing entry remains.
	assert.Equal(t, 1, l.LocalDepth())
}

func TestCleanupRun(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	l := newLog(t, b, Options{})

	_, err := l.Append(ctx, "run-1", WriteMessage, msgPayload{Content: "a"})
	require.NoError(t, err)
	require.NoError(t, l.CleanupRun(ctx, "run-1"))
	assert.Zero(t, l.PendingCount(ctx, "run-1"))
}
