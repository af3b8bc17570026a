package stream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/agentd/errmap"
)

func TestNewEventStampsTime(t *testing.T) {
	e := NewEvent(EventThinking, "run-1", ThinkingPayload{Message: "working"})
	assert.Equal(t, EventThinking, e.Type)
	assert.Equal(t, "run-1", e.RunID)
	assert.False(t, e.Ts.IsZero())
}

func TestEventWireShape(t *testing.T) {
	e := NewEvent(EventStatus, "run-1", StatusPayload{Status: "completed"})
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "status", m["type"])
	assert.Equal(t, "run-1", m["agent_run_id"])
	payload, ok := m["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", payload["status"])
	// Empty detail is omitted.
	_, present := payload["detail"]
	assert.False(t, present)
}

func TestErrorEvent(t *testing.T) {
	ue := errmap.FromCode(errmap.CodeContextTooLong)
	e := ErrorEvent("run-1", ue)
	assert.Equal(t, EventError, e.Type)

	payload, ok := e.Payload.(ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, errmap.CodeContextTooLong, payload.ErrorCode)
	assert.Equal(t, ue.Message, payload.Error)
	assert.False(t, payload.Recoverable)
	assert.NotEmpty(t, payload.Actions)
}

func TestCapturePublisher(t *testing.T) {
	ctx := context.Background()
	var p CapturePublisher
	p.Publish(ctx, NewEvent(EventAck, "run-1", AckPayload{Message: "accepted"}))
	p.Publish(ctx, NewEvent(EventThinking, "run-1", nil))
	p.Publish(ctx, NewEvent(EventThinking, "run-1", nil))

	assert.Len(t, p.Events(), 3)
	assert.Len(t, p.ByType(EventThinking), 2)
	assert.Empty(t, p.ByType(EventError))
}
