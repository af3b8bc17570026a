// Package stream publishes per-run output events to clients over Pulse
// streams. Each run has its own capped stream; delivery is best-effort
// because the run outcome is owned by the WAL, not by the client stream.
package stream

import (
	"time"

	"github.com/loomworks/agentd/errmap"
)

// EventType names the events clients receive on a run's output stream.
type EventType string

const (
	EventAck          EventType = "ack"
	EventEstimate     EventType = "estimate"
	EventPrepStage    EventType = "prep_stage"
	EventThinking     EventType = "thinking"
	EventSummarizing  EventType = "summarizing context"
	EventContextUsage EventType = "context_usage"
	EventDegradation  EventType = "degradation"
	EventError        EventType = "error"
	EventStatus       EventType = "status"
)

type (
	// Event is one output stream entry.
	Event struct {
		Type    EventType `json:"type"`
		RunID   string    `json:"agent_run_id"`
		Ts      time.Time `json:"ts"`
		Payload any       `json:"payload,omitempty"`
	}

	// AckPayload acknowledges run acceptance.
	AckPayload struct {
		Message string `json:"message"`
	}

	// EstimatePayload carries the coarse duration estimate after admission.
	EstimatePayload struct {
		EstimatedSeconds int            `json:"estimated_seconds"`
		Confidence       string         `json:"confidence"`
		Breakdown        map[string]int `json:"breakdown,omitempty"`
		Message          string         `json:"message"`
	}

	// PrepStagePayload reports preparation progress.
	PrepStagePayload struct {
		Stage    string  `json:"stage"`
		Detail   string  `json:"detail,omitempty"`
		Progress float64 `json:"progress,omitempty"`
	}

	// ThinkingPayload signals the start of an LLM turn.
	ThinkingPayload struct {
		Message string `json:"message"`
	}

	// SummarizingPayload reports a compression pass.
	SummarizingPayload struct {
		Status         string `json:"status"`
		TokensBefore   int    `json:"tokens_before,omitempty"`
		TokensAfter    int    `json:"tokens_after,omitempty"`
		MessagesBefore int    `json:"messages_before,omitempty"`
		MessagesAfter  int    `json:"messages_after,omitempty"`
	}

	// ContextUsagePayload reports token accounting after a turn.
	ContextUsagePayload struct {
		CurrentTokens int  `json:"current_tokens"`
		MessageCount  int  `json:"message_count"`
		Compressed    bool `json:"compressed"`
	}

	// DegradationPayload reports reduced service from a component.
	DegradationPayload struct {
		Component  string `json:"component"`
		Message    string `json:"message"`
		Severity   string `json:"severity"`
		UserImpact string `json:"user_impact,omitempty"`
	}

	// ErrorPayload is the terminal error shape shown to users.
	ErrorPayload struct {
		Error       string          `json:"error"`
		ErrorCode   errmap.Code     `json:"error_code"`
		Recoverable bool            `json:"recoverable"`
		Actions     []errmap.Action `json:"actions,omitempty"`
	}

	// StatusPayload reports a run status transition.
	StatusPayload struct {
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
	}
)

// NewEvent stamps an event with the current time.
func NewEvent(typ EventType, runID string, payload any) Event {
	return Event{Type: typ, RunID: runID, Ts: time.Now().UTC(), Payload: payload}
}

// ErrorEvent builds the error event for a mapped user error.
func ErrorEvent(runID string, ue errmap.UserError) Event {
	return NewEvent(EventError, runID, ErrorPayload{
		Error:       ue.Message,
		ErrorCode:   ue.Code,
		Recoverable: ue.Recoverable,
		Actions:     ue.Actions,
	})
}
