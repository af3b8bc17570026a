// Package run defines the records shared across the worker: runs, threads,
// messages, and the account-level tier information consumed during admission.
// These types mirror the authoritative rows in the relational store and the
// broker-side run state; they carry no behavior beyond status classification.
package run

import (
	"time"
)

type (
	// Status is the lifecycle state of a run. A run is created in StatusRunning
	// by the worker that claims it and moves to exactly one terminal status, or
	// to StatusResumable when its owner shuts down gracefully.
	Status string

	// Role identifies the author of a message within a thread.
	Role string

	// ToolStrategy selects how an agent executes the tool calls of a single turn.
	ToolStrategy string

	// Run is the coordination record for one execution of the agent loop.
	// Broker keys hold the live ownership fields; the store holds the durable row.
	Run struct {
		RunID         string    `json:"run_id"`
		ThreadID      string    `json:"thread_id"`
		ProjectID     string    `json:"project_id"`
		AccountID     string    `json:"account_id"`
		ModelName     string    `json:"model_name"`
		StartTime     time.Time `json:"start_time"`
		Status        Status    `json:"status"`
		OwnerWorkerID string    `json:"owner_worker_id,omitempty"`
		LastHeartbeat time.Time `json:"last_heartbeat_ts,omitempty"`
		StepCounter   int       `json:"step_counter"`
		Error         string    `json:"error,omitempty"`
	}

	// Message is one entry of a thread. Messages are append-only; compression
	// records a shorter replacement in Metadata["compressed_content"] instead of
	// editing Content.
	Message struct {
		MessageID string         `json:"message_id"`
		ThreadID  string         `json:"thread_id"`
		Role      Role           `json:"role"`
		Content   string         `json:"content"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		CreatedAt time.Time      `json:"created_at"`
		AgentID   string         `json:"agent_id,omitempty"`
		IsLLM     bool           `json:"is_llm_message"`
	}

	// Thread groups an ordered message sequence owned by one account.
	Thread struct {
		ThreadID      string `json:"thread_id"`
		ProjectID     string `json:"project_id"`
		AccountID     string `json:"account_id"`
		HasImages     bool   `json:"has_images"`
		MemoryEnabled bool   `json:"memory_enabled"`
	}

	// TierInfo is the per-account limit bundle consumed during admission.
	// Subscription state itself is owned elsewhere; the worker only reads this.
	TierInfo struct {
		TierName            string   `json:"tier_name"`
		ConcurrentRunsLimit int      `json:"concurrent_runs_limit"`
		AllowedModels       []string `json:"allowed_models"`
		AllowedTools        []string `json:"allowed_tools,omitempty"`
	}

	// AgentConfig carries the per-run agent behavior knobs from the request.
	AgentConfig struct {
		AgentID                string       `json:"agent_id,omitempty"`
		SystemPrompt           string       `json:"system_prompt,omitempty"`
		ToolStrategy           ToolStrategy `json:"tool_strategy,omitempty"`
		NativeMaxAutoContinues int          `json:"native_max_auto_continues,omitempty"`
		EnabledTools           []string     `json:"enabled_tools,omitempty"`
		Temperature            float32      `json:"temperature,omitempty"`
		MaxTokens              int          `json:"max_tokens,omitempty"`
	}

	// Request is one entry of the worker input stream: a user message turned
	// into a dispatchable run.
	Request struct {
		RunID       string      `json:"run_id"`
		ThreadID    string      `json:"thread_id"`
		ProjectID   string      `json:"project_id"`
		AccountID   string      `json:"account_id"`
		ModelName   string      `json:"model_name"`
		AgentConfig AgentConfig `json:"agent_config"`
	}
)

const (
	StatusRunning   Status = "running"
	StatusResumable Status = "resumable"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleTool         Role = "tool"
	RoleStatus       Role = "status"
	RoleImageContext Role = "image_context"
)

const (
	// ToolStrategySequential executes a turn's tool calls one at a time in the
	// order the model emitted them.
	ToolStrategySequential ToolStrategy = "sequential"
	// ToolStrategyParallel executes a turn's tool calls concurrently.
	ToolStrategyParallel ToolStrategy = "parallel"
)

// Terminal reports whether s is a terminal status. Terminal runs are removed
// from the active set and never reclaimed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusResumable, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AllowsModel reports whether the tier permits the given model. An empty
// AllowedModels list means no restriction.
func (t TierInfo) AllowsModel(model string) bool {
	if len(t.AllowedModels) == 0 {
		return true
	}
	for _, m := range t.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// AllowsTool reports whether the tier permits the given tool. An empty
// AllowedTools list means no restriction.
func (t TierInfo) AllowsTool(name string) bool {
	if len(t.AllowedTools) == 0 {
		return true
	}
	for _, n := range t.AllowedTools {
		if n == name {
			return true
		}
	}
	return false
}
