package prep

import (
	"context"
	"strings"

	"github.com/loomworks/agentd/model"
	"github.com/loomworks/agentd/run"
)

// DefaultPromptBuilder renders the per-run system prompt from the agent
// config, falling back to a base prompt. Deployments with templated prompts
// supply their own PromptBuilder.
type DefaultPromptBuilder struct {
	// Base is used when the agent config carries no prompt.
	Base string
}

// Build implements PromptBuilder.
func (b DefaultPromptBuilder) Build(_ context.Context, req run.Request, _ []run.Message, tools []model.ToolDefinition) (string, error) {
	prompt := req.AgentConfig.SystemPrompt
	if prompt == "" {
		prompt = b.Base
	}
	if prompt == "" {
		prompt = "You are a helpful agent. Use the available tools to complete the user's request, then call the complete tool."
	}
	if len(tools) == 0 {
		return prompt, nil
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, t := range tools {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
