package compress

import (
	"strings"
	"unicode/utf8"

	"github.com/loomworks/agentd/model"
)

// Counter is a deterministic token count heuristic keyed on the model id.
// It deliberately overestimates slightly: the gate must never let a request
// through that the provider rejects. Per-model character ratios can be
// registered for providers with denser tokenizers.
type Counter struct {
	defaultRatio float64
	ratios       map[string]float64
}

// NewCounter constructs a Counter with the default 3.5 characters per token.
func NewCounter() *Counter {
	return &Counter{defaultRatio: 3.5, ratios: make(map[string]float64)}
}

// SetRatio registers a characters-per-token ratio for a model id prefix.
func (c *Counter) SetRatio(modelPrefix string, charsPerToken float64) {
	if charsPerToken > 0 {
		c.ratios[modelPrefix] = charsPerToken
	}
}

// Count estimates the token count of a text for the given model.
func (c *Counter) Count(modelID, text string) int {
	if text == "" {
		return 0
	}
	ratio := c.defaultRatio
	for prefix, r := range c.ratios {
		if strings.HasPrefix(modelID, prefix) {
			ratio = r
			break
		}
	}
	n := utf8.RuneCountInString(text)
	tokens := int(float64(n)/ratio) + 1
	return tokens
}

// CountMessage estimates one message including its tool call payloads, with
// a small fixed overhead for the message framing.
func (c *Counter) CountMessage(modelID string, m model.Message) int {
	total := 4 + c.Count(modelID, m.Content)
	for _, tc := range m.ToolCalls {
		total += c.Count(modelID, tc.Name) + c.Count(modelID, string(tc.Arguments))
	}
	return total
}
