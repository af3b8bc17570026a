package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/agentd/model"
)

// The XML dialect is not strict XML: models emit it inline in prose, nest
// unescaped content in parameter values and occasionally drop closing tags.
// A tolerant regexp scan is deterministic and survives all of that, where an
// XML decoder rejects the common cases.
var (
	functionCallsRE = regexp.MustCompile(`(?s)<function_calls>(.*?)</function_calls>`)
	invokeRE        = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	parameterRE     = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
)

// ContainsXMLCalls reports whether the text holds at least one complete
// function_calls block.
func ContainsXMLCalls(text string) bool {
	return functionCallsRE.MatchString(text)
}

// ParseXMLCalls extracts tool calls from every function_calls block in the
// assistant text. Call ids are derived from the invoke position and the
// assistant message id so re-parsing the same message yields the same ids.
func ParseXMLCalls(text, assistantMessageID string) ([]model.ToolCall, error) {
	var calls []model.ToolCall
	for _, block := range functionCallsRE.FindAllStringSubmatch(text, -1) {
		for _, inv := range invokeRE.FindAllStringSubmatch(block[1], -1) {
			name := strings.TrimSpace(inv[1])
			if name == "" {
				continue
			}
			params := make(Params)
			for _, p := range parameterRE.FindAllStringSubmatch(inv[2], -1) {
				key := strings.TrimSpace(p[1])
				if key == "" {
					continue
				}
				params[key] = CoerceValue(unescapeXML(p[2]))
			}
			args, err := params.Encode()
			if err != nil {
				return nil, fmt.Errorf("encode parameters for tool %q: %w", name, err)
			}
			calls = append(calls, model.ToolCall{
				ID:        fmt.Sprintf("xml_tool_index%d_%s", len(calls), assistantMessageID),
				Name:      name,
				Arguments: args,
			})
		}
	}
	return calls, nil
}

// StripXMLCalls removes function_calls blocks from the assistant text so the
// persisted content holds only the prose.
func StripXMLCalls(text string) string {
	return strings.TrimSpace(functionCallsRE.ReplaceAllString(text, ""))
}

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

func unescapeXML(s string) string {
	return xmlUnescaper.Replace(s)
}

// DecodeArguments parses a call's raw JSON arguments into a map for schema
// validation and handler use.
func DecodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
