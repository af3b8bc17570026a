package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainsXMLCalls(t *testing.T) {
	assert.False(t, ContainsXMLCalls("just prose"))
	assert.False(t, ContainsXMLCalls("<function_calls> unclosed"))
	assert.True(t, ContainsXMLCalls("before <function_calls><invoke name=\"x\"></invoke></function_calls> after"))
}

func TestParseXMLCallsSingle(t *testing.T) {
	text := `Let me look that up.
<function_calls>
<invoke name="web_search">
<parameter name="query">weather in Oslo</parameter>
<parameter name="limit">5</parameter>
</invoke>
</function_calls>`

	calls, err := ParseXMLCalls(text, "msg-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "xml_tool_index0_msg-1", calls[0].ID)
	assert.Equal(t, "web_search", calls[0].Name)

	var args map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Arguments, &args))
	assert.Equal(t, "weather in Oslo", args["query"])
	assert.Equal(t, float64(5), args["limit"])
}

func TestParseXMLCallsMultipleInvokes(t *testing.T) {
	text := `<function_calls>
<invoke name="a"><parameter name="x">1</parameter></invoke>
<invoke name="b"><parameter name="y">2</parameter></invoke>
</function_calls>
<function_calls>
<invoke name="c"></invoke>
</function_calls>`

	calls, err := ParseXMLCalls(text, "m")
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, "xml_tool_index0_m", calls[0].ID)
	assert.Equal(t, "xml_tool_index1_m", calls[1].ID)
	assert.Equal(t, "xml_tool_index2_m", calls[2].ID)
	assert.Equal(t, "c", calls[2].Name)
	assert.JSONEq(t, "{}", string(calls[2].Arguments))
}

func TestParseXMLCallsCoercion(t *testing.T) {
	text := `<function_calls>
<invoke name="t">
<parameter name="flag">true</parameter>
<parameter name="count">42</parameter>
<parameter name="ratio">0.5</parameter>
<parameter name="obj">{"k": [1, 2]}</parameter>
<parameter name="text">not true at all</parameter>
<parameter name="escaped">&lt;b&gt; &amp; &quot;q&quot;</parameter>
</invoke>
</function_calls>`

	calls, err := ParseXMLCalls(text, "m")
	require.NoError(t, err)
	require.Len(t, calls, 1)

	var args map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Arguments, &args))
	assert.Equal(t, true, args["flag"])
	assert.Equal(t, float64(42), args["count"])
	assert.Equal(t, 0.5, args["ratio"])
	assert.Equal(t, map[string]any{"k": []any{float64(1), float64(2)}}, args["obj"])
	assert.Equal(t, "not true at all", args["text"])
	assert.Equal(t, `<b> & "q"`, args["escaped"])
}

func TestParseXMLCallsMalformedJSONStaysString(t *testing.T) {
	text := `<function_calls><invoke name="t"><parameter name="p">{not json</parameter></invoke></function_calls>`
	calls, err := ParseXMLCalls(text, "m")
	require.NoError(t, err)
	var args map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Arguments, &args))
	assert.Equal(t, "{not json", args["p"])
}

func TestStripXMLCalls(t *testing.T) {
	text := "Here you go.\n<function_calls><invoke name=\"t\"></invoke></function_calls>\nDone."
	assert.Equal(t, "Here you go.\n\nDone.", StripXMLCalls(text))
	assert.Equal(t, "no calls here", StripXMLCalls("no calls here"))
}

func TestDecodeArguments(t *testing.T) {
	args, err := DecodeArguments(nil)
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = DecodeArguments(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), args["a"])

	_, err = DecodeArguments(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestCoerceValue(t *testing.T) {
	assert.Equal(t, KindBool, CoerceValue(" true ").Kind)
	assert.Equal(t, KindNumber, CoerceValue("-3.5").Kind)
	assert.Equal(t, KindJSON, CoerceValue(`[1]`).Kind)
	assert.Equal(t, KindString, CoerceValue("hello").Kind)
	assert.Equal(t, KindString, CoerceValue("").Kind)
	// Numeric-looking strings with units stay strings.
	assert.Equal(t, KindString, CoerceValue("5s").Kind)
}

// Parsing the same assistant message twice yields identical calls, ids
// included, for arbitrary tool names and parameter content.
func TestParseXMLCallsDeterministic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	identifier := gen.RegexMatch(`[a-z][a-z0-9_]{0,15}`)
	content := gen.AlphaString()

	properties.Property("parse is deterministic", prop.ForAll(
		func(tool, key, val, msgID string) bool {
			text := fmt.Sprintf(
				"prose <function_calls><invoke name=%q><parameter name=%q>%s</parameter></invoke></function_calls>",
				tool, key, val,
			)
			a, errA := ParseXMLCalls(text, msgID)
			b, errB := ParseXMLCalls(text, msgID)
			if errA != nil || errB != nil {
				return errA != nil && errB != nil
			}
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i].ID != b[i].ID || a[i].Name != b[i].Name || string(a[i].Arguments) != string(b[i].Arguments) {
					return false
				}
			}
			return len(a) == 1 && strings.HasPrefix(a[0].ID, "xml_tool_index0_")
		},
		identifier, identifier, content, identifier,
	))

	properties.TestingRun(t)
}
