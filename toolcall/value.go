// Package toolcall parses, validates and executes the tool invocations a
// model emits during a turn. Calls arrive in two formats: native
// function-call objects from the provider, and an XML block embedded in the
// assistant text. Both funnel into model.ToolCall values executed through a
// Registry.
package toolcall

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type (
	// ValueKind discriminates parsed parameter values.
	ValueKind string

	// Value is one parsed tool parameter. XML parameters carry no type
	// information, so the parser coerces aggressively and tags the result;
	// tool handlers enforce shape through their input schemas.
	Value struct {
		Kind ValueKind
		Str  string
		Num  float64
		Bool bool
		// JSON holds the raw document for KindJSON values.
		JSON json.RawMessage
	}

	// Params is an ordered-irrelevant parameter map.
	Params map[string]Value
)

const (
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindJSON   ValueKind = "json"
)

// CoerceValue applies the dialect coercion rules to a raw parameter string:
// values starting with '{' or '[' are tried as JSON, "true"/"false" become
// booleans, numerics become numbers, everything else stays a string.
func CoerceValue(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			return Value{Kind: KindJSON, JSON: json.RawMessage(trimmed)}
		}
	}
	switch trimmed {
	case "true":
		return Value{Kind: KindBool, Bool: true}
	case "false":
		return Value{Kind: KindBool, Bool: false}
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil && trimmed != "" {
		return Value{Kind: KindNumber, Num: n}
	}
	return Value{Kind: KindString, Str: raw}
}

// Interface returns the value as a plain Go value for schema validation.
func (v Value) Interface() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindJSON:
		var out any
		if err := json.Unmarshal(v.JSON, &out); err != nil {
			return string(v.JSON)
		}
		return out
	default:
		return v.Str
	}
}

// MarshalJSON encodes the value as its underlying JSON representation.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindJSON:
		return v.JSON, nil
	default:
		return json.Marshal(v.Str)
	}
}

// Encode renders the parameters as a JSON object with deterministic key
// order.
func (p Params) Encode() (json.RawMessage, error) {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p[k])
		if err != nil {
			return nil, fmt.Errorf("encode parameter %q: %w", k, err)
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return json.RawMessage(b.String()), nil
}
