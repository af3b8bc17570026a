package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/agentd/model"
)

type (
	// Handler executes one tool call and returns the result content. An
	// error becomes an error-enveloped tool result, never a turn failure.
	Handler func(ctx context.Context, args map[string]any) (string, error)

	// Tool is one registered tool: its schema plus handler.
	Tool struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema document for the arguments object.
		// Nil means no validation.
		InputSchema map[string]any
		Handler     Handler

		compiled *jsonschema.Schema
	}

	// Registry holds the tools available to the worker. Thread-safe.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]*Tool
	}
)

// Terminating tool names. A call to one of these ends the run after its
// result is appended.
const (
	ToolAsk      = "ask"
	ToolComplete = "complete"
)

// IsTerminal reports whether the named tool terminates the run.
func IsTerminal(name string) bool {
	return name == ToolAsk || name == ToolComplete
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its input schema. Registering a name twice
// replaces the earlier tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}
	if t.InputSchema != nil {
		compiled, err := compileSchema(t.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
		t.compiled = compiled
	}
	r.mu.Lock()
	r.tools[t.Name] = &t
	r.mu.Unlock()
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions materializes the schema list passed to the model, filtered to
// the enabled set when non-empty, sorted by name.
func (r *Registry) Definitions(enabled []string) []model.ToolDefinition {
	var allow map[string]bool
	if len(enabled) > 0 {
		allow = make(map[string]bool, len(enabled))
		for _, n := range enabled {
			allow[n] = true
		}
	}
	r.mu.RLock()
	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for name, t := range r.tools {
		if allow != nil && !allow[name] {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Validate checks the arguments against the tool's compiled schema.
func (t *Tool) Validate(args map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	// Round-trip through encoding/json so numbers validate as JSON numbers.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return t.compiled.Validate(inst)
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
