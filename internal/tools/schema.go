// Package tools defines the structured functions the model may invoke
// during a design conversation and the dispatcher that executes them.
package tools

import (
	"fmt"
	"sort"

	"ohm/internal/llm"
)

// Tool names the model may call.
const (
	ToolUpdateBOM         = "update_bom"
	ToolUpdateWiring      = "update_wiring"
	ToolSelectBoard       = "select_board"
	ToolRecordRequirement = "record_requirement"
)

// SchemaSet holds validated tool definitions keyed by name.
type SchemaSet struct {
	defs map[string]llm.Tool
}

// NewSchemaSet validates and indexes the given definitions. Every
// parameter schema must be an object schema with a properties map;
// malformed definitions fail here rather than at request time.
func NewSchemaSet(defs []llm.Tool) (*SchemaSet, error) {
	indexed := make(map[string]llm.Tool, len(defs))
	for _, def := range defs {
		if def.Function.Name == "" {
			return nil, fmt.Errorf("tool definition missing a name")
		}
		if _, dup := indexed[def.Function.Name]; dup {
			return nil, fmt.Errorf("duplicate tool definition %q", def.Function.Name)
		}
		if err := validateParameters(def.Function.Parameters); err != nil {
			return nil, fmt.Errorf("tool %q: %w", def.Function.Name, err)
		}
		def.Type = "function"
		indexed[def.Function.Name] = def
	}
	return &SchemaSet{defs: indexed}, nil
}

func validateParameters(params map[string]any) error {
	if params == nil {
		return fmt.Errorf("missing parameters schema")
	}
	if t, _ := params["type"].(string); t != "object" {
		return fmt.Errorf("parameters schema must have type object, got %v", params["type"])
	}
	props, ok := params["properties"].(map[string]any)
	if !ok {
		return fmt.Errorf("parameters schema missing properties map")
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("property %q is not a schema object", name)
		}
		if _, ok := prop["type"].(string); !ok {
			return fmt.Errorf("property %q missing a type", name)
		}
	}
	return nil
}

// Definitions resolves tool names to their wire definitions. Unknown
// names are an error: an agent configuration naming a tool that does
// not exist is a programmer mistake, caught at startup.
func (s *SchemaSet) Definitions(names []string) ([]llm.Tool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		def, ok := s.defs[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		out = append(out, def)
	}
	return out, nil
}

// Names returns all defined tool names, sorted.
func (s *SchemaSet) Names() []string {
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultSchemaSet returns the built-in hardware-design tool set.
func DefaultSchemaSet() (*SchemaSet, error) {
	return NewSchemaSet([]llm.Tool{
		{
			Function: llm.Function{
				Name:        ToolUpdateBOM,
				Description: "Add or replace a component in the project's bill of materials.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"component": map[string]any{
							"type":        "string",
							"description": "Component name, e.g. ESP32-S3 or DHT22",
						},
						"quantity": map[string]any{
							"type":        "integer",
							"description": "How many of this component the build needs",
						},
						"purpose": map[string]any{
							"type":        "string",
							"description": "What the component does in this project",
						},
					},
					"required": []any{"component", "quantity"},
				},
			},
		},
		{
			Function: llm.Function{
				Name:        ToolUpdateWiring,
				Description: "Record one wiring connection between two pins.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"from": map[string]any{
							"type":        "string",
							"description": "Source pin, e.g. ESP32 GPIO4",
						},
						"to": map[string]any{
							"type":        "string",
							"description": "Destination pin, e.g. DHT22 DATA",
						},
						"note": map[string]any{
							"type":        "string",
							"description": "Optional wiring note, e.g. pull-up resistor value",
						},
					},
					"required": []any{"from", "to"},
				},
			},
		},
		{
			Function: llm.Function{
				Name:        ToolSelectBoard,
				Description: "Set the microcontroller board the project is built on.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"board": map[string]any{
							"type":        "string",
							"description": "Board identifier, e.g. esp32-s3-devkitc-1",
						},
						"reason": map[string]any{
							"type":        "string",
							"description": "Why this board fits the requirements",
						},
					},
					"required": []any{"board"},
				},
			},
		},
		{
			Function: llm.Function{
				Name:        ToolRecordRequirement,
				Description: "Capture a user requirement discovered during the conversation.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"requirement": map[string]any{
							"type":        "string",
							"description": "The requirement in one sentence",
						},
					},
					"required": []any{"requirement"},
				},
			},
		},
	})
}
