// Package agent defines the named model configurations that drive the
// design pipeline and the executor that runs them with transparent
// credential failover.
package agent

import (
	"errors"
	"fmt"

	"ohm/internal/tools"
)

// ErrUnknownAgent is returned when a name resolves to no configuration.
// This is a programmer error, never retried.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent names used by the pipeline.
const (
	AgentInit           = "init"
	AgentChat           = "chat"
	AgentChatComponents = "chat-components"
	AgentChatWiring     = "chat-wiring"
	AgentChatFirmware   = "chat-firmware"
	AgentClassifier     = "classifier"
	AgentBlueprint      = "blueprint"
	AgentCode           = "code"
	AgentVerify         = "verify"
	AgentTitle          = "title"
)

// Config is one immutable agent configuration, keyed by Name. Loaded
// once at startup and never mutated.
type Config struct {
	Name         string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Tools        []string
	Vision       bool
}

// Registry resolves agent names to configurations and tool names to
// wire definitions. Construction validates every configured tool name
// so a bad wiring fails at startup, not mid-conversation.
type Registry struct {
	agents  map[string]Config
	schemas *tools.SchemaSet
}

// NewRegistry builds a registry over the given configurations.
func NewRegistry(schemas *tools.SchemaSet, configs []Config) (*Registry, error) {
	agents := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("agent configuration missing a name")
		}
		if cfg.Model == "" {
			return nil, fmt.Errorf("agent %q: missing model", cfg.Name)
		}
		if _, dup := agents[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", cfg.Name)
		}
		if _, err := schemas.Definitions(cfg.Tools); err != nil {
			return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
		}
		agents[cfg.Name] = cfg
	}
	return &Registry{agents: agents, schemas: schemas}, nil
}

// Get returns the configuration for name.
func (r *Registry) Get(name string) (Config, error) {
	cfg, ok := r.agents[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return cfg, nil
}

// Has reports whether name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// DefaultConfigs returns the built-in agent set for the given default
// model. The chat variants share the design tool set; classifier and
// title run cheap, tool-free calls.
func DefaultConfigs(model string) []Config {
	designTools := []string{
		tools.ToolUpdateBOM,
		tools.ToolUpdateWiring,
		tools.ToolSelectBoard,
		tools.ToolRecordRequirement,
	}
	return []Config{
		{
			Name:  AgentInit,
			Model: model,
			SystemPrompt: "You are an IoT hardware design assistant meeting a user for the first time. " +
				"Ask what they want to build, then draw out the constraints that matter: power source, " +
				"connectivity, environment, budget. Record each requirement you learn.",
			Temperature: 0.7,
			MaxTokens:   2048,
			Tools:       designTools,
		},
		{
			Name:  AgentChat,
			Model: model,
			SystemPrompt: "You are an IoT hardware design assistant guiding a project from idea to build. " +
				"Keep the bill of materials, board choice and wiring current as the conversation evolves. " +
				"When the design is complete enough to specify, say so and end your message with [[BLUEPRINT_READY]].",
			Temperature: 0.7,
			MaxTokens:   2048,
			Tools:       designTools,
		},
		{
			Name:  AgentChatComponents,
			Model: model,
			SystemPrompt: "You are an IoT hardware design assistant focused on component selection. " +
				"Compare sensors, actuators and modules against the project's requirements, and update " +
				"the bill of materials as choices firm up.",
			Temperature: 0.6,
			MaxTokens:   2048,
			Tools:       designTools,
		},
		{
			Name:  AgentChatWiring,
			Model: model,
			SystemPrompt: "You are an IoT hardware design assistant focused on wiring and pinouts. " +
				"Resolve pin assignments, voltage levels and pull-ups, and record every connection you settle.",
			Temperature: 0.5,
			MaxTokens:   2048,
			Tools:       designTools,
		},
		{
			Name:  AgentChatFirmware,
			Model: model,
			SystemPrompt: "You are an IoT hardware design assistant focused on firmware concerns: " +
				"libraries, timing, power modes and protocol choices for the selected board.",
			Temperature: 0.5,
			MaxTokens:   2048,
			Tools:       designTools,
		},
		{
			Name:  AgentClassifier,
			Model: model,
			SystemPrompt: "Classify the user's message into exactly one label: CHAT, COMPONENTS, WIRING " +
				"or FIRMWARE. Respond with the label only.",
			Temperature: 0,
			MaxTokens:   8,
		},
		{
			Name:  AgentBlueprint,
			Model: model,
			SystemPrompt: "Produce a complete project blueprint as a single JSON object with keys: board, " +
				"components, wiring, power, firmware_outline. Use only what the conversation established. " +
				"Output JSON only, no commentary.",
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		{
			Name:  AgentCode,
			Model: model,
			SystemPrompt: "Generate complete, compilable firmware for the given blueprint. Target the " +
				"blueprint's board and pin assignments exactly. Output a single source file.",
			Temperature: 0.3,
			MaxTokens:   8192,
		},
		{
			Name:  AgentVerify,
			Model: model,
			SystemPrompt: "You are inspecting a photo of a physical circuit against its blueprint. " +
				"List each connection that matches, each that is wrong or missing, and an overall verdict.",
			Temperature: 0.2,
			MaxTokens:   2048,
			Vision:      true,
		},
		{
			Name:  AgentTitle,
			Model: model,
			SystemPrompt: "Summarize the user's project idea as a title of at most five words. " +
				"Respond with the title only.",
			Temperature: 0.3,
			MaxTokens:   16,
		},
	}
}
