// Package pipeline routes user turns to agents and drives the staged
// design conversation: chat, blueprint, code, verify.
package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"ohm/internal/agent"
	"ohm/internal/llm"
)

// Runner executes one named agent. Satisfied by *agent.Executor.
type Runner interface {
	Run(ctx context.Context, agentName string, messages []llm.Message, opts agent.RunOptions) (*agent.Result, error)
}

// Intent labels assigned to user turns.
const (
	IntentInit       = "INIT"
	IntentManual     = "MANUAL"
	IntentChat       = "CHAT"
	IntentComponents = "COMPONENTS"
	IntentWiring     = "WIRING"
	IntentFirmware   = "FIRMWARE"
)

// intentAgents maps classifier labels to the chat agent variants.
var intentAgents = map[string]string{
	IntentChat:       agent.AgentChat,
	IntentComponents: agent.AgentChatComponents,
	IntentWiring:     agent.AgentChatWiring,
	IntentFirmware:   agent.AgentChatFirmware,
}

// Router classifies a user message and resolves it to an agent.
type Router struct {
	runner Runner
	logger *zap.Logger
}

// NewRouter creates a router running classification through runner.
func NewRouter(runner Runner, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{runner: runner, logger: logger}
}

// Classify resolves a user message to (agentName, intentLabel). A
// manual override wins outright; the first turn of a conversation gets
// the initializer without a classification call. Classification
// failures and unrecognized labels fall back to the default chat
// agent — they are recovered here, never surfaced to the user.
func (r *Router) Classify(ctx context.Context, message string, isFirstTurn bool, manualOverride string) (string, string) {
	if manualOverride != "" {
		return manualOverride, IntentManual
	}
	if isFirstTurn {
		return agent.AgentInit, IntentInit
	}

	res, err := r.runner.Run(ctx, agent.AgentClassifier,
		[]llm.Message{llm.TextMessage(llm.RoleUser, message)},
		agent.RunOptions{})
	if err != nil {
		r.logger.Warn("intent classification failed, defaulting to chat", zap.Error(err))
		return agent.AgentChat, IntentChat
	}

	label := strings.ToUpper(strings.TrimSpace(res.Response))
	if name, ok := intentAgents[label]; ok {
		return name, label
	}
	r.logger.Warn("unrecognized intent label, defaulting to chat", zap.String("label", label))
	return agent.AgentChat, IntentChat
}
