package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"ohm/internal/agent"
	"ohm/internal/keypool"
	"ohm/internal/llm"
	"ohm/internal/store"
)

// Stage is one phase of the guided design conversation.
type Stage string

const (
	StageChat      Stage = "chat"
	StageBlueprint Stage = "blueprint"
	StageCode      Stage = "code"
	StageVerify    Stage = "verify"
)

// BlueprintReadySignal is the fixed phrase the chat agent emits when
// the design is complete enough to lock into a blueprint.
const BlueprintReadySignal = "[[BLUEPRINT_READY]]"

// FallbackTitle is used when title generation fails.
const FallbackTitle = "New IoT Project"

// ToolDispatcher executes one tool call against the session's design
// state. Satisfied by *tools.Dispatcher.
type ToolDispatcher interface {
	ExecuteToolCall(ctx context.Context, sessionID string, call llm.ToolCall) (any, error)
}

// ChatOptions configure one chat turn.
type ChatOptions struct {
	// ManualAgent bypasses classification entirely.
	ManualAgent string
	// OnAgentSelected fires as soon as routing resolves, before any
	// generation, so the caller can surface it immediately.
	OnAgentSelected func(agentName, intent string)
	// OnStream receives assistant text fragments as they arrive.
	OnStream func(text string)
	// OnToolCall fires after a tool call has been dispatched.
	OnToolCall func(call llm.ToolCall)
	// OnRotation fires when the turn consumed a credential event.
	OnRotation func(event keypool.RotationEvent)
}

// ChatResult is the outcome of one chat turn.
type ChatResult struct {
	Response      string
	AgentName     string
	Intent        string
	LockDetected  bool
	ToolCalls     []llm.ToolCall
	RotationEvent *keypool.RotationEvent
}

// Orchestrator drives the staged conversation, persisting through the
// chat and artifact stores. Stages only move forward; re-running one
// produces a new artifact version, never a state regression. Callers
// gate Blueprint/Code/Verify on the lock signal; the orchestrator
// records completed stages for observability only.
type Orchestrator struct {
	router     *Router
	runner     Runner
	chats      store.ChatStore
	artifacts  store.ArtifactStore
	dispatcher ToolDispatcher
	pool       *keypool.Pool
	logger     *zap.Logger

	mu        sync.Mutex
	completed map[string]map[Stage]bool
	// artifactIDs tracks the session's artifact per type so re-running
	// a stage appends a version instead of creating a new artifact.
	artifactIDs map[string]map[string]string
}

// OrchestratorConfig wires an orchestrator's collaborators.
type OrchestratorConfig struct {
	Router     *Router
	Runner     Runner
	Chats      store.ChatStore
	Artifacts  store.ArtifactStore
	Dispatcher ToolDispatcher
	Pool       *keypool.Pool
	Logger     *zap.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{
		router:      cfg.Router,
		runner:      cfg.Runner,
		chats:       cfg.Chats,
		artifacts:   cfg.Artifacts,
		dispatcher:  cfg.Dispatcher,
		pool:        cfg.Pool,
		logger:      cfg.Logger,
		completed:   make(map[string]map[Stage]bool),
		artifactIDs: make(map[string]map[string]string),
	}
}

// Chat runs one conversation turn: classify, persist the user message,
// stream the agent's reply with tool dispatch, persist the reply, and
// detect the lock signal.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, userMessage string, opts ChatOptions) (*ChatResult, error) {
	history, err := o.chats.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	agentName, intent := o.router.Classify(ctx, userMessage, len(history) == 0, opts.ManualAgent)
	if opts.OnAgentSelected != nil {
		opts.OnAgentSelected(agentName, intent)
	}

	if _, err := o.chats.AddMessage(ctx, store.ChatMessage{
		SessionID: sessionID,
		Role:      llm.RoleUser,
		Content:   userMessage,
	}); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.TextMessage(m.Role, m.Content))
	}
	messages = append(messages, llm.TextMessage(llm.RoleUser, userMessage))

	res, err := o.runner.Run(ctx, agentName, messages, agent.RunOptions{
		Stream:   true,
		OnStream: opts.OnStream,
		OnToolCall: func(call llm.ToolCall) error {
			if o.dispatcher != nil {
				if _, err := o.dispatcher.ExecuteToolCall(ctx, sessionID, call); err != nil {
					return err
				}
			}
			if opts.OnToolCall != nil {
				opts.OnToolCall(call)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.chats.AddMessage(ctx, store.ChatMessage{
		SessionID: sessionID,
		Role:      llm.RoleAssistant,
		Content:   res.Response,
	}); err != nil {
		return nil, fmt.Errorf("persisting assistant message: %w", err)
	}

	result := &ChatResult{
		Response:  res.Response,
		AgentName: agentName,
		Intent:    intent,
		ToolCalls: res.ToolCalls,
	}

	if strings.Contains(res.Response, BlueprintReadySignal) {
		result.LockDetected = true
		ready := true
		if err := o.chats.UpdateSession(ctx, sessionID, store.SessionFields{BlueprintReady: &ready}); err != nil {
			o.logger.Warn("recording lock signal failed", zap.Error(err))
		}
	}

	if event := o.pool.TakeLastEvent(); event != nil {
		result.RotationEvent = event
		if opts.OnRotation != nil {
			opts.OnRotation(*event)
		}
	}

	o.markCompleted(sessionID, StageChat)
	return result, nil
}

// GenerateBlueprint summarizes the conversation into one prompt, runs
// the blueprint agent blocking, and persists the structured result as
// a new artifact version.
func (o *Orchestrator) GenerateBlueprint(ctx context.Context, sessionID, owner string) (*store.ArtifactVersion, error) {
	history, err := o.chats.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	var summary strings.Builder
	for _, m := range history {
		summary.WriteString(m.Role)
		summary.WriteString(": ")
		summary.WriteString(m.Content)
		summary.WriteString("\n")
	}

	res, err := o.runner.Run(ctx, agent.AgentBlueprint,
		[]llm.Message{llm.TextMessage(llm.RoleUser, summary.String())},
		agent.RunOptions{})
	if err != nil {
		return nil, err
	}

	version, err := o.persistArtifact(ctx, sessionID, owner, "blueprint", "Project blueprint", store.ArtifactVersion{
		ContentJSON:   res.Response,
		ChangeSummary: "blueprint generated",
	})
	if err != nil {
		return nil, err
	}

	stage := string(StageBlueprint)
	if err := o.chats.UpdateSession(ctx, sessionID, store.SessionFields{Stage: &stage}); err != nil {
		o.logger.Warn("recording stage failed", zap.Error(err))
	}
	o.markCompleted(sessionID, StageBlueprint)
	return version, nil
}

// GenerateCode runs the code agent streaming against the locked
// blueprint and persists the result as a new artifact version.
func (o *Orchestrator) GenerateCode(ctx context.Context, sessionID, owner, blueprintJSON string, onStream func(text string)) (*store.ArtifactVersion, error) {
	prompt := "Blueprint:\n" + blueprintJSON
	res, err := o.runner.Run(ctx, agent.AgentCode,
		[]llm.Message{llm.TextMessage(llm.RoleUser, prompt)},
		agent.RunOptions{Stream: true, OnStream: onStream})
	if err != nil {
		return nil, err
	}

	version, err := o.persistArtifact(ctx, sessionID, owner, "firmware", "Generated firmware", store.ArtifactVersion{
		Content:       res.Response,
		ChangeSummary: "firmware generated",
	})
	if err != nil {
		return nil, err
	}

	stage := string(StageCode)
	if err := o.chats.UpdateSession(ctx, sessionID, store.SessionFields{Stage: &stage}); err != nil {
		o.logger.Warn("recording stage failed", zap.Error(err))
	}
	o.markCompleted(sessionID, StageCode)
	return version, nil
}

// VerifyCircuit runs the vision agent against a photo of the built
// circuit plus the blueprint, blocking, and returns the verdict text.
func (o *Orchestrator) VerifyCircuit(ctx context.Context, sessionID, imageRef, blueprintJSON string) (string, error) {
	res, err := o.runner.Run(ctx, agent.AgentVerify,
		[]llm.Message{llm.VisionMessage("Blueprint:\n"+blueprintJSON, imageRef)},
		agent.RunOptions{})
	if err != nil {
		return "", err
	}
	o.markCompleted(sessionID, StageVerify)
	return res.Response, nil
}

// GenerateTitle produces a short session title from the first user
// message. Best effort: any failure degrades to FallbackTitle, never
// an error.
func (o *Orchestrator) GenerateTitle(ctx context.Context, sessionID, userMessage string) string {
	title := FallbackTitle
	res, err := o.runner.Run(ctx, agent.AgentTitle,
		[]llm.Message{llm.TextMessage(llm.RoleUser, userMessage)},
		agent.RunOptions{})
	if err != nil {
		o.logger.Warn("title generation failed, using fallback", zap.Error(err))
	} else if cleaned := cleanTitle(res.Response); cleaned != "" {
		title = cleaned
	}

	if err := o.chats.UpdateSession(ctx, sessionID, store.SessionFields{Title: &title}); err != nil {
		o.logger.Warn("persisting title failed", zap.Error(err))
	}
	return title
}

// CompletedStages returns the stages the session has run, sorted.
func (o *Orchestrator) CompletedStages(sessionID string) []Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var stages []Stage
	for stage := range o.completed[sessionID] {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}

func (o *Orchestrator) markCompleted(sessionID string, stage Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.completed[sessionID] == nil {
		o.completed[sessionID] = make(map[Stage]bool)
	}
	o.completed[sessionID][stage] = true
}

func (o *Orchestrator) persistArtifact(ctx context.Context, sessionID, owner, artifactType, title string, version store.ArtifactVersion) (*store.ArtifactVersion, error) {
	o.mu.Lock()
	artifactID := o.artifactIDs[sessionID][artifactType]
	o.mu.Unlock()

	if artifactID == "" {
		id, err := o.artifacts.CreateArtifact(ctx, store.Artifact{
			Owner:     owner,
			SessionID: sessionID,
			Type:      artifactType,
			Title:     title,
		})
		if err != nil {
			return nil, fmt.Errorf("creating artifact: %w", err)
		}
		artifactID = id
		o.mu.Lock()
		if o.artifactIDs[sessionID] == nil {
			o.artifactIDs[sessionID] = make(map[string]string)
		}
		o.artifactIDs[sessionID][artifactType] = artifactID
		o.mu.Unlock()
	}
	version.ArtifactID = artifactID
	created, err := o.artifacts.CreateVersion(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("persisting artifact version: %w", err)
	}
	return &created, nil
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	return strings.TrimSpace(title)
}
