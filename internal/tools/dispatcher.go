package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ohm/internal/llm"
	"ohm/internal/store"
)

// BOMEntry is one line of the bill of materials.
type BOMEntry struct {
	Component string `json:"component"`
	Quantity  int    `json:"quantity"`
	Purpose   string `json:"purpose,omitempty"`
}

// WiringConnection is one recorded pin-to-pin link.
type WiringConnection struct {
	From string `json:"from"`
	To   string `json:"to"`
	Note string `json:"note,omitempty"`
}

// DesignState is the accumulated output of a session's tool calls.
type DesignState struct {
	Board        string             `json:"board,omitempty"`
	BoardReason  string             `json:"board_reason,omitempty"`
	BOM          []BOMEntry         `json:"bom,omitempty"`
	Wiring       []WiringConnection `json:"wiring,omitempty"`
	Requirements []string           `json:"requirements,omitempty"`
}

// Dispatcher executes tool calls by mutating per-session design state
// and persisting each revision as an artifact version.
type Dispatcher struct {
	artifacts store.ArtifactStore
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionDesign
}

type sessionDesign struct {
	artifactID string
	state      DesignState
}

// NewDispatcher creates a dispatcher persisting through the given
// artifact store.
func NewDispatcher(artifacts store.ArtifactStore, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		artifacts: artifacts,
		logger:    logger,
		sessions:  make(map[string]*sessionDesign),
	}
}

// ExecuteToolCall applies one tool call to the session's design state
// and persists the result. The returned value is the updated state.
func (d *Dispatcher) ExecuteToolCall(ctx context.Context, sessionID string, call llm.ToolCall) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	design := d.sessions[sessionID]
	if design == nil {
		design = &sessionDesign{}
		d.sessions[sessionID] = design
	}

	summary, err := d.apply(&design.state, call)
	if err != nil {
		return nil, err
	}

	if err := d.persist(ctx, sessionID, design, summary); err != nil {
		return nil, err
	}

	d.logger.Info("tool call applied",
		zap.String("session", sessionID),
		zap.String("tool", call.Name),
		zap.String("change", summary))
	return design.state, nil
}

// DesignFor returns a copy of the session's current design state.
func (d *Dispatcher) DesignFor(sessionID string) DesignState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if design := d.sessions[sessionID]; design != nil {
		return design.state
	}
	return DesignState{}
}

func (d *Dispatcher) apply(state *DesignState, call llm.ToolCall) (string, error) {
	switch call.Name {
	case ToolUpdateBOM:
		entry := BOMEntry{
			Component: argString(call.Arguments, "component"),
			Quantity:  argInt(call.Arguments, "quantity"),
			Purpose:   argString(call.Arguments, "purpose"),
		}
		if entry.Component == "" {
			return "", fmt.Errorf("update_bom: missing component")
		}
		if entry.Quantity <= 0 {
			entry.Quantity = 1
		}
		replaced := false
		for i := range state.BOM {
			if state.BOM[i].Component == entry.Component {
				state.BOM[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			state.BOM = append(state.BOM, entry)
		}
		return fmt.Sprintf("bom: %s x%d", entry.Component, entry.Quantity), nil

	case ToolUpdateWiring:
		conn := WiringConnection{
			From: argString(call.Arguments, "from"),
			To:   argString(call.Arguments, "to"),
			Note: argString(call.Arguments, "note"),
		}
		if conn.From == "" || conn.To == "" {
			return "", fmt.Errorf("update_wiring: missing endpoint")
		}
		state.Wiring = append(state.Wiring, conn)
		return fmt.Sprintf("wiring: %s -> %s", conn.From, conn.To), nil

	case ToolSelectBoard:
		board := argString(call.Arguments, "board")
		if board == "" {
			return "", fmt.Errorf("select_board: missing board")
		}
		state.Board = board
		state.BoardReason = argString(call.Arguments, "reason")
		return "board: " + board, nil

	case ToolRecordRequirement:
		req := argString(call.Arguments, "requirement")
		if req == "" {
			return "", fmt.Errorf("record_requirement: missing requirement")
		}
		state.Requirements = append(state.Requirements, req)
		return "requirement recorded", nil

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (d *Dispatcher) persist(ctx context.Context, sessionID string, design *sessionDesign, summary string) error {
	if d.artifacts == nil {
		return nil
	}

	if design.artifactID == "" {
		id, err := d.artifacts.CreateArtifact(ctx, store.Artifact{
			Owner:     sessionID,
			SessionID: sessionID,
			Type:      "design",
			Title:     "Design state",
		})
		if err != nil {
			return fmt.Errorf("creating design artifact: %w", err)
		}
		design.artifactID = id
	}

	content, err := json.Marshal(design.state)
	if err != nil {
		return fmt.Errorf("encoding design state: %w", err)
	}
	if _, err := d.artifacts.CreateVersion(ctx, store.ArtifactVersion{
		ArtifactID:    design.artifactID,
		ContentJSON:   string(content),
		ChangeSummary: summary,
	}); err != nil {
		return fmt.Errorf("persisting design state: %w", err)
	}
	return nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64: // JSON numbers decode as float64
		return int(v)
	case int:
		return v
	}
	return 0
}
