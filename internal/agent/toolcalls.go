package agent

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"ohm/internal/llm"
)

// toolCallAccumulator reassembles streamed tool-call fragments. The
// provider keys fragments by positional index: the id and name arrive
// once, argument JSON text arrives in pieces and is concatenated until
// the stream ends.
type toolCallAccumulator struct {
	order   []int
	buffers map[int]*toolCallBuffer
}

type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{buffers: make(map[int]*toolCallBuffer)}
}

// add folds one batch of fragments into the per-index buffers,
// preserving first-seen order.
func (a *toolCallAccumulator) add(deltas []llm.ToolCallDelta) {
	for _, d := range deltas {
		buf, ok := a.buffers[d.Index]
		if !ok {
			buf = &toolCallBuffer{}
			a.buffers[d.Index] = buf
			a.order = append(a.order, d.Index)
		}
		if d.ID != "" {
			buf.id = d.ID
		}
		if d.Function.Name != "" {
			buf.name = d.Function.Name
		}
		buf.args.WriteString(d.Function.Arguments)
	}
}

// finish parses each completed buffer into a tool call, in discovery
// order. A buffer whose argument text is not valid JSON is dropped
// with a logged error; it does not invalidate the other calls.
func (a *toolCallAccumulator) finish(logger *zap.Logger) []llm.ToolCall {
	var calls []llm.ToolCall
	for _, idx := range a.order {
		buf := a.buffers[idx]
		call, err := parseToolCall(buf.id, buf.name, buf.args.String())
		if err != nil {
			logger.Error("dropping unparseable tool call",
				zap.Int("index", idx),
				zap.String("tool", buf.name),
				zap.Error(err))
			continue
		}
		calls = append(calls, call)
	}
	return calls
}

// parseToolCall decodes one tool invocation's argument JSON.
func parseToolCall(id, name, rawArgs string) (llm.ToolCall, error) {
	args := make(map[string]any)
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return llm.ToolCall{}, err
		}
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: args}, nil
}

// parseWireToolCalls converts fully formed invocations from a blocking
// response, dropping individually unparseable ones.
func parseWireToolCalls(wire []llm.WireToolCall, logger *zap.Logger) []llm.ToolCall {
	var calls []llm.ToolCall
	for _, w := range wire {
		call, err := parseToolCall(w.ID, w.Function.Name, w.Function.Arguments)
		if err != nil {
			logger.Error("dropping unparseable tool call",
				zap.String("tool", w.Function.Name),
				zap.Error(err))
			continue
		}
		calls = append(calls, call)
	}
	return calls
}
