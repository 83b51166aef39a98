package agent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"ohm/internal/llm"
)

func fragment(index int, id, name, args string) llm.ToolCallDelta {
	d := llm.ToolCallDelta{Index: index, ID: id}
	d.Function.Name = name
	d.Function.Arguments = args
	return d
}

func TestAccumulatorReassemblesSplitArguments(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add([]llm.ToolCallDelta{fragment(0, "call_1", "f", `{"a":`)})
	acc.add([]llm.ToolCallDelta{fragment(0, "", "", `1}`)})

	calls := acc.finish(zap.NewNop())
	want := []llm.ToolCall{{ID: "call_1", Name: "f", Arguments: map[string]any{"a": float64(1)}}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("reassembled calls mismatch (-want +got):\n%s", diff)
	}
}

func TestAccumulatorPreservesDiscoveryOrder(t *testing.T) {
	acc := newToolCallAccumulator()
	// Index 1 is discovered before index 0 finishes arriving.
	acc.add([]llm.ToolCallDelta{fragment(1, "call_b", "second", `{}`)})
	acc.add([]llm.ToolCallDelta{fragment(0, "call_a", "first", `{}`)})

	calls := acc.finish(zap.NewNop())
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "second" || calls[1].Name != "first" {
		t.Errorf("order not first-seen: %v, %v", calls[0].Name, calls[1].Name)
	}
}

func TestAccumulatorDropsUnparseableCall(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add([]llm.ToolCallDelta{
		fragment(0, "call_1", "good", `{"x":true}`),
		fragment(1, "call_2", "bad", `{"x":`),
	})

	calls := acc.finish(zap.NewNop())
	if len(calls) != 1 {
		t.Fatalf("expected the parseable call to survive, got %d calls", len(calls))
	}
	if calls[0].Name != "good" {
		t.Errorf("surviving call = %q", calls[0].Name)
	}
}

func TestAccumulatorEmptyArguments(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add([]llm.ToolCallDelta{fragment(0, "call_1", "noargs", "")})

	calls := acc.finish(zap.NewNop())
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if len(calls[0].Arguments) != 0 {
		t.Errorf("expected empty argument map, got %v", calls[0].Arguments)
	}
}

func TestParseWireToolCalls(t *testing.T) {
	good := llm.WireToolCall{ID: "call_1", Type: "function"}
	good.Function.Name = "f"
	good.Function.Arguments = `{"a":1}`
	bad := llm.WireToolCall{ID: "call_2", Type: "function"}
	bad.Function.Name = "g"
	bad.Function.Arguments = `not json`

	calls := parseWireToolCalls([]llm.WireToolCall{good, bad}, zap.NewNop())
	if len(calls) != 1 || calls[0].Name != "f" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}
