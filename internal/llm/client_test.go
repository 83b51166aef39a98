package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCompleteParsesContentAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("blocking request must not set stream")
		}
		fmt.Fprint(w, `{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "Here is the plan.",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "update_bom", "arguments": "{\"component\":\"ESP32\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"total_tokens": 42}
		}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	resp, err := c.Complete(context.Background(), ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{TextMessage(RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Choices[0].Message.Content != "Here is the plan." {
		t.Errorf("unexpected content: %q", resp.Choices[0].Message.Content)
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "update_bom" {
		t.Fatalf("unexpected tool calls: %+v", calls)
	}
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limit exceeded"}}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), ChatRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsQuotaError(err) {
		t.Errorf("429 should classify as quota error, got %v", err)
	}
}

func TestCompleteEmbeddedBodyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": {"message": "model overloaded"}}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), ChatRequest{Model: "gpt-4o"})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("expected embedded error, got %v", err)
	}
}

func TestCompleteMissingKey(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:0"})
	if _, err := c.Complete(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

// sseBody writes a sequence of SSE data lines followed by [DONE].
func sseBody(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString("data: ")
		b.WriteString(ev)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func collectStream(t *testing.T, deltas <-chan StreamDelta, errs <-chan error) ([]StreamDelta, error) {
	t.Helper()
	var got []StreamDelta
	for d := range deltas {
		got = append(got, d)
	}
	return got, <-errs
}

func TestStreamForwardsTextDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("streaming request must set stream")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
		))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	deltas, errs := c.Stream(context.Background(), ChatRequest{Model: "gpt-4o"})
	got, err := collectStream(t, deltas, errs)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	var text strings.Builder
	for _, d := range got {
		text.WriteString(d.Text)
	}
	if text.String() != "Hello" {
		t.Errorf("expected Hello, got %q", text.String())
	}
}

func TestStreamCarriesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{\"a\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	deltas, errs := c.Stream(context.Background(), ChatRequest{Model: "gpt-4o"})
	got, err := collectStream(t, deltas, errs)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(got))
	}
	first := got[0].ToolCalls[0]
	if first.Index != 0 || first.Function.Name != "f" || first.Function.Arguments != `{"a":` {
		t.Errorf("unexpected first fragment: %+v", first)
	}
	second := got[1].ToolCalls[0]
	if second.Function.Arguments != "1}" {
		t.Errorf("unexpected second fragment: %+v", second)
	}
}

func TestStreamErrorStatusBeforeStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"message":"out of credits"}}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	deltas, errs := c.Stream(context.Background(), ChatRequest{Model: "gpt-4o"})
	_, err := collectStream(t, deltas, errs)
	if err == nil || !IsQuotaError(err) {
		t.Errorf("402 should classify as quota error, got %v", err)
	}
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release // hold the stream open until the client cancels
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})
	deltas, errs := c.Stream(ctx, ChatRequest{Model: "gpt-4o"})

	select {
	case <-deltas:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first delta")
	}
	cancel()

	for range deltas {
	}
	if err := <-errs; err == nil {
		t.Error("cancelled stream should surface an error")
	}
}
