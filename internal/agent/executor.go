package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ohm/internal/keypool"
	"ohm/internal/llm"
)

// ErrAllCredentialsExhausted is the terminal failure after rotation
// has run out of healthy credentials. It never triggers a retry.
var ErrAllCredentialsExhausted = errors.New("all credentials exhausted")

// committedError wraps a failure that arrived after output was already
// forwarded to the caller. Retrying would replay the forwarded text,
// so it always propagates.
type committedError struct {
	err error
}

func (e *committedError) Error() string { return e.err.Error() }
func (e *committedError) Unwrap() error { return e.err }

// RunOptions control one agent execution.
type RunOptions struct {
	// Stream selects the streaming variant; text fragments are
	// forwarded through OnStream as they arrive.
	Stream bool
	// UserContext is appended to the agent's system prompt.
	UserContext string
	// OnStream receives each text fragment. Only used with Stream.
	OnStream func(text string)
	// OnToolCall is invoked for each parsed tool call, sequentially
	// and awaited, in discovery order, before Run returns. A callback
	// error is logged and the remaining calls still run.
	OnToolCall func(call llm.ToolCall) error
}

// Result is the outcome of one agent execution.
type Result struct {
	Response  string
	ToolCalls []llm.ToolCall
}

// Executor runs named agent configurations against a conversation,
// rotating credentials transparently on quota-class failures.
type Executor struct {
	registry *Registry
	factory  *llm.ClientFactory
	pool     *keypool.Pool
	logger   *zap.Logger
}

// NewExecutor creates an executor over the given registry and pool.
func NewExecutor(registry *Registry, factory *llm.ClientFactory, pool *keypool.Pool, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry: registry,
		factory:  factory,
		pool:     pool,
		logger:   logger,
	}
}

// executeWithRetry runs op with a client bound to the current
// credential, rotating and retrying on quota-class failures for at
// most pool.TotalCount() attempts. Any other failure propagates
// immediately.
func (e *Executor) executeWithRetry(op func(client *llm.Client) error) error {
	forceRefresh := false
	attempts := e.pool.TotalCount()

	for attempt := 0; attempt < attempts; attempt++ {
		client, err := e.factory.GetClient(forceRefresh)
		if err != nil {
			return err
		}

		err = op(client)
		if err == nil {
			e.pool.RecordSuccess()
			return nil
		}

		var committed *committedError
		if errors.As(err, &committed) {
			return committed.err
		}
		if !llm.IsQuotaError(err) {
			return err
		}

		e.logger.Warn("credential exhausted, rotating",
			zap.Int("credential", e.pool.CurrentIndex()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		e.pool.MarkCurrentFailed()
		if !e.pool.Rotate() {
			return fmt.Errorf("%w: %v", ErrAllCredentialsExhausted, err)
		}
		forceRefresh = true
	}
	return ErrAllCredentialsExhausted
}

// Run executes the named agent against messages. The agent's system
// prompt is prepended; its tool schema, if any, is attached. Tool
// calls discovered in the response are passed to opts.OnToolCall in
// discovery order before Run returns.
func (e *Executor) Run(ctx context.Context, agentName string, messages []llm.Message, opts RunOptions) (*Result, error) {
	cfg, err := e.registry.Get(agentName)
	if err != nil {
		return nil, err
	}

	req := llm.ChatRequest{
		Model:       cfg.Model,
		Messages:    e.assembleMessages(cfg, messages, opts.UserContext),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	if len(cfg.Tools) > 0 {
		defs, err := e.registry.schemas.Definitions(cfg.Tools)
		if err != nil {
			return nil, err
		}
		req.Tools = defs
	}

	var result Result
	if opts.Stream {
		err = e.executeWithRetry(func(client *llm.Client) error {
			return e.runStreaming(ctx, client, req, opts, &result)
		})
	} else {
		err = e.executeWithRetry(func(client *llm.Client) error {
			return e.runBlocking(ctx, client, req, &result)
		})
	}
	if err != nil {
		return nil, err
	}

	e.dispatchToolCalls(result.ToolCalls, opts.OnToolCall)
	return &result, nil
}

func (e *Executor) assembleMessages(cfg Config, messages []llm.Message, userContext string) []llm.Message {
	prompt := cfg.SystemPrompt
	if userContext != "" {
		prompt += "\n\n" + userContext
	}
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.TextMessage(llm.RoleSystem, prompt))
	return append(out, messages...)
}

func (e *Executor) runBlocking(ctx context.Context, client *llm.Client, req llm.ChatRequest, result *Result) error {
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return err
	}
	result.Response = resp.Choices[0].Message.Content
	result.ToolCalls = parseWireToolCalls(resp.Choices[0].Message.ToolCalls, e.logger)
	return nil
}

func (e *Executor) runStreaming(ctx context.Context, client *llm.Client, req llm.ChatRequest, opts RunOptions, result *Result) error {
	deltas, errs := client.Stream(ctx, req)

	acc := newToolCallAccumulator()
	var text strings.Builder
	forwarded := false

	for d := range deltas {
		if d.Text != "" {
			text.WriteString(d.Text)
			forwarded = true
			if opts.OnStream != nil {
				opts.OnStream(d.Text)
			}
		}
		acc.add(d.ToolCalls)
	}
	if err := <-errs; err != nil {
		// A failure after text reached the caller cannot be retried
		// transparently; mark it so the retry loop propagates it.
		if forwarded {
			return &committedError{err: err}
		}
		return err
	}

	result.Response = text.String()
	result.ToolCalls = acc.finish(e.logger)
	return nil
}

func (e *Executor) dispatchToolCalls(calls []llm.ToolCall, onToolCall func(llm.ToolCall) error) {
	if onToolCall == nil {
		return
	}
	for _, call := range calls {
		if err := onToolCall(call); err != nil {
			e.logger.Error("tool callback failed",
				zap.String("tool", call.Name),
				zap.Error(err))
		}
	}
}
