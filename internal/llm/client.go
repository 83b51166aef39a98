package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxErrorBody = 10 * 1024 * 1024

// ClientConfig configures a gateway client.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client talks to one OpenAI-compatible chat-completion endpoint using
// a single credential. It performs no retries; failover across
// credentials belongs to the agent executor.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client bound to one credential.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: cfg.Logger,
	}
}

// APIKey returns the credential this client is bound to.
func (c *Client) APIKey() string {
	return c.apiKey
}

// Complete sends a blocking chat-completion request.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	// Apply the client timeout when the context has no deadline of its own.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	if c.apiKey == "" {
		return nil, &APIError{Message: "API key not configured"}
	}

	start := time.Now()
	req.Stream = false
	req.StreamOptions = nil

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, &APIError{Message: chatResp.Error.Message}
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	c.logger.Debug("completion finished",
		zap.String("model", req.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tokens", chatResp.Usage.TotalTokens))
	return &chatResp, nil
}

// Stream sends a streaming chat-completion request and returns a
// channel of decoded increments plus a one-shot error channel. Both
// channels are closed when the stream ends; the error channel carries
// at most one value. Cancelling ctx aborts the stream.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, <-chan error) {
	deltaChan := make(chan StreamDelta, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(deltaChan)
		defer close(errChan)

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
			defer cancel()
		}

		if c.apiKey == "" {
			errChan <- &APIError{Message: "API key not configured"}
			return
		}

		start := time.Now()
		req.Stream = true
		req.StreamOptions = &StreamOptions{IncludeUsage: true}

		jsonData, err := json.Marshal(req)
		if err != nil {
			errChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			errChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errChan <- fmt.Errorf("request failed: %w", err)
			return
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			errChan <- &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		scanDone := make(chan struct{})
		scanErrChan := make(chan error, 1)

		go func() {
			defer close(scanDone)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "" {
					continue
				}
				if data == "[DONE]" {
					return
				}

				var chunk ChatResponse
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					continue
				}
				if chunk.Error != nil {
					scanErrChan <- &APIError{Message: chunk.Error.Message}
					return
				}
				if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
					continue
				}
				delta := StreamDelta{
					Text:      chunk.Choices[0].Delta.Content,
					ToolCalls: chunk.Choices[0].Delta.ToolCalls,
				}
				if delta.Text == "" && len(delta.ToolCalls) == 0 {
					continue
				}
				select {
				case deltaChan <- delta:
				case <-ctx.Done():
					return
				}
			}
			if err := scanner.Err(); err != nil {
				scanErrChan <- err
			}
		}()

		select {
		case <-scanDone:
			select {
			case err := <-scanErrChan:
				c.logger.Warn("stream failed",
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err))
				errChan <- fmt.Errorf("stream error: %w", err)
			default:
				c.logger.Debug("stream finished",
					zap.String("model", req.Model),
					zap.Duration("elapsed", time.Since(start)))
			}
		case <-ctx.Done():
			resp.Body.Close()
			<-scanDone
			c.logger.Debug("stream cancelled", zap.Duration("elapsed", time.Since(start)))
			errChan <- ctx.Err()
		}
	}()

	return deltaChan, errChan
}
