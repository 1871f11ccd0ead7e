package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/anxiangsir/kbretrieval/pkg/errors"
	"github.com/anxiangsir/kbretrieval/pkg/metrics"
	"github.com/anxiangsir/kbretrieval/pkg/resilience"
)

type Role string

const (
	RoleSystem    Role = openai.ChatMessageRoleSystem
	RoleUser      Role = openai.ChatMessageRoleUser
	RoleAssistant Role = openai.ChatMessageRoleAssistant
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completer produces the assistant's next reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	Metrics     *metrics.Metrics
}

// Client calls an OpenAI-compatible chat-completions endpoint. Each call is
// bounded by Timeout per attempt, retried on transient failures and guarded
// by a circuit breaker.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	}
	if cfg.Metrics != nil {
		gauge := cfg.Metrics.CircuitBreakerState
		cbCfg.OnStateChange = func(name string, to resilience.State) {
			gauge.WithLabelValues(name).Set(float64(to))
		}
		gauge.WithLabelValues("chat-completion").Set(float64(resilience.StateClosed))
	}

	return &Client{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retry: resilience.RetryConfig{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     4 * time.Second,
			Retryable:    isTransient,
		},
		breaker: resilience.NewCircuitBreaker("chat-completion", cbCfg),
		metrics: cfg.Metrics,
		logger:  slog.Default().With("component", "chat-client"),
	}
}

func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	var reply string
	start := time.Now()
	err := c.breaker.Execute(func() error {
		return resilience.Retry(ctx, "chat-completion", c.retry, func() error {
			return resilience.WithTimeout(ctx, c.timeout, "chat-completion", func(ctx context.Context) error {
				resp, err := c.client.CreateChatCompletion(ctx, req)
				if err != nil {
					return parseAPIError(err)
				}
				if len(resp.Choices) == 0 {
					return fmt.Errorf("empty completion response: %w", apperrors.ErrUpstream)
				}
				reply = resp.Choices[0].Message.Content
				return nil
			})
		})
	})
	if c.metrics != nil {
		c.metrics.ChatCompletionDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

// parseAPIError keeps the upstream status in the message and wraps
// apperrors.ErrUpstream.
func parseAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &upstreamError{status: apiErr.HTTPStatusCode, err: fmt.Errorf("chat API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, apperrors.ErrUpstream)}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &upstreamError{status: reqErr.HTTPStatusCode, err: fmt.Errorf("chat API error %d: %s: %w",
			reqErr.HTTPStatusCode, string(reqErr.Body), apperrors.ErrUpstream)}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("chat request failed: %v: %w", err, apperrors.ErrUpstream)
}

type upstreamError struct {
	status int
	err    error
}

func (e *upstreamError) Error() string { return e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

// isTransient retries rate limiting, server errors, timeouts and transport
// failures. Other client errors will not succeed on a second attempt.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ue *upstreamError
	if errors.As(err, &ue) {
		return ue.status == http.StatusTooManyRequests || ue.status >= http.StatusInternalServerError || ue.status == 0
	}
	return true
}
