// Package ai implements the upstream model client used by generation
// workers. It speaks the OpenAI-compatible chat completions protocol
// and guards the upstream with a rolling-window circuit breaker, a
// minimum call interval and a hard per-call timeout.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/quizdom-app/backend/internal/adapter/ai/tokencount"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
)

// Client implements domain.AIClient against an OpenAI-compatible
// chat completions endpoint (OpenRouter, OpenAI, or a local gateway).
type Client struct {
	cfg     config.Config
	hc      *http.Client
	breaker *observability.RollingBreaker
	limiter *rate.Limiter
	counter *tokencount.Counter
	logger  *slog.Logger
}

// New constructs a Client. The breaker is shared with callers that
// want to inspect its state (readiness, metrics).
func New(cfg config.Config, breaker *observability.RollingBreaker, logger *slog.Logger) *Client {
	var limiter *rate.Limiter
	if cfg.AIMinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.AIMinInterval), 1)
	}
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.AITimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		limiter: limiter,
		counter: tokencount.NewCounter(),
		logger:  logger.With(slog.String("component", "ai_client")),
	}
}

// Breaker exposes the guard for readiness probes.
func (c *Client) Breaker() *observability.RollingBreaker { return c.breaker }

// GenerateContent sends one prompt upstream and returns the completion
// text. Failures are classified so the queue can decide retry policy:
// breaker-open and timeout map to transient sentinels, empty or
// malformed completions map to domain.ErrSchemaInvalid.
func (c *Client) GenerateContent(ctx domain.Context, prompt string) (domain.GenerateOutput, error) {
	if c.cfg.AIAPIKey == "" {
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: AI_API_KEY missing: %w", domain.ErrInvalidArgument)
	}
	if err := c.breaker.Allow(); err != nil {
		observability.AIRequestsTotal.WithLabelValues("chat", "breaker_open").Inc()
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: %w", domain.ErrAIUnavailable)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: interval wait: %w", err)
		}
	}

	if n, err := c.counter.CountMessageTokens(prompt, c.cfg.AIModel); err == nil {
		observability.AIPromptTokens.Observe(float64(n))
	}

	body := map[string]any{
		"model":       c.cfg.AIModel,
		"temperature": 0.7,
		"max_tokens":  c.cfg.AIMaxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.AITimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.AIBaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AIAPIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	elapsed := time.Since(start)
	observability.AIRequestDuration.WithLabelValues("chat").Observe(elapsed.Seconds())
	if err != nil {
		if isTimeout(err) {
			c.breaker.RecordFailure(true)
			observability.AIRequestsTotal.WithLabelValues("chat", "timeout").Inc()
			c.logger.Warn("ai call timed out",
				slog.Duration("elapsed", elapsed),
				slog.String("model", c.cfg.AIModel))
			return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: %w", domain.ErrUpstreamTimeout)
		}
		c.breaker.RecordFailure(false)
		observability.AIRequestsTotal.WithLabelValues("chat", "error").Inc()
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.breaker.RecordFailure(false)
		observability.AIRequestsTotal.WithLabelValues("chat", "error").Inc()
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.breaker.RecordFailure(false)
		observability.AIRequestsTotal.WithLabelValues("chat", "rate_limited").Inc()
		c.logger.Warn("ai provider rate limited",
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: %w", domain.ErrUpstreamRateLimit)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.breaker.RecordFailure(false)
		observability.AIRequestsTotal.WithLabelValues("chat", "error").Inc()
		c.logger.Error("ai provider non-2xx",
			slog.Int("status", resp.StatusCode),
			slog.String("model", c.cfg.AIModel),
			slog.String("body", snippet(raw, 512)))
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: upstream status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		c.breaker.RecordFailure(false)
		observability.AIRequestsTotal.WithLabelValues("chat", "error").Inc()
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: decode response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		// Upstream answered but gave us nothing usable; not worth a retry.
		c.breaker.RecordSuccess()
		observability.AIRequestsTotal.WithLabelValues("chat", "empty").Inc()
		return domain.GenerateOutput{}, fmt.Errorf("op=ai.GenerateContent: empty completion: %w", domain.ErrSchemaInvalid)
	}

	c.breaker.RecordSuccess()
	observability.AIRequestsTotal.WithLabelValues("chat", "success").Inc()
	return domain.GenerateOutput{
		Text:      out.Choices[0].Message.Content,
		ElapsedMS: elapsed.Milliseconds(),
	}, nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
