// Package stub provides a fast deterministic AI client for local
// development and tests. It emits a fixed-shape question array without
// touching the network.
package stub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quizdom-app/backend/internal/domain"
)

// Client fabricates completions matching the generation JSON contract.
type Client struct {
	// Latency is added to every call to resemble real work.
	Latency time.Duration
}

func New() *Client { return &Client{Latency: 50 * time.Millisecond} }

// GenerateContent returns a three-question multiple-choice array. The
// prompt is ignored beyond being required to be non-empty.
func (c *Client) GenerateContent(_ domain.Context, prompt string) (domain.GenerateOutput, error) {
	if prompt == "" {
		return domain.GenerateOutput{}, fmt.Errorf("empty prompt: %w", domain.ErrInvalidArgument)
	}
	if c.Latency > 0 {
		time.Sleep(c.Latency)
	}
	items := make([]map[string]any, 3)
	for i := range items {
		items[i] = map[string]any{
			"question":      fmt.Sprintf("Stub question %d?", i+1),
			"type":          "multiple-choice",
			"options":       []string{"alpha", "beta", "gamma", "delta"},
			"correctAnswer": "alpha",
			"explanation":   "alpha is always correct in the stub.",
			"points":        1,
			"timeLimit":     30,
		}
	}
	b, _ := json.Marshal(items)
	return domain.GenerateOutput{Text: string(b), ElapsedMS: c.Latency.Milliseconds()}, nil
}
