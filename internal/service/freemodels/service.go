// Package freemodels resolves the "auto" model label against the
// upstream catalog, keeping only models whose pricing is zero across
// the board. The generation worker resolves once at startup and pins
// the result for the life of the process.
package freemodels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// AutoLabel is the configuration value that requests catalog resolution.
const AutoLabel = "auto"

// Pricing mirrors the catalog's per-model price sheet. Values are
// decimal strings; empty means the dimension does not apply.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Request    string `json:"request"`
	Image      string `json:"image"`
}

// Model is one catalog entry.
type Model struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ContextLength int     `json:"context_length"`
	Pricing       Pricing `json:"pricing"`
}

type catalogResponse struct {
	Data []Model `json:"data"`
}

// Service caches the free slice of the model catalog.
type Service struct {
	apiKey  string
	baseURL string
	client  *http.Client
	refresh time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	models  []Model
	fetched time.Time
}

// NewService builds a catalog service against baseURL (the same API
// root the chat client uses). refresh bounds how long a fetched
// catalog is trusted.
func NewService(apiKey, baseURL string, refresh time.Duration) *Service {
	if refresh <= 0 {
		refresh = time.Hour
	}
	return &Service{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		refresh: refresh,
		logger:  slog.Default().With(slog.String("component", "freemodels")),
	}
}

// List returns the free models, refreshing from the catalog when the
// cache is stale. A fetch failure serves the stale cache if one exists.
func (s *Service) List(ctx context.Context) ([]Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.models != nil && time.Since(s.fetched) < s.refresh {
		return s.models, nil
	}
	models, err := s.fetch(ctx)
	if err != nil {
		if s.models != nil {
			s.logger.Warn("catalog refresh failed, serving stale list",
				slog.Any("error", err), slog.Int("cached", len(s.models)))
			return s.models, nil
		}
		return nil, err
	}
	s.models = models
	s.fetched = time.Now()
	s.logger.Info("model catalog refreshed", slog.Int("free", len(models)))
	return s.models, nil
}

// Resolve maps a configured model label to a concrete model id. Labels
// other than AutoLabel pass through untouched; AutoLabel picks the free
// model with the largest context window.
func (s *Service) Resolve(ctx context.Context, label string) (string, error) {
	if !strings.EqualFold(label, AutoLabel) {
		return label, nil
	}
	models, err := s.List(ctx)
	if err != nil {
		return "", fmt.Errorf("op=freemodels.Resolve: %w", err)
	}
	if len(models) == 0 {
		return "", fmt.Errorf("op=freemodels.Resolve: catalog has no free models")
	}
	best := models[0]
	for _, m := range models[1:] {
		if m.ContextLength > best.ContextLength {
			best = m
		}
	}
	return best.ID, nil
}

func (s *Service) fetch(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("op=freemodels.fetch: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=freemodels.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("op=freemodels.fetch: catalog status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cat catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return nil, fmt.Errorf("op=freemodels.fetch: decode: %w", err)
	}

	free := make([]Model, 0, len(cat.Data))
	for _, m := range cat.Data {
		if isFree(m) {
			free = append(free, m)
		}
	}
	return free, nil
}

// isFree accepts a model only when every pricing dimension is zero.
// Router aliases are rejected: they resolve server-side to whatever is
// available, including paid models.
func isFree(m Model) bool {
	id := strings.ToLower(m.ID)
	if strings.HasSuffix(id, "/auto") || id == AutoLabel {
		return false
	}
	for _, p := range []string{m.Pricing.Prompt, m.Pricing.Completion, m.Pricing.Request, m.Pricing.Image} {
		if !zeroPrice(p) {
			return false
		}
	}
	return true
}

func zeroPrice(p string) bool {
	switch strings.TrimSpace(p) {
	case "", "0", "0.0", "0.00":
		return true
	default:
		return false
	}
}
