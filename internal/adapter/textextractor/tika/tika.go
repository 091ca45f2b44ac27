// Package tika extracts plain text from uploaded documents through an
// Apache Tika server. Plain-text uploads never leave the process; pdf
// and word documents go over the wire with Accept: text/plain.
package tika

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/pkg/textx"
)

// Client implements domain.TextExtractor against a Tika server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New builds a Client for baseURL, e.g. http://tika:9998.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With(slog.String("component", "tika")),
	}
}

// ExtractPath reads the scratch upload at path and returns its text,
// whitespace-collapsed and control-character free. The path must sit
// under the temp dir or the working dir; uploads are staged there.
func (c *Client) ExtractPath(ctx domain.Context, fileName, path string) (string, error) {
	path, err := confine(path)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("op=tika.ExtractPath: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == ".txt" {
		return flatten(string(raw)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/tika", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("op=tika.ExtractPath: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	if ct := contentTypeFor(ext); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// Unreachable or timed-out extractor reads as a retryable
		// upstream failure at the edge.
		return "", fmt.Errorf("op=tika.ExtractPath: %v: %w", err, domain.ErrUpstreamTimeout)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: document %q could not be parsed", domain.ErrInvalidArgument, fileName)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("op=tika.ExtractPath: status %d: %w", resp.StatusCode, domain.ErrUpstreamTimeout)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=tika.ExtractPath: read body: %w", err)
	}
	text := flatten(string(body))
	c.logger.Debug("extracted document text",
		slog.String("file", fileName),
		slog.Int("bytes_in", len(raw)),
		slog.Int("chars_out", len(text)),
		slog.Duration("took", time.Since(start)))
	return text, nil
}

// confine rejects paths outside the upload staging roots.
func confine(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("op=tika.confine: %w", err)
	}
	abs = filepath.Clean(abs)
	roots := []string{filepath.Clean(os.TempDir())}
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, filepath.Clean(wd))
	}
	for _, root := range roots {
		if abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: upload path outside staging roots", domain.ErrInvalidArgument)
}

// flatten strips control characters and collapses runs of whitespace.
func flatten(s string) string {
	return strings.Join(strings.Fields(textx.SanitizeText(s)), " ")
}

func contentTypeFor(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	default:
		return ""
	}
}
