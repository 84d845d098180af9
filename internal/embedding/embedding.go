// Package embedding turns text into vectors for indexing and querying. It
// generalizes internal/ai.Client from the teacher project to a batch
// interface (embed(text[]) -> vector[]), keeps the OpenAI and VertexAI
// backends, and drops Summarize, which is out of scope for a pure search
// backend.
package embedding

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client embeds a batch of texts, preserving input order.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Provider enumerates supported embedding backends.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// Config holds construction parameters for any Client implementation.
type Config struct {
	APIKey         string
	OrganizationID string
	ProjectID      string
	Location       string
	Model          string
	Dim            int
	Provider       Provider

	// MaxInputChars truncates any single text before it is sent, matching
	// the OpenAI client's token-budget guard. ~4 characters per token;
	// default corresponds to an 8000-token budget.
	MaxInputChars int
}

// New constructs a Client for cfg.Provider. VertexAI construction needs a
// context because it dials Google's client libraries at creation time.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAIClient(cfg), nil
	case ProviderVertexAI:
		return newVertexAIClient(ctx, cfg)
	case ProviderStub:
		return &StubClient{dim: cfg.Dim}, nil
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Provider)
	}
}

const defaultMaxInputChars = 8000 * 4

// sanitizeAndTruncate mirrors the blob store's control-character stripping,
// collapses internal newlines to spaces, trims leading/trailing whitespace,
// and caps length so a single oversized file doesn't blow the provider's
// token budget. The result is empty for whitespace-only input; callers drop
// those before sending a batch to a backend.
func sanitizeAndTruncate(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = defaultMaxInputChars
	}
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || (r < 0x20 && r != '\n' && r != '\r' && r != '\t'):
			continue
		case r == '\n' || r == '\r':
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	clean := strings.TrimSpace(b.String())
	if len(clean) > maxChars {
		clean = clean[:maxChars]
	}
	return clean
}

// sanitizeBatch sanitizes every text and drops entries that come out empty,
// so the returned slice's length is "the count of non-empty sanitized
// inputs" per the embedding contract.
func sanitizeBatch(texts []string, maxChars int) []string {
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		clean := sanitizeAndTruncate(t, maxChars)
		if clean == "" {
			continue
		}
		out = append(out, clean)
	}
	return out
}

// OpenAIClient embeds text via the OpenAI embeddings endpoint, built the
// same way internal/ai.OpenAIClient constructs its http.Client: explicit
// timeout, optional TLS skip-verify behind an env var, Bearer auth plus an
// optional project header.
type OpenAIClient struct {
	cfg  Config
	http *http.Client
}

func newOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dim == 0 {
		switch cfg.Model {
		case "text-embedding-3-large":
			cfg.Dim = 3072
		default:
			cfg.Dim = 1536
		}
	}

	transport := &http.Transport{}
	if skip, _ := strconv.ParseBool(os.Getenv("REPOSEARCH_SKIP_TLS_VERIFY")); skip {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &OpenAIClient{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

func (c *OpenAIClient) Dim() int { return c.cfg.Dim }

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.OrganizationID != "" {
		req.Header.Set("OpenAI-Organization", c.cfg.OrganizationID)
	}
	if strings.HasPrefix(c.cfg.APIKey, "sk-proj-") && c.cfg.ProjectID != "" {
		req.Header.Set("OpenAI-Project", c.cfg.ProjectID)
	}
}

// Embed sends texts to the OpenAI embeddings endpoint in a single request.
// Inputs are sanitized first and emptied ones dropped, so the result has
// one vector per non-empty sanitized input, in the same relative order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("embedding: OPENAI_API_KEY unset")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	clean := sanitizeBatch(texts, c.cfg.MaxInputChars)
	if len(clean) == 0 {
		return nil, nil
	}

	payload := map[string]any{
		"input": clean,
		"model": c.cfg.Model,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: openai non-200: %s", resp.Status)
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(out.Data) != len(clean) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(clean), len(out.Data))
	}

	vectors := make([][]float32, len(clean))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding: response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// StubClient returns zero vectors of a fixed dimension, for tests and local
// development without a real provider configured.
type StubClient struct {
	dim int
}

func NewStubClient(dim int) *StubClient {
	return &StubClient{dim: dim}
}

func (s *StubClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	clean := sanitizeBatch(texts, 0)
	out := make([][]float32, len(clean))
	for i := range clean {
		out[i] = make([]float32, s.dim)
	}
	return out, nil
}

func (s *StubClient) Dim() int { return s.dim }
