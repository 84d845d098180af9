package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// VertexAIClient embeds text via the Gemini API, adapted from the teacher
// project's internal/ai.VertexAIClient to the batch Client interface: each
// text in the batch is embedded with its own EmbedContent call since the
// Gemini embeddings API takes a single genai.Text per request.
type VertexAIClient struct {
	cfg    Config
	client *genai.Client
}

func newVertexAIClient(ctx context.Context, cfg Config) (*VertexAIClient, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-005"
	}
	if cfg.Dim == 0 {
		cfg.Dim = 768
	}
	location := cfg.Location
	if location == "" && strings.TrimSpace(cfg.APIKey) == "" {
		location = "us-central1"
	}

	cc := genai.ClientConfig{Backend: genai.BackendVertexAI}
	if strings.TrimSpace(cfg.APIKey) != "" {
		cc.APIKey = cfg.APIKey
	}
	if strings.TrimSpace(cfg.ProjectID) != "" {
		cc.Project = cfg.ProjectID
	}
	if strings.TrimSpace(location) != "" {
		cc.Location = location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("embedding: create gemini client: %w", err)
	}

	return &VertexAIClient{cfg: cfg, client: client}, nil
}

func (c *VertexAIClient) Dim() int { return c.cfg.Dim }

// Embed issues one EmbedContent call per sanitized, non-empty text and
// returns the vectors in the same relative order as the input.
func (c *VertexAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	clean := sanitizeBatch(texts, c.cfg.MaxInputChars)
	if len(clean) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(clean))
	ecCfg := genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}
	for i, text := range clean {
		res, err := c.client.Models.EmbedContent(ctx, c.cfg.Model, genai.Text(text), &ecCfg)
		if err != nil {
			return nil, fmt.Errorf("embedding: vertexai embed: %w", err)
		}
		if res == nil || len(res.Embeddings) == 0 {
			return nil, errors.New("embedding: vertexai returned no embedding")
		}
		vectors[i] = res.Embeddings[0].Values
	}
	return vectors, nil
}
