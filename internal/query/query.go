// Package query implements the user-facing search operation: embed the
// prompt, invoke the retriever in parent or chunk mode, and reshape hits
// into the response envelope. It generalizes internal/search.Service in the
// teacher project (embed-then-store-search) to call the retriever instead
// of a single SQL Search call, and to support both retrieval modes.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/seanblong/reposearch/internal/embedding"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

const (
	defaultK = 5
	minK     = 1
	maxK     = 100
)

// BadRequestError marks a query rejected before it reaches the retriever;
// callers translate it to a 400-class response.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string { return e.Message }

// Retriever is the slice of internal/retriever.Retriever the query service
// needs, narrowed so modes can be swapped without a concrete dependency.
type Retriever interface {
	Retrieve(ctx context.Context, repoID string, queryVector []float32, k int, filter vectorstore.Filter) ([]models.Chunk, error)
	RetrieveChunks(ctx context.Context, repoID string, queryVector []float32, k int, filter vectorstore.Filter) ([]models.Chunk, error)
}

// Service answers search requests.
type Service struct {
	Embedder  embedding.Client
	Retriever Retriever
}

// Request is one search call, shared by both parent and chunk mode.
type Request struct {
	Prompt string
	K      int
	Meta   map[string]any
}

// Search runs parent-mode retrieval: each result is a full file.
func (s *Service) Search(ctx context.Context, repoID string, req Request) ([]models.Chunk, error) {
	return s.run(ctx, repoID, req, false)
}

// SearchChunks runs chunk-mode retrieval: each result is a single chunk.
func (s *Service) SearchChunks(ctx context.Context, repoID string, req Request) ([]models.Chunk, error) {
	return s.run(ctx, repoID, req, true)
}

func (s *Service) run(ctx context.Context, repoID string, req Request, chunkMode bool) ([]models.Chunk, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, &BadRequestError{Message: "prompt must not be empty"}
	}

	k := clampK(req.K)
	filter := buildFilter(repoID, req.Meta)

	vectors, err := s.Embedder.Embed(ctx, []string{prompt})
	if err != nil {
		return nil, fmt.Errorf("query: embed prompt: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, &BadRequestError{Message: "embedding service returned an empty vector for this prompt"}
	}

	if chunkMode {
		return s.Retriever.RetrieveChunks(ctx, repoID, vectors[0], k, filter)
	}
	return s.Retriever.Retrieve(ctx, repoID, vectors[0], k, filter)
}

// clampK defaults non-positive values to 5 and clamps values above 100 to
// 100.
func clampK(k int) int {
	if k <= 0 {
		return defaultK
	}
	if k > maxK {
		return maxK
	}
	if k < minK {
		return minK
	}
	return k
}

// buildFilter merges caller-supplied meta under repoId, with repoId always
// winning on key collision: it is assigned last.
func buildFilter(repoID string, meta map[string]any) vectorstore.Filter {
	filter := make(vectorstore.Filter, len(meta)+1)
	for k, v := range meta {
		filter[k] = v
	}
	filter["repoId"] = repoID
	return filter
}
