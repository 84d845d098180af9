package query

import (
	"context"
	"testing"

	"github.com/seanblong/reposearch/internal/embedding"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

type fakeRetriever struct {
	lastK      int
	lastFilter vectorstore.Filter
	chunkMode  bool
	results    []models.Chunk
}

func (f *fakeRetriever) Retrieve(_ context.Context, repoID string, _ []float32, k int, filter vectorstore.Filter) ([]models.Chunk, error) {
	f.lastK = k
	f.lastFilter = filter
	return f.results, nil
}

func (f *fakeRetriever) RetrieveChunks(_ context.Context, repoID string, _ []float32, k int, filter vectorstore.Filter) ([]models.Chunk, error) {
	f.chunkMode = true
	f.lastK = k
	f.lastFilter = filter
	return f.results, nil
}

func TestClampK(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 5}, {-1, 5}, {1, 1}, {100, 100}, {101, 100}, {5, 5},
	}
	for _, tt := range tests {
		if got := clampK(tt.in); got != tt.want {
			t.Errorf("clampK(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBuildFilterRepoIDAlwaysWins(t *testing.T) {
	filter := buildFilter("repo-1", map[string]any{"repoId": "attacker-supplied", "env": "prod"})
	if filter["repoId"] != "repo-1" {
		t.Errorf("expected repoId to always win, got %v", filter["repoId"])
	}
	if filter["env"] != "prod" {
		t.Errorf("expected env=prod to survive, got %v", filter["env"])
	}
}

func TestSearchRejectsEmptyPrompt(t *testing.T) {
	s := &Service{Embedder: embedding.NewStubClient(4), Retriever: &fakeRetriever{}}
	_, err := s.Search(context.Background(), "repo-1", Request{Prompt: "   "})
	if err == nil {
		t.Fatal("expected error for empty prompt")
	}
	if _, ok := err.(*BadRequestError); !ok {
		t.Errorf("expected *BadRequestError, got %T", err)
	}
}

func TestSearchChunksUsesChunkMode(t *testing.T) {
	r := &fakeRetriever{results: []models.Chunk{{ID: "c1"}}}
	s := &Service{Embedder: embedding.NewStubClient(4), Retriever: r}

	results, err := s.SearchChunks(context.Background(), "repo-1", Request{Prompt: "token refresh", K: 3})
	if err != nil {
		t.Fatalf("SearchChunks: %v", err)
	}
	if !r.chunkMode {
		t.Error("expected chunk-mode retrieval to be invoked")
	}
	if r.lastK != 3 {
		t.Errorf("expected k=3, got %d", r.lastK)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
}
