package retriever

import (
	"context"
	"testing"

	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

type fakeVectors struct {
	hits   []vectorstore.Hit
	lastK  int
	byID   map[string]vectorstore.Hit
	getErr error
}

func (f *fakeVectors) SimilaritySearch(_ context.Context, _ []float32, k int, _ vectorstore.Filter) ([]vectorstore.Hit, error) {
	f.lastK = k
	return f.hits, nil
}

func (f *fakeVectors) GetByIds(_ context.Context, ids []string) ([]vectorstore.Hit, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	var out []vectorstore.Hit
	for _, id := range ids {
		if h, ok := f.byID[id]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

type fakeBlobs struct {
	byID map[string]models.Blob
}

func (f *fakeBlobs) GetMany(_ context.Context, _ string, paths []string) ([]models.Blob, error) {
	var out []models.Blob
	for _, p := range paths {
		if b, ok := f.byID[p]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestRetrieveDedupesParentsAndOverFetches(t *testing.T) {
	vectors := &fakeVectors{hits: []vectorstore.Hit{
		{ID: "c1", Content: "x", Metadata: map[string]any{"parentId": "a.go"}},
		{ID: "c2", Content: "x", Metadata: map[string]any{"parentId": "a.go"}},
		{ID: "c3", Content: "x", Metadata: map[string]any{"parentId": "b.go"}},
	}}
	blobs := &fakeBlobs{byID: map[string]models.Blob{
		"a.go": {ID: "a.go", Content: "package a"},
		"b.go": {ID: "b.go", Content: "package b"},
	}}
	r := &Retriever{Vectors: vectors, Blobs: blobs}

	results, err := r.Retrieve(context.Background(), "repo1", []float32{0.1}, 2, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if vectors.lastK != 6 {
		t.Errorf("expected over-fetch k=6 (3x2), got %d", vectors.lastK)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 parent results, got %d", len(results))
	}
	if results[0].ID != "a.go" || results[1].ID != "b.go" {
		t.Errorf("expected a.go then b.go in first-seen order, got %+v", results)
	}
}

func TestRetrieveFallsBackToOrphans(t *testing.T) {
	vectors := &fakeVectors{hits: []vectorstore.Hit{
		{ID: "c1", Content: "orphan content", Metadata: map[string]any{}},
	}}
	blobs := &fakeBlobs{byID: map[string]models.Blob{}}
	r := &Retriever{Vectors: vectors, Blobs: blobs}

	results, err := r.Retrieve(context.Background(), "repo1", []float32{0.1}, 2, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 || results[0].ID != "c1" {
		t.Errorf("expected orphan fallback with c1, got %+v", results)
	}
}

func TestRetrieveFallsBackToVectorStoreWhenBlobMissing(t *testing.T) {
	vectors := &fakeVectors{
		hits: []vectorstore.Hit{
			{ID: "c1", Content: "x", Metadata: map[string]any{"parentId": "a.go"}},
		},
		byID: map[string]vectorstore.Hit{
			"a.go": {ID: "a.go", Content: "package a // from vector store"},
		},
	}
	blobs := &fakeBlobs{byID: map[string]models.Blob{}}
	r := &Retriever{Vectors: vectors, Blobs: blobs}

	results, err := r.Retrieve(context.Background(), "repo1", []float32{0.1}, 1, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a.go" {
		t.Fatalf("expected a.go recovered from vector store, got %+v", results)
	}
	if results[0].Content != "package a // from vector store" {
		t.Errorf("expected vector store content, got %q", results[0].Content)
	}
}

func TestRetrieveOmitsParentMissingFromBothStores(t *testing.T) {
	vectors := &fakeVectors{
		hits: []vectorstore.Hit{
			{ID: "c1", Content: "x", Metadata: map[string]any{"parentId": "a.go"}},
		},
		byID: map[string]vectorstore.Hit{},
	}
	blobs := &fakeBlobs{byID: map[string]models.Blob{}}
	r := &Retriever{Vectors: vectors, Blobs: blobs}

	results, err := r.Retrieve(context.Background(), "repo1", []float32{0.1}, 1, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected parent silently omitted, got %+v", results)
	}
}

func TestRetrieveChunksDropsEmptyContent(t *testing.T) {
	vectors := &fakeVectors{hits: []vectorstore.Hit{
		{ID: "c1", Content: "func Foo() {}"},
		{ID: "c2", Content: ""},
	}}
	r := &Retriever{Vectors: vectors, Blobs: &fakeBlobs{}}

	results, err := r.RetrieveChunks(context.Background(), "repo1", []float32{0.1}, 5, nil)
	if err != nil {
		t.Fatalf("RetrieveChunks: %v", err)
	}
	if vectors.lastK != 5 {
		t.Errorf("expected no over-fetch in chunk mode, k=5, got %d", vectors.lastK)
	}
	if len(results) != 1 || results[0].ID != "c1" {
		t.Errorf("expected only c1 to survive, got %+v", results)
	}
}
