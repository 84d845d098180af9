// Package retriever implements parent-child retrieval: search runs against
// small indexed chunks, but the body returned to the caller is the larger
// parent file those chunks belong to.
package retriever

import (
	"context"
	"fmt"

	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

// VectorSearcher is the slice of the vector store adapter the retriever
// needs; narrowed to an interface the way the teacher project narrows
// godirwalk to FileSystemWalker, so tests can supply a fake.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, queryVector []float32, k int, filter vectorstore.Filter) ([]vectorstore.Hit, error)
	GetByIds(ctx context.Context, ids []string) ([]vectorstore.Hit, error)
}

// BlobFetcher is the slice of the blob store adapter the retriever needs.
type BlobFetcher interface {
	GetMany(ctx context.Context, repoID string, paths []string) ([]models.Blob, error)
}

// Retriever composes the vector and blob store adapters into the two
// retrieval modes the query service exposes.
type Retriever struct {
	Vectors VectorSearcher
	Blobs   BlobFetcher
}

// overFetchFactor compensates for multiple children sharing one parent.
const overFetchFactor = 3

// Retrieve runs parent-mode retrieval: search 3k children, dedupe by
// parentId until k parents are collected, then fetch and return those
// parents' full bodies in the order their ids were first seen. If no parent
// id is observed at all, orphan hits (no parentId, non-empty content) are
// returned instead.
func (r *Retriever) Retrieve(ctx context.Context, repoID string, queryVector []float32, k int, filter vectorstore.Filter) ([]models.Chunk, error) {
	hits, err := r.Vectors.SimilaritySearch(ctx, queryVector, k*overFetchFactor, filter)
	if err != nil {
		return nil, fmt.Errorf("retriever: similarity search: %w", err)
	}

	var parentIDs []string
	seenParents := make(map[string]bool)
	var orphans []models.Chunk

	for _, h := range hits {
		parentID, _ := h.Metadata["parentId"].(string)
		if parentID == "" {
			if h.Content != "" {
				orphans = append(orphans, models.Chunk{ID: h.ID, Content: h.Content, RepoID: repoID, Metadata: h.Metadata})
			}
			continue
		}
		if !seenParents[parentID] {
			seenParents[parentID] = true
			parentIDs = append(parentIDs, parentID)
			if len(parentIDs) >= k {
				break
			}
		}
	}

	if len(parentIDs) == 0 {
		return orphans, nil
	}

	blobs, err := r.Blobs.GetMany(ctx, repoID, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("retriever: get parents: %w", err)
	}
	byID := make(map[string]models.Blob, len(blobs))
	for _, b := range blobs {
		byID[b.ID] = b
	}

	// Parents the blob store doesn't have (sparse result) get one more
	// chance via the vector store's own GetByIds, which carries each
	// record's document text alongside its embedding.
	var missing []string
	for _, id := range parentIDs {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	vectorHits := make(map[string]vectorstore.Hit)
	if len(missing) > 0 {
		hits, err := r.Vectors.GetByIds(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("retriever: get parents by id: %w", err)
		}
		for _, h := range hits {
			vectorHits[h.ID] = h
		}
	}

	results := make([]models.Chunk, 0, len(parentIDs))
	for _, id := range parentIDs {
		if b, ok := byID[id]; ok {
			results = append(results, models.Chunk{ID: b.ID, Content: b.Content, RepoID: repoID, Metadata: b.Metadata})
			continue
		}
		if h, ok := vectorHits[id]; ok && h.Content != "" {
			results = append(results, models.Chunk{ID: h.ID, Content: h.Content, RepoID: repoID, Metadata: h.Metadata})
			continue
		}
		// still missing: blob was deleted or never written, and the vector
		// store has no document text for it either. Silently omitted per
		// the adapter contract.
	}
	return results, nil
}

// RetrieveChunks runs chunk mode: search k children directly, no
// over-fetch, dropping empty-content hits.
func (r *Retriever) RetrieveChunks(ctx context.Context, repoID string, queryVector []float32, k int, filter vectorstore.Filter) ([]models.Chunk, error) {
	hits, err := r.Vectors.SimilaritySearch(ctx, queryVector, k, filter)
	if err != nil {
		return nil, fmt.Errorf("retriever: similarity search: %w", err)
	}

	results := make([]models.Chunk, 0, len(hits))
	for _, h := range hits {
		if h.Content == "" {
			continue
		}
		results = append(results, models.Chunk{ID: h.ID, Content: h.Content, RepoID: repoID, Metadata: h.Metadata})
	}
	return results, nil
}
