// Package vectorstore talks to an external Chroma-compatible ANN service
// over HTTP, using the same hand-rolled net/http + encoding/json client
// shape as internal/ai.OpenAIClient in the teacher project (explicit
// http.Client with a timeout, a setHeaders helper, json.NewDecoder on the
// response body) rather than a generated SDK.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/seanblong/reposearch/pkg/models"
)

// Config configures the HTTP connection to the ANN service.
type Config struct {
	Host           string
	Port           int
	SSL            bool
	CollectionName string
	BatchSize      int // default 1000, per VECTOR_STORE_BATCH_SIZE
}

// Store is a Chroma-compatible vector store client. It bootstraps its
// collection lazily and idempotently on first use.
type Store struct {
	cfg    Config
	http   *http.Client
	baseURL string

	mu          sync.Mutex
	collectionID string
}

// New constructs a Store. The backing collection is created on first
// Upsert/Search call, not here, so New never talks to the network.
func New(cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}
	return &Store{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
	}
}

func (s *Store) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
}

// ensureCollection idempotently resolves (creating if necessary) the
// collection id for cfg.CollectionName.
func (s *Store) ensureCollection(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collectionID != "" {
		return s.collectionID, nil
	}

	payload := map[string]any{
		"name":          s.cfg.CollectionName,
		"get_or_create": true,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("vectorstore: marshal collection request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/collections", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("vectorstore: build collection request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("vectorstore: collection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("vectorstore: collection bootstrap non-2xx: %s", resp.Status)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("vectorstore: decode collection response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("vectorstore: collection response missing id")
	}

	s.collectionID = out.ID
	return out.ID, nil
}

// Upsert writes records in batches of cfg.BatchSize. Duplicate ids within a
// single call are rejected up front, matching the teacher project's
// fail-fast validation style.
func (s *Store) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkDuplicateIDs(records); err != nil {
		return err
	}

	collID, err := s.ensureCollection(ctx)
	if err != nil {
		return err
	}

	for start := 0; start < len(records); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.upsertBatch(ctx, collID, records[start:end]); err != nil {
			return fmt.Errorf("vectorstore: upsert batch [%d:%d): %w", start, end, err)
		}
	}
	return nil
}

func checkDuplicateIDs(records []models.VectorRecord) error {
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.ID] {
			return fmt.Errorf("vectorstore: duplicate record id %q in upsert batch", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

func (s *Store) upsertBatch(ctx context.Context, collID string, batch []models.VectorRecord) error {
	ids := make([]string, len(batch))
	embeddings := make([][]float32, len(batch))
	documents := make([]string, len(batch))
	metadatas := make([]map[string]any, len(batch))

	for i, r := range batch {
		ids[i] = r.ID
		embeddings[i] = r.Vector
		documents[i] = r.Content
		metadatas[i] = r.Metadata
	}

	payload := map[string]any{
		"ids":        ids,
		"embeddings": embeddings,
		"documents":  documents,
		"metadatas":  metadatas,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal upsert payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/collections/%s/upsert", s.baseURL, collID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build upsert request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("upsert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upsert non-2xx: %s", resp.Status)
	}
	return nil
}

// Hit is one similarity search result, score already converted from
// distance (score = 1 - distance).
type Hit struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]any
}

// Filter is an equality filter over metadata fields, translated into a
// Chroma "where" clause.
type Filter map[string]any

// SimilaritySearch returns up to k nearest neighbours of queryVec,
// optionally restricted by filter.
func (s *Store) SimilaritySearch(ctx context.Context, queryVec []float32, k int, filter Filter) ([]Hit, error) {
	collID, err := s.ensureCollection(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"query_embeddings": [][]float32{queryVec},
		"n_results":        k,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	if len(filter) > 0 {
		payload["where"] = map[string]any(filter)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: marshal query: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/collections/%s/query", s.baseURL, collID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: build query request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vectorstore: query non-2xx: %s", resp.Status)
	}

	var out struct {
		IDs       [][]string           `json:"ids"`
		Documents [][]string           `json:"documents"`
		Metadatas [][]map[string]any   `json:"metadatas"`
		Distances [][]float64          `json:"distances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vectorstore: decode query response: %w", err)
	}
	if len(out.IDs) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(out.IDs[0]))
	for i, id := range out.IDs[0] {
		var doc string
		if i < len(out.Documents[0]) {
			doc = out.Documents[0][i]
		}
		var meta map[string]any
		if i < len(out.Metadatas[0]) {
			meta = out.Metadatas[0][i]
		}
		var distance float64
		if i < len(out.Distances[0]) {
			distance = out.Distances[0][i]
		}
		hits = append(hits, Hit{ID: id, Score: 1 - distance, Content: doc, Metadata: meta})
	}
	return hits, nil
}

// GetByFilePath returns every indexed record whose metadata.filePath
// matches path within the given repository.
func (s *Store) GetByFilePath(ctx context.Context, repoID, path string) ([]Hit, error) {
	return s.getByFilter(ctx, Filter{"repositoryId": repoID, "filePath": sanitizeFilePath(path)})
}

// DeleteByFilter deletes every record matching filter.
func (s *Store) DeleteByFilter(ctx context.Context, filter Filter) error {
	collID, err := s.ensureCollection(ctx)
	if err != nil {
		return err
	}

	payload := map[string]any{"where": map[string]any(filter)}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal delete: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/collections/%s/delete", s.baseURL, collID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("vectorstore: build delete request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("vectorstore: delete request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vectorstore: delete non-2xx: %s", resp.Status)
	}
	return nil
}

func (s *Store) getByFilter(ctx context.Context, filter Filter) ([]Hit, error) {
	collID, err := s.ensureCollection(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"where":   map[string]any(filter),
		"include": []string{"documents", "metadatas"},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: marshal get: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/collections/%s/get", s.baseURL, collID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: build get request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vectorstore: get non-2xx: %s", resp.Status)
	}

	var out struct {
		IDs       []string         `json:"ids"`
		Documents []string         `json:"documents"`
		Metadatas []map[string]any `json:"metadatas"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vectorstore: decode get response: %w", err)
	}

	hits := make([]Hit, 0, len(out.IDs))
	for i, id := range out.IDs {
		var doc string
		if i < len(out.Documents) {
			doc = out.Documents[i]
		}
		var meta map[string]any
		if i < len(out.Metadatas) {
			meta = out.Metadatas[i]
		}
		hits = append(hits, Hit{ID: id, Content: doc, Metadata: meta})
	}
	return hits, nil
}

// GetByIds returns the subset of the requested ids that exist, in
// unspecified order; missing ids are silently omitted, per the adapter
// contract.
func (s *Store) GetByIds(ctx context.Context, ids []string) ([]Hit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	collID, err := s.ensureCollection(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"ids":     ids,
		"include": []string{"documents", "metadatas"},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: marshal get by ids: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/collections/%s/get", s.baseURL, collID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: build get by ids request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get by ids request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vectorstore: get by ids non-2xx: %s", resp.Status)
	}

	var out struct {
		IDs       []string         `json:"ids"`
		Documents []string         `json:"documents"`
		Metadatas []map[string]any `json:"metadatas"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vectorstore: decode get by ids response: %w", err)
	}

	hits := make([]Hit, 0, len(out.IDs))
	for i, id := range out.IDs {
		var doc string
		if i < len(out.Documents) {
			doc = out.Documents[i]
		}
		var meta map[string]any
		if i < len(out.Metadatas) {
			meta = out.Metadatas[i]
		}
		hits = append(hits, Hit{ID: id, Content: doc, Metadata: meta})
	}
	return hits, nil
}

// DeleteByIds deletes a known set of record ids directly.
func (s *Store) DeleteByIds(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	collID, err := s.ensureCollection(ctx)
	if err != nil {
		return err
	}

	payload := map[string]any{"ids": ids}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal delete by ids: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/collections/%s/delete", s.baseURL, collID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("vectorstore: build delete request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("vectorstore: delete request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vectorstore: delete non-2xx: %s", resp.Status)
	}
	return nil
}

// sanitizeFilePath strips a leading "./" so the path compares equal to the
// repository-relative filePath stored in record metadata.
func sanitizeFilePath(path string) string {
	return strings.TrimPrefix(path, "./")
}
