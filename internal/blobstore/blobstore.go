// Package blobstore persists the full sanitized content of every ingested
// file, one row per (repository, path), the way internal/store.Store in the
// teacher project persists chunk rows over a pgxpool.Pool with a
// migrate-on-boot schema and an ON CONFLICT upsert.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seanblong/reposearch/pkg/models"
)

// Store persists content blobs in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at url and returns a ready Store.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("blobstore: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("blobstore: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate applies the content_blobs schema. Safe to call on every boot.
func (s *Store) Migrate(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS content_blobs (
  id         TEXT NOT NULL,
  repo_id    VARCHAR(255) NOT NULL,
  content    TEXT NOT NULL,
  metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT now(),
  PRIMARY KEY (repo_id, id)
);

CREATE INDEX IF NOT EXISTS content_blobs_repo_idx ON content_blobs (repo_id);
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

// sanitize drops NUL and the C0 control range, excluding \n \r \t,
// which Postgres text columns and most tooling downstream tolerate fine,
// and returns the cleaned text with the number of characters removed.
func sanitize(content string) (string, int) {
	var b strings.Builder
	stripped := 0
	for _, r := range content {
		if r == 0 || (r < 0x20 && r != '\n' && r != '\r' && r != '\t') {
			stripped++
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), stripped
}

// Upsert writes or replaces the blob for (blob.RepoID, blob.ID). Content is
// sanitized before being stored; the number of characters stripped is
// returned for the caller to log, never as an error.
func (s *Store) Upsert(ctx context.Context, blob models.Blob) (strippedChars int, err error) {
	clean, stripped := sanitize(blob.Content)

	meta, err := json.Marshal(blob.Metadata)
	if err != nil {
		return 0, fmt.Errorf("blobstore: marshal metadata: %w", err)
	}

	const q = `
INSERT INTO content_blobs (id, repo_id, content, metadata, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (repo_id, id) DO UPDATE SET
  content    = EXCLUDED.content,
  metadata   = EXCLUDED.metadata,
  updated_at = now();`

	if _, err := s.pool.Exec(ctx, q, blob.ID, blob.RepoID, clean, meta); err != nil {
		return 0, fmt.Errorf("blobstore: upsert %s/%s: %w", blob.RepoID, blob.ID, err)
	}
	return stripped, nil
}

// Get fetches the blob at (repoID, path). ok is false when no such blob
// exists.
func (s *Store) Get(ctx context.Context, repoID, path string) (models.Blob, bool, error) {
	const q = `SELECT id, repo_id, content, metadata FROM content_blobs WHERE repo_id = $1 AND id = $2`

	var blob models.Blob
	var meta []byte
	err := s.pool.QueryRow(ctx, q, repoID, path).Scan(&blob.ID, &blob.RepoID, &blob.Content, &meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Blob{}, false, nil
		}
		return models.Blob{}, false, fmt.Errorf("blobstore: get %s/%s: %w", repoID, path, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &blob.Metadata); err != nil {
			return models.Blob{}, false, fmt.Errorf("blobstore: unmarshal metadata: %w", err)
		}
	}
	return blob, true, nil
}

// GetMany fetches multiple blobs by (repoID, path) pairs, skipping any that
// do not exist. Used by the retriever to resolve parent file contents for a
// batch of distinct parentIds.
func (s *Store) GetMany(ctx context.Context, repoID string, paths []string) ([]models.Blob, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	const q = `SELECT id, repo_id, content, metadata FROM content_blobs WHERE repo_id = $1 AND id = ANY($2)`

	rows, err := s.pool.Query(ctx, q, repoID, paths)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get many: %w", err)
	}
	defer rows.Close()

	var out []models.Blob
	for rows.Next() {
		var blob models.Blob
		var meta []byte
		if err := rows.Scan(&blob.ID, &blob.RepoID, &blob.Content, &meta); err != nil {
			return nil, fmt.Errorf("blobstore: scan: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &blob.Metadata); err != nil {
				return nil, fmt.Errorf("blobstore: unmarshal metadata: %w", err)
			}
		}
		out = append(out, blob)
	}
	return out, rows.Err()
}

// Delete removes the blob at (repoID, path), if it exists.
func (s *Store) Delete(ctx context.Context, repoID, path string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM content_blobs WHERE repo_id = $1 AND id = $2`, repoID, path)
	if err != nil {
		return fmt.Errorf("blobstore: delete %s/%s: %w", repoID, path, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
