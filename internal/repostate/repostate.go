// Package repostate tracks, per repository, where its local clone lives and
// the last commit the worker fleet fully ingested. It follows the same
// pgxpool-backed, migrate-on-boot shape as internal/store.Store in the
// teacher project.
package repostate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/seanblong/reposearch/pkg/models"
)

// Store persists repository ingestion state in Postgres.
type Store struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New connects to the database at url.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("repostate: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repostate: connect: %w", err)
	}
	return &Store{
		pool:    pool,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate applies the repo_states schema.
func (s *Store) Migrate(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS repo_states (
  id                     TEXT PRIMARY KEY,
  repo_url               TEXT NOT NULL UNIQUE,
  local_path              TEXT NOT NULL,
  last_processed_commit   TEXT,
  file_signatures         JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at              TIMESTAMP WITH TIME ZONE DEFAULT now(),
  updated_at              TIMESTAMP WITH TIME ZONE DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

// NewID returns a sortable 26-character id for a new repository state row.
func (s *Store) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// FindByURL returns the repo state for repoURL. ok is false if none exists.
func (s *Store) FindByURL(ctx context.Context, repoURL string) (models.RepoState, bool, error) {
	const q = `
SELECT id, repo_url, local_path, last_processed_commit, file_signatures
FROM repo_states WHERE repo_url = $1`

	var st models.RepoState
	var sigs []byte
	err := s.pool.QueryRow(ctx, q, repoURL).Scan(&st.ID, &st.RepoURL, &st.LocalPath, &st.LastProcessedCommit, &sigs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RepoState{}, false, nil
		}
		return models.RepoState{}, false, fmt.Errorf("repostate: find by url: %w", err)
	}
	if len(sigs) > 0 {
		if err := json.Unmarshal(sigs, &st.FileSignatures); err != nil {
			return models.RepoState{}, false, fmt.Errorf("repostate: unmarshal signatures: %w", err)
		}
	}
	return st, true, nil
}

// CreateIfNotExists inserts a fresh repo state for repoURL under the given
// id, using a single-writer guarantee: only the first caller to race this
// wins the insert and clones; everyone else observes the existing row (and
// the losing id is simply discarded, harmless since ids are cheap to mint).
func (s *Store) CreateIfNotExists(ctx context.Context, repoURL, id, localPath string) (models.RepoState, error) {
	const q = `
INSERT INTO repo_states (id, repo_url, local_path, file_signatures)
VALUES ($1, $2, $3, '{}'::jsonb)
ON CONFLICT (repo_url) DO NOTHING
RETURNING id, repo_url, local_path, last_processed_commit, file_signatures`

	var st models.RepoState
	var sigs []byte
	err := s.pool.QueryRow(ctx, q, id, repoURL, localPath).
		Scan(&st.ID, &st.RepoURL, &st.LocalPath, &st.LastProcessedCommit, &sigs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, ok, ferr := s.FindByURL(ctx, repoURL)
			if ferr != nil {
				return models.RepoState{}, ferr
			}
			if !ok {
				return models.RepoState{}, fmt.Errorf("repostate: insert raced but no row found for %s", repoURL)
			}
			return existing, nil
		}
		return models.RepoState{}, fmt.Errorf("repostate: create: %w", err)
	}
	if len(sigs) > 0 {
		if err := json.Unmarshal(sigs, &st.FileSignatures); err != nil {
			return models.RepoState{}, fmt.Errorf("repostate: unmarshal signatures: %w", err)
		}
	}
	return st, nil
}

// Save upserts on id: it inserts the row if none exists, and otherwise
// persists the commit pointer and file signature map reached after a
// successful ingestion run.
func (s *Store) Save(ctx context.Context, st models.RepoState) error {
	sigs, err := json.Marshal(st.FileSignatures)
	if err != nil {
		return fmt.Errorf("repostate: marshal signatures: %w", err)
	}

	const q = `
INSERT INTO repo_states (id, repo_url, local_path, last_processed_commit, file_signatures)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
  last_processed_commit = EXCLUDED.last_processed_commit,
  file_signatures        = EXCLUDED.file_signatures,
  updated_at             = now()`

	if _, err := s.pool.Exec(ctx, q, st.ID, st.RepoURL, st.LocalPath, st.LastProcessedCommit, sigs); err != nil {
		return fmt.Errorf("repostate: save %s: %w", st.ID, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
