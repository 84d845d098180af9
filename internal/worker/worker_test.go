package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/seanblong/reposearch/internal/embedding"
	"github.com/seanblong/reposearch/internal/gitmirror"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

// fakeRepoStates is an in-memory RepoStateStore, mirroring the teacher's
// MockIndexableStore: state lives in a map, no Postgres needed.
type fakeRepoStates struct {
	byURL   map[string]models.RepoState
	nextID  int
	saved   []models.RepoState
	saveErr error
}

func (f *fakeRepoStates) FindByURL(_ context.Context, repoURL string) (models.RepoState, bool, error) {
	st, ok := f.byURL[repoURL]
	return st, ok, nil
}

func (f *fakeRepoStates) NewID() string {
	f.nextID++
	return fmt.Sprintf("repo-%d", f.nextID)
}

func (f *fakeRepoStates) CreateIfNotExists(_ context.Context, repoURL, id, localPath string) (models.RepoState, error) {
	if st, ok := f.byURL[repoURL]; ok {
		return st, nil
	}
	st := models.RepoState{ID: id, RepoURL: repoURL, LocalPath: localPath}
	if f.byURL == nil {
		f.byURL = map[string]models.RepoState{}
	}
	f.byURL[repoURL] = st
	return st, nil
}

func (f *fakeRepoStates) Save(_ context.Context, st models.RepoState) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, st)
	return nil
}

// fakeBlobUpserter is an in-memory BlobUpserter.
type fakeBlobUpserter struct {
	upserted []models.Blob
	err      error
}

func (f *fakeBlobUpserter) Upsert(_ context.Context, blob models.Blob) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.upserted = append(f.upserted, blob)
	return 0, nil
}

// fakeVectorUpserter is an in-memory VectorUpserter.
type fakeVectorUpserter struct {
	upserted      []models.VectorRecord
	deletedFilter []vectorstore.Filter
	upsertErr     error
	deleteErr     error
}

func (f *fakeVectorUpserter) Upsert(_ context.Context, records []models.VectorRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, records...)
	return nil
}

func (f *fakeVectorUpserter) DeleteByFilter(_ context.Context, filter vectorstore.Filter) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedFilter = append(f.deletedFilter, filter)
	return nil
}

func TestResolveStateCreatesNewRepo(t *testing.T) {
	w := &Worker{RepoStates: &fakeRepoStates{}, StorageRoot: "/data"}

	st, isNew, err := w.resolveState(context.Background(), "https://github.com/acme/demo.git")
	if err != nil {
		t.Fatalf("resolveState: %v", err)
	}
	if !isNew {
		t.Error("expected a freshly created repo to be reported as new")
	}
	if st.LocalPath == "" {
		t.Error("expected a derived local path")
	}
}

func TestResolveStateReturnsExistingRepo(t *testing.T) {
	existing := models.RepoState{ID: "repo-1", RepoURL: "https://github.com/acme/demo.git", LocalPath: "/data/repo-1"}
	states := &fakeRepoStates{byURL: map[string]models.RepoState{existing.RepoURL: existing}}
	w := &Worker{RepoStates: states}

	st, isNew, err := w.resolveState(context.Background(), existing.RepoURL)
	if err != nil {
		t.Fatalf("resolveState: %v", err)
	}
	if isNew {
		t.Error("expected an existing repo to not be reported as new")
	}
	if st.ID != "repo-1" {
		t.Errorf("expected existing state to be returned unchanged, got %+v", st)
	}
}

func TestCommitSavesLastProcessedCommit(t *testing.T) {
	states := &fakeRepoStates{}
	w := &Worker{RepoStates: states}

	if err := w.commit(context.Background(), models.RepoState{ID: "repo-1"}, "deadbeef"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(states.saved) != 1 {
		t.Fatalf("expected one save, got %d", len(states.saved))
	}
	if states.saved[0].LastProcessedCommit == nil || *states.saved[0].LastProcessedCommit != "deadbeef" {
		t.Errorf("expected commit pointer deadbeef, got %+v", states.saved[0].LastProcessedCommit)
	}
}

func TestCommitPropagatesStoreError(t *testing.T) {
	states := &fakeRepoStates{saveErr: errors.New("boom")}
	w := &Worker{RepoStates: states}

	if err := w.commit(context.Background(), models.RepoState{ID: "repo-1"}, "deadbeef"); err == nil {
		t.Fatal("expected error to propagate from the store")
	}
}

func TestApplyDeletionsFiltersByRepoAndParent(t *testing.T) {
	vectors := &fakeVectorUpserter{}
	w := &Worker{Vectors: vectors}

	err := w.applyDeletions(context.Background(), "repo-1", []gitmirror.FileChange{
		{Path: "a.go", Type: gitmirror.Deleted},
		{Path: "b.go", Type: gitmirror.Deleted},
	})
	if err != nil {
		t.Fatalf("applyDeletions: %v", err)
	}
	if len(vectors.deletedFilter) != 2 {
		t.Fatalf("expected one DeleteByFilter call per deleted path, got %d", len(vectors.deletedFilter))
	}
	if vectors.deletedFilter[0]["repoId"] != "repo-1" || vectors.deletedFilter[0]["parentId"] != "a.go" {
		t.Errorf("unexpected filter: %+v", vectors.deletedFilter[0])
	}
}

func TestApplyDeletionsPropagatesError(t *testing.T) {
	vectors := &fakeVectorUpserter{deleteErr: errors.New("boom")}
	w := &Worker{Vectors: vectors}

	err := w.applyDeletions(context.Background(), "repo-1", []gitmirror.FileChange{{Path: "a.go", Type: gitmirror.Deleted}})
	if err == nil {
		t.Fatal("expected delete error to propagate")
	}
}

func TestProcessFileUpsertsBlobAndVectors(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n\nfunc Add(x, y int) int { return x + y }\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	blobs := &fakeBlobUpserter{}
	vectors := &fakeVectorUpserter{}
	w := &Worker{Blobs: blobs, Vectors: vectors, Embedder: embedding.NewStubClient(4)}

	n, skipped, err := w.processFile(context.Background(), root, "repo-1", "user-1", "a.go", map[string]any{"env": "prod"})
	if err != nil {
		t.Fatalf("processFile: %v", err)
	}
	if skipped {
		t.Fatal("expected the file to be processed, not skipped")
	}
	if n == 0 {
		t.Fatal("expected at least one vector")
	}
	if len(blobs.upserted) != 1 || blobs.upserted[0].ID != "a.go" {
		t.Fatalf("expected the parent blob to be upserted, got %+v", blobs.upserted)
	}
	if len(vectors.upserted) != n {
		t.Fatalf("expected %d vectors upserted, got %d", n, len(vectors.upserted))
	}
	for _, rec := range vectors.upserted {
		if rec.Metadata["repoId"] != "repo-1" {
			t.Errorf("expected repoId metadata, got %+v", rec.Metadata)
		}
		if rec.Metadata["env"] != "prod" {
			t.Errorf("expected user meta to carry through, got %+v", rec.Metadata)
		}
	}
}

func TestProcessFileSkipsBinaryExtension(t *testing.T) {
	root := t.TempDir()
	blobs := &fakeBlobUpserter{}
	w := &Worker{Blobs: blobs}

	n, skipped, err := w.processFile(context.Background(), root, "repo-1", "user-1", "image.png", nil)
	if err != nil {
		t.Fatalf("processFile: %v", err)
	}
	if !skipped || n != 0 {
		t.Errorf("expected binary extension to be skipped without reading the file, got n=%d skipped=%v", n, skipped)
	}
	if len(blobs.upserted) != 0 {
		t.Error("expected no blob upsert for a skipped binary file")
	}
}

func TestProcessFileSkipsEmptyFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "empty.go"), []byte(""), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	blobs := &fakeBlobUpserter{}
	vectors := &fakeVectorUpserter{}
	w := &Worker{Blobs: blobs, Vectors: vectors, Embedder: embedding.NewStubClient(4)}

	n, skipped, err := w.processFile(context.Background(), root, "repo-1", "user-1", "empty.go", nil)
	if err != nil {
		t.Fatalf("processFile: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no vectors for an empty file, got %d", n)
	}
	_ = skipped
	if len(vectors.upserted) != 0 {
		t.Error("expected no vector upsert for an empty file")
	}
}

func TestProcessFileUpsertErrorPropagates(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n\nfunc Add() {}\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	blobs := &fakeBlobUpserter{}
	vectors := &fakeVectorUpserter{upsertErr: errors.New("boom")}
	w := &Worker{Blobs: blobs, Vectors: vectors, Embedder: embedding.NewStubClient(4)}

	_, _, err := w.processFile(context.Background(), root, "repo-1", "user-1", "a.go", nil)
	if err == nil {
		t.Fatal("expected vector store error to propagate")
	}
}

func TestSanitizeUserMetaDropsReservedKeys(t *testing.T) {
	in := map[string]any{
		"env":    "prod",
		"repoId": "should-be-dropped",
		"id":     "also-dropped",
	}
	out := sanitizeUserMeta(in)
	if _, ok := out["repoId"]; ok {
		t.Error("expected reserved key repoId to be dropped")
	}
	if _, ok := out["id"]; ok {
		t.Error("expected reserved key id to be dropped")
	}
	if out["env"] != "prod" {
		t.Errorf("expected env=prod to survive, got %v", out["env"])
	}
}

func TestSanitizeUserMetaDropsNonPrimitives(t *testing.T) {
	in := map[string]any{
		"env":    "prod",
		"nested": map[string]any{"a": 1},
		"list":   []int{1, 2, 3},
	}
	out := sanitizeUserMeta(in)
	if len(out) != 1 {
		t.Fatalf("expected only the primitive key to survive, got %v", out)
	}
	if out["env"] != "prod" {
		t.Errorf("expected env=prod, got %v", out["env"])
	}
}

func TestSanitizeUserMetaEmptyInput(t *testing.T) {
	if out := sanitizeUserMeta(nil); out != nil {
		t.Errorf("expected nil for empty input, got %v", out)
	}
	if out := sanitizeUserMeta(map[string]any{}); out != nil {
		t.Errorf("expected nil for empty map, got %v", out)
	}
}

func TestChunkName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"src/a.go:Add:function_declaration:L3", "Add"},
		{"src/a.go::generic:L1", "anonymous"},
		{"malformed", "anonymous"},
	}
	for _, tt := range tests {
		if got := chunkName(tt.id); got != tt.want {
			t.Errorf("chunkName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
