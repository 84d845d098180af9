// Package worker runs the ingestion state machine: resolve repo state, diff
// against the last processed commit, delete stale vectors, process changed
// files, and commit the new commit pointer. Per-file work fans out over a
// bounded goroutine pool the same way internal/indexer.Indexer.Run does in
// the teacher project, but the unit of work is a changed path from a git
// diff rather than every file under a walked tree.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/reposearch/internal/chunker"
	"github.com/seanblong/reposearch/internal/embedding"
	"github.com/seanblong/reposearch/internal/gitmirror"
	"github.com/seanblong/reposearch/internal/vectorstore"
	"github.com/seanblong/reposearch/pkg/models"
)

// RepoStateStore is the subset of repostate.Store the worker needs to
// resolve and advance a repo's ingestion checkpoint.
type RepoStateStore interface {
	FindByURL(ctx context.Context, repoURL string) (models.RepoState, bool, error)
	NewID() string
	CreateIfNotExists(ctx context.Context, repoURL, id, localPath string) (models.RepoState, error)
	Save(ctx context.Context, st models.RepoState) error
}

// BlobUpserter is the subset of blobstore.Store the worker needs to persist
// parent file content.
type BlobUpserter interface {
	Upsert(ctx context.Context, blob models.Blob) (strippedChars int, err error)
}

// VectorUpserter is the subset of vectorstore.Store the worker needs to
// index and retire chunk embeddings.
type VectorUpserter interface {
	Upsert(ctx context.Context, records []models.VectorRecord) error
	DeleteByFilter(ctx context.Context, filter vectorstore.Filter) error
}

// binaryExtensions is the blocklist of extensions a file must not match to
// be read and chunked.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".ico": true,
	".svg": true, ".webp": true, ".tiff": true, ".mp4": true, ".avi": true, ".mov": true,
	".wmv": true, ".flv": true, ".mkv": true, ".mp3": true, ".wav": true, ".ogg": true,
	".flac": true, ".aac": true, ".zip": true, ".tar": true, ".gz": true, ".rar": true,
	".7z": true, ".bz2": true, ".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".bin": true, ".class": true, ".pyc": true, ".o": true, ".a": true, ".pdf": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".ttf": true, ".otf": true, ".woff": true, ".woff2": true, ".eot": true, ".db": true,
	".sqlite": true, ".sqlite3": true, ".wasm": true, ".lock": true,
}

// Worker wires together the components the ingestion state machine drives.
// Every dependency is a narrow interface so the state machine can be driven
// by fakes in tests, the same way internal/indexer.Indexer.Run is driven by
// MockIndexableStore/MockAIClient in the teacher project.
type Worker struct {
	RepoStates RepoStateStore
	Blobs      BlobUpserter
	Vectors    VectorUpserter
	Embedder   embedding.Client

	StorageRoot string
	NumWorkers  int // 0 means use runtime.NumCPU(), capped at 8
}

// Result summarizes one job run, for logging and job-status reporting.
type Result struct {
	RepoID             string
	NoChanges          bool
	FilesProcessed     int
	FilesSkipped       int
	VectorsUpserted    int
	LastProcessedCommit string
}

// Process executes one ingestion job end to end.
func (w *Worker) Process(ctx context.Context, job models.IngestJob) (Result, error) {
	ref := job.Ref
	if ref == "" {
		ref = "main"
	}

	st, isNew, err := w.resolveState(ctx, job.RepoURL)
	if err != nil {
		return Result{}, fmt.Errorf("worker: resolve state: %w", err)
	}

	head, err := gitmirror.Sync(ctx, job.RepoURL, ref, job.Token, st.LocalPath)
	if err != nil {
		return Result{}, fmt.Errorf("worker: sync %s: %w", job.RepoURL, err)
	}

	repoID := job.RepoID
	if repoID == "" {
		repoID = st.ID
	}

	var lastSHA string
	if !isNew && st.LastProcessedCommit != nil {
		lastSHA = *st.LastProcessedCommit
	}

	changes, err := gitmirror.ChangedFiles(st.LocalPath, lastSHA, head)
	if err != nil {
		return Result{}, fmt.Errorf("worker: diff: %w", err)
	}

	var added, modified, deleted []gitmirror.FileChange
	for _, c := range changes {
		switch c.Type {
		case gitmirror.Added:
			added = append(added, c)
		case gitmirror.Modified:
			modified = append(modified, c)
		case gitmirror.Deleted:
			deleted = append(deleted, c)
		case gitmirror.Renamed:
			deleted = append(deleted, gitmirror.FileChange{Path: c.OldPath, Type: gitmirror.Deleted})
			added = append(added, gitmirror.FileChange{Path: c.Path, Type: gitmirror.Added})
		}
	}

	if err := w.applyDeletions(ctx, repoID, deleted); err != nil {
		return Result{}, fmt.Errorf("worker: apply deletions: %w", err)
	}

	if len(added)+len(modified) == 0 {
		log.Info().Str("repoUrl", job.RepoURL).Msg("worker: no changes detected")
		if err := w.commit(ctx, st, head); err != nil {
			return Result{}, err
		}
		return Result{RepoID: repoID, NoChanges: true, LastProcessedCommit: head}, nil
	}

	toProcess := append(append([]gitmirror.FileChange{}, added...), modified...)
	sanitizedMeta := sanitizeUserMeta(job.Meta)

	processed, skipped, upserted, err := w.processFiles(ctx, st.LocalPath, repoID, job.UserID, toProcess, sanitizedMeta)
	if err != nil {
		return Result{}, fmt.Errorf("worker: process files: %w", err)
	}

	if err := w.commit(ctx, st, head); err != nil {
		return Result{}, err
	}

	return Result{
		RepoID:              repoID,
		FilesProcessed:      processed,
		FilesSkipped:        skipped,
		VectorsUpserted:     upserted,
		LastProcessedCommit: head,
	}, nil
}

func (w *Worker) resolveState(ctx context.Context, repoURL string) (models.RepoState, bool, error) {
	existing, ok, err := w.RepoStates.FindByURL(ctx, repoURL)
	if err != nil {
		return models.RepoState{}, false, err
	}
	if ok {
		return existing, false, nil
	}

	id := w.RepoStates.NewID()
	localPath := filepath.Join(w.StorageRoot, id)
	created, err := w.RepoStates.CreateIfNotExists(ctx, repoURL, id, localPath)
	if err != nil {
		return models.RepoState{}, false, err
	}
	return created, created.ID == id, nil
}

func (w *Worker) commit(ctx context.Context, st models.RepoState, head string) error {
	st.LastProcessedCommit = &head
	if err := w.RepoStates.Save(ctx, st); err != nil {
		return fmt.Errorf("worker: commit state: %w", err)
	}
	return nil
}

// applyDeletions removes every vector whose parentId matches a deleted
// path, deliberately before the empty-diff short-circuit per the spec's
// resolved open question (a): deletions always apply.
func (w *Worker) applyDeletions(ctx context.Context, repoID string, deleted []gitmirror.FileChange) error {
	for _, d := range deleted {
		if err := w.Vectors.DeleteByFilter(ctx, vectorstore.Filter{"repoId": repoID, "parentId": d.Path}); err != nil {
			return fmt.Errorf("delete %s: %w", d.Path, err)
		}
	}
	return nil
}

func (w *Worker) processFiles(ctx context.Context, repoRoot, repoID, userID string, files []gitmirror.FileChange, userMeta map[string]any) (processed, skipped, upserted int, err error) {
	numWorkers := w.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers > 8 {
			numWorkers = 8
		}
	}

	type fileResult struct {
		vectors int
		skipped bool
	}

	workChan := make(chan gitmirror.FileChange, numWorkers*2)
	resultChan := make(chan fileResult, len(files))
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fc := range workChan {
				vecs, wasSkipped, ferr := w.processFile(ctx, repoRoot, repoID, userID, fc.Path, userMeta)
				if ferr != nil {
					select {
					case errorChan <- ferr:
					default:
						log.Error().Err(ferr).Str("path", fc.Path).Msg("worker: file processing error")
					}
					continue
				}
				resultChan <- fileResult{vectors: vecs, skipped: wasSkipped}
			}
		}()
	}

	go func() {
		for _, fc := range files {
			select {
			case workChan <- fc:
			case <-ctx.Done():
			}
		}
		close(workChan)
	}()

	wg.Wait()
	close(resultChan)
	close(errorChan)

	if ferr := <-errorChan; ferr != nil {
		return 0, 0, 0, ferr
	}

	for r := range resultChan {
		if r.skipped {
			skipped++
			continue
		}
		processed++
		upserted += r.vectors
	}
	return processed, skipped, upserted, nil
}

// processFile handles one changed path: parent write, chunk, embed, build
// records, upsert. A per-file error here is logged and treated as a skip,
// per the propagation policy: only phase-level errors fail the whole job.
func (w *Worker) processFile(ctx context.Context, repoRoot, repoID, userID, relPath string, userMeta map[string]any) (vectorCount int, skipped bool, err error) {
	if binaryExtensions[strings.ToLower(filepath.Ext(relPath))] {
		return 0, true, nil
	}

	raw, err := gitmirror.ReadFile(repoRoot, relPath)
	if err != nil {
		log.Warn().Err(err).Str("path", relPath).Msg("worker: failed to read file")
		return 0, true, nil
	}
	if !utf8.Valid(raw) {
		log.Warn().Str("path", relPath).Msg("worker: not valid utf-8, skipping")
		return 0, true, nil
	}
	content := string(raw)

	stripped, err := w.Blobs.Upsert(ctx, models.Blob{
		ID:       relPath,
		RepoID:   repoID,
		Content:  content,
		Metadata: userMeta,
	})
	if err != nil {
		return 0, false, fmt.Errorf("blob upsert %s: %w", relPath, err)
	}
	if stripped > 0 {
		log.Info().Int("strippedChars", stripped).Str("path", relPath).Msg("worker: stripped control characters from blob content")
	}

	chunks, err := chunker.Split(ctx, relPath, raw)
	if err != nil {
		log.Warn().Err(err).Str("path", relPath).Msg("worker: chunker error, skipping")
		return 0, true, nil
	}

	var nonBlank []chunker.Chunk
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) != "" {
			nonBlank = append(nonBlank, c)
		}
	}
	if len(nonBlank) == 0 {
		log.Warn().Str("path", relPath).Msg("worker: no usable chunks, skipping vectors")
		return 0, false, nil
	}

	texts := make([]string, len(nonBlank))
	for i, c := range nonBlank {
		texts[i] = c.Content
	}
	vectors, err := w.Embedder.Embed(ctx, texts)
	if err != nil {
		return 0, false, fmt.Errorf("embed %s: %w", relPath, err)
	}
	if len(vectors) != len(nonBlank) {
		return 0, false, fmt.Errorf("embed %s: expected %d vectors, got %d", relPath, len(nonBlank), len(vectors))
	}

	records := make([]models.VectorRecord, len(nonBlank))
	now := time.Now().UTC().Format(time.RFC3339)
	ext := filepath.Ext(relPath)
	for i, c := range nonBlank {
		meta := map[string]any{}
		for k, v := range userMeta {
			meta[k] = v
		}
		meta["id"] = c.ID
		meta["category"] = "repository"
		meta["repositoryId"] = repoID
		meta["repoId"] = repoID
		meta["workspaceId"] = repoID
		meta["userId"] = userID
		meta["timestamp"] = now
		meta["filePath"] = relPath
		meta["fileType"] = ext
		meta["chunkIndex"] = i
		meta["chunkType"] = c.Type
		meta["parentId"] = relPath
		meta["functionName"] = chunkName(c.ID)
		meta["startLine"] = c.StartLine
		meta["endLine"] = c.EndLine

		records[i] = models.VectorRecord{
			ID:       c.ID,
			Vector:   vectors[i],
			Content:  c.Content,
			Metadata: meta,
		}
	}

	if err := w.Vectors.Upsert(ctx, records); err != nil {
		return 0, false, fmt.Errorf("upsert %s: %w", relPath, err)
	}

	return len(records), false, nil
}

// chunkName extracts the {name} segment of a canonical chunk id
// "{filePath}:{name}:{nodeType}:L{startLine}".
func chunkName(chunkID string) string {
	parts := strings.Split(chunkID, ":")
	if len(parts) < 4 {
		return "anonymous"
	}
	name := parts[len(parts)-3]
	if name == "" {
		return "anonymous"
	}
	return name
}

// sanitizeUserMeta drops reserved keys and any non-primitive value, with a
// warning, leaving only the primitive mapping every record in this job may
// carry alongside its reserved fields.
func sanitizeUserMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if models.ReservedMetadataKeys[k] {
			log.Warn().Str("key", k).Msg("worker: dropping reserved metadata key from user meta")
			continue
		}
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
			out[k] = v
		default:
			log.Warn().Str("key", k).Msg("worker: dropping non-primitive metadata value")
		}
	}
	return out
}
